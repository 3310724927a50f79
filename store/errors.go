package store

import "errors"

var (
	ErrNotFound          = errors.New("value not found")
	ErrMigrationFailed   = errors.New("migration failed")
	ErrTransactionFailed = errors.New("transaction failed")
	errNoValuesChanged   = errors.New("no values changed")
)
