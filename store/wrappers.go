package store

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"
)

// QueryWrapper is implemented by both sql.DB and sql.Tx wrappers so that queries can be logged when debugging.
type QueryWrapper interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type DBWrapper struct {
	DB *sql.DB
}

func (d DBWrapper) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, query, args...)
}

func (d DBWrapper) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, query, args...)
}

func (d DBWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, query, args...)
}

type TXWrapper struct {
	TX *sql.Tx
}

func (t TXWrapper) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.TX.QueryContext(ctx, query, args...)
}

func (t TXWrapper) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.TX.QueryRowContext(ctx, query, args...)
}

func (t TXWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.TX.ExecContext(ctx, query, args...)
}

type DebugQueryWrapper struct {
	QW    QueryWrapper
	Entry *logrus.Entry
}

func (d DebugQueryWrapper) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.Entry.Debugf("query=%v args=%v", query, args)

	return d.QW.QueryContext(ctx, query, args...)
}

func (d DebugQueryWrapper) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	d.Entry.Debugf("query=%v args=%v", query, args)

	return d.QW.QueryRowContext(ctx, query, args...)
}

func (d DebugQueryWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.Entry.Debugf("exec=%v args=%v", query, args)

	return d.QW.ExecContext(ctx, query, args...)
}
