// Package store is a SQLite backed connector.Store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ProtonMail/airsync/internal/utils"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLite stores account and mailbox state in a SQLite database. Writes are serialized.
type SQLite struct {
	db    *sql.DB
	lock  sync.RWMutex
	debug bool
}

type Option interface {
	apply(*SQLite)
}

type debugOption struct{}

func (debugOption) apply(s *SQLite) {
	s.debug = true
}

// Debug enables logging of the SQL queries and their values. Written to debug log.
func Debug() Option {
	return &debugOption{}
}

// Open opens, creating it if needed, the database at dir/name.db and migrates it.
func Open(ctx context.Context, dir, name string, opts ...Option) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fmt.Sprintf("%v.db", name))

	return open(ctx, fmt.Sprintf("file:%v?cache=shared&_fk=1&_journal=WAL", path), opts...)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory(ctx context.Context, opts ...Option) (*SQLite, error) {
	return open(ctx, fmt.Sprintf("file:%v?mode=memory&cache=shared&_fk=1", uuid.NewString()), opts...)
}

func open(ctx context.Context, dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection keeps in-memory databases alive and serializes SQLite access.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}

	for _, opt := range opts {
		opt.apply(s)
	}

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable db pragma: %w", err)
	}

	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		if err := RunMigrations(ctx, qw); err != nil {
			return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}

		return nil
	})
}

func (s *SQLite) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Close()
}

func (s *SQLite) read(ctx context.Context, op func(context.Context, QueryWrapper) error) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var qw QueryWrapper = DBWrapper{DB: s.db}

	if s.debug {
		qw = DebugQueryWrapper{QW: qw, Entry: logrus.WithField("rd", uuid.NewString())}
	}

	return op(ctx, qw)
}

func (s *SQLite) write(ctx context.Context, op func(context.Context, QueryWrapper) error) error {
	return s.wrapTx(ctx, func(ctx context.Context, tx *sql.Tx, entry *logrus.Entry) error {
		var qw QueryWrapper = TXWrapper{TX: tx}

		if s.debug {
			qw = DebugQueryWrapper{QW: qw, Entry: entry}
		}

		return op(ctx, qw)
	})
}

func (s *SQLite) wrapTx(ctx context.Context, op func(context.Context, *sql.Tx, *logrus.Entry) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var entry *logrus.Entry

	if s.debug {
		entry = logrus.WithField("tx", uuid.NewString())
	} else {
		entry = logrus.WithField("tx", "tx")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if s.debug {
		entry.Debugf("Begin Transaction")
	}

	defer func() {
		if v := recover(); v != nil {
			if s.debug {
				entry.Debugf("Panic during Transaction")
			}

			if err := tx.Rollback(); err != nil {
				panic(fmt.Errorf("rolling back while recovering (%v): %w", v, err))
			}

			panic(v)
		}
	}()

	if err := op(ctx, tx, entry); err != nil {
		if s.debug {
			entry.Debugf("Rolling back Transaction")
		}

		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("rolling back transaction: %w", rerr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		if !errors.Is(err, context.Canceled) {
			reporter.MessageWithContext(ctx,
				"Failed to commit database transaction",
				reporter.Context{"error": err, "type": utils.ErrCause(err)},
			)
		}

		return fmt.Errorf("%v: %w", err, ErrTransactionFailed)
	}

	if s.debug {
		entry.Debugf("Transaction Committed")
	}

	return nil
}
