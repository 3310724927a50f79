package store

import (
	"context"
	"database/sql"
	"errors"
)

type RowScanner interface {
	Scan(args ...any) error
}

func MapQueryRowsFn[T any](ctx context.Context, qw QueryWrapper, query string, m func(RowScanner) (T, error), args ...any) ([]T, error) {
	rows, err := qw.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}

	defer func() { _ = rows.Close() }()

	var result []T

	for rows.Next() {
		val, err := m(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, val)
	}

	return result, rows.Err()
}

func MapQueryRowFn[T any](ctx context.Context, qw QueryWrapper, query string, m func(RowScanner) (T, error), args ...any) (T, error) {
	v, err := m(qw.QueryRowContext(ctx, query, args...))

	return v, mapSQLError(err)
}

func MapQueryRow[T any](ctx context.Context, qw QueryWrapper, query string, args ...any) (T, error) {
	return MapQueryRowFn(ctx, qw, query, func(scanner RowScanner) (T, error) {
		var v T

		err := scanner.Scan(&v)

		return v, err
	}, args...)
}

func ExecQuery(ctx context.Context, qw QueryWrapper, query string, args ...any) (int, error) {
	r, err := qw.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	affected, err := r.RowsAffected()
	if err != nil {
		panic("affected rows is unsupported")
	}

	return int(affected), nil
}

func ExecQueryAndCheckUpdatedNotZero(ctx context.Context, qw QueryWrapper, query string, args ...any) error {
	updated, err := ExecQuery(ctx, qw, query, args...)
	if err != nil {
		return err
	}

	if updated == 0 {
		return errNoValuesChanged
	}

	return nil
}

func QueryExists(ctx context.Context, qw QueryWrapper, query string, args ...any) (bool, error) {
	if _, err := MapQueryRow[int](ctx, qw, query, args...); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func mapSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	return err
}
