package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// Postgres SQLSTATE codes mapped to domain errors.
const (
	pgUniqueViolation  = "23505"
	pgCheckViolation   = "23514"
	pgNotNullViolation = "23502"
)

// nullIfEmpty returns nil for empty strings (for nullable text columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// clampLimit applies the top-N default and cap to a list limit.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return cost.DefaultTopLimit
	case limit > cost.MaxTopLimit:
		return cost.MaxTopLimit
	}
	return limit
}

// wrapErr maps a driver error onto the domain sentinels and adds context.
// Missing rows become ErrNotFound, unique violations ErrConflict, check
// violations ErrValidation, and anything else that is not a caller
// cancellation ErrStorageUnavailable.
func wrapErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %s: %w", msg, pgErr.ConstraintName, domain.ErrConflict)
		case pgCheckViolation, pgNotNullViolation:
			return fmt.Errorf("%s: %s: %w", msg, pgErr.ConstraintName, domain.ErrValidation)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, domain.ErrStorageUnavailable, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err != nil {
		return wrapErr(err, format, args...)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrNotFound)
	}
	return nil
}
