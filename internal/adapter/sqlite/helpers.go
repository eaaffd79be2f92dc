package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
)

type scannable interface {
	Scan(dest ...any) error
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as UTC unix nanoseconds.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

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
func wrapErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
		case sqlite3.SQLITE_CONSTRAINT_CHECK, sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return fmt.Errorf("%s: %w", msg, domain.ErrValidation)
		case sqlite3.SQLITE_CONSTRAINT:
			// Primary code only: fall back to the message.
			if strings.Contains(se.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
			}
			return fmt.Errorf("%s: %w", msg, domain.ErrValidation)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, domain.ErrStorageUnavailable, err)
}

// execExpectOne verifies that an Exec affected exactly one row.
func execExpectOne(res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return wrapErr(err, format, args...)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, format, args...)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrNotFound)
	}
	return nil
}
