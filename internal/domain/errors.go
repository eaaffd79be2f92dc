// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the write would break a uniqueness or referential invariant.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates malformed input.
var ErrValidation = errors.New("validation error")

// ErrStorageUnavailable indicates a transient backing-store failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrAggregationUnavailable indicates the cost summary could not be fetched.
var ErrAggregationUnavailable = errors.New("aggregation unavailable")
