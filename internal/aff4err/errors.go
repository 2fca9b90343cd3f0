// Package aff4err defines the sentinel error kinds shared across the
// container implementation, so callers can classify a failure with
// errors.Is instead of string matching.
package aff4err

import "errors"

var (
	// ErrMalformedArchive covers corrupt ZIP headers, a missing central
	// directory, or a requested member that does not exist.
	ErrMalformedArchive = errors.New("aff4: malformed archive")

	// ErrDecode covers a bevy index that is too short, an inconsistent
	// compressed length, or a bad index struct size.
	ErrDecode = errors.New("aff4: decode error")

	// ErrCrypto covers a wrong password, a key-bag unwrap failure, or a
	// corrupt key bag.
	ErrCrypto = errors.New("aff4: crypto error")

	// ErrUnknownType covers a URN with no registered handler.
	ErrUnknownType = errors.New("aff4: unknown stream type")

	// ErrUnsupportedDialect covers a version.txt mismatch, or its
	// absence with no fallback dialect detected.
	ErrUnsupportedDialect = errors.New("aff4: unsupported container dialect")

	// ErrInvalidState covers a write to a read-only object, or an
	// unsupported seek-while-writing.
	ErrInvalidState = errors.New("aff4: invalid state")

	// ErrInUse is a programming-error assertion: a flush was attempted
	// while an object cache entry is still referenced.
	ErrInUse = errors.New("aff4: object still in use")

	// ErrNotFound is returned by resolver lookups that come up empty.
	ErrNotFound = errors.New("aff4: not found")
)
