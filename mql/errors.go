package mql

import (
	"errors"
	"fmt"
)

// ErrNotSupported marks constructs with no pipeline translation. It is fatal
// to the compile and never retried.
var ErrNotSupported = errors.New("mql: not supported")

// ErrMalformed marks programmer errors in the query tree, such as an isnull
// comparison against a non-boolean value.
var ErrMalformed = errors.New("mql: malformed query")

// errEmptyResultSet and errFullResultSet are compile-time control signals:
// a subtree statically matches no documents or every document. They steer
// boolean-tree pruning and must never escape the top-level compile call; the
// assembler converts them into "no result" and "no match stage".
var (
	errEmptyResultSet = errors.New("mql: empty result set")
	errFullResultSet  = errors.New("mql: full result set")
)

func notSupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotSupported, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
