package qtree

import (
	"encoding/hex"
	"time"
)

// Decimal is an exact decimal literal, carried as its string form and
// normalized to the store's native decimal representation at compile time.
type Decimal string

// UUID is an opaque 16-byte identifier literal. Identifier fields store
// these as bare hex strings, so compilation normalizes through Hex rather
// than letting the bytes marshal as binary.
type UUID [16]byte

// Hex returns the 32-character lowercase hex form the identifier is stored
// as.
func (u UUID) Hex() string { return hex.EncodeToString(u[:]) }

// DateOnly is a calendar date with no time component. The store has no
// date-only representation, so compilation embeds it at midnight of a full
// timestamp.
type DateOnly struct {
	Year  int
	Month time.Month
	Day   int
}

// Time returns the sentinel timestamp the date is stored as.
func (d DateOnly) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// TimeOnly is a wall-clock time with no date component, embedded in the
// store's minimum date at compile time.
type TimeOnly struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// Time returns the sentinel timestamp the time is stored as.
func (t TimeOnly) Time() time.Time {
	return time.Date(1, time.January, 1, t.Hour, t.Minute, t.Second, t.Nanosecond, time.UTC)
}
