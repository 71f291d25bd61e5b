package monrel

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/monrel/monrel/mql"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrNotSupported marks queries with no pipeline translation.
	ErrNotSupported = mql.ErrNotSupported

	// ErrMalformed marks structurally invalid query trees.
	ErrMalformed = mql.ErrMalformed

	// ErrIntegrity marks writes rejected by a uniqueness constraint.
	ErrIntegrity = errors.New("integrity error")

	// ErrDatabase marks server-side failures.
	ErrDatabase = errors.New("database error")
)

// wrapDatabaseError classifies a driver error under one of the sentinels,
// keeping the original message.
func wrapDatabaseError(err error, op string) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrapf(ErrIntegrity, "%s: %v", op, err)
	}
	return errors.Wrapf(ErrDatabase, "%s: %v", op, err)
}
