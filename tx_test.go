package monrel

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSession struct {
	started   int
	commits   int
	aborts    int
	ended     int
	commitErr error
}

func (f *fakeSession) StartTransaction() error { f.started++; return nil }

func (f *fakeSession) CommitTransaction(context.Context) error {
	f.commits++
	return f.commitErr
}

func (f *fakeSession) AbortTransaction(context.Context) error { f.aborts++; return nil }

func (f *fakeSession) EndSession(context.Context) { f.ended++ }

func (f *fakeSession) Context(ctx context.Context) context.Context { return ctx }

func testDB(t *testing.T) (*DB, *fakeSession) {
	t.Helper()
	fake := &fakeSession{}
	db := &DB{log: zap.NewNop()}
	db.startSession = func() (txSession, error) { return fake, nil }
	return db, fake
}

func TestAtomicCommitsOnce(t *testing.T) {
	db, fake := testDB(t)
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.started)
	assert.Equal(t, 1, fake.commits)
	assert.Equal(t, 0, fake.aborts)
	assert.Equal(t, 1, fake.ended)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	db, fake := testDB(t)
	boom := errors.New("boom")
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, fake.commits)
	assert.Equal(t, 1, fake.aborts)
	assert.Equal(t, 1, fake.ended)
}

func TestNestedAtomicJoinsOuterTransaction(t *testing.T) {
	db, fake := testDB(t)
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		return db.Atomic(ctx, func(ctx context.Context) error {
			return db.Atomic(ctx, func(ctx context.Context) error {
				return nil
			})
		})
	})
	require.NoError(t, err)
	// One transaction for the whole nest.
	assert.Equal(t, 1, fake.started)
	assert.Equal(t, 1, fake.commits)
}

func TestNestedErrorAbortsOuter(t *testing.T) {
	db, fake := testDB(t)
	boom := errors.New("boom")
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		return db.Atomic(ctx, func(ctx context.Context) error {
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, fake.commits)
	assert.Equal(t, 1, fake.aborts)
}

func TestCommitFailureAborts(t *testing.T) {
	db, fake := testDB(t)
	fake.commitErr = errors.New("network")
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrDatabase)
	assert.Equal(t, 1, fake.aborts)
}

func TestOnCommitDeferredUntilCommit(t *testing.T) {
	db, fake := testDB(t)
	var ran []string
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		require.NoError(t, db.OnCommit(func() error {
			ran = append(ran, "hook")
			return nil
		}, false))
		// Still inside the transaction: nothing has run yet.
		assert.Empty(t, ran)
		ran = append(ran, "body")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "hook"}, ran)
	assert.Equal(t, 1, fake.commits)
}

func TestOnCommitSkippedOnRollback(t *testing.T) {
	db, _ := testDB(t)
	ran := false
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		require.NoError(t, db.OnCommit(func() error { ran = true; return nil }, false))
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.False(t, ran)

	// The hook must not leak into a later transaction.
	err = db.Atomic(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestOnCommitRunsImmediatelyOutsideTransaction(t *testing.T) {
	db, _ := testDB(t)
	ran := false
	require.NoError(t, db.OnCommit(func() error { ran = true; return nil }, false))
	assert.True(t, ran)
}

func TestRobustHookErrorLoggedNotPropagated(t *testing.T) {
	db, _ := testDB(t)
	var afterFailure bool
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		require.NoError(t, db.OnCommit(func() error { return errors.New("robust boom") }, true))
		require.NoError(t, db.OnCommit(func() error { afterFailure = true; return nil }, false))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, afterFailure)
}

func observedDB(t *testing.T) (*DB, *fakeSession, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	fake := &fakeSession{}
	db := &DB{conf: Config{Debug: true}, log: zap.New(core)}
	db.startSession = func() (txSession, error) { return fake, nil }
	return db, fake, logs
}

func TestDebugLogsTransactionLifecycle(t *testing.T) {
	db, _, logs := observedDB(t)
	err := db.Atomic(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	var msgs []string
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"start transaction", "commit transaction"}, msgs)

	logs.TakeAll()
	err = db.Atomic(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	msgs = nil
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"start transaction", "abort transaction"}, msgs)
}

func TestNonRobustHookErrorPropagates(t *testing.T) {
	db, _ := testDB(t)
	boom := errors.New("hook boom")
	err := db.Atomic(context.Background(), func(ctx context.Context) error {
		require.NoError(t, db.OnCommit(func() error { return boom }, false))
		return nil
	})
	assert.ErrorIs(t, err, boom)
}
