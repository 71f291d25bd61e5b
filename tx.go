package monrel

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// txSession abstracts the driver session so transaction state handling is
// testable without a server.
type txSession interface {
	StartTransaction() error
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
	EndSession(ctx context.Context)
	Context(ctx context.Context) context.Context
}

type mongoSession struct {
	s *mongo.Session
}

func (m mongoSession) StartTransaction() error { return m.s.StartTransaction() }

func (m mongoSession) CommitTransaction(ctx context.Context) error {
	return m.s.CommitTransaction(ctx)
}

func (m mongoSession) AbortTransaction(ctx context.Context) error {
	return m.s.AbortTransaction(ctx)
}

func (m mongoSession) EndSession(ctx context.Context) { m.s.EndSession(ctx) }
func (m mongoSession) Context(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, m.s)
}

type commitHook struct {
	fn     func() error
	robust bool
}

// Atomic runs fn inside a transaction. Nested calls join the transaction of
// the outermost one: only the outermost call commits or aborts, and commit
// hooks registered anywhere inside run after that commit. A commit failure
// aborts the transaction.
func (db *DB) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	db.txMu.Lock()
	if db.session != nil {
		db.nested++
		s := db.session
		db.txMu.Unlock()

		err := fn(s.Context(ctx))

		db.txMu.Lock()
		db.nested--
		db.txMu.Unlock()
		return err
	}

	s, err := db.startSession()
	if err != nil {
		db.txMu.Unlock()
		return wrapDatabaseError(err, "start session")
	}
	if err := s.StartTransaction(); err != nil {
		s.EndSession(ctx)
		db.txMu.Unlock()
		return wrapDatabaseError(err, "start transaction")
	}
	db.session = s
	db.txMu.Unlock()
	if db.conf.Debug {
		db.log.Debug("start transaction")
	}

	err = fn(s.Context(ctx))

	db.txMu.Lock()
	db.session = nil
	hooks := db.onCommit
	db.onCommit = nil
	db.txMu.Unlock()

	if err != nil {
		if db.conf.Debug {
			db.log.Debug("abort transaction")
		}
		if aerr := s.AbortTransaction(ctx); aerr != nil {
			db.log.Error("abort failed", zap.Error(aerr))
		}
		s.EndSession(ctx)
		return err
	}
	if db.conf.Debug {
		db.log.Debug("commit transaction")
	}
	if cerr := s.CommitTransaction(ctx); cerr != nil {
		if aerr := s.AbortTransaction(ctx); aerr != nil {
			db.log.Error("abort failed", zap.Error(aerr))
		}
		s.EndSession(ctx)
		return wrapDatabaseError(cerr, "commit")
	}
	s.EndSession(ctx)
	return db.runCommitHooks(hooks)
}

// OnCommit registers fn to run after the enclosing transaction commits, or
// runs it immediately when no transaction is active. A robust hook's error
// is logged; any other hook's error propagates and, at commit time, stops
// the remaining hooks.
func (db *DB) OnCommit(fn func() error, robust bool) error {
	db.txMu.Lock()
	if db.session != nil {
		db.onCommit = append(db.onCommit, commitHook{fn: fn, robust: robust})
		db.txMu.Unlock()
		return nil
	}
	db.txMu.Unlock()
	return db.runCommitHooks([]commitHook{{fn: fn, robust: robust}})
}

func (db *DB) runCommitHooks(hooks []commitHook) error {
	for _, h := range hooks {
		if err := h.fn(); err != nil {
			if h.robust {
				db.log.Error("commit hook failed", zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}
