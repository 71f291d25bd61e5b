// Package monrel compiles relational query trees into MongoDB aggregation
// pipelines and runs them. Queries are described against a catalog of models
// (package sdata) as trees of predicates, joins, annotations, and subqueries
// (package qtree); package mql lowers them to pipeline stages, and DB
// executes the result with transaction and commit-hook support.
package monrel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/monrel/monrel/mql"
	"github.com/monrel/monrel/qtree"
)

// DB is a handle on one database. It is safe for concurrent use; at most
// one transaction is active at a time and concurrent Atomic calls from
// other goroutines nest into it.
type DB struct {
	conf   Config
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
	cache  *pipelineCache

	// startSession is swapped out in tests.
	startSession func() (txSession, error)

	txMu     sync.Mutex
	session  txSession
	nested   int
	onCommit []commitHook
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(db *DB) { db.log = log }
}

// NewDB connects to the database named by conf.
func NewDB(ctx context.Context, conf Config, opts ...Option) (*DB, error) {
	clientOpts := options.Client().ApplyURI(conf.URI)
	if conf.ConnectTimeout > 0 {
		clientOpts = clientOpts.SetConnectTimeout(conf.ConnectTimeout)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, wrapDatabaseError(err, "connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, wrapDatabaseError(err, "ping")
	}

	db := &DB{
		conf:   conf,
		client: client,
		db:     client.Database(conf.Database),
		log:    zap.NewNop(),
	}
	db.startSession = func() (txSession, error) {
		s, err := client.StartSession()
		if err != nil {
			return nil, err
		}
		return mongoSession{s: s}, nil
	}
	for _, o := range opts {
		o(db)
	}
	if conf.CacheSize >= 0 {
		size := conf.CacheSize
		if size == 0 {
			size = defaultCacheSize
		}
		db.cache, err = newPipelineCache(size)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close(ctx context.Context) error {
	return wrapDatabaseError(db.client.Disconnect(ctx), "disconnect")
}

func (db *DB) compile(q *qtree.Query) (*mql.MongoQuery, error) {
	key, hashable := queryHash(q)
	if hashable {
		if mq, ok := db.cache.get(key); ok {
			return mq, nil
		}
	}
	mq, err := mql.Compile(q, mql.Options{DatabaseAlias: db.conf.DatabaseAlias})
	if err != nil {
		return nil, err
	}
	if hashable {
		db.cache.set(key, mq)
	}
	return mq, nil
}

// RunQuery compiles and executes a query, decoding every result document.
// A query the compiler proves empty returns no documents without touching
// the server. Inside Atomic, pass the transaction's context.
func (db *DB) RunQuery(ctx context.Context, q *qtree.Query) ([]bson.M, error) {
	mq, err := db.compile(q)
	if err != nil {
		return nil, err
	}
	if mq.Empty {
		return nil, nil
	}
	pipeline := mq.Pipeline()
	if db.conf.Debug {
		db.log.Debug("aggregate",
			zap.String("collection", mq.Collection),
			zap.Any("pipeline", pipeline))
	}
	cur, err := db.db.Collection(mq.Collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapDatabaseError(err, "aggregate")
	}
	defer cur.Close(ctx)
	var results []bson.M
	if err := cur.All(ctx, &results); err != nil {
		return nil, wrapDatabaseError(err, "decode")
	}
	return results, nil
}

// Delete removes every document the query matches and reports the count.
// Only queries that reduce to a plain filter on one collection can delete:
// joins, subqueries, annotations, and slicing are rejected.
func (db *DB) Delete(ctx context.Context, q *qtree.Query) (int64, error) {
	mq, err := db.compile(q)
	if err != nil {
		return 0, err
	}
	if mq.Empty {
		return 0, nil
	}
	if mq.Skip > 0 || mq.Limit != nil {
		return 0, errors.Wrap(mql.ErrNotSupported, "delete on a sliced query")
	}
	filter, ok := mq.MatchFilter()
	if !ok {
		return 0, errors.Wrap(mql.ErrNotSupported, "delete needs a plain single-collection filter")
	}
	if db.conf.Debug {
		db.log.Debug("delete",
			zap.String("collection", mq.Collection),
			zap.Any("filter", filter))
	}
	res, err := db.db.Collection(mq.Collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapDatabaseError(err, "delete")
	}
	return res.DeletedCount, nil
}

// CreateIndexes builds regular indexes on a collection.
func (db *DB) CreateIndexes(ctx context.Context, collection string, indexes ...*mql.Index) error {
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, ix := range indexes {
		m, err := ix.IndexModel()
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	_, err := db.db.Collection(collection).Indexes().CreateMany(ctx, models)
	return wrapDatabaseError(err, "create indexes")
}

// CreateSearchIndexes builds Atlas search and vector search indexes on a
// collection. Servers without search support reject the call.
func (db *DB) CreateSearchIndexes(ctx context.Context, collection string, models ...mongo.SearchIndexModel) error {
	_, err := db.db.Collection(collection).SearchIndexes().CreateMany(ctx, models)
	return wrapDatabaseError(err, "create search indexes")
}
