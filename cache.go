package monrel

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/monrel/monrel/mql"
	"github.com/monrel/monrel/qtree"
)

// pipelineCache keeps compiled pipelines keyed by the structural hash of
// their query tree. Compiled queries are immutable, so cache hits share one
// instance.
type pipelineCache struct {
	cache *lru.TwoQueueCache[uint64, *mql.MongoQuery]
}

func newPipelineCache(size int) (*pipelineCache, error) {
	c, err := lru.New2Q[uint64, *mql.MongoQuery](size)
	if err != nil {
		return nil, err
	}
	return &pipelineCache{cache: c}, nil
}

func queryHash(q *qtree.Query) (uint64, bool) {
	h, err := hashstructure.Hash(q, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, false
	}
	return h, true
}

func (pc *pipelineCache) get(key uint64) (*mql.MongoQuery, bool) {
	if pc == nil {
		return nil, false
	}
	return pc.cache.Get(key)
}

func (pc *pipelineCache) set(key uint64, mq *mql.MongoQuery) {
	if pc == nil {
		return
	}
	pc.cache.Add(key, mq)
}
