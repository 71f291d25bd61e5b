package mql

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// MongoQuery is the compiled form of a query tree: the pipeline fragments in
// the order the executor assembles them, plus enough metadata to run the
// aggregation. A query the compiler proved can match nothing has Empty set
// and no fragments.
type MongoQuery struct {
	// Collection is the collection the aggregation runs against.
	Collection string

	// Empty marks a query that statically matches no documents. Callers
	// short-circuit instead of running the pipeline.
	Empty bool

	SearchPipeline      []bson.M
	LookupPipeline      []bson.M
	Subqueries          []*MongoQuery
	Match               any
	AggregationPipeline []bson.M
	ProjectFields       bson.M
	CombinatorPipeline  []bson.M
	ExtraFields         bson.M
	Ordering            bson.D
	Skip                int64
	Limit               *int64

	// SubqueryLookup is set when this query runs nested inside another
	// pipeline. Pipeline wraps everything above in the lookup it describes.
	SubqueryLookup bson.M
}

// Pipeline assembles the aggregation pipeline. Fragment order is fixed:
// search must open the pipeline, lookups and subqueries must precede the
// filter that reads their outputs, grouping precedes projection, and
// combinator results feed the final shaping stages.
func (mq *MongoQuery) Pipeline() []bson.M {
	pipeline := []bson.M{}
	pipeline = append(pipeline, mq.SearchPipeline...)
	pipeline = append(pipeline, mq.LookupPipeline...)
	for _, sub := range mq.Subqueries {
		pipeline = append(pipeline, sub.Pipeline()...)
	}
	if mq.Match != nil {
		pipeline = append(pipeline, bson.M{"$match": mq.Match})
	}
	pipeline = append(pipeline, mq.AggregationPipeline...)
	if len(mq.ProjectFields) > 0 {
		pipeline = append(pipeline, bson.M{"$project": mq.ProjectFields})
	}
	pipeline = append(pipeline, mq.CombinatorPipeline...)
	if len(mq.ExtraFields) > 0 {
		pipeline = append(pipeline, bson.M{"$addFields": mq.ExtraFields})
	}
	if len(mq.Ordering) > 0 {
		pipeline = append(pipeline, bson.M{"$sort": mq.Ordering})
	}
	if mq.Skip > 0 {
		pipeline = append(pipeline, bson.M{"$skip": mq.Skip})
	}
	if mq.Limit != nil {
		pipeline = append(pipeline, bson.M{"$limit": *mq.Limit})
	}
	if len(mq.SubqueryLookup) > 0 {
		lookup := bson.M{"pipeline": pipeline}
		for k, v := range mq.SubqueryLookup {
			lookup[k] = v
		}
		as := mq.SubqueryLookup["as"].(string)
		// The lookup output is an array; nested references expect a single
		// document, so an empty result collapses to {} and the field reads
		// on it come back missing.
		pipeline = []bson.M{
			{"$lookup": lookup},
			{"$set": bson.M{
				as: condEmptyArray("$"+as, bson.M{}, bson.M{"$arrayElemAt": bson.A{"$" + as, 0}}),
			}},
		}
	}
	return pipeline
}

// MatchFilter returns the compiled filter as a plain query document for
// operations that take a filter rather than a pipeline, such as deletes. It
// is only valid for queries whose pipeline reduces to a single match stage.
func (mq *MongoQuery) MatchFilter() (bson.M, bool) {
	if mq.Empty ||
		len(mq.SearchPipeline) > 0 || len(mq.LookupPipeline) > 0 ||
		len(mq.Subqueries) > 0 || len(mq.AggregationPipeline) > 0 ||
		len(mq.ProjectFields) > 0 || len(mq.CombinatorPipeline) > 0 ||
		len(mq.ExtraFields) > 0 || len(mq.SubqueryLookup) > 0 {
		return nil, false
	}
	if mq.Match == nil {
		return bson.M{}, true
	}
	if m, ok := mq.Match.(bson.M); ok {
		return m, true
	}
	return bson.M{"$expr": mq.Match}, true
}
