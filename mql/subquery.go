package mql

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

// wrapPipelineFunc appends stages to a subquery's pipeline that reshape its
// result documents into the single value the enclosing predicate consumes.
type wrapPipelineFunc func(co *Compiler, fieldName string, expr any) []bson.M

// inSubqueryWrapping collapses a subquery's result set into one document
// holding the distinct values of its result field, for membership tests.
// An empty result set yields an empty list rather than a missing field.
func inSubqueryWrapping(co *Compiler, fieldName string, expr any) []bson.M {
	return []bson.M{
		{"$facet": bson.M{
			"group": bson.A{
				bson.M{"$group": bson.M{
					"_id":      nil,
					"tmp_name": bson.M{"$addToSet": expr},
				}},
			},
		}},
		{"$project": bson.M{
			fieldName: bson.M{"$ifNull": bson.A{
				bson.M{"$getField": bson.M{
					"input": bson.M{"$arrayElemAt": bson.A{"$group", 0}},
					"field": "tmp_name",
				}},
				bson.A{},
			}},
		}},
	}
}

// compileSubqueryRef compiles a nested query into a registered subquery and
// returns the path under which the enclosing pipeline reads its result
// field. The nested query compiles with its own compiler; outer columns it
// references land in its capture slots and become let bindings on the
// subquery lookup, with the binding values compiled here in the enclosing
// scope.
func (co *Compiler) compileSubqueryRef(q *qtree.Query, wrap wrapPipelineFunc, asExpr bool) (any, error) {
	if q.Using != "" && q.Using != co.opts.DatabaseAlias {
		return nil, notSupported("subquery against database %q cannot run inside a query against %q",
			q.Using, co.opts.DatabaseAlias)
	}
	var fieldName string
	var resultExpr qtree.Node
	switch {
	case len(q.Project) > 0:
		fieldName, resultExpr = q.Project[0].As, q.Project[0].Expr
	case len(q.Annotations) > 0:
		fieldName, resultExpr = q.Annotations[0].Name, q.Annotations[0].Expr
	default:
		return nil, malformed("subquery selects no result field")
	}

	inner, err := newCompiler(q, co.opts)
	if err != nil {
		return nil, err
	}
	mq, err := inner.compileQuery()
	if err != nil {
		// Static truth signals propagate to the predicate that owns the
		// subquery reference.
		return nil, err
	}

	tableOutput := fmt.Sprintf("__subquery%d", len(co.subqueries))
	let := bson.M{}
	for i, c := range inner.captured {
		frag, err := co.compileCol(c, true)
		if err != nil {
			return nil, err
		}
		let[parentField(i)] = frag
	}
	mq.SubqueryLookup = bson.M{
		"as":   tableOutput,
		"from": inner.collection,
		"let":  let,
	}

	if wrap != nil {
		exprFrag, err := inner.compileExprNode(resultExpr)
		if err != nil {
			return nil, err
		}
		stages := wrap(inner, fieldName, exprFrag)
		if mq.CombinatorPipeline != nil {
			mq.CombinatorPipeline = append(mq.CombinatorPipeline, stages...)
		} else {
			mq.AggregationPipeline = append(mq.AggregationPipeline, stages...)
		}
		// The wrapping stages project the value themselves.
		mq.ProjectFields = nil
	}

	co.subqueries = append(co.subqueries, mq)
	path := tableOutput + "." + fieldName
	if asExpr {
		return "$" + path, nil
	}
	return path, nil
}

// compileExists reduces an existence test to a null check on the subquery's
// result field. The subquery keeps its own projection: the single-object
// normalization on its lookup leaves the field missing when no document
// matched, which is what makes the not-null test discriminate. A
// statically-empty subquery is plain false.
func (co *Compiler) compileExists(e qtree.Exists) (any, error) {
	ref, err := co.compileSubqueryRef(e.Query, nil, true)
	if err != nil {
		if errors.Is(err, errEmptyResultSet) {
			return bson.M{"$literal": false}, nil
		}
		return nil, err
	}
	return isNullExpr(ref, false), nil
}
