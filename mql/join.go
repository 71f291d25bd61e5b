package mql

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

// joinScope is active while compiling conditions that run inside a join's
// sub-pipeline. Columns of the joined collection resolve to bare paths;
// every other column is bound once as a let variable and referenced through
// it, deduplicated by structural identity.
type joinScope struct {
	alias string
	lets  []any
	index map[colKey]int
}

// register binds an outer-side column into the join's let list and returns
// its slot. The column compiles in the enclosing scope, outside this join.
func (s *joinScope) register(co *Compiler, c qtree.Col) (int, error) {
	key := colKey{alias: c.Alias, column: c.Target.Column}
	if i, ok := s.index[key]; ok {
		return i, nil
	}
	prev := co.scope
	co.scope = nil
	frag, err := co.compileCol(c, true)
	co.scope = prev
	if err != nil {
		return 0, err
	}
	i := len(s.lets)
	s.lets = append(s.lets, frag)
	s.index[key] = i
	return i, nil
}

// compileJoin lowers a join descriptor to a lookup stage sequence. Equality
// pairs where both sides are simple columns and one is a declared foreign
// key take the direct field-to-field form; everything else binds the outer
// side through let variables and matches inside the sub-pipeline. Pushed
// conditions arrive only for inner joins.
func (co *Compiler) compileJoin(j *qtree.Join, pushed []qtree.Node) ([]bson.M, error) {
	scope := &joinScope{alias: j.Alias, index: make(map[colKey]int)}

	var localField, foreignField string
	var eqConds bson.A
	for _, pair := range j.Fields {
		if (pair.LHS.Target.ForeignKey || pair.RHS.Target.ForeignKey) &&
			co.colUsablePath(pair.LHS) {
			lf, err := co.compileCol(pair.LHS, false)
			if err != nil {
				return nil, err
			}
			localField = lf.(string)
			foreignField = pair.RHS.Target.Column
			continue
		}
		i, err := scope.register(co, pair.LHS)
		if err != nil {
			return nil, err
		}
		co.scope = scope
		rhs, err := co.compileCol(pair.RHS, true)
		co.scope = nil
		if err != nil {
			return nil, err
		}
		eqConds = append(eqConds, bson.M{"$eq": bson.A{"$$" + parentField(i), rhs}})
	}

	var allConds bson.A
	if len(eqConds) > 0 {
		allConds = append(allConds, bson.M{"$expr": bson.M{"$and": eqConds}})
	}

	extras := make([]qtree.Node, 0, len(pushed)+1)
	if j.Extra != nil {
		extras = append(extras, j.Extra)
	}
	extras = append(extras, pushed...)
	for _, cond := range extras {
		co.scope = scope
		frag, err := co.compileCond(cond, false)
		co.scope = nil
		switch {
		case errors.Is(err, errFullResultSet):
			continue
		case errors.Is(err, errEmptyResultSet):
			if j.Kind == qtree.InnerJoin {
				// No joined row can match, so no outer row survives.
				return nil, err
			}
			// An outer join keeps its outer rows; the sub-pipeline just
			// yields no matches.
			allConds = append(allConds, bson.M{"$expr": false})
		case err != nil:
			return nil, err
		default:
			allConds = append(allConds, frag)
		}
	}

	var subPipeline bson.A
	switch len(allConds) {
	case 0:
	case 1:
		subPipeline = bson.A{bson.M{"$match": allConds[0]}}
	default:
		subPipeline = bson.A{bson.M{"$match": bson.M{"$and": allConds}}}
	}
	if subPipeline == nil {
		subPipeline = bson.A{}
	}

	lookup := bson.M{
		"from":     j.Table,
		"pipeline": subPipeline,
		"as":       j.Alias,
	}
	if localField != "" && foreignField != "" {
		lookup["localField"] = localField
		lookup["foreignField"] = foreignField
	}
	if len(scope.lets) > 0 {
		let := bson.M{}
		for i, frag := range scope.lets {
			let[parentField(i)] = frag
		}
		lookup["let"] = let
	}

	stages := []bson.M{{"$lookup": lookup}}
	// The lookup leaves an array of matches per outer row. Unwinding drops
	// outer rows whose array is empty, which is exactly inner-join
	// semantics; an outer join first substitutes a single placeholder
	// document so each outer row survives with absent right-hand fields.
	if j.Kind != qtree.InnerJoin {
		stages = append(stages, bson.M{"$set": bson.M{
			j.Alias: condEmptyArray("$"+j.Alias, bson.A{bson.M{}}, "$"+j.Alias),
		}})
	}
	stages = append(stages, bson.M{"$unwind": "$" + j.Alias})
	return stages, nil
}

// condEmptyArray yields then when the path is missing or an empty array,
// els otherwise.
func condEmptyArray(path string, then, els any) bson.M {
	return bson.M{"$cond": bson.M{
		"if": bson.M{"$or": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$type": path}, "missing"}},
			bson.M{"$eq": bson.A{bson.M{"$size": path}, 0}},
		}},
		"then": then,
		"else": els,
	}}
}
