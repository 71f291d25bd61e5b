// Package mql compiles relational-style query trees (package qtree) into
// MongoDB aggregation pipelines. Predicates compile in one of two modes:
// the cheap path form, a field-level condition document usable directly in a
// $match stage, and the expression form usable inside $expr and other
// computed-expression contexts. Static truth values are propagated as
// internal control signals so boolean trees prune at compile time.
package mql

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
	"github.com/monrel/monrel/sdata"
)

// Options configures one compile pass.
type Options struct {
	// DatabaseAlias names the database the query runs against. Subqueries
	// bound to a different alias are rejected.
	DatabaseAlias string
}

// colKey identifies a column by structural identity: two differently-aliased
// columns sharing a name stay distinct.
type colKey struct {
	alias  string
	column string
}

// Compiler carries the per-query compilation context: the active collection,
// join alias reference counts, the outer-column capture list for correlated
// subqueries, and the registered subqueries. One Compiler serves exactly one
// query; nested queries get their own, sharing the outer one by reference
// for capture-slot binding.
type Compiler struct {
	opts       Options
	query      *qtree.Query
	model      *sdata.Model
	collection string

	aliasRefcount map[string]int
	joins         map[string]*qtree.Join

	// columnIndices assigns stable, increasing capture slots to outer-query
	// columns referenced by this (sub)query.
	columnIndices map[colKey]int
	captured      []qtree.Col

	// subqueries registered while compiling this query's predicates.
	subqueries []*MongoQuery

	// scope is non-nil while compiling conditions inside a join's
	// sub-pipeline.
	scope *joinScope
}

// Compile lowers a query tree into an executable pipeline description.
// A statically-empty query compiles to a MongoQuery with Empty set rather
// than an error.
func Compile(q *qtree.Query, opts Options) (*MongoQuery, error) {
	co, err := newCompiler(q, opts)
	if err != nil {
		return nil, err
	}
	mq, err := co.compileQuery()
	if errors.Is(err, errEmptyResultSet) {
		return &MongoQuery{Collection: co.collection, Empty: true}, nil
	}
	if errors.Is(err, errFullResultSet) {
		// A whole-query always-true collapses to "no match stage".
		return &MongoQuery{Collection: co.collection}, nil
	}
	return mq, err
}

func newCompiler(q *qtree.Query, opts Options) (*Compiler, error) {
	if q == nil || q.Model == nil {
		return nil, malformed("query has no model")
	}
	co := &Compiler{
		opts:          opts,
		query:         q,
		model:         q.Model,
		collection:    q.Model.Collection,
		aliasRefcount: make(map[string]int),
		joins:         make(map[string]*qtree.Join, len(q.Joins)),
		columnIndices: make(map[colKey]int),
	}
	co.aliasRefcount[co.collection] = 1
	for _, j := range q.Joins {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		co.joins[j.Alias] = j
	}
	co.countRefs()
	return co, nil
}

// countRefs computes join alias reference counts from every place a column
// can appear outside the joins themselves, then lets live joins keep their
// own upstream joins alive. Aliases left at zero are pruned: their lookup is
// never emitted and columns referencing them are treated as outer-query
// references.
func (co *Compiler) countRefs() {
	q := co.query
	if q.Where != nil {
		co.countNodeRefs(q.Where)
	}
	for _, p := range q.Project {
		co.countNodeRefs(p.Expr)
	}
	for _, a := range q.Annotations {
		co.countNodeRefs(a.Expr)
	}
	for _, g := range q.GroupBy {
		co.countNodeRefs(g)
	}
	for _, p := range q.ExtraFields {
		co.countNodeRefs(p.Expr)
	}
	for _, o := range q.OrderBy {
		co.countNodeRefs(o.Expr)
	}
	// A live join's field pairs and extra restriction reference upstream
	// aliases; propagate until no join changes state.
	live := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, j := range q.Joins {
			if live[j.Alias] || co.aliasRefcount[j.Alias] == 0 {
				continue
			}
			live[j.Alias] = true
			changed = true
			for _, p := range j.Fields {
				co.countNodeRefs(p.LHS)
			}
			if j.Extra != nil {
				co.countNodeRefs(j.Extra)
			}
		}
	}
}

func (co *Compiler) countNodeRefs(n qtree.Node) {
	switch v := n.(type) {
	case qtree.Col:
		if v.Alias != "" {
			co.aliasRefcount[v.Alias]++
		}
	case *qtree.Where:
		for _, c := range v.Children {
			co.countNodeRefs(c)
		}
	case *qtree.Lookup:
		co.countNodeRefs(v.LHS)
		co.countNodeRefs(v.RHS)
	case qtree.Func:
		for _, a := range v.Args {
			co.countNodeRefs(a)
		}
	case qtree.Case:
		for _, w := range v.Whens {
			co.countNodeRefs(w.Cond)
			co.countNodeRefs(w.Then)
		}
		if v.Default != nil {
			co.countNodeRefs(v.Default)
		}
	case qtree.OrderBy:
		co.countNodeRefs(v.Expr)
	case qtree.ColPairs:
		for _, c := range v.Cols {
			co.countNodeRefs(c)
		}
	case qtree.Exists:
		co.countQueryRefs(v.Query)
	case qtree.Subquery:
		co.countQueryRefs(v.Query)
	}
}

// countQueryRefs walks a nested query so correlated references to this
// query's join aliases keep those joins alive.
func (co *Compiler) countQueryRefs(q *qtree.Query) {
	if q == nil {
		return
	}
	if q.Where != nil {
		co.countNodeRefs(q.Where)
	}
	for _, p := range q.Project {
		co.countNodeRefs(p.Expr)
	}
	for _, a := range q.Annotations {
		co.countNodeRefs(a.Expr)
	}
}

// compileQuery runs the full pass and assembles the fragment bundle. Static
// truth signals from the filter escape to the caller: the top-level Compile
// converts them, while subquery compilation lets consumers (EXISTS, IN)
// short-circuit.
func (co *Compiler) compileQuery() (*MongoQuery, error) {
	q := co.query
	mq := &MongoQuery{Collection: co.collection}

	if q.Search != nil {
		mq.SearchPipeline = []bson.M{{string(q.Search.Kind): toBSON(q.Search.Spec)}}
	}

	where, pushed := co.splitPushdown(q.Where)

	for _, j := range q.Joins {
		if co.aliasRefcount[j.Alias] == 0 {
			continue
		}
		stages, err := co.compileJoin(j, pushed[j.Alias])
		if err != nil {
			return nil, err
		}
		mq.LookupPipeline = append(mq.LookupPipeline, stages...)
	}

	if where != nil {
		match, err := co.compileCond(where, false)
		switch {
		case errors.Is(err, errFullResultSet):
			// no match stage
		case err != nil:
			return nil, err
		default:
			mq.Match = match
		}
	}
	mq.Subqueries = co.subqueries

	agg, err := co.compileAggregation()
	if err != nil {
		return nil, err
	}
	mq.AggregationPipeline = agg

	if len(q.Project) > 0 {
		project := bson.M{}
		for _, p := range q.Project {
			frag, err := co.compileProjection(p)
			if err != nil {
				return nil, err
			}
			project[p.As] = frag
		}
		mq.ProjectFields = project
	}

	if q.Combinator != nil {
		stages, err := co.compileCombinator(q.Combinator)
		if err != nil {
			return nil, err
		}
		mq.CombinatorPipeline = stages
	}

	if len(q.ExtraFields) > 0 {
		extra := bson.M{}
		for _, p := range q.ExtraFields {
			frag, err := co.compileExprNode(p.Expr)
			if err != nil {
				return nil, err
			}
			extra[p.As] = frag
		}
		mq.ExtraFields = extra
	}

	for _, o := range q.OrderBy {
		path, err := co.sortPath(o.Expr)
		if err != nil {
			return nil, err
		}
		dir := 1
		if o.Descending {
			dir = -1
		}
		mq.Ordering = append(mq.Ordering, bson.E{Key: path, Value: dir})
	}

	mq.Skip = q.LowMark
	if q.HighMark != nil {
		limit := *q.HighMark - q.LowMark
		mq.Limit = &limit
	}
	return mq, nil
}

// splitPushdown pulls conjuncts that reference exactly one inner-joined
// alias out of the filter so they can run inside that join's sub-pipeline.
// Outer joins never receive pushed conditions: filtering inside the lookup
// would suppress the placeholder row their cardinality requires.
func (co *Compiler) splitPushdown(w *qtree.Where) (*qtree.Where, map[string][]qtree.Node) {
	if w == nil || w.Negated || w.Connector != qtree.And {
		return w, nil
	}
	pushed := make(map[string][]qtree.Node)
	var rest []qtree.Node
	for _, child := range w.Children {
		alias, ok := co.pushTarget(child)
		if ok {
			pushed[alias] = append(pushed[alias], child)
		} else {
			rest = append(rest, child)
		}
	}
	if len(pushed) == 0 {
		return w, nil
	}
	if len(rest) == 0 {
		return nil, pushed
	}
	return &qtree.Where{Connector: qtree.And, Children: rest}, pushed
}

// pushTarget reports the single inner-join alias a predicate can be folded
// into, if any.
func (co *Compiler) pushTarget(n qtree.Node) (string, bool) {
	if hasSubquery(n) {
		return "", false
	}
	aliases := make(map[string]bool)
	collectJoinAliases(n, co.collection, aliases)
	if len(aliases) != 1 {
		return "", false
	}
	var alias string
	for a := range aliases {
		alias = a
	}
	j, ok := co.joins[alias]
	if !ok || j.Kind != qtree.InnerJoin || co.aliasRefcount[alias] == 0 {
		return "", false
	}
	return alias, true
}

func collectJoinAliases(n qtree.Node, collection string, out map[string]bool) {
	switch v := n.(type) {
	case qtree.Col:
		if v.Alias != "" && v.Alias != collection {
			out[v.Alias] = true
		}
	case *qtree.Where:
		for _, c := range v.Children {
			collectJoinAliases(c, collection, out)
		}
	case *qtree.Lookup:
		collectJoinAliases(v.LHS, collection, out)
		collectJoinAliases(v.RHS, collection, out)
	case qtree.Func:
		for _, a := range v.Args {
			collectJoinAliases(a, collection, out)
		}
	case qtree.Case:
		for _, w := range v.Whens {
			collectJoinAliases(w.Cond, collection, out)
			collectJoinAliases(w.Then, collection, out)
		}
		if v.Default != nil {
			collectJoinAliases(v.Default, collection, out)
		}
	case qtree.OrderBy:
		collectJoinAliases(v.Expr, collection, out)
	case qtree.ColPairs:
		for _, c := range v.Cols {
			collectJoinAliases(c, collection, out)
		}
	}
}

func hasSubquery(n qtree.Node) bool {
	switch v := n.(type) {
	case qtree.Exists, qtree.Subquery:
		return true
	case *qtree.Where:
		for _, c := range v.Children {
			if hasSubquery(c) {
				return true
			}
		}
	case *qtree.Lookup:
		return hasSubquery(v.LHS) || hasSubquery(v.RHS)
	case qtree.Func:
		for _, a := range v.Args {
			if hasSubquery(a) {
				return true
			}
		}
	case qtree.Case:
		for _, w := range v.Whens {
			if hasSubquery(w.Cond) || hasSubquery(w.Then) {
				return true
			}
		}
		if v.Default != nil && hasSubquery(v.Default) {
			return true
		}
	}
	return false
}

// compileAggregation lowers group-by keys and annotations. With group keys,
// aggregate annotations become $group accumulators and the keys are hoisted
// back to top-level names; without keys, annotations become $addFields.
func (co *Compiler) compileAggregation() ([]bson.M, error) {
	q := co.query
	if len(q.GroupBy) == 0 && len(q.Annotations) == 0 {
		return nil, nil
	}
	if len(q.GroupBy) == 0 {
		fields := bson.M{}
		for _, a := range q.Annotations {
			frag, err := co.compileExprNode(a.Expr)
			if err != nil {
				return nil, err
			}
			fields[a.Name] = frag
		}
		return []bson.M{{"$addFields": fields}}, nil
	}

	id := bson.M{}
	hoist := bson.M{}
	for _, g := range q.GroupBy {
		path, err := co.sortPath(g)
		if err != nil {
			return nil, err
		}
		id[path] = "$" + path
		hoist[path] = "$_id." + path
	}
	group := bson.M{"_id": id}
	for _, a := range q.Annotations {
		fn, ok := a.Expr.(qtree.Func)
		if !ok || !fn.Op.IsAggregate() {
			return nil, notSupported("grouped annotation %q must be an aggregate", a.Name)
		}
		frag, err := co.compileExprNode(fn)
		if err != nil {
			return nil, err
		}
		group[a.Name] = frag
	}
	return []bson.M{{"$group": group}, {"$addFields": hoist}}, nil
}

func (co *Compiler) compileProjection(p qtree.Projection) (any, error) {
	if c, ok := p.Expr.(qtree.Col); ok && co.colUsablePath(c) {
		path, err := co.compileCol(c, false)
		if err != nil {
			return nil, err
		}
		if path == p.As {
			return 1, nil
		}
		return "$" + path.(string), nil
	}
	return co.compileExprNode(p.Expr)
}

// compileCombinator lowers union combinators onto $unionWith, deduplicating
// whole documents for the distinct form. The target store has no native
// intersection combinator.
func (co *Compiler) compileCombinator(c *qtree.Combinator) ([]bson.M, error) {
	if c.Op == qtree.Intersection {
		return nil, notSupported("intersection combinator")
	}
	var stages []bson.M
	for _, other := range c.Queries {
		sub, err := Compile(other, co.opts)
		if err != nil {
			return nil, err
		}
		if sub.Empty {
			continue
		}
		stages = append(stages, bson.M{"$unionWith": bson.M{
			"coll":     sub.Collection,
			"pipeline": sub.Pipeline(),
		}})
	}
	if c.Op == qtree.Union {
		stages = append(stages,
			bson.M{"$group": bson.M{"_id": "$$ROOT"}},
			bson.M{"$replaceRoot": bson.M{"newRoot": "$_id"}},
		)
	}
	return stages, nil
}

// sortPath resolves an ordering or grouping operand to a stored or computed
// field path. Computed expressions must be annotated first and referenced by
// name.
func (co *Compiler) sortPath(n qtree.Node) (string, error) {
	switch v := n.(type) {
	case qtree.Col:
		path, err := co.compileCol(v, false)
		if err != nil {
			return "", err
		}
		if s, ok := path.(string); ok {
			return s, nil
		}
		return "", notSupported("ordering by a correlated column")
	case qtree.Ref:
		return v.Name, nil
	case qtree.OrderBy:
		return co.sortPath(v.Expr)
	}
	return "", notSupported("ordering by computed expressions; annotate the expression and order by its name")
}

// capturedCol reports whether a column belongs to an enclosing query: its
// alias is neither this query's collection nor one of its live joins. Such
// columns compile to let-bound variable references.
func (co *Compiler) capturedCol(c qtree.Col) bool {
	if c.Alias == "" || c.Alias == co.collection {
		return false
	}
	if _, ok := co.joins[c.Alias]; !ok {
		return true
	}
	return co.aliasRefcount[c.Alias] == 0
}

// colUsablePath reports whether a column can compile in path mode in the
// current scope: it must resolve to a real document path, not a bound
// variable.
func (co *Compiler) colUsablePath(c qtree.Col) bool {
	if co.scope != nil {
		return c.Alias == co.scope.alias
	}
	return !co.capturedCol(c)
}

func parentField(i int) string {
	return fmt.Sprintf("parent__field__%d", i)
}

// toBSON converts a plain map into bson.M recursively so caller-supplied
// search specs mix cleanly with compiled fragments.
func toBSON(m map[string]any) bson.M {
	out := bson.M{}
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = toBSON(nested)
			continue
		}
		out[k] = v
	}
	return out
}
