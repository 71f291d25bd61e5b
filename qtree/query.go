package qtree

import (
	"fmt"

	"github.com/monrel/monrel/sdata"
)

// JoinKind fixes a join's cardinality semantics at descriptor-creation time.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftOuterJoin
)

func (k JoinKind) String() string {
	if k == InnerJoin {
		return "INNER"
	}
	return "LOUTER"
}

// JoinField is one equality pair between the parent side and the joined
// side of a join.
type JoinField struct {
	LHS Col // parent (outer) side
	RHS Col // joined (right-hand) side
}

// Join describes a relational join to another collection. At least one field
// pair or an extra restriction must be present.
type Join struct {
	Table  string // right-hand collection
	Alias  string
	Kind   JoinKind
	Fields []JoinField
	// Extra is an optional restriction predicate referencing both sides.
	Extra Node
}

// NewJoin resolves a relation into a join descriptor. The parent model owns
// the relation; alias names the joined collection inside the query.
func NewJoin(kind JoinKind, parent *sdata.Model, rel sdata.Relation, related *sdata.Model, alias string) (*Join, error) {
	lf, err := parent.Field(rel.LocalField)
	if err != nil {
		return nil, err
	}
	rf, err := related.Field(rel.RemoteField)
	if err != nil {
		return nil, err
	}
	if alias == "" {
		alias = related.Collection
	}
	return &Join{
		Table: related.Collection,
		Alias: alias,
		Kind:  kind,
		Fields: []JoinField{{
			LHS: Col{Target: lf},
			RHS: Col{Alias: alias, Target: rf},
		}},
	}, nil
}

// Validate checks the join descriptor invariant.
func (j *Join) Validate() error {
	if len(j.Fields) == 0 && j.Extra == nil {
		return fmt.Errorf("qtree: join %s has no field pairs and no extra restriction", j.Alias)
	}
	return nil
}

// Projection is one output field of a query.
type Projection struct {
	As   string
	Expr Node
}

// Annotation is one computed field added by the aggregation stage.
type Annotation struct {
	Name string
	Expr Node
}

// CombinatorOp is a set operation combining query results.
type CombinatorOp string

const (
	Union    CombinatorOp = "union"
	UnionAll CombinatorOp = "unionAll"
	// Intersection has no native combinator in the target store and is
	// rejected at compile time.
	Intersection CombinatorOp = "intersection"
)

// Combinator combines this query's rows with other queries' rows.
type Combinator struct {
	Op      CombinatorOp
	Queries []*Query
}

// SearchKind selects the full-text or vector search stage flavor.
type SearchKind string

const (
	SearchText   SearchKind = "$search"
	SearchVector SearchKind = "$vectorSearch"
)

// SearchStage is a pre-built search stage document. It seeds the initial
// document set and must run before every other stage.
type SearchStage struct {
	Kind SearchKind
	Spec map[string]any
}

// Query is the root container for one relational query tree.
type Query struct {
	Model *sdata.Model
	// Using names the database alias the query is bound to. Subqueries must
	// share the outer query's alias.
	Using string

	Where       *Where
	Joins       []*Join
	Search      *SearchStage
	Project     []Projection
	Annotations []Annotation
	GroupBy     []Node
	ExtraFields []Projection
	Combinator  *Combinator
	OrderBy     []OrderBy

	// LowMark rows are skipped; if HighMark is non-nil the query stops there.
	LowMark  int64
	HighMark *int64
}

// NewQuery builds an empty query over a model.
func NewQuery(m *sdata.Model) *Query {
	return &Query{Model: m}
}

// Limit sets the paging window.
func (q *Query) Limit(low, high int64) *Query {
	q.LowMark = low
	q.HighMark = &high
	return q
}
