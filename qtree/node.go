// Package qtree defines the relational-style query tree the compiler
// consumes: predicate and value nodes, boolean combinations, comparisons,
// join descriptors and query containers. Nodes are immutable once built;
// compilation only reads them.
package qtree

import (
	"github.com/monrel/monrel/sdata"
)

// Node is the closed set of query-tree node kinds. Concrete kinds are Col,
// Value, Func, Case, Lookup, Where, Exists, Subquery, OrderBy, ColPairs, Ref,
// Star, Nothing and Raw.
type Node interface {
	// IsSimpleColumn reports whether the node denotes a direct storage field
	// with no computation or wrapping.
	IsSimpleColumn() bool
}

// Connector combines the children of a Where node.
type Connector int

const (
	And Connector = iota
	Or
	Xor
)

func (c Connector) String() string {
	switch c {
	case And:
		return "AND"
	case Or:
		return "OR"
	default:
		return "XOR"
	}
}

// LookupName identifies a comparison operator.
type LookupName string

const (
	LookupExact       LookupName = "exact"
	LookupGt          LookupName = "gt"
	LookupGte         LookupName = "gte"
	LookupLt          LookupName = "lt"
	LookupLte         LookupName = "lte"
	LookupIn          LookupName = "in"
	LookupIsNull      LookupName = "isnull"
	LookupRange       LookupName = "range"
	LookupIExact      LookupName = "iexact"
	LookupStartsWith  LookupName = "startswith"
	LookupIStartsWith LookupName = "istartswith"
	LookupEndsWith    LookupName = "endswith"
	LookupIEndsWith   LookupName = "iendswith"
	LookupContains    LookupName = "contains"
	LookupIContains   LookupName = "icontains"
	LookupRegex       LookupName = "regex"
	LookupIRegex      LookupName = "iregex"
)

// patternLookups are the operators compiled through $regexMatch.
var patternLookups = map[LookupName]bool{
	LookupIExact:      true,
	LookupStartsWith:  true,
	LookupIStartsWith: true,
	LookupEndsWith:    true,
	LookupIEndsWith:   true,
	LookupContains:    true,
	LookupIContains:   true,
	LookupRegex:       true,
	LookupIRegex:      true,
}

// IsPattern reports whether the lookup is a pattern (regex-backed) operator.
func (n LookupName) IsPattern() bool { return patternLookups[n] }

// Col references a stored field, optionally through a join alias. An empty
// alias refers to the query's own collection.
type Col struct {
	Alias  string
	Target sdata.Field
}

func (Col) IsSimpleColumn() bool { return true }

// NewCol builds a column reference on the query's own collection.
func NewCol(f sdata.Field) Col { return Col{Target: f} }

// NewAliasedCol builds a column reference through a join alias.
func NewAliasedCol(alias string, f sdata.Field) Col { return Col{Alias: alias, Target: f} }

// Value is a literal. Supported Go values include bool, numeric types,
// string, time.Time, time.Duration, the Decimal, DateOnly and TimeOnly
// wrappers, nil, and slices of the above.
type Value struct {
	V any
}

func (Value) IsSimpleColumn() bool { return false }

// NewValue wraps a literal.
func NewValue(v any) Value { return Value{V: v} }

// FuncOp identifies a function or arithmetic combination.
type FuncOp string

const (
	// Arithmetic combinations of two operands.
	FuncAdd FuncOp = "add"
	FuncSub FuncOp = "sub"
	FuncMul FuncOp = "mul"
	FuncDiv FuncOp = "div"
	FuncMod FuncOp = "mod"
	FuncPow FuncOp = "pow"

	// Scalar functions.
	FuncConcat   FuncOp = "concat"
	FuncLower    FuncOp = "lower"
	FuncUpper    FuncOp = "upper"
	FuncAbs      FuncOp = "abs"
	FuncCoalesce FuncOp = "coalesce"

	// Aggregates, valid in annotations and group stages only.
	FuncSum   FuncOp = "sum"
	FuncAvg   FuncOp = "avg"
	FuncMin   FuncOp = "min"
	FuncMax   FuncOp = "max"
	FuncCount FuncOp = "count"
)

var arithmeticFuncs = map[FuncOp]bool{
	FuncAdd: true, FuncSub: true, FuncMul: true,
	FuncDiv: true, FuncMod: true, FuncPow: true,
}

var aggregateFuncs = map[FuncOp]bool{
	FuncSum: true, FuncAvg: true, FuncMin: true, FuncMax: true, FuncCount: true,
}

// IsArithmetic reports whether the op is a two-operand arithmetic
// combination.
func (op FuncOp) IsArithmetic() bool { return arithmeticFuncs[op] }

// IsAggregate reports whether the op is an aggregate accumulator.
func (op FuncOp) IsAggregate() bool { return aggregateFuncs[op] }

// Func applies a function or arithmetic combination to its arguments.
type Func struct {
	Op   FuncOp
	Args []Node
}

func (Func) IsSimpleColumn() bool { return false }

// NewFunc builds a function node.
func NewFunc(op FuncOp, args ...Node) Func { return Func{Op: op, Args: args} }

// When is one conditional branch of a Case.
type When struct {
	Cond Node
	Then Node
}

// Case selects the first When whose condition holds, else Default.
type Case struct {
	Whens   []When
	Default Node
}

func (Case) IsSimpleColumn() bool { return false }

// Lookup compares LHS against RHS with the named operator.
type Lookup struct {
	Name LookupName
	LHS  Node
	RHS  Node
}

func (Lookup) IsSimpleColumn() bool { return false }

// NewLookup builds a comparison node.
func NewLookup(name LookupName, lhs, rhs Node) *Lookup {
	return &Lookup{Name: name, LHS: lhs, RHS: rhs}
}

// Where combines predicate children with a connector and optional negation.
type Where struct {
	Connector Connector
	Negated   bool
	Children  []Node
}

func (*Where) IsSimpleColumn() bool { return false }

// NewWhere builds a boolean combination.
func NewWhere(c Connector, children ...Node) *Where {
	return &Where{Connector: c, Children: children}
}

// Not returns the negation of the given predicate as a single-child Where.
func Not(child Node) *Where {
	return &Where{Connector: And, Negated: true, Children: []Node{child}}
}

// Exists tests whether a (possibly correlated) subquery yields any row.
type Exists struct {
	Query *Query
}

func (Exists) IsSimpleColumn() bool { return false }

// Subquery embeds a nested query as a value expression. Its first projected
// column is the produced value.
type Subquery struct {
	Query *Query
}

func (Subquery) IsSimpleColumn() bool { return false }

// OrderBy wraps an expression with a sort direction.
type OrderBy struct {
	Expr       Node
	Descending bool
}

func (o OrderBy) IsSimpleColumn() bool { return o.Expr.IsSimpleColumn() }

// ColPairs is a composite-key reference. Only single-column composites are
// supported by the target store.
type ColPairs struct {
	Cols []Col
}

func (ColPairs) IsSimpleColumn() bool { return false }

// Ref references a named annotation or projected field of the current query.
type Ref struct {
	Name string
}

func (Ref) IsSimpleColumn() bool { return true }

// Star stands in for "any row", as in COUNT(*).
type Star struct{}

func (Star) IsSimpleColumn() bool { return false }

// Nothing is a predicate that statically matches no documents.
type Nothing struct{}

func (Nothing) IsSimpleColumn() bool { return false }

// Raw carries a raw query fragment in the source dialect. It has no
// translation and always fails compilation.
type Raw struct {
	Text string
}

func (Raw) IsSimpleColumn() bool { return false }

// IsConstantValue reports whether a node is compile-time constant: no column
// references, no aggregates, no subqueries anywhere beneath it. Arithmetic
// combinations are treated as non-constant until constant folding is
// supported for them.
func IsConstantValue(n Node) bool {
	switch v := n.(type) {
	case Value:
		if vs, ok := v.V.([]any); ok {
			for _, e := range vs {
				if node, ok := e.(Node); ok && !IsConstantValue(node) {
					return false
				}
			}
		}
		return true
	case Func:
		if v.Op.IsArithmetic() || v.Op.IsAggregate() {
			return false
		}
		for _, a := range v.Args {
			if !IsConstantValue(a) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
