package mql

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

// compileCond lowers a predicate node. With asExpr false the result is a
// document usable directly in a $match stage: the cheap path form when the
// node qualifies, otherwise the expression form wrapped in $expr.
func (co *Compiler) compileCond(n qtree.Node, asExpr bool) (any, error) {
	switch v := n.(type) {
	case *qtree.Where:
		return co.compileWhere(v, asExpr)
	case *qtree.Lookup:
		return co.compileLookup(v, asExpr)
	case qtree.Exists:
		frag, err := co.compileExists(v)
		if err != nil {
			return nil, err
		}
		if asExpr {
			return frag, nil
		}
		return bson.M{"$expr": frag}, nil
	case qtree.Nothing:
		return nil, errEmptyResultSet
	case qtree.Raw:
		return nil, notSupported("raw queries have no pipeline translation")
	case qtree.Value:
		if b, ok := v.V.(bool); ok {
			if b {
				return nil, errFullResultSet
			}
			return nil, errEmptyResultSet
		}
		return nil, malformed("literal %v is not a predicate", v.V)
	default:
		return nil, notSupported("node %T is not a predicate", n)
	}
}

// canUsePath reports whether a comparison qualifies for path-mode
// compilation: simple local column against a compile-time constant, with a
// field-level operator available.
func (co *Compiler) canUsePath(l *qtree.Lookup) bool {
	c, ok := l.LHS.(qtree.Col)
	if !ok || !co.colUsablePath(c) {
		return false
	}
	if _, ok := pathOperators[l.Name]; !ok {
		return false
	}
	return qtree.IsConstantValue(l.RHS)
}

func (co *Compiler) compileLookup(l *qtree.Lookup, asExpr bool) (any, error) {
	if l.Name.IsPattern() {
		if c, ok := l.LHS.(qtree.Col); ok && c.Target.Identifier {
			return nil, notSupported("pattern lookups on identifier field %s", c.Target.Name)
		}
	}
	if l.Name == qtree.LookupIsNull {
		return co.compileIsNull(l, asExpr)
	}
	if !asExpr && co.canUsePath(l) {
		return co.compileLookupPath(l)
	}
	frag, err := co.compileLookupExpr(l)
	if err != nil {
		return nil, err
	}
	if asExpr {
		return frag, nil
	}
	return bson.M{"$expr": frag}, nil
}

// compileIsNull implements the three-valued null test: true matches a field
// that is absent or explicitly null, false is the full logical negation.
func (co *Compiler) compileIsNull(l *qtree.Lookup, asExpr bool) (any, error) {
	val, ok := l.RHS.(qtree.Value)
	if !ok {
		return nil, malformed("isnull comparison value must be a boolean literal")
	}
	isNull, ok := val.V.(bool)
	if !ok {
		return nil, malformed("isnull comparison value must be true or false")
	}
	if c, lok := l.LHS.(qtree.Col); !asExpr && lok && co.colUsablePath(c) {
		path, err := co.compileCol(c, false)
		if err != nil {
			return nil, err
		}
		return isNullPath(path.(string), isNull), nil
	}
	lhs, err := co.compileExprNode(l.LHS)
	if err != nil {
		return nil, err
	}
	frag := isNullExpr(lhs, isNull)
	if asExpr {
		return frag, nil
	}
	return bson.M{"$expr": frag}, nil
}

func (co *Compiler) compileLookupPath(l *qtree.Lookup) (any, error) {
	c := l.LHS.(qtree.Col)
	path, err := co.compileCol(c, false)
	if err != nil {
		return nil, err
	}
	value, err := co.compileNode(l.RHS, false)
	if err != nil {
		return nil, err
	}
	op := pathOperators[l.Name]
	return op(path.(string), value)
}

func (co *Compiler) compileLookupExpr(l *qtree.Lookup) (any, error) {
	lhs, err := co.compileExprNode(l.LHS)
	if err != nil {
		return nil, err
	}
	var rhs any
	if sub, ok := l.RHS.(qtree.Subquery); ok {
		var wrap wrapPipelineFunc
		if l.Name == qtree.LookupIn {
			wrap = inSubqueryWrapping
		}
		rhs, err = co.compileSubqueryRef(sub.Query, wrap, true)
	} else if l.Name == qtree.LookupRange {
		rhs, err = co.compileRangeBounds(l.RHS)
	} else {
		rhs, err = co.compileNode(l.RHS, true)
	}
	if err != nil {
		return nil, err
	}
	if l.Name.IsPattern() {
		rhs = co.prepPatternValue(l, rhs)
	}
	op, ok := exprOperators[l.Name]
	if !ok {
		return nil, notSupported("lookup %q", l.Name)
	}
	return op(lhs, rhs)
}

// compileRangeBounds lowers a range operand to its two-element bound pair,
// each bound compiled independently so open and computed bounds keep their
// own form.
func (co *Compiler) compileRangeBounds(n qtree.Node) (any, error) {
	val, ok := n.(qtree.Value)
	if !ok {
		return nil, malformed("range comparison value must be a two-element list literal")
	}
	bounds, ok := val.V.([]any)
	if !ok || len(bounds) != 2 {
		return nil, malformed("range comparison needs a two-element bound pair")
	}
	var pair [2]any
	for i, b := range bounds {
		if node, ok := b.(qtree.Node); ok {
			frag, err := co.compileExprNode(node)
			if err != nil {
				return nil, err
			}
			pair[i] = frag
			continue
		}
		frag, err := prepareLiteral(b, true)
		if err != nil {
			return nil, err
		}
		pair[i] = frag
	}
	return pair, nil
}

// prepPatternValue prepares a pattern operand: literal strings get their
// metacharacters escaped directly, computed operands through a $replaceAll
// chain. Raw regex lookups pass through untouched.
func (co *Compiler) prepPatternValue(l *qtree.Lookup, rhs any) any {
	switch l.Name {
	case qtree.LookupRegex, qtree.LookupIRegex, qtree.LookupIExact:
		return rhs
	}
	if v, ok := l.RHS.(qtree.Value); ok {
		if s, ok := v.V.(string); ok {
			return escapeRegexLiteral(s)
		}
		return rhs
	}
	return escapeRegexExpr(rhs)
}

// compileNode lowers a value-position node. asExpr selects between raw
// prepared literals (path mode) and expression fragments.
func (co *Compiler) compileNode(n qtree.Node, asExpr bool) (any, error) {
	if !asExpr {
		if v, ok := n.(qtree.Value); ok {
			return prepareLiteral(v.V, false)
		}
	}
	return co.compileExprNode(n)
}

// compileExprNode lowers any node to its computed-expression fragment.
func (co *Compiler) compileExprNode(n qtree.Node) (any, error) {
	switch v := n.(type) {
	case qtree.Col:
		return co.compileCol(v, true)
	case qtree.Ref:
		return "$" + v.Name, nil
	case qtree.Value:
		if elems, ok := v.V.([]any); ok {
			return co.prepareListValue(elems)
		}
		return prepareLiteral(v.V, true)
	case qtree.Func:
		return co.compileFunc(v)
	case qtree.Case:
		return co.compileCase(v)
	case qtree.OrderBy:
		return co.compileExprNode(v.Expr)
	case qtree.ColPairs:
		if len(v.Cols) != 1 {
			return nil, notSupported("multi-column composite references")
		}
		return co.compileCol(v.Cols[0], true)
	case qtree.Star:
		return bson.M{"$literal": true}, nil
	case qtree.Subquery:
		return co.compileSubqueryRef(v.Query, nil, true)
	case *qtree.Where, *qtree.Lookup, qtree.Exists, qtree.Nothing:
		return co.compileCond(n, true)
	case qtree.Raw:
		return nil, notSupported("raw expressions have no pipeline translation")
	default:
		return nil, notSupported("node %T", n)
	}
}

// compileCol resolves a column reference. Inside a join sub-pipeline,
// columns of the joined collection compile to bare paths and every other
// column is bound through the join's let list. Outside a scope, a column
// whose alias has no live join is an outer-query reference and is assigned
// a capture slot.
func (co *Compiler) compileCol(c qtree.Col, asExpr bool) (any, error) {
	if s := co.scope; s != nil {
		if c.Alias == s.alias {
			if asExpr {
				return "$" + c.Target.Column, nil
			}
			return c.Target.Column, nil
		}
		i, err := s.register(co, c)
		if err != nil {
			return nil, err
		}
		return "$$" + parentField(i), nil
	}
	if co.capturedCol(c) {
		key := colKey{alias: c.Alias, column: c.Target.Column}
		i, ok := co.columnIndices[key]
		if !ok {
			i = len(co.captured)
			co.columnIndices[key] = i
			co.captured = append(co.captured, c)
		}
		return "$$" + parentField(i), nil
	}
	prefix := ""
	if c.Alias != "" && c.Alias != co.collection {
		prefix = c.Alias + "."
	}
	if asExpr {
		prefix = "$" + prefix
	}
	return prefix + c.Target.Column, nil
}

// literalWrapShape reports whether a literal needs $literal wrapping in
// expression position to avoid being read as an operator document or field
// reference.
func literalWrapShape(v any) bool {
	switch v.(type) {
	case string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case []any, map[string]any, bson.M, bson.A:
		return true
	}
	return false
}

// prepareListValue lowers a list literal in expression position. An
// all-constant list stays one $literal; a list with computed members becomes
// an array expression, each member compiled on its own and each constant
// member wrapped individually.
func (co *Compiler) prepareListValue(elems []any) (any, error) {
	computed := false
	for _, e := range elems {
		if _, ok := e.(qtree.Node); ok {
			computed = true
			break
		}
	}
	if !computed {
		return prepareLiteral(elems, true)
	}
	out := make(bson.A, 0, len(elems))
	for _, e := range elems {
		if node, ok := e.(qtree.Node); ok {
			frag, err := co.compileExprNode(node)
			if err != nil {
				return nil, err
			}
			out = append(out, frag)
			continue
		}
		frag, err := prepareLiteral(e, true)
		if err != nil {
			return nil, err
		}
		out = append(out, frag)
	}
	return out, nil
}

// prepareLiteral normalizes a literal to the store's native representation.
// Decimal, identifier, date-only, time-only and duration values map onto
// decimal128, hex strings, sentinel timestamps and millisecond counts; list,
// numeric, string and document shapes are wrapped in $literal in expression
// position.
func prepareLiteral(v any, asExpr bool) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make(bson.A, 0, len(x))
		for _, e := range x {
			if node, ok := e.(qtree.Node); ok {
				// Nested literal nodes unwrap; anything computed has no
				// plain match-document form.
				val, isValue := node.(qtree.Value)
				if !isValue {
					return nil, malformed("computed element in a literal list")
				}
				e = val.V
			}
			p, err := prepareLiteral(e, false)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		if asExpr {
			return bson.M{"$literal": out}, nil
		}
		return out, nil
	case qtree.Decimal:
		d, err := bson.ParseDecimal128(string(x))
		if err != nil {
			return nil, malformed("invalid decimal literal %q", string(x))
		}
		return d, nil
	case qtree.UUID:
		return x.Hex(), nil
	case qtree.DateOnly:
		return x.Time(), nil
	case qtree.TimeOnly:
		return x.Time(), nil
	case time.Time:
		return x, nil
	case time.Duration:
		// Durations are stored as milliseconds.
		return float64(x) / float64(time.Millisecond), nil
	}
	if asExpr && literalWrapShape(v) {
		return bson.M{"$literal": v}, nil
	}
	return v, nil
}

var funcOperators = map[qtree.FuncOp]string{
	qtree.FuncAdd:      "$add",
	qtree.FuncSub:      "$subtract",
	qtree.FuncMul:      "$multiply",
	qtree.FuncDiv:      "$divide",
	qtree.FuncMod:      "$mod",
	qtree.FuncPow:      "$pow",
	qtree.FuncConcat:   "$concat",
	qtree.FuncLower:    "$toLower",
	qtree.FuncUpper:    "$toUpper",
	qtree.FuncAbs:      "$abs",
	qtree.FuncCoalesce: "$ifNull",
	qtree.FuncSum:      "$sum",
	qtree.FuncAvg:      "$avg",
	qtree.FuncMin:      "$min",
	qtree.FuncMax:      "$max",
}

func (co *Compiler) compileFunc(f qtree.Func) (any, error) {
	if f.Op == qtree.FuncCount {
		return co.compileCount(f)
	}
	op, ok := funcOperators[f.Op]
	if !ok {
		return nil, notSupported("function %q", f.Op)
	}
	args := make(bson.A, 0, len(f.Args))
	for _, a := range f.Args {
		frag, err := co.compileExprNode(a)
		if errors.Is(err, errFullResultSet) {
			frag = true
			err = nil
		}
		if err != nil {
			return nil, err
		}
		args = append(args, frag)
	}
	if f.Op.IsAggregate() && len(args) == 1 {
		return bson.M{op: args[0]}, nil
	}
	if len(args) == 1 && (f.Op == qtree.FuncLower || f.Op == qtree.FuncUpper || f.Op == qtree.FuncAbs) {
		return bson.M{op: args[0]}, nil
	}
	return bson.M{op: args}, nil
}

// compileCount lowers COUNT(*) to a sum of ones and COUNT(expr) to a sum
// over the expression's not-null indicator.
func (co *Compiler) compileCount(f qtree.Func) (any, error) {
	if len(f.Args) == 0 {
		return bson.M{"$sum": 1}, nil
	}
	if _, ok := f.Args[0].(qtree.Star); ok {
		return bson.M{"$sum": 1}, nil
	}
	arg, err := co.compileExprNode(f.Args[0])
	if err != nil {
		return nil, err
	}
	return bson.M{"$sum": bson.M{"$cond": bson.A{isNullExpr(arg, false), 1, 0}}}, nil
}

// compileCase lowers conditional branches to $switch, pruning branches whose
// conditions are statically false and collapsing on the first statically
// true condition.
func (co *Compiler) compileCase(c qtree.Case) (any, error) {
	var branches bson.A
	var defaultMQL any
	haveDefault := false
	for _, w := range c.Whens {
		cond, err := co.compileCond(w.Cond, true)
		if errors.Is(err, errEmptyResultSet) {
			continue
		}
		if errors.Is(err, errFullResultSet) {
			defaultMQL, err = co.compileExprNode(w.Then)
			if err != nil {
				return nil, err
			}
			haveDefault = true
			break
		}
		if err != nil {
			return nil, err
		}
		then, err := co.compileExprNode(w.Then)
		if err != nil {
			return nil, err
		}
		branches = append(branches, bson.M{"case": cond, "then": then})
	}
	if !haveDefault {
		if c.Default != nil {
			var err error
			defaultMQL, err = co.compileExprNode(c.Default)
			if err != nil {
				return nil, err
			}
		}
	}
	if len(branches) == 0 {
		return defaultMQL, nil
	}
	return bson.M{"$switch": bson.M{"branches": branches, "default": defaultMQL}}, nil
}
