package mql

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

// pathOperator renders a field-level condition document, the cheap form used
// directly inside a $match stage.
type pathOperator func(field string, value any) (any, error)

// exprOperator renders a computed-expression condition usable inside $expr,
// $project and other expression contexts.
type exprOperator func(lhs, rhs any) (any, error)

// isNullPath matches a field that is absent from storage or holds an
// explicit null; isNull=false is the full logical negation, not a separate
// operator.
func isNullPath(field string, isNull bool) any {
	if isNull {
		return bson.M{"$or": bson.A{
			bson.M{field: bson.M{"$exists": false}},
			bson.M{field: nil},
		}}
	}
	return bson.M{"$and": bson.A{
		bson.M{field: bson.M{"$exists": true}},
		bson.M{field: bson.M{"$ne": nil}},
	}}
}

// isNullExpr is the computed-expression form of the three-valued null test:
// the path has BSON type "missing" or compares equal to null.
func isNullExpr(lhs any, isNull bool) any {
	m := bson.M{"$or": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$type": lhs}, "missing"}},
		bson.M{"$eq": bson.A{lhs, nil}},
	}}
	if isNull {
		return m
	}
	return bson.M{"$not": m}
}

// rangePath renders a bounded range, pruning open bounds. Both bounds open
// matches everything; an inverted range matches nothing.
func rangePath(field string, value any) (any, error) {
	lo, hi, err := rangeBounds(value)
	if err != nil {
		return nil, err
	}
	var conds bson.A
	if lo != nil {
		conds = append(conds, bson.M{field: bson.M{"$gte": lo}})
	}
	if hi != nil {
		conds = append(conds, bson.M{field: bson.M{"$lte": hi}})
	}
	if len(conds) == 0 {
		return nil, errFullResultSet
	}
	if lo != nil && hi != nil {
		if c, ok := compareValues(lo, hi); ok && c > 0 {
			return nil, errEmptyResultSet
		}
	}
	return bson.M{"$and": conds}, nil
}

func rangeExpr(lhs any, rhs any) (any, error) {
	pair, ok := rhs.([2]any)
	if !ok {
		return nil, malformed("range comparison needs a two-element bound pair")
	}
	lo, hi := pair[0], pair[1]
	return bson.M{"$and": bson.A{
		bson.M{"$or": bson.A{isNullExpr(lo, true), bson.M{"$gte": bson.A{lhs, lo}}}},
		bson.M{"$or": bson.A{isNullExpr(hi, true), bson.M{"$lte": bson.A{lhs, hi}}}},
	}}, nil
}

func rangeBounds(value any) (lo, hi any, err error) {
	switch v := value.(type) {
	case [2]any:
		return v[0], v[1], nil
	case bson.A:
		if len(v) == 2 {
			return v[0], v[1], nil
		}
	case []any:
		if len(v) == 2 {
			return v[0], v[1], nil
		}
	}
	return nil, nil, malformed("range comparison needs a two-element bound pair")
}

// compareValues orders two literals of the same shape where a static
// ordering exists. The second return is false when no comparison applies.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// regexExpr renders a $regexMatch. Multi-part patterns (anchors around a
// computed operand) are joined with $concat.
func regexExpr(input any, insensitive bool, parts ...any) any {
	var regex any
	if len(parts) == 1 {
		regex = parts[0]
	} else {
		regex = bson.M{"$concat": bson.A(parts)}
	}
	options := ""
	if insensitive {
		options = "i"
	}
	return bson.M{"$regexMatch": bson.M{"input": input, "regex": regex, "options": options}}
}

// literalDollar anchors the end of a pattern without the bare "$" being read
// as an expression prefix.
var literalDollar = bson.M{"$literal": "$"}

// guardedCompare conjoins an ordering comparison with a not-null guard: the
// store orders null below every value, which disagrees with NULL-is-unorderable
// comparison semantics.
func guardedComparePath(op string) pathOperator {
	return func(field string, value any) (any, error) {
		return bson.M{"$and": bson.A{
			bson.M{field: bson.M{op: value}},
			isNullPath(field, false),
		}}, nil
	}
}

func guardedCompareExpr(op string) exprOperator {
	return func(lhs, rhs any) (any, error) {
		return bson.M{"$and": bson.A{
			bson.M{op: bson.A{lhs, rhs}},
			isNullExpr(lhs, false),
		}}, nil
	}
}

// pathOperators is the field-level operator table. It is the smaller of the
// two: pattern operators have no field-level equivalent here and always
// compile through the expression table.
var pathOperators map[qtree.LookupName]pathOperator

// exprOperators is the computed-expression operator table; every lookup has
// an entry.
var exprOperators map[qtree.LookupName]exprOperator

func init() {
	pathOperators = map[qtree.LookupName]pathOperator{
		qtree.LookupExact: func(field string, value any) (any, error) {
			return bson.M{field: value}, nil
		},
		qtree.LookupGt: func(field string, value any) (any, error) {
			return bson.M{field: bson.M{"$gt": value}}, nil
		},
		qtree.LookupGte: func(field string, value any) (any, error) {
			return bson.M{field: bson.M{"$gte": value}}, nil
		},
		qtree.LookupLt:  guardedComparePath("$lt"),
		qtree.LookupLte: guardedComparePath("$lte"),
		qtree.LookupIn: func(field string, value any) (any, error) {
			list, ok := value.(bson.A)
			if !ok {
				return nil, malformed("in comparison needs a list value")
			}
			return bson.M{field: bson.M{"$in": list}}, nil
		},
		qtree.LookupRange: rangePath,
	}

	exprOperators = map[qtree.LookupName]exprOperator{
		qtree.LookupExact: func(lhs, rhs any) (any, error) {
			return bson.M{"$eq": bson.A{lhs, rhs}}, nil
		},
		qtree.LookupGt: func(lhs, rhs any) (any, error) {
			return bson.M{"$gt": bson.A{lhs, rhs}}, nil
		},
		qtree.LookupGte: func(lhs, rhs any) (any, error) {
			return bson.M{"$gte": bson.A{lhs, rhs}}, nil
		},
		qtree.LookupLt:    guardedCompareExpr("$lt"),
		qtree.LookupLte:   guardedCompareExpr("$lte"),
		qtree.LookupRange: rangeExpr,
		qtree.LookupIn: func(lhs, rhs any) (any, error) {
			return bson.M{"$in": bson.A{lhs, rhs}}, nil
		},
		qtree.LookupIExact: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, true, "^", rhs, literalDollar), nil
		},
		qtree.LookupStartsWith: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, false, "^", rhs), nil
		},
		qtree.LookupIStartsWith: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, true, "^", rhs), nil
		},
		qtree.LookupEndsWith: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, false, rhs, literalDollar), nil
		},
		qtree.LookupIEndsWith: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, true, rhs, literalDollar), nil
		},
		qtree.LookupContains: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, false, rhs), nil
		},
		qtree.LookupIContains: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, true, rhs), nil
		},
		qtree.LookupRegex: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, false, rhs), nil
		},
		qtree.LookupIRegex: func(lhs, rhs any) (any, error) {
			return regexExpr(lhs, true, rhs), nil
		},
	}
}

// regexEscapeChars lists the pattern metacharacters escaped when a computed
// operand is matched as a literal. The "$" entry is wrapped so it isn't read
// as an expression prefix.
var regexEscapeChars = []struct {
	find        any
	replacement string
}{
	{`\`, `\\`},
	{"^", `\^`},
	{literalDollar, `\$`},
	{".", `\.`},
	{"[", `\[`},
	{"|", `\|`},
	{"(", `\(`},
	{")", `\)`},
	{"*", `\*`},
	{"+", `\+`},
	{"?", `\?`},
	{"{", `\{`},
}

// escapeRegexExpr wraps a computed pattern operand in a $replaceAll chain
// escaping every metacharacter.
func escapeRegexExpr(value any) any {
	for _, e := range regexEscapeChars {
		value = bson.M{"$replaceAll": bson.M{
			"input":       value,
			"find":        e.find,
			"replacement": e.replacement,
		}}
	}
	return value
}

// escapeRegexLiteral escapes pattern metacharacters in a literal string
// operand.
func escapeRegexLiteral(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '^', '$', '.', '[', '|', '(', ')', '*', '+', '?', '{':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
