package mql

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/monrel/monrel/qtree"
)

// compileWhere lowers a boolean combination. Children compile left to right
// under two counters: fullNeeded children must turn out always-true before
// the parent is always-true, emptyNeeded symmetrically for always-false.
// Always-true operands of a conjunction are redundant and dropped; as soon
// as a counter reaches zero the whole subtree resolves to a static truth
// value, polarity-adjusted when the parent is negated.
func (co *Compiler) compileWhere(w *qtree.Where, asExpr bool) (any, error) {
	if w.Connector == qtree.Xor {
		return co.compileXor(w, asExpr)
	}

	var fullNeeded, emptyNeeded int
	var operator string
	if w.Connector == qtree.And {
		fullNeeded, emptyNeeded = len(w.Children), 1
		operator = "$and"
	} else {
		fullNeeded, emptyNeeded = 1, len(w.Children)
		operator = "$or"
	}

	var children bson.A
	for _, child := range w.Children {
		frag, err := co.compileCond(child, asExpr)
		switch {
		case errors.Is(err, errEmptyResultSet):
			emptyNeeded--
		case errors.Is(err, errFullResultSet):
			fullNeeded--
		case err != nil:
			return nil, err
		case frag != nil:
			children = append(children, frag)
		default:
			fullNeeded--
		}
		if emptyNeeded == 0 {
			if w.Negated {
				return nil, errFullResultSet
			}
			return nil, errEmptyResultSet
		}
		if fullNeeded == 0 {
			if w.Negated {
				return nil, errEmptyResultSet
			}
			return nil, errFullResultSet
		}
	}

	var mql any
	switch len(children) {
	case 0:
		// An empty combination matches everything.
		return nil, errFullResultSet
	case 1:
		mql = children[0]
	default:
		mql = bson.M{operator: children}
	}

	if w.Negated {
		// Path-mode negation of a match set uses the match-none combinator;
		// per-field negation composes differently.
		if asExpr {
			mql = bson.M{"$not": bson.A{mql}}
		} else {
			mql = bson.M{"$nor": bson.A{mql}}
		}
	}
	return mql, nil
}

// compileXor rewrites an n-ary exclusive-or, which has no native operator in
// the target language, into
//
//	(a OR b OR ...) AND (a + b + ... [mod 2]) == 1
//
// since an n-ary XOR holds exactly when an odd number of operands hold. For
// two operands the modulo step is unnecessary.
func (co *Compiler) compileXor(w *qtree.Where, asExpr bool) (any, error) {
	lhs := &qtree.Where{Connector: qtree.Or, Children: w.Children}
	var sum qtree.Node
	for _, child := range w.Children {
		indicator := qtree.Case{
			Whens:   []qtree.When{{Cond: child, Then: qtree.NewValue(1)}},
			Default: qtree.NewValue(0),
		}
		if sum == nil {
			sum = indicator
		} else {
			sum = qtree.NewFunc(qtree.FuncAdd, sum, indicator)
		}
	}
	if len(w.Children) > 2 {
		sum = qtree.NewFunc(qtree.FuncMod, sum, qtree.NewValue(2))
	}
	rhs := qtree.NewLookup(qtree.LookupExact, qtree.NewValue(1), sum)
	rewritten := &qtree.Where{
		Connector: qtree.And,
		Negated:   w.Negated,
		Children:  []qtree.Node{lhs, rhs},
	}
	return co.compileWhere(rewritten, asExpr)
}
