package sparql

import (
	"fmt"

	"kce/internal/rdf"
)

// Expr is a FILTER expression node. Evaluation yields either a boolean or an
// RDF term; type errors make the filter false, per SPARQL's error-as-false
// semantics for filters.
type Expr interface {
	eval(b Binding) (exprValue, error)
}

type exprValue struct {
	isBool bool
	b      bool
	term   rdf.Term
	bound  bool // false when a referenced variable is unbound
}

func boolValue(v bool) exprValue { return exprValue{isBool: true, b: v, bound: true} }

// truthy interprets a value in boolean position.
func (v exprValue) truthy() bool {
	if !v.bound {
		return false
	}
	if v.isBool {
		return v.b
	}
	if b, ok := v.term.Bool(); ok {
		return b
	}
	return v.term.Value != ""
}

type varExpr struct{ name string }

func (e varExpr) eval(b Binding) (exprValue, error) {
	t, ok := b[e.name]
	if !ok {
		return exprValue{}, nil
	}
	return exprValue{term: t, bound: true}, nil
}

type termExpr struct{ term rdf.Term }

func (e termExpr) eval(Binding) (exprValue, error) {
	return exprValue{term: e.term, bound: true}, nil
}

type boundExpr struct{ name string }

func (e boundExpr) eval(b Binding) (exprValue, error) {
	_, ok := b[e.name]
	return boolValue(ok), nil
}

type notExpr struct{ inner Expr }

func (e notExpr) eval(b Binding) (exprValue, error) {
	v, err := e.inner.eval(b)
	if err != nil {
		return exprValue{}, err
	}
	return boolValue(!v.truthy()), nil
}

type logicalExpr struct {
	op          string // && or ||
	left, right Expr
}

func (e logicalExpr) eval(b Binding) (exprValue, error) {
	l, err := e.left.eval(b)
	if err != nil {
		return exprValue{}, err
	}
	if e.op == "&&" && !l.truthy() {
		return boolValue(false), nil
	}
	if e.op == "||" && l.truthy() {
		return boolValue(true), nil
	}
	r, err := e.right.eval(b)
	if err != nil {
		return exprValue{}, err
	}
	return boolValue(r.truthy()), nil
}

type comparisonExpr struct {
	op          string
	left, right Expr
}

func (e comparisonExpr) eval(b Binding) (exprValue, error) {
	l, err := e.left.eval(b)
	if err != nil {
		return exprValue{}, err
	}
	r, err := e.right.eval(b)
	if err != nil {
		return exprValue{}, err
	}
	if !l.bound || !r.bound || l.isBool || r.isBool {
		return boolValue(false), nil
	}

	switch e.op {
	case "=":
		return boolValue(rdf.SameValue(l.term, r.term)), nil
	case "!=":
		return boolValue(!rdf.SameValue(l.term, r.term)), nil
	}

	// Ordering: numeric when both sides are numeric, lexical otherwise.
	ln, lok := l.term.Numeric()
	rn, rok := r.term.Numeric()
	var cmp int
	if lok && rok {
		switch {
		case ln < rn:
			cmp = -1
		case ln > rn:
			cmp = 1
		}
	} else {
		switch {
		case l.term.Value < r.term.Value:
			cmp = -1
		case l.term.Value > r.term.Value:
			cmp = 1
		}
	}
	switch e.op {
	case "<":
		return boolValue(cmp < 0), nil
	case "<=":
		return boolValue(cmp <= 0), nil
	case ">":
		return boolValue(cmp > 0), nil
	case ">=":
		return boolValue(cmp >= 0), nil
	}
	return exprValue{}, fmt.Errorf("unknown comparison operator %q", e.op)
}

// evalFilters reports whether every filter passes under the binding.
func evalFilters(filters []Expr, b Binding) bool {
	for _, f := range filters {
		v, err := f.eval(b)
		if err != nil || !v.truthy() {
			return false
		}
	}
	return true
}
