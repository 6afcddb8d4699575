package sparql

import (
	"fmt"
	"sort"

	"kce/internal/rdf"
)

// Graph is the read interface the evaluator runs against. Nil arguments are
// wildcards. Implemented by the triple store.
type Graph interface {
	Match(s, p *string, o *rdf.Term) ([]rdf.Triple, error)
}

// Updater extends Graph with mutation, for update requests.
type Updater interface {
	Graph
	Insert(triples []rdf.Triple) error
	Remove(triples []rdf.Triple) error
}

// EvalAsk evaluates an ASK query, stopping at the first solution.
func EvalAsk(g Graph, q *Query) (bool, error) {
	return EvalAskWith(g, q, nil)
}

// EvalAskWith evaluates an ASK query with initial variable bindings fixed, as
// the planner does when binding ?ctx to the operating context.
func EvalAskWith(g Graph, q *Query, init Binding) (bool, error) {
	if q.Kind != QueryAsk {
		return false, fmt.Errorf("not an ASK query")
	}
	base := Binding{}
	for k, v := range init {
		base[k] = v
	}
	found := false
	err := solve(g, q.Where, q.Filters, base, func(Binding) bool {
		found = true
		return false // stop
	})
	return found, err
}

// PatternSatisfied reports whether a single triple pattern has at least one
// match under the given initial bindings.
func PatternSatisfied(g Graph, tp TriplePattern, init Binding) (bool, error) {
	base := Binding{}
	for k, v := range init {
		base[k] = v
	}
	found := false
	err := solve(g, []TriplePattern{tp}, nil, base, func(Binding) bool {
		found = true
		return false
	})
	return found, err
}

// EvalSelect evaluates a SELECT query and returns the solution bindings,
// projected to the query's variables.
func EvalSelect(g Graph, q *Query) ([]Binding, error) {
	if q.Kind != QuerySelect {
		return nil, fmt.Errorf("not a SELECT query")
	}
	vars := q.Vars
	if len(vars) == 0 {
		vars = variables(q.Where)
	}
	var out []Binding
	seen := map[string]bool{}
	err := solve(g, q.Where, q.Filters, Binding{}, func(b Binding) bool {
		row := make(Binding, len(vars))
		for _, v := range vars {
			if t, ok := b[v]; ok {
				row[v] = t
			}
		}
		if q.Distinct {
			key := bindingKey(row, vars)
			if seen[key] {
				return true
			}
			seen[key] = true
		}
		out = append(out, row)
		return q.Limit == 0 || len(out) < q.Limit
	})
	return out, err
}

// EvalConstruct evaluates a CONSTRUCT query, instantiating the template once
// per solution. Template triples with unbound variables are skipped.
func EvalConstruct(g Graph, q *Query) ([]rdf.Triple, error) {
	if q.Kind != QueryConstruct {
		return nil, fmt.Errorf("not a CONSTRUCT query")
	}
	var out []rdf.Triple
	dedup := map[string]bool{}
	err := solve(g, q.Where, q.Filters, Binding{}, func(b Binding) bool {
		for _, tp := range q.Template {
			tr, ok := instantiate(tp, b)
			if !ok {
				continue
			}
			key := tr.String()
			if !dedup[key] {
				dedup[key] = true
				out = append(out, tr)
			}
		}
		return true
	})
	return out, err
}

// EvalDescribe returns every triple whose subject is the described resource.
func EvalDescribe(g Graph, q *Query) ([]rdf.Triple, error) {
	if q.Kind != QueryDescribe {
		return nil, fmt.Errorf("not a DESCRIBE query")
	}
	subj := q.Describe
	return g.Match(&subj, nil, nil)
}

// EvalUpdate executes an update and reports how many triples changed.
func EvalUpdate(g Updater, u *Update) (int, error) {
	return EvalUpdateWith(g, u, nil)
}

// EvalUpdateWith executes an update with initial variable bindings already
// fixed, as the rule engine does when firing a consequent for a binding set.
func EvalUpdateWith(g Updater, u *Update, init Binding) (int, error) {
	base := Binding{}
	for k, v := range init {
		base[k] = v
	}

	switch u.Kind {
	case UpdateInsertData:
		triples, err := instantiateAll(u.Insert, base)
		if err != nil {
			return 0, err
		}
		return len(triples), g.Insert(triples)

	case UpdateDeleteData:
		triples, err := instantiateAll(u.Delete, base)
		if err != nil {
			return 0, err
		}
		return len(triples), g.Remove(triples)

	case UpdateDeleteWhere, UpdateModify:
		var solutions []Binding
		err := solve(g, u.Where, u.Filters, base, func(b Binding) bool {
			solutions = append(solutions, b.clone())
			return true
		})
		if err != nil {
			return 0, err
		}
		// Collect the full delta before touching the graph so the pattern
		// matching is not affected by partial writes.
		var toRemove, toInsert []rdf.Triple
		for _, b := range solutions {
			for _, tp := range u.Delete {
				if tr, ok := instantiate(tp, b); ok {
					toRemove = append(toRemove, tr)
				}
			}
			for _, tp := range u.Insert {
				if tr, ok := instantiate(tp, b); ok {
					toInsert = append(toInsert, tr)
				}
			}
		}
		if len(toRemove) > 0 {
			if err := g.Remove(toRemove); err != nil {
				return 0, err
			}
		}
		if len(toInsert) > 0 {
			if err := g.Insert(toInsert); err != nil {
				return len(toRemove), err
			}
		}
		return len(toRemove) + len(toInsert), nil
	}
	return 0, fmt.Errorf("unknown update kind %d", u.Kind)
}

// solve enumerates solutions of the basic graph pattern by depth-first
// extension of bindings, pattern by pattern. The emit callback returns false
// to stop enumeration early.
func solve(g Graph, patterns []TriplePattern, filters []Expr, base Binding, emit func(Binding) bool) error {
	_, err := solveFrom(g, patterns, 0, filters, base, emit)
	return err
}

func solveFrom(g Graph, patterns []TriplePattern, idx int, filters []Expr, b Binding, emit func(Binding) bool) (bool, error) {
	if idx == len(patterns) {
		if !evalFilters(filters, b) {
			return true, nil
		}
		return emit(b), nil
	}
	tp := patterns[idx]

	var sFilter, pFilter *string
	var oFilter *rdf.Term
	if t, ok := tp.S.resolve(b); ok {
		if !t.IsIRI() {
			return true, nil // literal subject cannot match
		}
		v := t.Value
		sFilter = &v
	}
	if t, ok := tp.P.resolve(b); ok {
		if !t.IsIRI() {
			return true, nil
		}
		v := t.Value
		pFilter = &v
	}
	if t, ok := tp.O.resolve(b); ok {
		o := t
		oFilter = &o
	}

	matches, err := g.Match(sFilter, pFilter, oFilter)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		next := b.clone()
		if tp.S.IsVar && sFilter == nil {
			if !bindOrCheck(next, tp.S.Var, rdf.IRI(m.Subject)) {
				continue
			}
		}
		if tp.P.IsVar && pFilter == nil {
			if !bindOrCheck(next, tp.P.Var, rdf.IRI(m.Predicate)) {
				continue
			}
		}
		if tp.O.IsVar && oFilter == nil {
			if !bindOrCheck(next, tp.O.Var, m.Object) {
				continue
			}
		}
		cont, err := solveFrom(g, patterns, idx+1, filters, next, emit)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

// bindOrCheck binds a variable, or verifies consistency when the same
// variable occurs twice in one pattern.
func bindOrCheck(b Binding, name string, t rdf.Term) bool {
	if prev, ok := b[name]; ok {
		return rdf.SameValue(prev, t)
	}
	b[name] = t
	return true
}

// instantiate grounds a template pattern under a binding. Returns false when
// a variable is unbound or a position has the wrong term kind.
func instantiate(tp TriplePattern, b Binding) (rdf.Triple, bool) {
	s, ok := tp.S.resolve(b)
	if !ok || !s.IsIRI() {
		return rdf.Triple{}, false
	}
	p, ok := tp.P.resolve(b)
	if !ok || !p.IsIRI() {
		return rdf.Triple{}, false
	}
	o, ok := tp.O.resolve(b)
	if !ok {
		return rdf.Triple{}, false
	}
	return rdf.Triple{Subject: s.Value, Predicate: p.Value, Object: o}, true
}

func instantiateAll(patterns []TriplePattern, b Binding) ([]rdf.Triple, error) {
	out := make([]rdf.Triple, 0, len(patterns))
	for _, tp := range patterns {
		tr, ok := instantiate(tp, b)
		if !ok {
			return nil, fmt.Errorf("template triple has unbound variable or literal in IRI position")
		}
		out = append(out, tr)
	}
	return out, nil
}

func bindingKey(b Binding, vars []string) string {
	parts := make([]string, 0, len(vars))
	for _, v := range vars {
		if t, ok := b[v]; ok {
			parts = append(parts, v+"="+t.String())
		}
	}
	sort.Strings(parts)
	key := ""
	for _, p := range parts {
		key += p + "|"
	}
	return key
}

// BindingKey canonicalizes a binding for use as a cache key. Exported for the
// rule engine's fired-bindings cache.
func BindingKey(b Binding) string {
	vars := make([]string, 0, len(b))
	for v := range b {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return bindingKey(b, vars)
}
