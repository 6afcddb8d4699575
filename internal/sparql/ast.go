// Package sparql implements the query subset the engine speaks: ASK, SELECT
// and CONSTRUCT over basic graph patterns with FILTER expressions, and the
// update forms INSERT DATA, DELETE DATA, DELETE WHERE and DELETE/INSERT WHERE.
// Queries are parsed eagerly so malformed catalogue text fails at load time,
// not mid-run.
package sparql

import "kce/internal/rdf"

// QueryKind discriminates read query forms.
type QueryKind int

const (
	QueryAsk QueryKind = iota
	QuerySelect
	QueryConstruct
	QueryDescribe
)

// Query is a parsed read query.
type Query struct {
	Kind     QueryKind
	Distinct bool
	Vars     []string // SELECT projection; empty means every bound variable
	Where    []TriplePattern
	Filters  []Expr
	Template []TriplePattern // CONSTRUCT template
	Describe string          // DESCRIBE target IRI
	Limit    int             // 0 means no limit
}

// UpdateKind discriminates update forms.
type UpdateKind int

const (
	UpdateInsertData UpdateKind = iota
	UpdateDeleteData
	UpdateDeleteWhere
	UpdateModify // DELETE {...} INSERT {...} WHERE {...}
)

// Update is a parsed update request.
type Update struct {
	Kind    UpdateKind
	Insert  []TriplePattern
	Delete  []TriplePattern
	Where   []TriplePattern
	Filters []Expr
}

// PatternTerm is a term position in a triple pattern: either a variable or a
// ground term.
type PatternTerm struct {
	IsVar bool
	Var   string
	Term  rdf.Term
}

// Variable constructs a variable pattern term.
func Variable(name string) PatternTerm { return PatternTerm{IsVar: true, Var: name} }

// Ground constructs a ground pattern term.
func Ground(t rdf.Term) PatternTerm { return PatternTerm{Term: t} }

// TriplePattern is one statement pattern in a graph pattern or template.
type TriplePattern struct {
	S, P, O PatternTerm
}

// Binding maps variable names to terms.
type Binding map[string]rdf.Term

// clone copies a binding so branches of the search do not interfere.
func (b Binding) clone() Binding {
	out := make(Binding, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	return out
}

// resolve substitutes a bound variable, returning the ground term and whether
// the position is ground after substitution.
func (pt PatternTerm) resolve(b Binding) (rdf.Term, bool) {
	if !pt.IsVar {
		return pt.Term, true
	}
	t, ok := b[pt.Var]
	return t, ok
}

// variables collects the distinct variable names of a pattern list in first
// appearance order.
func variables(patterns []TriplePattern) []string {
	seen := map[string]bool{}
	var out []string
	add := func(pt PatternTerm) {
		if pt.IsVar && !seen[pt.Var] {
			seen[pt.Var] = true
			out = append(out, pt.Var)
		}
	}
	for _, p := range patterns {
		add(p.S)
		add(p.P)
		add(p.O)
	}
	return out
}
