// Package reason computes the forward closure the knowledge layer exposes as
// Reason(). It covers the OWL-RL subset the engine relies on: rdfs:subClassOf,
// rdfs:subPropertyOf, rdfs:domain, rdfs:range, owl:inverseOf,
// owl:TransitiveProperty and owl:SymmetricProperty.
//
// The closure is compiled to a Datalog program and evaluated with the Google
// Mangle engine: graph triples become extensional facts, a fixed rule set
// derives inf_type/inf_link, and the derived facts that are not already in
// the graph come back as the insertion delta.
package reason

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"kce/internal/logging"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

// closureRules is the fixed Datalog program. Extensional predicates are
// emitted as facts alongside these rules, so no separate declarations are
// needed.
const closureRules = `
inf_subclass(A, B) :- subclass(A, B).
inf_subclass(A, C) :- inf_subclass(A, B), subclass(B, C).

inf_type(X, C) :- rtype(X, C).
inf_type(X, C) :- inf_type(X, B), inf_subclass(B, C).

inf_link(S, P, O) :- link(S, P, O).
inf_link(S, Q, O) :- inf_link(S, P, O), subprop(P, Q).
inf_link(O, Q, S) :- inf_link(S, P, O), inverse(P, Q).
inf_link(O, P, S) :- inf_link(S, P, O), symmetric(P).
inf_link(S, P, O) :- inf_link(S, P, M), inf_link(M, P, O), transitive(P).

inf_type(S, C) :- inf_link(S, P, O), dom(P, C).
inf_type(O, C) :- inf_link(S, P, O), rng(P, C).
`

// Closure returns the triples entailed by the graph but not yet present.
func Closure(g sparql.Graph) ([]rdf.Triple, error) {
	triples, err := g.Match(nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}
	if len(triples) == 0 {
		return nil, nil
	}

	program, relevant := buildProgram(triples)
	if !relevant {
		// No schema triples: the closure is the graph itself.
		return nil, nil
	}

	unit, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("parsing closure program: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyzing closure program: %w", err)
	}
	fstore := factstore.NewSimpleInMemoryStore()
	if err := mengine.EvalProgram(info, fstore); err != nil {
		return nil, fmt.Errorf("evaluating closure program: %w", err)
	}

	have := indexTriples(triples)
	var delta []rdf.Triple

	typeSym := ast.PredicateSym{Symbol: "inf_type", Arity: 2}
	err = fstore.GetFacts(ast.NewQuery(typeSym), func(atom ast.Atom) error {
		s, ok1 := stringArg(atom, 0)
		c, ok2 := stringArg(atom, 1)
		if !ok1 || !ok2 {
			return nil
		}
		t := rdf.Triple{Subject: s, Predicate: rdf.PredType, Object: rdf.IRI(c)}
		if !have[key(t)] {
			have[key(t)] = true
			delta = append(delta, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading inferred types: %w", err)
	}

	linkSym := ast.PredicateSym{Symbol: "inf_link", Arity: 3}
	err = fstore.GetFacts(ast.NewQuery(linkSym), func(atom ast.Atom) error {
		s, ok1 := stringArg(atom, 0)
		p, ok2 := stringArg(atom, 1)
		o, ok3 := stringArg(atom, 2)
		if !ok1 || !ok2 || !ok3 {
			return nil
		}
		t := rdf.Triple{Subject: s, Predicate: p, Object: rdf.IRI(o)}
		if !have[key(t)] {
			have[key(t)] = true
			delta = append(delta, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading inferred links: %w", err)
	}

	logging.ReasonDebug("closure over %d triples derived %d new", len(triples), len(delta))
	return delta, nil
}

// buildProgram renders the rule set plus one fact per relevant triple. The
// second return is false when the graph carries no schema vocabulary, in
// which case evaluation is pointless.
func buildProgram(triples []rdf.Triple) (string, bool) {
	var sb strings.Builder
	sb.WriteString(closureRules)

	schema := false
	emit := func(pred string, args ...string) {
		sb.WriteString(pred)
		sb.WriteByte('(')
		for i, a := range args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(a))
		}
		sb.WriteString(").\n")
	}

	// Seed each extensional predicate once so it is defined even when the
	// graph has no matching triples.
	emit("rtype", "kce:seed", "kce:seed")
	emit("subclass", "kce:seed", "kce:seed")
	emit("subprop", "kce:seed", "kce:seed")
	emit("dom", "kce:seed", "kce:seed")
	emit("rng", "kce:seed", "kce:seed")
	emit("inverse", "kce:seed", "kce:seed")
	emit("symmetric", "kce:seed")
	emit("transitive", "kce:seed")
	emit("link", "kce:seed", "kce:seed", "kce:seed")

	for _, t := range triples {
		switch t.Predicate {
		case rdf.PredType:
			if !t.Object.IsIRI() {
				continue
			}
			emit("rtype", t.Subject, t.Object.Value)
			switch t.Object.Value {
			case rdf.OWL("TransitiveProperty"):
				emit("transitive", t.Subject)
				schema = true
			case rdf.OWL("SymmetricProperty"):
				emit("symmetric", t.Subject)
				schema = true
			}
		case rdf.RDFS("subClassOf"):
			if t.Object.IsIRI() {
				emit("subclass", t.Subject, t.Object.Value)
				schema = true
			}
		case rdf.RDFS("subPropertyOf"):
			if t.Object.IsIRI() {
				emit("subprop", t.Subject, t.Object.Value)
				schema = true
			}
		case rdf.RDFS("domain"):
			if t.Object.IsIRI() {
				emit("dom", t.Subject, t.Object.Value)
				schema = true
			}
		case rdf.RDFS("range"):
			if t.Object.IsIRI() {
				emit("rng", t.Subject, t.Object.Value)
				schema = true
			}
		case rdf.OWL("inverseOf"):
			if t.Object.IsIRI() {
				emit("inverse", t.Subject, t.Object.Value)
				emit("inverse", t.Object.Value, t.Subject)
				schema = true
			}
		default:
			if t.Object.IsIRI() {
				emit("link", t.Subject, t.Predicate, t.Object.Value)
			}
		}
	}
	return sb.String(), schema
}

func stringArg(atom ast.Atom, i int) (string, bool) {
	if i >= len(atom.Args) {
		return "", false
	}
	c, ok := atom.Args[i].(ast.Constant)
	if !ok || c.Type != ast.StringType {
		return "", false
	}
	if c.Symbol == "kce:seed" {
		return "", false
	}
	return c.Symbol, true
}

func key(t rdf.Triple) string {
	return t.Subject + "\x00" + t.Predicate + "\x00" + t.Object.String()
}

func indexTriples(triples []rdf.Triple) map[string]bool {
	idx := make(map[string]bool, len(triples))
	for _, t := range triples {
		idx[key(t)] = true
	}
	return idx
}
