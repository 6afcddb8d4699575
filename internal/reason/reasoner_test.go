package reason

import (
	"testing"

	"kce/internal/rdf"
	"kce/internal/sparql"
)

type memGraph struct{ triples []rdf.Triple }

func (g *memGraph) Match(s, p *string, o *rdf.Term) ([]rdf.Triple, error) {
	var out []rdf.Triple
	for _, t := range g.triples {
		if s != nil && t.Subject != *s {
			continue
		}
		if p != nil && t.Predicate != *p {
			continue
		}
		if o != nil && !rdf.SameValue(t.Object, *o) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

var _ sparql.Graph = (*memGraph)(nil)

func hasTriple(triples []rdf.Triple, s, p, o string) bool {
	for _, t := range triples {
		if t.Subject == s && t.Predicate == p && t.Object.IsIRI() && t.Object.Value == o {
			return true
		}
	}
	return false
}

func TestSubclassClosure(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("Specific"), Predicate: rdf.RDFS("subClassOf"), Object: rdf.IRI(rdf.EX("General"))},
		{Subject: rdf.EX("General"), Predicate: rdf.RDFS("subClassOf"), Object: rdf.IRI(rdf.EX("Root"))},
		{Subject: rdf.EX("i"), Predicate: rdf.PredType, Object: rdf.IRI(rdf.EX("Specific"))},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if !hasTriple(delta, rdf.EX("i"), rdf.PredType, rdf.EX("General")) {
		t.Error("missing inferred type General")
	}
	if !hasTriple(delta, rdf.EX("i"), rdf.PredType, rdf.EX("Root")) {
		t.Error("missing inferred type Root")
	}
}

func TestSubPropertyAndInverse(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("hasPart"), Predicate: rdf.RDFS("subPropertyOf"), Object: rdf.IRI(rdf.EX("related"))},
		{Subject: rdf.EX("hasPart"), Predicate: rdf.OWL("inverseOf"), Object: rdf.IRI(rdf.EX("partOf"))},
		{Subject: rdf.EX("A"), Predicate: rdf.EX("hasPart"), Object: rdf.IRI(rdf.EX("B"))},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if !hasTriple(delta, rdf.EX("A"), rdf.EX("related"), rdf.EX("B")) {
		t.Error("missing subproperty inference")
	}
	if !hasTriple(delta, rdf.EX("B"), rdf.EX("partOf"), rdf.EX("A")) {
		t.Error("missing inverse inference")
	}
}

func TestDomainRange(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("hasPanel"), Predicate: rdf.RDFS("domain"), Object: rdf.IRI(rdf.EX("Assembly"))},
		{Subject: rdf.EX("hasPanel"), Predicate: rdf.RDFS("range"), Object: rdf.IRI(rdf.EX("Panel"))},
		{Subject: rdf.EX("A"), Predicate: rdf.EX("hasPanel"), Object: rdf.IRI(rdf.EX("P1"))},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if !hasTriple(delta, rdf.EX("A"), rdf.PredType, rdf.EX("Assembly")) {
		t.Error("missing domain inference")
	}
	if !hasTriple(delta, rdf.EX("P1"), rdf.PredType, rdf.EX("Panel")) {
		t.Error("missing range inference")
	}
}

func TestTransitiveProperty(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("within"), Predicate: rdf.PredType, Object: rdf.IRI(rdf.OWL("TransitiveProperty"))},
		{Subject: rdf.EX("A"), Predicate: rdf.EX("within"), Object: rdf.IRI(rdf.EX("B"))},
		{Subject: rdf.EX("B"), Predicate: rdf.EX("within"), Object: rdf.IRI(rdf.EX("C"))},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if !hasTriple(delta, rdf.EX("A"), rdf.EX("within"), rdf.EX("C")) {
		t.Error("missing transitive inference")
	}
}

func TestNoSchemaNoDelta(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("A"), Predicate: rdf.EX("p"), Object: rdf.Integer(1)},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("delta = %v, want empty", delta)
	}
}

func TestClosureIdempotent(t *testing.T) {
	g := &memGraph{triples: []rdf.Triple{
		{Subject: rdf.EX("Sub"), Predicate: rdf.RDFS("subClassOf"), Object: rdf.IRI(rdf.EX("Super"))},
		{Subject: rdf.EX("i"), Predicate: rdf.PredType, Object: rdf.IRI(rdf.EX("Sub"))},
	}}
	delta, err := Closure(g)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	g.triples = append(g.triples, delta...)
	again, err := Closure(g)
	if err != nil {
		t.Fatalf("second Closure: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second closure delta = %v, want empty", again)
	}
}
