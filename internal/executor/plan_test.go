package executor

import (
	"context"
	"errors"
	"testing"

	"kce/internal/rdf"
	"kce/internal/rules"
	"kce/internal/store"
)

// loadPlanFixture seeds a catalogue with one scripted node and one rule,
// written through the store's typed API the way the loader would.
func loadPlanFixture(t *testing.T, s *store.Store, scriptName string) {
	t.Helper()
	node := rdf.EX("AddOne")
	inParam := node + "/input/x"
	outParam := node + "/output/result"
	inv := node + "/invocation"
	err := s.Insert([]rdf.Triple{
		{Subject: node, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassAtomicNode)},
		{Subject: node, Predicate: rdf.PredHasInputParameter, Object: rdf.IRI(inParam)},
		{Subject: inParam, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassInputParameter)},
		{Subject: inParam, Predicate: rdf.PredParameterName, Object: rdf.String("x")},
		{Subject: inParam, Predicate: rdf.PredParameterOrder, Object: rdf.Integer(1)},
		{Subject: inParam, Predicate: rdf.PredMapsToRdfProperty, Object: rdf.IRI(rdf.EX("in"))},
		{Subject: inParam, Predicate: rdf.PredIsRequired, Object: rdf.Boolean(true)},
		{Subject: node, Predicate: rdf.PredHasOutputParameter, Object: rdf.IRI(outParam)},
		{Subject: outParam, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassOutputParameter)},
		{Subject: outParam, Predicate: rdf.PredParameterName, Object: rdf.String("result")},
		{Subject: outParam, Predicate: rdf.PredParameterOrder, Object: rdf.Integer(1)},
		{Subject: outParam, Predicate: rdf.PredMapsToRdfProperty, Object: rdf.IRI(rdf.EX("out"))},
		{Subject: outParam, Predicate: rdf.PredDataType, Object: rdf.IRI(rdf.XSDInteger)},
		{Subject: node, Predicate: rdf.PredHasInvocationSpec, Object: rdf.IRI(inv)},
		{Subject: inv, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassInvocationSpec)},
		{Subject: inv, Predicate: rdf.PredInvocationKind, Object: rdf.IRI(rdf.InvocationSubprocessScript)},
		{Subject: inv, Predicate: rdf.PredScriptPath, Object: rdf.String(script(t, scriptName))},
		{Subject: inv, Predicate: rdf.PredArgumentPassingStyle, Object: rdf.String("NamedCLI")},

		{Subject: rdf.EX("FlagRule"), Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassRule)},
		{Subject: rdf.EX("FlagRule"), Predicate: rdf.PredHasAntecedent, Object: rdf.String(`SELECT ?c WHERE { ?c ex:out ?v . FILTER(?v > 1) }`)},
		{Subject: rdf.EX("FlagRule"), Predicate: rdf.PredHasConsequent, Object: rdf.String(`INSERT { ?c ex:flag true } WHERE { ?c ex:out ?v . }`)},
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
}

func TestPlanExecutesInOrder(t *testing.T) {
	s, run := setup(t)
	loadPlanFixture(t, s, "add_one.sh")
	s.Insert([]rdf.Triple{
		{Subject: rdf.EX("C"), Predicate: rdf.EX("in"), Object: rdf.Integer(1)},
	})

	p := NewPlanExecutor(s, NewNodeExecutor(s, 0), rules.NewEngine(s))
	ops := []Operation{
		{Kind: OpNode, URI: rdf.EX("AddOne")},
		{Kind: OpRule, URI: rdf.EX("FlagRule")},
	}
	if err := p.Execute(context.Background(), ops, rdf.EX("C"), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ok, _ := s.Ask(`ASK { ex:C ex:out 2 ; ex:flag true . }`)
	if !ok {
		t.Error("plan effects missing")
	}
}

func TestPlanStopsAtFailingStep(t *testing.T) {
	s, run := setup(t)
	loadPlanFixture(t, s, "add_one.sh")
	// Missing required input makes the node step fail.
	p := NewPlanExecutor(s, NewNodeExecutor(s, 0), rules.NewEngine(s))
	ops := []Operation{
		{Kind: OpNode, URI: rdf.EX("AddOne")},
		{Kind: OpRule, URI: rdf.EX("FlagRule")},
	}
	err := p.Execute(context.Background(), ops, rdf.EX("C"), run)
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if se.Index != 0 || se.Op.Kind != OpNode {
		t.Errorf("offending step = %+v", se)
	}
	var mie *MissingInputError
	if !errors.As(err, &mie) {
		t.Errorf("cause should be MissingInputError, got %v", se.Err)
	}
}

func TestPlanStateChain(t *testing.T) {
	s, run := setup(t)
	loadPlanFixture(t, s, "add_one.sh")
	s.Insert([]rdf.Triple{
		{Subject: rdf.EX("C"), Predicate: rdf.EX("in"), Object: rdf.Integer(1)},
	})
	p := NewPlanExecutor(s, NewNodeExecutor(s, 0), rules.NewEngine(s))
	ops := []Operation{{Kind: OpNode, URI: rdf.EX("AddOne")}}
	if err := p.Execute(context.Background(), ops, rdf.EX("C"), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// NodeStarted and NodeSucceeded chain through previousState.
	res, err := s.Query(`SELECT ?s ?prev WHERE { ?s kce:eventKind kce:NodeSucceeded ; kce:previousState ?prev . }`)
	if err != nil || len(res.Bindings) != 1 {
		t.Fatalf("chain query: %+v, %v", res, err)
	}
	prev := res.Bindings[0]["prev"].Value
	kind, _ := s.GetSingle(prev, rdf.PredEventKind)
	if kind == nil || kind.Value != rdf.EventNodeStarted {
		t.Errorf("previous state kind = %v", kind)
	}
}
