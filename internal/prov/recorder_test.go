package prov

import (
	"strings"
	"testing"

	"kce/internal/rdf"
	"kce/internal/store"
)

func setup(t *testing.T) (*store.Store, *Recorder) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	sink, err := store.NewBlobSink(t.TempDir())
	if err != nil {
		t.Fatalf("blob sink: %v", err)
	}
	return s, NewRecorder(s, sink)
}

func TestRunLifecycle(t *testing.T) {
	s, rec := setup(t)

	run, err := rec.BeginRun("run-1", "ASK { ?c ex:out 2 . }", rdf.EX("C"))
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	ok, err := s.Ask(`ASK { ?r kce:runId "run-1" ; kce:status kce:Running . }`)
	if err != nil || !ok {
		t.Errorf("run not Running: %v %v", ok, err)
	}

	if err := run.End(rdf.StatusSucceeded); err != nil {
		t.Fatalf("End: %v", err)
	}
	ok, _ = s.Ask(`ASK { ?r kce:runId "run-1" ; kce:status kce:Succeeded . }`)
	if !ok {
		t.Error("run not marked Succeeded")
	}
	ok, _ = s.Ask(`ASK { ?r kce:runId "run-1" ; kce:status kce:Running . }`)
	if ok {
		t.Error("Running status should have been replaced")
	}
}

func TestEmitChainsStates(t *testing.T) {
	s, rec := setup(t)
	run, err := rec.BeginRun("run-2", "", rdf.EX("C"))
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	first, err := run.Emit(Event{Kind: rdf.EventNodeStarted, Operation: rdf.EX("N1")})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	second, err := run.Emit(Event{Kind: rdf.EventNodeSucceeded, Operation: rdf.EX("N1")})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	prev, err := s.GetSingle(second, rdf.PredPreviousState)
	if err != nil || prev == nil {
		t.Fatalf("previousState: %v %v", prev, err)
	}
	if prev.Value != first {
		t.Errorf("previousState = %s, want %s", prev.Value, first)
	}
	if p, _ := s.GetSingle(first, rdf.PredPreviousState); p != nil {
		t.Error("first state must have no previousState")
	}
	if run.LastState() != second {
		t.Errorf("LastState = %s", run.LastState())
	}
}

func TestEmitWritesBlob(t *testing.T) {
	s, rec := setup(t)
	run, _ := rec.BeginRun("run-3", "", "")
	state, err := run.Emit(Event{
		Kind:    rdf.EventPlannerDecision,
		Detail:  "frontier empty",
		Inputs:  map[string]interface{}{"depth": 3},
		Outputs: nil,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ref, err := s.GetSingle(state, rdf.PredHumanLogRef)
	if err != nil || ref == nil {
		t.Fatalf("humanReadableLogRef missing: %v", err)
	}
	data, err := rec.sink.GetHumanReadable(ref.Value)
	if err != nil || data == nil {
		t.Fatalf("blob read: %v", err)
	}
	if !strings.Contains(string(data), "frontier empty") {
		t.Errorf("blob payload = %s", data)
	}
}

func TestLinkGeneratedByAndUsed(t *testing.T) {
	s, rec := setup(t)
	run, _ := rec.BeginRun("run-4", "", "")
	state, _ := run.Emit(Event{Kind: rdf.EventNodeSucceeded, Operation: rdf.EX("N1")})

	written := []rdf.Triple{
		{Subject: rdf.EX("C"), Predicate: rdf.EX("out"), Object: rdf.Integer(2)},
		{Subject: rdf.EX("C"), Predicate: rdf.EX("flag"), Object: rdf.Boolean(true)},
	}
	if err := run.LinkGeneratedBy(written, state); err != nil {
		t.Fatalf("LinkGeneratedBy: %v", err)
	}
	gen, err := s.GetSingle(rdf.EX("C"), rdf.PredWasGeneratedBy)
	if err != nil || gen == nil || gen.Value != state {
		t.Errorf("wasGeneratedBy = %v, %v", gen, err)
	}

	if err := run.LinkUsed(state, []rdf.Term{rdf.Integer(1)}); err != nil {
		t.Fatalf("LinkUsed: %v", err)
	}
	used, err := s.GetSingle(state, rdf.PredUsed)
	if err != nil || used == nil {
		t.Fatalf("used link missing: %v", err)
	}
	if v, _ := used.Int(); v != 1 {
		t.Errorf("used = %v", used)
	}
}
