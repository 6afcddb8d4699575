// Package prov records execution provenance: one ExecutionRun per solve, a
// chain of ExecutionStateNodes for its events, PROV-style used/wasGeneratedBy
// attribution, and a human-readable JSON payload per event in the knowledge
// layer's blob sink. Every component that acts during a run reports through a
// single injected Recorder.
package prov

import (
	"encoding/json"
	"fmt"
	"time"

	"kce/internal/logging"
	"kce/internal/rdf"
	"kce/internal/store"
)

const baseExecutionURI = "http://kce.dev/executions/"

// GraphWriter is the slice of the knowledge layer the recorder needs.
type GraphWriter interface {
	Insert(triples []rdf.Triple) error
	RemoveMatching(subject, predicate string) error
}

// Recorder writes provenance triples and blobs.
type Recorder struct {
	graph GraphWriter
	sink  *store.BlobSink
}

// NewRecorder creates a recorder over the given graph and blob sink. The sink
// may be nil, in which case human-readable payloads are skipped.
func NewRecorder(graph GraphWriter, sink *store.BlobSink) *Recorder {
	return &Recorder{graph: graph, sink: sink}
}

// Run is an open execution run. Not safe for concurrent use; the kernel is
// single-threaded by design.
type Run struct {
	rec *Recorder

	ID        string
	URI       string
	Context   string
	lastState string
	seq       int
}

// Event describes one state transition to record.
type Event struct {
	Kind               string // one of rdf.Event*
	Operation          string // optional operation URI
	Detail             string // optional human-oriented message
	Inputs             interface{}
	Outputs            interface{}
	InputSnapshotRef   string
	OutputSnapshotRef  string
	ExternalSideEffect bool
}

// BeginRun opens a run and records its ExecutionRun entity.
func (r *Recorder) BeginRun(runID, goal, workflowContext string) (*Run, error) {
	runURI := baseExecutionURI + runID
	triples := []rdf.Triple{
		{Subject: runURI, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassExecutionRun)},
		{Subject: runURI, Predicate: rdf.PredRunID, Object: rdf.String(runID)},
		{Subject: runURI, Predicate: rdf.PredStartedAt, Object: timestamp()},
		{Subject: runURI, Predicate: rdf.PredRunStatus, Object: rdf.IRI(rdf.StatusRunning)},
	}
	if goal != "" {
		triples = append(triples, rdf.Triple{Subject: runURI, Predicate: rdf.PredGoal, Object: rdf.String(goal)})
	}
	if workflowContext != "" {
		triples = append(triples, rdf.Triple{
			Subject: runURI, Predicate: rdf.PredWorkflowContext, Object: rdf.IRI(workflowContext),
		})
	}
	if err := r.graph.Insert(triples); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}
	logging.Prov("run %s started", runID)
	return &Run{rec: r, ID: runID, URI: runURI, Context: workflowContext}, nil
}

// Emit records one execution state node, chained to the previous one, and
// stores the event's human-readable payload. Returns the state node URI.
func (run *Run) Emit(ev Event) (string, error) {
	run.seq++
	eventID := fmt.Sprintf("%06d_%s", run.seq, localName(ev.Kind))
	stateURI := fmt.Sprintf("%s/state/%06d", run.URI, run.seq)

	triples := []rdf.Triple{
		{Subject: stateURI, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassExecutionStateNode)},
		{Subject: stateURI, Predicate: rdf.PredBelongsToRun, Object: rdf.IRI(run.URI)},
		{Subject: stateURI, Predicate: rdf.PredTimestamp, Object: timestamp()},
		{Subject: stateURI, Predicate: rdf.PredEventKind, Object: rdf.IRI(ev.Kind)},
	}
	if ev.Operation != "" {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredOperationURI, Object: rdf.IRI(ev.Operation),
		})
	}
	if run.lastState != "" {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredPreviousState, Object: rdf.IRI(run.lastState),
		})
	}
	if ev.Detail != "" {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredDetail, Object: rdf.String(ev.Detail),
		})
	}
	if ev.ExternalSideEffect {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredHasExternalSideEffect, Object: rdf.Boolean(true),
		})
	}

	if run.rec.sink != nil {
		payload := map[string]interface{}{
			"event_id":  eventID,
			"run_id":    run.ID,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"event":     localName(ev.Kind),
			"operation": ev.Operation,
			"detail":    ev.Detail,
			"inputs":    ev.Inputs,
			"outputs":   ev.Outputs,
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
		}
		ref, err := run.rec.sink.StoreHumanReadable(run.ID, eventID, data)
		if err != nil {
			logging.Get(logging.CategoryProv).Warn("blob store failed for %s: %v", eventID, err)
		} else {
			triples = append(triples, rdf.Triple{
				Subject: stateURI, Predicate: rdf.PredHumanLogRef, Object: rdf.String(ref),
			})
			// Snapshot refs default to the payload that embeds them.
			if ev.InputSnapshotRef == "" && ev.Inputs != nil {
				ev.InputSnapshotRef = ref
			}
			if ev.OutputSnapshotRef == "" && ev.Outputs != nil {
				ev.OutputSnapshotRef = ref
			}
		}
	}
	if ev.InputSnapshotRef != "" {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredInputSnapshot, Object: rdf.String(ev.InputSnapshotRef),
		})
	}
	if ev.OutputSnapshotRef != "" {
		triples = append(triples, rdf.Triple{
			Subject: stateURI, Predicate: rdf.PredOutputSnapshot, Object: rdf.String(ev.OutputSnapshotRef),
		})
	}

	if err := run.rec.graph.Insert(triples); err != nil {
		return "", fmt.Errorf("recording state node: %w", err)
	}
	run.lastState = stateURI
	logging.ProvDebug("run %s state %s (%s)", run.ID, stateURI, localName(ev.Kind))
	return stateURI, nil
}

// LastState returns the most recent state node URI, empty before any emit.
func (run *Run) LastState() string { return run.lastState }

// LinkGeneratedBy attributes a batch of written triples to the state node
// that produced them. Each distinct written subject is stamped.
func (run *Run) LinkGeneratedBy(written []rdf.Triple, stateRef string) error {
	seen := map[string]bool{}
	var triples []rdf.Triple
	for _, t := range written {
		if seen[t.Subject] {
			continue
		}
		seen[t.Subject] = true
		triples = append(triples, rdf.Triple{
			Subject: t.Subject, Predicate: rdf.PredWasGeneratedBy, Object: rdf.IRI(stateRef),
		})
	}
	return run.rec.graph.Insert(triples)
}

// LinkUsed records the resolved input values a state node consumed.
func (run *Run) LinkUsed(stateRef string, used []rdf.Term) error {
	triples := make([]rdf.Triple, 0, len(used))
	for _, t := range used {
		triples = append(triples, rdf.Triple{
			Subject: stateRef, Predicate: rdf.PredUsed, Object: t,
		})
	}
	return run.rec.graph.Insert(triples)
}

// End closes the run with a final status, replacing Running.
func (run *Run) End(status string) error {
	if err := run.rec.graph.RemoveMatching(run.URI, rdf.PredRunStatus); err != nil {
		return fmt.Errorf("clearing run status: %w", err)
	}
	triples := []rdf.Triple{
		{Subject: run.URI, Predicate: rdf.PredEndedAt, Object: timestamp()},
		{Subject: run.URI, Predicate: rdf.PredRunStatus, Object: rdf.IRI(status)},
	}
	if err := run.rec.graph.Insert(triples); err != nil {
		return fmt.Errorf("recording run end: %w", err)
	}
	logging.Prov("run %s ended %s", run.ID, localName(status))
	return nil
}

func timestamp() rdf.Term {
	return rdf.TypedLiteral(time.Now().UTC().Format(time.RFC3339Nano), rdf.XSDDateTime)
}

func localName(iri string) string {
	for i := len(iri) - 1; i >= 0; i-- {
		if iri[i] == '#' || iri[i] == '/' {
			return iri[i+1:]
		}
	}
	return iri
}
