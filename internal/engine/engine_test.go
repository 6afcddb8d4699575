package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kce/internal/catalog"
	"kce/internal/planner"
	"kce/internal/rdf"
)

const addOneScript = `#!/bin/sh
x=0
while [ $# -gt 0 ]; do
  case "$1" in
    --x) x="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "{\"result\": $((x + 1))}"
`

const panelScript = `#!/bin/sh
cat <<'JSON'
{
  "_rdf_instructions": {
    "create_entities": [
      {"uri": "ex:Panel1", "type": "ex:Panel",
       "properties": {"ex:width": 400, "ex:height": 2200, "ex:thickness": 1.5}}
    ],
    "add_links": [
      {"subject": "ex:C", "predicate": "ex:hasPanel", "object": "ex:Panel1"}
    ]
  }
}
JSON
`

const failScript = `#!/bin/sh
echo "panel layout solver crashed" >&2
exit 2
`

const sleepScript = `#!/bin/sh
trap 'exit 0' TERM
sleep 300
`

// newEngine loads a catalogue (scripts materialized beside it) and opens an
// in-memory engine.
func newEngine(t *testing.T, defs string, scripts map[string]string, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	for name, content := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "defs.yaml"), []byte(defs), 0644))

	cfg.InMemory = true
	if cfg.BlobRoot == "" {
		cfg.BlobRoot = t.TempDir()
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	_, err = e.LoadDefinitions(dir)
	require.NoError(t, err)
	return e
}

func initialState(t *testing.T, doc string) *catalog.InitialState {
	t.Helper()
	st, err := catalog.ParseInitialState([]byte(doc))
	require.NoError(t, err)
	return st
}

func askTarget(t *testing.T, ask string) *catalog.Target {
	t.Helper()
	tg, err := catalog.NewTarget(ask)
	require.NoError(t, err)
	return tg
}

const chainDefs = `
definitions:
  - kind: AtomicNode
    id: ex:N1
    label: Add one
    inputs:
      - {name: x, maps_to_rdf_property: ex:in, data_type: integer, is_required: true}
    outputs:
      - {name: result, maps_to_rdf_property: ex:out, data_type: integer}
    preconditions:
      - "ASK { ?ctx ex:in ?v . }"
    effects:
      - {kind: AssertProperty, property: ex:out, value_from_output: result}
    invocation: {kind: SubprocessScript, script_path: add_one.sh}
`

const chainState = `
entities:
  - uri: ex:C
    type: ex:Problem
    properties:
      ex:in: {value: 1, type: integer}
`

// Scenario 1: one node execution satisfies the goal.
func TestScenarioSimpleChain(t *testing.T) {
	e := newEngine(t, chainDefs, map[string]string{"add_one.sh": addOneScript}, Config{})

	res, err := e.Solve(context.Background(), askTarget(t, `ASK { ?c ex:out 2 . }`),
		initialState(t, chainState), "run-chain")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)

	ok, err := e.Store().Ask(`ASK { ex:C ex:out 2 . }`)
	require.NoError(t, err)
	assert.True(t, ok, "final graph must contain (C, ex:out, 2)")

	runs, err := e.Store().Query(`SELECT ?r WHERE { ?r kce:runId "run-chain" ; kce:status kce:Succeeded . }`)
	require.NoError(t, err)
	assert.Len(t, runs.Bindings, 1)

	execs, err := e.Store().Query(`SELECT ?s WHERE { ?s kce:eventKind kce:NodeSucceeded . }`)
	require.NoError(t, err)
	assert.Len(t, execs.Bindings, 1, "exactly one node execution expected")
}

// Scenario 2: the node runs, then a rule extends the graph to the full goal.
func TestScenarioRuleDrivenReplanning(t *testing.T) {
	defs := chainDefs + `
  - kind: Rule
    id: ex:R
    antecedent: "SELECT ?c WHERE { ?c ex:out ?v . FILTER(?v > 1) }"
    consequent: "INSERT { ?c ex:flag true } WHERE { ?c ex:out ?v . }"
`
	e := newEngine(t, defs, map[string]string{"add_one.sh": addOneScript}, Config{})

	res, err := e.Solve(context.Background(),
		askTarget(t, `ASK { ?c ex:out 2 ; ex:flag true . }`),
		initialState(t, chainState), "run-rule")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)

	ok, _ := e.Store().Ask(`ASK { ex:C ex:out 2 ; ex:flag true . }`)
	assert.True(t, ok)

	fired, err := e.Store().Query(`SELECT ?s WHERE { ?s kce:eventKind kce:RuleFired ; kce:operationUri ex:R . }`)
	require.NoError(t, err)
	assert.Len(t, fired.Bindings, 1, "rule must fire exactly once")
}

// Scenario 3: rich output through _rdf_instructions with provenance.
func TestScenarioRdfInstructions(t *testing.T) {
	defs := `
definitions:
  - kind: AtomicNode
    id: ex:N2
    effects:
      - {kind: CreateEntity, property: ex:Panel}
      - {kind: AddLink, property: ex:hasPanel}
    invocation: {kind: SubprocessScript, script_path: make_panel.sh}
`
	e := newEngine(t, defs, map[string]string{"make_panel.sh": panelScript}, Config{})

	res, err := e.Solve(context.Background(),
		askTarget(t, `ASK { ?c ex:hasPanel ?p . ?p ex:width 400 . }`),
		initialState(t, chainState), "run-instr")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)

	ok, _ := e.Store().Ask(`ASK { ex:Panel1 a ex:Panel ; ex:width 400 ; ex:height 2200 . }`)
	assert.True(t, ok, "created entity triples missing")

	gen, err := e.Store().GetSingle(rdf.EX("Panel1"), rdf.PredWasGeneratedBy)
	require.NoError(t, err)
	require.NotNil(t, gen, "wasGeneratedBy missing on created entity")
	kind, err := e.Store().GetSingle(gen.Value, rdf.PredEventKind)
	require.NoError(t, err)
	require.NotNil(t, kind)
	assert.Equal(t, rdf.EventNodeSucceeded, kind.Value)
}

// Scenario 4: script failure surfaces as a failed run with stderr captured.
func TestScenarioScriptFailure(t *testing.T) {
	defs := `
definitions:
  - kind: AtomicNode
    id: ex:N3
    effects:
      - {kind: AssertProperty, property: ex:out}
    invocation: {kind: SubprocessScript, script_path: fail.sh}
`
	e := newEngine(t, defs, map[string]string{"fail.sh": failScript}, Config{})

	res, err := e.Solve(context.Background(), askTarget(t, `ASK { ?c ex:out 2 . }`),
		initialState(t, chainState), "run-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonScriptError, res.Reason)

	detail, err := e.Store().Query(`SELECT ?d WHERE { ?s kce:eventKind kce:NodeFailed ; rdfs:comment ?d . }`)
	require.NoError(t, err)
	require.Len(t, detail.Bindings, 1)
	assert.Contains(t, detail.Bindings[0]["d"].Value, "panel layout solver crashed")

	// No output triple may claim the failed execution generated it.
	ok, _ := e.Store().Ask(`ASK { ex:C ex:out ?v . }`)
	assert.False(t, ok)
}

// Scenario 5: an unreachable goal fails with NoProgress and zero executions.
func TestScenarioNoProgress(t *testing.T) {
	e := newEngine(t, chainDefs, map[string]string{"add_one.sh": addOneScript}, Config{})

	res, err := e.Solve(context.Background(),
		askTarget(t, `ASK { ?c ex:neverAsserted true . }`),
		initialState(t, chainState), "run-stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonPlanningFailure, res.Reason)
	assert.Equal(t, planner.ReasonNoProgress, res.Detail)

	started, err := e.Store().Query(`SELECT ?s WHERE { ?s kce:eventKind kce:NodeStarted . }`)
	require.NoError(t, err)
	assert.Empty(t, started.Bindings, "no node may execute")

	decisions, err := e.Store().Query(`SELECT ?s WHERE { ?s kce:eventKind kce:PlannerDecision . }`)
	require.NoError(t, err)
	assert.NotEmpty(t, decisions.Bindings)
}

// Scenario 6: cancellation mid-subprocess kills the script and fails the run.
func TestScenarioCancellation(t *testing.T) {
	defs := `
definitions:
  - kind: AtomicNode
    id: ex:Slow
    effects:
      - {kind: AssertProperty, property: ex:out}
    invocation: {kind: SubprocessScript, script_path: sleep.sh}
`
	e := newEngine(t, defs, map[string]string{"sleep.sh": sleepScript}, Config{})

	ctx := context.Background()
	done := make(chan *Result, 1)
	go func() {
		res, err := e.Solve(ctx, askTarget(t, `ASK { ?c ex:out 2 . }`),
			initialState(t, chainState), "run-cancel")
		if err != nil {
			t.Errorf("Solve returned error: %v", err)
		}
		done <- res
	}()

	time.Sleep(300 * time.Millisecond)
	start := time.Now()
	e.Cancel()

	select {
	case res := <-done:
		assert.Less(t, time.Since(start), 10*time.Second, "kill must land within the grace window")
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, ReasonCancelled, res.Reason)
	case <-time.After(30 * time.Second):
		t.Fatal("cancelled run did not finish")
	}

	ok, _ := e.Store().Ask(`ASK { ?s kce:eventKind kce:NodeFailed ; kce:operationUri ex:Slow . }`)
	assert.True(t, ok, "interrupted step must leave a NodeFailed state")
	ok, _ = e.Store().Ask(`ASK { ?r kce:runId "run-cancel" ; kce:status kce:Failed . }`)
	assert.True(t, ok)
}

// Run-level timeout behaves as cancellation.
func TestRunTimeout(t *testing.T) {
	defs := `
definitions:
  - kind: AtomicNode
    id: ex:Slow
    effects:
      - {kind: AssertProperty, property: ex:out}
    invocation: {kind: SubprocessScript, script_path: sleep.sh}
`
	e := newEngine(t, defs, map[string]string{"sleep.sh": sleepScript},
		Config{RunTimeout: 1 * time.Second})

	res, err := e.Solve(context.Background(), askTarget(t, `ASK { ?c ex:out 2 . }`),
		initialState(t, chainState), "run-timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
}

// Re-running a succeeded goal against a fresh store succeeds again.
func TestRerunReachesGoalAgain(t *testing.T) {
	for i := 0; i < 2; i++ {
		e := newEngine(t, chainDefs, map[string]string{"add_one.sh": addOneScript}, Config{})
		res, err := e.Solve(context.Background(), askTarget(t, `ASK { ?c ex:out 2 . }`),
			initialState(t, chainState), "")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.NotEmpty(t, res.RunID, "engine must mint a run id")
		e.Close()
	}
}

// Durable runs survive a process restart: reopening the same file shows the
// final graph and state chain.
func TestDurableRunSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kb.sqlite")
	defsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "add_one.sh"), []byte(addOneScript), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(defsDir, "defs.yaml"), []byte(chainDefs), 0644))

	e, err := New(Config{DBPath: dbPath, BlobRoot: filepath.Join(dir, "blobs")})
	require.NoError(t, err)
	_, err = e.LoadDefinitions(defsDir)
	require.NoError(t, err)
	res, err := e.Solve(context.Background(), askTarget(t, `ASK { ?c ex:out 2 . }`),
		initialState(t, chainState), "run-durable")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, res.Status)
	require.NoError(t, e.Close())

	e2, err := New(Config{DBPath: dbPath, BlobRoot: filepath.Join(dir, "blobs")})
	require.NoError(t, err)
	defer e2.Close()
	ok, err := e2.Store().Ask(`ASK { ex:C ex:out 2 . }`)
	require.NoError(t, err)
	assert.True(t, ok, "runtime state must survive reopen")
	ok, _ = e2.Store().Ask(`ASK { ?r kce:runId "run-durable" ; kce:status kce:Succeeded . }`)
	assert.True(t, ok)
}
