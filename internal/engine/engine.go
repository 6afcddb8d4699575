// Package engine wires the kernel: store, reasoner, loader, rule engine,
// executors, provenance and planner, behind a single Config. One Engine owns
// one knowledge base; Solve drives one run at a time (the kernel loop is
// single-threaded by design).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kce/internal/catalog"
	"kce/internal/executor"
	"kce/internal/logging"
	"kce/internal/planner"
	"kce/internal/prov"
	"kce/internal/rdf"
	"kce/internal/reason"
	"kce/internal/rules"
	"kce/internal/store"
)

// Config carries all explicit engine configuration. Zero values select the
// documented defaults.
type Config struct {
	DBPath      string // ignored when InMemory
	InMemory    bool
	BlobRoot    string        // human-readable payload root; empty disables the sink
	ScriptBase  string        // optional override for relative script resolution
	NodeTimeout time.Duration // default 60s
	RunTimeout  time.Duration // 0 means unbounded
	DepthBudget int           // default 64
	Mode        planner.Mode  // default user
	Oracle      planner.Oracle
}

// Engine is the assembled kernel.
type Engine struct {
	cfg      Config
	store    *store.Store
	sink     *store.BlobSink
	loader   *catalog.Loader
	recorder *prov.Recorder

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight run, if any
}

// New opens the knowledge base and assembles the kernel.
func New(cfg Config) (*Engine, error) {
	path := cfg.DBPath
	if cfg.InMemory {
		path = ":memory:"
	}
	if path == "" {
		return nil, fmt.Errorf("engine: a database path or the in-memory flag is required")
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s.SetReasoner(reason.Closure)

	var sink *store.BlobSink
	if cfg.BlobRoot != "" {
		sink, err = store.NewBlobSink(cfg.BlobRoot)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	loader := catalog.NewLoader(s)
	loader.ScriptBase = cfg.ScriptBase

	logging.Boot("engine ready (db=%s)", path)
	return &Engine{
		cfg:      cfg,
		store:    s,
		sink:     sink,
		loader:   loader,
		recorder: prov.NewRecorder(s, sink),
	}, nil
}

// Close releases the knowledge base.
func (e *Engine) Close() error { return e.store.Close() }

// Store exposes the knowledge layer for queries and inspection.
func (e *Engine) Store() *store.Store { return e.store }

// Sink exposes the human-readable blob sink; nil when disabled.
func (e *Engine) Sink() *store.BlobSink { return e.sink }

// LoadDefinitions loads a catalogue directory.
func (e *Engine) LoadDefinitions(dir string) (int, error) {
	return e.loader.LoadDir(dir)
}

// SetMode overrides the planner mode and oracle for subsequent runs.
func (e *Engine) SetMode(mode planner.Mode, oracle planner.Oracle) {
	e.cfg.Mode = mode
	e.cfg.Oracle = oracle
}

// Cancel aborts the in-flight run, if any. Safe from any goroutine.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Status is the run outcome.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// Failure reasons surfaced at the run boundary.
const (
	ReasonPlanningFailure = "PlanningFailure"
	ReasonScriptError     = "ScriptError"
	ReasonMissingInput    = "MissingInputError"
	ReasonTimeout         = "TimeoutError"
	ReasonRuleError       = "RuleError"
	ReasonCancelled       = "Cancelled"
	ReasonInternal        = "InternalError"
)

// Result is the single value a run boundary surfaces.
type Result struct {
	RunID        string
	Status       Status
	Reason       string // empty on success
	Detail       string
	LastStateRef string
	Err          error // the underlying error, nil on success
}

// Solve merges the initial state under its context, then plans and executes
// until the goal holds or the run fails. Partial mutations are never rolled
// back.
func (e *Engine) Solve(ctx context.Context, target *catalog.Target, initial *catalog.InitialState, runID string) (*Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if initial == nil || initial.Context == "" {
		return nil, fmt.Errorf("engine: an initial state with a context is required")
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	if err := e.store.Insert(initial.Triples); err != nil {
		return nil, err
	}

	run, err := e.recorder.BeginRun(runID, target.Ask, initial.Context)
	if err != nil {
		return nil, err
	}

	ruleEngine := rules.NewEngine(e.store)
	nodeExec := executor.NewNodeExecutor(e.store, e.cfg.NodeTimeout)
	planExec := executor.NewPlanExecutor(e.store, nodeExec, ruleEngine)
	pl := planner.New(e.store, planExec, ruleEngine, e.cfg.Mode, e.cfg.DepthBudget, e.cfg.Oracle)

	solveErr := pl.Solve(runCtx, target, initial.Context, run)

	result := &Result{RunID: runID, LastStateRef: run.LastState()}
	if solveErr == nil {
		result.Status = StatusSucceeded
		if err := run.End(rdf.StatusSucceeded); err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Status = StatusFailed
	result.Err = solveErr
	result.Reason, result.Detail = classify(solveErr)
	if err := run.End(rdf.StatusFailed); err != nil {
		return nil, err
	}
	logging.Boot("run %s failed: %s (%s)", runID, result.Reason, result.Detail)
	return result, nil
}

// classify maps an error to the run-boundary failure taxonomy.
func classify(err error) (reason, detail string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled, err.Error()
	}
	var pf *planner.PlanningFailure
	if errors.As(err, &pf) {
		return ReasonPlanningFailure, pf.Reason
	}
	var te *executor.TimeoutError
	if errors.As(err, &te) {
		return ReasonTimeout, te.Error()
	}
	var mie *executor.MissingInputError
	if errors.As(err, &mie) {
		return ReasonMissingInput, mie.Error()
	}
	var se *executor.ScriptError
	if errors.As(err, &se) {
		return ReasonScriptError, se.Error()
	}
	var re *rules.RuleError
	if errors.As(err, &re) {
		return ReasonRuleError, re.Error()
	}
	return ReasonInternal, err.Error()
}
