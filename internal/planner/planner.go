// Package planner runs the goal-directed search with continuous replanning.
// Each iteration re-reads the live graph: evaluate the goal, fire rules,
// compute the frontier, execute one operation, repeat. The planner is
// authoritative; a loaded Workflow only biases tie-breaks.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"kce/internal/catalog"
	"kce/internal/executor"
	"kce/internal/logging"
	"kce/internal/prov"
	"kce/internal/rdf"
	"kce/internal/rules"
	"kce/internal/sparql"
)

// Failure reasons.
const (
	ReasonNoProgress     = "NoProgress"
	ReasonDepthExhausted = "DepthExhausted"
	ReasonRevisitedState = "RevisitedState"
)

// PlanningFailure ends a run that cannot reach its goal.
type PlanningFailure struct {
	Reason string
	Detail string
}

func (e *PlanningFailure) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("planning failure (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("planning failure (%s)", e.Reason)
}

// Mode selects planner interactivity.
type Mode string

const (
	ModeUser   Mode = "user"
	ModeExpert Mode = "expert"
)

// Oracle resolves candidate ties in expert mode. It receives the tied
// candidate URIs and a best-effort snapshot of the operating context.
type Oracle func(candidates []string, snapshot []rdf.Triple) (string, error)

// defaultOracle picks the first candidate deterministically.
func defaultOracle(candidates []string, _ []rdf.Triple) (string, error) {
	return candidates[0], nil
}

// GraphStore is the slice of the knowledge layer the planner reads.
type GraphStore interface {
	sparql.Graph
	Reason() (int, error)
}

// Planner drives one run toward its goal.
type Planner struct {
	graph       GraphStore
	plan        *executor.PlanExecutor
	rules       *rules.Engine
	oracle      Oracle
	mode        Mode
	depthBudget int

	executedWorkflowSteps map[string]int // workflow URI -> next step index
}

// New creates a planner. depthBudget <= 0 selects the default of 64.
func New(graph GraphStore, plan *executor.PlanExecutor, ruleEngine *rules.Engine, mode Mode, depthBudget int, oracle Oracle) *Planner {
	if depthBudget <= 0 {
		depthBudget = 64
	}
	if oracle == nil {
		oracle = defaultOracle
	}
	if mode == "" {
		mode = ModeUser
	}
	return &Planner{
		graph:                 graph,
		plan:                  plan,
		rules:                 ruleEngine,
		oracle:                oracle,
		mode:                  mode,
		depthBudget:           depthBudget,
		executedWorkflowSteps: map[string]int{},
	}
}

// Solve runs the main loop until the goal holds or no progress is possible.
// On success nil is returned and a GoalReached state is recorded.
func (p *Planner) Solve(ctx context.Context, target *catalog.Target, opCtx string, run *prov.Run) error {
	if _, err := p.graph.Reason(); err != nil {
		return err
	}

	steps := 0
	failedForState := map[uint64]map[string]bool{}
	var lastOpErr error // most recent operation failure, surfaced if we give up
	// Iteration cap: rules and failed attempts do not consume depth, so a
	// separate guard bounds the loop itself.
	maxIterations := p.depthBudget*4 + 16

	for iter := 0; iter < maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := target.Holds(p.graph)
		if err != nil {
			return err
		}
		if ok {
			_, err := run.Emit(prov.Event{
				Kind:    rdf.EventGoalReached,
				Detail:  "goal ASK satisfied",
				Outputs: map[string]interface{}{"steps_executed": steps},
			})
			logging.Planner("goal reached after %d steps", steps)
			return err
		}

		fired, err := p.rules.Apply(run)
		if err != nil {
			var re *rules.RuleError
			if errors.As(err, &re) && re.Critical {
				return err
			}
			logging.Get(logging.CategoryPlanner).Warn("rule cycle: %v", err)
		}
		if fired > 0 {
			continue // rules changed the graph; re-evaluate the goal first
		}

		if steps >= p.depthBudget {
			_, _ = run.Emit(prov.Event{
				Kind:   rdf.EventPlannerDecision,
				Detail: fmt.Sprintf("depth budget %d exhausted", p.depthBudget),
			})
			return &PlanningFailure{
				Reason: ReasonDepthExhausted,
				Detail: fmt.Sprintf("%d steps executed", steps),
			}
		}

		hash, err := p.stateHash(target, opCtx)
		if err != nil {
			return err
		}
		excluded := failedForState[hash]

		candidates, err := p.frontier(target, opCtx, excluded)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			_, emitErr := run.Emit(prov.Event{
				Kind:   rdf.EventPlannerDecision,
				Detail: "no executable contributive node (NoProgress)",
			})
			if emitErr != nil {
				return emitErr
			}
			if lastOpErr != nil {
				// The frontier only dried up because operations failed;
				// surface the operational cause, not a planning one.
				return lastOpErr
			}
			return &PlanningFailure{Reason: ReasonNoProgress}
		}

		chosen, err := p.choose(candidates, opCtx)
		if err != nil {
			return err
		}
		logging.Planner("iteration %d: executing <%s> (frontier %d)", iter, chosen, len(candidates))

		op := executor.Operation{Kind: executor.OpNode, URI: chosen}
		execErr := p.plan.Execute(ctx, []executor.Operation{op}, opCtx, run)
		if execErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Record the decision, mark the operation non-productive for this
			// state, and try alternatives.
			if _, err := run.Emit(prov.Event{
				Kind:      rdf.EventPlannerDecision,
				Operation: chosen,
				Detail:    fmt.Sprintf("operation failed, excluded for this state: %v", execErr),
			}); err != nil {
				return err
			}
			markFailed(failedForState, hash, chosen)
			lastOpErr = execErr
			continue
		}

		steps++
		p.advanceWorkflowCursor(chosen)

		newHash, err := p.stateHash(target, opCtx)
		if err != nil {
			return err
		}
		if newHash == hash {
			// The operation succeeded without visible change; revisiting the
			// same state with it again would loop.
			markFailed(failedForState, hash, chosen)
			if _, err := run.Emit(prov.Event{
				Kind:      rdf.EventPlannerDecision,
				Operation: chosen,
				Detail:    "operation produced no goal-relevant change",
			}); err != nil {
				return err
			}
			if len(failedForState[hash]) >= len(candidates) {
				return &PlanningFailure{
					Reason: ReasonRevisitedState,
					Detail: "all frontier operations are non-productive for this state",
				}
			}
		}
	}
	return &PlanningFailure{Reason: ReasonDepthExhausted, Detail: "iteration guard tripped"}
}

func markFailed(m map[uint64]map[string]bool, hash uint64, op string) {
	set := m[hash]
	if set == nil {
		set = map[string]bool{}
		m[hash] = set
	}
	set[op] = true
}

// choose applies the tie-break order: explicit workflow step, newly satisfied
// goal atoms, URI. Expert mode consults the oracle when the top remains tied.
func (p *Planner) choose(candidates []candidate, opCtx string) (string, error) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].workflowRank != candidates[j].workflowRank {
			return candidates[i].workflowRank < candidates[j].workflowRank
		}
		if candidates[i].newlySatisfied != candidates[j].newlySatisfied {
			return candidates[i].newlySatisfied > candidates[j].newlySatisfied
		}
		return candidates[i].uri < candidates[j].uri
	})

	top := []string{candidates[0].uri}
	for _, c := range candidates[1:] {
		if c.workflowRank == candidates[0].workflowRank && c.newlySatisfied == candidates[0].newlySatisfied {
			top = append(top, c.uri)
		}
	}
	if p.mode == ModeExpert && len(top) > 1 {
		snapshot, err := p.graph.Match(&opCtx, nil, nil)
		if err != nil {
			snapshot = nil
		}
		choice, err := p.oracle(top, snapshot)
		if err != nil {
			return "", fmt.Errorf("expert oracle: %w", err)
		}
		for _, uri := range top {
			if uri == choice {
				return choice, nil
			}
		}
		return "", fmt.Errorf("expert oracle chose %q which is not a candidate", choice)
	}
	return top[0], nil
}

// advanceWorkflowCursor moves the per-workflow step cursor past an executed
// node so workflow preference tracks progress.
func (p *Planner) advanceWorkflowCursor(executed string) {
	wfs, err := catalog.ListWorkflows(p.graph)
	if err != nil {
		return
	}
	for _, wfURI := range wfs {
		wf, err := catalog.ReadWorkflow(p.graph, wfURI)
		if err != nil {
			continue
		}
		next := p.executedWorkflowSteps[wfURI]
		if next < len(wf.Steps) && wf.Steps[next].Node == executed {
			p.executedWorkflowSteps[wfURI] = next + 1
		}
	}
}
