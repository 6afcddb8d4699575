package executor

import (
	"context"
	"fmt"

	"kce/internal/catalog"
	"kce/internal/logging"
	"kce/internal/prov"
	"kce/internal/rules"
)

// OpKind discriminates plan operations. The set is closed in the core.
type OpKind string

const (
	OpNode OpKind = "Node"
	OpRule OpKind = "Rule"
)

// Operation is one plan step.
type Operation struct {
	Kind OpKind
	URI  string
}

// PlanExecutor drives an ordered operation list. Failures stop execution and
// are tagged with the offending step; partial graph mutations stay as
// evidence.
type PlanExecutor struct {
	graph GraphStore
	nodes *NodeExecutor
	rules *rules.Engine
}

// NewPlanExecutor wires a plan executor over shared components.
func NewPlanExecutor(graph GraphStore, nodes *NodeExecutor, ruleEngine *rules.Engine) *PlanExecutor {
	return &PlanExecutor{graph: graph, nodes: nodes, rules: ruleEngine}
}

// Execute runs the operations in order against the operating context.
func (p *PlanExecutor) Execute(ctx context.Context, ops []Operation, opCtx string, run *prov.Run) error {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return &StepError{Index: i, Op: op, Err: err}
		}
		logging.Exec("plan step %d/%d: %s <%s>", i+1, len(ops), op.Kind, op.URI)

		var err error
		switch op.Kind {
		case OpNode:
			var node *catalog.Node
			node, err = catalog.ReadNode(p.graph, op.URI)
			if err == nil {
				err = p.nodes.Execute(ctx, node, opCtx, run)
			}
		case OpRule:
			var rule *catalog.Rule
			rule, err = catalog.ReadRule(p.graph, op.URI)
			if err == nil {
				_, err = p.rules.ApplyRule(rule, run)
			}
		default:
			err = fmt.Errorf("unsupported operation kind %q", op.Kind)
		}
		if err != nil {
			return &StepError{Index: i, Op: op, Err: err}
		}
	}
	return nil
}
