package planner

import (
	"kce/internal/catalog"
	"kce/internal/logging"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

// candidate is a frontier member with its tie-break scores.
type candidate struct {
	uri            string
	workflowRank   int // position in a loaded workflow's remaining steps; large when absent
	newlySatisfied int // unsatisfied goal atoms an effect could satisfy
}

const noWorkflowRank = 1 << 20

// frontier computes the executable, contributive nodes for the current
// state. Excluded operations (non-productive for this state hash) are
// skipped. Nodes without declared effects are opaque: they only enter the
// frontier as the next step of a loaded workflow.
func (p *Planner) frontier(target *catalog.Target, opCtx string, excluded map[string]bool) ([]candidate, error) {
	nodeURIs, err := catalog.ListNodes(p.graph)
	if err != nil {
		return nil, err
	}

	goalProps, goalClasses := goalVocabulary(target.Query())
	unsat, err := p.unsatisfiedGoalAtoms(target.Query(), opCtx)
	if err != nil {
		return nil, err
	}

	type nodeInfo struct {
		node    *catalog.Node
		ready   bool
		precond []string
	}
	infos := make([]nodeInfo, 0, len(nodeURIs))
	for _, uri := range nodeURIs {
		node, err := catalog.ReadNode(p.graph, uri)
		if err != nil {
			return nil, err
		}
		ready, err := p.preconditionsHold(node, opCtx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, nodeInfo{node: node, ready: ready, precond: node.Preconditions})
	}

	// Regression fixpoint: a property is relevant if the goal mentions it, or
	// if it appears in any precondition of a node that is itself
	// relevant-but-unready.
	relevantProps := map[string]bool{}
	for prop := range goalProps {
		relevantProps[prop] = true
	}
	relevantClasses := map[string]bool{}
	for class := range goalClasses {
		relevantClasses[class] = true
	}
	for changed := true; changed; {
		changed = false
		for _, info := range infos {
			if info.ready || !contributes(info.node, relevantProps, relevantClasses) {
				continue
			}
			for _, pre := range info.precond {
				props, classes := queryVocabulary(pre)
				for prop := range props {
					if !relevantProps[prop] {
						relevantProps[prop] = true
						changed = true
					}
				}
				for class := range classes {
					if !relevantClasses[class] {
						relevantClasses[class] = true
						changed = true
					}
				}
			}
		}
	}

	nextWorkflowNodes, err := p.nextWorkflowNodes()
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, info := range infos {
		uri := info.node.URI
		if excluded[uri] || !info.ready {
			continue
		}
		rank, inWorkflow := nextWorkflowNodes[uri]
		if len(info.node.Effects) == 0 {
			// Opaque node: never guess intent; only a workflow may select it.
			if !inWorkflow {
				continue
			}
		} else if !contributes(info.node, relevantProps, relevantClasses) {
			continue
		}
		if !inWorkflow {
			rank = noWorkflowRank
		}
		out = append(out, candidate{
			uri:            uri,
			workflowRank:   rank,
			newlySatisfied: countNewlySatisfied(info.node, unsat),
		})
	}
	logging.PlannerDebug("frontier: %d of %d nodes", len(out), len(infos))
	return out, nil
}

// preconditionsHold evaluates every precondition ASK with ?ctx bound.
func (p *Planner) preconditionsHold(node *catalog.Node, opCtx string) (bool, error) {
	for _, pre := range node.Preconditions {
		q, err := sparql.ParseQuery(pre)
		if err != nil {
			// Loader-validated text; a failure here means catalogue damage.
			return false, err
		}
		ok, err := sparql.EvalAskWith(p.graph, q, sparql.Binding{"ctx": rdf.IRI(opCtx)})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// contributes reports whether any declared effect touches the relevant
// vocabulary.
func contributes(node *catalog.Node, relevantProps, relevantClasses map[string]bool) bool {
	for _, eff := range node.Effects {
		switch eff.Kind {
		case catalog.EffectCreateEntity:
			// A created entity contributes when its class is goal-relevant,
			// or, when the effect names no class, whenever any class is relevant.
			if eff.Property != "" && relevantClasses[eff.Property] {
				return true
			}
			if eff.Property == "" && len(relevantClasses) > 0 {
				return true
			}
		default:
			if relevantProps[eff.Property] {
				return true
			}
		}
	}
	return false
}

// unsatisfiedGoalAtoms returns the goal's triple patterns with no current
// match under ?ctx.
func (p *Planner) unsatisfiedGoalAtoms(q *sparql.Query, opCtx string) ([]sparql.TriplePattern, error) {
	init := sparql.Binding{"ctx": rdf.IRI(opCtx)}
	var unsat []sparql.TriplePattern
	for _, tp := range q.Where {
		ok, err := sparql.PatternSatisfied(p.graph, tp, init)
		if err != nil {
			return nil, err
		}
		if !ok {
			unsat = append(unsat, tp)
		}
	}
	return unsat, nil
}

// countNewlySatisfied counts unsatisfied goal atoms whose predicate an effect
// could assert.
func countNewlySatisfied(node *catalog.Node, unsat []sparql.TriplePattern) int {
	count := 0
	for _, tp := range unsat {
		if tp.P.IsVar {
			continue
		}
		pred := tp.P.Term.Value
		for _, eff := range node.Effects {
			if eff.Kind == catalog.EffectCreateEntity {
				if pred == rdf.PredType {
					count++
					break
				}
				continue
			}
			if eff.Property == pred {
				count++
				break
			}
		}
	}
	return count
}

// nextWorkflowNodes maps node URI -> preference rank for the next unexecuted
// step of each loaded workflow.
func (p *Planner) nextWorkflowNodes() (map[string]int, error) {
	wfs, err := catalog.ListWorkflows(p.graph)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, wfURI := range wfs {
		wf, err := catalog.ReadWorkflow(p.graph, wfURI)
		if err != nil {
			return nil, err
		}
		next := p.executedWorkflowSteps[wfURI]
		if next < len(wf.Steps) {
			node := wf.Steps[next].Node
			if _, exists := out[node]; !exists {
				out[node] = next
			}
		}
	}
	return out, nil
}

// goalVocabulary extracts the ground predicates and rdf:type classes a goal
// query mentions.
func goalVocabulary(q *sparql.Query) (map[string]bool, map[string]bool) {
	props := map[string]bool{}
	classes := map[string]bool{}
	for _, tp := range q.Where {
		if tp.P.IsVar {
			continue
		}
		pred := tp.P.Term.Value
		if pred == rdf.PredType {
			if !tp.O.IsVar && tp.O.Term.IsIRI() {
				classes[tp.O.Term.Value] = true
			}
			continue
		}
		props[pred] = true
	}
	return props, classes
}

// queryVocabulary extracts vocabulary from precondition text. Parse failures
// yield nothing; the loader already rejected unparsable text.
func queryVocabulary(text string) (map[string]bool, map[string]bool) {
	q, err := sparql.ParseQuery(text)
	if err != nil {
		return nil, nil
	}
	return goalVocabulary(q)
}
