// Package rules evaluates the rule catalogue against the live graph. Rules
// fire in priority order (ties broken by URI) and a per-run fired-bindings
// cache guarantees each rule fires at most once per unique binding set, even
// when a consequent is not idempotent.
package rules

import (
	"fmt"

	"kce/internal/catalog"
	"kce/internal/logging"
	"kce/internal/prov"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

// RuleError reports a consequent that failed. Non-critical rule errors are
// recorded and skipped; critical ones abort the solve.
type RuleError struct {
	Rule     string
	Critical bool
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// GraphStore is the slice of the knowledge layer the rule engine needs.
type GraphStore interface {
	sparql.Graph
	Insert(triples []rdf.Triple) error
	Remove(triples []rdf.Triple) error
}

// Engine applies rules. One Engine is created per run so the fired-bindings
// cache has run scope.
type Engine struct {
	graph GraphStore
	fired map[string]map[string]bool // rule URI -> binding key -> fired
}

// NewEngine creates a rule engine over the graph.
func NewEngine(graph GraphStore) *Engine {
	return &Engine{graph: graph, fired: map[string]map[string]bool{}}
}

// Apply evaluates every rule once and returns how many (rule, binding) pairs
// fired. The provenance run may be nil in tests.
func (e *Engine) Apply(run *prov.Run) (int, error) {
	rules, err := catalog.ListRules(e.graph)
	if err != nil {
		return 0, fmt.Errorf("listing rules: %w", err)
	}
	total := 0
	for _, rule := range rules {
		n, err := e.ApplyRule(rule, run)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		logging.Rules("rule cycle fired %d binding sets", total)
	}
	return total, nil
}

// ApplyRule evaluates a single rule against the graph, firing its consequent
// for every binding set not already in the cache.
func (e *Engine) ApplyRule(rule *catalog.Rule, run *prov.Run) (int, error) {
	bindings, err := e.antecedentBindings(rule)
	if err != nil {
		return 0, &RuleError{Rule: rule.URI, Critical: rule.Critical, Err: err}
	}
	if len(bindings) == 0 {
		return 0, nil
	}

	cache := e.fired[rule.URI]
	if cache == nil {
		cache = map[string]bool{}
		e.fired[rule.URI] = cache
	}

	fired := 0
	var written []rdf.Triple
	for _, b := range bindings {
		key := sparql.BindingKey(b)
		if cache[key] {
			continue
		}
		delta, err := e.fireConsequent(rule, b)
		if err != nil {
			ruleErr := &RuleError{Rule: rule.URI, Critical: rule.Critical, Err: err}
			logging.Get(logging.CategoryRules).Warn("%v", ruleErr)
			if rule.Critical {
				return fired, ruleErr
			}
			// Cache the failed binding too: retrying an identical graph state
			// would fail identically.
			cache[key] = true
			continue
		}
		cache[key] = true
		fired++
		written = append(written, delta...)
		logging.RulesDebug("rule %s fired for %s", rule.URI, key)
	}

	if fired > 0 && run != nil {
		state, err := run.Emit(prov.Event{
			Kind:      rdf.EventRuleFired,
			Operation: rule.URI,
			Outputs:   map[string]interface{}{"bindings_fired": fired, "triples_written": len(written)},
		})
		if err != nil {
			return fired, err
		}
		if len(written) > 0 {
			if err := run.LinkGeneratedBy(written, state); err != nil {
				return fired, err
			}
		}
	}
	return fired, nil
}

// antecedentBindings runs the rule's antecedent. ASK antecedents yield one
// empty binding when true; SELECT antecedents yield their rows.
func (e *Engine) antecedentBindings(rule *catalog.Rule) ([]sparql.Binding, error) {
	q, err := sparql.ParseQuery(rule.Antecedent)
	if err != nil {
		return nil, fmt.Errorf("antecedent: %w", err)
	}
	switch q.Kind {
	case sparql.QueryAsk:
		ok, err := sparql.EvalAsk(e.graph, q)
		if err != nil {
			return nil, fmt.Errorf("antecedent: %w", err)
		}
		if !ok {
			return nil, nil
		}
		return []sparql.Binding{{}}, nil
	case sparql.QuerySelect:
		rows, err := sparql.EvalSelect(e.graph, q)
		if err != nil {
			return nil, fmt.Errorf("antecedent: %w", err)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("antecedent must be ASK or SELECT")
}

// fireConsequent executes the consequent under a binding and returns the
// triples it inserted.
func (e *Engine) fireConsequent(rule *catalog.Rule, b sparql.Binding) ([]rdf.Triple, error) {
	if u, err := sparql.ParseUpdate(rule.Consequent); err == nil {
		rec := &recordingStore{GraphStore: e.graph}
		if _, err := sparql.EvalUpdateWith(rec, u, b); err != nil {
			return nil, fmt.Errorf("consequent: %w", err)
		}
		return rec.inserted, nil
	}

	// CONSTRUCT consequent: merge the constructed graph.
	q, err := sparql.ParseQuery(rule.Consequent)
	if err != nil || q.Kind != sparql.QueryConstruct {
		return nil, fmt.Errorf("consequent is neither update nor CONSTRUCT")
	}
	triples, err := sparql.EvalConstruct(e.graph, q)
	if err != nil {
		return nil, fmt.Errorf("consequent: %w", err)
	}
	if err := e.graph.Insert(triples); err != nil {
		return nil, fmt.Errorf("consequent insert: %w", err)
	}
	return triples, nil
}

// recordingStore captures inserted triples for provenance attribution.
type recordingStore struct {
	GraphStore
	inserted []rdf.Triple
}

func (r *recordingStore) Insert(triples []rdf.Triple) error {
	if err := r.GraphStore.Insert(triples); err != nil {
		return err
	}
	r.inserted = append(r.inserted, triples...)
	return nil
}
