// Package executor runs plan operations: atomic nodes as external
// subprocesses honoring the JSON-stdout contract, SparqlUpdate nodes against
// the store, and rule steps via the rule engine. It is the only component
// that leaves the process boundary.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"kce/internal/catalog"
	"kce/internal/logging"
	"kce/internal/prov"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

const (
	defaultNodeTimeout = 60 * time.Second
	killGrace          = 5 * time.Second
	stderrTailLimit    = 8 << 10
)

// GraphStore is the slice of the knowledge layer the executor needs.
type GraphStore interface {
	sparql.Graph
	Insert(triples []rdf.Triple) error
	Remove(triples []rdf.Triple) error
	RemoveMatching(subject, predicate string) error
	GetSingle(subject, property string) (*rdf.Term, error)
	Reason() (int, error)
}

// NodeExecutor executes one AtomicNode at a time against an operating
// context.
type NodeExecutor struct {
	graph          GraphStore
	defaultTimeout time.Duration
}

// NewNodeExecutor creates a node executor. A zero defaultTimeout selects the
// 60 s contract default.
func NewNodeExecutor(graph GraphStore, defaultTimeout time.Duration) *NodeExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultNodeTimeout
	}
	return &NodeExecutor{graph: graph, defaultTimeout: defaultTimeout}
}

// resolvedInput pairs a declared parameter with its value at spawn time.
type resolvedInput struct {
	param catalog.Parameter
	term  *rdf.Term // nil when optional and absent
}

// Execute runs the node against operating context opCtx, records provenance,
// and applies the node's writes as one batch. The returned error is nil only
// when a NodeSucceeded state was recorded.
func (x *NodeExecutor) Execute(ctx context.Context, node *catalog.Node, opCtx string, run *prov.Run) error {
	timer := logging.StartTimer(logging.CategoryExec, "Execute "+node.URI)
	defer timer.Stop()

	if _, err := run.Emit(prov.Event{
		Kind:               rdf.EventNodeStarted,
		Operation:          node.URI,
		ExternalSideEffect: node.ExternalSideEffect,
	}); err != nil {
		return err
	}

	inputs, err := x.resolveInputs(node, opCtx)
	if err == nil {
		err = ctx.Err() // honor cancellation before spawning
	}
	var written []rdf.Triple
	var outputs map[string]interface{}
	if err == nil {
		switch node.Invocation.Kind {
		case catalog.InvokeSubprocessScript:
			outputs, err = x.invokeScript(ctx, node, inputs)
			if err == nil {
				written, err = x.applyOutputs(node, opCtx, outputs)
			}
		case catalog.InvokeSparqlUpdate:
			written, err = x.runSparqlUpdate(node)
		default:
			err = fmt.Errorf("node %s: unsupported invocation kind %q", node.URI, node.Invocation.Kind)
		}
	}

	if err != nil {
		if _, emitErr := run.Emit(prov.Event{
			Kind:               rdf.EventNodeFailed,
			Operation:          node.URI,
			Detail:             err.Error(),
			Inputs:             inputPayload(inputs),
			ExternalSideEffect: node.ExternalSideEffect,
		}); emitErr != nil {
			return emitErr
		}
		logging.ExecWarn("node %s failed: %v", node.URI, err)
		return err
	}

	state, err := run.Emit(prov.Event{
		Kind:               rdf.EventNodeSucceeded,
		Operation:          node.URI,
		Inputs:             inputPayload(inputs),
		Outputs:            outputs,
		ExternalSideEffect: node.ExternalSideEffect,
	})
	if err != nil {
		return err
	}
	if err := run.LinkUsed(state, inputTerms(inputs)); err != nil {
		return err
	}
	if len(written) > 0 {
		if err := run.LinkGeneratedBy(written, state); err != nil {
			return err
		}
	}

	// A CreateEntity effect means new individuals may need classification.
	for _, eff := range node.Effects {
		if eff.Kind == catalog.EffectCreateEntity {
			if _, err := x.graph.Reason(); err != nil {
				return err
			}
			break
		}
	}
	logging.Exec("node %s succeeded (%d triples written)", node.URI, len(written))
	return nil
}

// resolveInputs reads each declared input from the operating context in
// declared order.
func (x *NodeExecutor) resolveInputs(node *catalog.Node, opCtx string) ([]resolvedInput, error) {
	inputs := make([]resolvedInput, 0, len(node.Inputs))
	for _, p := range node.Inputs {
		term, err := x.graph.GetSingle(opCtx, p.Property)
		if err != nil {
			return nil, err
		}
		if term == nil && p.Required {
			return inputs, &MissingInputError{Node: node.URI, Param: p.Name, Property: p.Property, Ctx: opCtx}
		}
		inputs = append(inputs, resolvedInput{param: p, term: term})
	}
	return inputs, nil
}

// invokeScript spawns the node's subprocess and parses its stdout JSON.
func (x *NodeExecutor) invokeScript(ctx context.Context, node *catalog.Node, inputs []resolvedInput) (map[string]interface{}, error) {
	inv := node.Invocation
	timeout := x.defaultTimeout
	if inv.TimeoutSeconds > 0 {
		timeout = time.Duration(inv.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var argv []string
	var stdin string
	switch inv.ArgStyle {
	case catalog.ArgPositionalCLI:
		for _, in := range inputs {
			argv = append(argv, inputString(in.term))
		}
	case catalog.ArgStdinJSON:
		payload := map[string]interface{}{}
		for _, in := range inputs {
			if in.term != nil {
				payload[in.param.Name] = inputValue(*in.term)
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("node %s: marshaling stdin payload: %w", node.URI, err)
		}
		stdin = string(data)
	default: // NamedCLI
		for _, in := range inputs {
			if in.term != nil {
				argv = append(argv, "--"+in.param.Name, inputString(in.term))
			}
		}
	}

	cmd := exec.CommandContext(execCtx, inv.ScriptPath, argv...)
	cmd.Dir = filepath.Dir(inv.ScriptPath)
	cmd.Env = sanitizedEnv()
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Ask politely first; the kill arrives after the grace window.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	logging.ExecDebug("spawning %s %v (timeout %v)", inv.ScriptPath, argv, timeout)
	runErr := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Node: node.URI, Timeout: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ScriptError{
			Node:       node.URI,
			ExitCode:   exitCode,
			StderrTail: tail(stderr.Bytes(), stderrTailLimit),
			Err:        runErr,
		}
	}

	var outputs map[string]interface{}
	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, &ScriptError{
			Node:       node.URI,
			ExitCode:   0,
			StderrTail: tail(stderr.Bytes(), stderrTailLimit),
			Err:        fmt.Errorf("stdout is not a JSON object: %w", err),
		}
	}
	return outputs, nil
}

// runSparqlUpdate executes a SparqlUpdate node's command, capturing inserts
// for provenance.
func (x *NodeExecutor) runSparqlUpdate(node *catalog.Node) ([]rdf.Triple, error) {
	u, err := sparql.ParseUpdate(node.Invocation.UpdateCommand)
	if err != nil {
		return nil, fmt.Errorf("node %s: update command: %w", node.URI, err)
	}
	rec := &recordingGraph{GraphStore: x.graph}
	if _, err := sparql.EvalUpdateWith(rec, u, nil); err != nil {
		return nil, fmt.Errorf("node %s: update command: %w", node.URI, err)
	}
	return rec.inserted, nil
}

// applyOutputs turns the script's JSON object into one write batch: declared
// outputs first, then the explicit _rdf_instructions program.
func (x *NodeExecutor) applyOutputs(node *catalog.Node, opCtx string, outputs map[string]interface{}) ([]rdf.Triple, error) {
	declared := map[string]catalog.Parameter{}
	for _, p := range node.Outputs {
		declared[p.Name] = p
	}

	var batch []rdf.Triple
	type overwrite struct{ subject, predicate string }
	var overwrites []overwrite

	for key, value := range outputs {
		if key == "_rdf_instructions" {
			continue
		}
		p, ok := declared[key]
		if !ok {
			logging.ExecWarn("node %s: ignoring unknown output key %q", node.URI, key)
			continue
		}
		term, err := rdf.FromValueTyped(value, p.DataType)
		if err != nil {
			return nil, &ScriptError{Node: node.URI, Err: fmt.Errorf("output %q: %w", key, err)}
		}
		batch = append(batch, rdf.Triple{Subject: opCtx, Predicate: p.Property, Object: term})
	}

	if rawInstr, ok := outputs["_rdf_instructions"]; ok {
		instr, ok := rawInstr.(map[string]interface{})
		if !ok {
			return nil, &ScriptError{Node: node.URI, Err: fmt.Errorf("_rdf_instructions is not an object")}
		}
		instrTriples, instrOverwrites, err := parseInstructions(node.URI, instr)
		if err != nil {
			return nil, err
		}
		batch = append(batch, instrTriples...)
		for _, ow := range instrOverwrites {
			overwrites = append(overwrites, overwrite{subject: ow[0], predicate: ow[1]})
		}
	}

	// One batch: overwritten pairs are cleared, then everything is inserted.
	for _, ow := range overwrites {
		if err := x.graph.RemoveMatching(ow.subject, ow.predicate); err != nil {
			return nil, err
		}
	}
	if err := x.graph.Insert(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// parseInstructions handles the reserved _rdf_instructions program: the
// returned pairs are (subject, predicate) slots to clear before insertion.
func parseInstructions(nodeURI string, instr map[string]interface{}) ([]rdf.Triple, [][2]string, error) {
	var triples []rdf.Triple
	var overwrites [][2]string

	for key := range instr {
		switch key {
		case "create_entities", "update_entities", "add_links":
		default:
			logging.ExecWarn("node %s: ignoring unknown _rdf_instructions key %q", nodeURI, key)
		}
	}

	for i, raw := range asList(instr["create_entities"]) {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("create_entities[%d] is not an object", i)}
		}
		uri, _ := m["uri"].(string)
		typ, _ := m["type"].(string)
		if uri == "" || typ == "" {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("create_entities[%d] needs uri and type", i)}
		}
		subj := rdf.ExpandCURIE(uri)
		triples = append(triples, rdf.Triple{
			Subject: subj, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ExpandCURIE(typ)),
		})
		if props, ok := m["properties"].(map[string]interface{}); ok {
			for prop, val := range props {
				triples = append(triples, rdf.Triple{
					Subject: subj, Predicate: rdf.ExpandCURIE(prop), Object: rdf.FromValue(val),
				})
			}
		}
	}

	for i, raw := range asList(instr["update_entities"]) {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("update_entities[%d] is not an object", i)}
		}
		uri, _ := m["uri"].(string)
		if uri == "" {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("update_entities[%d] needs uri", i)}
		}
		subj := rdf.ExpandCURIE(uri)
		if props, ok := m["properties_to_set"].(map[string]interface{}); ok {
			for prop, val := range props {
				pred := rdf.ExpandCURIE(prop)
				overwrites = append(overwrites, [2]string{subj, pred})
				triples = append(triples, rdf.Triple{
					Subject: subj, Predicate: pred, Object: rdf.FromValue(val),
				})
			}
		}
	}

	for i, raw := range asList(instr["add_links"]) {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("add_links[%d] is not an object", i)}
		}
		subj, _ := m["subject"].(string)
		pred, _ := m["predicate"].(string)
		obj, _ := m["object"].(string)
		if subj == "" || pred == "" || obj == "" {
			return nil, nil, &ScriptError{Node: nodeURI, Err: fmt.Errorf("add_links[%d] needs subject, predicate and object", i)}
		}
		triples = append(triples, rdf.Triple{
			Subject:   rdf.ExpandCURIE(subj),
			Predicate: rdf.ExpandCURIE(pred),
			Object:    rdf.IRI(rdf.ExpandCURIE(obj)),
		})
	}
	return triples, overwrites, nil
}

func inputString(t *rdf.Term) string {
	if t == nil {
		return ""
	}
	return t.Value
}

func inputValue(t rdf.Term) interface{} {
	if t.IsIRI() {
		return t.Value
	}
	if v, ok := t.Int(); ok {
		return v
	}
	if v, ok := t.Numeric(); ok && t.Datatype != rdf.XSDString && t.Datatype != "" {
		return v
	}
	if v, ok := t.Bool(); ok {
		return v
	}
	return t.Value
}

func inputTerms(inputs []resolvedInput) []rdf.Term {
	var terms []rdf.Term
	for _, in := range inputs {
		if in.term != nil {
			terms = append(terms, *in.term)
		}
	}
	return terms
}

func inputPayload(inputs []resolvedInput) map[string]interface{} {
	payload := map[string]interface{}{}
	for _, in := range inputs {
		if in.term != nil {
			payload[in.param.Name] = inputValue(*in.term)
		} else {
			payload[in.param.Name] = nil
		}
	}
	return payload
}

// sanitizedEnv passes only the benign variables through to scripts.
func sanitizedEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func tail(b []byte, limit int) string {
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(b)
}

func asList(raw interface{}) []interface{} {
	if l, ok := raw.([]interface{}); ok {
		return l
	}
	return nil
}

// recordingGraph captures inserted triples for provenance attribution.
type recordingGraph struct {
	GraphStore
	inserted []rdf.Triple
}

func (r *recordingGraph) Insert(triples []rdf.Triple) error {
	if err := r.GraphStore.Insert(triples); err != nil {
		return err
	}
	r.inserted = append(r.inserted, triples...)
	return nil
}
