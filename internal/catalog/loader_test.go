package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kce/internal/rdf"
	"kce/internal/store"
)

const defsDoc = `
definitions:
  - kind: AtomicNode
    id: ex:AddOne
    label: Add one
    inputs:
      - name: x
        maps_to_rdf_property: ex:in
        data_type: integer
        is_required: true
    outputs:
      - name: result
        maps_to_rdf_property: ex:out
        data_type: integer
    preconditions:
      - "ASK { ?ctx ex:in ?v . }"
    effects:
      - kind: AssertProperty
        property: ex:out
        value_from_output: result
    invocation:
      kind: SubprocessScript
      script_path: scripts/add_one.sh
      argument_passing_style: NamedCLI
  - kind: Rule
    id: ex:FlagRule
    antecedent: "SELECT ?c WHERE { ?c ex:out ?v . FILTER(?v > 1) }"
    consequent: "INSERT { ?c ex:flag true } WHERE { ?c ex:out ?v . }"
    priority: 5
  - kind: CapabilityTemplate
    id: ex:Increment
    inputs: [value]
    outputs: [result]
  - kind: Workflow
    id: ex:Main
    steps:
      - node: ex:AddOne
        order: 1
`

func writeDefs(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := filepath.Join(dir, "scripts", "add_one.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho '{}'\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "defs.yaml"), []byte(doc), 0644); err != nil {
		t.Fatalf("write defs: %v", err)
	}
	return dir
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadDirAndReadBack(t *testing.T) {
	dir := writeDefs(t, defsDoc)
	s := openStore(t)

	n, err := NewLoader(s).LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n == 0 {
		t.Fatal("no triples loaded")
	}

	nodes, err := ListNodes(s)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("ListNodes = %v, %v", nodes, err)
	}
	node, err := ReadNode(s, nodes[0])
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if node.Label != "Add one" {
		t.Errorf("label = %q", node.Label)
	}
	if len(node.Inputs) != 1 || node.Inputs[0].Name != "x" || !node.Inputs[0].Required {
		t.Errorf("inputs = %+v", node.Inputs)
	}
	if node.Inputs[0].Property != rdf.EX("in") || node.Inputs[0].DataType != rdf.XSDInteger {
		t.Errorf("input mapping = %+v", node.Inputs[0])
	}
	if len(node.Outputs) != 1 || node.Outputs[0].Name != "result" {
		t.Errorf("outputs = %+v", node.Outputs)
	}
	if len(node.Preconditions) != 1 {
		t.Errorf("preconditions = %v", node.Preconditions)
	}
	if len(node.Effects) != 1 || node.Effects[0].Kind != EffectAssertProperty ||
		node.Effects[0].Property != rdf.EX("out") || node.Effects[0].ValueFromOutput != "result" {
		t.Errorf("effects = %+v", node.Effects)
	}
	if node.Invocation.Kind != InvokeSubprocessScript || node.Invocation.ArgStyle != ArgNamedCLI {
		t.Errorf("invocation = %+v", node.Invocation)
	}
	if !filepath.IsAbs(node.Invocation.ScriptPath) {
		t.Errorf("script path not absolute: %s", node.Invocation.ScriptPath)
	}

	rules, err := ListRules(s)
	if err != nil || len(rules) != 1 {
		t.Fatalf("ListRules = %v, %v", rules, err)
	}
	if rules[0].Priority != 5 || rules[0].Critical {
		t.Errorf("rule = %+v", rules[0])
	}

	wfs, err := ListWorkflows(s)
	if err != nil || len(wfs) != 1 {
		t.Fatalf("ListWorkflows = %v, %v", wfs, err)
	}
	wf, err := ReadWorkflow(s, wfs[0])
	if err != nil {
		t.Fatalf("ReadWorkflow: %v", err)
	}
	if len(wf.Steps) != 1 || wf.Steps[0].Node != rdf.EX("AddOne") {
		t.Errorf("workflow steps = %+v", wf.Steps)
	}
}

func TestLoadTwiceIsIdentical(t *testing.T) {
	dir := writeDefs(t, defsDoc)

	s1 := openStore(t)
	if _, err := NewLoader(s1).LoadDir(dir); err != nil {
		t.Fatalf("first load: %v", err)
	}
	s2 := openStore(t)
	if _, err := NewLoader(s2).LoadDir(dir); err != nil {
		t.Fatalf("second load: %v", err)
	}

	t1, _ := s1.Match(nil, nil, nil)
	t2, _ := s2.Match(nil, nil, nil)
	if len(t1) != len(t2) {
		t.Fatalf("loads differ: %d vs %d triples", len(t1), len(t2))
	}
	seen := map[string]bool{}
	for _, tr := range t1 {
		seen[tr.String()] = true
	}
	for _, tr := range t2 {
		if !seen[tr.String()] {
			t.Errorf("second load produced extra triple %s", tr)
		}
	}
}

func TestLoadRejectsMissingScript(t *testing.T) {
	dir := writeDefs(t, defsDoc)
	os.Remove(filepath.Join(dir, "scripts", "add_one.sh"))
	s := openStore(t)

	_, err := NewLoader(s).LoadDir(dir)
	var de *DefinitionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DefinitionError, got %v", err)
	}
	if n, _ := s.Len(); n != 0 {
		t.Errorf("aborted load left %d triples behind", n)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	doc := "definitions:\n  - kind: Sorcery\n    id: ex:Nope\n"
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err == nil {
		t.Fatal("unknown kind should abort the load")
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	doc := `
definitions:
  - kind: CapabilityTemplate
    id: ex:Twice
  - kind: CapabilityTemplate
    id: ex:Twice
`
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err == nil {
		t.Fatal("duplicate id should abort the load")
	}
}

func TestLoadRejectsBadSparql(t *testing.T) {
	doc := `
definitions:
  - kind: Rule
    id: ex:Broken
    antecedent: "SELECT WHERE chaos {"
    consequent: "INSERT DATA { ex:a ex:b ex:c . }"
`
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err == nil {
		t.Fatal("unparsable antecedent should abort the load")
	}
}

func TestLoadRejectsPreconditionWithoutCtx(t *testing.T) {
	doc := `
definitions:
  - kind: AtomicNode
    id: ex:NoCtx
    preconditions:
      - "ASK { ?x ex:in ?v . }"
    invocation:
      kind: SubprocessScript
      script_path: scripts/add_one.sh
`
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err == nil {
		t.Fatal("precondition without ?ctx should abort the load")
	}
}

func TestSparqlUpdateInvocation(t *testing.T) {
	doc := `
definitions:
  - kind: AtomicNode
    id: ex:Stamp
    effects:
      - kind: AssertProperty
        property: ex:stamped
    invocation:
      kind: SparqlUpdate
      update: "INSERT DATA { ex:C ex:stamped true . }"
`
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	node, err := ReadNode(s, rdf.EX("Stamp"))
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if node.Invocation.Kind != InvokeSparqlUpdate || node.Invocation.UpdateCommand == "" {
		t.Errorf("invocation = %+v", node.Invocation)
	}
}

func TestNodesImplementing(t *testing.T) {
	doc := `
definitions:
  - kind: CapabilityTemplate
    id: ex:Increment
    inputs: [value]
    outputs: [result]
  - kind: AtomicNode
    id: ex:AddOne
    implements_capability:
      capability: ex:Increment
      mappings:
        x: value
        result: result
    invocation:
      kind: SubprocessScript
      script_path: scripts/add_one.sh
`
	dir := writeDefs(t, doc)
	s := openStore(t)
	if _, err := NewLoader(s).LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	nodes, err := NodesImplementing(s, rdf.EX("Increment"))
	if err != nil || len(nodes) != 1 || nodes[0] != rdf.EX("AddOne") {
		t.Errorf("NodesImplementing = %v, %v", nodes, err)
	}
}
