package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"kce/internal/logging"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

// GraphWriter is the slice of the knowledge layer the loader needs.
type GraphWriter interface {
	Insert(triples []rdf.Triple) error
	Reason() (int, error)
}

// Loader parses definition documents into catalogue triples.
type Loader struct {
	store GraphWriter

	// ScriptBase, when set, overrides the per-document base directory used to
	// resolve relative script paths.
	ScriptBase string
}

// NewLoader creates a loader writing into the given store.
func NewLoader(store GraphWriter) *Loader {
	return &Loader{store: store}
}

// LoadDir loads every *.yaml/*.yml document under dir (sorted for
// deterministic URI assignment), validates the whole set, then writes it and
// triggers reasoning. Any error aborts the load with nothing written.
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, defErr("", "cannot read definitions directory %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return 0, defErr("", "no definition documents in %s", dir)
	}

	seen := map[string]string{}
	var triples []rdf.Triple
	for _, f := range files {
		tr, err := l.parseFile(f, seen)
		if err != nil {
			return 0, err
		}
		triples = append(triples, tr...)
	}
	if err := l.store.Insert(triples); err != nil {
		return 0, fmt.Errorf("writing catalogue triples: %w", err)
	}
	if _, err := l.store.Reason(); err != nil {
		return 0, fmt.Errorf("post-load reasoning: %w", err)
	}
	logging.Catalog("loaded %d catalogue triples from %d documents", len(triples), len(files))
	return len(triples), nil
}

// LoadFile loads a single definition document, then triggers reasoning.
func (l *Loader) LoadFile(path string) (int, error) {
	triples, err := l.parseFile(path, map[string]string{})
	if err != nil {
		return 0, err
	}
	if err := l.store.Insert(triples); err != nil {
		return 0, fmt.Errorf("writing catalogue triples: %w", err)
	}
	if _, err := l.store.Reason(); err != nil {
		return 0, fmt.Errorf("post-load reasoning: %w", err)
	}
	return len(triples), nil
}

type document struct {
	Definitions []map[string]interface{} `yaml:"definitions"`
}

// parseFile validates one document and returns its triples. seen tracks URIs
// across the whole load for duplicate rejection.
func (l *Loader) parseFile(path string, seen map[string]string) ([]rdf.Triple, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, defErr("", "cannot read %s: %v", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, defErr("", "cannot parse %s: %v", path, err)
	}
	if len(doc.Definitions) == 0 {
		return nil, defErr("", "%s has no definitions list", path)
	}

	scriptBase := l.ScriptBase
	if scriptBase == "" {
		scriptBase = filepath.Dir(path)
	}

	var triples []rdf.Triple
	for i, item := range doc.Definitions {
		kindRaw, ok := item["kind"].(string)
		if !ok || kindRaw == "" {
			return nil, defErr("", "%s item %d is missing its kind discriminator", path, i+1)
		}
		id, _ := item["id"].(string)
		if id == "" {
			return nil, defErr("", "%s item %d (%s) is missing id", path, i+1, kindRaw)
		}
		uri := rdf.ExpandCURIE(id)
		if prev, dup := seen[uri]; dup {
			return nil, defErr(id, "duplicate URI also defined in %s", prev)
		}
		seen[uri] = path

		var tr []rdf.Triple
		switch kindRaw {
		case "AtomicNode":
			tr, err = parseNodeItem(item, uri, scriptBase)
		case "Rule":
			tr, err = parseRuleItem(item, uri)
		case "CapabilityTemplate":
			tr, err = parseCapabilityItem(item, uri)
		case "Workflow":
			tr, err = parseWorkflowItem(item, uri)
		default:
			return nil, defErr(id, "unknown kind %q", kindRaw)
		}
		if err != nil {
			return nil, err
		}
		triples = append(triples, tr...)
	}
	return triples, nil
}

var nodeFields = fieldSet("kind", "id", "label", "description", "inputs", "outputs",
	"preconditions", "effects", "invocation", "external_side_effect", "implements_capability")

func parseNodeItem(item map[string]interface{}, uri, scriptBase string) ([]rdf.Triple, error) {
	warnUnknown(uri, item, nodeFields)

	triples := []rdf.Triple{
		{Subject: uri, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassAtomicNode)},
	}
	triples = append(triples, metadataTriples(item, uri)...)

	inputs, err := parseParams(item["inputs"], uri, "input")
	if err != nil {
		return nil, err
	}
	for _, p := range inputs {
		triples = append(triples, paramTriples(uri, p, true)...)
	}
	outputs, err := parseParams(item["outputs"], uri, "output")
	if err != nil {
		return nil, err
	}
	for _, p := range outputs {
		triples = append(triples, paramTriples(uri, p, false)...)
	}

	for i, raw := range asList(item["preconditions"]) {
		text, ok := raw.(string)
		if !ok {
			return nil, defErr(uri, "precondition %d is not a string", i+1)
		}
		q, err := sparql.ParseQuery(text)
		if err != nil {
			return nil, defErr(uri, "precondition %d does not parse: %v", i+1, err)
		}
		if q.Kind != sparql.QueryAsk {
			return nil, defErr(uri, "precondition %d must be an ASK query", i+1)
		}
		if !strings.Contains(text, "?ctx") && !strings.Contains(text, "$ctx") {
			return nil, defErr(uri, "precondition %d does not reference ?ctx", i+1)
		}
		triples = append(triples, rdf.Triple{
			Subject: uri, Predicate: rdf.PredHasPrecondition, Object: rdf.String(text),
		})
	}

	outputNames := map[string]bool{}
	for _, o := range outputs {
		outputNames[o.Name] = true
	}
	for i, raw := range asList(item["effects"]) {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, defErr(uri, "effect %d is not a mapping", i+1)
		}
		eff, err := parseEffect(m, uri, i, outputNames)
		if err != nil {
			return nil, err
		}
		triples = append(triples, eff...)
	}

	inv, ok := item["invocation"].(map[string]interface{})
	if !ok {
		return nil, defErr(uri, "AtomicNode is missing its invocation specification")
	}
	invTriples, err := parseInvocation(inv, uri, scriptBase)
	if err != nil {
		return nil, err
	}
	triples = append(triples, invTriples...)

	if v, ok := item["external_side_effect"].(bool); ok && v {
		triples = append(triples, rdf.Triple{
			Subject: uri, Predicate: rdf.PredHasExternalSideEffect, Object: rdf.Boolean(true),
		})
	}

	if cap, ok := item["implements_capability"].(map[string]interface{}); ok {
		capID, _ := cap["capability"].(string)
		if capID == "" {
			return nil, defErr(uri, "implements_capability is missing the capability id")
		}
		triples = append(triples, rdf.Triple{
			Subject: uri, Predicate: rdf.PredImplementsCapability, Object: rdf.IRI(rdf.ExpandCURIE(capID)),
		})
		if mappings, ok := cap["mappings"].(map[string]interface{}); ok {
			for local, capName := range mappings {
				cn, _ := capName.(string)
				triples = append(triples, rdf.Triple{
					Subject:   uri,
					Predicate: rdf.PredMapsCapabilityName,
					Object:    rdf.String(local + "=" + cn),
				})
			}
		}
	}
	return triples, nil
}

var paramFields = fieldSet("name", "maps_to_rdf_property", "data_type", "is_required")

func parseParams(raw interface{}, nodeURI, direction string) ([]Parameter, error) {
	var params []Parameter
	names := map[string]bool{}
	for i, entry := range asList(raw) {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, defErr(nodeURI, "%s parameter %d is not a mapping", direction, i+1)
		}
		warnUnknown(nodeURI, m, paramFields)
		name, _ := m["name"].(string)
		if name == "" {
			return nil, defErr(nodeURI, "%s parameter %d is missing name", direction, i+1)
		}
		if names[name] {
			return nil, defErr(nodeURI, "duplicate %s parameter name %q", direction, name)
		}
		names[name] = true
		prop, _ := m["maps_to_rdf_property"].(string)
		if prop == "" {
			return nil, defErr(nodeURI, "%s parameter %q is missing maps_to_rdf_property", direction, name)
		}
		p := Parameter{
			URI:      nodeURI + "/" + direction + "/" + name,
			Name:     name,
			Property: rdf.ExpandCURIE(prop),
			Order:    i + 1,
		}
		if dt, ok := m["data_type"].(string); ok && dt != "" {
			if iri, known := rdf.XSDByName(dt); known {
				p.DataType = iri
			} else {
				p.DataType = rdf.ExpandCURIE(dt)
			}
		}
		if req, ok := m["is_required"].(bool); ok {
			p.Required = req
		}
		params = append(params, p)
	}
	return params, nil
}

func paramTriples(nodeURI string, p Parameter, input bool) []rdf.Triple {
	class, rel := rdf.ClassOutputParameter, rdf.PredHasOutputParameter
	if input {
		class, rel = rdf.ClassInputParameter, rdf.PredHasInputParameter
	}
	triples := []rdf.Triple{
		{Subject: nodeURI, Predicate: rel, Object: rdf.IRI(p.URI)},
		{Subject: p.URI, Predicate: rdf.PredType, Object: rdf.IRI(class)},
		{Subject: p.URI, Predicate: rdf.PredParameterName, Object: rdf.String(p.Name)},
		{Subject: p.URI, Predicate: rdf.PredParameterOrder, Object: rdf.Integer(int64(p.Order))},
		{Subject: p.URI, Predicate: rdf.PredMapsToRdfProperty, Object: rdf.IRI(p.Property)},
	}
	if p.DataType != "" {
		triples = append(triples, rdf.Triple{Subject: p.URI, Predicate: rdf.PredDataType, Object: rdf.IRI(p.DataType)})
	}
	if p.Required {
		triples = append(triples, rdf.Triple{Subject: p.URI, Predicate: rdf.PredIsRequired, Object: rdf.Boolean(true)})
	}
	return triples
}

var effectFields = fieldSet("kind", "on_entity", "property", "value_from_output")

func parseEffect(m map[string]interface{}, nodeURI string, idx int, outputNames map[string]bool) ([]rdf.Triple, error) {
	warnUnknown(nodeURI, m, effectFields)
	kindStr, _ := m["kind"].(string)
	switch EffectKind(kindStr) {
	case EffectAssertProperty, EffectCreateEntity, EffectAddLink:
	default:
		return nil, defErr(nodeURI, "effect %d has unknown kind %q", idx+1, kindStr)
	}

	effURI := fmt.Sprintf("%s/effect/%d", nodeURI, idx+1)
	triples := []rdf.Triple{
		{Subject: nodeURI, Predicate: rdf.PredHasEffect, Object: rdf.IRI(effURI)},
		{Subject: effURI, Predicate: rdf.PredEffectKind, Object: rdf.IRI(rdf.KCE(kindStr))},
	}

	onEntity, _ := m["on_entity"].(string)
	if onEntity == "" {
		onEntity = "ctx"
	}
	triples = append(triples, rdf.Triple{
		Subject: effURI, Predicate: rdf.PredEffectOnEntity, Object: entityTerm(onEntity),
	})

	prop, _ := m["property"].(string)
	if EffectKind(kindStr) != EffectCreateEntity && prop == "" {
		return nil, defErr(nodeURI, "effect %d (%s) requires a property", idx+1, kindStr)
	}
	if prop != "" {
		triples = append(triples, rdf.Triple{
			Subject: effURI, Predicate: rdf.PredEffectProperty, Object: rdf.IRI(rdf.ExpandCURIE(prop)),
		})
	}
	if from, ok := m["value_from_output"].(string); ok && from != "" {
		if !outputNames[from] {
			return nil, defErr(nodeURI, "effect %d references undeclared output %q", idx+1, from)
		}
		triples = append(triples, rdf.Triple{
			Subject: effURI, Predicate: rdf.PredEffectValueFrom, Object: rdf.String(from),
		})
	}
	return triples, nil
}

// entityTerm renders an effect's on_entity: the sentinel "ctx" stays a
// literal, anything else is a resource reference.
func entityTerm(s string) rdf.Term {
	if s == "ctx" {
		return rdf.String("ctx")
	}
	return rdf.IRI(rdf.ExpandCURIE(s))
}

var invocationFields = fieldSet("kind", "script_path", "argument_passing_style",
	"output_parsing_style", "update", "timeout_seconds")

func parseInvocation(m map[string]interface{}, nodeURI, scriptBase string) ([]rdf.Triple, error) {
	warnUnknown(nodeURI, m, invocationFields)
	specURI := nodeURI + "/invocation"
	kindStr, _ := m["kind"].(string)

	triples := []rdf.Triple{
		{Subject: nodeURI, Predicate: rdf.PredHasInvocationSpec, Object: rdf.IRI(specURI)},
		{Subject: specURI, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassInvocationSpec)},
	}

	switch InvocationKind(kindStr) {
	case InvokeSubprocessScript:
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredInvocationKind, Object: rdf.IRI(rdf.InvocationSubprocessScript),
		})
		rawPath, _ := m["script_path"].(string)
		if rawPath == "" {
			return nil, defErr(nodeURI, "SubprocessScript invocation is missing script_path")
		}
		abs := rawPath
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(scriptBase, rawPath)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return nil, defErr(nodeURI, "cannot resolve script path %q: %v", rawPath, err)
		}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			return nil, defErr(nodeURI, "script %s does not exist", abs)
		}
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredScriptPath, Object: rdf.String(abs),
		})

		style := ArgNamedCLI
		if s, ok := m["argument_passing_style"].(string); ok && s != "" {
			style = ArgStyle(s)
		}
		switch style {
		case ArgNamedCLI, ArgPositionalCLI, ArgStdinJSON:
		default:
			return nil, defErr(nodeURI, "unknown argument_passing_style %q", style)
		}
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredArgumentPassingStyle, Object: rdf.String(string(style)),
		})

		outStyle := "JSONStdout"
		if s, ok := m["output_parsing_style"].(string); ok && s != "" {
			outStyle = s
		}
		if outStyle != "JSONStdout" {
			return nil, defErr(nodeURI, "unsupported output_parsing_style %q", outStyle)
		}
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredOutputParsingStyle, Object: rdf.String(outStyle),
		})

	case InvokeSparqlUpdate:
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredInvocationKind, Object: rdf.IRI(rdf.InvocationSparqlUpdate),
		})
		cmd, _ := m["update"].(string)
		if cmd == "" {
			return nil, defErr(nodeURI, "SparqlUpdate invocation is missing its update command")
		}
		if _, err := sparql.ParseUpdate(cmd); err != nil {
			return nil, defErr(nodeURI, "update command does not parse: %v", err)
		}
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredUpdateCommand, Object: rdf.String(cmd),
		})

	default:
		return nil, defErr(nodeURI, "unknown invocation kind %q", kindStr)
	}

	if secs, ok := asInt(m["timeout_seconds"]); ok && secs > 0 {
		triples = append(triples, rdf.Triple{
			Subject: specURI, Predicate: rdf.PredNodeTimeoutSeconds, Object: rdf.Integer(secs),
		})
	}
	return triples, nil
}

var ruleFields = fieldSet("kind", "id", "label", "description", "antecedent", "consequent", "priority", "critical")

func parseRuleItem(item map[string]interface{}, uri string) ([]rdf.Triple, error) {
	warnUnknown(uri, item, ruleFields)

	antecedent, _ := item["antecedent"].(string)
	if antecedent == "" {
		return nil, defErr(uri, "rule is missing its antecedent")
	}
	if q, err := sparql.ParseQuery(antecedent); err != nil {
		return nil, defErr(uri, "antecedent does not parse: %v", err)
	} else if q.Kind == sparql.QueryConstruct {
		return nil, defErr(uri, "antecedent must be SELECT or ASK")
	}

	consequent, _ := item["consequent"].(string)
	if consequent == "" {
		return nil, defErr(uri, "rule is missing its consequent")
	}
	if _, err := sparql.ParseUpdate(consequent); err != nil {
		// CONSTRUCT consequents are also allowed: the result graph is merged.
		if q, qerr := sparql.ParseQuery(consequent); qerr != nil || q.Kind != sparql.QueryConstruct {
			return nil, defErr(uri, "consequent does not parse as update or CONSTRUCT: %v", err)
		}
	}

	triples := []rdf.Triple{
		{Subject: uri, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassRule)},
		{Subject: uri, Predicate: rdf.PredHasAntecedent, Object: rdf.String(antecedent)},
		{Subject: uri, Predicate: rdf.PredHasConsequent, Object: rdf.String(consequent)},
	}
	triples = append(triples, metadataTriples(item, uri)...)
	if prio, ok := asInt(item["priority"]); ok {
		triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredPriority, Object: rdf.Integer(prio)})
	}
	if crit, ok := item["critical"].(bool); ok && crit {
		triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredCritical, Object: rdf.Boolean(true)})
	}
	return triples, nil
}

var capabilityFields = fieldSet("kind", "id", "label", "description", "inputs", "outputs")

func parseCapabilityItem(item map[string]interface{}, uri string) ([]rdf.Triple, error) {
	warnUnknown(uri, item, capabilityFields)
	triples := []rdf.Triple{
		{Subject: uri, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassCapabilityTemplate)},
	}
	triples = append(triples, metadataTriples(item, uri)...)
	for _, in := range asList(item["inputs"]) {
		if s, ok := in.(string); ok {
			triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredCapabilityInput, Object: rdf.String(s)})
		}
	}
	for _, out := range asList(item["outputs"]) {
		if s, ok := out.(string); ok {
			triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredCapabilityOutput, Object: rdf.String(s)})
		}
	}
	return triples, nil
}

var workflowFields = fieldSet("kind", "id", "label", "description", "steps")
var stepFields = fieldSet("node", "order")

func parseWorkflowItem(item map[string]interface{}, uri string) ([]rdf.Triple, error) {
	warnUnknown(uri, item, workflowFields)
	steps := asList(item["steps"])
	if len(steps) == 0 {
		return nil, defErr(uri, "workflow has no steps")
	}
	triples := []rdf.Triple{
		{Subject: uri, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassWorkflow)},
	}
	triples = append(triples, metadataTriples(item, uri)...)
	for i, raw := range steps {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, defErr(uri, "step %d is not a mapping", i+1)
		}
		warnUnknown(uri, m, stepFields)
		nodeID, _ := m["node"].(string)
		if nodeID == "" {
			return nil, defErr(uri, "step %d is missing its node", i+1)
		}
		order := int64(i + 1)
		if o, ok := asInt(m["order"]); ok {
			order = o
		}
		stepURI := fmt.Sprintf("%s/step/%d", uri, i+1)
		triples = append(triples,
			rdf.Triple{Subject: uri, Predicate: rdf.PredHasStep, Object: rdf.IRI(stepURI)},
			rdf.Triple{Subject: stepURI, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ClassWorkflowStep)},
			rdf.Triple{Subject: stepURI, Predicate: rdf.PredExecutesNode, Object: rdf.IRI(rdf.ExpandCURIE(nodeID))},
			rdf.Triple{Subject: stepURI, Predicate: rdf.PredStepOrder, Object: rdf.Integer(order)},
		)
	}
	return triples, nil
}

func metadataTriples(item map[string]interface{}, uri string) []rdf.Triple {
	var triples []rdf.Triple
	if label, ok := item["label"].(string); ok && label != "" {
		triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredLabel, Object: rdf.String(label)})
	}
	if desc, ok := item["description"].(string); ok && desc != "" {
		triples = append(triples, rdf.Triple{Subject: uri, Predicate: rdf.PredDescription, Object: rdf.String(desc)})
	}
	return triples
}

func fieldSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func warnUnknown(item string, m map[string]interface{}, allowed map[string]bool) {
	for k := range m {
		if !allowed[k] {
			logging.CatalogWarn("%s: ignoring unknown field %q", item, k)
		}
	}
}

func asList(raw interface{}) []interface{} {
	if l, ok := raw.([]interface{}); ok {
		return l
	}
	return nil
}

func asInt(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
