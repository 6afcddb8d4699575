package catalog

import (
	"sort"
	"strings"

	"kce/internal/rdf"
	"kce/internal/sparql"
)

// The read side: typed accessors over the knowledge layer. Callers pass the
// graph view; nothing here caches, so readers always see the live graph.

// ListNodes returns the URIs of every AtomicNode, lexically sorted.
func ListNodes(g sparql.Graph) ([]string, error) {
	return subjectsOfType(g, rdf.ClassAtomicNode)
}

// ListRuleURIs returns the URIs of every Rule, lexically sorted.
func ListRuleURIs(g sparql.Graph) ([]string, error) {
	return subjectsOfType(g, rdf.ClassRule)
}

// ListWorkflows returns the URIs of every Workflow, lexically sorted.
func ListWorkflows(g sparql.Graph) ([]string, error) {
	return subjectsOfType(g, rdf.ClassWorkflow)
}

func subjectsOfType(g sparql.Graph, class string) ([]string, error) {
	p := rdf.PredType
	o := rdf.IRI(class)
	matches, err := g.Match(nil, &p, &o)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range matches {
		if !seen[t.Subject] {
			seen[t.Subject] = true
			out = append(out, t.Subject)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadNode materializes an AtomicNode definition from the graph.
func ReadNode(g sparql.Graph, uri string) (*Node, error) {
	props, err := subjectProperties(g, uri)
	if err != nil {
		return nil, err
	}
	if !hasType(props, rdf.ClassAtomicNode) {
		return nil, defErr(uri, "not an AtomicNode")
	}

	n := &Node{URI: uri}
	n.Label = firstString(props[rdf.PredLabel])
	for _, t := range props[rdf.PredHasPrecondition] {
		n.Preconditions = append(n.Preconditions, t.Value)
	}
	sort.Strings(n.Preconditions)
	if b, ok := firstBool(props[rdf.PredHasExternalSideEffect]); ok {
		n.ExternalSideEffect = b
	}

	n.Inputs, err = readParams(g, props[rdf.PredHasInputParameter])
	if err != nil {
		return nil, err
	}
	n.Outputs, err = readParams(g, props[rdf.PredHasOutputParameter])
	if err != nil {
		return nil, err
	}

	for _, effTerm := range props[rdf.PredHasEffect] {
		if !effTerm.IsIRI() {
			continue
		}
		eff, err := readEffect(g, effTerm.Value)
		if err != nil {
			return nil, err
		}
		n.Effects = append(n.Effects, eff)
	}

	specs := props[rdf.PredHasInvocationSpec]
	if len(specs) == 0 || !specs[0].IsIRI() {
		return nil, defErr(uri, "node has no invocation specification")
	}
	n.Invocation, err = readInvocation(g, specs[0].Value)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func readParams(g sparql.Graph, refs []rdf.Term) ([]Parameter, error) {
	var params []Parameter
	for _, ref := range refs {
		if !ref.IsIRI() {
			continue
		}
		props, err := subjectProperties(g, ref.Value)
		if err != nil {
			return nil, err
		}
		p := Parameter{
			URI:      ref.Value,
			Name:     firstString(props[rdf.PredParameterName]),
			Property: firstIRI(props[rdf.PredMapsToRdfProperty]),
			DataType: firstIRI(props[rdf.PredDataType]),
		}
		if v, ok := firstInt(props[rdf.PredParameterOrder]); ok {
			p.Order = int(v)
		}
		if b, ok := firstBool(props[rdf.PredIsRequired]); ok {
			p.Required = b
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].Order != params[j].Order {
			return params[i].Order < params[j].Order
		}
		return params[i].Name < params[j].Name
	})
	return params, nil
}

func readEffect(g sparql.Graph, uri string) (Effect, error) {
	props, err := subjectProperties(g, uri)
	if err != nil {
		return Effect{}, err
	}
	eff := Effect{
		Kind:            EffectKind(localName(firstIRI(props[rdf.PredEffectKind]))),
		Property:        firstIRI(props[rdf.PredEffectProperty]),
		ValueFromOutput: firstString(props[rdf.PredEffectValueFrom]),
	}
	if terms := props[rdf.PredEffectOnEntity]; len(terms) > 0 {
		if terms[0].IsIRI() {
			eff.OnEntity = terms[0].Value
		} else {
			eff.OnEntity = terms[0].Value // the "ctx" sentinel
		}
	}
	return eff, nil
}

func readInvocation(g sparql.Graph, uri string) (Invocation, error) {
	props, err := subjectProperties(g, uri)
	if err != nil {
		return Invocation{}, err
	}
	inv := Invocation{
		Kind:          InvocationKind(localName(firstIRI(props[rdf.PredInvocationKind]))),
		ScriptPath:    firstString(props[rdf.PredScriptPath]),
		ArgStyle:      ArgStyle(firstString(props[rdf.PredArgumentPassingStyle])),
		OutputStyle:   firstString(props[rdf.PredOutputParsingStyle]),
		UpdateCommand: firstString(props[rdf.PredUpdateCommand]),
	}
	if v, ok := firstInt(props[rdf.PredNodeTimeoutSeconds]); ok {
		inv.TimeoutSeconds = int(v)
	}
	if inv.Kind == "" {
		return Invocation{}, defErr(uri, "invocation spec has no kind")
	}
	return inv, nil
}

// ReadRule materializes a Rule definition.
func ReadRule(g sparql.Graph, uri string) (*Rule, error) {
	props, err := subjectProperties(g, uri)
	if err != nil {
		return nil, err
	}
	if !hasType(props, rdf.ClassRule) {
		return nil, defErr(uri, "not a Rule")
	}
	r := &Rule{
		URI:        uri,
		Label:      firstString(props[rdf.PredLabel]),
		Antecedent: firstString(props[rdf.PredHasAntecedent]),
		Consequent: firstString(props[rdf.PredHasConsequent]),
	}
	if v, ok := firstInt(props[rdf.PredPriority]); ok {
		r.Priority = int(v)
	}
	if b, ok := firstBool(props[rdf.PredCritical]); ok {
		r.Critical = b
	}
	return r, nil
}

// ListRules returns every rule ordered by priority descending, URI ascending.
func ListRules(g sparql.Graph) ([]*Rule, error) {
	uris, err := ListRuleURIs(g)
	if err != nil {
		return nil, err
	}
	rules := make([]*Rule, 0, len(uris))
	for _, uri := range uris {
		r, err := ReadRule(g, uri)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].URI < rules[j].URI
	})
	return rules, nil
}

// ReadWorkflow materializes a Workflow with its steps sorted by order.
func ReadWorkflow(g sparql.Graph, uri string) (*Workflow, error) {
	props, err := subjectProperties(g, uri)
	if err != nil {
		return nil, err
	}
	if !hasType(props, rdf.ClassWorkflow) {
		return nil, defErr(uri, "not a Workflow")
	}
	wf := &Workflow{URI: uri, Label: firstString(props[rdf.PredLabel])}
	for _, stepRef := range props[rdf.PredHasStep] {
		if !stepRef.IsIRI() {
			continue
		}
		sp, err := subjectProperties(g, stepRef.Value)
		if err != nil {
			return nil, err
		}
		step := WorkflowStep{Node: firstIRI(sp[rdf.PredExecutesNode])}
		if v, ok := firstInt(sp[rdf.PredStepOrder]); ok {
			step.Order = int(v)
		}
		wf.Steps = append(wf.Steps, step)
	}
	sort.Slice(wf.Steps, func(i, j int) bool {
		if wf.Steps[i].Order != wf.Steps[j].Order {
			return wf.Steps[i].Order < wf.Steps[j].Order
		}
		return wf.Steps[i].Node < wf.Steps[j].Node
	})
	return wf, nil
}

// NodesImplementing returns nodes declaring the given capability.
func NodesImplementing(g sparql.Graph, capability string) ([]string, error) {
	p := rdf.PredImplementsCapability
	o := rdf.IRI(capability)
	matches, err := g.Match(nil, &p, &o)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range matches {
		out = append(out, t.Subject)
	}
	sort.Strings(out)
	return out, nil
}

func subjectProperties(g sparql.Graph, uri string) (map[string][]rdf.Term, error) {
	matches, err := g.Match(&uri, nil, nil)
	if err != nil {
		return nil, err
	}
	props := map[string][]rdf.Term{}
	for _, t := range matches {
		props[t.Predicate] = append(props[t.Predicate], t.Object)
	}
	return props, nil
}

func hasType(props map[string][]rdf.Term, class string) bool {
	for _, t := range props[rdf.PredType] {
		if t.IsIRI() && t.Value == class {
			return true
		}
	}
	return false
}

func firstString(terms []rdf.Term) string {
	for _, t := range terms {
		if t.IsLiteral() {
			return t.Value
		}
	}
	return ""
}

func firstIRI(terms []rdf.Term) string {
	for _, t := range terms {
		if t.IsIRI() {
			return t.Value
		}
	}
	return ""
}

func firstInt(terms []rdf.Term) (int64, bool) {
	for _, t := range terms {
		if v, ok := t.Int(); ok {
			return v, true
		}
	}
	return 0, false
}

func firstBool(terms []rdf.Term) (bool, bool) {
	for _, t := range terms {
		if v, ok := t.Bool(); ok {
			return v, true
		}
	}
	return false, false
}

func localName(iri string) string {
	if i := strings.LastIndexAny(iri, "#/"); i >= 0 {
		return iri[i+1:]
	}
	return iri
}
