package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"kce/internal/rdf"
	"kce/internal/sparql"
)

// InitialState is a parsed problem-instance document: the triples to merge
// and the operating context the run starts from.
type InitialState struct {
	Context string
	Triples []rdf.Triple
}

// stateDoc is the structured initial-state document. Property values carry
// either {value, type} for literals or {ref} for resource references.
type stateDoc struct {
	Context  string        `yaml:"context"`
	Entities []stateEntity `yaml:"entities"`
}

type stateEntity struct {
	URI        string                `yaml:"uri"`
	Type       string                `yaml:"type"`
	Properties map[string]stateValue `yaml:"properties"`
}

type stateValue struct {
	Value interface{} `yaml:"value"`
	Type  string      `yaml:"type"`
	Ref   string      `yaml:"ref"`
}

// LoadInitialState parses a document (YAML, which subsumes JSON) into a graph
// ready to merge under a fresh workflow context.
func LoadInitialState(path string) (*InitialState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, defErr("", "cannot read initial state %s: %v", path, err)
	}
	return ParseInitialState(data)
}

// ParseInitialState parses initial-state document bytes.
func ParseInitialState(data []byte) (*InitialState, error) {
	var doc stateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, defErr("", "cannot parse initial state: %v", err)
	}
	if len(doc.Entities) == 0 {
		return nil, defErr("", "initial state has no entities")
	}

	st := &InitialState{}
	for _, e := range doc.Entities {
		if e.URI == "" {
			return nil, defErr("", "initial-state entity is missing its uri")
		}
		uri := rdf.ExpandCURIE(e.URI)
		if st.Context == "" {
			st.Context = uri
		}
		if e.Type != "" {
			st.Triples = append(st.Triples, rdf.Triple{
				Subject: uri, Predicate: rdf.PredType, Object: rdf.IRI(rdf.ExpandCURIE(e.Type)),
			})
		}
		for prop, val := range e.Properties {
			term, err := val.term()
			if err != nil {
				return nil, defErr(uri, "property %s: %v", prop, err)
			}
			st.Triples = append(st.Triples, rdf.Triple{
				Subject: uri, Predicate: rdf.ExpandCURIE(prop), Object: term,
			})
		}
	}
	if doc.Context != "" {
		st.Context = rdf.ExpandCURIE(doc.Context)
	}
	sortTriples(st.Triples)
	return st, nil
}

func (v stateValue) term() (rdf.Term, error) {
	if v.Ref != "" {
		if v.Value != nil {
			return rdf.Term{}, fmt.Errorf("carries both ref and value")
		}
		return rdf.IRI(rdf.ExpandCURIE(v.Ref)), nil
	}
	if v.Value == nil {
		return rdf.Term{}, fmt.Errorf("carries neither ref nor value")
	}
	if v.Type != "" {
		dt := v.Type
		if iri, ok := rdf.XSDByName(dt); ok {
			dt = iri
		} else {
			dt = rdf.ExpandCURIE(dt)
		}
		return rdf.FromValueTyped(v.Value, dt)
	}
	return rdf.FromValue(v.Value), nil
}

// Target is a parsed goal: a SPARQL ASK query the planner drives toward.
type Target struct {
	Ask    string
	parsed *sparql.Query
}

// targetDoc accepts either an ask_query or a triple pattern list.
type targetDoc struct {
	AskQuery string       `yaml:"ask_query"`
	Pattern  []patternRow `yaml:"pattern"`
}

type patternRow struct {
	Subject   string      `yaml:"subject"`
	Predicate string      `yaml:"predicate"`
	Object    interface{} `yaml:"object"`
}

// LoadTarget reads and parses a target-description document.
func LoadTarget(path string) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, defErr("", "cannot read target %s: %v", path, err)
	}
	return ParseTarget(data)
}

// ParseTarget parses target-description bytes. Pattern targets compile to an
// ASK with pattern variables existentially quantified.
func ParseTarget(data []byte) (*Target, error) {
	var doc targetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, defErr("", "cannot parse target: %v", err)
	}
	switch {
	case doc.AskQuery != "" && len(doc.Pattern) > 0:
		return nil, defErr("", "target carries both ask_query and pattern")
	case doc.AskQuery != "":
		return NewTarget(doc.AskQuery)
	case len(doc.Pattern) > 0:
		ask, err := compilePattern(doc.Pattern)
		if err != nil {
			return nil, err
		}
		return NewTarget(ask)
	}
	return nil, defErr("", "target carries neither ask_query nor pattern")
}

// NewTarget validates ASK text as a goal.
func NewTarget(ask string) (*Target, error) {
	q, err := sparql.ParseQuery(ask)
	if err != nil {
		return nil, defErr("", "goal query does not parse: %v", err)
	}
	if q.Kind != sparql.QueryAsk {
		return nil, defErr("", "goal query must be an ASK")
	}
	return &Target{Ask: ask, parsed: q}, nil
}

// Query returns the parsed goal query.
func (t *Target) Query() *sparql.Query { return t.parsed }

// Holds evaluates the goal against the graph.
func (t *Target) Holds(g sparql.Graph) (bool, error) {
	return sparql.EvalAsk(g, t.parsed)
}

func compilePattern(rows []patternRow) (string, error) {
	out := "ASK { "
	for i, r := range rows {
		if r.Subject == "" || r.Predicate == "" || r.Object == nil {
			return "", defErr("", "pattern row %d is incomplete", i+1)
		}
		out += patternTermText(r.Subject) + " " + patternTermText(r.Predicate) + " " + patternObjectText(r.Object) + " . "
	}
	return out + "}", nil
}

func patternTermText(s string) string {
	if len(s) > 0 && (s[0] == '?' || s[0] == '$') {
		return "?" + s[1:]
	}
	return "<" + rdf.ExpandCURIE(s) + ">"
}

func patternObjectText(v interface{}) string {
	if s, ok := v.(string); ok {
		if len(s) > 0 && (s[0] == '?' || s[0] == '$') {
			return "?" + s[1:]
		}
		if iri, ok := rdf.AsIRIString(s); ok {
			return "<" + iri + ">"
		}
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// sortTriples keeps repeated loads of the same document byte-identical.
func sortTriples(triples []rdf.Triple) {
	sort.SliceStable(triples, func(i, j int) bool {
		a, b := triples[i], triples[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.Object.String() < b.Object.String()
	})
}
