package sparql

import (
	"fmt"
	"strconv"
	"strings"

	"kce/internal/rdf"
)

// ParseError wraps a syntax failure; callers surface it as a QueryError.
type ParseError struct {
	Query string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sparql parse error: %s", e.Msg)
}

type parser struct {
	toks     []token
	pos      int
	prefixes map[string]string
	src      string
}

func newParser(src string) (*parser, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, &ParseError{Query: src, Msg: err.Error()}
	}
	return &parser{toks: toks, prefixes: rdf.Prefixes(), src: src}, nil
}

// ParseQuery parses an ASK, SELECT or CONSTRUCT query.
func ParseQuery(src string) (*Query, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, &ParseError{Query: src, Msg: err.Error()}
	}
	return q, nil
}

// ParseUpdate parses an INSERT DATA, DELETE DATA, DELETE WHERE or
// DELETE/INSERT WHERE request.
func ParseUpdate(src string) (*Update, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	u, err := p.parseUpdate()
	if err != nil {
		return nil, &ParseError{Query: src, Msg: err.Error()}
	}
	return u, nil
}

// Validate parses src as either a query or an update, reporting the first
// syntax error. Used by the catalogue loader.
func Validate(src string) error {
	if _, err := ParseQuery(src); err == nil {
		return nil
	}
	if _, err := ParseUpdate(src); err == nil {
		return nil
	}
	// Re-parse as the more likely form for a useful message.
	if isUpdateText(src) {
		_, err := ParseUpdate(src)
		return err
	}
	_, err := ParseQuery(src)
	return err
}

func isUpdateText(src string) bool {
	up := strings.ToUpper(src)
	return strings.Contains(up, "INSERT") || strings.Contains(up, "DELETE")
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}
	q := &Query{}
	switch {
	case p.acceptKeyword("ASK"):
		q.Kind = QueryAsk
		p.acceptKeyword("WHERE")
	case p.acceptKeyword("SELECT"):
		q.Kind = QuerySelect
		q.Distinct = p.acceptKeyword("DISTINCT")
		if p.peek().kind == tokOp && p.peek().text == "*" {
			p.next()
		} else {
			for p.peek().kind == tokVar {
				q.Vars = append(q.Vars, p.next().text)
			}
		}
		if !p.acceptKeyword("WHERE") {
			return nil, fmt.Errorf("expected WHERE after SELECT projection")
		}
	case p.acceptKeyword("CONSTRUCT"):
		q.Kind = QueryConstruct
		tmpl, _, err := p.parseGroup()
		if err != nil {
			return nil, err
		}
		q.Template = tmpl
		if !p.acceptKeyword("WHERE") {
			return nil, fmt.Errorf("expected WHERE after CONSTRUCT template")
		}
	case p.acceptKeyword("DESCRIBE"):
		q.Kind = QueryDescribe
		t := p.next()
		switch t.kind {
		case tokIRI:
			q.Describe = t.text
		case tokPName:
			iri, err := p.expandPName(t.text)
			if err != nil {
				return nil, err
			}
			q.Describe = iri
		default:
			return nil, fmt.Errorf("DESCRIBE takes a resource IRI")
		}
		return q, p.expectEOF()
	default:
		return nil, fmt.Errorf("expected ASK, SELECT or CONSTRUCT, got %q", p.peek().text)
	}

	where, filters, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	q.Where, q.Filters = where, filters

	if p.acceptKeyword("LIMIT") {
		if p.peek().kind != tokNumber {
			return nil, fmt.Errorf("expected number after LIMIT")
		}
		n, err := strconv.Atoi(p.next().text)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid LIMIT value")
		}
		q.Limit = n
	}
	return q, p.expectEOF()
}

func (p *parser) parseUpdate() (*Update, error) {
	if err := p.parsePrologue(); err != nil {
		return nil, err
	}
	u := &Update{}
	switch {
	case p.acceptKeyword("INSERT"):
		if p.acceptKeyword("DATA") {
			u.Kind = UpdateInsertData
			tmpl, _, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			u.Insert = tmpl
			return u, p.mustBeGround(u.Insert, "INSERT DATA")
		}
		// INSERT {...} WHERE {...}
		u.Kind = UpdateModify
		tmpl, _, err := p.parseGroup()
		if err != nil {
			return nil, err
		}
		u.Insert = tmpl
		if !p.acceptKeyword("WHERE") {
			return nil, fmt.Errorf("expected WHERE after INSERT template")
		}
		u.Where, u.Filters, err = p.parseGroup()
		if err != nil {
			return nil, err
		}
		return u, p.expectEOF()

	case p.acceptKeyword("DELETE"):
		if p.acceptKeyword("DATA") {
			u.Kind = UpdateDeleteData
			tmpl, _, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			u.Delete = tmpl
			return u, p.mustBeGround(u.Delete, "DELETE DATA")
		}
		if p.acceptKeyword("WHERE") {
			u.Kind = UpdateDeleteWhere
			tmpl, filters, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			u.Delete, u.Where, u.Filters = tmpl, tmpl, filters
			return u, p.expectEOF()
		}
		// DELETE {...} [INSERT {...}] WHERE {...}
		u.Kind = UpdateModify
		tmpl, _, err := p.parseGroup()
		if err != nil {
			return nil, err
		}
		u.Delete = tmpl
		if p.acceptKeyword("INSERT") {
			ins, _, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			u.Insert = ins
		}
		if !p.acceptKeyword("WHERE") {
			return nil, fmt.Errorf("expected WHERE in DELETE/INSERT update")
		}
		u.Where, u.Filters, err = p.parseGroup()
		if err != nil {
			return nil, err
		}
		return u, p.expectEOF()
	}
	return nil, fmt.Errorf("expected INSERT or DELETE, got %q", p.peek().text)
}

func (p *parser) parsePrologue() error {
	for p.acceptKeyword("PREFIX") {
		name := p.next()
		if name.kind != tokPName || !strings.HasSuffix(name.text, ":") {
			return fmt.Errorf("expected prefix name ending in ':', got %q", name.text)
		}
		iri := p.next()
		if iri.kind != tokIRI {
			return fmt.Errorf("expected IRI after PREFIX %s", name.text)
		}
		p.prefixes[strings.TrimSuffix(name.text, ":")] = iri.text
	}
	return nil
}

// parseGroup parses a `{ ... }` group of triple patterns and FILTERs.
func (p *parser) parseGroup() ([]TriplePattern, []Expr, error) {
	if !p.acceptPunct("{") {
		return nil, nil, fmt.Errorf("expected '{', got %q", p.peek().text)
	}
	var patterns []TriplePattern
	var filters []Expr
	for {
		if p.acceptPunct("}") {
			return patterns, filters, nil
		}
		if p.peek().kind == tokEOF {
			return nil, nil, fmt.Errorf("unexpected end of input inside group")
		}
		if p.acceptKeyword("FILTER") {
			expr, err := p.parseFilter()
			if err != nil {
				return nil, nil, err
			}
			filters = append(filters, expr)
			p.acceptPunct(".")
			continue
		}
		pats, err := p.parseTriplesSameSubject()
		if err != nil {
			return nil, nil, err
		}
		patterns = append(patterns, pats...)
		if !p.acceptPunct(".") {
			// A '.' is optional before '}'.
			if p.peek().kind == tokPunct && p.peek().text == "}" {
				continue
			}
			if p.peek().kind == tokKeyword && p.peek().text == "FILTER" {
				continue
			}
			return nil, nil, fmt.Errorf("expected '.' after triple pattern, got %q", p.peek().text)
		}
	}
}

// parseTriplesSameSubject parses subject (pred obj (, obj)*) (; pred obj...)*.
func (p *parser) parseTriplesSameSubject() ([]TriplePattern, error) {
	subj, err := p.parsePatternTerm(false)
	if err != nil {
		return nil, err
	}
	var out []TriplePattern
	for {
		pred, err := p.parsePatternTerm(true)
		if err != nil {
			return nil, err
		}
		for {
			obj, err := p.parsePatternTerm(false)
			if err != nil {
				return nil, err
			}
			out = append(out, TriplePattern{S: subj, P: pred, O: obj})
			if !p.acceptPunct(",") {
				break
			}
		}
		if !p.acceptPunct(";") {
			return out, nil
		}
		// Allow a dangling ';' before '.' or '}'.
		if t := p.peek(); t.kind == tokPunct && (t.text == "." || t.text == "}") {
			return out, nil
		}
	}
}

// parsePatternTerm parses one term position. Predicates admit the keyword 'a'.
func (p *parser) parsePatternTerm(predicate bool) (PatternTerm, error) {
	t := p.next()
	switch t.kind {
	case tokVar:
		return Variable(t.text), nil
	case tokIRI:
		return Ground(rdf.IRI(t.text)), nil
	case tokPName:
		if t.text == "a" && predicate {
			return Ground(rdf.IRI(rdf.PredType)), nil
		}
		iri, err := p.expandPName(t.text)
		if err != nil {
			return PatternTerm{}, err
		}
		return Ground(rdf.IRI(iri)), nil
	case tokString:
		return Ground(p.typedString(t.text)), nil
	case tokNumber:
		return Ground(numberTerm(t.text)), nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return Ground(rdf.Boolean(true)), nil
		case "FALSE":
			return Ground(rdf.Boolean(false)), nil
		}
	}
	return PatternTerm{}, fmt.Errorf("unexpected token %q in triple pattern", t.text)
}

// typedString applies an optional ^^datatype or @lang suffix.
func (p *parser) typedString(s string) rdf.Term {
	if p.peek().kind == tokDTSep {
		p.next()
		dt := p.next()
		switch dt.kind {
		case tokIRI:
			return rdf.TypedLiteral(s, dt.text)
		case tokPName:
			if iri, err := p.expandPName(dt.text); err == nil {
				return rdf.TypedLiteral(s, iri)
			}
		}
		return rdf.String(s)
	}
	if p.peek().kind == tokLang {
		lang := p.next().text
		t := rdf.String(s)
		t.Lang = lang
		return t
	}
	return rdf.String(s)
}

func numberTerm(text string) rdf.Term {
	if strings.ContainsAny(text, ".eE") {
		f, _ := strconv.ParseFloat(text, 64)
		return rdf.Double(f)
	}
	n, _ := strconv.ParseInt(text, 10, 64)
	return rdf.Integer(n)
}

// parseFilter parses FILTER ( expr ).
func (p *parser) parseFilter() (Expr, error) {
	if !p.acceptPunct("(") {
		return nil, fmt.Errorf("expected '(' after FILTER")
	}
	expr, err := p.parseOrExpr()
	if err != nil {
		return nil, err
	}
	if !p.acceptPunct(")") {
		return nil, fmt.Errorf("expected ')' to close FILTER, got %q", p.peek().text)
	}
	return expr, nil
}

func (p *parser) parseOrExpr() (Expr, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAndExpr() (Expr, error) {
	left, err := p.parseRelExpr()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseRelExpr()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseRelExpr() (Expr, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp {
		switch t.text {
		case "=", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseUnaryExpr()
			if err != nil {
				return nil, err
			}
			return comparisonExpr{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseUnaryExpr() (Expr, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "!" {
		p.next()
		inner, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimaryExpr()
}

func (p *parser) parsePrimaryExpr() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokPunct:
		if t.text == "(" {
			inner, err := p.parseOrExpr()
			if err != nil {
				return nil, err
			}
			if !p.acceptPunct(")") {
				return nil, fmt.Errorf("expected ')' in expression")
			}
			return inner, nil
		}
	case tokVar:
		return varExpr{name: t.text}, nil
	case tokString:
		return termExpr{term: p.typedString(t.text)}, nil
	case tokNumber:
		return termExpr{term: numberTerm(t.text)}, nil
	case tokIRI:
		return termExpr{term: rdf.IRI(t.text)}, nil
	case tokPName:
		iri, err := p.expandPName(t.text)
		if err != nil {
			return nil, err
		}
		return termExpr{term: rdf.IRI(iri)}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return termExpr{term: rdf.Boolean(true)}, nil
		case "FALSE":
			return termExpr{term: rdf.Boolean(false)}, nil
		case "BOUND":
			if !p.acceptPunct("(") {
				return nil, fmt.Errorf("expected '(' after bound")
			}
			v := p.next()
			if v.kind != tokVar {
				return nil, fmt.Errorf("bound() takes a variable")
			}
			if !p.acceptPunct(")") {
				return nil, fmt.Errorf("expected ')' after bound variable")
			}
			return boundExpr{name: v.text}, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q in expression", t.text)
}

func (p *parser) expandPName(name string) (string, error) {
	i := strings.Index(name, ":")
	if i < 0 {
		return "", fmt.Errorf("expected prefixed name, got %q", name)
	}
	ns, ok := p.prefixes[name[:i]]
	if !ok {
		return "", fmt.Errorf("undeclared prefix %q", name[:i])
	}
	return ns + name[i+1:], nil
}

func (p *parser) mustBeGround(patterns []TriplePattern, form string) error {
	if vars := variables(patterns); len(vars) > 0 {
		return fmt.Errorf("%s does not allow variables (found ?%s)", form, vars[0])
	}
	return p.expectEOF()
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptKeyword(kw string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == kw {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptPunct(s string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectEOF() error {
	if t := p.peek(); t.kind != tokEOF {
		return fmt.Errorf("unexpected trailing input at %q", t.text)
	}
	return nil
}
