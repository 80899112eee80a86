package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope identifies which input a reference resolves against.
type Scope string

const (
	ScopePayload  Scope = "payload"
	ScopeVariable Scope = "vars"
)

const variablePrefix = "vars."

// Ref is a field reference found in an expression.
type Ref struct {
	Scope Scope
	Path  string
}

// Expr is a parsed, immutable gate condition.
type Expr struct {
	src       string
	root      node
	refs      []Ref
	artifacts []string
}

// Parse compiles a condition string.
func Parse(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("condition: expression is empty")
	}
	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("condition: unexpected %s %q at %d", tok.kind, tok.text, tok.start)
	}
	return &Expr{src: trimmed, root: root, refs: p.refs, artifacts: p.artifacts}, nil
}

// MustParse panics when the expression does not compile.
func MustParse(src string) *Expr {
	expr, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return expr
}

// String returns the normalized source text.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

// Refs lists the field references in source order.
func (e *Expr) Refs() []Ref {
	if e == nil || len(e.refs) == 0 {
		return nil
	}
	out := make([]Ref, len(e.refs))
	copy(out, e.refs)
	return out
}

// Artifacts lists artifact names checked with has().
func (e *Expr) Artifacts() []string {
	if e == nil || len(e.artifacts) == 0 {
		return nil
	}
	out := make([]string, len(e.artifacts))
	copy(out, e.artifacts)
	return out
}

// UsesPayload reports whether evaluation needs a scoring payload.
func (e *Expr) UsesPayload() bool {
	for _, ref := range e.refs {
		if ref.Scope == ScopePayload {
			return true
		}
	}
	return false
}

type parser struct {
	tokens    []token
	pos       int
	refs      []Ref
	artifacts []string
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, fmt.Errorf("condition: expected %s at %d, found %s %q", kind, tok.start, tok.kind, tok.text)
	}
	return tok, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokenNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokenEQ, tokenNE, tokenGT, tokenGE, tokenLT, tokenLE:
		tok := p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, text: tok.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenNumber:
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("condition: invalid number %q at %d", tok.text, tok.start)
		}
		return literalNode{value: value}, nil
	case tokenString:
		return literalNode{value: tok.text}, nil
	case tokenIdent:
		switch tok.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		}
		if p.peek().kind == tokenLParen {
			return p.parseCall(tok)
		}
		return p.reference(tok)
	default:
		return nil, fmt.Errorf("condition: unexpected %s %q at %d", tok.kind, tok.text, tok.start)
	}
}

func (p *parser) reference(tok token) (node, error) {
	path := tok.text
	if strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return nil, fmt.Errorf("condition: malformed path %q at %d", path, tok.start)
	}
	ref := Ref{Scope: ScopePayload, Path: path}
	if strings.HasPrefix(path, variablePrefix) {
		ref = Ref{Scope: ScopeVariable, Path: strings.TrimPrefix(path, variablePrefix)}
	} else if path == "vars" {
		return nil, fmt.Errorf("condition: vars requires a field name at %d", tok.start)
	}
	p.refs = append(p.refs, ref)
	return refNode{ref: ref}, nil
}

func (p *parser) parseCall(name token) (node, error) {
	if name.text != "has" {
		return nil, fmt.Errorf("condition: unknown function %s at %d", name.text, name.start)
	}
	p.next()
	arg, err := p.expect(tokenString)
	if err != nil {
		return nil, fmt.Errorf("condition: has() takes one quoted artifact name: %w", err)
	}
	if _, err := p.expect(tokenRParen); err != nil {
		return nil, err
	}
	p.artifacts = append(p.artifacts, arg.text)
	return hasNode{artifact: arg.text}, nil
}
