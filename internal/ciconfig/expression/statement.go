package expression

import (
	"fmt"
	"regexp"
	"strings"
)

// Variables resolves variable names during evaluation.
type Variables map[string]string

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindPattern
	kindBool
)

type value struct {
	kind    valueKind
	str     string
	pattern *regexp.Regexp
	boolean bool
}

func (v value) truthy() bool {
	switch v.kind {
	case kindString:
		return v.str != ""
	case kindPattern:
		return true
	case kindBool:
		return v.boolean
	}
	return false
}

type node interface {
	eval(vars Variables) (value, error)
}

type literalNode struct{ v value }

func (n literalNode) eval(Variables) (value, error) { return n.v, nil }

type variableNode struct{ name string }

func (n variableNode) eval(vars Variables) (value, error) {
	s, ok := vars[n.name]
	if !ok {
		return value{kind: kindNull}, nil
	}
	return value{kind: kindString, str: s}, nil
}

type logicalNode struct {
	op          tokenKind
	left, right node
}

func (n logicalNode) eval(vars Variables) (value, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	if n.op == tokenAnd && !l.truthy() {
		return value{kind: kindBool}, nil
	}
	if n.op == tokenOr && l.truthy() {
		return value{kind: kindBool, boolean: true}, nil
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return value{}, err
	}
	return value{kind: kindBool, boolean: r.truthy()}, nil
}

type compareNode struct {
	op          tokenKind
	left, right node
}

func (n compareNode) eval(vars Variables) (value, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case tokenEquals:
		return value{kind: kindBool, boolean: equal(l, r)}, nil
	case tokenNotEquals:
		return value{kind: kindBool, boolean: !equal(l, r)}, nil
	case tokenMatches, tokenNotMatches:
		re, err := asPattern(r)
		if err != nil {
			return value{}, err
		}
		matched := l.kind == kindString && re.MatchString(l.str)
		if n.op == tokenNotMatches {
			matched = !matched
		}
		return value{kind: kindBool, boolean: matched}, nil
	}
	return value{}, fmt.Errorf("unsupported operator %s", n.op)
}

func equal(l, r value) bool {
	if l.kind == kindNull || r.kind == kindNull {
		return l.kind == r.kind
	}
	return l.str == r.str
}

// asPattern accepts a pattern literal or a variable holding "/re/flags".
func asPattern(v value) (*regexp.Regexp, error) {
	switch v.kind {
	case kindPattern:
		return v.pattern, nil
	case kindString:
		return compilePattern(v.str)
	}
	return nil, fmt.Errorf("right operand of a match must be a pattern")
}

func compilePattern(src string) (*regexp.Regexp, error) {
	if len(src) < 2 || src[0] != '/' {
		return nil, fmt.Errorf("invalid pattern %q", src)
	}
	end := strings.LastIndexByte(src, '/')
	if end == 0 {
		return nil, fmt.Errorf("invalid pattern %q", src)
	}
	body, flags := src[1:end], src[end+1:]
	for _, f := range flags {
		if !isFlag(byte(f)) {
			return nil, fmt.Errorf("invalid pattern flag %q", f)
		}
	}
	if flags != "" {
		body = "(?" + flags + ")" + body
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", src, err)
	}
	return re, nil
}

// Statement is a parsed expression.
type Statement struct {
	src  string
	root node
}

// Parse lexes and parses src.
func Parse(src string) (*Statement, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, fmt.Errorf("empty expression")
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", tok.kind, tok.pos)
	}
	return &Statement{src: src, root: root}, nil
}

// Valid reports whether src parses.
func Valid(src string) bool {
	_, err := Parse(src)
	return err == nil
}

// String returns the source text.
func (s *Statement) String() string { return s.src }

// Truthy evaluates the statement against vars.
func (s *Statement) Truthy(vars Variables) (bool, error) {
	v, err := s.root.eval(vars)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}

// Evaluate parses and evaluates src in one call.
func Evaluate(src string, vars Variables) (bool, error) {
	s, err := Parse(src)
	if err != nil {
		return false, err
	}
	return s.Truthy(vars)
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
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
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = logicalNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokenEquals, tokenNotEquals, tokenMatches, tokenNotMatches:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
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
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, fmt.Errorf("expected ) at position %d", closing.pos)
		}
		return inner, nil
	case tokenVariable:
		return variableNode{name: tok.value}, nil
	case tokenString:
		return literalNode{v: value{kind: kindString, str: tok.value}}, nil
	case tokenNull:
		return literalNode{v: value{kind: kindNull}}, nil
	case tokenPattern:
		re, err := compilePattern(tok.value)
		if err != nil {
			return nil, err
		}
		return literalNode{v: value{kind: kindPattern, pattern: re}}, nil
	}
	return nil, fmt.Errorf("unexpected %s at position %d", tok.kind, tok.pos)
}
