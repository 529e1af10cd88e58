// Package expr implements the small condition language used by decision
// branches, loop conditions, and edge guards, together with dot-path data
// extraction and string templating over the run context.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate evaluates a condition expression against the given context and
// returns its boolean value.
//
// Operators: ==, !=, >, <, >=, <=, &&, ||, ! and parentheses.
// Literals: numbers, double-quoted strings, true, false, null.
// Values are referenced by dot path, either bare (nodes.fetch.output) or
// wrapped in ${...}; both forms resolve identically.
func Evaluate(expression string, vars map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return false, nil
	}

	tokens, err := scan(expression)
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return false, nil
	}

	p := &parser{tokens: tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q in expression %q", p.tokens[p.pos].text, expression)
	}
	return Truthy(val), nil
}

type tokenKind int

const (
	kindNumber tokenKind = iota
	kindString
	kindIdent
	kindOp
	kindLParen
	kindRParen
)

type token struct {
	kind tokenKind
	text string
}

func scan(expression string) ([]token, error) {
	var tokens []token
	runes := []rune(expression)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}
		if ch == '(' {
			tokens = append(tokens, token{kindLParen, "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{kindRParen, ")"})
			i++
			continue
		}
		if ch == '"' {
			s, next, err := scanString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kindString, s})
			i = next
			continue
		}

		// ${path} resolves like a bare identifier path.
		if ch == '$' && i+1 < len(runes) && runes[i+1] == '{' {
			end := -1
			for j := i + 2; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, fmt.Errorf("unterminated ${ reference at position %d", i)
			}
			tokens = append(tokens, token{kindIdent, strings.TrimSpace(string(runes[i+2 : end]))})
			i = end + 1
			continue
		}

		if i+1 < len(runes) {
			two := string(runes[i : i+2])
			switch two {
			case "==", "!=", ">=", "<=", "&&", "||":
				tokens = append(tokens, token{kindOp, two})
				i += 2
				continue
			}
		}
		if ch == '>' || ch == '<' || ch == '!' {
			tokens = append(tokens, token{kindOp, string(ch)})
			i++
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && negationAllowed(tokens)) {
			num, next := scanNumber(runes, i)
			tokens = append(tokens, token{kindNumber, num})
			i = next
			continue
		}

		if isIdentStart(ch) {
			ident, next := scanIdent(runes, i)
			tokens = append(tokens, token{kindIdent, ident})
			i = next
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}
	return tokens, nil
}

func scanString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

func scanNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

func scanIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && isIdentPart(runes[i]) {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }
func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// negationAllowed reports whether a '-' at the current position starts a
// negative literal rather than following a value.
func negationAllowed(preceding []token) bool {
	if len(preceding) == 0 {
		return true
	}
	last := preceding[len(preceding)-1]
	return last.kind == kindOp || last.kind == kindLParen
}

type parser struct {
	tokens []token
	pos    int
	vars   map[string]any
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == kindOp && p.peek().text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) || Truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == kindOp && p.peek().text == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = Truthy(left) && Truthy(right)
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t != nil && t.kind == kindOp {
		switch t.text {
		case "==", "!=", ">", "<", ">=", "<=":
			op := p.advance().text
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return compare(left, op, right), nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if t := p.peek(); t != nil && t.kind == kindOp && t.text == "!" {
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	switch t.kind {
	case kindNumber:
		p.advance()
		return strconv.ParseFloat(t.text, 64)
	case kindString:
		p.advance()
		return t.text, nil
	case kindIdent:
		p.advance()
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		default:
			val, _ := Extract(p.vars, t.text)
			return val, nil
		}
	case kindLParen:
		p.advance()
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != kindRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return val, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// compare evaluates a comparison between two values. Two nils are equal and
// nil orders below any non-nil value. Numeric comparison is attempted first,
// then both sides fall back to their string forms.
func compare(left any, op string, right any) bool {
	if left == nil && right == nil {
		return op == "==" || op == ">=" || op == "<="
	}
	if left == nil || right == nil {
		switch op {
		case "!=":
			return true
		case "==":
			return false
		}
		if left == nil {
			return op == "<" || op == "<="
		}
		return op == ">" || op == ">="
	}

	lf, lok := ToFloat(left)
	rf, rok := ToFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

// Truthy converts a value to a boolean the way condition contexts expect:
// nil, zero numbers, empty strings, "false", and "0" are false.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	default:
		return true
	}
}

// ToFloat attempts to convert a value to float64.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
