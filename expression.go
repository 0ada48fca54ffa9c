package deckhand

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Expression evaluation budget. Expressions are tenant-supplied; the
// evaluator aborts rather than let a pathological input stall a run.
const evalBudget = 10 * time.Millisecond

// undefinedValue is the result of resolving an unknown identifier or a
// missing member. It is falsy and equals only itself and null.
type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

var undefined = undefinedValue{}

// EvalExpression evaluates a sandboxed expression against scope.
// Supported: literals, identifiers, member access (a.b, a[0], a["k"]),
// comparisons, boolean operators, arithmetic, and the allow-listed
// functions length, contains, startsWith, endsWith, lower, upper.
// Unknown identifiers resolve to undefined; unknown functions fail with
// a Validation error. There are no loops and no host access.
func EvalExpression(expr string, scope map[string]any) (any, error) {
	node, err := parseExpression(expr)
	if err != nil {
		return nil, err
	}
	st := &evalState{scope: scope, deadline: time.Now().Add(evalBudget), expr: expr}
	v, err := node.eval(st)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// EvalCondition evaluates expr and coerces the result to a boolean:
// false, null, undefined, zero, and the empty string are falsy.
func EvalCondition(expr string, scope map[string]any) (bool, error) {
	v, err := EvalExpression(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{path.dot}} placeholders with values resolved
// from scope. String values substitute verbatim, other values as JSON.
// Unknown paths leave the placeholder literal so typos stay visible.
func Interpolate(s string, scope map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := lookupPath(scope, path)
		if !ok {
			return m
		}
		return stringify(v)
	})
}

// interpolateValue deep-interpolates every string leaf of a JSON-shaped
// value. Used for tool args and compensation args templates.
func interpolateValue(v any, scope map[string]any) any {
	switch t := v.(type) {
	case string:
		// A placeholder that spans the whole string substitutes the raw
		// value, preserving its type ({"count": "{{n}}"} stays numeric).
		if m := placeholderRe.FindStringSubmatch(t); m != nil && m[0] == t {
			if resolved, ok := lookupPath(scope, strings.TrimSpace(m[1])); ok {
				return resolved
			}
			return t
		}
		return Interpolate(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interpolateValue(val, scope)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolateValue(val, scope)
		}
		return out
	default:
		return v
	}
}

// lookupPath resolves a dot path against a JSON-shaped value. Numeric
// segments index arrays. The boolean reports whether the full path
// resolved.
func lookupPath(scope map[string]any, path string) (any, bool) {
	var cur any = scope
	for seg := range strings.SplitSeq(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return "undefined"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// --- Lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lexExpression(src string) ([]token, error) {
	lx := &lexer{src: src}
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		switch {
		case unicode.IsSpace(r):
			lx.pos += size
		case r == '"' || r == '\'':
			if err := lx.lexString(r); err != nil {
				return nil, err
			}
		case unicode.IsDigit(r):
			lx.lexNumber()
		case r == '_' || unicode.IsLetter(r):
			lx.lexIdent()
		default:
			if err := lx.lexPunct(); err != nil {
				return nil, err
			}
		}
	}
	lx.toks = append(lx.toks, token{kind: tokEOF, pos: len(src)})
	return lx.toks, nil
}

func (lx *lexer) lexString(quote rune) error {
	start := lx.pos
	lx.pos++ // opening quote
	var sb strings.Builder
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r == '\\' && lx.pos+size < len(lx.src) {
			next, nsize := utf8.DecodeRuneInString(lx.src[lx.pos+size:])
			switch next {
			case '\\', '"', '\'':
				sb.WriteRune(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteRune('\\')
				sb.WriteRune(next)
			}
			lx.pos += size + nsize
			continue
		}
		if r == quote {
			lx.pos += size
			lx.toks = append(lx.toks, token{kind: tokString, text: sb.String(), pos: start})
			return nil
		}
		sb.WriteRune(r)
		lx.pos += size
	}
	return exprErrf(lx.src, start, "unterminated string")
}

func (lx *lexer) lexNumber() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			lx.pos++
			continue
		}
		break
	}
	text := lx.src[start:lx.pos]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		// Trailing dots like "1." parse as member access below; back off
		// to the last clean float.
		trimmed := strings.TrimRight(text, ".")
		num, _ = strconv.ParseFloat(trimmed, 64)
		lx.pos = start + len(trimmed)
	}
	lx.toks = append(lx.toks, token{kind: tokNumber, num: num, text: lx.src[start:lx.pos], pos: start})
}

func (lx *lexer) lexIdent() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			lx.pos += size
			continue
		}
		break
	}
	lx.toks = append(lx.toks, token{kind: tokIdent, text: lx.src[start:lx.pos], pos: start})
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func (lx *lexer) lexPunct() error {
	rest := lx.src[lx.pos:]
	for _, op := range twoCharOps {
		if strings.HasPrefix(rest, op) {
			lx.toks = append(lx.toks, token{kind: tokPunct, text: op, pos: lx.pos})
			lx.pos += 2
			return nil
		}
	}
	c := rest[0]
	switch c {
	case '(', ')', '[', ']', '.', ',', '+', '-', '*', '/', '%', '!', '<', '>':
		lx.toks = append(lx.toks, token{kind: tokPunct, text: string(c), pos: lx.pos})
		lx.pos++
		return nil
	}
	return exprErrf(lx.src, lx.pos, "unexpected character %q", string(c))
}

// --- Parser ---

type exprNode interface {
	eval(st *evalState) (any, error)
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func parseExpression(src string) (exprNode, error) {
	if strings.TrimSpace(src) == "" {
		return nil, E(KindValidation, "empty expression")
	}
	toks, err := lexExpression(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, exprErrf(src, p.peek().pos, "unexpected token %q", p.peek().text)
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptPunct(text string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(text string) error {
	if !p.acceptPunct(text) {
		return exprErrf(p.src, p.peek().pos, "expected %q", text)
	}
	return nil
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptPunct("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.acceptPunct("&&") {
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptPunct("=="):
			op = "=="
		case p.acceptPunct("!="):
			op = "!="
		default:
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptPunct("<="):
			op = "<="
		case p.acceptPunct(">="):
			op = ">="
		case p.acceptPunct("<"):
			op = "<"
		case p.acceptPunct(">"):
			op = ">"
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (exprNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptPunct("+"):
			op = "+"
		case p.acceptPunct("-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.acceptPunct("*"):
			op = "*"
		case p.acceptPunct("/"):
			op = "/"
		case p.acceptPunct("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	switch {
	case p.acceptPunct("!"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", operand: operand}, nil
	case p.acceptPunct("-"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptPunct("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, exprErrf(p.src, t.pos, "expected member name after '.'")
			}
			node = &memberNode{object: node, name: t.text}
		case p.acceptPunct("["):
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			node = &indexNode{object: node, index: index}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{value: t.num}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "undefined":
			return &literalNode{value: nil}, nil
		}
		if p.acceptPunct("(") {
			var args []exprNode
			if !p.acceptPunct(")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.acceptPunct(",") {
						continue
					}
					if err := p.expectPunct(")"); err != nil {
						return nil, err
					}
					break
				}
			}
			return &callNode{name: t.text, args: args, pos: t.pos}, nil
		}
		return &identNode{name: t.text}, nil
	case tokPunct:
		if t.text == "(" {
			node, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return node, nil
		}
	}
	return nil, exprErrf(p.src, t.pos, "unexpected token %q", t.text)
}

// --- Evaluation ---

type evalState struct {
	scope    map[string]any
	deadline time.Time
	expr     string
	ops      int
}

func (st *evalState) check() error {
	st.ops++
	if st.ops%32 == 0 && time.Now().After(st.deadline) {
		return E(KindValidation, "expression evaluation exceeded time budget").
			With("budget_ms", evalBudget.Milliseconds())
	}
	return nil
}

type literalNode struct{ value any }

func (n *literalNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	return n.value, nil
}

type identNode struct{ name string }

func (n *identNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	if v, ok := st.scope[n.name]; ok {
		return v, nil
	}
	return undefined, nil
}

type memberNode struct {
	object exprNode
	name   string
}

func (n *memberNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	obj, err := n.object.eval(st)
	if err != nil {
		return nil, err
	}
	if m, ok := obj.(map[string]any); ok {
		if v, exists := m[n.name]; exists {
			return v, nil
		}
	}
	return undefined, nil
}

type indexNode struct {
	object exprNode
	index  exprNode
}

func (n *indexNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	obj, err := n.object.eval(st)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(st)
	if err != nil {
		return nil, err
	}
	switch c := obj.(type) {
	case []any:
		f, ok := toNumber(idx)
		if !ok {
			return undefined, nil
		}
		i := int(f)
		if i < 0 || i >= len(c) {
			return undefined, nil
		}
		return c[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return undefined, nil
		}
		if v, exists := c[key]; exists {
			return v, nil
		}
	}
	return undefined, nil
}

type unaryNode struct {
	op      string
	operand exprNode
}

func (n *unaryNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	v, err := n.operand.eval(st)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, E(KindValidation, "cannot negate non-numeric value")
		}
		return -f, nil
	}
	return nil, Errorf(KindInternal, "unknown unary operator %q", n.op)
}

type logicalNode struct {
	op          string
	left, right exprNode
}

func (n *logicalNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	l, err := n.left.eval(st)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
	case "||":
		if truthy(l) {
			return true, nil
		}
	}
	r, err := n.right.eval(st)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n *binaryNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	l, err := n.left.eval(st)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(st)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, l, r)
	case "+":
		return addValues(l, r)
	case "-", "*", "/", "%":
		return arithmetic(n.op, l, r)
	}
	return nil, Errorf(KindInternal, "unknown operator %q", n.op)
}

type callNode struct {
	name string
	args []exprNode
	pos  int
}

func (n *callNode) eval(st *evalState) (any, error) {
	if err := st.check(); err != nil {
		return nil, err
	}
	fn, ok := exprFunctions[n.name]
	if !ok {
		return nil, Errorf(KindValidation, "unknown function %q", n.name).
			With("allowed", allowedFunctionNames())
	}
	if len(n.args) != fn.arity {
		return nil, Errorf(KindValidation, "function %q expects %d argument(s), got %d", n.name, fn.arity, len(n.args))
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(st)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.call(args), nil
}

type exprFunction struct {
	arity int
	call  func(args []any) any
}

var exprFunctions = map[string]exprFunction{
	"length": {arity: 1, call: func(args []any) any {
		switch v := args[0].(type) {
		case string:
			return float64(utf8.RuneCountInString(v))
		case []any:
			return float64(len(v))
		case map[string]any:
			return float64(len(v))
		}
		return undefined
	}},
	"contains": {arity: 2, call: func(args []any) any {
		switch v := args[0].(type) {
		case string:
			needle, ok := args[1].(string)
			return ok && strings.Contains(v, needle)
		case []any:
			for _, item := range v {
				if looseEqual(item, args[1]) {
					return true
				}
			}
			return false
		}
		return false
	}},
	"startsWith": {arity: 2, call: func(args []any) any {
		s, ok1 := args[0].(string)
		prefix, ok2 := args[1].(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	}},
	"endsWith": {arity: 2, call: func(args []any) any {
		s, ok1 := args[0].(string)
		suffix, ok2 := args[1].(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix)
	}},
	"lower": {arity: 1, call: func(args []any) any {
		if s, ok := args[0].(string); ok {
			return strings.ToLower(s)
		}
		return undefined
	}},
	"upper": {arity: 1, call: func(args []any) any {
		if s, ok := args[0].(string); ok {
			return strings.ToUpper(s)
		}
		return undefined
	}},
}

func allowedFunctionNames() []string {
	names := make([]string, 0, len(exprFunctions))
	for name := range exprFunctions {
		names = append(names, name)
	}
	return names
}

// --- Value semantics ---

func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefinedValue:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	}
	return 0, false
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	_, isUndef := v.(undefinedValue)
	return isUndef
}

func looseEqual(l, r any) bool {
	if isNullish(l) || isNullish(r) {
		return isNullish(l) && isNullish(r)
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	return reflect.DeepEqual(l, r)
}

func compareOrdered(op string, l, r any) (any, error) {
	if isNullish(l) || isNullish(r) {
		return false, nil
	}
	if lf, lok := toNumber(l); lok {
		rf, rok := toNumber(r)
		if !rok {
			return nil, E(KindValidation, "cannot compare number with non-number")
		}
		return orderResult(op, compareFloats(lf, rf)), nil
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return orderResult(op, strings.Compare(ls, rs)), nil
	}
	return nil, E(KindValidation, "operands are not comparable")
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderResult(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func addValues(l, r any) (any, error) {
	if lf, lok := toNumber(l); lok {
		if rf, rok := toNumber(r); rok {
			return lf + rf, nil
		}
		return nil, E(KindValidation, "cannot add number and non-number")
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls + rs, nil
	}
	return nil, E(KindValidation, "operands are not addable")
}

func arithmetic(op string, l, r any) (any, error) {
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, Errorf(KindValidation, "operator %q requires numeric operands", op)
	}
	switch op {
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, E(KindValidation, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, E(KindValidation, "division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, Errorf(KindInternal, "unknown operator %q", op)
}

func exprErrf(src string, pos int, format string, args ...any) *Error {
	return Errorf(KindValidation, "invalid expression at offset %d: %s", pos, fmt.Sprintf(format, args...))
}
