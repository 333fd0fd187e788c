package genapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// expr は SwissKnife の数式を表す構文木
type expr interface {
	eval(s *scope) (float64, error)
}

// scope は数式の評価環境
// integer が真なら IntSwissKnife と同じく 64 ビット整数で演算する
type scope struct {
	lookup  func(name string) (float64, error)
	integer bool
}

// value は整数モードでは小数部を切り捨てる
func (s *scope) value(v float64) float64 {
	if s.integer {
		return math.Trunc(v)
	}
	return v
}

type numberExpr float64

type varExpr string

type unaryExpr struct {
	op string
	x  expr
}

type binaryExpr struct {
	op   string
	l, r expr
}

type ternaryExpr struct {
	cond, a, b expr
}

type callExpr struct {
	fn  string
	arg expr
}

func (e numberExpr) eval(s *scope) (float64, error) {
	return s.value(float64(e)), nil
}

func (e varExpr) eval(s *scope) (float64, error) {
	v, err := s.lookup(string(e))
	if err != nil {
		return 0, err
	}
	return s.value(v), nil
}

// builtinConstant は変数として定義されていない PI / E を解決する
func builtinConstant(name string) (float64, bool) {
	switch strings.ToUpper(name) {
	case "PI":
		return math.Pi, true
	case "E":
		return math.E, true
	}
	return 0, false
}

func (e unaryExpr) eval(s *scope) (float64, error) {
	x, err := e.x.eval(s)
	if err != nil {
		return 0, err
	}
	switch e.op {
	case "-":
		return -x, nil
	case "+":
		return x, nil
	case "~":
		return float64(^int64(x)), nil
	case "!":
		return boolFloat(x == 0), nil
	}
	return 0, fmt.Errorf("未知の単項演算子 %q", e.op)
}

func (e binaryExpr) eval(s *scope) (float64, error) {
	l, err := e.l.eval(s)
	if err != nil {
		return 0, err
	}

	// 短絡評価
	switch e.op {
	case "&&":
		if l == 0 {
			return 0, nil
		}
		r, err := e.r.eval(s)
		if err != nil {
			return 0, err
		}
		return boolFloat(r != 0), nil
	case "||":
		if l != 0 {
			return 1, nil
		}
		r, err := e.r.eval(s)
		if err != nil {
			return 0, err
		}
		return boolFloat(r != 0), nil
	}

	r, err := e.r.eval(s)
	if err != nil {
		return 0, err
	}

	switch e.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if s.integer {
			if int64(r) == 0 {
				return 0, fmt.Errorf("ゼロ除算")
			}
			return float64(int64(l) / int64(r)), nil
		}
		if r == 0 {
			return 0, fmt.Errorf("ゼロ除算")
		}
		return l / r, nil
	case "%":
		if int64(r) == 0 {
			return 0, fmt.Errorf("ゼロ除算")
		}
		return float64(int64(l) % int64(r)), nil
	case "**":
		return s.value(math.Pow(l, r)), nil
	case "&":
		return float64(int64(l) & int64(r)), nil
	case "|":
		return float64(int64(l) | int64(r)), nil
	case "^":
		return float64(int64(l) ^ int64(r)), nil
	case "<<":
		return float64(int64(l) << uint64(r)), nil
	case ">>":
		return float64(int64(l) >> uint64(r)), nil
	case "=":
		return boolFloat(l == r), nil
	case "<>":
		return boolFloat(l != r), nil
	case "<":
		return boolFloat(l < r), nil
	case ">":
		return boolFloat(l > r), nil
	case "<=":
		return boolFloat(l <= r), nil
	case ">=":
		return boolFloat(l >= r), nil
	}
	return 0, fmt.Errorf("未知の演算子 %q", e.op)
}

func (e ternaryExpr) eval(s *scope) (float64, error) {
	c, err := e.cond.eval(s)
	if err != nil {
		return 0, err
	}
	if c != 0 {
		return e.a.eval(s)
	}
	return e.b.eval(s)
}

func (e callExpr) eval(s *scope) (float64, error) {
	x, err := e.arg.eval(s)
	if err != nil {
		return 0, err
	}
	v, err := e.call(x)
	if err != nil {
		return 0, err
	}
	return s.value(v), nil
}

func (e callExpr) call(x float64) (float64, error) {
	switch e.fn {
	case "SGN":
		switch {
		case x > 0:
			return 1, nil
		case x < 0:
			return -1, nil
		}
		return 0, nil
	case "NEG":
		return -x, nil
	case "ABS":
		return math.Abs(x), nil
	case "SQRT":
		return math.Sqrt(x), nil
	case "EXP":
		return math.Exp(x), nil
	case "LN":
		return math.Log(x), nil
	case "LG":
		return math.Log10(x), nil
	case "SIN":
		return math.Sin(x), nil
	case "COS":
		return math.Cos(x), nil
	case "TAN":
		return math.Tan(x), nil
	case "ASIN":
		return math.Asin(x), nil
	case "ACOS":
		return math.Acos(x), nil
	case "ATAN":
		return math.Atan(x), nil
	case "TRUNC":
		return math.Trunc(x), nil
	case "FLOOR":
		return math.Floor(x), nil
	case "CEIL":
		return math.Ceil(x), nil
	case "ROUND":
		return math.Round(x), nil
	}
	return 0, fmt.Errorf("未知の関数 %s", e.fn)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// 二項演算子の優先順位（大きいほど強く結合する）
var binaryPrecedence = map[string]int{
	"||": 2,
	"&&": 3,
	"|":  4,
	"^":  5,
	"&":  6,
	"=":  7,
	"<>": 7,
	"<":  8,
	">":  8,
	"<=": 8,
	">=": 8,
	"<<": 9,
	">>": 9,
	"+":  10,
	"-":  10,
	"*":  11,
	"/":  11,
	"%":  11,
	"**": 12,
}

// 長いものから照合する
var operators = []string{
	"**", "<<", ">>", "<=", ">=", "<>", "&&", "||",
	"+", "-", "*", "/", "%", "&", "|", "^", "~", "!", "=", "<", ">", "?", ":", "(", ")",
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// tokenize は数式を字句に分割する
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i
			if strings.HasPrefix(src[i:], "0x") || strings.HasPrefix(src[i:], "0X") {
				j += 2
				for j < len(src) && strings.ContainsRune("0123456789abcdefABCDEF", rune(src[j])) {
					j++
				}
				v, err := strconv.ParseUint(src[i+2:j], 16, 64)
				if err != nil {
					return nil, fmt.Errorf("数値 %q の解析に失敗: %w", src[i:j], err)
				}
				toks = append(toks, token{kind: tokNumber, text: src[i:j], num: float64(v)})
				i = j
				continue
			}
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '-' || src[j] == '+') && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("数値 %q の解析に失敗: %w", src[i:j], err)
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: v})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("不正な文字 %q (位置 %d)", c, i)
			}
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// parser は Pratt 方式の数式パーサ
type parser struct {
	toks []token
	pos  int
}

// parseFormula は SwissKnife の Formula を構文木に変換する
func parseFormula(src string) (expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("数式の末尾に余分な字句があります: %q", p.peek().text)
	}
	return e, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(op string) error {
	t := p.next()
	if t.kind != tokOp || t.text != op {
		return fmt.Errorf("%q が必要ですが %q がありました", op, t.text)
	}
	return nil
}

// parseExpr は minPrec 以上の優先順位を持つ式を解析する
func (p *parser) parseExpr(minPrec int) (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}

		// 三項演算子は最も弱く、右結合
		if t.text == "?" {
			if minPrec > 1 {
				return left, nil
			}
			p.next()
			a, err := p.parseExpr(1)
			if err != nil {
				return nil, err
			}
			if err := p.expect(":"); err != nil {
				return nil, err
			}
			b, err := p.parseExpr(1)
			if err != nil {
				return nil, err
			}
			left = ternaryExpr{cond: left, a: a, b: b}
			continue
		}

		prec, ok := binaryPrecedence[t.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.next()

		nextMin := prec + 1
		if t.text == "**" {
			nextMin = prec
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: t.text, l: left, r: right}
	}
}

func (p *parser) parseUnary() (expr, error) {
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "-", "+", "~", "!":
			p.next()
			x, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return unaryExpr{op: t.text, x: x}, nil
		}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return numberExpr(t.num), nil
	case tokIdent:
		if p.peek().kind == tokOp && p.peek().text == "(" {
			p.next()
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return callExpr{fn: strings.ToUpper(t.text), arg: arg}, nil
		}
		return varExpr(t.text), nil
	case tokOp:
		if t.text == "(" {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, fmt.Errorf("予期しない字句 %q", t.text)
}
