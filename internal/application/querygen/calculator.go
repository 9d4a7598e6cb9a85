package querygen

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalidExpression is returned for arithmetic that does not parse
var ErrInvalidExpression = errors.New("invalid arithmetic expression")

// maxResultBits bounds the size of any integer literal or intermediate
// result so a short input cannot pin the CPU
const maxResultBits = 4096

// UnsafeExpressionError reports syntax outside plain arithmetic, such as
// names, calls, strings or attribute access
type UnsafeExpressionError struct {
	Token string
	Pos   int
}

func (e *UnsafeExpressionError) Error() string {
	return fmt.Sprintf("unsafe expression: %q at offset %d is not allowed", e.Token, e.Pos)
}

// Calculate evaluates a restricted arithmetic expression.
//
// Only numeric literals, parentheses, unary minus and the binary operators
// + - * / % ** are accepted. Integer arithmetic is exact; / always yields a
// float and % takes the sign of the divisor. An integer result is an int64
// when it fits and an exact *big.Int otherwise; any other result is a finite
// float64. Results past maxResultBits bits or outside the float64 range are
// rejected with ErrInvalidExpression.
func Calculate(expr string) (any, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidExpression)
	}

	p := &calcParser{tokens: tokens}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		tok := p.peek()
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidExpression, tok.text, tok.pos)
	}
	return v.value(), nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == '_') {
				i++
			}
			if i < len(runes) && (runes[i] == 'e' || runes[i] == 'E') {
				j := i + 1
				if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
					j++
				}
				if j < len(runes) && unicode.IsDigit(runes[j]) {
					i = j
					for i < len(runes) && unicode.IsDigit(runes[i]) {
						i++
					}
				}
			}
			// 2abs, 1.real: a literal running into a name is attribute or call syntax
			if i < len(runes) && (unicode.IsLetter(runes[i]) || runes[i] == '.') {
				return nil, &UnsafeExpressionError{Token: string(runes[start : i+1]), Pos: start}
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), pos: start})
		case r == '*' && i+1 < len(runes) && runes[i+1] == '*':
			tokens = append(tokens, token{kind: tokOp, text: "**", pos: i})
			i += 2
		case strings.ContainsRune("+-*/%", r):
			tokens = append(tokens, token{kind: tokOp, text: string(r), pos: i})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			return nil, &UnsafeExpressionError{Token: string(runes[start:i]), Pos: start}
		default:
			return nil, &UnsafeExpressionError{Token: string(r), Pos: i}
		}
	}
	return tokens, nil
}

// number is either an exact integer or a float
type number struct {
	i     *big.Int
	f     float64
	isInt bool
}

func intNum(i *big.Int) number  { return number{i: i, isInt: true} }
func floatNum(f float64) number { return number{f: f} }

func (n number) float() float64 {
	if !n.isInt {
		return n.f
	}
	f, _ := new(big.Float).SetInt(n.i).Float64()
	return f
}

func (n number) value() any {
	if n.isInt {
		if n.i.IsInt64() {
			return n.i.Int64()
		}
		return new(big.Int).Set(n.i)
	}
	return n.f
}

func parseNumber(tok token) (number, error) {
	text := strings.ReplaceAll(tok.text, "_", "")
	if !strings.ContainsAny(text, ".eE") {
		i, ok := new(big.Int).SetString(text, 10)
		if !ok {
			return number{}, fmt.Errorf("%w: bad literal %q", ErrInvalidExpression, tok.text)
		}
		if i.BitLen() > maxResultBits {
			return number{}, fmt.Errorf("%w: literal %q too large", ErrInvalidExpression, tok.text)
		}
		return intNum(i), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return number{}, fmt.Errorf("%w: bad literal %q", ErrInvalidExpression, tok.text)
	}
	return floatNum(f), nil
}

// calcParser is a recursive descent parser with the usual precedence:
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/" | "%") unary }
//	unary  = "-" unary | power
//	power  = atom [ "**" unary ]
//	atom   = number | "(" expr ")"
type calcParser struct {
	tokens []token
	pos    int
}

func (p *calcParser) done() bool  { return p.pos >= len(p.tokens) }
func (p *calcParser) peek() token { return p.tokens[p.pos] }

func (p *calcParser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.peek().kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.peek().text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *calcParser) parseExpr() (number, error) {
	left, err := p.parseTerm()
	if err != nil {
		return number{}, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return number{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return number{}, err
		}
	}
}

func (p *calcParser) parseTerm() (number, error) {
	left, err := p.parseUnary()
	if err != nil {
		return number{}, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return number{}, err
		}
		if left, err = apply(op, left, right); err != nil {
			return number{}, err
		}
	}
}

func (p *calcParser) parseUnary() (number, error) {
	if _, ok := p.acceptOp("-"); ok {
		v, err := p.parseUnary()
		if err != nil {
			return number{}, err
		}
		return negate(v), nil
	}
	return p.parsePower()
}

func (p *calcParser) parsePower() (number, error) {
	base, err := p.parseAtom()
	if err != nil {
		return number{}, err
	}
	if _, ok := p.acceptOp("**"); ok {
		// right associative, and binds tighter than a unary minus on its left
		exp, err := p.parseUnary()
		if err != nil {
			return number{}, err
		}
		return apply("**", base, exp)
	}
	return base, nil
}

func (p *calcParser) parseAtom() (number, error) {
	if p.done() {
		return number{}, fmt.Errorf("%w: unexpected end of input", ErrInvalidExpression)
	}
	tok := p.peek()
	switch tok.kind {
	case tokNumber:
		p.pos++
		return parseNumber(tok)
	case tokLParen:
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return number{}, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return number{}, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidExpression)
		}
		p.pos++
		return v, nil
	default:
		return number{}, fmt.Errorf("%w: unexpected %q at offset %d", ErrInvalidExpression, tok.text, tok.pos)
	}
}

func negate(v number) number {
	if v.isInt {
		return intNum(new(big.Int).Neg(v.i))
	}
	return floatNum(-v.f)
}

func apply(op string, a, b number) (number, error) {
	var (
		r   number
		err error
	)
	if a.isInt && b.isInt {
		r, err = applyInt(op, a.i, b.i)
	} else {
		r, err = applyFloat(op, a.float(), b.float())
	}
	if err != nil {
		return number{}, err
	}
	if r.isInt && r.i.BitLen() > maxResultBits {
		return number{}, fmt.Errorf("%w: result too large", ErrInvalidExpression)
	}
	if !r.isInt && (math.IsInf(r.f, 0) || math.IsNaN(r.f)) {
		return number{}, fmt.Errorf("%w: result is not a finite number", ErrInvalidExpression)
	}
	return r, nil
}

func applyInt(op string, a, b *big.Int) (number, error) {
	switch op {
	case "+":
		return intNum(new(big.Int).Add(a, b)), nil
	case "-":
		return intNum(new(big.Int).Sub(a, b)), nil
	case "*":
		if a.BitLen()+b.BitLen() > maxResultBits+1 {
			return number{}, fmt.Errorf("%w: result too large", ErrInvalidExpression)
		}
		return intNum(new(big.Int).Mul(a, b)), nil
	case "/":
		if b.Sign() == 0 {
			return number{}, fmt.Errorf("%w: division by zero", ErrInvalidExpression)
		}
		q, _ := new(big.Rat).SetFrac(a, b).Float64()
		return floatNum(q), nil
	case "%":
		if b.Sign() == 0 {
			return number{}, fmt.Errorf("%w: modulo by zero", ErrInvalidExpression)
		}
		r := new(big.Int).Rem(a, b)
		if r.Sign() != 0 && r.Sign() != b.Sign() {
			r.Add(r, b)
		}
		return intNum(r), nil
	case "**":
		if b.Sign() < 0 {
			af, _ := new(big.Float).SetInt(a).Float64()
			bf, _ := new(big.Float).SetInt(b).Float64()
			return applyFloat("**", af, bf)
		}
		if new(big.Int).Abs(a).Cmp(big.NewInt(1)) <= 0 {
			return intNum(unitPow(a, b)), nil
		}
		// |a| >= 2**(BitLen-1), so the result needs at least (BitLen-1)*b bits
		if !b.IsInt64() || b.Int64() > maxResultBits ||
			int64(a.BitLen()-1)*b.Int64() > maxResultBits {
			return number{}, fmt.Errorf("%w: result too large", ErrInvalidExpression)
		}
		return intNum(new(big.Int).Exp(a, b, nil)), nil
	}
	return number{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidExpression, op)
}

// unitPow raises 0, 1 or -1 to a non-negative power without computing it
func unitPow(a, b *big.Int) *big.Int {
	switch {
	case a.Sign() == 0 && b.Sign() == 0:
		return big.NewInt(1)
	case a.Sign() < 0 && b.Bit(0) == 1:
		return big.NewInt(-1)
	case a.Sign() < 0:
		return big.NewInt(1)
	}
	return new(big.Int).Set(a)
}

func applyFloat(op string, a, b float64) (number, error) {
	switch op {
	case "+":
		return floatNum(a + b), nil
	case "-":
		return floatNum(a - b), nil
	case "*":
		return floatNum(a * b), nil
	case "/":
		if b == 0 {
			return number{}, fmt.Errorf("%w: division by zero", ErrInvalidExpression)
		}
		return floatNum(a / b), nil
	case "%":
		if b == 0 {
			return number{}, fmt.Errorf("%w: modulo by zero", ErrInvalidExpression)
		}
		r := math.Mod(a, b)
		if r != 0 && (r < 0) != (b < 0) {
			r += b
		}
		return floatNum(r), nil
	case "**":
		if a == 0 && b < 0 {
			return number{}, fmt.Errorf("%w: zero to a negative power", ErrInvalidExpression)
		}
		r := math.Pow(a, b)
		if math.IsNaN(r) {
			return number{}, fmt.Errorf("%w: power has no real result", ErrInvalidExpression)
		}
		return floatNum(r), nil
	}
	return number{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidExpression, op)
}
