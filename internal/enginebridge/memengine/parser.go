package memengine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/swarmsql/swarmsql/pkg/swarmerr"
)

// expr is a projection expression, evaluated over a group of one or
// more rows (a group of one row is a plain row-wise reference).
type expr interface {
	eval(group []row) (interface{}, error)
}

type colRef struct{ name string }

func (c colRef) eval(group []row) (interface{}, error) {
	if len(group) == 0 {
		return nil, nil
	}
	return group[0][c.name], nil
}

type numLit struct{ v float64 }

func (n numLit) eval([]row) (interface{}, error) { return n.v, nil }

type strLit struct{ v string }

func (s strLit) eval([]row) (interface{}, error) { return s.v, nil }

var aggregateNames = map[string]bool{"SUM": true, "COUNT": true, "MIN": true, "MAX": true, "AVG": true}

type funcCall struct {
	name string
	args []expr
}

func (f funcCall) eval(group []row) (interface{}, error) {
	switch strings.ToUpper(f.name) {
	case "SUM":
		return aggregateNumeric(f.args[0], group, 0, func(acc, v float64) float64 { return acc + v })
	case "MIN":
		return aggregateNumericInit(f.args[0], group, func(acc, v float64) float64 {
			if v < acc {
				return v
			}
			return acc
		})
	case "MAX":
		return aggregateNumericInit(f.args[0], group, func(acc, v float64) float64 {
			if v > acc {
				return v
			}
			return acc
		})
	case "AVG":
		sum, count := 0.0, 0.0
		for _, r := range group {
			v, ok := numericArg(f.args[0], r)
			if !ok {
				continue
			}
			sum += v
			count++
		}
		if count == 0 {
			return nil, nil
		}
		return sum / count, nil
	case "COUNT":
		if _, ok := f.args[0].(star); ok {
			return float64(len(group)), nil
		}
		n := 0.0
		for _, r := range group {
			v, err := f.args[0].eval([]row{r})
			if err != nil {
				return nil, err
			}
			if v != nil {
				n++
			}
		}
		return n, nil
	case "NULLIF":
		a, err := f.args[0].eval(group)
		if err != nil {
			return nil, err
		}
		b, err := f.args[1].eval(group)
		if err != nil {
			return nil, err
		}
		if compareValues(a, b) == 0 {
			return nil, nil
		}
		return a, nil
	default:
		return nil, swarmerr.InvalidArgument("memengine", "unsupported function %q", f.name)
	}
}

type star struct{}

func (star) eval([]row) (interface{}, error) { return nil, nil }

func numericArg(e expr, r row) (float64, bool) {
	v, err := e.eval([]row{r})
	if err != nil || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func aggregateNumeric(arg expr, group []row, init float64, combine func(acc, v float64) float64) (interface{}, error) {
	acc := init
	any := false
	for _, r := range group {
		if v, ok := numericArg(arg, r); ok {
			acc = combine(acc, v)
			any = true
		}
	}
	if !any {
		return init, nil
	}
	return acc, nil
}

func aggregateNumericInit(arg expr, group []row, combine func(acc, v float64) float64) (interface{}, error) {
	var acc float64
	any := false
	for _, r := range group {
		v, ok := numericArg(arg, r)
		if !ok {
			continue
		}
		if !any {
			acc = v
			any = true
			continue
		}
		acc = combine(acc, v)
	}
	if !any {
		return nil, nil
	}
	return acc, nil
}

type binOp struct {
	op          byte
	left, right expr
}

func (b binOp) eval(group []row) (interface{}, error) {
	lv, err := b.left.eval(group)
	if err != nil {
		return nil, err
	}
	rv, err := b.right.eval(group)
	if err != nil {
		return nil, err
	}
	if lv == nil || rv == nil {
		return nil, nil
	}
	lf, lok := lv.(float64)
	rf, rok := rv.(float64)
	if !lok || !rok {
		return nil, swarmerr.InvalidArgument("memengine", "arithmetic on non-numeric value")
	}
	switch b.op {
	case '+':
		return lf + rf, nil
	case '-':
		return lf - rf, nil
	case '*':
		return lf * rf, nil
	case '/':
		if rf == 0 {
			return nil, nil
		}
		return lf / rf, nil
	}
	return nil, swarmerr.Internal("memengine", "unknown operator %q", string(b.op))
}

// whereCond is a simple column-operator-literal comparison, ANDed with
// siblings. merge_sql never carries a WHERE (decompose keeps it on the
// node query only), so this only needs to serve node_sql execution.
type whereCond struct {
	column string
	op     string
	value  interface{}
}

type whereExpr struct {
	conds []whereCond
}

func (w *whereExpr) evalBool(r row) (bool, error) {
	for _, c := range w.conds {
		v := r[c.column]
		if !compareOp(v, c.op, c.value) {
			return false, nil
		}
	}
	return true, nil
}

func compareOp(v interface{}, op string, lit interface{}) bool {
	cmp := compareValues(v, lit)
	switch op {
	case "=":
		return cmp == 0
	case "!=", "<>":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return false
	}
}

type projItem struct {
	expr  expr
	alias string
}

type orderItem struct {
	column string
	desc   bool
}

type selectStmt struct {
	projection []projItem
	from       string
	where      *whereExpr
	groupBy    []string
	orderBy    []orderItem
	limit      int
	offset     int
}

func (s *selectStmt) hasAggregate() bool {
	for _, item := range s.projection {
		if exprHasAggregate(item.expr) {
			return true
		}
	}
	return false
}

func exprHasAggregate(e expr) bool {
	switch v := e.(type) {
	case funcCall:
		if aggregateNames[strings.ToUpper(v.name)] {
			return true
		}
		for _, a := range v.args {
			if exprHasAggregate(a) {
				return true
			}
		}
	case binOp:
		return exprHasAggregate(v.left) || exprHasAggregate(v.right)
	}
	return false
}

var (
	reSelect  = regexp.MustCompile(`(?is)^\s*SELECT\s+(.*?)\s+FROM\s+("?[\w]+"?)(.*)$`)
	reWhere   = regexp.MustCompile(`(?is)\bWHERE\b(.*?)(?:\bGROUP\s+BY\b|\bORDER\s+BY\b|\bLIMIT\b|\bOFFSET\b|$)`)
	reGroupBy = regexp.MustCompile(`(?is)\bGROUP\s+BY\b(.*?)(?:\bORDER\s+BY\b|\bLIMIT\b|\bOFFSET\b|$)`)
	reOrderBy = regexp.MustCompile(`(?is)\bORDER\s+BY\b(.*?)(?:\bLIMIT\b|\bOFFSET\b|$)`)
	reLimit   = regexp.MustCompile(`(?is)\bLIMIT\b\s+(\d+)`)
	reOffset  = regexp.MustCompile(`(?is)\bOFFSET\b\s+(\d+)`)
)

// parseSelect parses this package's constrained SELECT dialect.
func parseSelect(sql string) (*selectStmt, error) {
	m := reSelect.FindStringSubmatch(sql)
	if m == nil {
		return nil, swarmerr.InvalidArgument("memengine", "unsupported query: %s", sql)
	}

	stmt := &selectStmt{from: strings.Trim(m[2], `"`), limit: -1}
	tail := m[3]

	if wm := reWhere.FindStringSubmatch(tail); wm != nil {
		where, err := parseWhere(wm[1])
		if err != nil {
			return nil, err
		}
		stmt.where = where
	}
	if gm := reGroupBy.FindStringSubmatch(tail); gm != nil {
		for _, col := range strings.Split(gm[1], ",") {
			stmt.groupBy = append(stmt.groupBy, strings.TrimSpace(col))
		}
	}
	if om := reOrderBy.FindStringSubmatch(tail); om != nil {
		for _, col := range strings.Split(om[1], ",") {
			col = strings.TrimSpace(col)
			desc := false
			if strings.HasSuffix(strings.ToUpper(col), " DESC") {
				desc = true
				col = strings.TrimSpace(col[:len(col)-5])
			} else if strings.HasSuffix(strings.ToUpper(col), " ASC") {
				col = strings.TrimSpace(col[:len(col)-4])
			}
			stmt.orderBy = append(stmt.orderBy, orderItem{column: col, desc: desc})
		}
	}
	if lm := reLimit.FindStringSubmatch(tail); lm != nil {
		n, _ := strconv.Atoi(lm[1])
		stmt.limit = n
	}
	if om := reOffset.FindStringSubmatch(tail); om != nil {
		n, _ := strconv.Atoi(om[1])
		stmt.offset = n
	}

	items, err := parseProjection(m[1])
	if err != nil {
		return nil, err
	}
	stmt.projection = items
	return stmt, nil
}

func parseWhere(s string) (*whereExpr, error) {
	var conds []whereCond
	for _, part := range splitTopLevelWord(s, "AND") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cond, err := parseCond(part)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return &whereExpr{conds: conds}, nil
}

var reCond = regexp.MustCompile(`^\s*"?([\w]+)"?\s*(=|!=|<>|<=|>=|<|>)\s*(.+?)\s*$`)

func parseCond(s string) (whereCond, error) {
	m := reCond.FindStringSubmatch(s)
	if m == nil {
		return whereCond{}, swarmerr.InvalidArgument("memengine", "unsupported WHERE condition: %s", s)
	}
	return whereCond{column: m[1], op: m[2], value: literalValue(m[3])}, nil
}

func literalValue(s string) interface{} {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return quoteStrip(s)
}

func parseProjection(s string) ([]projItem, error) {
	var items []projItem
	for _, part := range splitTopLevelComma(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		exprText, alias := splitAsAlias(part)
		e, err := parseExpr(exprText)
		if err != nil {
			return nil, err
		}
		if alias == "" {
			alias = defaultAlias(exprText)
		}
		items = append(items, projItem{expr: e, alias: alias})
	}
	return items, nil
}

var reAs = regexp.MustCompile(`(?i)\s+AS\s+`)

func splitAsAlias(s string) (expr string, alias string) {
	loc := reAs.FindStringIndex(s)
	if loc == nil {
		return s, ""
	}
	return strings.TrimSpace(s[:loc[0]]), strings.Trim(strings.TrimSpace(s[loc[1]:]), `"`)
}

func defaultAlias(exprText string) string {
	exprText = strings.TrimSpace(exprText)
	exprText = strings.Trim(exprText, `"`)
	if exprText == "*" {
		return "*"
	}
	return exprText
}

// parseExpr parses a +/- and */ arithmetic expression over function
// calls, column refs, and literals — exactly the shapes
// internal/decompose emits.
func parseExpr(s string) (expr, error) {
	p := &exprParser{s: s}
	e, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return nil, swarmerr.InvalidArgument("memengine", "unexpected trailing input in expression: %s", s)
	}
	return e, nil
}

type exprParser struct {
	s   string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n') {
		p.pos++
	}
}

func (p *exprParser) parseAddSub() (expr, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.s) || (p.s[p.pos] != '+' && p.s[p.pos] != '-') {
			return left, nil
		}
		op := p.s[p.pos]
		p.pos++
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left = binOp{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseMulDiv() (expr, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.s) || (p.s[p.pos] != '*' && p.s[p.pos] != '/') {
			return left, nil
		}
		op := p.s[p.pos]
		p.pos++
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		left = binOp{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseAtom() (expr, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return nil, swarmerr.InvalidArgument("memengine", "unexpected end of expression")
	}

	if p.s[p.pos] == '(' {
		p.pos++
		e, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.s) || p.s[p.pos] != ')' {
			return nil, swarmerr.InvalidArgument("memengine", "missing closing paren in expression: %s", p.s)
		}
		p.pos++
		return e, nil
	}

	if p.s[p.pos] == '*' {
		p.pos++
		return star{}, nil
	}

	if p.s[p.pos] == '\'' {
		end := strings.IndexByte(p.s[p.pos+1:], '\'')
		if end < 0 {
			return nil, swarmerr.InvalidArgument("memengine", "unterminated string literal in expression: %s", p.s)
		}
		v := p.s[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return strLit{v: v}, nil
	}

	start := p.pos
	for p.pos < len(p.s) && (isIdentByte(p.s[p.pos]) || p.s[p.pos] == '.') {
		p.pos++
	}
	if p.pos == start {
		return nil, swarmerr.InvalidArgument("memengine", "unexpected character %q in expression: %s", string(p.s[p.pos]), p.s)
	}
	token := p.s[start:p.pos]

	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		return funcCall{name: strings.ToUpper(token), args: args}, nil
	}

	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return numLit{v: f}, nil
	}
	return colRef{name: strings.Trim(token, `"`)}, nil
}

func (p *exprParser) parseArgs() ([]expr, error) {
	var args []expr
	p.skipSpace()
	if p.pos < len(p.s) && p.s[p.pos] == '*' {
		p.pos++
		args = append(args, star{})
		p.skipSpace()
	} else {
		for {
			e, err := p.parseAddSub()
			if err != nil {
				return nil, err
			}
			args = append(args, e)
			p.skipSpace()
			if p.pos < len(p.s) && p.s[p.pos] == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	if p.pos >= len(p.s) || p.s[p.pos] != ')' {
		return nil, swarmerr.InvalidArgument("memengine", "missing closing paren in function call: %s", p.s)
	}
	p.pos++
	return args, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func splitTopLevelWord(s string, word string) []string {
	upper := strings.ToUpper(s)
	upperWord := " " + word + " "
	var parts []string
	depth := 0
	start := 0
	i := 0
	for i < len(s) {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && i+len(upperWord) <= len(upper) && upper[i:i+len(upperWord)] == upperWord {
			parts = append(parts, s[start:i])
			i += len(upperWord)
			start = i
			continue
		}
		i++
	}
	parts = append(parts, s[start:])
	return parts
}
