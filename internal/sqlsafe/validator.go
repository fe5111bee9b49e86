package sqlsafe

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cliniquery/backend/internal/catalog"
)

type ViolationKind string

const (
	ViolationMultiStatement      ViolationKind = "multi_statement"
	ViolationNonReadOnly         ViolationKind = "non_read_only"
	ViolationSchemaMismatch      ViolationKind = "schema_mismatch"
	ViolationDisallowedConstruct ViolationKind = "disallowed_construct"
)

type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

// Result is the verdict for a single candidate. SanitizedSQL carries the
// row-limit-capped statement and is only meaningful when Safe is true.
type Result struct {
	Safe         bool        `json:"safe"`
	Violations   []Violation `json:"violations,omitempty"`
	Tables       []string    `json:"tables,omitempty"`
	Columns      []string    `json:"columns,omitempty"`
	SanitizedSQL string      `json:"sanitized_sql,omitempty"`
}

// writeKeywords can never appear in a candidate, at any nesting depth.
// A statement rooted at one of these is a mutation attempt; one appearing
// deeper has no legitimate place inside a SELECT either.
var writeKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"create": true, "alter": true, "truncate": true, "grant": true,
	"revoke": true, "merge": true, "copy": true, "call": true,
	"do": true, "execute": true, "set": true, "reset": true,
	"lock": true, "vacuum": true, "reindex": true, "cluster": true,
	"refresh": true, "listen": true, "notify": true, "prepare": true,
	"deallocate": true, "declare": true, "commit": true, "rollback": true,
	"begin": true, "savepoint": true, "into": true, "returning": true,
}

// allowedFunctions is the closed list of functions a candidate may call:
// aggregates, comparison helpers, string and date formatting. Anything
// else (administrative, file, network functions) is rejected.
var allowedFunctions = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"string_agg": true, "array_agg": true,
	"coalesce": true, "nullif": true, "greatest": true, "least": true,
	"abs": true, "round": true, "ceil": true, "floor": true,
	"lower": true, "upper": true, "initcap": true,
	"trim": true, "btrim": true, "ltrim": true, "rtrim": true,
	"length": true, "char_length": true,
	"substring": true, "substr": true, "concat": true, "replace": true,
	"position": true, "left": true, "right": true,
	"now": true, "current_date": true, "current_timestamp": true,
	"date": true, "date_part": true, "date_trunc": true, "extract": true,
	"age": true, "to_char": true, "to_date": true, "to_timestamp": true,
	"cast": true, "row_number": true, "rank": true, "dense_rank": true,
}

// sqlKeywords are structural words that must never be treated as column
// references.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "group": true, "by": true,
	"order": true, "having": true, "limit": true, "offset": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true,
	"outer": true, "cross": true, "on": true, "as": true, "and": true,
	"or": true, "not": true, "null": true, "is": true, "in": true,
	"between": true, "like": true, "ilike": true, "exists": true,
	"case": true, "when": true, "then": true, "else": true, "end": true,
	"distinct": true, "union": true, "intersect": true, "except": true,
	"all": true, "any": true, "some": true, "asc": true, "desc": true,
	"with": true, "recursive": true, "using": true, "natural": true,
	"true": true, "false": true, "interval": true, "filter": true,
	"over": true, "partition": true, "rows": true, "range": true,
	"unbounded": true, "preceding": true, "following": true,
	"current": true, "row": true, "nulls": true, "first": true, "last": true,
	"escape": true, "collate": true, "symmetric": true, "isnull": true,
	"notnull": true, "at": true, "zone": true, "cast": true, "extract": true,
	"year": true, "month": true, "day": true, "hour": true, "minute": true,
	"second": true, "epoch": true, "quarter": true, "week": true,
	"dow": true, "doy": true,
}

// scalarFuncsWithFrom use FROM as a separator inside their argument list
// (EXTRACT(YEAR FROM x)); such a FROM never introduces table references.
var scalarFuncsWithFrom = map[string]bool{
	"extract": true, "substring": true, "trim": true, "position": true,
	"overlay": true,
}

// Validator enforces the safety grammar against a pinned catalog snapshot.
type Validator struct {
	maxRows int
}

func NewValidator(maxRows int) *Validator {
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &Validator{maxRows: maxRows}
}

func (v *Validator) MaxRows() int {
	return v.maxRows
}

// Validate runs the full safety check sequence on one candidate:
// single statement, read-only root, schema resolution, function
// allow-list, and row-limit capping.
func (v *Validator) Validate(snap *catalog.Snapshot, sqlText string) Result {
	tokens, err := lex(sqlText)
	if err != nil {
		return failure(ViolationDisallowedConstruct, err.Error())
	}
	if len(tokens) == 0 {
		return failure(ViolationNonReadOnly, "empty statement")
	}

	statements := splitStatements(tokens)
	if len(statements) > 1 {
		return failure(ViolationMultiStatement, fmt.Sprintf("%d statements found, expected 1", len(statements)))
	}
	if len(statements) == 0 {
		return failure(ViolationNonReadOnly, "empty statement")
	}
	stmt := statements[0]

	first := stmt[0]
	if first.kind != tokenIdent || (first.lower != "select" && first.lower != "with") {
		return failure(ViolationNonReadOnly, fmt.Sprintf("statement root is %q, only SELECT is permitted", first.text))
	}

	var violations []Violation
	for _, tok := range stmt {
		if tok.kind == tokenIdent && writeKeywords[tok.lower] {
			violations = append(violations, Violation{
				Kind:   ViolationNonReadOnly,
				Detail: fmt.Sprintf("write keyword %q is not permitted", strings.ToUpper(tok.lower)),
			})
		}
		if tok.kind == tokenSymbol && tok.text == "$" {
			violations = append(violations, Violation{
				Kind:   ViolationDisallowedConstruct,
				Detail: "parameter placeholders are not permitted",
			})
		}
	}
	if len(violations) > 0 {
		return Result{Safe: false, Violations: violations}
	}

	a := newAnalysis(stmt)
	a.scanStructure()
	violations = a.resolve(snap)
	if len(violations) > 0 {
		return Result{Safe: false, Violations: violations, Tables: a.sortedTables(), Columns: a.sortedColumns()}
	}

	sanitized := v.capRowLimit(sqlText, stmt)

	return Result{
		Safe:         true,
		Tables:       a.sortedTables(),
		Columns:      a.sortedColumns(),
		SanitizedSQL: sanitized,
	}
}

func failure(kind ViolationKind, detail string) Result {
	return Result{Safe: false, Violations: []Violation{{Kind: kind, Detail: detail}}}
}

// splitStatements cuts the token stream on semicolons and drops empty
// segments (a single trailing semicolon is not a second statement).
func splitStatements(tokens []token) [][]token {
	var statements [][]token
	start := 0
	for i, tok := range tokens {
		if tok.kind == tokenSymbol && tok.text == ";" {
			if i > start {
				statements = append(statements, tokens[start:i])
			}
			start = i + 1
		}
	}
	if start < len(tokens) {
		statements = append(statements, tokens[start:])
	}
	return statements
}

// tableRef is a table mentioned in a FROM or JOIN clause, possibly
// schema-qualified, possibly aliased.
type tableRef struct {
	name  string
	alias string
}

// columnRef is an identifier in value position, possibly qualified by a
// table name or alias.
type columnRef struct {
	qualifier string
	name      string
}

type analysis struct {
	tokens []token

	tables        []tableRef
	cteNames      map[string]bool
	derivedAlias  map[string]bool
	columnAliases map[string]bool
	columnRefs    []columnRef
	functionCalls []string

	resolvedTables  map[string]bool
	resolvedColumns map[string]bool
}

func newAnalysis(tokens []token) *analysis {
	return &analysis{
		tokens:          tokens,
		cteNames:        map[string]bool{},
		derivedAlias:    map[string]bool{},
		columnAliases:   map[string]bool{},
		resolvedTables:  map[string]bool{},
		resolvedColumns: map[string]bool{},
	}
}

func (a *analysis) at(i int) (token, bool) {
	if i < 0 || i >= len(a.tokens) {
		return token{}, false
	}
	return a.tokens[i], true
}

// scanStructure walks the token stream once, collecting CTE names, table
// references with aliases, derived-table aliases, select-list aliases,
// function calls, and candidate column references.
func (a *analysis) scanStructure() {
	if len(a.tokens) > 0 && a.tokens[0].lower == "with" {
		a.collectCTENames()
	}

	consumed := make([]bool, len(a.tokens))
	// funcStack tracks, per open paren, the function name that owns it
	// ("" for plain grouping).
	var funcStack []string

	for i := 0; i < len(a.tokens); i++ {
		tok := a.tokens[i]

		if tok.kind == tokenSymbol {
			switch tok.text {
			case "(":
				owner := ""
				if prev, ok := a.at(i - 1); ok && prev.kind == tokenIdent && !sqlKeywords[prev.lower] {
					owner = prev.lower
				} else if prev, ok := a.at(i - 1); ok && prev.kind == tokenIdent && (prev.lower == "left" || prev.lower == "right" || prev.lower == "extract" || prev.lower == "cast") {
					owner = prev.lower
				}
				funcStack = append(funcStack, owner)
			case ")":
				if len(funcStack) > 0 {
					funcStack = funcStack[:len(funcStack)-1]
				}
			}
			continue
		}

		if tok.kind != tokenIdent || consumed[i] {
			continue
		}

		// FROM/JOIN introduce table references unless the FROM belongs
		// to a scalar function like EXTRACT.
		if tok.lower == "from" || tok.lower == "join" {
			if tok.lower == "from" && len(funcStack) > 0 && scalarFuncsWithFrom[funcStack[len(funcStack)-1]] {
				continue
			}
			i = a.collectTableRefs(i+1, consumed) - 1
			continue
		}

		if sqlKeywords[tok.lower] && !isCallable(tok.lower) {
			continue
		}

		next, hasNext := a.at(i + 1)
		if hasNext && next.kind == tokenSymbol && next.text == "(" {
			a.functionCalls = append(a.functionCalls, tok.lower)
			continue
		}

		if sqlKeywords[tok.lower] {
			continue
		}

		if prev, ok := a.at(i - 1); ok {
			if prev.kind == tokenIdent && prev.lower == "as" {
				a.columnAliases[tok.lower] = true
				continue
			}
			// Implicit alias without AS: a bare identifier directly
			// after a closing paren or a literal names the preceding
			// expression (count(*) cnt, 1 one).
			if (prev.kind == tokenSymbol && prev.text == ")") ||
				prev.kind == tokenNumber || prev.kind == tokenString {
				a.columnAliases[tok.lower] = true
				continue
			}
		}

		// Qualified reference: ident '.' ident or ident '.' '*'.
		if hasNext && next.kind == tokenSymbol && next.text == "." {
			if col, ok := a.at(i + 2); ok {
				name := "*"
				if col.kind == tokenIdent {
					name = col.lower
					consumed[i+2] = true
				}
				a.columnRefs = append(a.columnRefs, columnRef{qualifier: tok.lower, name: name})
				i += 2
				continue
			}
		}

		a.columnRefs = append(a.columnRefs, columnRef{name: tok.lower})
	}
}

// isCallable reports keywords that double as functions when followed by
// an argument list (LEFT(name, 3), CAST(x AS int)).
func isCallable(word string) bool {
	return word == "left" || word == "right" || word == "cast" || word == "extract"
}

// collectCTENames registers WITH-clause names so references to them are
// not mistaken for catalog tables. Bodies are analyzed by the main scan.
func (a *analysis) collectCTENames() {
	i := 1
	if tok, ok := a.at(i); ok && tok.lower == "recursive" {
		i++
	}
	for {
		name, ok := a.at(i)
		if !ok || name.kind != tokenIdent {
			return
		}
		a.cteNames[name.lower] = true
		i++

		// Optional column list, then AS ( body ).
		if tok, ok := a.at(i); ok && tok.text == "(" {
			i = a.skipParens(i)
		}
		if tok, ok := a.at(i); !ok || tok.lower != "as" {
			return
		}
		i++
		if tok, ok := a.at(i); !ok || tok.text != "(" {
			return
		}
		i = a.skipParens(i)

		if tok, ok := a.at(i); ok && tok.text == "," {
			i++
			continue
		}
		return
	}
}

// skipParens returns the index just past the paren group opening at i.
func (a *analysis) skipParens(i int) int {
	depth := 0
	for ; i < len(a.tokens); i++ {
		if a.tokens[i].kind != tokenSymbol {
			continue
		}
		switch a.tokens[i].text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

var fromClauseTerminators = map[string]bool{
	"where": true, "group": true, "order": true, "having": true,
	"limit": true, "offset": true, "union": true, "intersect": true,
	"except": true, "on": true, "using": true, "join": true,
	"inner": true, "left": true, "right": true, "full": true,
	"outer": true, "cross": true, "natural": true, "when": true,
	"then": true, "else": true, "end": true, "and": true, "or": true,
	"from": true, "select": true, "window": true,
}

// collectTableRefs parses the table list starting right after FROM or
// JOIN and returns the index of the first unconsumed token.
func (a *analysis) collectTableRefs(i int, consumed []bool) int {
	for {
		tok, ok := a.at(i)
		if !ok {
			return i
		}

		// Derived table: (SELECT ...) [AS] alias. Register the alias by
		// lookahead, then hand the body back to the main scan so its own
		// FROM clauses and column references are checked too.
		if tok.kind == tokenSymbol && tok.text == "(" {
			j := a.skipParens(i)
			if t, ok := a.at(j); ok && t.kind == tokenIdent && t.lower == "as" {
				consumed[j] = true
				j++
			}
			if t, ok := a.at(j); ok && t.kind == tokenIdent && !sqlKeywords[t.lower] {
				a.derivedAlias[t.lower] = true
				consumed[j] = true
			}
			return i
		} else if tok.kind == tokenIdent && !fromClauseTerminators[tok.lower] {
			ref := tableRef{name: tok.lower}
			consumed[i] = true
			i++

			// Schema qualifier: keep the final part for catalog lookup.
			if dot, ok := a.at(i); ok && dot.text == "." {
				if part, ok := a.at(i + 1); ok && part.kind == tokenIdent {
					ref.name = part.lower
					consumed[i+1] = true
					i += 2
				}
			}

			if t, ok := a.at(i); ok && t.kind == tokenIdent && t.lower == "as" {
				consumed[i] = true
				i++
			}
			if t, ok := a.at(i); ok && t.kind == tokenIdent && !fromClauseTerminators[t.lower] && !sqlKeywords[t.lower] {
				ref.alias = t.lower
				consumed[i] = true
				i++
			}
			a.tables = append(a.tables, ref)
		} else {
			return i
		}

		if t, ok := a.at(i); ok && t.kind == tokenSymbol && t.text == "," {
			i++
			continue
		}
		return i
	}
}

// resolve checks collected references against the catalog snapshot and
// the function allow-list, returning all violations found.
func (a *analysis) resolve(snap *catalog.Snapshot) []Violation {
	var violations []Violation

	aliasToTable := map[string]string{}
	var realTables []catalog.Table

	for _, ref := range a.tables {
		if a.cteNames[ref.name] {
			if ref.alias != "" {
				a.derivedAlias[ref.alias] = true
			}
			continue
		}
		table, ok := snap.Table(ref.name)
		if !ok {
			violations = append(violations, Violation{
				Kind:   ViolationSchemaMismatch,
				Detail: fmt.Sprintf("unknown table %q", ref.name),
			})
			continue
		}
		a.resolvedTables[ref.name] = true
		realTables = append(realTables, table)
		aliasToTable[ref.name] = ref.name
		if ref.alias != "" {
			aliasToTable[ref.alias] = ref.name
		}
	}

	for _, fn := range a.functionCalls {
		if !allowedFunctions[fn] {
			violations = append(violations, Violation{
				Kind:   ViolationDisallowedConstruct,
				Detail: fmt.Sprintf("function %q is not on the allow-list", fn),
			})
		}
	}

	// Bare columns cannot be fully resolved when derived tables or CTEs
	// are in scope; in that case only qualified references are checked.
	strict := len(a.derivedAlias) == 0 && len(a.cteNames) == 0

	for _, ref := range a.columnRefs {
		if ref.qualifier != "" {
			if a.derivedAlias[ref.qualifier] || a.cteNames[ref.qualifier] {
				continue
			}
			tableName, ok := aliasToTable[ref.qualifier]
			if !ok {
				violations = append(violations, Violation{
					Kind:   ViolationSchemaMismatch,
					Detail: fmt.Sprintf("unknown table or alias %q", ref.qualifier),
				})
				continue
			}
			if ref.name == "*" {
				continue
			}
			if !snap.HasColumn(tableName, ref.name) {
				violations = append(violations, Violation{
					Kind:   ViolationSchemaMismatch,
					Detail: fmt.Sprintf("unknown column %q on table %q", ref.name, tableName),
				})
				continue
			}
			a.resolvedColumns[tableName+"."+ref.name] = true
			continue
		}

		if a.columnAliases[ref.name] {
			continue
		}

		found := ""
		for _, table := range realTables {
			if _, ok := table.Column(ref.name); ok {
				found = table.Name
				break
			}
		}
		if found != "" {
			a.resolvedColumns[found+"."+ref.name] = true
			continue
		}
		if strict {
			violations = append(violations, Violation{
				Kind:   ViolationSchemaMismatch,
				Detail: fmt.Sprintf("unknown column %q", ref.name),
			})
		}
	}

	return violations
}

func (a *analysis) sortedTables() []string {
	out := make([]string, 0, len(a.resolvedTables))
	for name := range a.resolvedTables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *analysis) sortedColumns() []string {
	out := make([]string, 0, len(a.resolvedColumns))
	for name := range a.resolvedColumns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// capRowLimit appends a LIMIT clause when absent and lowers an existing
// top-level LIMIT that exceeds the configured cap.
func (v *Validator) capRowLimit(sqlText string, tokens []token) string {
	depth := 0
	for i, tok := range tokens {
		if tok.kind == tokenSymbol {
			switch tok.text {
			case "(":
				depth++
			case ")":
				depth--
			}
			continue
		}
		if depth != 0 || tok.kind != tokenIdent || tok.lower != "limit" {
			continue
		}
		next, ok := token{}, false
		if i+1 < len(tokens) {
			next, ok = tokens[i+1], true
		}
		if !ok {
			break
		}
		if next.kind == tokenNumber {
			limit, err := strconv.Atoi(next.text)
			if err == nil && limit <= v.maxRows {
				return trimStatement(sqlText)
			}
		}
		// LIMIT ALL or an over-cap number: rewrite the operand. Token
		// offsets index the original text, so splice before trimming.
		spliced := sqlText[:next.pos] + strconv.Itoa(v.maxRows) + sqlText[next.end:]
		return trimStatement(spliced)
	}

	return fmt.Sprintf("%s LIMIT %d", trimStatement(sqlText), v.maxRows)
}

func trimStatement(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ";"))
}
