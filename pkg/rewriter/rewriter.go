// Package rewriter turns a client-submitted SQL string into text a backend
// can execute: literal short-circuits for catalog/introspection queries the
// wire protocol always expects to succeed, relation substitution that lets a
// registered table name resolve to an arbitrary subquery, and a small
// dialect massage pass for backends that don't speak PostgreSQL natively.
//
// Parsing and location tracking are done with pganalyze/pg_query_go, the
// same libpg_query bindings used elsewhere in the corpus for structural SQL
// analysis. Rather than reconstruct a modified parse tree and deparse it —
// which would require synthesizing RangeSubselect/Alias nodes by hand — this
// rewriter uses the parsed RangeVar locations to splice replacement text
// directly into the original SQL, the same location-and-splice approach used
// for table-reference rewriting elsewhere in the pack.
package rewriter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/ha1tch/pgfrontend/pkg/errors"
	"github.com/ha1tch/pgfrontend/pkg/log"
	"github.com/ha1tch/pgfrontend/pkg/metrics"
)

// Dialect identifies the SQL text dialect a backend expects after rewriting.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// RelationFunc produces the SQL text backing a registered relation
// substitution. Called once per occurrence; implementations that need
// parameters should close over whatever session state they require.
type RelationFunc func() (string, error)

// Rewriter holds the relation registry and target dialect for one backend.
type Rewriter struct {
	dialect   Dialect
	relations map[string]RelationFunc
	logger    *log.CategoryLogger
}

// New returns a Rewriter targeting dialect.
func New(dialect Dialect) *Rewriter {
	return &Rewriter{
		dialect:   dialect,
		relations: make(map[string]RelationFunc),
	}
}

// SetLogger attaches a logger used to report parse failures that fall back
// to passing the original SQL through unchanged.
func (rw *Rewriter) SetLogger(logger *log.CategoryLogger) {
	rw.logger = logger
}

// Register binds qualifiedName (e.g. "schema.table" or "table") to fn.
// References to that name in FROM clauses are replaced with a parenthesized
// subquery running fn's SQL, preserving any alias already present in the
// query or introducing one equal to the table name when absent.
func (rw *Rewriter) Register(qualifiedName string, fn RelationFunc) {
	rw.relations[qualifiedName] = fn
}

// Rewrite transforms sql for the target backend. A short-circuited query is
// replaced by its literal rewrite and returned at once; unparseable input is
// returned unchanged (error policy is
// deliberately permissive here: rewriting is advisory, not validating — the
// backend itself is the source of truth on whether the SQL is well-formed).
func (rw *Rewriter) Rewrite(sql string) (string, error) {
	if rewritten, ok := preParseShortCircuit(sql); ok {
		return rewritten, nil
	}

	input := sql
	sql = stripRegCasts(sql)

	out, err := rw.substituteRelations(sql)
	if err != nil {
		// Parse failure: the statement may be valid syntax the backend
		// understands but pg_query_go's PostgreSQL grammar doesn't (or vice
		// versa); let it through for the backend to accept or reject.
		metrics.RewriteFailures.Inc()
		if rw.logger != nil {
			rw.logger.Warn("sql did not parse, passing through unchanged", "error", err.Error())
		}
		return input, nil
	}

	return rw.massageDialect(out), nil
}

// substituteRelations parses sql, finds RangeVar occurrences matching a
// registered relation, and splices in the replacement subquery text.
func (rw *Rewriter) substituteRelations(sql string) (string, error) {
	if len(rw.relations) == 0 {
		return sql, nil
	}

	tree, err := pg_query.Parse(sql)
	if err != nil {
		return "", fmt.Errorf("parsing sql: %w", err)
	}

	var refs []rangeVarRef
	for _, raw := range tree.Stmts {
		collectRangeVars(raw.Stmt, &refs)
	}
	if len(refs) == 0 {
		return sql, nil
	}

	type splice struct {
		start, end int
		text       string
	}
	var splices []splice

	for _, ref := range refs {
		name := qualifiedRangeVarName(ref.rv)
		fn, ok := rw.relations[name]
		if !ok {
			continue
		}
		replacement, err := fn()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeRewriteRelation, "relation provider failed").
				WithField("relation", name).
				Err()
		}

		start := int(ref.rv.Location)
		end := start + qualifiedNameSpanLength(sql, start, qualifiedNamePartCount(ref.rv))
		if end > len(sql) || start < 0 || start >= end {
			continue
		}

		text := "(" + replacement + ")"
		if ref.rv.Alias == nil {
			text += " AS " + quoteIdentIfNeeded(ref.rv.Relname)
		}
		splices = append(splices, splice{start: start, end: end, text: text})
	}

	if len(splices) == 0 {
		return sql, nil
	}

	sort.Slice(splices, func(i, j int) bool { return splices[i].start > splices[j].start })

	result := sql
	for _, s := range splices {
		result = result[:s.start] + s.text + result[s.end:]
	}
	return result, nil
}

type rangeVarRef struct {
	rv *pg_query.RangeVar
}

// qualifiedNamePartCount returns how many dot-separated parts a RangeVar's
// source text has, so qualifiedNameSpanLength knows how many identifiers to
// scan over.
func qualifiedNamePartCount(rv *pg_query.RangeVar) int {
	n := 1 // Relname is always present
	if rv.Catalogname != "" {
		n++
	}
	if rv.Schemaname != "" {
		n++
	}
	return n
}

// qualifiedNameSpanLength scans forward from start in sql and returns the
// length of a dot-separated identifier sequence of numParts parts, honoring
// double-quoted identifiers (which may contain dots, spaces, or escaped
// quotes via "") so a splice over a quoted name like "MixedCase" isn't
// mis-sized against the unquoted length of RangeVar.Relname.
func qualifiedNameSpanLength(sql string, start, numParts int) int {
	i := start
	n := len(sql)
	for p := 0; p < numParts; p++ {
		if i >= n {
			break
		}
		if sql[i] == '"' {
			i++
			for i < n {
				if sql[i] == '"' {
					if i+1 < n && sql[i+1] == '"' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		} else {
			for i < n && isIdentByte(sql[i]) {
				i++
			}
		}
		if p < numParts-1 && i < n && sql[i] == '.' {
			i++
		}
	}
	return i - start
}

// bareIdentRe matches an identifier that round-trips through PostgreSQL's
// case-folding rules unquoted; anything else needs a quoted alias so the
// synthesized "AS <name>" doesn't silently change the relation's apparent
// name (e.g. unquoted MixedCase folds to mixedcase).
var bareIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func quoteIdentIfNeeded(name string) string {
	if bareIdentRe.MatchString(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// qualifiedRangeVarName joins a RangeVar's catalog/schema/relation parts
// (whichever are present) with ".", so 3-part-qualified references like
// system.jdbc.schemas match a relation registered under that full key.
func qualifiedRangeVarName(rv *pg_query.RangeVar) string {
	parts := make([]string, 0, 3)
	if rv.Catalogname != "" {
		parts = append(parts, rv.Catalogname)
	}
	if rv.Schemaname != "" {
		parts = append(parts, rv.Schemaname)
	}
	parts = append(parts, rv.Relname)
	return strings.Join(parts, ".")
}

// collectRangeVars walks the statements a relation substitution plausibly
// applies to: SELECT (including CTEs and set operations), the SELECT of an
// INSERT ... SELECT, UPDATE ... FROM, DELETE ... USING, and joins/subselects
// nested within them. DDL and other statements are not walked since
// relation substitution only ever targets read positions.
func collectRangeVars(node *pg_query.Node, out *[]rangeVarRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		collectFromSelect(n.SelectStmt, out)
	case *pg_query.Node_InsertStmt:
		if n.InsertStmt.SelectStmt != nil {
			collectRangeVars(n.InsertStmt.SelectStmt, out)
		}
	case *pg_query.Node_UpdateStmt:
		for _, from := range n.UpdateStmt.FromClause {
			collectFromClauseItem(from, out)
		}
	case *pg_query.Node_DeleteStmt:
		for _, using := range n.DeleteStmt.UsingClause {
			collectFromClauseItem(using, out)
		}
	}
}

func collectFromSelect(sel *pg_query.SelectStmt, out *[]rangeVarRef) {
	if sel == nil {
		return
	}
	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c, ok := cte.Node.(*pg_query.Node_CommonTableExpr); ok {
				collectRangeVars(c.CommonTableExpr.Ctequery, out)
			}
		}
	}
	for _, from := range sel.FromClause {
		collectFromClauseItem(from, out)
	}
	if sel.Larg != nil {
		collectFromSelect(sel.Larg, out)
	}
	if sel.Rarg != nil {
		collectFromSelect(sel.Rarg, out)
	}
}

func collectFromClauseItem(node *pg_query.Node, out *[]rangeVarRef) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		*out = append(*out, rangeVarRef{rv: n.RangeVar})
	case *pg_query.Node_JoinExpr:
		collectFromClauseItem(n.JoinExpr.Larg, out)
		collectFromClauseItem(n.JoinExpr.Rarg, out)
	case *pg_query.Node_RangeSubselect:
		if sub, ok := n.RangeSubselect.Subquery.Node.(*pg_query.Node_SelectStmt); ok {
			collectFromSelect(sub.SelectStmt, out)
		}
	}
}

// regCastRe matches a "::regclass"/"::regtype"/"::regproc" cast suffix so it
// can be stripped before parsing; clients issuing catalog introspection
// queries (psql's \d family, ORMs probing table existence) routinely emit
// these casts, which reference OID-resolution machinery no reference
// backend implements.
var regCastRe = regexp.MustCompile(`(?i)::reg(class|type|proc)\b`)

func stripRegCasts(sql string) string {
	return regCastRe.ReplaceAllString(sql, "")
}

// showRewrite is one literal or pattern-driven pre-parse short circuit.
type showRewrite struct {
	match   *regexp.Regexp
	literal string
}

var preParseRewrites = []showRewrite{
	{regexp.MustCompile(`(?i)^\s*select\s+pg_catalog\.version\(\s*\)\s*;?\s*$`), "SELECT 'PostgreSQL 15.0 (pgfrontend)' AS version"},
	{regexp.MustCompile(`(?i)^\s*select\s+version\(\s*\)\s*;?\s*$`), "SELECT 'PostgreSQL 15.0 (pgfrontend)' AS version"},
	{regexp.MustCompile(`(?i)^\s*show\s+search_path\s*;?\s*$`), "SELECT '\"$user\", public' AS search_path"},
	{regexp.MustCompile(`(?i)^\s*show\s+transaction\s+isolation\s+level\s*;?\s*$`), "SELECT 'read committed' AS transaction_isolation"},
	{regexp.MustCompile(`(?i)^\s*show\s+standard_conforming_strings\s*;?\s*$`), "SELECT 'on' AS standard_conforming_strings"},
	{regexp.MustCompile(`(?i)^\s*show\s+catalogs\s*;?\s*$`), "SELECT DISTINCT catalog_name AS \"Catalog\" FROM information_schema.schemata"},
	{regexp.MustCompile(`(?i)^\s*show\s+schemas\s*;?\s*$`), "SELECT DISTINCT schema_name AS \"Schema\" FROM information_schema.schemata"},
	{regexp.MustCompile(`(?i)^\s*show\s+tables\s*;?\s*$`), "SELECT DISTINCT table_name AS \"Table\" FROM information_schema.tables"},
	{regexp.MustCompile(`(?i)^\s*begin\s+read\s+only\s*;?\s*$`), "BEGIN"},
}

func preParseShortCircuit(sql string) (string, bool) {
	for _, rw := range preParseRewrites {
		if rw.match.MatchString(sql) {
			return rw.literal, true
		}
	}
	return "", false
}

// dialectMassage is one string substitution applied after parsing/
// substitution, for dialect differences too small to warrant full AST
// transformation.
type dialectMassage struct {
	match       *regexp.Regexp
	replacement string
}

var sqliteMassages = []dialectMassage{
	{regexp.MustCompile(`(?i)\bnow\(\)`), "CURRENT_TIMESTAMP"},
	{regexp.MustCompile(`(?i)\bilike\b`), "LIKE"},
}

func (rw *Rewriter) massageDialect(sql string) string {
	if rw.dialect != DialectSQLite {
		return sql
	}
	out := sql
	for _, m := range sqliteMassages {
		out = m.match.ReplaceAllString(out, m.replacement)
	}
	return out
}
