// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlguard enforces per-tool SQL security policy before a statement
// is dispatched to the database. Detection prefers an AST walk; statements
// the parser cannot handle (Db2 for i has constructs outside the parser's
// dialect) fall back to a regex screen, so an unparseable statement is never
// waved through unchecked.
package sqlguard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

const (
	// DefaultMaxQueryLength caps statement size when a tool does not set
	// its own limit.
	DefaultMaxQueryLength = 10000
)

// Policy is the resolved per-tool security policy. Missing fields in the
// tool's declaration are filled from system defaults before the policy
// reaches the validator.
type Policy struct {
	ReadOnly          bool
	MaxQueryLength    int
	ForbiddenKeywords []string
}

// DefaultPolicy returns the system default policy: read-only, 10000 byte
// cap, no extra forbidden keywords.
func DefaultPolicy() Policy {
	return Policy{ReadOnly: true, MaxQueryLength: DefaultMaxQueryLength}
}

// Validate checks sql against policy and returns a ValidationError carrying
// every violation found, or nil when the statement passes.
func Validate(ctx context.Context, sql string, policy Policy) error {
	var violations []string

	if policy.MaxQueryLength <= 0 {
		policy.MaxQueryLength = DefaultMaxQueryLength
	}
	if len(sql) > policy.MaxQueryLength {
		violations = append(violations, fmt.Sprintf("Query length %d exceeds maximum of %d", len(sql), policy.MaxQueryLength))
	}

	stmt, parseErr := sqlparser.Parse(sql)
	if parseErr != nil {
		stmt = nil
		if logger, err := util.LoggerFromContext(ctx); err == nil {
			logger.WarnContext(ctx, "SQL parse failed, using regex validation only", "error", parseErr.Error())
		}
	}

	violations = append(violations, checkForbiddenKeywords(sql, stmt, policy.ForbiddenKeywords)...)

	if policy.ReadOnly {
		if stmt != nil {
			violations = append(violations, checkReadOnlyAST(stmt)...)
		} else {
			violations = append(violations, checkReadOnlyKeyword(sql)...)
		}
		violations = append(violations, checkFallbackPatterns(sql)...)
	}

	if len(violations) > 0 {
		return util.NewError(util.KindValidation, "SQL security validation failed", violations...)
	}
	return nil
}

// checkForbiddenKeywords matches every configured keyword as a whole word.
// With an AST available the match runs over identifier and function nodes;
// otherwise it runs over the raw statement.
func checkForbiddenKeywords(sql string, stmt sqlparser.Statement, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}

	var violations []string
	if stmt != nil {
		idents := collectIdentifiers(stmt)
		for _, kw := range keywords {
			upper := strings.ToUpper(kw)
			if _, ok := idents[upper]; ok {
				violations = append(violations, fmt.Sprintf("Forbidden keyword: %s", kw))
			}
		}
		return violations
	}

	for _, kw := range keywords {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if re.MatchString(sql) {
			violations = append(violations, fmt.Sprintf("Forbidden keyword: %s", kw))
		}
	}
	return violations
}

// collectIdentifiers gathers every identifier-like name in the statement:
// function names, column names, table names, and qualifiers.
func collectIdentifiers(stmt sqlparser.Statement) map[string]struct{} {
	idents := make(map[string]struct{})
	add := func(s string) {
		if s != "" {
			idents[strings.ToUpper(s)] = struct{}{}
		}
	}
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.FuncExpr:
			add(n.Name.String())
			add(n.Qualifier.String())
		case *sqlparser.ColName:
			add(n.Name.String())
			add(n.Qualifier.Name.String())
		case sqlparser.TableName:
			add(n.Name.String())
			add(n.Qualifier.String())
		case sqlparser.ColIdent:
			add(n.String())
		case sqlparser.TableIdent:
			add(n.String())
		}
		return true, nil
	}, stmt)
	return idents
}

// checkReadOnlyAST rejects anything that is not a plain read.
func checkReadOnlyAST(stmt sqlparser.Statement) []string {
	var violations []string

	switch s := stmt.(type) {
	case *sqlparser.Select:
		// fine
	case *sqlparser.Union:
		violations = append(violations, checkUnion(s)...)
	case *sqlparser.ParenSelect:
		// fine
	case *sqlparser.Show, *sqlparser.OtherRead:
		// reads
	case *sqlparser.Insert:
		violations = append(violations, writeViolation(strings.ToUpper(s.Action)))
	case *sqlparser.Update:
		violations = append(violations, writeViolation("UPDATE"))
	case *sqlparser.Delete:
		violations = append(violations, writeViolation("DELETE"))
	case *sqlparser.DDL:
		violations = append(violations, fmt.Sprintf("Schema operation '%s' detected", strings.ToUpper(s.Action)))
	case *sqlparser.DBDDL:
		violations = append(violations, fmt.Sprintf("Schema operation '%s' detected", strings.ToUpper(s.Action)))
	case *sqlparser.Set:
		violations = append(violations, "System operation 'SET' detected")
	case *sqlparser.Begin, *sqlparser.Commit, *sqlparser.Rollback:
		violations = append(violations, "Transaction control statement detected")
	case *sqlparser.Use:
		violations = append(violations, "System operation 'USE' detected")
	default:
		violations = append(violations, fmt.Sprintf("Statement type %T not allowed under read-only policy", stmt))
	}

	violations = append(violations, checkDangerousFunctions(stmt)...)
	return violations
}

// checkUnion requires every branch of a UNION to be a pure SELECT.
func checkUnion(u *sqlparser.Union) []string {
	var violations []string
	var visit func(ss sqlparser.SelectStatement)
	visit = func(ss sqlparser.SelectStatement) {
		switch s := ss.(type) {
		case *sqlparser.Select:
		case *sqlparser.ParenSelect:
			visit(s.Select)
		case *sqlparser.Union:
			visit(s.Left)
			visit(s.Right)
		default:
			violations = append(violations, "UNION branch is not a pure SELECT")
		}
	}
	visit(u.Left)
	visit(u.Right)
	return violations
}

// checkDangerousFunctions walks function calls looking for command-execution
// primitives.
func checkDangerousFunctions(stmt sqlparser.Statement) []string {
	var violations []string
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if fn, ok := node.(*sqlparser.FuncExpr); ok {
			name := strings.ToUpper(fn.Name.String())
			if _, bad := dangerousFunctions[name]; bad {
				violations = append(violations, fmt.Sprintf("Dangerous function '%s' detected", name))
			}
		}
		return true, nil
	}, stmt)
	return violations
}

// checkReadOnlyKeyword is the regex fallback: classify the statement by its
// leading keyword after stripping comments.
func checkReadOnlyKeyword(sql string) []string {
	verb := leadingKeyword(sql)
	if verb == "" {
		return []string{"Unable to determine statement type"}
	}
	if category, bad := dangerousStatements[verb]; bad {
		return []string{fmt.Sprintf("%s operation '%s' detected", category, verb)}
	}
	return nil
}

// leadingKeyword returns the first keyword of the statement, uppercased,
// ignoring comments and leading parens.
func leadingKeyword(sql string) string {
	s := stripComments(sql)
	s = strings.TrimLeft(s, " \t\r\n(")
	for i, r := range s {
		if !isWordRune(r) {
			return strings.ToUpper(s[:i])
		}
	}
	return strings.ToUpper(s)
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripComments(sql string) string {
	sql = blockCommentRe.ReplaceAllString(sql, " ")
	return lineCommentRe.ReplaceAllString(sql, " ")
}

// fallbackPatterns catch stacked statements and escape hatches that survive
// both the AST path (parser limitations) and the keyword screen.
var fallbackPatterns = []struct {
	re      *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(?i);\s*(INSERT|UPDATE|DELETE|REPLACE|MERGE|TRUNCATE|DROP|CREATE|ALTER|RENAME|GRANT|REVOKE|DENY|CALL|EXEC|EXECUTE|SET|DECLARE|SHUTDOWN|RESTART|KILL|STOP|START|LOAD|IMPORT|EXPORT|BULK|BACKUP|RESTORE|DUMP|LOCK|UNLOCK|SAVEPOINT)\b`), "Statement chaining into a dangerous keyword detected"},
	{regexp.MustCompile(`(?i)\bUNION\s+(ALL\s+)?SELECT\b[^;]*\bINTO\b`), "UNION SELECT ... INTO detected"},
	{regexp.MustCompile(`(?i)\bEXEC\s*\(`), "EXEC( call detected"},
	{regexp.MustCompile(`(?i)^\s*(CALL|EXECUTE)\b`), "Procedure invocation detected"},
	{regexp.MustCompile(`(?i)\b(SYSTEM|EVAL|LOAD_EXTENSION|EXECUTE_IMMEDIATE|QCMDEXC)\s*\(`), "Command-execution primitive detected"},
}

func checkFallbackPatterns(sql string) []string {
	stripped := stripComments(sql)
	var violations []string
	for _, p := range fallbackPatterns {
		if p.re.MatchString(stripped) {
			violations = append(violations, p.message)
		}
	}
	return violations
}

func writeViolation(verb string) string {
	return fmt.Sprintf("Write operation '%s' detected", verb)
}
