// Package fingerprint builds the query fingerprint used as the cache key
// (§3): a canonicalized form of the SQL text (whitespace-collapsed,
// literals replaced with placeholders, keywords case-folded) plus a stable
// hash of the bound parameter vector. Canonicalization generalizes
// server/query_cache.go's normalizeQuery (lower-case + whitespace-collapse
// only) into real literal-stripping; the parameter-vector hashing borrows
// the type-dispatch shape of joeycumines-go-utilpkg/sql/mysql's
// Interpolate (one case per Go driver value type) but hashes a stable text
// form instead of producing an executable SQL literal.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	stringLiteralRe = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	numberLiteralRe = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	opSpaceRe       = regexp.MustCompile(`\s*([=<>!,()])\s*`)
)

// Canonicalize produces the stable query shape: literals replaced with
// "?", whitespace collapsed and removed around operators and punctuation
// (so "id=?" and "id = ?" agree), keywords upper-cased is not performed (case
// folding here means "consistent casing for comparison", implemented by
// lower-casing the whole canonical string — two queries differing only in
// keyword case must fingerprint identically).
func Canonicalize(sql string) string {
	s := stringLiteralRe.ReplaceAllString(sql, "?")
	s = numberLiteralRe.ReplaceAllString(s, "?")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = opSpaceRe.ReplaceAllString(s, "$1")
	s = strings.TrimSpace(s)
	return strings.ToLower(s)
}

// hashParam renders one bound parameter into a stable textual form, mirroring
// Interpolate's per-type switch but targeting a hash input, not a SQL
// literal — no escaping/quoting semantics are needed here.
func hashParam(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "B1"
		}
		return "B0"
	case int:
		return "I" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "I" + strconv.FormatInt(x, 10)
	case uint64:
		return "U" + strconv.FormatUint(x, 10)
	case float64:
		return "F" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "S" + x
	case []byte:
		return "X" + hex.EncodeToString(x)
	case time.Time:
		return "T" + x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("?%v", x)
	}
}

// Fingerprint is the stable identity of a query: its canonical text plus a
// hash of the parameter vector.
type Fingerprint struct {
	Canonical string
	ParamHash string
}

// Key returns the single string used as the cache/metrics key.
func (f Fingerprint) Key() string {
	return f.Canonical + "#" + f.ParamHash
}

// New builds a Fingerprint from raw SQL text and its bound parameters.
// Invariant: two invocations with semantically identical reads share a
// fingerprint (spec §3) — achieved because Canonicalize erases literal
// differences and the parameter hash only reflects values actually bound.
func New(sql string, params []any) Fingerprint {
	canon := Canonicalize(sql)
	h := sha256.New()
	for i, p := range params {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(hashParam(p)))
	}
	return Fingerprint{Canonical: canon, ParamHash: hex.EncodeToString(h.Sum(nil))[:16]}
}

// ReferencedTables extracts table names a query fingerprint's canonical
// text plausibly references, for cache invalidation per spec §4.3. This is
// deliberately pattern-based (Non-goal a forbids AST parsing): it looks for
// identifiers following FROM/JOIN/INTO/UPDATE/TABLE.
var tableRefRe = regexp.MustCompile(`(?i)\b(?:from|join|into|update|table)\s+` + "`" + `?([a-zA-Z_][a-zA-Z0-9_]*)` + "`" + `?`)

func ReferencedTables(sql string) []string {
	matches := tableRefRe.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool)
	var tables []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}
