// Package validate implements the input validator (C5): length, charset,
// dangerous-pattern and injection-shape checks at three strictness levels.
// It generalizes server/sql_validator.go's SQLValidator (injectionRegexes
// compiled once, ValidationStats accumulated under a mutex, detectCommand
// extracting the leading verb, truncateForLog) into the ordered six-step
// pipeline and the three Level values spec §4.1 requires.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// Level is the validator strictness, a request-time parameter with a
// configured default (spec §4.1).
type Level int

const (
	Basic Level = iota
	Moderate
	Strict
)

func (l Level) String() string {
	switch l {
	case Basic:
		return "BASIC"
	case Moderate:
		return "MODERATE"
	case Strict:
		return "STRICT"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, defaulting to Moderate on an unrecognized
// value (out-of-range configuration must degrade, never crash).
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BASIC":
		return Basic
	case "STRICT":
		return Strict
	default:
		return Moderate
	}
}

// pattern is one entry in the ranked dangerous-pattern list, carried over
// from the teacher's compileInjectionPatterns table shape (regex + a
// category label), extended with the risk score spec §4.1 item 4 requires.
type pattern struct {
	name  string
	re    *regexp.Regexp
	risk  int // 0-100
}

// patterns is the required family list from spec §4.1 item 4: file I/O,
// command execution, timing, server introspection, comment-based
// injection, boolean tautology, UNION-select, trailing-comment bypass.
var patterns = []pattern{
	{"file_io_load_file", regexp.MustCompile(`(?i)load_file\s*\(`), 90},
	{"file_io_into_outfile", regexp.MustCompile(`(?i)into\s+outfile`), 90},
	{"file_io_into_dumpfile", regexp.MustCompile(`(?i)into\s+dumpfile`), 90},
	{"command_exec_xp_cmdshell", regexp.MustCompile(`(?i)xp_cmdshell`), 95},
	{"command_exec_system", regexp.MustCompile(`(?i)\bsystem\s*\(`), 85},
	{"timing_benchmark", regexp.MustCompile(`(?i)benchmark\s*\(`), 60},
	{"timing_sleep", regexp.MustCompile(`(?i)\bsleep\s*\(`), 60},
	{"server_introspection", regexp.MustCompile(`@@\w+`), 40},
	{"comment_dash", regexp.MustCompile(`--`), 30},
	{"comment_block_open", regexp.MustCompile(`/\*`), 30},
	{"comment_block_close", regexp.MustCompile(`\*/`), 20},
	{"boolean_tautology_single", regexp.MustCompile(`(?i)'\s*or\s*'?1'?\s*=\s*'?1`), 80},
	{"boolean_tautology_double", regexp.MustCompile(`(?i)"\s*or\s*"?1"?\s*=\s*"?1`), 80},
	{"union_select", regexp.MustCompile(`(?i)union\s+(all\s+)?select`), 75},
	{"trailing_comment_bypass", regexp.MustCompile(`(?i)'\s*(--|#)`), 70},
}

// Config holds the per-call-site configuration.
type Config struct {
	MaxInputLength int
	MaxTableName   int
	DefaultLevel   Level
	AllowedVerbs   []string
}

// DefaultConfig matches spec §4.1/§6 defaults (maxInputLength 1000, table
// names 64, allow-list from MYSQL ALLOWED_QUERY_TYPES default).
func DefaultConfig() Config {
	return Config{
		MaxInputLength: 1000,
		MaxTableName:   64,
		DefaultLevel:   Moderate,
		AllowedVerbs:   []string{"SELECT", "SHOW", "DESCRIBE", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER"},
	}
}

// Stats tracks validation outcomes, mirroring server/sql_validator.go's
// ValidationStats shape.
type Stats struct {
	mu                sync.Mutex
	TotalChecks       int64
	Passed            int64
	Rejected          int64
	InjectionAttempts int64
}

func (s *Stats) recordPass() {
	s.mu.Lock()
	s.TotalChecks++
	s.Passed++
	s.mu.Unlock()
}

func (s *Stats) recordReject(injection bool) {
	s.mu.Lock()
	s.TotalChecks++
	s.Rejected++
	if injection {
		s.InjectionAttempts++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{TotalChecks: s.TotalChecks, Passed: s.Passed, Rejected: s.Rejected, InjectionAttempts: s.InjectionAttempts}
}

// tableNameRe implements spec §4.1 item 5.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// leadingVerbRe extracts the leading SQL verb after tolerating leading
// whitespace/newlines, per spec §4.1 item 6 ("multiline whitespace before
// the verb is tolerated").
var leadingVerbRe = regexp.MustCompile(`(?i)^\s*([A-Za-z]+)`)

// Validator is the C5 component.
type Validator struct {
	cfg   Config
	stats Stats
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Stats returns a snapshot of validation statistics.
func (v *Validator) Stats() Stats { return v.stats.Snapshot() }

// FieldKind tells Validate which extra field-specific checks apply.
type FieldKind int

const (
	FieldGeneric FieldKind = iota
	FieldTableName
	FieldSQLText
)

// Validate runs the ordered checks of spec §4.1 against value for the named
// field at the given level, returning the first failing classified error,
// or nil if value passes all checks.
func (v *Validator) Validate(value any, fieldName string, kind FieldKind, level Level) *classify.Error {
	// 1. Type.
	text, err := v.checkType(value, fieldName)
	if err != nil {
		v.stats.recordReject(false)
		return err
	}

	if text != nil {
		s := *text
		// 2. Control characters.
		if err := checkControlChars(s, fieldName); err != nil {
			v.stats.recordReject(false)
			return err
		}
		// 3. Length.
		maxLen := v.cfg.MaxInputLength
		if kind == FieldTableName {
			maxLen = v.cfg.MaxTableName
		}
		if len(s) > maxLen {
			v.stats.recordReject(false)
			return classify.New(classify.ValidationError, classify.Low,
				fmt.Sprintf("field %q exceeds maximum length %d", fieldName, maxLen))
		}
		// 4. Pattern checks.
		if level != Basic {
			if err := v.checkPatterns(s, fieldName, level); err != nil {
				v.stats.recordReject(true)
				return err
			}
		}
		// 5. Table-name specific.
		if kind == FieldTableName {
			if !tableNameRe.MatchString(s) {
				v.stats.recordReject(false)
				return classify.New(classify.ValidationError, classify.Low,
					fmt.Sprintf("field %q is not a valid table name", fieldName))
			}
		}
		// 6. Query-type allow-list.
		if kind == FieldSQLText {
			if err := v.checkVerbAllowed(s, fieldName); err != nil {
				v.stats.recordReject(false)
				return err
			}
		}
	}

	v.stats.recordPass()
	return nil
}

// checkType accepts text, integer, floating, boolean, null/absent; rejects
// callables, opaque values, and containers of non-base types. Returns a
// pointer to the textual form when value is text, else nil.
func (v *Validator) checkType(value any, fieldName string) (*string, *classify.Error) {
	switch t := value.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return nil, nil
	case []any:
		for _, elem := range t {
			if _, err := v.checkType(elem, fieldName); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		return nil, classify.New(classify.ValidationError, classify.Low,
			fmt.Sprintf("field %q has an unsupported type", fieldName))
	}
}

// checkControlChars rejects every code point < 0x20 except tab/newline/CR;
// the null byte is always rejected regardless of the exception list.
func checkControlChars(s string, fieldName string) *classify.Error {
	for _, r := range s {
		if r == 0x00 {
			return classify.New(classify.ValidationError, classify.Low,
				fmt.Sprintf("field %q contains a null byte", fieldName))
		}
		if r < 0x20 && r != 0x09 && r != 0x0A && r != 0x0D {
			return classify.New(classify.ValidationError, classify.Low,
				fmt.Sprintf("field %q contains a disallowed control character", fieldName))
		}
		if unicode.IsControl(r) && r >= 0x7F && r < 0xA0 {
			return classify.New(classify.ValidationError, classify.Low,
				fmt.Sprintf("field %q contains a disallowed control character", fieldName))
		}
	}
	return nil
}

// checkPatterns applies the ranked pattern list. At STRICT any non-zero
// score match fails; at MODERATE only risk>=50 patterns fire.
func (v *Validator) checkPatterns(s string, fieldName string, level Level) *classify.Error {
	threshold := 1
	if level == Moderate {
		threshold = 50
	}
	for _, p := range patterns {
		if p.risk < threshold {
			continue
		}
		if p.re.MatchString(s) {
			msg := fmt.Sprintf("field %q matched disallowed pattern class %q", fieldName, p.name)
			if level == Strict {
				msg = fmt.Sprintf("field %q rejected by rule class %q", fieldName, p.name)
			} else {
				msg = fmt.Sprintf("%s (value: %s)", msg, classify.Truncate(s, 100))
			}
			sev := classify.Medium
			if p.risk >= 80 {
				sev = classify.Critical
			} else if p.risk >= 50 {
				sev = classify.High
			}
			cat := classify.ValidationError
			if p.risk >= 50 {
				cat = classify.SecurityViolation
			}
			return classify.New(cat, sev, msg).WithContext("pattern", p.name).WithContext("risk", p.risk)
		}
	}
	return nil
}

func (v *Validator) checkVerbAllowed(s string, fieldName string) *classify.Error {
	m := leadingVerbRe.FindStringSubmatch(s)
	if m == nil {
		return classify.New(classify.ValidationError, classify.Low,
			fmt.Sprintf("field %q has no recognizable SQL verb", fieldName))
	}
	verb := strings.ToUpper(m[1])
	for _, allowed := range v.cfg.AllowedVerbs {
		if verb == allowed {
			return nil
		}
	}
	return classify.New(classify.ValidationError, classify.Medium,
		fmt.Sprintf("field %q uses disallowed SQL verb %q", fieldName, verb))
}
