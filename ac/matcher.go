// Package ac implements the Aho-Corasick multi-string matcher described in
// spec §4.3: given the set of pattern literals extracted from every loaded
// rule's predicates, it answers "which patterns match this text, and under
// which kind?" in time linear in the text length.
//
// The automaton itself is github.com/coregx/ahocorasick, the same library
// coregx-coregex uses for its own large-alternation literal bypass. This
// package adds a field/kind/rule validation layer on top of raw automaton
// hits — the automaton only knows about byte patterns, it has no notion of
// which event field or rule a hit belongs to.
package ac

import (
	"strings"

	"github.com/coregx/ahocorasick"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
)

// Kind is the validation rule a pattern is checked against once the raw
// automaton reports a byte-range hit (spec §4.3's table).
type Kind uint8

const (
	Equals Kind = iota
	Contains
	StartsWith
	EndsWith
)

func (k Kind) String() string {
	switch k {
	case Equals:
		return "Equals"
	case Contains:
		return "Contains"
	case StartsWith:
		return "StartsWith"
	case EndsWith:
		return "EndsWith"
	default:
		return "unknown"
	}
}

// ReportKind is the classification a validated hit is reported under.
type ReportKind uint8

const (
	ReportExact ReportKind = iota
	ReportContains
	ReportPrefix
	ReportSuffix
)

func (k Kind) reportKind() ReportKind {
	switch k {
	case Equals:
		return ReportExact
	case StartsWith:
		return ReportPrefix
	case EndsWith:
		return ReportSuffix
	default:
		return ReportContains
	}
}

// patternKey is the dedup key spec §4.3 specifies: "(pattern, field_id,
// kind, rule_id)".
type patternKey struct {
	text    string
	fieldID event.FieldID
	kind    Kind
	ruleID  string
}

type pattern struct {
	patternKey
}

// Match is one validated hit returned by MatchesField.
type Match struct {
	Pattern string
	FieldID event.FieldID
	Kind    ReportKind
	RuleID  string
	Start   int
	End     int
}

// Builder accumulates deduplicated patterns and compiles them into a
// Matcher. Not concurrency-safe; build on one goroutine, then hand the
// resulting *Matcher to readers.
type Builder struct {
	caseInsensitive bool
	maxPatterns     int
	seen            map[patternKey]bool
	patterns        []pattern
}

// DefaultMaxPatterns bounds the number of distinct patterns a single
// automaton build will accept, mirroring the Config/DefaultConfig
// convention used throughout coregx-coregex's packages (e.g.
// dfa/lazy.DefaultConfig's MaxStates).
const DefaultMaxPatterns = 1 << 20

func NewBuilder(caseInsensitive bool) *Builder {
	return &Builder{
		caseInsensitive: caseInsensitive,
		maxPatterns:     DefaultMaxPatterns,
		seen:            make(map[patternKey]bool),
	}
}

// WithMaxPatterns overrides DefaultMaxPatterns.
func (b *Builder) WithMaxPatterns(n int) *Builder {
	b.maxPatterns = n
	return b
}

// NumPending returns the number of patterns registered so far, not yet
// compiled into a Matcher by Build.
func (b *Builder) NumPending() int {
	return len(b.patterns)
}

var foldCaser = cases.Fold()

func (b *Builder) normalize(s string) string {
	if !b.caseInsensitive {
		return s
	}
	// ASCII fast path avoids the allocation-heavy general Unicode fold for
	// the overwhelming majority of process/file/network field values.
	if isASCII(s) {
		return strings.ToLower(s)
	}
	return foldCaser.String(s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// AddPattern registers one literal under the given field/kind/rule. Adding
// the same (pattern, field_id, kind, rule_id) tuple twice is a no-op.
func (b *Builder) AddPattern(text string, fieldID event.FieldID, kind Kind, ruleID string) error {
	if text == "" {
		return kerrors.New(kerrors.InvalidPattern, "pattern for rule %q field %d must not be empty", ruleID, fieldID)
	}
	key := patternKey{text: b.normalize(text), fieldID: fieldID, kind: kind, ruleID: ruleID}
	if b.seen[key] {
		return nil
	}
	if len(b.patterns) >= b.maxPatterns {
		return kerrors.New(kerrors.TooManyPatterns, "pattern set exceeds limit of %d", b.maxPatterns)
	}
	b.seen[key] = true
	b.patterns = append(b.patterns, pattern{patternKey: key})
	return nil
}

// Build compiles the accumulated patterns into a Matcher. An empty pattern
// set is valid and produces a Matcher that never matches anything.
func (b *Builder) Build() (*Matcher, error) {
	if len(b.patterns) == 0 {
		return &Matcher{caseInsensitive: b.caseInsensitive}, nil
	}

	ahoBuilder := ahocorasick.NewBuilder()
	for _, p := range b.patterns {
		ahoBuilder.AddPattern([]byte(p.text))
	}
	automaton, err := ahoBuilder.Build()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidPattern, err, "building Aho-Corasick automaton")
	}

	return &Matcher{
		automaton:       automaton,
		patterns:        b.patterns,
		caseInsensitive: b.caseInsensitive,
	}, nil
}

// Matcher answers per-field pattern queries against a compiled pattern set.
// Immutable and safe for concurrent reads once Build returns it.
type Matcher struct {
	automaton       *ahocorasick.Automaton
	patterns        []pattern
	caseInsensitive bool
}

// NumPatterns returns the number of distinct compiled patterns.
func (m *Matcher) NumPatterns() int { return len(m.patterns) }

// MatchesField scans text for every compiled pattern registered under
// fieldID, validates each raw automaton hit against its Kind per spec
// §4.3's table, and returns the validated hits in automaton scan order
// (deterministic for a fixed pattern set and text, per spec §4.3).
func (m *Matcher) MatchesField(fieldID event.FieldID, text string) []Match {
	if m.automaton == nil {
		return nil
	}
	normalized := m.normalizeQuery(text)
	haystack := []byte(normalized)

	var out []Match
	at := 0
	for at <= len(haystack) {
		hit := m.automaton.Find(haystack, at)
		if hit == nil {
			break
		}
		p := m.patterns[hit.Pattern]
		if p.fieldID == fieldID && validates(p.kind, hit.Start, hit.End, len(haystack)) {
			out = append(out, Match{
				Pattern: p.text,
				FieldID: p.fieldID,
				Kind:    p.kind.reportKind(),
				RuleID:  p.ruleID,
				Start:   hit.Start,
				End:     hit.End,
			})
		}
		if hit.End > at {
			at = hit.End
		} else {
			at++
		}
	}
	return out
}

func (m *Matcher) normalizeQuery(text string) string {
	if !m.caseInsensitive {
		return text
	}
	if isASCII(text) {
		return strings.ToLower(text)
	}
	return foldCaser.String(text)
}

func validates(kind Kind, start, end, textLen int) bool {
	switch kind {
	case Equals:
		return start == 0 && end == textLen
	case Contains:
		return true
	case StartsWith:
		return start == 0
	case EndsWith:
		return end == textLen
	default:
		return false
	}
}
