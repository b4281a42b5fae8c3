// Package kerrors defines the error taxonomy shared by every layer of the
// detection pipeline: the EQL front-end, the strategy analyzer, the matching
// engines, the state store and the replay layer.
//
// Every error carries a stable Kind discriminator plus a one-line message, so
// callers can branch on errors.Is/errors.As without parsing strings. No
// component panics on bad input; authoring and replay errors propagate to the
// caller, while runtime and resource errors are recovered locally by the
// component that raised them (see each package's doc comment for its
// recovery policy).
package kerrors

import "fmt"

// Kind classifies an error into one of the taxonomy's stable categories.
type Kind uint8

const (
	// Parse/semantic errors, surfaced to the rule author.

	SyntaxError Kind = iota
	UnknownEventType
	UnknownField
	TypeMismatch
	UnsupportedFunction

	// Compilation errors, surfaced to the rule author; the rule is not loaded.

	CompilationFailed
	InvalidPattern
	TooManyPatterns
	ConversionFailed

	// Runtime errors, recovered locally by treating the predicate as false.

	EvaluationError
	BudgetViolation

	// Resource errors, recovered locally by dropping the offending insert.

	QuotaExceeded
	MemoryLimitExceeded
	StateLimitExceeded
	WindowExpired

	// Replay errors; fatal iff the replay config requests stop-on-error.

	InvalidFormat
	SchemaMismatch
	PublishError
	VerificationMismatch

	// Control-plane errors.

	RuleNotFound
	AlreadyInProgress
	OperationCancelled
)

var kindNames = map[Kind]string{
	SyntaxError:          "SyntaxError",
	UnknownEventType:     "UnknownEventType",
	UnknownField:         "UnknownField",
	TypeMismatch:         "TypeMismatch",
	UnsupportedFunction:  "UnsupportedFunction",
	CompilationFailed:    "CompilationFailed",
	InvalidPattern:       "InvalidPattern",
	TooManyPatterns:      "TooManyPatterns",
	ConversionFailed:     "ConversionFailed",
	EvaluationError:      "EvaluationError",
	BudgetViolation:      "BudgetViolation",
	QuotaExceeded:        "QuotaExceeded",
	MemoryLimitExceeded:  "MemoryLimitExceeded",
	StateLimitExceeded:   "StateLimitExceeded",
	WindowExpired:        "WindowExpired",
	InvalidFormat:        "InvalidFormat",
	SchemaMismatch:       "SchemaMismatch",
	PublishError:         "PublishError",
	VerificationMismatch: "VerificationMismatch",
	RuleNotFound:         "RuleNotFound",
	AlreadyInProgress:    "AlreadyInProgress",
	OperationCancelled:   "OperationCancelled",
}

// String returns the stable discriminator name used in logs and in the
// structured payload returned to operators.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UnknownKind(%d)", uint8(k))
}

// Error is the structured payload every component returns: a Kind, a
// human-readable message, optional positional context (for parse errors) and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	// Span is a one-line source location for parse/semantic errors, e.g.
	// "line 3, col 12". Empty when not applicable.
	Span string
	Cause error
}

func (e *Error) Error() string {
	if e.Span != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Span)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is implements errors.Is comparison by Kind, mirroring the convention used
// throughout the engine's backends.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithSpan attaches a source span to a parse/semantic error.
func WithSpan(kind Kind, span, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Span: span}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error. The ok return is false for errors outside this taxonomy.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if k, ok := err.(*Error); ok {
			e = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}
