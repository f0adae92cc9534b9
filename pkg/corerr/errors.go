// Package corerr provides the structured, span-carrying error type used
// across every stage of the planning-and-reconciliation pipeline.
package corerr

import (
	"errors"
	"fmt"

	"github.com/loamhq/loam/pkg/span"
)

// Kind classifies an Error into one of the named error kinds the pipeline
// can produce. Every stage aborts on the first Kind it hits and surfaces it
// through the update stream rather than retrying.
type Kind string

const (
	KindSourceRead         Kind = "SourceRead"
	KindParse              Kind = "Parse"
	KindEvaluate           Kind = "Evaluate"
	KindBadPlanShape       Kind = "BadPlanShape"
	KindParamValidation    Kind = "ParamValidation"
	KindUnknownCoreModule  Kind = "UnknownCoreModule"
	KindUnknownResourceField Kind = "UnknownResourceField"
	KindCausality          Kind = "CausalityError"
	KindProbe              Kind = "Probe"
	KindOperation          Kind = "Operation"
	KindCancelled          Kind = "Cancelled"
)

// Error is the single structured error type surfaced by every package in
// loam. Modeled on the teacher's classified EngineError, keyed on the named
// Kinds the specification calls for rather than a retry taxonomy.
type Error struct {
	Kind Kind

	// Message is the human-readable summary.
	Message string

	// Span is the source location the error is attributable to, if any.
	Span *span.Span

	// Path is the dotted/indexed field path for ParamValidation errors.
	Path string

	// Expected and Observed describe the shape mismatch for ParamValidation errors.
	Expected string
	Observed string

	// NodeIndex refers to a FlatTree slot, for stage errors tied to a tree node.
	NodeIndex *int

	// ExitStatus and StderrTail carry context for Operation errors.
	ExitStatus *int
	StderrTail string

	// Err is the underlying cause, if any.
	Err error

	// retryable marks transport-level errors (e.g. a child-process spawn
	// race) that are safe to retry once without it being a stage-level
	// retry policy violation. See SPEC_FULL.md §7.
	retryable bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Span != nil && !e.Span.Zero() {
		msg += fmt.Sprintf(" at %s", e.Span)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %s", e.Err.Error())
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements error equality by Kind, matching errors.Is(err, &Error{Kind: X}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithSpan attaches a source span.
func (e *Error) WithSpan(sp span.Span) *Error {
	e.Span = &sp
	return e
}

// WithPath attaches a dotted/indexed field path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithShape attaches expected/observed shape descriptions.
func (e *Error) WithShape(expected, observed string) *Error {
	e.Expected = expected
	e.Observed = observed
	return e
}

// WithNodeIndex attaches a FlatTree node index.
func (e *Error) WithNodeIndex(idx int) *Error {
	e.NodeIndex = &idx
	return e
}

// WithOperationFailure attaches an exit status and captured stderr tail.
func (e *Error) WithOperationFailure(exitStatus int, stderrTail string) *Error {
	e.ExitStatus = &exitStatus
	e.StderrTail = stderrTail
	return e
}

// Retryable marks the error as safe for a transport-level single retry.
func (e *Error) Retryable() *Error {
	e.retryable = true
	return e
}

// IsRetryable reports whether err carries the transport-level retry marker.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.retryable
	}
	return false
}

// Of reports whether err is a *Error of the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
