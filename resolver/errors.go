package resolver

import "fmt"

// Kind enumerates resolver error kinds surfaced at the API boundary.
type Kind string

const (
	KindSelectorNotFound    Kind = "SelectorNotFound"
	KindResolutionTimeout   Kind = "ResolutionTimeout"
	KindConfidenceThreshold Kind = "ConfidenceThreshold"
	KindContextValidation   Kind = "ContextValidation"
	KindValidation          Kind = "Validation"
	KindStrategyExecution   Kind = "StrategyExecution"
	KindSnapshot            Kind = "Snapshot"
	KindTabContext          Kind = "TabContext"
)

// Class grades an error for the failure handler.
type Class string

const (
	ClassFatal       Class = "fatal"
	ClassRecoverable Class = "recoverable"
	ClassIgnorable   Class = "ignorable"
)

// Error is a typed resolver error. Strategy-level errors are folded
// into candidate evaluation and never surface as Error; only boundary
// misuse does.
type Error struct {
	Kind    Kind
	Class   Class
	Message string
	Context map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolver: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches on Kind so call sites can errors.Is against sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrSelectorNotFound    = &Error{Kind: KindSelectorNotFound}
	ErrResolutionTimeout   = &Error{Kind: KindResolutionTimeout}
	ErrConfidenceThreshold = &Error{Kind: KindConfidenceThreshold}
	ErrContextValidation   = &Error{Kind: KindContextValidation}
)

func notFoundErr(name string) *Error {
	return &Error{
		Kind:    KindSelectorNotFound,
		Class:   ClassFatal,
		Message: fmt.Sprintf("selector %q is not registered", name),
		Context: map[string]any{"selector": name},
	}
}

func validationErr(name string, err error) *Error {
	return &Error{
		Kind:    KindValidation,
		Class:   ClassFatal,
		Message: fmt.Sprintf("selector %q failed shape validation", name),
		Context: map[string]any{"selector": name},
		Wrapped: err,
	}
}

func confidenceErr(name string, threshold, best float64) *Error {
	return &Error{
		Kind:  KindConfidenceThreshold,
		Class: ClassRecoverable,
		Message: fmt.Sprintf("selector %q best confidence %.3f below threshold %.2f",
			name, best, threshold),
		Context: map[string]any{
			"selector":  name,
			"threshold": threshold,
			"best":      best,
		},
	}
}
