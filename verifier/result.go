package verifier

import (
	"fmt"
	"strings"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

// Complexity holds the structural counters accumulated during a pass.
type Complexity struct {
	LoopCount          int `json:"loop_count"`
	FunctionCount      int `json:"function_count"`
	IndexedAccessCount int `json:"indexed_access_count"`
}

// Result is the verdict of one verification pass. It is produced once and
// never mutated; callers that want a fresh judgment re-verify. The whole
// struct is JSON-serializable for audit logging.
type Result struct {
	// Accepted is true only when every check family passed.
	Accepted bool `json:"accepted"`
	// Violations is the complete, ordered list of rejection reasons. Every
	// entry names the symbol involved and the rule that fired; a rejected
	// module never gets just the first reason found.
	Violations []string `json:"violations,omitempty"`
	// StructuralSignals are the patterns observed in the module, in the
	// order they were first seen.
	StructuralSignals []policy.StructuralSignal `json:"structural_signals,omitempty"`
	// Complexity is the module's structural profile.
	Complexity Complexity `json:"complexity"`
	// Exports are the names the module publishes, in source order.
	Exports []string `json:"exports,omitempty"`
}

// HasSignal reports whether the given structural signal was observed.
func (r *Result) HasSignal(s policy.StructuralSignal) bool {
	for _, have := range r.StructuralSignals {
		if have == s {
			return true
		}
	}
	return false
}

// Err converts a rejected result into its taxonomy error: a *ParseError when
// the source could not be parsed, a *PolicyViolationError otherwise.
// Accepted results return nil.
func (r *Result) Err() error {
	if r.Accepted {
		return nil
	}
	if len(r.Violations) == 1 && strings.HasPrefix(r.Violations[0], parseFailurePrefix) {
		return &ParseError{Reason: strings.TrimPrefix(r.Violations[0], parseFailurePrefix)}
	}
	return &PolicyViolationError{Violations: r.Violations}
}

// parseFailurePrefix marks the violation entry recorded for unparsable source.
const parseFailurePrefix = "unparsable source: "

// ParseError indicates the module source could not be parsed at all.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return parseFailurePrefix + e.Reason
}

// PolicyViolationError carries the complete ordered violation list of a
// rejected module, so a legitimate author can fix every issue in one round
// trip.
type PolicyViolationError struct {
	Violations []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("module rejected with %d violation(s): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}
