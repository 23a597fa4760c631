// Package policy defines the two policy surfaces of the module pipeline:
// the compiled-in capability policy the verifier checks untrusted source
// against, and the author-declared access policy that travels with an
// encrypted module and gates its decryption.
package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StructuralSignal names a syntactic pattern a legitimate module of the
// expected shape must exhibit. Absence of a required signal is treated as
// suspicious rather than malicious, but is still a rejection.
type StructuralSignal string

const (
	// SignalIteration is present when the module contains at least one
	// iterative control structure (for/while/do-while loop).
	SignalIteration StructuralSignal = "iteration"
	// SignalRecursion is present when the module contains a call whose
	// target name matches a function defined in the same module.
	SignalRecursion StructuralSignal = "recursion"
	// SignalIndexedCompare is present when the module contains an equality
	// comparison with an indexed operand, the pattern typical of
	// grid/matrix validation code.
	SignalIndexedCompare StructuralSignal = "indexed-compare"
)

// ComplexityBounds are coarse anti-obfuscation limits on a module's shape.
// A zero bound means "no limit" for that counter.
type ComplexityBounds struct {
	MaxLoops           int `yaml:"max_loops" json:"max_loops"`
	MaxFunctions       int `yaml:"max_functions" json:"max_functions"`
	MaxIndexedAccesses int `yaml:"max_indexed_accesses" json:"max_indexed_accesses"`
}

// CapabilityPolicy is the declarative allow/deny list the verifier enforces.
// It is pure data: lookup helpers build no state and the verifier treats the
// policy as immutable for the duration of a pass.
type CapabilityPolicy struct {
	// AllowedBuiltins are the only facilities a module may pull in through a
	// require/import-equivalent reference.
	AllowedBuiltins []string `yaml:"allowed_builtins" json:"allowed_builtins"`
	// RequiredExports are names the module's public interface must publish.
	RequiredExports []string `yaml:"required_exports" json:"required_exports"`
	// ForbiddenIdentifiers are names whose bare reference anywhere in the
	// module is an automatic violation (ambient/global scope handles).
	ForbiddenIdentifiers []string `yaml:"forbidden_identifiers" json:"forbidden_identifiers"`
	// ForbiddenCalls are function names whose invocation is a violation
	// regardless of target (networking, filesystem, process control, eval).
	ForbiddenCalls []string `yaml:"forbidden_calls" json:"forbidden_calls"`
	// ForbiddenNamespaces are object names any property access on which
	// denotes system or filesystem capability.
	ForbiddenNamespaces []string `yaml:"forbidden_namespaces" json:"forbidden_namespaces"`
	// Complexity bounds the module's structural counters.
	Complexity ComplexityBounds `yaml:"complexity" json:"complexity"`
	// StructuralRequirements are signals the module must exhibit.
	StructuralRequirements []StructuralSignal `yaml:"structural_requirements" json:"structural_requirements"`
}

// DefaultCapabilityPolicy returns the compiled-in policy for the
// solver-shaped modules this system publishes. Modules may only touch the
// pure-computation builtins, must export the solver interface, and must
// look like a backtracking solver (loops, recursion, indexed comparisons).
func DefaultCapabilityPolicy() CapabilityPolicy {
	return CapabilityPolicy{
		AllowedBuiltins: []string{
			"Math", "JSON", "Array", "Object", "Number", "String", "Boolean",
		},
		RequiredExports: []string{"solveSudoku", "validatePuzzle"},
		ForbiddenIdentifiers: []string{
			"globalThis", "global", "window", "self", "process",
		},
		ForbiddenCalls: []string{
			"require", "import", "eval", "Function",
			"fetch", "XMLHttpRequest", "WebSocket", "importScripts",
		},
		ForbiddenNamespaces: []string{
			"fs", "http", "https", "net", "dns", "os", "path", "child_process",
		},
		Complexity: ComplexityBounds{
			MaxLoops:           64,
			MaxFunctions:       32,
			MaxIndexedAccesses: 512,
		},
		StructuralRequirements: []StructuralSignal{
			SignalIteration, SignalIndexedCompare,
		},
	}
}

// LoadCapabilityPolicy reads a capability policy from a YAML file.
// Unknown fields are rejected so a typo in a policy file fails loudly
// instead of silently widening the allow list.
func LoadCapabilityPolicy(path string) (CapabilityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CapabilityPolicy{}, fmt.Errorf("failed to read capability policy: %w", err)
	}
	return ParseCapabilityPolicy(data)
}

// ParseCapabilityPolicy parses a capability policy from YAML bytes.
func ParseCapabilityPolicy(data []byte) (CapabilityPolicy, error) {
	var p CapabilityPolicy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return CapabilityPolicy{}, fmt.Errorf("failed to parse capability policy: %w", err)
	}
	return p, nil
}
