package verifier

import (
	"errors"
	"strings"
	"testing"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

// solverSource is a well-behaved backtracking solver: pure computation,
// loops, recursion, indexed comparisons, and the required export surface.
const solverSource = `
'use strict';

function validatePuzzle(grid) {
  if (!Array.isArray(grid) || grid.length !== 9) {
    return false;
  }
  for (let i = 0; i < 9; i++) {
    if (!Array.isArray(grid[i]) || grid[i].length !== 9) {
      return false;
    }
  }
  for (let unit = 0; unit < 9; unit++) {
    const rowSeen = {};
    const colSeen = {};
    const boxSeen = {};
    for (let k = 0; k < 9; k++) {
      const r = grid[unit][k];
      if (r !== 0) {
        if (rowSeen[r]) return false;
        rowSeen[r] = true;
      }
      const c = grid[k][unit];
      if (c !== 0) {
        if (colSeen[c]) return false;
        colSeen[c] = true;
      }
      const b = grid[3 * Math.floor(unit / 3) + Math.floor(k / 3)][3 * (unit % 3) + (k % 3)];
      if (b !== 0) {
        if (boxSeen[b]) return false;
        boxSeen[b] = true;
      }
    }
  }
  return true;
}

function canPlace(grid, row, col, value) {
  for (let i = 0; i < 9; i++) {
    if (grid[row][i] === value) return false;
    if (grid[i][col] === value) return false;
  }
  const br = 3 * Math.floor(row / 3);
  const bc = 3 * Math.floor(col / 3);
  for (let r = br; r < br + 3; r++) {
    for (let c = bc; c < bc + 3; c++) {
      if (grid[r][c] === value) return false;
    }
  }
  return true;
}

function solveFrom(grid, cell) {
  if (cell === 81) return true;
  const row = Math.floor(cell / 9);
  const col = cell % 9;
  if (grid[row][col] !== 0) return solveFrom(grid, cell + 1);
  for (let value = 1; value <= 9; value++) {
    if (canPlace(grid, row, col, value)) {
      grid[row][col] = value;
      if (solveFrom(grid, cell + 1)) return true;
      grid[row][col] = 0;
    }
  }
  return false;
}

function solveSudoku(grid) {
  if (!validatePuzzle(grid)) return null;
  const work = [];
  for (let i = 0; i < 9; i++) {
    work.push(grid[i].slice());
  }
  if (!solveFrom(work, 0)) return null;
  return work;
}

module.exports = { solveSudoku, validatePuzzle };
`

func TestVerifyAcceptsSolver(t *testing.T) {
	result := Verify(solverSource, policy.DefaultCapabilityPolicy())

	if !result.Accepted {
		t.Fatalf("solver rejected: %v", result.Violations)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v on accepted result", result.Err())
	}
	for _, sig := range []policy.StructuralSignal{policy.SignalIteration, policy.SignalRecursion, policy.SignalIndexedCompare} {
		if !result.HasSignal(sig) {
			t.Errorf("missing structural signal %s", sig)
		}
	}
	if len(result.Exports) != 2 {
		t.Errorf("Exports = %v, want solveSudoku and validatePuzzle", result.Exports)
	}
	if result.Complexity.LoopCount == 0 || result.Complexity.FunctionCount == 0 || result.Complexity.IndexedAccessCount == 0 {
		t.Errorf("complexity counters not accumulated: %+v", result.Complexity)
	}
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "require of external facility",
			source: `const fs = require('fs'); module.exports = { solveSudoku: fs, validatePuzzle: fs };`,
			want:   "external facility not allow-listed: fs",
		},
		{
			name:   "forbidden call",
			source: `eval("1+1");`,
			want:   "forbidden call: eval",
		},
		{
			name:   "forbidden member call",
			source: `const x = {}; x.eval("1+1");`,
			want:   "forbidden call: eval",
		},
		{
			name:   "dynamic code via Function",
			source: `const f = new Function("return 1");`,
			want:   "forbidden call: Function",
		},
		{
			name:   "forbidden identifier",
			source: `const g = globalThis;`,
			want:   "forbidden identifier referenced: globalThis",
		},
		{
			name:   "forbidden namespace property",
			source: `const read = fs.readFileSync;`,
			want:   "forbidden namespace access: fs.readFileSync",
		},
		{
			name:   "forbidden namespace indexed",
			source: `const read = fs["readFileSync"];`,
			want:   "forbidden namespace access: fs[...]",
		},
		{
			name:   "missing export",
			source: `function solveSudoku(g) { return g; } module.exports = { solveSudoku };`,
			want:   "missing required export: validatePuzzle",
		},
	}

	pol := policy.DefaultCapabilityPolicy()
	// These fixtures are deliberately minimal, so shape requirements would
	// drown out the rule under test.
	pol.StructuralRequirements = nil
	pol.RequiredExports = []string{"solveSudoku", "validatePuzzle"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Verify(tt.source, pol)
			if result.Accepted {
				t.Fatal("module accepted")
			}
			found := false
			for _, v := range result.Violations {
				if strings.Contains(v, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("violations %v do not mention %q", result.Violations, tt.want)
			}
		})
	}
}

func TestVerifyCollectsAllViolations(t *testing.T) {
	source := `
const fs = require('fs');
eval("1");
const g = globalThis;
`
	pol := policy.DefaultCapabilityPolicy()
	pol.StructuralRequirements = nil
	pol.RequiredExports = nil

	result := Verify(source, pol)
	if result.Accepted {
		t.Fatal("module accepted")
	}
	// require is both a forbidden call and a non-allow-listed facility pull,
	// plus eval and globalThis: four independent findings.
	if len(result.Violations) < 4 {
		t.Errorf("Violations = %v, want at least 4 entries", result.Violations)
	}

	var policyErr *PolicyViolationError
	if !errors.As(result.Err(), &policyErr) {
		t.Fatalf("Err() = %T, want *PolicyViolationError", result.Err())
	}
	if len(policyErr.Violations) != len(result.Violations) {
		t.Error("error does not carry the complete violation list")
	}
}

func TestVerifyParseFailure(t *testing.T) {
	result := Verify(`function {`, policy.DefaultCapabilityPolicy())
	if result.Accepted {
		t.Fatal("unparsable module accepted")
	}
	var parseErr *ParseError
	if !errors.As(result.Err(), &parseErr) {
		t.Fatalf("Err() = %T, want *ParseError", result.Err())
	}
}

func TestVerifyStructuralRequirements(t *testing.T) {
	// Straight-line code: no loops, no recursion, no indexed compares.
	source := `
function solveSudoku(g) { return g; }
function validatePuzzle(g) { return true; }
module.exports = { solveSudoku, validatePuzzle };
`
	result := Verify(source, policy.DefaultCapabilityPolicy())
	if result.Accepted {
		t.Fatal("module without required structure accepted")
	}

	wantMissing := []string{
		"missing required structural signal: iteration",
		"missing required structural signal: indexed-compare",
	}
	for _, want := range wantMissing {
		found := false
		for _, v := range result.Violations {
			if v == want {
				found = true
			}
		}
		if !found {
			t.Errorf("violations %v missing %q", result.Violations, want)
		}
	}
}

func TestVerifyComplexityBounds(t *testing.T) {
	source := `
function validatePuzzle(g) {
  for (let a = 0; a < 9; a++) {}
  for (let b = 0; b < 9; b++) {}
  for (let c = 0; c < 9; c++) { if (g[c] === 0) { return false; } }
  return true;
}
function solveSudoku(g) { return g; }
module.exports = { solveSudoku, validatePuzzle };
`
	pol := policy.DefaultCapabilityPolicy()
	pol.StructuralRequirements = nil
	pol.Complexity = policy.ComplexityBounds{MaxLoops: 2}

	result := Verify(source, pol)
	if result.Accepted {
		t.Fatal("module over the loop bound accepted")
	}
	found := false
	for _, v := range result.Violations {
		if v == "loop count 3 exceeds bound 2" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations %v missing loop bound finding", result.Violations)
	}

	// Zero bound means no limit.
	pol.Complexity = policy.ComplexityBounds{}
	if result := Verify(source, pol); !result.Accepted {
		t.Errorf("module rejected under unlimited bounds: %v", result.Violations)
	}
}

func TestVerifyRecursionViaBoundExpression(t *testing.T) {
	// Recursion through a const-bound function expression, with the call
	// preceding nothing (hoisting irrelevant here but name-matching is).
	source := `
const walk = function (n) { return n === 0 ? 0 : walk(n - 1); };
function validatePuzzle(g) {
  for (let i = 0; i < 9; i++) { if (g[i] === 0) { return false; } }
  return true;
}
function solveSudoku(g) { walk(3); return g; }
module.exports = { solveSudoku, validatePuzzle };
`
	pol := policy.DefaultCapabilityPolicy()
	pol.StructuralRequirements = []policy.StructuralSignal{policy.SignalRecursion}

	result := Verify(source, pol)
	if !result.Accepted {
		t.Fatalf("module rejected: %v", result.Violations)
	}
	if !result.HasSignal(policy.SignalRecursion) {
		t.Error("recursion signal not observed")
	}
}

func TestVerifyExportForms(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "object literal shorthand",
			source: `function a(){} function b(){} module.exports = { a, b };`,
			want:   []string{"a", "b"},
		},
		{
			name:   "keyed object literal",
			source: `function a(){} module.exports = { "solve": a, check: a };`,
			want:   []string{"solve", "check"},
		},
		{
			name:   "property assignment",
			source: `module.exports.solve = function(){};`,
			want:   []string{"solve"},
		},
		{
			name:   "exports alias",
			source: `exports.check = function(){};`,
			want:   []string{"check"},
		},
	}

	pol := policy.CapabilityPolicy{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Verify(tt.source, pol)
			if len(result.Exports) != len(tt.want) {
				t.Fatalf("Exports = %v, want %v", result.Exports, tt.want)
			}
			for i, name := range tt.want {
				if result.Exports[i] != name {
					t.Errorf("Exports[%d] = %s, want %s", i, result.Exports[i], name)
				}
			}
		})
	}
}
