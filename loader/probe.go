package loader

import (
	"context"
	"fmt"
)

// ProbeError indicates a module passed static verification but failed the
// dynamic known-answer check. It is always fatal to the load attempt and is
// reported distinctly from a static policy violation: it points at a
// verifier gap, not merely a bad module.
type ProbeError struct {
	Reason string
}

func (e *ProbeError) Error() string {
	return "runtime probe failed: " + e.Reason
}

// probePuzzle is the fixed known-answer input. It has a unique solution, so
// any correct solver must return probeSolution exactly.
var probePuzzle = [9][9]int{
	{5, 3, 0, 0, 7, 0, 0, 0, 0},
	{6, 0, 0, 1, 9, 5, 0, 0, 0},
	{0, 9, 8, 0, 0, 0, 0, 6, 0},
	{8, 0, 0, 0, 6, 0, 0, 0, 3},
	{4, 0, 0, 8, 0, 3, 0, 0, 1},
	{7, 0, 0, 0, 2, 0, 0, 0, 6},
	{0, 6, 0, 0, 0, 0, 2, 8, 0},
	{0, 0, 0, 4, 1, 9, 0, 0, 5},
	{0, 0, 0, 0, 8, 0, 0, 7, 9},
}

var probeSolution = [9][9]int{
	{5, 3, 4, 6, 7, 8, 9, 1, 2},
	{6, 7, 2, 1, 9, 5, 3, 4, 8},
	{1, 9, 8, 3, 4, 2, 5, 6, 7},
	{8, 5, 9, 7, 6, 1, 4, 2, 3},
	{4, 2, 6, 8, 5, 3, 7, 9, 1},
	{7, 1, 3, 9, 2, 4, 8, 5, 6},
	{9, 6, 1, 5, 3, 7, 2, 8, 4},
	{2, 8, 7, 4, 1, 9, 6, 3, 5},
	{3, 4, 5, 2, 8, 6, 1, 7, 9},
}

// conflictPuzzle duplicates a 5 in the first row; a validator honoring its
// contract must reject it.
var conflictPuzzle = [9][9]int{
	{5, 3, 0, 0, 7, 0, 0, 0, 5},
	{6, 0, 0, 1, 9, 5, 0, 0, 0},
	{0, 9, 8, 0, 0, 0, 0, 6, 0},
	{8, 0, 0, 0, 6, 0, 0, 0, 3},
	{4, 0, 0, 8, 0, 3, 0, 0, 1},
	{7, 0, 0, 0, 2, 0, 0, 0, 6},
	{0, 6, 0, 0, 0, 0, 2, 8, 0},
	{0, 0, 0, 4, 1, 9, 0, 0, 5},
	{0, 0, 0, 0, 8, 0, 0, 7, 9},
}

// Probe runs the loaded module against a small fixed known-answer input and
// confirms it behaves as declared: the validator accepts a consistent grid
// and rejects a conflicting one, and the solver returns a well-formed
// solution that leaves every fixed cell untouched. A statically accepted
// module that fails any of these is rejected outright.
//
// This is a deliberate backstop for the verifier's known incompleteness, and
// a partial one: a single fixed input catches gross behavioral deviation,
// not statistical leakage such as input-dependent timing variance. That
// residual channel is a recorded limitation; detecting it would take an
// execution-time distribution analyzer outside this package's contract.
func Probe(ctx context.Context, m *Module) error {
	valid, err := m.Call(ctx, "validatePuzzle", gridToAny(probePuzzle))
	if err != nil {
		return &ProbeError{Reason: fmt.Sprintf("validatePuzzle call: %v", err)}
	}
	if ok, isBool := valid.(bool); !isBool || !ok {
		return &ProbeError{Reason: fmt.Sprintf("validatePuzzle accepted=false or non-boolean on consistent input (got %v)", valid)}
	}

	invalid, err := m.Call(ctx, "validatePuzzle", gridToAny(conflictPuzzle))
	if err != nil {
		return &ProbeError{Reason: fmt.Sprintf("validatePuzzle call on conflicting input: %v", err)}
	}
	if ok, isBool := invalid.(bool); !isBool || ok {
		return &ProbeError{Reason: "validatePuzzle failed to reject a conflicting grid"}
	}

	solved, err := m.Call(ctx, "solveSudoku", gridToAny(probePuzzle))
	if err != nil {
		return &ProbeError{Reason: fmt.Sprintf("solveSudoku call: %v", err)}
	}
	grid, err := normalizeGrid(solved)
	if err != nil {
		return &ProbeError{Reason: fmt.Sprintf("solveSudoku result shape: %v", err)}
	}

	for row := 0; row < 9; row++ {
		for col := 0; col < 9; col++ {
			if v := grid[row][col]; v < 1 || v > 9 {
				return &ProbeError{Reason: fmt.Sprintf("cell (%d,%d) out of range: %d", row, col, v)}
			}
			// Fixed positions in the input must come back unaltered.
			if fixed := probePuzzle[row][col]; fixed != 0 && grid[row][col] != fixed {
				return &ProbeError{Reason: fmt.Sprintf("fixed cell (%d,%d) altered: %d -> %d", row, col, fixed, grid[row][col])}
			}
		}
	}

	if grid != probeSolution {
		return &ProbeError{Reason: "solver output differs from known answer"}
	}
	return nil
}

// gridToAny converts a grid into the nested-slice form the runtime maps to a
// JavaScript array of arrays.
func gridToAny(grid [9][9]int) [][]int {
	out := make([][]int, 9)
	for i := range grid {
		row := make([]int, 9)
		copy(row, grid[i][:])
		out[i] = row
	}
	return out
}

// normalizeGrid converts an exported runtime value back into a 9x9 grid.
// The runtime exports arrays as []any and numbers as int64 or float64.
func normalizeGrid(v any) ([9][9]int, error) {
	var grid [9][9]int
	rows, ok := v.([]any)
	if !ok {
		return grid, fmt.Errorf("expected array of rows, got %T", v)
	}
	if len(rows) != 9 {
		return grid, fmt.Errorf("expected 9 rows, got %d", len(rows))
	}
	for i, rawRow := range rows {
		row, ok := rawRow.([]any)
		if !ok {
			return grid, fmt.Errorf("row %d is %T, not an array", i, rawRow)
		}
		if len(row) != 9 {
			return grid, fmt.Errorf("row %d has %d cells", i, len(row))
		}
		for j, cell := range row {
			switch n := cell.(type) {
			case int64:
				grid[i][j] = int(n)
			case float64:
				grid[i][j] = int(n)
			default:
				return grid, fmt.Errorf("cell (%d,%d) is %T, not a number", i, j, cell)
			}
		}
	}
	return grid, nil
}
