// Package verifier implements the static self-containment check for
// untrusted module source. It parses the source into a syntax tree, walks it
// once, and judges it against a capability policy: external access, structural
// signals, complexity accounting, and the export surface.
//
// The judgment is syntactic allow-listing, not semantic analysis. That is a
// deliberate simplification: it is cheap, deterministic, and auditable, and
// only as strong as the enumerated deny list. It is a policy tool, not a
// proof system, and must not be upgraded to data-flow analysis without
// changing the contract.
package verifier

import (
	"fmt"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

// Verify checks module source against a capability policy and returns the
// verdict. It is a pure function of its inputs: no I/O, no ambient state, and
// independent calls are safe to run concurrently.
//
// All violations across the whole tree are collected; no check short-circuits
// another. Failure to parse is itself a violation and rejects the module.
func Verify(source string, pol policy.CapabilityPolicy) Result {
	program, err := parser.ParseFile(nil, "module.js", source, 0)
	if err != nil {
		return Result{
			Accepted:   false,
			Violations: []string{fmt.Sprintf("%s%v", parseFailurePrefix, err)},
		}
	}

	w := newWalker(pol)
	for _, stmt := range program.Body {
		w.walkStmt(stmt)
	}
	return w.adjudicate(pol)
}

// walker carries the accumulator state for a single traversal.
// Violations append in traversal order; shared mutable state outside the
// walker is never touched.
type walker struct {
	forbiddenIdents map[string]bool
	forbiddenCalls  map[string]bool
	forbiddenNS     map[string]bool
	allowedBuiltins map[string]bool

	violations []string
	complexity Complexity

	signals     map[policy.StructuralSignal]bool
	signalOrder []policy.StructuralSignal

	exports     map[string]bool
	exportOrder []string

	// declaredFuncs and callTargets feed the recursion signal: a call whose
	// bare target name matches a function defined in the same module counts
	// as recursive, whether direct or mutual.
	declaredFuncs map[string]bool
	callTargets   map[string]bool
}

func newWalker(pol policy.CapabilityPolicy) *walker {
	return &walker{
		forbiddenIdents: toSet(pol.ForbiddenIdentifiers),
		forbiddenCalls:  toSet(pol.ForbiddenCalls),
		forbiddenNS:     toSet(pol.ForbiddenNamespaces),
		allowedBuiltins: toSet(pol.AllowedBuiltins),
		signals:         make(map[policy.StructuralSignal]bool),
		exports:         make(map[string]bool),
		declaredFuncs:   make(map[string]bool),
		callTargets:     make(map[string]bool),
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func (w *walker) violate(format string, args ...any) {
	w.violations = append(w.violations, fmt.Sprintf(format, args...))
}

func (w *walker) recordSignal(s policy.StructuralSignal) {
	if !w.signals[s] {
		w.signals[s] = true
		w.signalOrder = append(w.signalOrder, s)
	}
}

func (w *walker) recordExport(name string) {
	if name == "" {
		return
	}
	if !w.exports[name] {
		w.exports[name] = true
		w.exportOrder = append(w.exportOrder, name)
	}
}

// adjudicate turns the accumulated state into a final verdict. Checks are
// applied independently; every failed rule contributes to the violation list.
func (w *walker) adjudicate(pol policy.CapabilityPolicy) Result {
	// Recursion is adjudicated post-walk: function declarations hoist, so a
	// recursive call can syntactically precede the declaration it targets.
	for name := range w.declaredFuncs {
		if w.callTargets[name] {
			w.recordSignal(policy.SignalRecursion)
			break
		}
	}

	violations := w.violations
	for _, name := range pol.RequiredExports {
		if !w.exports[name] {
			violations = append(violations, fmt.Sprintf("missing required export: %s", name))
		}
	}
	for _, sig := range pol.StructuralRequirements {
		if !w.signals[sig] {
			violations = append(violations, fmt.Sprintf("missing required structural signal: %s", sig))
		}
	}
	if b := pol.Complexity.MaxLoops; b > 0 && w.complexity.LoopCount > b {
		violations = append(violations, fmt.Sprintf("loop count %d exceeds bound %d", w.complexity.LoopCount, b))
	}
	if b := pol.Complexity.MaxFunctions; b > 0 && w.complexity.FunctionCount > b {
		violations = append(violations, fmt.Sprintf("function count %d exceeds bound %d", w.complexity.FunctionCount, b))
	}
	if b := pol.Complexity.MaxIndexedAccesses; b > 0 && w.complexity.IndexedAccessCount > b {
		violations = append(violations, fmt.Sprintf("indexed access count %d exceeds bound %d", w.complexity.IndexedAccessCount, b))
	}

	return Result{
		Accepted:          len(violations) == 0,
		Violations:        violations,
		StructuralSignals: w.signalOrder,
		Complexity:        w.complexity,
		Exports:           w.exportOrder,
	}
}

// walkStmt dispatches on statement kind. Each arm visits every child node so
// a single pass covers the whole tree.
func (w *walker) walkStmt(stmt ast.Statement) {
	switch s := stmt.(type) {
	case nil:
	case *ast.BlockStatement:
		for _, inner := range s.List {
			w.walkStmt(inner)
		}
	case *ast.ExpressionStatement:
		w.walkExpr(s.Expression)
	case *ast.VariableStatement:
		for _, binding := range s.List {
			w.walkBinding(binding)
		}
	case *ast.LexicalDeclaration:
		for _, binding := range s.List {
			w.walkBinding(binding)
		}
	case *ast.FunctionDeclaration:
		w.walkFunctionLiteral(s.Function)
	case *ast.ClassDeclaration:
		w.walkClassLiteral(s.Class)
	case *ast.IfStatement:
		w.walkExpr(s.Test)
		w.walkStmt(s.Consequent)
		w.walkStmt(s.Alternate)
	case *ast.ForStatement:
		w.complexity.LoopCount++
		w.recordSignal(policy.SignalIteration)
		w.walkForInit(s.Initializer)
		w.walkExpr(s.Test)
		w.walkExpr(s.Update)
		w.walkStmt(s.Body)
	case *ast.ForInStatement:
		w.complexity.LoopCount++
		w.recordSignal(policy.SignalIteration)
		w.walkForInto(s.Into)
		w.walkExpr(s.Source)
		w.walkStmt(s.Body)
	case *ast.ForOfStatement:
		w.complexity.LoopCount++
		w.recordSignal(policy.SignalIteration)
		w.walkForInto(s.Into)
		w.walkExpr(s.Source)
		w.walkStmt(s.Body)
	case *ast.WhileStatement:
		w.complexity.LoopCount++
		w.recordSignal(policy.SignalIteration)
		w.walkExpr(s.Test)
		w.walkStmt(s.Body)
	case *ast.DoWhileStatement:
		w.complexity.LoopCount++
		w.recordSignal(policy.SignalIteration)
		w.walkExpr(s.Test)
		w.walkStmt(s.Body)
	case *ast.ReturnStatement:
		w.walkExpr(s.Argument)
	case *ast.ThrowStatement:
		w.walkExpr(s.Argument)
	case *ast.TryStatement:
		w.walkStmt(s.Body)
		if s.Catch != nil {
			w.walkStmt(s.Catch.Body)
		}
		if s.Finally != nil {
			w.walkStmt(s.Finally)
		}
	case *ast.SwitchStatement:
		w.walkExpr(s.Discriminant)
		for _, c := range s.Body {
			w.walkExpr(c.Test)
			for _, inner := range c.Consequent {
				w.walkStmt(inner)
			}
		}
	case *ast.LabelledStatement:
		w.walkStmt(s.Statement)
	case *ast.WithStatement:
		w.walkExpr(s.Object)
		w.walkStmt(s.Body)
	case *ast.BranchStatement, *ast.EmptyStatement, *ast.DebuggerStatement, *ast.BadStatement:
		// no children
	}
}

// walkExpr dispatches on expression kind and applies the external-access,
// structural-signal, complexity, and export-surface checks where they attach.
func (w *walker) walkExpr(expr ast.Expression) {
	switch e := expr.(type) {
	case nil:
	case *ast.Identifier:
		w.checkIdentifierRef(e)
	case *ast.AssignExpression:
		if e.Operator == token.ASSIGN {
			w.collectExportAssignment(e)
		}
		w.walkAssignTarget(e.Left)
		w.walkExpr(e.Right)
	case *ast.CallExpression:
		w.checkCall(e.Callee, e.ArgumentList)
		w.walkExpr(e.Callee)
		for _, arg := range e.ArgumentList {
			w.walkExpr(arg)
		}
	case *ast.NewExpression:
		w.checkCall(e.Callee, e.ArgumentList)
		w.walkExpr(e.Callee)
		for _, arg := range e.ArgumentList {
			w.walkExpr(arg)
		}
	case *ast.DotExpression:
		w.checkNamespaceAccess(e.Left, e.Identifier.Name.String())
		w.walkExpr(e.Left)
	case *ast.BracketExpression:
		w.complexity.IndexedAccessCount++
		if ident, ok := e.Left.(*ast.Identifier); ok && w.forbiddenNS[ident.Name.String()] {
			w.violate("forbidden namespace access: %s[...]", ident.Name.String())
		}
		w.walkExpr(e.Left)
		w.walkExpr(e.Member)
	case *ast.BinaryExpression:
		if isEqualityOp(e.Operator) && (isIndexed(e.Left) || isIndexed(e.Right)) {
			w.recordSignal(policy.SignalIndexedCompare)
		}
		w.walkExpr(e.Left)
		w.walkExpr(e.Right)
	case *ast.ConditionalExpression:
		w.walkExpr(e.Test)
		w.walkExpr(e.Consequent)
		w.walkExpr(e.Alternate)
	case *ast.UnaryExpression:
		w.walkExpr(e.Operand)
	case *ast.SequenceExpression:
		for _, inner := range e.Sequence {
			w.walkExpr(inner)
		}
	case *ast.ArrayLiteral:
		for _, inner := range e.Value {
			w.walkExpr(inner)
		}
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			w.walkProperty(prop)
		}
	case *ast.FunctionLiteral:
		w.walkFunctionLiteral(e)
	case *ast.ArrowFunctionLiteral:
		w.complexity.FunctionCount++
		w.walkConciseBody(e.Body)
	case *ast.ClassLiteral:
		w.walkClassLiteral(e)
	case *ast.TemplateLiteral:
		w.walkExpr(e.Tag)
		for _, inner := range e.Expressions {
			w.walkExpr(inner)
		}
	case *ast.SpreadElement:
		w.walkExpr(e.Expression)
	case *ast.ThisExpression, *ast.NullLiteral, *ast.BooleanLiteral,
		*ast.NumberLiteral, *ast.StringLiteral, *ast.RegExpLiteral,
		*ast.BadExpression:
		// no children
	}
}

// walkAssignTarget visits the left side of an assignment. A bare identifier
// target is a write, not a read of an ambient handle, so the forbidden
// identifier check is skipped there; member expressions are walked in full.
func (w *walker) walkAssignTarget(expr ast.Expression) {
	if _, ok := expr.(*ast.Identifier); ok {
		return
	}
	w.walkExpr(expr)
}

func (w *walker) walkBinding(binding *ast.Binding) {
	if binding == nil {
		return
	}
	// A function expression bound to a name counts as a module-defined
	// function for recursion detection.
	if target, ok := binding.Target.(*ast.Identifier); ok {
		switch binding.Initializer.(type) {
		case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
			w.declaredFuncs[target.Name.String()] = true
		}
	}
	w.walkExpr(binding.Initializer)
}

func (w *walker) walkFunctionLiteral(fn *ast.FunctionLiteral) {
	if fn == nil {
		return
	}
	w.complexity.FunctionCount++
	if fn.Name != nil {
		w.declaredFuncs[fn.Name.Name.String()] = true
	}
	w.walkStmt(fn.Body)
}

func (w *walker) walkConciseBody(body ast.ConciseBody) {
	switch b := body.(type) {
	case *ast.BlockStatement:
		w.walkStmt(b)
	case *ast.ExpressionBody:
		w.walkExpr(b.Expression)
	}
}

func (w *walker) walkClassLiteral(class *ast.ClassLiteral) {
	if class == nil {
		return
	}
	w.walkExpr(class.SuperClass)
	for _, element := range class.Body {
		switch el := element.(type) {
		case *ast.MethodDefinition:
			if el.Computed {
				w.walkExpr(el.Key)
			}
			w.walkExpr(el.Body)
		case *ast.FieldDefinition:
			if el.Computed {
				w.walkExpr(el.Key)
			}
			w.walkExpr(el.Initializer)
		case *ast.ClassStaticBlock:
			w.walkStmt(el.Block)
		}
	}
}

func (w *walker) walkForInit(init ast.ForLoopInitializer) {
	switch i := init.(type) {
	case nil:
	case *ast.ForLoopInitializerExpression:
		w.walkExpr(i.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		for _, binding := range i.List {
			w.walkBinding(binding)
		}
	case *ast.ForLoopInitializerLexicalDecl:
		for _, binding := range i.LexicalDeclaration.List {
			w.walkBinding(binding)
		}
	}
}

func (w *walker) walkForInto(into ast.ForInto) {
	switch i := into.(type) {
	case nil:
	case *ast.ForIntoExpression:
		w.walkAssignTarget(i.Expression)
	case *ast.ForIntoVar:
		w.walkBinding(i.Binding)
	case *ast.ForDeclaration:
		// declaration target, not a reference
	}
}

func (w *walker) walkProperty(prop ast.Property) {
	switch p := prop.(type) {
	case *ast.PropertyKeyed:
		if p.Computed {
			w.walkExpr(p.Key)
		}
		w.walkExpr(p.Value)
	case *ast.PropertyShort:
		// Shorthand is a reference to a binding with that name.
		w.checkIdentifierRef(&p.Name)
		w.walkExpr(p.Initializer)
	case *ast.SpreadElement:
		w.walkExpr(p.Expression)
	}
}

// checkIdentifierRef applies the forbidden-identifier rule to a read of a
// bare name.
func (w *walker) checkIdentifierRef(ident *ast.Identifier) {
	name := ident.Name.String()
	if w.forbiddenIdents[name] {
		w.violate("forbidden identifier referenced: %s", name)
	}
}

// checkCall applies the forbidden-call and allow-list rules to an invocation.
// The callee's resolved name is checked regardless of whether the call is
// bare (require(...)) or a member call (anything.eval(...)).
func (w *walker) checkCall(callee ast.Expression, args []ast.Expression) {
	var name string
	switch c := callee.(type) {
	case *ast.Identifier:
		name = c.Name.String()
		w.callTargets[name] = true
	case *ast.DotExpression:
		name = c.Identifier.Name.String()
	default:
		return
	}

	if w.forbiddenCalls[name] {
		w.violate("forbidden call: %s", name)
	}

	// An import/require-equivalent naming a facility outside the allow list
	// is an external-access violation in its own right, on top of the call
	// itself being forbidden.
	if name == "require" || name == "import" {
		if facility, ok := firstStringArg(args); ok && !w.allowedBuiltins[facility] {
			w.violate("external facility not allow-listed: %s", facility)
		}
	}
}

// checkNamespaceAccess applies the forbidden-namespace rule to a property
// access whose base is a bare identifier.
func (w *walker) checkNamespaceAccess(base ast.Expression, property string) {
	ident, ok := base.(*ast.Identifier)
	if !ok {
		return
	}
	if w.forbiddenNS[ident.Name.String()] {
		w.violate("forbidden namespace access: %s.%s", ident.Name.String(), property)
	}
}

// collectExportAssignment records the module's public interface from
// module.exports assignments: `module.exports = {...}`, `module.exports.f = x`
// and `exports.f = x`.
func (w *walker) collectExportAssignment(assign *ast.AssignExpression) {
	switch left := assign.Left.(type) {
	case *ast.DotExpression:
		if isModuleExports(left) {
			// module.exports = <object literal>
			if obj, ok := assign.Right.(*ast.ObjectLiteral); ok {
				for _, prop := range obj.Value {
					if name, ok := exportPropertyName(prop); ok {
						w.recordExport(name)
					}
				}
			}
			return
		}
		// module.exports.f = x  or  exports.f = x
		switch base := left.Left.(type) {
		case *ast.DotExpression:
			if isModuleExports(base) {
				w.recordExport(left.Identifier.Name.String())
			}
		case *ast.Identifier:
			if base.Name.String() == "exports" {
				w.recordExport(left.Identifier.Name.String())
			}
		}
	}
}

func isModuleExports(dot *ast.DotExpression) bool {
	ident, ok := dot.Left.(*ast.Identifier)
	return ok && ident.Name.String() == "module" && dot.Identifier.Name.String() == "exports"
}

func exportPropertyName(prop ast.Property) (string, bool) {
	switch p := prop.(type) {
	case *ast.PropertyShort:
		return p.Name.Name.String(), true
	case *ast.PropertyKeyed:
		if p.Computed {
			return "", false
		}
		switch key := p.Key.(type) {
		case *ast.Identifier:
			return key.Name.String(), true
		case *ast.StringLiteral:
			return key.Value.String(), true
		}
	}
	return "", false
}

func isEqualityOp(op token.Token) bool {
	switch op {
	case token.EQUAL, token.STRICT_EQUAL, token.NOT_EQUAL, token.STRICT_NOT_EQUAL:
		return true
	}
	return false
}

func isIndexed(expr ast.Expression) bool {
	_, ok := expr.(*ast.BracketExpression)
	return ok
}

// firstStringArg returns the first argument when it is a string literal.
func firstStringArg(args []ast.Expression) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	lit, ok := args[0].(*ast.StringLiteral)
	if !ok {
		return "", false
	}
	return lit.Value.String(), true
}
