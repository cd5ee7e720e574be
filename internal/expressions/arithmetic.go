package expressions

import (
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/interpreter"
)

// promoteMixedArithmetic lets + - * / mix int and double operands. Numbers
// decoded from JSON arrive as doubles, so asset.price + 1 must not fail with
// "no such overload". A mixed pair is computed as a double; every other
// pair keeps the standard CEL behavior.
func promoteMixedArithmetic(i interpreter.Interpretable) (interpreter.Interpretable, error) {
	call, ok := i.(interpreter.InterpretableCall)
	if !ok || len(call.Args()) != 2 {
		return i, nil
	}
	switch call.Function() {
	case operators.Add, operators.Subtract, operators.Multiply, operators.Divide:
		return &mixedArithmetic{InterpretableCall: call, lhs: call.Args()[0], rhs: call.Args()[1]}, nil
	}
	return i, nil
}

type mixedArithmetic struct {
	interpreter.InterpretableCall
	lhs, rhs interpreter.Interpretable
}

func (m *mixedArithmetic) Eval(vars interpreter.Activation) ref.Val {
	l := m.lhs.Eval(vars)
	if types.IsUnknownOrError(l) {
		return l
	}
	r := m.rhs.Eval(vars)
	if types.IsUnknownOrError(r) {
		return r
	}
	if a, b, ok := asDoublePair(l, r); ok {
		return m.applyDouble(a, b)
	}
	return types.LabelErrNode(m.ID(), m.applyStandard(l, r))
}

// asDoublePair reports whether exactly one side is an int and the other a
// double, returning both as float64.
func asDoublePair(l, r ref.Val) (float64, float64, bool) {
	switch lv := l.(type) {
	case types.Int:
		if rv, ok := r.(types.Double); ok {
			return float64(lv), float64(rv), true
		}
	case types.Double:
		if rv, ok := r.(types.Int); ok {
			return float64(lv), float64(rv), true
		}
	}
	return 0, 0, false
}

func (m *mixedArithmetic) applyDouble(a, b float64) ref.Val {
	switch m.Function() {
	case operators.Add:
		return types.Double(a + b)
	case operators.Subtract:
		return types.Double(a - b)
	case operators.Multiply:
		return types.Double(a * b)
	default:
		return types.Double(a / b)
	}
}

func (m *mixedArithmetic) applyStandard(l, r ref.Val) ref.Val {
	switch m.Function() {
	case operators.Add:
		if v, ok := l.(traits.Adder); ok {
			return v.Add(r)
		}
	case operators.Subtract:
		if v, ok := l.(traits.Subtractor); ok {
			return v.Subtract(r)
		}
	case operators.Multiply:
		if v, ok := l.(traits.Multiplier); ok {
			return v.Multiply(r)
		}
	case operators.Divide:
		if v, ok := l.(traits.Divider); ok {
			return v.Divide(r)
		}
	}
	return types.NewErr("no such overload: %s", m.Function())
}
