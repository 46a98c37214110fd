package autofuse

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFusionGroup(t *testing.T) {
	x := Input("x", shapes.Make(dtypes.Float32, 4, 8))
	mul := WithScalar("mul", OpMulScalar, x, 2)
	add := WithScalar("add", OpAddScalar, mul, 1)
	sum := Reduce("sum", OpReduceSum, add)

	group, err := NewFusionGroup(mul, add, sum)
	require.NoError(t, err)
	require.Equal(t, "mul+add+sum", group.Key())
	require.Equal(t, []*Node{x}, group.ExternalInputs())
	require.Equal(t, []*Node{sum}, group.Outputs())

	// Not topological: add consumes mul which appears later.
	_, err = NewFusionGroup(add, mul, sum)
	require.Error(t, err)

	// Duplicates.
	_, err = NewFusionGroup(mul, mul)
	require.Error(t, err)

	// Empty.
	_, err = NewFusionGroup()
	require.Error(t, err)
}

func TestFusionGroupWithOutputs(t *testing.T) {
	x := Input("x", shapes.Make(dtypes.Float32, 4, 8))
	a := WithScalar("a", OpMulScalar, x, 2)
	b := Unary("b", OpRelu, a)

	group, err := NewFusionGroup(a, b)
	require.NoError(t, err)

	// a is consumed by b, so by default only b escapes.
	require.Equal(t, []*Node{b}, group.Outputs())

	// But the lowering step may know a is also consumed outside the group.
	group.WithOutputs(a, b)
	require.Equal(t, []*Node{a, b}, group.Outputs())

	require.Panics(t, func() { group.WithOutputs(x) })
}

func TestNodeConstructorShapes(t *testing.T) {
	a := Input("a", shapes.Make(dtypes.Float32, 4, 4))
	b := Input("b", shapes.Make(dtypes.Float32, 4, 4))
	bias := Input("bias", shapes.Make(dtypes.Float32, 4))

	mm := MatMul("mm", a, b)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 4), mm.Shape)

	addmm := AddMM("addmm", bias, a, b)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 4), addmm.Shape)

	cat := Concat("cat", 1, mm, addmm)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4, 8), cat.Shape)

	sum := Reduce("sum", OpReduceSum, mm)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4), sum.Shape)

	// Row broadcast: rank-1 operand with one value per row.
	sub := Binary("sub", OpSub, mm, sum)
	assert.Equal(t, mm.Shape, sub.Shape)

	require.Panics(t, func() {
		MatMul("bad", a, Input("c", shapes.Make(dtypes.Float32, 5, 4)))
	})
	require.Panics(t, func() {
		Binary("bad", OpAdd, mm, Input("d", shapes.Make(dtypes.Float32, 3)))
	})
	require.Panics(t, func() {
		Unary("bad", OpMatMul, a)
	})
}

func TestConcatRejectsNonMatrixParts(t *testing.T) {
	a := Input("a", shapes.Make(dtypes.Float32, 4, 4))
	row := Reduce("row", OpReduceSum, a)

	// A rank-1 first part must fail the rank check, not index out of range.
	err := exceptions.TryCatch[error](func() { Concat("bad", 1, row, a) })
	require.ErrorContains(t, err, "rank-2")

	err = exceptions.TryCatch[error](func() { Concat("bad", 1, a, row) })
	require.ErrorContains(t, err, "line up")
}
