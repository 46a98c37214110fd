package simplebackend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/autofuse/autofuse"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend := New()
	backend.ArtifactDir = t.TempDir()
	return backend
}

func mustGroup(t *testing.T, nodes ...*autofuse.Node) *autofuse.FusionGroup {
	t.Helper()
	group, err := autofuse.NewFusionGroup(nodes...)
	require.NoError(t, err)
	return group
}

func matMulNode() *autofuse.Node {
	a := autofuse.Input("a", shapes.Make(dtypes.Float32, 4, 3))
	b := autofuse.Input("b", shapes.Make(dtypes.Float32, 3, 5))
	return autofuse.MatMul("mm", a, b)
}

// wideGroup builds n scale-then-reduce chains in one group; every chain adds a
// live accumulator, so pressure grows with n.
func wideGroup(t *testing.T, n int) *autofuse.FusionGroup {
	t.Helper()
	var nodes []*autofuse.Node
	for i := 0; i < n; i++ {
		x := autofuse.Input(fmt.Sprintf("x%d", i), shapes.Make(dtypes.Float32, 4, 8))
		mul := autofuse.WithScalar(fmt.Sprintf("mul%d", i), autofuse.OpMulScalar, x, 0.5)
		sum := autofuse.Reduce(fmt.Sprintf("sum%d", i), autofuse.OpReduceSum, mul)
		nodes = append(nodes, mul, sum)
	}
	return mustGroup(t, nodes...)
}

func candidateNamed(t *testing.T, choices []autofuse.Candidate, prefix string) autofuse.Candidate {
	t.Helper()
	for _, c := range choices {
		if strings.HasPrefix(c.Name(), prefix) {
			return c
		}
	}
	t.Fatalf("no candidate with prefix %q among %d choices", prefix, len(choices))
	return nil
}

func TestChoicesMatMulOnly(t *testing.T) {
	backend := newTestBackend(t)
	mm := matMulNode()
	choices := backend.Choices(mustGroup(t, mm))
	require.Len(t, choices, 2)

	kinds := map[autofuse.CandidateKind]autofuse.Candidate{}
	for _, c := range choices {
		kinds[c.Kind()] = c
	}
	extern := kinds[autofuse.KindExternKernel]
	require.NotNil(t, extern)
	assert.Equal(t, "extern_kernels.mm", extern.Name())
	assert.True(t, extern.OutputLayouts()[0].IsContiguous())

	template := kinds[autofuse.KindTemplate]
	require.NotNil(t, template)
	assert.True(t, template.OutputLayouts()[0].Equal(autofuse.ColumnMajorLayout(mm.Shape)))
	assert.Less(t, extern.CostEstimateMS(), template.CostEstimateMS(),
		"the vendor routine is modeled as faster than generated gemm")
}

func TestChoicesMatMulEpilogue(t *testing.T) {
	backend := newTestBackend(t)
	bias := autofuse.Input("bias", shapes.Make(dtypes.Float32, 5))
	a := autofuse.Input("a", shapes.Make(dtypes.Float32, 4, 3))
	b := autofuse.Input("b", shapes.Make(dtypes.Float32, 3, 5))
	mm := autofuse.AddMM("mm", bias, a, b)
	relu := autofuse.Unary("relu", autofuse.OpRelu, mm)

	choices := backend.Choices(mustGroup(t, mm, relu))
	require.Len(t, choices, 1)
	assert.Equal(t, autofuse.KindTemplate, choices[0].Kind())
	assert.Contains(t, choices[0].Name(), "kernel_tem_fused_addmm_relu")
}

func TestChoicesReductionGroup(t *testing.T) {
	backend := newTestBackend(t)
	choices := backend.Choices(wideGroup(t, 2))
	require.Len(t, choices, 2)
	persistent := candidateNamed(t, choices, "kernel_per_fused")
	split := candidateNamed(t, choices, "kernel_red_fused")
	assert.Less(t, persistent.CostEstimateMS(), split.CostEstimateMS(),
		"split reductions pay for the extra accumulator round trip")
}

func TestChoicesUnsupportedGroups(t *testing.T) {
	backend := newTestBackend(t)

	a := autofuse.Input("a", shapes.Make(dtypes.Float32, 2, 3))
	b := autofuse.Input("b", shapes.Make(dtypes.Float32, 2, 3))
	cat := autofuse.Concat("cat", 0, a, b)
	assert.Empty(t, backend.Choices(mustGroup(t, cat)))

	wide := autofuse.Input("wide", shapes.Make(dtypes.Float32, 2, 3, 4))
	exp := autofuse.Unary("exp", autofuse.OpExp, wide)
	assert.Empty(t, backend.Choices(mustGroup(t, exp)), "rank-3 shapes are not supported")
}

func TestRegisterPressureGrowsWithLiveAccumulators(t *testing.T) {
	narrow := registerPressure(wideGroup(t, 2))
	wide := registerPressure(wideGroup(t, 20))
	assert.Less(t, narrow, defaultRegisterBudget)
	assert.Greater(t, wide, defaultRegisterBudget)
	// 20 accumulators, plus the chain being computed, plus bookkeeping.
	assert.Equal(t, 20+1+2, wide)
}

func TestWidePersistentKernelSpillsWithoutShrinking(t *testing.T) {
	group := wideGroup(t, 20)

	spilling := newTestBackend(t)
	spilling.ShrinkWideKernels = false
	persistent := candidateNamed(t, spilling.Choices(group), "kernel_per_fused")
	kernel, err := persistent.Compile(context.Background(), group)
	require.NoError(t, err)
	assert.True(t, kernel.Stats().Spilled)

	shrinking := newTestBackend(t)
	shrunk := candidateNamed(t, shrinking.Choices(group), "kernel_per_fused")
	kernel, err = shrunk.Compile(context.Background(), group)
	require.NoError(t, err)
	assert.False(t, kernel.Stats().Spilled)
	assert.Equal(t, defaultRegisterBudget, kernel.Stats().RegistersUsed)
	assert.Greater(t, shrunk.CostEstimateMS(), persistent.CostEstimateMS(),
		"shrinking the block size costs extra passes over memory")
}

func TestPersistentKernelComputesSoftmax(t *testing.T) {
	backend := newTestBackend(t)
	x := autofuse.Input("x", shapes.Make(dtypes.Float32, 2, 8))
	mx := autofuse.Reduce("mx", autofuse.OpReduceMax, x)
	sub := autofuse.Binary("sub", autofuse.OpSub, x, mx)
	e := autofuse.Unary("e", autofuse.OpExp, sub)
	s := autofuse.Reduce("s", autofuse.OpReduceSum, e)
	out := autofuse.Binary("out", autofuse.OpDiv, e, s)
	group := mustGroup(t, mx, sub, e, s, out)

	persistent := candidateNamed(t, backend.Choices(group), "kernel_per_fused")
	kernel, err := persistent.Compile(context.Background(), group)
	require.NoError(t, err)

	input := autofuse.NewContiguousBuffer(x.Shape)
	for i := range input.Data {
		input.Data[i] = float32(i)*0.25 - 1
	}
	output := autofuse.NewContiguousBuffer(out.Shape)
	require.NoError(t, kernel.Run([]*autofuse.Buffer{input}, []*autofuse.Buffer{output}))

	for i := 0; i < 2; i++ {
		rowMax := input.At(i, 0)
		for j := 1; j < 8; j++ {
			if v := input.At(i, j); v > rowMax {
				rowMax = v
			}
		}
		total := float32(0)
		for j := 0; j < 8; j++ {
			total += math32.Exp(input.At(i, j) - rowMax)
		}
		for j := 0; j < 8; j++ {
			want := math32.Exp(input.At(i, j)-rowMax) / total
			assert.InDelta(t, want, output.At(i, j), 1e-5, "row %d col %d", i, j)
		}
	}
}

func TestAddMMHonorsStridedOutput(t *testing.T) {
	bias := autofuse.NewContiguousBuffer(shapes.Make(dtypes.Float32, 3))
	a := autofuse.NewContiguousBuffer(shapes.Make(dtypes.Float32, 2, 4))
	b := autofuse.NewContiguousBuffer(shapes.Make(dtypes.Float32, 4, 3))
	for _, buf := range []*autofuse.Buffer{bias, a, b} {
		for i := range buf.Data {
			buf.Data[i] = float32(i+1) * 0.5
		}
	}

	outShape := shapes.Make(dtypes.Float32, 2, 3)
	rowMajor := autofuse.NewContiguousBuffer(outShape)
	colMajor, err := autofuse.NewBuffer(autofuse.ColumnMajorLayout(outShape))
	require.NoError(t, err)

	addMM(bias, a, b, rowMajor)
	addMM(bias, a, b, colMajor)

	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			want := bias.At(j)
			for p := 0; p < 4; p++ {
				want += a.At(i, p) * b.At(p, j)
			}
			assert.InDelta(t, want, rowMajor.At(i, j), 1e-5)
			assert.InDelta(t, want, colMajor.At(i, j), 1e-5, "strided writes must land at the same logical index")
		}
	}
}

func TestCompileUnfused(t *testing.T) {
	backend := newTestBackend(t)

	mm := matMulNode()
	kernel, err := backend.CompileUnfused(context.Background(), mm)
	require.NoError(t, err)
	extern, ok := kernel.(interface{ Routine() string })
	require.True(t, ok, "matrix products lower to the extern routine")
	assert.Equal(t, "extern_kernels.mm", extern.Routine())

	x := autofuse.Input("x", shapes.Make(dtypes.Float32, 4, 4))
	relu := autofuse.Unary("relu", autofuse.OpRelu, x)
	kernel, err = backend.CompileUnfused(context.Background(), relu)
	require.NoError(t, err)
	named, ok := kernel.(interface{ KernelName() string })
	require.True(t, ok)
	assert.Contains(t, named.KernelName(), "kernel_relu")

	wide := autofuse.Input("wide", shapes.Make(dtypes.Float32, 2, 2, 2))
	_, err = backend.CompileUnfused(context.Background(), autofuse.Unary("exp", autofuse.OpExp, wide))
	require.Error(t, err)
}

func TestGeneratedKernelWritesArtifact(t *testing.T) {
	backend := newTestBackend(t)
	x := autofuse.Input("x", shapes.Make(dtypes.Float32, 4, 4))
	relu := autofuse.Unary("relu", autofuse.OpRelu, x)
	group := mustGroup(t, relu)

	persistent := candidateNamed(t, backend.Choices(group), "kernel_per_fused")
	kernel, err := persistent.Compile(context.Background(), group)
	require.NoError(t, err)
	require.NotEmpty(t, kernel.Path())

	source, err := os.ReadFile(kernel.Path())
	require.NoError(t, err)
	assert.Contains(t, string(source), persistent.Name())
	assert.Contains(t, string(source), "relu = relu(x)")
}
