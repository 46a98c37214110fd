package simplebackend

import (
	"github.com/gomlx/autofuse/autofuse"
	"github.com/pkg/errors"
)

// externKernel invokes a precompiled library routine for a single matrix
// product node. It has no generated artifact and no register pressure of its
// own; that is the library's problem.
type externKernel struct {
	routine string
	node    *autofuse.Node
}

func newExternKernel(node *autofuse.Node) *externKernel {
	return &externKernel{routine: "extern_kernels." + node.Op.String(), node: node}
}

// Routine returns the library entry point, used by the code emitter.
func (k *externKernel) Routine() string             { return k.routine }
func (k *externKernel) Stats() autofuse.KernelStats { return autofuse.KernelStats{} }
func (k *externKernel) Path() string                { return "" }
func (k *externKernel) EstimatedMS() float64        { return matmulFlopsMS(k.node) * 0.8 }

// Run executes the routine. inputs hold the node's distinct operands in
// first-use order, so a repeated operand (x @ x) arrives as one buffer.
func (k *externKernel) Run(inputs, outputs []*autofuse.Buffer) error {
	if len(outputs) != 1 {
		return errors.Errorf("%s produces one output, got %d buffers", k.routine, len(outputs))
	}
	slot := make(map[*autofuse.Node]int, len(k.node.Inputs))
	for _, in := range k.node.Inputs {
		if _, ok := slot[in]; !ok {
			slot[in] = len(slot)
		}
	}
	if len(inputs) != len(slot) {
		return errors.Errorf("%s expects %d distinct inputs, got %d", k.routine, len(slot), len(inputs))
	}
	operand := func(idx int) *autofuse.Buffer { return inputs[slot[k.node.Inputs[idx]]] }
	switch k.node.Op {
	case autofuse.OpMatMul:
		matMul(operand(0), operand(1), outputs[0])
	case autofuse.OpAddMM:
		addMM(operand(0), operand(1), operand(2), outputs[0])
	default:
		return errors.Errorf("no extern routine for op %s", k.node.Op)
	}
	return nil
}

// matMul computes out = a @ b for rank-2 buffers, honoring all layouts.
func matMul(a, b, out *autofuse.Buffer) {
	m := a.Layout.Shape.Dim(0)
	k := a.Layout.Shape.Dim(1)
	n := b.Layout.Shape.Dim(1)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			acc := float32(0)
			for p := 0; p < k; p++ {
				acc += a.At(i, p) * b.At(p, j)
			}
			out.Set(acc, i, j)
		}
	}
}

// addMM computes out = bias + a @ b; bias is rank-2 or rank-1 (per column).
func addMM(bias, a, b, out *autofuse.Buffer) {
	matMul(a, b, out)
	m := out.Layout.Shape.Dim(0)
	n := out.Layout.Shape.Dim(1)
	perColumn := bias.Layout.Shape.Rank() == 1
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var add float32
			if perColumn {
				add = bias.At(j)
			} else {
				add = bias.At(i, j)
			}
			out.Set(out.At(i, j)+add, i, j)
		}
	}
}
