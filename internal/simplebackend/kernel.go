package simplebackend

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/autofuse/autofuse"
	"github.com/pkg/errors"
)

// fusedKernel interprets a fusion group node by node. It stands in for a
// generated specialized kernel: correctness matches what real codegen would
// produce, and the resource behavior (register pressure, spilling) comes from
// the stats computed at candidate-creation time.
type fusedKernel struct {
	name   string
	group  *autofuse.FusionGroup
	stats  autofuse.KernelStats
	path   string
	costMS float64
}

func (b *Backend) newFusedKernel(group *autofuse.FusionGroup, name string, stats autofuse.KernelStats, costMS float64) (*fusedKernel, error) {
	path, err := b.writeArtifact(name, kernelSource(name, group, stats))
	if err != nil {
		return nil, err
	}
	return &fusedKernel{name: name, group: group, stats: stats, path: path, costMS: costMS}, nil
}

func (k *fusedKernel) KernelName() string          { return k.name }
func (k *fusedKernel) Stats() autofuse.KernelStats { return k.stats }
func (k *fusedKernel) Path() string                { return k.path }
func (k *fusedKernel) EstimatedMS() float64        { return k.costMS }
func (k *fusedKernel) Run(inputs, outputs []*autofuse.Buffer) error {
	return evalGroup(k.group, inputs, outputs)
}

// kernelSource renders a pseudo-source listing for the artifact file.
func kernelSource(name string, group *autofuse.FusionGroup, stats autofuse.KernelStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// %s: generated for group %s\n", name, group)
	fmt.Fprintf(&sb, "// registers=%d spilled=%v\n", stats.RegistersUsed, stats.Spilled)
	for _, node := range group.Nodes {
		fmt.Fprintf(&sb, "%s = %s(", node.Name, node.Op)
		for idx, in := range node.Inputs {
			if idx > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(in.Name)
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// evalGroup evaluates the group's nodes in order, binding external inputs and
// writing the group outputs into the caller's buffers (translating layouts).
func evalGroup(group *autofuse.FusionGroup, inputs, outputs []*autofuse.Buffer) error {
	external := group.ExternalInputs()
	if len(inputs) != len(external) {
		return errors.Errorf("group %s expects %d inputs, got %d", group, len(external), len(inputs))
	}
	bound := make(map[*autofuse.Node]*autofuse.Buffer, len(group.Nodes)+len(inputs))
	for idx, in := range external {
		bound[in] = inputs[idx]
	}

	for _, node := range group.Nodes {
		result, err := evalNode(node, bound)
		if err != nil {
			return errors.WithMessagef(err, "evaluating node %s", node)
		}
		bound[node] = result
	}

	outs := group.Outputs()
	if len(outputs) != len(outs) {
		return errors.Errorf("group %s produces %d outputs, got %d buffers", group, len(outs), len(outputs))
	}
	for idx, out := range outs {
		if err := outputs[idx].CopyFrom(bound[out]); err != nil {
			return errors.WithMessagef(err, "writing output %s", out)
		}
	}
	return nil
}

// evalNode computes one node into a fresh contiguous buffer. All inputs must
// already be bound; strided input buffers are read through their layouts.
func evalNode(node *autofuse.Node, bound map[*autofuse.Node]*autofuse.Buffer) (*autofuse.Buffer, error) {
	ins := make([]*autofuse.Buffer, len(node.Inputs))
	for idx, in := range node.Inputs {
		buf, ok := bound[in]
		if !ok {
			return nil, errors.Errorf("input %s is not bound", in)
		}
		ins[idx] = buf
	}

	out := autofuse.NewContiguousBuffer(node.Shape)
	switch node.Op {
	case autofuse.OpAdd, autofuse.OpSub, autofuse.OpMul, autofuse.OpDiv:
		return out, evalBinary(node, ins[0], ins[1], out)
	case autofuse.OpExp, autofuse.OpRelu, autofuse.OpGelu, autofuse.OpTanh,
		autofuse.OpAddScalar, autofuse.OpMulScalar:
		return out, evalUnary(node, ins[0], out)
	case autofuse.OpReduceSum, autofuse.OpReduceMax:
		return out, evalReduce(node, ins[0], out)
	case autofuse.OpMatMul:
		matMul(ins[0], ins[1], out)
		return out, nil
	case autofuse.OpAddMM:
		addMM(ins[0], ins[1], ins[2], out)
		return out, nil
	case autofuse.OpConcat:
		return out, evalConcat(node, ins, out)
	default:
		return nil, errors.Errorf("unsupported op %s", node.Op)
	}
}

func evalBinary(node *autofuse.Node, a, b, out *autofuse.Buffer) error {
	apply := func(x, y float32) float32 {
		switch node.Op {
		case autofuse.OpAdd:
			return x + y
		case autofuse.OpSub:
			return x - y
		case autofuse.OpMul:
			return x * y
		default:
			return x / y
		}
	}
	shape := node.Shape
	byRow := b.Layout.Shape.Rank() == shape.Rank()-1
	switch shape.Rank() {
	case 1:
		for i := 0; i < shape.Dim(0); i++ {
			var rhs float32
			if byRow {
				rhs = b.Data[0]
			} else {
				rhs = b.At(i)
			}
			out.Set(apply(a.At(i), rhs), i)
		}
	case 2:
		for i := 0; i < shape.Dim(0); i++ {
			for j := 0; j < shape.Dim(1); j++ {
				rhs := float32(0)
				if byRow {
					rhs = b.At(i)
				} else {
					rhs = b.At(i, j)
				}
				out.Set(apply(a.At(i, j), rhs), i, j)
			}
		}
	default:
		return errors.Errorf("binary op on unsupported rank %d", shape.Rank())
	}
	return nil
}

func evalUnary(node *autofuse.Node, a, out *autofuse.Buffer) error {
	apply := func(x float32) float32 {
		switch node.Op {
		case autofuse.OpExp:
			return math32.Exp(x)
		case autofuse.OpRelu:
			if x < 0 {
				return 0
			}
			return x
		case autofuse.OpGelu:
			return gelu(x)
		case autofuse.OpTanh:
			return math32.Tanh(x)
		case autofuse.OpAddScalar:
			return x + node.Scalar
		default:
			return x * node.Scalar
		}
	}
	shape := node.Shape
	switch shape.Rank() {
	case 0:
		out.Data[0] = apply(a.Data[0])
	case 1:
		for i := 0; i < shape.Dim(0); i++ {
			out.Set(apply(a.At(i)), i)
		}
	case 2:
		for i := 0; i < shape.Dim(0); i++ {
			for j := 0; j < shape.Dim(1); j++ {
				out.Set(apply(a.At(i, j)), i, j)
			}
		}
	default:
		return errors.Errorf("unary op on unsupported rank %d", shape.Rank())
	}
	return nil
}

func evalReduce(node *autofuse.Node, a, out *autofuse.Buffer) error {
	in := a.Layout.Shape
	reduceRow := func(read func(j int) float32, width int) float32 {
		acc := read(0)
		for j := 1; j < width; j++ {
			v := read(j)
			if node.Op == autofuse.OpReduceSum {
				acc += v
			} else if v > acc {
				acc = v
			}
		}
		return acc
	}
	switch in.Rank() {
	case 1:
		out.Data[0] = reduceRow(func(j int) float32 { return a.At(j) }, in.Dim(0))
	case 2:
		for i := 0; i < in.Dim(0); i++ {
			row := i
			out.Set(reduceRow(func(j int) float32 { return a.At(row, j) }, in.Dim(1)), i)
		}
	default:
		return errors.Errorf("reduction on unsupported rank %d", in.Rank())
	}
	return nil
}

func evalConcat(node *autofuse.Node, parts []*autofuse.Buffer, out *autofuse.Buffer) error {
	offset := 0
	for _, part := range parts {
		shape := part.Layout.Shape
		for i := 0; i < shape.Dim(0); i++ {
			for j := 0; j < shape.Dim(1); j++ {
				if node.Axis == 0 {
					out.Set(part.At(i, j), offset+i, j)
				} else {
					out.Set(part.At(i, j), i, offset+j)
				}
			}
		}
		offset += shape.Dim(node.Axis)
	}
	return nil
}

// gelu is the tanh approximation of the Gaussian error linear unit.
func gelu(x float32) float32 {
	const c = 0.7978845608 // sqrt(2/pi)
	return 0.5 * x * (1 + math32.Tanh(c*(x+0.044715*x*x*x)))
}
