package autofuse

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// OpKind enumerates the operations the scheduler understands. It is the small
// IR surface needed to describe fusion groups; the full graph language lives
// in the surrounding compiler.
type OpKind int

const (
	// OpInput is a placeholder for a value produced outside the group/program.
	OpInput OpKind = iota

	// Elementwise binary ops. The second operand may be rank-1 and is then
	// broadcast along the last axis (one value per row).
	OpAdd
	OpSub
	OpMul
	OpDiv

	// Elementwise unary ops.
	OpExp
	OpRelu
	OpGelu
	OpTanh

	// Elementwise ops with an immediate scalar operand (Node.Scalar).
	OpAddScalar
	OpMulScalar

	// Reductions over the last axis.
	OpReduceSum
	OpReduceMax

	// Matrix ops: OpMatMul is a @ b, OpAddMM is bias + a @ b.
	OpMatMul
	OpAddMM

	// OpConcat concatenates its inputs along Node.Axis.
	OpConcat
)

var opKindNames = map[OpKind]string{
	OpInput:     "input",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpExp:       "exp",
	OpRelu:      "relu",
	OpGelu:      "gelu",
	OpTanh:      "tanh",
	OpAddScalar: "add",
	OpMulScalar: "mul",
	OpReduceSum: "sum",
	OpReduceMax: "max",
	OpMatMul:    "mm",
	OpAddMM:     "addmm",
	OpConcat:    "cat",
}

// String returns the short op name used when naming generated kernels.
func (op OpKind) String() string {
	if name, ok := opKindNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op#%d", int(op))
}

// IsReduction reports whether the op reduces its input's last axis.
func (op OpKind) IsReduction() bool {
	return op == OpReduceSum || op == OpReduceMax
}

// IsMatMul reports whether the op is a matrix product (with or without bias).
func (op OpKind) IsMatMul() bool {
	return op == OpMatMul || op == OpAddMM
}

// Node is one schedulable computation. Nodes are created by the lowering step
// of the surrounding compiler (or by the constructors below in tests) and
// grouped into FusionGroups for a fusion decision.
type Node struct {
	Name   string
	Op     OpKind
	Inputs []*Node

	// Shape of the node's output, including dtype.
	Shape shapes.Shape

	// Scalar is the immediate operand of OpAddScalar/OpMulScalar.
	Scalar float32

	// Axis is the concatenation axis of OpConcat.
	Axis int
}

func (n *Node) String() string {
	return fmt.Sprintf("%s[%s]", n.Name, n.Op)
}

// OutputBytes returns the number of bytes the node writes.
func (n *Node) OutputBytes() int {
	return n.Shape.Size() * n.Shape.DType.Size()
}

// InputBytes returns the number of bytes the node reads.
func (n *Node) InputBytes() int {
	total := 0
	for _, in := range n.Inputs {
		total += in.OutputBytes()
	}
	return total
}

// Node constructors. Shape inference failures are programming errors of the
// lowering step, so these panic, as graph building functions do.

// Input creates a placeholder node for a value produced outside the program.
func Input(name string, shape shapes.Shape) *Node {
	return &Node{Name: name, Op: OpInput, Shape: shape}
}

// Unary creates an elementwise unary node with the same shape as x.
func Unary(name string, op OpKind, x *Node) *Node {
	switch op {
	case OpExp, OpRelu, OpGelu, OpTanh:
	default:
		exceptions.Panicf("autofuse.Unary: %s is not an elementwise unary op", op)
	}
	return &Node{Name: name, Op: op, Inputs: []*Node{x}, Shape: x.Shape}
}

// Binary creates an elementwise binary node. y must either match x's shape or
// be rank-1 with one value per row of x (broadcast along the last axis).
func Binary(name string, op OpKind, x, y *Node) *Node {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
	default:
		exceptions.Panicf("autofuse.Binary: %s is not an elementwise binary op", op)
	}
	if !x.Shape.Equal(y.Shape) && !broadcastableByRow(x.Shape, y.Shape) {
		exceptions.Panicf("autofuse.Binary(%s): shapes %s and %s are not compatible", op, x.Shape, y.Shape)
	}
	return &Node{Name: name, Op: op, Inputs: []*Node{x, y}, Shape: x.Shape}
}

// WithScalar creates an elementwise node with an immediate scalar operand.
func WithScalar(name string, op OpKind, x *Node, scalar float32) *Node {
	if op != OpAddScalar && op != OpMulScalar {
		exceptions.Panicf("autofuse.WithScalar: %s does not take a scalar operand", op)
	}
	return &Node{Name: name, Op: op, Inputs: []*Node{x}, Shape: x.Shape, Scalar: scalar}
}

// Reduce creates a reduction node over the last axis of x.
func Reduce(name string, op OpKind, x *Node) *Node {
	if !op.IsReduction() {
		exceptions.Panicf("autofuse.Reduce: %s is not a reduction op", op)
	}
	if x.Shape.Rank() < 1 {
		exceptions.Panicf("autofuse.Reduce: cannot reduce scalar node %s", x)
	}
	dims := x.Shape.Dimensions[:x.Shape.Rank()-1]
	return &Node{
		Name:   name,
		Op:     op,
		Inputs: []*Node{x},
		Shape:  shapes.Make(x.Shape.DType, dims...),
	}
}

// MatMul creates an a @ b node for rank-2 operands.
func MatMul(name string, a, b *Node) *Node {
	checkMatMulOperands("MatMul", a, b)
	return &Node{
		Name:   name,
		Op:     OpMatMul,
		Inputs: []*Node{a, b},
		Shape:  shapes.Make(a.Shape.DType, a.Shape.Dim(0), b.Shape.Dim(1)),
	}
}

// AddMM creates a bias + a @ b node. bias must be broadcastable to the product
// shape: either the full [m, n] shape or rank-1 [n].
func AddMM(name string, bias, a, b *Node) *Node {
	checkMatMulOperands("AddMM", a, b)
	m, n := a.Shape.Dim(0), b.Shape.Dim(1)
	switch bias.Shape.Rank() {
	case 2:
		if bias.Shape.Dim(0) != m || bias.Shape.Dim(1) != n {
			exceptions.Panicf("autofuse.AddMM: bias shape %s does not match product shape [%d, %d]", bias.Shape, m, n)
		}
	case 1:
		if bias.Shape.Dim(0) != n {
			exceptions.Panicf("autofuse.AddMM: rank-1 bias shape %s does not match output columns %d", bias.Shape, n)
		}
	default:
		exceptions.Panicf("autofuse.AddMM: bias must be rank 1 or 2, got %s", bias.Shape)
	}
	return &Node{
		Name:   name,
		Op:     OpAddMM,
		Inputs: []*Node{bias, a, b},
		Shape:  shapes.Make(a.Shape.DType, m, n),
	}
}

// Concat creates a concatenation node of rank-2 parts along axis.
func Concat(name string, axis int, parts ...*Node) *Node {
	if len(parts) == 0 {
		exceptions.Panicf("autofuse.Concat: at least one part required")
	}
	if axis != 0 && axis != 1 {
		exceptions.Panicf("autofuse.Concat: only axes 0 and 1 are supported, got %d", axis)
	}
	first := parts[0].Shape
	if first.Rank() != 2 {
		exceptions.Panicf("autofuse.Concat: parts must be rank-2, got %s for part %s", first, parts[0])
	}
	dims := []int{first.Dim(0), first.Dim(1)}
	for _, p := range parts[1:] {
		if p.Shape.Rank() != 2 || p.Shape.Dim(1-axis) != first.Dim(1-axis) {
			exceptions.Panicf("autofuse.Concat: part %s shape %s does not line up with %s along axis %d",
				p, p.Shape, first, axis)
		}
		dims[axis] += p.Shape.Dim(axis)
	}
	return &Node{
		Name:   name,
		Op:     OpConcat,
		Inputs: parts,
		Shape:  shapes.Make(first.DType, dims...),
		Axis:   axis,
	}
}

func checkMatMulOperands(what string, a, b *Node) {
	if a.Shape.Rank() != 2 || b.Shape.Rank() != 2 {
		exceptions.Panicf("autofuse.%s: operands must be rank-2, got %s and %s", what, a.Shape, b.Shape)
	}
	if a.Shape.Dim(1) != b.Shape.Dim(0) {
		exceptions.Panicf("autofuse.%s: inner dimensions do not match: %s vs %s", what, a.Shape, b.Shape)
	}
	if a.Shape.DType != b.Shape.DType {
		exceptions.Panicf("autofuse.%s: dtype mismatch: %s vs %s", what, a.Shape.DType, b.Shape.DType)
	}
}

// broadcastableByRow reports whether y (rank-1) provides one value per row of x.
func broadcastableByRow(x, y shapes.Shape) bool {
	if y.Rank() != x.Rank()-1 {
		return false
	}
	for axis := 0; axis < y.Rank(); axis++ {
		if y.Dim(axis) != x.Dim(axis) {
			return false
		}
	}
	return true
}

// FusionGroup is an ordered set of nodes proposed for joint execution as one
// kernel. Groups are transient: the lowering step proposes them, the Scheduler
// decides on them, and they are discarded after code emission.
//
// The nodes must be in topological order: every intra-group input of a node
// appears earlier in the group. Cross-group dependency legality (no node
// outside the group both consuming a group intermediate and feeding a later
// group node) is the responsibility of the lowering step that proposes groups.
type FusionGroup struct {
	Nodes []*Node

	// explicitOutputs overrides the inferred outputs when set via WithOutputs.
	explicitOutputs []*Node
}

// NewFusionGroup validates the node set and returns a group. It fails if the
// group is empty, contains duplicates, or is not in topological order.
func NewFusionGroup(nodes ...*Node) (*FusionGroup, error) {
	if len(nodes) == 0 {
		return nil, errors.New("fusion group must contain at least one node")
	}
	seen := make(map[*Node]bool, len(nodes))
	for idx, node := range nodes {
		if node == nil {
			return nil, errors.Errorf("fusion group node #%d is nil", idx)
		}
		if seen[node] {
			return nil, errors.Errorf("node %s appears twice in fusion group", node)
		}
		for _, in := range node.Inputs {
			if containsNode(nodes, in) && !seen[in] {
				return nil, errors.Errorf(
					"fusion group is not in topological order: %s consumes %s which appears later", node, in)
			}
		}
		seen[node] = true
	}
	return &FusionGroup{Nodes: nodes}, nil
}

// WithOutputs declares which group nodes are consumed outside the group,
// overriding the default of "nodes with no intra-group consumer". All outs
// must be members of the group.
func (g *FusionGroup) WithOutputs(outs ...*Node) *FusionGroup {
	for _, out := range outs {
		if !containsNode(g.Nodes, out) {
			exceptions.Panicf("FusionGroup.WithOutputs: %s is not a member of the group", out)
		}
	}
	g.explicitOutputs = outs
	return g
}

// ExternalInputs returns the inputs consumed from outside the group, in order
// of first use, without duplicates.
func (g *FusionGroup) ExternalInputs() []*Node {
	var external []*Node
	seen := make(map[*Node]bool)
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if seen[in] || containsNode(g.Nodes, in) {
				continue
			}
			seen[in] = true
			external = append(external, in)
		}
	}
	return external
}

// Outputs returns the nodes whose values escape the group: the explicit
// outputs if set, otherwise every node with no intra-group consumer.
func (g *FusionGroup) Outputs() []*Node {
	if g.explicitOutputs != nil {
		return g.explicitOutputs
	}
	consumed := make(map[*Node]bool)
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			consumed[in] = true
		}
	}
	var outs []*Node
	for _, node := range g.Nodes {
		if !consumed[node] {
			outs = append(outs, node)
		}
	}
	return outs
}

// Key returns a human-readable identity for the group, used in logs and
// reports.
func (g *FusionGroup) Key() string {
	names := make([]string, len(g.Nodes))
	for idx, node := range g.Nodes {
		names[idx] = node.Name
	}
	return strings.Join(names, "+")
}

// signature is the identity enforcing the one-decision-per-group invariant:
// the Key plus a digest of every node's op, shape, immediates and wiring, so
// structurally different groups never collide on shared node names.
func (g *FusionGroup) signature() string {
	hasher := fnv.New64a()
	index := make(map[*Node]int, len(g.Nodes))
	for idx, node := range g.Nodes {
		index[node] = idx
	}
	for _, node := range g.Nodes {
		fmt.Fprintf(hasher, "|%d:%s:%g:%d", int(node.Op), node.Shape, node.Scalar, node.Axis)
		for _, in := range node.Inputs {
			if pos, ok := index[in]; ok {
				fmt.Fprintf(hasher, ",n%d", pos)
			} else {
				fmt.Fprintf(hasher, ",x%s:%s", in.Name, in.Shape)
			}
		}
	}
	return fmt.Sprintf("%s#%016x", g.Key(), hasher.Sum64())
}

func (g *FusionGroup) String() string {
	return "{" + g.Key() + "}"
}

// distinctInputs returns node's inputs deduplicated in first-use order, the
// calling convention of standalone compiled kernels.
func distinctInputs(node *Node) []*Node {
	var distinct []*Node
	seen := make(map[*Node]bool, len(node.Inputs))
	for _, in := range node.Inputs {
		if seen[in] {
			continue
		}
		seen[in] = true
		distinct = append(distinct, in)
	}
	return distinct
}

func containsNode(nodes []*Node, target *Node) bool {
	for _, node := range nodes {
		if node == target {
			return true
		}
	}
	return false
}
