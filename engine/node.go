package engine

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/layers"
	"github.com/tsawler/layerchop/tensor"
)

// Value is a symbolic tensor: the output of one call of a layer. It carries a
// shape (batch dimension first) but no data.
type Value struct {
	name  string
	shape []int
	node  *Node
}

// Name returns the value's identifier, "<layer>:<call index>".
func (v *Value) Name() string { return v.name }

// Shape returns a copy of the value's symbolic shape.
func (v *Value) Shape() []int { return tensor.CopyShape(v.shape) }

// Node returns the connection record that produced the value.
func (v *Value) Node() *Node { return v.node }

// Producer returns the layer whose call produced the value.
func (v *Value) Producer() *Layer { return v.node.layer }

func (v *Value) String() string {
	return fmt.Sprintf("Value(%s, shape=%v)", v.name, v.shape)
}

// Node is a connection record: a single call of a layer, the layers that fed
// it (in argument order) and the value it produced.
type Node struct {
	layer   *Layer
	inbound []*Layer
	inputs  []*Value
	output  *Value
}

// Layer returns the layer this record is a call of.
func (n *Node) Layer() *Layer { return n.layer }

// InboundLayers returns the producers of the call's inputs, in argument order.
// A layer fed the same value twice appears twice.
func (n *Node) InboundLayers() []*Layer {
	out := make([]*Layer, len(n.inbound))
	copy(out, n.inbound)
	return out
}

// Inputs returns the values the call consumed.
func (n *Node) Inputs() []*Value {
	out := make([]*Value, len(n.inputs))
	copy(out, n.inputs)
	return out
}

// Output returns the value the call produced.
func (n *Node) Output() *Value { return n.output }

// Input creates a graph input placeholder. shape excludes the batch dimension.
func Input(shape []int, name string) (*Value, error) {
	spec := layers.NewFactory().CreateInputSpec(shape, name)
	info, err := layers.InferShapes(spec, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create input %s", name)
	}

	l := &Layer{
		spec:        spec,
		built:       true,
		inputShapes: [][]int{tensor.CopyShape(info.OutputShape)},
		outputShape: info.OutputShape,
	}
	node := &Node{layer: l}
	node.output = &Value{
		name:  fmt.Sprintf("%s:0", name),
		shape: info.OutputShape,
		node:  node,
	}
	l.inbound = append(l.inbound, node)

	return node.output, nil
}
