package engine

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/layers"
	"github.com/tsawler/layerchop/tensor"
)

// Layer is a node of a computation graph: a configuration, the weights created
// on its first call, and the connection records of every call.
type Layer struct {
	spec        layers.LayerSpec
	params      []layers.ParameterSpec
	weights     []*tensor.Tensor
	inputShapes [][]int
	outputShape []int
	built       bool
	inbound     []*Node
	outbound    []*Node
}

// NewLayer creates an uncalled layer from a configuration. The spec is copied
// and normalised; weights are allocated on the first Call.
func NewLayer(spec layers.LayerSpec) (*Layer, error) {
	cfg := spec.Clone()
	if err := cfg.Normalize(); err != nil {
		return nil, errors.Wrap(err, "invalid layer configuration")
	}
	if cfg.Name == "" {
		return nil, errors.Errorf("%s layer needs a name", cfg.Type)
	}
	return &Layer{spec: cfg}, nil
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.spec.Name }

// Type returns the layer type.
func (l *Layer) Type() layers.LayerType { return l.spec.Type }

// IsInput reports whether the layer is a graph input placeholder.
func (l *Layer) IsInput() bool { return l.spec.Type == layers.Input }

// Config returns a copy of the layer configuration, suitable for NewLayer.
func (l *Layer) Config() layers.LayerSpec { return l.spec.Clone() }

// Built reports whether the layer has been called and owns weights.
func (l *Layer) Built() bool { return l.built }

// InboundNodes returns the layer's connection records, one per call.
func (l *Layer) InboundNodes() []*Node {
	out := make([]*Node, len(l.inbound))
	copy(out, l.inbound)
	return out
}

// OutboundNodes returns the calls of other layers that consume this layer's
// outputs, one entry per consuming argument.
func (l *Layer) OutboundNodes() []*Node {
	out := make([]*Node, len(l.outbound))
	copy(out, l.outbound)
	return out
}

// InputShapes returns the shapes of the values the layer was first called on.
// For input placeholders it is the placeholder shape.
func (l *Layer) InputShapes() [][]int {
	out := make([][]int, len(l.inputShapes))
	for i, s := range l.inputShapes {
		out[i] = tensor.CopyShape(s)
	}
	return out
}

// InputShape returns the shape of the layer's single input.
func (l *Layer) InputShape() ([]int, error) {
	if !l.built {
		return nil, errors.Wrapf(ErrNotBuilt, "layer %s", l.Name())
	}
	if len(l.inputShapes) != 1 {
		return nil, errors.Errorf("layer %s has %d inputs, not one", l.Name(), len(l.inputShapes))
	}
	return tensor.CopyShape(l.inputShapes[0]), nil
}

// OutputShape returns the shape of the layer's output.
func (l *Layer) OutputShape() []int { return tensor.CopyShape(l.outputShape) }

// ParameterSpecs returns the names and shapes of the layer's weights.
func (l *Layer) ParameterSpecs() []layers.ParameterSpec {
	out := make([]layers.ParameterSpec, len(l.params))
	for i, p := range l.params {
		out[i] = layers.ParameterSpec{Name: p.Name, Shape: tensor.CopyShape(p.Shape)}
	}
	return out
}

// ParameterCount returns the number of scalar weights.
func (l *Layer) ParameterCount() int64 {
	return layers.LayerInfo{Parameters: l.params}.ParameterCount()
}

// Call applies the layer to values, recording a connection record on the
// layer and on every producer. The first call fixes the layer's input shapes
// and allocates zeroed weights.
func (l *Layer) Call(inputs ...*Value) (*Value, error) {
	if l.IsInput() {
		return nil, errors.Errorf("input layer %s cannot be called", l.Name())
	}

	shapes := make([][]int, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, errors.Errorf("layer %s input %d is nil", l.Name(), i)
		}
		shapes[i] = in.shape
	}

	info, err := layers.InferShapes(l.spec, shapes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call layer %s", l.Name())
	}

	if l.built {
		if !sameFeatureShapes(l.inputShapes, shapes) {
			return nil, errors.Errorf("layer %s was built for inputs %v, called with %v", l.Name(), l.inputShapes, shapes)
		}
	} else {
		if err := l.build(shapes, info); err != nil {
			return nil, err
		}
	}

	node := &Node{
		layer:   l,
		inbound: make([]*Layer, len(inputs)),
		inputs:  make([]*Value, len(inputs)),
	}
	for i, in := range inputs {
		node.inbound[i] = in.node.layer
		node.inputs[i] = in
	}
	node.output = &Value{
		name:  fmt.Sprintf("%s:%d", l.Name(), len(l.inbound)),
		shape: info.OutputShape,
		node:  node,
	}

	l.inbound = append(l.inbound, node)
	for _, in := range inputs {
		producer := in.node.layer
		producer.outbound = append(producer.outbound, node)
	}

	return node.output, nil
}

func (l *Layer) build(shapes [][]int, info layers.LayerInfo) error {
	weights := make([]*tensor.Tensor, len(info.Parameters))
	for i, p := range info.Parameters {
		t, err := tensor.Zeros(p.Shape, tensor.Float32)
		if err != nil {
			return errors.Wrapf(err, "failed to allocate %s.%s", l.Name(), p.Name)
		}
		weights[i] = t
	}

	l.inputShapes = make([][]int, len(shapes))
	for i, s := range shapes {
		l.inputShapes[i] = tensor.CopyShape(s)
	}
	l.outputShape = info.OutputShape
	l.params = info.Parameters
	l.weights = weights
	l.built = true
	return nil
}

// Weights returns copies of the layer's weights in parameter order.
func (l *Layer) Weights() ([]*tensor.Tensor, error) {
	if !l.built {
		return nil, errors.Wrapf(ErrNotBuilt, "layer %s", l.Name())
	}
	out := make([]*tensor.Tensor, len(l.weights))
	for i, w := range l.weights {
		clone, err := w.Clone()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to copy weight %s.%s", l.Name(), l.params[i].Name)
		}
		out[i] = clone
	}
	return out, nil
}

// SetWeights replaces the layer's weights. Count and every shape must match
// the parameter shapes fixed by the first call.
func (l *Layer) SetWeights(weights []*tensor.Tensor) error {
	if !l.built {
		return errors.Wrapf(ErrNotBuilt, "layer %s", l.Name())
	}
	if len(weights) != len(l.params) {
		return errors.Wrapf(ErrWeightShape, "layer %s expects %d weights, got %d", l.Name(), len(l.params), len(weights))
	}

	staged := make([]*tensor.Tensor, len(weights))
	for i, w := range weights {
		if w == nil {
			return errors.Wrapf(ErrWeightShape, "layer %s weight %s is nil", l.Name(), l.params[i].Name)
		}
		if w.DType != tensor.Float32 || !tensor.ShapesEqual(w.Shape, l.params[i].Shape) {
			return errors.Wrapf(ErrWeightShape, "layer %s weight %s: expected %v, got %v",
				l.Name(), l.params[i].Name, l.params[i].Shape, w.Shape)
		}
		clone, err := w.Clone()
		if err != nil {
			return errors.Wrapf(err, "failed to copy weight %s.%s", l.Name(), l.params[i].Name)
		}
		staged[i] = clone
	}

	l.weights = staged
	return nil
}

func (l *Layer) String() string {
	return fmt.Sprintf("Layer(%s, %s)", l.Name(), l.Type())
}

// sameFeatureShapes compares shapes ignoring the batch dimension.
func sameFeatureShapes(a, b [][]int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for d := 1; d < len(a[i]); d++ {
			if a[i][d] != b[i][d] {
				return false
			}
		}
	}
	return true
}
