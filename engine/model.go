package engine

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Model is a graph of layers between a set of input placeholders and a set of
// output values. A model only sees the connection records reachable from its
// outputs, so layers shared with other graphs are filtered to this one.
type Model struct {
	name    string
	inputs  []*Value
	outputs []*Value
	layers  []*Layer
	byName  map[string]*Layer
	nodes   map[*Node]struct{}
}

// NewModel builds a model from input placeholders and output values. Layers
// are ordered topologically, inputs first. Every output must be computable
// from the given inputs.
func NewModel(name string, inputs, outputs []*Value) (*Model, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("failed to build model %s: no outputs", name)
	}

	m := &Model{
		name:    name,
		inputs:  append([]*Value(nil), inputs...),
		outputs: append([]*Value(nil), outputs...),
		byName:  make(map[string]*Layer),
		nodes:   make(map[*Node]struct{}),
	}

	declared := make(map[*Node]struct{}, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("failed to build model %s: input %d is nil", name, i)
		}
		if !in.node.layer.IsInput() {
			return nil, errors.Errorf("failed to build model %s: input %s is not an input placeholder", name, in.name)
		}
		if _, dup := declared[in.node]; dup {
			return nil, errors.Errorf("failed to build model %s: input %s given twice", name, in.name)
		}
		declared[in.node] = struct{}{}
		if err := m.addNode(in.node); err != nil {
			return nil, err
		}
	}

	// Iterative postorder walk from the outputs
	type frame struct {
		node *Node
		next int
	}
	onStack := make(map[*Node]struct{})
	for i, out := range outputs {
		if out == nil {
			return nil, fmt.Errorf("failed to build model %s: output %d is nil", name, i)
		}
		if _, seen := m.nodes[out.node]; seen {
			continue
		}
		stack := []*frame{{node: out.node}}
		onStack[out.node] = struct{}{}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next < len(top.node.inputs) {
				dep := top.node.inputs[top.next].node
				top.next++
				if _, seen := m.nodes[dep]; seen {
					continue
				}
				if _, cycle := onStack[dep]; cycle {
					return nil, errors.Errorf("failed to build model %s: cycle through %s", name, dep.layer.Name())
				}
				onStack[dep] = struct{}{}
				stack = append(stack, &frame{node: dep})
				continue
			}

			stack = stack[:len(stack)-1]
			delete(onStack, top.node)
			if len(top.node.inputs) == 0 {
				if _, ok := declared[top.node]; !ok {
					return nil, errors.Wrapf(ErrDisconnected, "model %s: %s is reached from the outputs but is not a model input",
						name, top.node.output.name)
				}
				continue
			}
			if err := m.addNode(top.node); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Model) addNode(n *Node) error {
	m.nodes[n] = struct{}{}
	l := n.layer
	if existing, ok := m.byName[l.Name()]; ok {
		if existing != l {
			return errors.Wrapf(ErrDuplicateName, "model %s: %s", m.name, l.Name())
		}
		return nil
	}
	m.byName[l.Name()] = l
	m.layers = append(m.layers, l)
	return nil
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Inputs returns the model's input placeholders in declaration order.
func (m *Model) Inputs() []*Value { return append([]*Value(nil), m.inputs...) }

// Outputs returns the model's output values in declaration order.
func (m *Model) Outputs() []*Value { return append([]*Value(nil), m.outputs...) }

// Layers returns the model's layers in topological order.
func (m *Model) Layers() []*Layer { return append([]*Layer(nil), m.layers...) }

// Layer looks a layer up by name.
func (m *Model) Layer(name string) (*Layer, error) {
	l, ok := m.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrLayerNotFound, "model %s has no layer %q", m.name, name)
	}
	return l, nil
}

// InboundNodes returns the connection records of l that belong to the model.
func (m *Model) InboundNodes(l *Layer) []*Node {
	var out []*Node
	for _, n := range l.inbound {
		if _, ok := m.nodes[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Consumers returns the layers of the model that consume l's outputs, one
// entry per consuming argument, in the order the calls were made.
func (m *Model) Consumers(l *Layer) []*Layer {
	var out []*Layer
	for _, n := range l.outbound {
		if _, ok := m.nodes[n]; ok {
			out = append(out, n.layer)
		}
	}
	return out
}

// ParameterCount returns the number of scalar weights in the model.
func (m *Model) ParameterCount() int64 {
	var total int64
	for _, l := range m.layers {
		total += l.ParameterCount()
	}
	return total
}

// Summary returns a human-readable model summary
func (m *Model) Summary() string {
	var b strings.Builder
	params := m.ParameterCount()

	fmt.Fprintf(&b, "Model: %s\n", m.name)
	for _, in := range m.inputs {
		fmt.Fprintf(&b, "Input:  %s %v\n", in.name, in.shape)
	}
	for _, out := range m.outputs {
		fmt.Fprintf(&b, "Output: %s %v\n", out.name, out.shape)
	}
	fmt.Fprintf(&b, "Total Parameters: %s (%s)\n", humanize.Comma(params), humanize.Bytes(uint64(params)*4))
	fmt.Fprintf(&b, "Layers: %d\n\n", len(m.layers))

	for i, l := range m.layers {
		var from []string
		for _, n := range m.InboundNodes(l) {
			for _, in := range n.inputs {
				from = append(from, in.name)
			}
		}
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, l.Name(), l.Type())
		fmt.Fprintf(&b, "  Output: %v\n", l.outputShape)
		if len(from) > 0 {
			fmt.Fprintf(&b, "  From:   %s\n", strings.Join(from, ", "))
		}
		if n := l.ParameterCount(); n > 0 {
			fmt.Fprintf(&b, "  Params: %s\n", humanize.Comma(n))
		}
	}

	return b.String()
}
