package chopper

import (
	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/engine"
)

// Graph is everything the extraction needs from a source graph and from the
// engine that builds the new one. Implementations must not mutate the source.
type Graph interface {
	// Layer looks up a source layer by name.
	Layer(name string) (*engine.Layer, error)
	// InboundDependencies returns the producers feeding the layer's single
	// connection record, in argument order.
	InboundDependencies(l *engine.Layer) ([]*engine.Layer, error)
	// OutboundConsumers returns the layers consuming l, one per connection.
	OutboundConsumers(l *engine.Layer) []*engine.Layer
	// InputPlaceholder creates a fresh input shaped like l's input.
	InputPlaceholder(l *engine.Layer) (*engine.Value, error)
	// CloneLayer returns an uncalled layer with l's configuration.
	CloneLayer(l *engine.Layer) (*engine.Layer, error)
	// CopyWeights copies src's weights onto dst.
	CopyWeights(dst, src *engine.Layer) error
	// Apply calls l on values.
	Apply(l *engine.Layer, values []*engine.Value) (*engine.Value, error)
	// Build assembles a model from placeholders and outputs.
	Build(name string, inputs, outputs []*engine.Value) (*engine.Model, error)
}

// ModelGraph adapts an *engine.Model to Graph.
type ModelGraph struct {
	model *engine.Model
}

// NewModelGraph wraps m.
func NewModelGraph(m *engine.Model) *ModelGraph {
	return &ModelGraph{model: m}
}

func (g *ModelGraph) Layer(name string) (*engine.Layer, error) {
	l, err := g.model.Layer(name)
	if err != nil {
		if errors.Is(err, engine.ErrLayerNotFound) {
			return nil, errors.Wrapf(ErrNameNotFound, "%q in model %s", name, g.model.Name())
		}
		return nil, err
	}
	return l, nil
}

func (g *ModelGraph) InboundDependencies(l *engine.Layer) ([]*engine.Layer, error) {
	nodes := g.model.InboundNodes(l)
	if len(nodes) != 1 {
		return nil, errors.Wrapf(ErrMalformedGraph, "layer %s has %d connection records", l.Name(), len(nodes))
	}
	return nodes[0].InboundLayers(), nil
}

func (g *ModelGraph) OutboundConsumers(l *engine.Layer) []*engine.Layer {
	return g.model.Consumers(l)
}

func (g *ModelGraph) InputPlaceholder(l *engine.Layer) (*engine.Value, error) {
	var shape []int
	if l.IsInput() {
		shape = l.OutputShape()
	} else {
		shapes := l.InputShapes()
		if len(shapes) != 1 {
			return nil, errors.Wrapf(ErrMalformedGraph, "layer %s takes %d inputs and cannot be an extraction input", l.Name(), len(shapes))
		}
		shape = shapes[0]
	}

	in, err := engine.Input(shape[1:], "input_"+l.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create placeholder for %s", l.Name())
	}
	return in, nil
}

func (g *ModelGraph) CloneLayer(l *engine.Layer) (*engine.Layer, error) {
	clone, err := engine.NewLayer(l.Config())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to clone layer %s", l.Name())
	}
	return clone, nil
}

func (g *ModelGraph) CopyWeights(dst, src *engine.Layer) error {
	weights, err := src.Weights()
	if err != nil {
		return errors.Wrapf(err, "failed to read weights of %s", src.Name())
	}
	if err := dst.SetWeights(weights); err != nil {
		if errors.Is(err, engine.ErrWeightShape) {
			return errors.Wrapf(ErrWeightShapeMismatch, "copying %s: %v", src.Name(), err)
		}
		return errors.Wrapf(err, "failed to copy weights of %s", src.Name())
	}
	return nil
}

func (g *ModelGraph) Apply(l *engine.Layer, values []*engine.Value) (*engine.Value, error) {
	return l.Call(values...)
}

func (g *ModelGraph) Build(name string, inputs, outputs []*engine.Value) (*engine.Model, error) {
	return engine.NewModel(name, inputs, outputs)
}
