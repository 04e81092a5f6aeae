package engine

import (
	"fmt"

	"github.com/tsawler/layerchop/layers"
)

// Builder constructs sequential models: one input followed by a chain of layers.
type Builder struct {
	name       string
	inputShape []int
	specs      []layers.LayerSpec
	factory    *layers.LayerFactory
}

// NewBuilder creates a new sequential builder. inputShape excludes the batch
// dimension.
func NewBuilder(name string, inputShape []int) *Builder {
	return &Builder{
		name:       name,
		inputShape: append([]int(nil), inputShape...),
		specs:      make([]layers.LayerSpec, 0),
		factory:    layers.NewFactory(),
	}
}

// AddLayer adds a layer to the model
func (b *Builder) AddLayer(spec layers.LayerSpec) *Builder {
	b.specs = append(b.specs, spec)
	return b
}

// AddDense adds a dense layer to the model
func (b *Builder) AddDense(outputSize int, useBias bool, name string) *Builder {
	return b.AddLayer(b.factory.CreateDenseSpec(outputSize, useBias, name))
}

// AddConv2D adds a Conv2D layer to the model
func (b *Builder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *Builder {
	return b.AddLayer(b.factory.CreateConv2DSpec(outputChannels, kernelSize, stride, padding, useBias, name))
}

// AddMaxPool2D adds a max pooling layer to the model
func (b *Builder) AddMaxPool2D(poolSize, stride int, name string) *Builder {
	return b.AddLayer(b.factory.CreateMaxPool2DSpec(poolSize, stride, name))
}

// AddReLU adds a ReLU activation to the model
func (b *Builder) AddReLU(name string) *Builder {
	return b.AddLayer(b.factory.CreateReLUSpec(name))
}

// AddSoftmax adds a Softmax activation to the model
func (b *Builder) AddSoftmax(axis int, name string) *Builder {
	return b.AddLayer(b.factory.CreateSoftmaxSpec(axis, name))
}

// AddDropout adds a dropout layer to the model
func (b *Builder) AddDropout(rate float32, name string) *Builder {
	return b.AddLayer(b.factory.CreateDropoutSpec(rate, name))
}

// AddBatchNorm adds a batch normalization layer to the model
func (b *Builder) AddBatchNorm(eps, momentum float32, affine bool, name string) *Builder {
	return b.AddLayer(b.factory.CreateBatchNormSpec(eps, momentum, affine, name))
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
func (b *Builder) AddLeakyReLU(negativeSlope float32, name string) *Builder {
	return b.AddLayer(b.factory.CreateLeakyReLUSpec(negativeSlope, name))
}

// AddELU adds an ELU activation to the model
func (b *Builder) AddELU(alpha float32, name string) *Builder {
	return b.AddLayer(b.factory.CreateELUSpec(alpha, name))
}

// AddFlatten adds a flatten layer to the model
func (b *Builder) AddFlatten(name string) *Builder {
	return b.AddLayer(b.factory.CreateFlattenSpec(name))
}

// Build creates the input placeholder "input", calls every layer in order
// and returns the model.
func (b *Builder) Build() (*Model, error) {
	if len(b.specs) == 0 {
		return nil, fmt.Errorf("cannot build empty model")
	}

	in, err := Input(b.inputShape, "input")
	if err != nil {
		return nil, err
	}

	current := in
	for i, spec := range b.specs {
		l, err := NewLayer(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to create layer %d (%s): %w", i, spec.Name, err)
		}
		current, err = l.Call(current)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, spec.Name, err)
		}
	}

	return NewModel(b.name, []*Value{in}, []*Value{current})
}
