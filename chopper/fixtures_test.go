package chopper

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsawler/layerchop/engine"
	"github.com/tsawler/layerchop/layers"
)

var factory = layers.NewFactory()

// graphBuilder wires layers by name for test fixtures.
type graphBuilder struct {
	t      *testing.T
	values map[string]*engine.Value
	inputs []*engine.Value
}

func newGraphBuilder(t *testing.T) *graphBuilder {
	return &graphBuilder{t: t, values: make(map[string]*engine.Value)}
}

func (b *graphBuilder) input(name string, shape ...int) *graphBuilder {
	b.t.Helper()
	v, err := engine.Input(shape, name)
	require.NoError(b.t, err)
	b.values[name] = v
	b.inputs = append(b.inputs, v)
	return b
}

func (b *graphBuilder) layer(spec layers.LayerSpec, from ...string) *graphBuilder {
	b.t.Helper()
	l, err := engine.NewLayer(spec)
	require.NoError(b.t, err)
	args := make([]*engine.Value, len(from))
	for i, name := range from {
		v, ok := b.values[name]
		require.True(b.t, ok, "unknown value %s", name)
		args[i] = v
	}
	out, err := l.Call(args...)
	require.NoError(b.t, err)
	b.values[spec.Name] = out
	return b
}

func (b *graphBuilder) model(name string, outputs ...string) *engine.Model {
	b.t.Helper()
	outs := make([]*engine.Value, len(outputs))
	for i, o := range outputs {
		outs[i] = b.values[o]
	}
	m, err := engine.NewModel(name, b.inputs, outs)
	require.NoError(b.t, err)
	require.NoError(b.t, engine.InitWeights(m, 7))
	return m
}

// chainModel: in -> fc1 -> act -> fc2 -> probs
func chainModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 4).
		layer(factory.CreateDenseSpec(8, true, "fc1"), "in").
		layer(factory.CreateReLUSpec("act"), "fc1").
		layer(factory.CreateDenseSpec(3, true, "fc2"), "act").
		layer(factory.CreateSoftmaxSpec(-1, "probs"), "fc2").
		model("chain", "probs")
}

// branchModel: trunk fans out to left and right, which are concatenated.
func branchModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 6).
		layer(factory.CreateDenseSpec(8, true, "trunk"), "in").
		layer(factory.CreateDenseSpec(4, true, "left"), "trunk").
		layer(factory.CreateDenseSpec(2, true, "right"), "trunk").
		layer(factory.CreateConcatenateSpec(-1, "cat"), "left", "right").
		layer(factory.CreateDenseSpec(3, true, "head"), "cat").
		model("branches", "head")
}

// swappedBranchModel is branchModel with right declared before left; cat
// still takes left first.
func swappedBranchModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 6).
		layer(factory.CreateDenseSpec(8, true, "trunk"), "in").
		layer(factory.CreateDenseSpec(2, true, "right"), "trunk").
		layer(factory.CreateDenseSpec(4, true, "left"), "trunk").
		layer(factory.CreateConcatenateSpec(-1, "cat"), "left", "right").
		layer(factory.CreateDenseSpec(3, true, "head"), "cat").
		model("swapped-branches", "head")
}

// residualModel: stem feeds both block and the skip connection into add.
func residualModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 4).
		layer(factory.CreateDenseSpec(4, true, "stem"), "in").
		layer(factory.CreateDenseSpec(4, true, "block"), "stem").
		layer(factory.CreateReLUSpec("block_act"), "block").
		layer(factory.CreateAddSpec("add"), "block_act", "stem").
		layer(factory.CreateDenseSpec(2, true, "out"), "add").
		model("residual", "out")
}

// nestedModel: m1 merges two branches of a; m2 merges m1's chain with a again.
func nestedModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 4).
		layer(factory.CreateDenseSpec(4, true, "a"), "in").
		layer(factory.CreateDenseSpec(4, true, "b"), "a").
		layer(factory.CreateDenseSpec(4, true, "c"), "a").
		layer(factory.CreateAddSpec("m1"), "b", "c").
		layer(factory.CreateDenseSpec(4, true, "d"), "m1").
		layer(factory.CreateAddSpec("m2"), "d", "a").
		layer(factory.CreateDenseSpec(2, true, "out"), "m2").
		model("nested", "out")
}

// twoInputModel: a and b are projected and summed.
func twoInputModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("a", 4).
		input("b", 4).
		layer(factory.CreateDenseSpec(4, true, "da"), "a").
		layer(factory.CreateDenseSpec(4, true, "db"), "b").
		layer(factory.CreateAddSpec("sum"), "da", "db").
		layer(factory.CreateDenseSpec(2, true, "out"), "sum").
		model("two-input", "out")
}

// threeWayModel: three projections of one input concatenated at once.
func threeWayModel(t *testing.T) *engine.Model {
	return newGraphBuilder(t).
		input("in", 5).
		layer(factory.CreateDenseSpec(2, true, "p1"), "in").
		layer(factory.CreateDenseSpec(3, true, "p2"), "in").
		layer(factory.CreateDenseSpec(4, true, "p3"), "in").
		layer(factory.CreateConcatenateSpec(-1, "cat"), "p1", "p2", "p3").
		model("three-way", "cat")
}

func layerNames(m *engine.Model) []string {
	var names []string
	for _, l := range m.Layers() {
		names = append(names, l.Name())
	}
	return names
}
