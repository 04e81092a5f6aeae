// Package chopper extracts a standalone sub-model from a trained layer graph.
//
// Given the names of the layers that should become the new inputs and the
// layers whose outputs should become the new outputs, Extract copies every
// layer in between (configuration and weights) into a freshly built graph.
// Linear chains are copied directly; chains that run into a merge layer are
// held as fragments until every input of the merge has been copied.
package chopper

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tsawler/layerchop/engine"
)

// Result is an extracted model plus a report of how it was produced.
type Result struct {
	Model *engine.Model
	// Copied lists the source layers copied, in copy order.
	Copied []string
	// Rounds is the number of resolver rounds that ran.
	Rounds int
	// Unresolved lists fragments left waiting when the resolver stalled.
	Unresolved []Unresolved
}

// Chopper extracts fragments from one source graph. It holds no per-call
// state, so one Chopper can run several extractions concurrently as long as
// the Graph is only read.
type Chopper struct {
	graph Graph
	opts  Options
}

// New creates a Chopper over g.
func New(g Graph, opts Options) *Chopper {
	if opts.ModelName == "" {
		opts.ModelName = "fragment"
	}
	return &Chopper{graph: g, opts: opts}
}

// Extract builds a model from m whose inputs replace the layers named in
// inputNames and whose outputs are copies of the layers named in outputNames,
// in that order.
func Extract(m *engine.Model, inputNames, outputNames []string, opts Options) (*Result, error) {
	if opts.ModelName == "" {
		opts.ModelName = m.Name() + "_fragment"
	}
	return New(NewModelGraph(m), opts).Extract(inputNames, outputNames)
}

// extraction is the state of a single Extract call.
type extraction struct {
	graph Graph
	opts  Options
	log   zerolog.Logger

	wanted     map[string]int
	inputs     []*engine.Value
	outputs    []*engine.Value
	boundaries map[string]bool
	relevant   map[string]bool
	copied     []string
	rounds     int
	unresolved []Unresolved
}

// trace returns an event only in verbose mode. Methods on a nil event are
// no-ops.
func (x *extraction) trace() *zerolog.Event {
	if !x.opts.Verbose {
		return nil
	}
	return x.log.Info()
}

// Extract runs one extraction.
func (c *Chopper) Extract(inputNames, outputNames []string) (*Result, error) {
	inputLayers, outputLayers, err := c.resolveNames(inputNames, outputNames)
	if err != nil {
		return nil, err
	}

	x := &extraction{
		graph:   c.graph,
		opts:    c.opts,
		log:     c.opts.logger(),
		wanted:  make(map[string]int, len(outputNames)),
		outputs: make([]*engine.Value, len(outputNames)),
	}
	for i, name := range outputNames {
		x.wanted[name] = i
	}
	x.boundaries = make(map[string]bool, len(inputNames))
	for _, name := range inputNames {
		x.boundaries[name] = true
	}
	x.markRelevant(outputLayers)

	var frontier []*Fragment
	for _, layer := range inputLayers {
		placeholder, err := c.graph.InputPlaceholder(layer)
		if err != nil {
			return nil, err
		}
		x.inputs = append(x.inputs, placeholder)

		if !layer.IsInput() {
			if !x.relevant[layer.Name()] {
				continue
			}
			fragments, err := x.copyForward([]*engine.Value{placeholder}, layer, layer)
			if err != nil {
				return nil, err
			}
			frontier = append(frontier, fragments...)
			continue
		}

		// The placeholder takes the Input layer's place
		x.capture(layer.Name(), placeholder)
		for _, consumer := range x.consumers(layer) {
			fragments, err := x.copyForward([]*engine.Value{placeholder}, layer, consumer)
			if err != nil {
				return nil, err
			}
			frontier = append(frontier, fragments...)
		}
	}

	if err := x.resolve(frontier); err != nil {
		return nil, err
	}

	if err := x.validate(len(inputNames), outputNames); err != nil {
		return nil, err
	}

	model, err := c.graph.Build(c.opts.ModelName, x.inputs, x.outputs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build extracted model %s", c.opts.ModelName)
	}

	x.log.Debug().
		Str("model", c.opts.ModelName).
		Int("copied", len(x.copied)).
		Int("rounds", x.rounds).
		Int("unresolved", len(x.unresolved)).
		Msg("extraction complete")

	return &Result{
		Model:      model,
		Copied:     x.copied,
		Rounds:     x.rounds,
		Unresolved: x.unresolved,
	}, nil
}

// resolveNames checks every requested name before any traversal and returns
// the input and output layers in request order.
func (c *Chopper) resolveNames(inputNames, outputNames []string) ([]*engine.Layer, []*engine.Layer, error) {
	if len(inputNames) == 0 {
		return nil, nil, errors.New("no input layer names given")
	}
	if len(outputNames) == 0 {
		return nil, nil, errors.New("no output layer names given")
	}
	if dup := firstDuplicate(inputNames); dup != "" {
		return nil, nil, errors.Errorf("input layer %q requested twice", dup)
	}
	if dup := firstDuplicate(outputNames); dup != "" {
		return nil, nil, errors.Errorf("output layer %q requested twice", dup)
	}

	var missing []string
	lookup := func(names []string) ([]*engine.Layer, error) {
		found := make([]*engine.Layer, 0, len(names))
		for _, name := range names {
			l, err := c.graph.Layer(name)
			if err != nil {
				if !errors.Is(err, ErrNameNotFound) {
					return nil, err
				}
				missing = append(missing, name)
				continue
			}
			found = append(found, l)
		}
		return found, nil
	}

	inputs, err := lookup(inputNames)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := lookup(outputNames)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		return nil, nil, errors.Wrapf(ErrNameNotFound, "%s", strings.Join(missing, ", "))
	}
	return inputs, outputs, nil
}

// validate checks that every requested boundary exists in the new graph.
func (x *extraction) validate(requestedInputs int, outputNames []string) error {
	found := 0
	var missing []string
	for i, v := range x.outputs {
		if v == nil {
			missing = append(missing, outputNames[i])
			continue
		}
		found++
	}
	if len(x.inputs) == requestedInputs && found == len(outputNames) {
		return nil
	}
	return &IncompleteExtractionError{
		RequestedInputs:  requestedInputs,
		FoundInputs:      len(x.inputs),
		RequestedOutputs: len(outputNames),
		FoundOutputs:     found,
		MissingOutputs:   missing,
	}
}

func firstDuplicate(names []string) string {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			return name
		}
		seen[name] = struct{}{}
	}
	return ""
}
