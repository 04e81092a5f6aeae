package chopper

import (
	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/engine"
)

// walk is one pending forward copy: values already copied into the new graph
// that feed next, and the source layer they were copied from.
type walk struct {
	values []*engine.Value
	from   *engine.Layer
	next   *engine.Layer
}

// copyForward copies the chain of source layers starting at next for as long
// as each layer's dependency count matches the values at hand. Fan-out
// pushes one walk per consumer; a layer that needs more values than are
// available ends the walk with a Fragment blocked on it. Consumers that lead
// to no requested output are not followed.
func (x *extraction) copyForward(values []*engine.Value, from, next *engine.Layer) ([]*Fragment, error) {
	var fragments []*Fragment
	pending := []walk{{values: values, from: from, next: next}}

	for len(pending) > 0 {
		w := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

	chain:
		for {
			deps, err := x.graph.InboundDependencies(w.next)
			if err != nil {
				return nil, err
			}
			if len(deps) != len(w.values) {
				f := &Fragment{End: w.values[0], OrigEnd: w.from, Consumer: w.next}
				fragments = append(fragments, f)
				x.trace().
					Str("from", w.from.Name()).
					Str("consumer", w.next.Name()).
					Int("needs", len(deps)).
					Msg("fragment waits on merge")
				break
			}

			out, err := x.copyLayer(w.next, w.values)
			if err != nil {
				return nil, err
			}

			consumers := x.consumers(w.next)
			switch len(consumers) {
			case 0:
				x.trace().Str("layer", w.next.Name()).Msg("dead end")
				break chain
			case 1:
				w = walk{values: []*engine.Value{out}, from: w.next, next: consumers[0]}
			default:
				for i := len(consumers) - 1; i >= 0; i-- {
					pending = append(pending, walk{values: []*engine.Value{out}, from: w.next, next: consumers[i]})
				}
				x.trace().Str("layer", w.next.Name()).Int("branches", len(consumers)).Msg("fan-out")
				break chain
			}
		}
	}

	return fragments, nil
}

// copyLayer clones orig, applies the clone to values and copies orig's weights
// onto it. The copy is captured if orig is a requested output.
func (x *extraction) copyLayer(orig *engine.Layer, values []*engine.Value) (*engine.Value, error) {
	clone, err := x.graph.CloneLayer(orig)
	if err != nil {
		return nil, err
	}
	out, err := x.graph.Apply(clone, values)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to apply copy of %s", orig.Name())
	}
	if err := x.graph.CopyWeights(clone, orig); err != nil {
		return nil, err
	}

	x.copied = append(x.copied, orig.Name())
	x.trace().Str("layer", orig.Name()).Str("type", orig.Type().String()).Msg("copied layer")
	x.capture(orig.Name(), out)
	return out, nil
}

// consumers returns the consumers of l that lead to a requested output.
// Requested inputs are skipped: they are only entered from their own
// placeholder.
func (x *extraction) consumers(l *engine.Layer) []*engine.Layer {
	var out []*engine.Layer
	for _, c := range x.graph.OutboundConsumers(l) {
		if x.relevant[c.Name()] && !x.boundaries[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// markRelevant walks backwards from the requested outputs and records every
// layer an output depends on, stopping at the requested inputs. A layer whose
// dependencies cannot be listed is kept but not expanded; the forward walk
// reports it if it is reached.
func (x *extraction) markRelevant(outputs []*engine.Layer) {
	x.relevant = make(map[string]bool)
	stack := append([]*engine.Layer(nil), outputs...)
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x.relevant[l.Name()] {
			continue
		}
		x.relevant[l.Name()] = true
		if x.boundaries[l.Name()] {
			continue
		}
		deps, err := x.graph.InboundDependencies(l)
		if err != nil {
			continue
		}
		stack = append(stack, deps...)
	}
}

// capture records v as the requested output name, once.
func (x *extraction) capture(name string, v *engine.Value) {
	idx, ok := x.wanted[name]
	if !ok || x.outputs[idx] != nil {
		return
	}
	x.outputs[idx] = v
	x.trace().Str("layer", name).Str("value", v.Name()).Msg("captured output")
}
