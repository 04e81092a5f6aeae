package chopper

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/engine"
)

// resolve drains the frontier. Each round, every merge whose dependencies are
// all present as fragments is fed and copied forward; the fragments that
// produces join the frontier for the next round. It stops when the frontier is
// empty or a round consumes nothing.
func (x *extraction) resolve(frontier []*Fragment) error {
	for len(frontier) > 0 {
		x.rounds++
		if err := x.assignConsumers(frontier); err != nil {
			return err
		}

		consumed := make(map[*Fragment]bool)
		var produced []*Fragment

		for _, f := range frontier {
			if consumed[f] {
				continue
			}
			n := f.Consumer
			deps, err := x.graph.InboundDependencies(n)
			if err != nil {
				return err
			}
			feed, missing := match(frontier, consumed, n, deps)
			if len(missing) > 0 {
				continue
			}

			values := make([]*engine.Value, len(feed))
			for i, g := range feed {
				consumed[g] = true
				values[i] = g.End
			}
			x.trace().Str("merge", n.Name()).Int("inputs", len(values)).Int("round", x.rounds).Msg("resolved merge")

			next, err := x.copyForward(values, deps[0], n)
			if err != nil {
				return err
			}
			produced = append(produced, next...)
		}

		if len(consumed) == 0 {
			return x.stall(frontier)
		}

		remaining := make([]*Fragment, 0, len(frontier)-len(consumed)+len(produced))
		for _, f := range frontier {
			if !consumed[f] {
				remaining = append(remaining, f)
			}
		}
		frontier = append(remaining, produced...)
	}
	return nil
}

// assignConsumers fills in the blocked consumer of fragments that did not
// record one. Only an unambiguous single consumer is accepted. Fragments from
// copyForward always carry their consumer; this covers fragments handed to
// resolve directly.
func (x *extraction) assignConsumers(frontier []*Fragment) error {
	for _, f := range frontier {
		if f.Consumer != nil {
			continue
		}
		consumers := x.graph.OutboundConsumers(f.OrigEnd)
		switch len(consumers) {
		case 1:
			f.Consumer = consumers[0]
		case 0:
			return errors.Wrapf(ErrMalformedGraph, "fragment ending at %s has no consumer", f.OrigEnd.Name())
		default:
			return errors.Wrapf(ErrAmbiguousGraph, "fragment ending at %s could feed %d layers", f.OrigEnd.Name(), len(consumers))
		}
	}
	return nil
}

// match finds, for each dependency of n in order, an unconsumed fragment
// ending at that dependency and blocked on n. It reports the dependencies it
// could not satisfy.
func match(frontier []*Fragment, consumed map[*Fragment]bool, n *engine.Layer, deps []*engine.Layer) ([]*Fragment, []string) {
	taken := make(map[*Fragment]bool, len(deps))
	feed := make([]*Fragment, 0, len(deps))
	var missing []string

	for _, dep := range deps {
		var found *Fragment
		for _, g := range frontier {
			if consumed[g] || taken[g] || g.Consumer != n {
				continue
			}
			if g.OrigEnd.Name() == dep.Name() {
				found = g
				break
			}
		}
		if found == nil {
			missing = append(missing, dep.Name())
			continue
		}
		taken[found] = true
		feed = append(feed, found)
	}
	return feed, missing
}

// stall handles a round that consumed nothing.
func (x *extraction) stall(frontier []*Fragment) error {
	var lines []string
	for _, f := range frontier {
		deps, err := x.graph.InboundDependencies(f.Consumer)
		if err != nil {
			return err
		}
		_, missing := match(frontier, nil, f.Consumer, deps)
		u := Unresolved{Consumer: f.Consumer.Name(), From: f.OrigEnd.Name(), Missing: missing}
		x.unresolved = append(x.unresolved, u)
		lines = append(lines, u.Consumer+" waits on "+strings.Join(u.Missing, ", "))

		if x.opts.Policy != Strict {
			x.log.Warn().
				Str("consumer", u.Consumer).
				Str("from", u.From).
				Strs("missing", u.Missing).
				Msg("merge dependencies not satisfied by the requested inputs")
		}
	}

	if x.opts.Policy == Strict {
		return errors.Wrapf(ErrUnsatisfiedDependency, "%s", strings.Join(lines, "; "))
	}
	return nil
}
