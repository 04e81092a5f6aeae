package chopper

import "github.com/tsawler/layerchop/engine"

// Fragment is a partially copied chain waiting on a merge layer.
type Fragment struct {
	// End is the last copied value in the new graph.
	End *engine.Value
	// OrigEnd is the source layer whose copy produced End. For an input
	// placeholder standing in for an Input layer it is that Input layer.
	OrigEnd *engine.Layer
	// Consumer is the source layer the fragment is blocked on.
	Consumer *engine.Layer
}

// Unresolved describes a fragment left on the frontier when the resolver
// stalled under the permissive policy.
type Unresolved struct {
	Consumer string
	From     string
	Missing  []string
}
