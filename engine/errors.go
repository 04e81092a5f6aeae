package engine

import "github.com/pkg/errors"

var (
	// ErrLayerNotFound is returned when a model has no layer with the requested name.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrDisconnected is returned when an output cannot be computed from the model inputs.
	ErrDisconnected = errors.New("graph disconnected")
	// ErrWeightShape is returned when weights do not match a layer's parameter shapes.
	ErrWeightShape = errors.New("weight shape mismatch")
	// ErrDuplicateName is returned when two layers of one model share a name.
	ErrDuplicateName = errors.New("duplicate layer name")
	// ErrNotBuilt is returned when weights are accessed before a layer was called.
	ErrNotBuilt = errors.New("layer not built")
)
