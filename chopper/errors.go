package chopper

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNameNotFound is returned when a requested input or output layer does
	// not exist in the source graph. It is reported before any traversal.
	ErrNameNotFound = errors.New("layer name not found")

	// ErrMalformedGraph is returned when a layer on a traversed path has more
	// than one connection record, or a multi-input layer is used as a boundary.
	ErrMalformedGraph = errors.New("malformed graph")

	// ErrWeightShapeMismatch is returned when weights cannot be copied onto a
	// cloned layer. It is fatal under every policy.
	ErrWeightShapeMismatch = errors.New("weight shape mismatch")

	// ErrAmbiguousGraph is returned when a fragment has no recorded consumer
	// and its last layer feeds more than one.
	ErrAmbiguousGraph = errors.New("ambiguous graph")

	// ErrIncompleteExtraction is matched by *IncompleteExtractionError.
	ErrIncompleteExtraction = errors.New("incomplete extraction")

	// ErrUnsatisfiedDependency is returned by the strict policy when the
	// resolver stalls with fragments still waiting on a merge.
	ErrUnsatisfiedDependency = errors.New("unsatisfied dependency")
)

// IncompleteExtractionError reports how many boundaries were requested and how
// many the extracted graph actually has.
type IncompleteExtractionError struct {
	RequestedInputs  int
	FoundInputs      int
	RequestedOutputs int
	FoundOutputs     int
	MissingOutputs   []string
}

func (e *IncompleteExtractionError) Error() string {
	msg := fmt.Sprintf("%s: inputs requested=%d found=%d, outputs requested=%d found=%d",
		ErrIncompleteExtraction, e.RequestedInputs, e.FoundInputs, e.RequestedOutputs, e.FoundOutputs)
	if len(e.MissingOutputs) > 0 {
		msg += fmt.Sprintf(" (unreachable: %v)", e.MissingOutputs)
	}
	return msg
}

// Is makes errors.Is(err, ErrIncompleteExtraction) match.
func (e *IncompleteExtractionError) Is(target error) bool {
	return target == ErrIncompleteExtraction
}
