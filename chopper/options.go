package chopper

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Policy decides what happens when the resolver stalls with fragments still
// waiting on a merge.
type Policy int

const (
	// Permissive logs one warning per stalled fragment and continues to the
	// final boundary check.
	Permissive Policy = iota
	// Strict fails the extraction with ErrUnsatisfiedDependency.
	Strict
)

func (p Policy) String() string {
	switch p {
	case Permissive:
		return "permissive"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "permissive" or "strict". The empty string is Permissive.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return Permissive, nil
	case "strict":
		return Strict, nil
	default:
		return Permissive, fmt.Errorf("unknown policy %q (want permissive or strict)", s)
	}
}

// Options configure one extraction.
type Options struct {
	Policy Policy
	// Verbose emits a trace line per copied layer, fragment and round.
	Verbose bool
	// Logger receives warnings and trace lines. Nil discards them.
	Logger *zerolog.Logger
	// ModelName names the extracted model. Extract defaults it to
	// "<source>_fragment".
	ModelName string
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}
