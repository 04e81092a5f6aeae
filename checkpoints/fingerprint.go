package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/engine"
)

// Fingerprint hashes a model's topology, layer configurations and weights.
// Two models with the same structure and bit-identical weights share a
// fingerprint regardless of how or from which format they were built.
func Fingerprint(m *engine.Model) (string, error) {
	d := xxhash.New()

	for _, in := range m.Inputs() {
		fmt.Fprintf(d, "input %s %v\n", in.Name(), in.Shape())
	}

	var buf [4]byte
	for _, l := range m.Layers() {
		spec := l.Config()
		fmt.Fprintf(d, "layer %s %s\n", spec.Name, spec.Type)
		for _, key := range spec.SortedParameterKeys() {
			fmt.Fprintf(d, "  %s=%v\n", key, spec.Parameters[key])
		}
		for _, n := range m.InboundNodes(l) {
			for _, v := range n.Inputs() {
				fmt.Fprintf(d, "  <- %s\n", v.Name())
			}
		}

		if l.IsInput() {
			continue
		}
		weights, err := l.Weights()
		if err != nil {
			return "", errors.Wrapf(err, "failed to fingerprint layer %s", l.Name())
		}
		for _, w := range weights {
			data, err := w.GetFloat32Data()
			if err != nil {
				return "", errors.Wrapf(err, "failed to fingerprint layer %s", l.Name())
			}
			fmt.Fprintf(d, "  weight %v\n", w.Shape)
			for _, f := range data {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
				d.Write(buf[:])
			}
		}
	}

	for _, out := range m.Outputs() {
		fmt.Fprintf(d, "output %s %v\n", out.Name(), out.Shape())
	}

	return fmt.Sprintf("%016x", d.Sum64()), nil
}
