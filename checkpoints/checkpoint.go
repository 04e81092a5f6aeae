package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/engine"
	"github.com/tsawler/layerchop/layers"
	"github.com/tsawler/layerchop/tensor"
	"gopkg.in/yaml.v3"
)

const (
	frameworkName    = "layerchop"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
	FormatYAML
	// FormatAuto picks the format from the file extension.
	FormatAuto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	case FormatYAML:
		return "YAML"
	case FormatAuto:
		return "auto"
	default:
		return "Unknown"
	}
}

// ParseFormat parses a format name: auto, json, yaml or onnx.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return FormatAuto, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "onnx", "pb":
		return FormatONNX, nil
	default:
		return FormatAuto, fmt.Errorf("unknown model format %q", name)
	}
}

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".onnx", ".pb":
		return FormatONNX, nil
	default:
		return FormatAuto, fmt.Errorf("cannot infer model format from %q (use .json, .yaml or .onnx)", path)
	}
}

// Checkpoint is a model's graph, weights and metadata. It never carries
// optimizer or training state.
type Checkpoint struct {
	Graph    GraphSpec          `json:"graph" yaml:"graph"`
	Weights  []WeightTensor     `json:"weights" yaml:"weights"`
	Metadata CheckpointMetadata `json:"metadata" yaml:"metadata"`
}

// GraphSpec is the connectivity of a model. Layers are listed in topological
// order; every layer has exactly one call.
type GraphSpec struct {
	Name    string        `json:"name" yaml:"name"`
	Inputs  []string      `json:"inputs" yaml:"inputs"`
	Outputs []string      `json:"outputs" yaml:"outputs"`
	Layers  []LayerRecord `json:"layers" yaml:"layers"`
}

// LayerRecord is one layer's configuration and the layers feeding it, in
// argument order.
type LayerRecord struct {
	Spec    layers.LayerSpec `json:"spec" yaml:"spec"`
	Inbound []string         `json:"inbound,omitempty" yaml:"inbound,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name" yaml:"name"`
	Shape []int     `json:"shape" yaml:"shape,flow"`
	Data  []float32 `json:"data" yaml:"data,flow"`
	Layer string    `json:"layer" yaml:"layer"`
	Type  string    `json:"type" yaml:"type"` // "kernel", "bias", "gamma", "beta", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version" yaml:"version"`
	Framework   string    `json:"framework" yaml:"framework"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) formatFor(path string) (CheckpointFormat, error) {
	if cs.format == FormatAuto {
		return FormatFromPath(path)
	}
	return cs.format, nil
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	format, err := cs.formatFor(path)
	if err != nil {
		return err
	}
	switch format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatYAML:
		return cs.saveYAML(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	format, err := cs.formatFor(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatYAML:
		return cs.loadYAML(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveYAML(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(2)
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return encoder.Close()
}

func (cs *CheckpointSaver) loadYAML(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	if err := yaml.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

// FromModel captures a model's graph and weights. Layers called more than
// once inside the model cannot be represented and are rejected.
func FromModel(m *engine.Model) (*Checkpoint, error) {
	cp := &Checkpoint{Graph: GraphSpec{Name: m.Name()}}

	for _, in := range m.Inputs() {
		cp.Graph.Inputs = append(cp.Graph.Inputs, in.Producer().Name())
	}
	for _, out := range m.Outputs() {
		cp.Graph.Outputs = append(cp.Graph.Outputs, out.Producer().Name())
	}

	for _, l := range m.Layers() {
		nodes := m.InboundNodes(l)
		if len(nodes) != 1 {
			return nil, fmt.Errorf("layer %s is called %d times in model %s; shared layers cannot be saved", l.Name(), len(nodes), m.Name())
		}
		record := LayerRecord{Spec: l.Config()}
		for _, dep := range nodes[0].InboundLayers() {
			record.Inbound = append(record.Inbound, dep.Name())
		}
		cp.Graph.Layers = append(cp.Graph.Layers, record)

		if l.IsInput() {
			continue
		}
		weights, err := l.Weights()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extract weights for layer %s", l.Name())
		}
		for i, p := range l.ParameterSpecs() {
			data, err := weights[i].GetFloat32Data()
			if err != nil {
				return nil, errors.Wrapf(err, "failed to extract %s data for layer %s", p.Name, l.Name())
			}
			cp.Weights = append(cp.Weights, WeightTensor{
				Name:  fmt.Sprintf("%s.%s", l.Name(), p.Name),
				Shape: tensor.CopyShape(p.Shape),
				Data:  append([]float32(nil), data...),
				Layer: l.Name(),
				Type:  p.Name,
			})
		}
	}

	return cp, nil
}

// ToModel rebuilds the model a checkpoint describes and loads its weights.
func ToModel(cp *Checkpoint) (*engine.Model, error) {
	weights := make(map[string]map[string]WeightTensor)
	for _, w := range cp.Weights {
		if weights[w.Layer] == nil {
			weights[w.Layer] = make(map[string]WeightTensor)
		}
		weights[w.Layer][w.Type] = w
	}

	values := make(map[string]*engine.Value, len(cp.Graph.Layers))
	for _, record := range cp.Graph.Layers {
		spec := record.Spec
		if _, dup := values[spec.Name]; dup {
			return nil, errors.Wrapf(engine.ErrDuplicateName, "checkpoint layer %s", spec.Name)
		}

		if spec.Type == layers.Input {
			shape, ok := spec.IntsParam("shape")
			if !ok {
				return nil, fmt.Errorf("input layer %s has no shape", spec.Name)
			}
			v, err := engine.Input(shape, spec.Name)
			if err != nil {
				return nil, err
			}
			values[spec.Name] = v
			continue
		}

		args := make([]*engine.Value, len(record.Inbound))
		for i, dep := range record.Inbound {
			v, ok := values[dep]
			if !ok {
				return nil, fmt.Errorf("layer %s depends on %s, which is not defined before it", spec.Name, dep)
			}
			args[i] = v
		}

		l, err := engine.NewLayer(spec)
		if err != nil {
			return nil, err
		}
		out, err := l.Call(args...)
		if err != nil {
			return nil, err
		}
		if err := loadLayerWeights(l, weights[spec.Name]); err != nil {
			return nil, err
		}
		values[spec.Name] = out
	}

	pick := func(names []string) ([]*engine.Value, error) {
		out := make([]*engine.Value, len(names))
		for i, name := range names {
			v, ok := values[name]
			if !ok {
				return nil, errors.Wrapf(engine.ErrLayerNotFound, "checkpoint boundary %s", name)
			}
			out[i] = v
		}
		return out, nil
	}
	inputs, err := pick(cp.Graph.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := pick(cp.Graph.Outputs)
	if err != nil {
		return nil, err
	}

	return engine.NewModel(cp.Graph.Name, inputs, outputs)
}

func loadLayerWeights(l *engine.Layer, stored map[string]WeightTensor) error {
	params := l.ParameterSpecs()
	if len(params) == 0 {
		return nil
	}
	if len(stored) != len(params) {
		return errors.Wrapf(engine.ErrWeightShape, "layer %s has %d stored weights, expected %d", l.Name(), len(stored), len(params))
	}

	tensors := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		w, ok := stored[p.Name]
		if !ok {
			return errors.Wrapf(engine.ErrWeightShape, "layer %s is missing weight %s", l.Name(), p.Name)
		}
		t, err := tensor.NewTensor(w.Shape, tensor.Float32, append([]float32(nil), w.Data...))
		if err != nil {
			return errors.Wrapf(err, "failed to load weight %s", w.Name)
		}
		tensors[i] = t
	}
	return l.SetWeights(tensors)
}

// SaveModel writes m to path. FormatAuto picks the format from the
// extension. The model fingerprint is recorded in the metadata.
func SaveModel(m *engine.Model, path string, format CheckpointFormat) error {
	cp, err := FromModel(m)
	if err != nil {
		return err
	}
	fingerprint, err := Fingerprint(m)
	if err != nil {
		return err
	}
	cp.Metadata = CheckpointMetadata{
		Version:     frameworkVersion,
		Framework:   frameworkName,
		CreatedAt:   time.Now().UTC(),
		Fingerprint: fingerprint,
	}
	return NewCheckpointSaver(format).SaveCheckpoint(cp, path)
}

// LoadModel reads a model from path. FormatAuto picks the format from the
// extension.
func LoadModel(path string, format CheckpointFormat) (*engine.Model, error) {
	cp, err := NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	m, err := ToModel(cp)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to rebuild model from %s", path)
	}
	return m, nil
}
