package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
	ELU
	Sigmoid
	Tanh
	Flatten
	Input
	Concatenate
	Add
	Multiply
	Average
)

var layerTypeNames = map[LayerType]string{
	Dense:       "Dense",
	Conv2D:      "Conv2D",
	ReLU:        "ReLU",
	Softmax:     "Softmax",
	MaxPool2D:   "MaxPool2D",
	Dropout:     "Dropout",
	BatchNorm:   "BatchNorm",
	LeakyReLU:   "LeakyReLU",
	ELU:         "ELU",
	Sigmoid:     "Sigmoid",
	Tanh:        "Tanh",
	Flatten:     "Flatten",
	Input:       "Input",
	Concatenate: "Concatenate",
	Add:         "Add",
	Multiply:    "Multiply",
	Average:     "Average",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// ParseLayerType resolves a layer type from its name, ignoring case.
func ParseLayerType(name string) (LayerType, error) {
	for lt, n := range layerTypeNames {
		if strings.EqualFold(n, name) {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown layer type %q", name)
}

// MarshalText encodes the type by name so model files stay readable and
// survive reordering of the enum.
func (lt LayerType) MarshalText() ([]byte, error) {
	name, ok := layerTypeNames[lt]
	if !ok {
		return nil, fmt.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(name), nil
}

func (lt *LayerType) UnmarshalText(text []byte) error {
	parsed, err := ParseLayerType(string(text))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// IsMerge reports whether the layer combines several inbound values.
func (lt LayerType) IsMerge() bool {
	switch lt {
	case Concatenate, Add, Multiply, Average:
		return true
	default:
		return false
	}
}

// LayerSpec is the configuration half of a layer: what it computes and with
// which hyperparameters. It carries no weights and no connectivity.
type LayerSpec struct {
	Type       LayerType              `json:"type" yaml:"type"`
	Name       string                 `json:"name" yaml:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Clone returns a deep copy of the spec. Slice-valued parameters are copied so
// the clone can be normalised or edited without touching the source.
func (ls LayerSpec) Clone() LayerSpec {
	clone := LayerSpec{
		Type:       ls.Type,
		Name:       ls.Name,
		Parameters: make(map[string]interface{}, len(ls.Parameters)),
	}
	for key, value := range ls.Parameters {
		switch v := value.(type) {
		case []int:
			cp := make([]int, len(v))
			copy(cp, v)
			clone.Parameters[key] = cp
		case []interface{}:
			cp := make([]interface{}, len(v))
			copy(cp, v)
			clone.Parameters[key] = cp
		default:
			clone.Parameters[key] = v
		}
	}
	return clone
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateInputSpec creates an input placeholder specification. shape excludes
// the batch dimension.
func (lf *LayerFactory) CreateInputSpec(shape []int, name string) LayerSpec {
	cp := make([]int, len(shape))
	copy(cp, shape)
	return LayerSpec{
		Type: Input,
		Name: name,
		Parameters: map[string]interface{}{
			"shape": cp,
		},
	}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
}

// CreateMaxPool2DSpec creates a max pooling specification
func (lf *LayerFactory) CreateMaxPool2DSpec(poolSize, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSigmoidSpec creates a Sigmoid activation specification
func (lf *LayerFactory) CreateSigmoidSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Sigmoid,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateTanhSpec creates a Tanh activation specification
func (lf *LayerFactory) CreateTanhSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Tanh,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSoftmaxSpec creates a Softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateLeakyReLUSpec creates a Leaky ReLU activation specification
func (lf *LayerFactory) CreateLeakyReLUSpec(negativeSlope float32, name string) LayerSpec {
	return LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	}
}

// CreateELUSpec creates an ELU activation specification
func (lf *LayerFactory) CreateELUSpec(alpha float32, name string) LayerSpec {
	return LayerSpec{
		Type: ELU,
		Name: name,
		Parameters: map[string]interface{}{
			"alpha": alpha,
		},
	}
}

// CreateDropoutSpec creates a Dropout layer specification
func (lf *LayerFactory) CreateDropoutSpec(rate float32, name string) LayerSpec {
	return LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification
func (lf *LayerFactory) CreateBatchNormSpec(eps float32, momentum float32, affine bool, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
			"affine":   affine,
		},
	}
}

// CreateFlattenSpec creates a Flatten specification
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateConcatenateSpec creates a concatenation merge. axis counts the batch
// dimension; negative values index from the end.
func (lf *LayerFactory) CreateConcatenateSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Concatenate,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateAddSpec creates an element-wise sum merge
func (lf *LayerFactory) CreateAddSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Add,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateMultiplySpec creates an element-wise product merge
func (lf *LayerFactory) CreateMultiplySpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Multiply,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateAverageSpec creates an element-wise mean merge
func (lf *LayerFactory) CreateAverageSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Average,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// Helper functions for parameter extraction. Values decoded from JSON, YAML
// or protobuf arrive as float64/int64, so every numeric kind is accepted.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := toInt(val); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := toBool(val); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := toFloat(val); ok {
			return floatVal
		}
	}
	return defaultValue
}

func getIntsParam(params map[string]interface{}, key string) ([]int, bool) {
	if val, exists := params[key]; exists {
		return toInts(val)
	}
	return nil, false
}
