package layers

import (
	"fmt"
)

// DynamicBatch marks the batch dimension of a symbolic shape.
const DynamicBatch = -1

// ParameterSpec names one weight tensor of a layer and its shape.
type ParameterSpec struct {
	Name  string
	Shape []int
}

// LayerInfo is the result of shape inference for one call of a layer.
type LayerInfo struct {
	OutputShape []int
	Parameters  []ParameterSpec
}

// ParameterCount returns the number of scalar weights described by info.
func (li LayerInfo) ParameterCount() int64 {
	var total int64
	for _, p := range li.Parameters {
		n := int64(1)
		for _, d := range p.Shape {
			n *= int64(d)
		}
		total += n
	}
	return total
}

// Arity returns the accepted number of inbound values for a layer type.
// max < 0 means unbounded.
func Arity(lt LayerType) (min, max int) {
	switch {
	case lt == Input:
		return 0, 0
	case lt.IsMerge():
		return 2, -1
	default:
		return 1, 1
	}
}

// InferShapes computes the output shape and weight shapes of spec when called
// on values of inputShapes. Every shape carries the batch dimension first.
func InferShapes(spec LayerSpec, inputShapes [][]int) (LayerInfo, error) {
	min, max := Arity(spec.Type)
	if len(inputShapes) < min || (max >= 0 && len(inputShapes) > max) {
		return LayerInfo{}, fmt.Errorf("%s layer %s cannot take %d inputs", spec.Type, spec.Name, len(inputShapes))
	}
	for i, shape := range inputShapes {
		if err := validateSymbolicShape(shape); err != nil {
			return LayerInfo{}, fmt.Errorf("%s layer %s input %d: %v", spec.Type, spec.Name, i, err)
		}
	}

	switch spec.Type {
	case Input:
		return computeInputInfo(spec)
	case Dense:
		return computeDenseInfo(spec, inputShapes[0])
	case Conv2D:
		return computeConv2DInfo(spec, inputShapes[0])
	case MaxPool2D:
		return computeMaxPool2DInfo(spec, inputShapes[0])
	case BatchNorm:
		return computeBatchNormInfo(spec, inputShapes[0])
	case Flatten:
		return computeFlattenInfo(inputShapes[0])
	case ReLU, Softmax, Dropout, LeakyReLU, ELU, Sigmoid, Tanh:
		return computeActivationInfo(inputShapes[0])
	case Concatenate:
		return computeConcatenateInfo(spec, inputShapes)
	case Add, Multiply, Average:
		return computeElementwiseInfo(spec, inputShapes)
	default:
		return LayerInfo{}, fmt.Errorf("unsupported layer type: %s", spec.Type.String())
	}
}

func validateSymbolicShape(shape []int) error {
	if len(shape) < 2 {
		return fmt.Errorf("shape %v needs a batch dimension and at least one feature dimension", shape)
	}
	for i := 1; i < len(shape); i++ {
		if shape[i] <= 0 {
			return fmt.Errorf("shape %v has non-positive dimension %d", shape, i)
		}
	}
	return nil
}

func computeInputInfo(spec LayerSpec) (LayerInfo, error) {
	shape, ok := spec.IntsParam("shape")
	if !ok || len(shape) == 0 {
		return LayerInfo{}, fmt.Errorf("input layer %s is missing its shape parameter", spec.Name)
	}
	out := append([]int{DynamicBatch}, shape...)
	if err := validateSymbolicShape(out); err != nil {
		return LayerInfo{}, fmt.Errorf("input layer %s: %v", spec.Name, err)
	}
	return LayerInfo{OutputShape: out}, nil
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(spec LayerSpec, inputShape []int) (LayerInfo, error) {
	outputSize := spec.IntParam("output_size", 0)
	if outputSize <= 0 {
		return LayerInfo{}, fmt.Errorf("missing output_size parameter")
	}
	useBias := spec.BoolParam("use_bias", true)

	// Dense flattens every non-batch dimension
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}

	info := LayerInfo{
		OutputShape: []int{inputShape[0], outputSize},
		Parameters: []ParameterSpec{
			{Name: "kernel", Shape: []int{inputSize, outputSize}},
		},
	}
	if useBias {
		info.Parameters = append(info.Parameters, ParameterSpec{Name: "bias", Shape: []int{outputSize}})
	}
	return info, nil
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(spec LayerSpec, inputShape []int) (LayerInfo, error) {
	if len(inputShape) != 4 {
		return LayerInfo{}, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := spec.IntParam("output_channels", 0)
	if outputChannels <= 0 {
		return LayerInfo{}, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := spec.IntParam("kernel_size", 0)
	if kernelSize <= 0 {
		return LayerInfo{}, fmt.Errorf("missing kernel_size parameter")
	}
	stride := spec.IntParam("stride", 1)
	if stride <= 0 {
		return LayerInfo{}, fmt.Errorf("stride must be positive, got %d", stride)
	}
	padding := spec.IntParam("padding", 0)
	useBias := spec.BoolParam("use_bias", true)

	inputChannels := inputShape[1]
	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return LayerInfo{}, fmt.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}

	info := LayerInfo{
		OutputShape: []int{inputShape[0], outputChannels, outputHeight, outputWidth},
		Parameters: []ParameterSpec{
			{Name: "kernel", Shape: []int{outputChannels, inputChannels, kernelSize, kernelSize}},
		},
	}
	if useBias {
		info.Parameters = append(info.Parameters, ParameterSpec{Name: "bias", Shape: []int{outputChannels}})
	}
	return info, nil
}

func computeMaxPool2DInfo(spec LayerSpec, inputShape []int) (LayerInfo, error) {
	if len(inputShape) != 4 {
		return LayerInfo{}, fmt.Errorf("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	poolSize := spec.IntParam("pool_size", 2)
	stride := spec.IntParam("stride", poolSize)
	if poolSize <= 0 || stride <= 0 {
		return LayerInfo{}, fmt.Errorf("pool_size and stride must be positive")
	}

	outputHeight := (inputShape[2]-poolSize)/stride + 1
	outputWidth := (inputShape[3]-poolSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return LayerInfo{}, fmt.Errorf("pool %d does not fit input %v", poolSize, inputShape)
	}
	return LayerInfo{OutputShape: []int{inputShape[0], inputShape[1], outputHeight, outputWidth}}, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(spec LayerSpec, inputShape []int) (LayerInfo, error) {
	features := inputShape[1]
	if numFeatures := spec.IntParam("num_features", features); numFeatures != features {
		return LayerInfo{}, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, features)
	}

	info := LayerInfo{OutputShape: copyShape(inputShape)}
	if spec.BoolParam("affine", true) {
		info.Parameters = append(info.Parameters,
			ParameterSpec{Name: "gamma", Shape: []int{features}},
			ParameterSpec{Name: "beta", Shape: []int{features}},
		)
	}
	// Running statistics travel with the weights so a copied layer is complete
	info.Parameters = append(info.Parameters,
		ParameterSpec{Name: "moving_mean", Shape: []int{features}},
		ParameterSpec{Name: "moving_variance", Shape: []int{features}},
	)
	return info, nil
}

func computeFlattenInfo(inputShape []int) (LayerInfo, error) {
	size := 1
	for i := 1; i < len(inputShape); i++ {
		size *= inputShape[i]
	}
	return LayerInfo{OutputShape: []int{inputShape[0], size}}, nil
}

// computeActivationInfo computes activation layer information (no parameters)
func computeActivationInfo(inputShape []int) (LayerInfo, error) {
	return LayerInfo{OutputShape: copyShape(inputShape)}, nil
}

func computeConcatenateInfo(spec LayerSpec, inputShapes [][]int) (LayerInfo, error) {
	rank := len(inputShapes[0])
	axis := spec.IntParam("axis", -1)
	if axis < 0 {
		axis += rank
	}
	if axis <= 0 || axis >= rank {
		return LayerInfo{}, fmt.Errorf("concatenation axis %d is invalid for rank %d", spec.IntParam("axis", -1), rank)
	}

	out := copyShape(inputShapes[0])
	for i := 1; i < len(inputShapes); i++ {
		shape := inputShapes[i]
		if len(shape) != rank {
			return LayerInfo{}, fmt.Errorf("input %d has rank %d, expected %d", i, len(shape), rank)
		}
		for d := 1; d < rank; d++ {
			if d == axis {
				continue
			}
			if shape[d] != out[d] {
				return LayerInfo{}, fmt.Errorf("input %d shape %v does not match %v outside axis %d", i, shape, inputShapes[0], axis)
			}
		}
		out[axis] += shape[axis]
	}
	return LayerInfo{OutputShape: out}, nil
}

func computeElementwiseInfo(spec LayerSpec, inputShapes [][]int) (LayerInfo, error) {
	first := inputShapes[0]
	for i := 1; i < len(inputShapes); i++ {
		shape := inputShapes[i]
		if len(shape) != len(first) {
			return LayerInfo{}, fmt.Errorf("%s input %d has shape %v, expected %v", spec.Type, i, shape, first)
		}
		for d := 1; d < len(shape); d++ {
			if shape[d] != first[d] {
				return LayerInfo{}, fmt.Errorf("%s input %d has shape %v, expected %v", spec.Type, i, shape, first)
			}
		}
	}
	return LayerInfo{OutputShape: copyShape(first)}, nil
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
