package layers

import (
	"reflect"
	"testing"
)

func TestInferShapes(t *testing.T) {
	factory := NewFactory()

	tests := []struct {
		name        string
		spec        LayerSpec
		inputs      [][]int
		output      []int
		paramShapes [][]int
	}{
		{
			name:        "dense flattens",
			spec:        factory.CreateDenseSpec(10, true, "fc"),
			inputs:      [][]int{{-1, 4, 2, 2}},
			output:      []int{-1, 10},
			paramShapes: [][]int{{16, 10}, {10}},
		},
		{
			name:        "dense without bias",
			spec:        factory.CreateDenseSpec(3, false, "fc"),
			inputs:      [][]int{{-1, 5}},
			output:      []int{-1, 3},
			paramShapes: [][]int{{5, 3}},
		},
		{
			name:        "conv2d",
			spec:        factory.CreateConv2DSpec(8, 3, 1, 1, true, "conv"),
			inputs:      [][]int{{-1, 3, 32, 32}},
			output:      []int{-1, 8, 32, 32},
			paramShapes: [][]int{{8, 3, 3, 3}, {8}},
		},
		{
			name:   "maxpool",
			spec:   factory.CreateMaxPool2DSpec(2, 2, "pool"),
			inputs: [][]int{{-1, 8, 32, 32}},
			output: []int{-1, 8, 16, 16},
		},
		{
			name:        "batchnorm affine",
			spec:        factory.CreateBatchNormSpec(1e-5, 0.1, true, "bn"),
			inputs:      [][]int{{-1, 6}},
			output:      []int{-1, 6},
			paramShapes: [][]int{{6}, {6}, {6}, {6}},
		},
		{
			name:        "batchnorm running stats only",
			spec:        factory.CreateBatchNormSpec(1e-5, 0.1, false, "bn"),
			inputs:      [][]int{{-1, 6}},
			output:      []int{-1, 6},
			paramShapes: [][]int{{6}, {6}},
		},
		{
			name:   "flatten",
			spec:   factory.CreateFlattenSpec("flat"),
			inputs: [][]int{{-1, 2, 3, 4}},
			output: []int{-1, 24},
		},
		{
			name:   "concatenate last axis",
			spec:   factory.CreateConcatenateSpec(-1, "cat"),
			inputs: [][]int{{-1, 4}, {-1, 6}, {-1, 1}},
			output: []int{-1, 11},
		},
		{
			name:   "concatenate channels",
			spec:   factory.CreateConcatenateSpec(1, "cat"),
			inputs: [][]int{{-1, 4, 8, 8}, {-1, 2, 8, 8}},
			output: []int{-1, 6, 8, 8},
		},
		{
			name:   "add",
			spec:   factory.CreateAddSpec("sum"),
			inputs: [][]int{{-1, 4}, {-1, 4}},
			output: []int{-1, 4},
		},
		{
			name:   "input",
			spec:   factory.CreateInputSpec([]int{3, 28, 28}, "in"),
			inputs: nil,
			output: []int{-1, 3, 28, 28},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			info, err := InferShapes(test.spec, test.inputs)
			if err != nil {
				t.Fatalf("InferShapes failed: %v", err)
			}
			if !reflect.DeepEqual(info.OutputShape, test.output) {
				t.Errorf("output shape = %v, expected %v", info.OutputShape, test.output)
			}
			var got [][]int
			for _, p := range info.Parameters {
				got = append(got, p.Shape)
			}
			if !reflect.DeepEqual(got, test.paramShapes) {
				t.Errorf("parameter shapes = %v, expected %v", got, test.paramShapes)
			}
		})
	}
}

func TestInferShapesErrors(t *testing.T) {
	factory := NewFactory()

	tests := []struct {
		name   string
		spec   LayerSpec
		inputs [][]int
	}{
		{"merge with one input", factory.CreateAddSpec("sum"), [][]int{{-1, 4}}},
		{"dense with two inputs", factory.CreateDenseSpec(2, true, "fc"), [][]int{{-1, 4}, {-1, 4}}},
		{"add shape mismatch", factory.CreateAddSpec("sum"), [][]int{{-1, 4}, {-1, 5}}},
		{"concat off-axis mismatch", factory.CreateConcatenateSpec(-1, "cat"), [][]int{{-1, 2, 4}, {-1, 3, 4}}},
		{"concat on batch axis", factory.CreateConcatenateSpec(0, "cat"), [][]int{{-1, 4}, {-1, 4}}},
		{"conv needs 4d", factory.CreateConv2DSpec(8, 3, 1, 0, true, "conv"), [][]int{{-1, 10}}},
		{"kernel larger than input", factory.CreateConv2DSpec(8, 5, 1, 0, true, "conv"), [][]int{{-1, 1, 3, 3}}},
		{"batchnorm feature mismatch", LayerSpec{Type: BatchNorm, Name: "bn", Parameters: map[string]interface{}{"num_features": 3}}, [][]int{{-1, 4}}},
		{"missing batch dimension", factory.CreateReLUSpec("r"), [][]int{{4}}},
		{"input without shape", LayerSpec{Type: Input, Name: "in"}, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := InferShapes(test.spec, test.inputs); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParameterCount(t *testing.T) {
	info, err := InferShapes(NewFactory().CreateDenseSpec(10, true, "fc"), [][]int{{-1, 784}})
	if err != nil {
		t.Fatalf("InferShapes failed: %v", err)
	}
	if got := info.ParameterCount(); got != 7850 {
		t.Errorf("ParameterCount = %d, expected 7850", got)
	}
}
