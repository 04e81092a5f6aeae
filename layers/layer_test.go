package layers

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{Sigmoid, "Sigmoid"},
		{Tanh, "Tanh"},
		{Input, "Input"},
		{Concatenate, "Concatenate"},
		{LayerType(999), "Unknown"},
	}

	for _, test := range tests {
		if got := test.lt.String(); got != test.expected {
			t.Errorf("LayerType(%d).String() = %s, expected %s", int(test.lt), got, test.expected)
		}
	}
}

func TestLayerTypeTextRoundTrip(t *testing.T) {
	for lt := range layerTypeNames {
		text, err := lt.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%s) failed: %v", lt, err)
		}
		var parsed LayerType
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s) failed: %v", text, err)
		}
		if parsed != lt {
			t.Errorf("round trip of %s gave %s", lt, parsed)
		}
	}

	if _, err := ParseLayerType("conv2d"); err != nil {
		t.Errorf("expected case-insensitive parse, got %v", err)
	}
	if _, err := ParseLayerType("Transformer"); err == nil {
		t.Error("expected error for unknown layer type")
	}
}

func TestLayerSpecJSONUsesTypeNames(t *testing.T) {
	spec := NewFactory().CreateDenseSpec(8, true, "fc1")
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if decoded["type"] != "Dense" {
		t.Errorf("expected type to be encoded as \"Dense\", got %v", decoded["type"])
	}
}

func TestLayerSpecCloneIsDeep(t *testing.T) {
	factory := NewFactory()
	orig := factory.CreateInputSpec([]int{3, 4}, "in")
	clone := orig.Clone()

	clone.Parameters["shape"].([]int)[0] = 99
	clone.Parameters["extra"] = true

	if orig.Parameters["shape"].([]int)[0] != 3 {
		t.Error("mutating the clone's shape changed the original")
	}
	if _, ok := orig.Parameters["extra"]; ok {
		t.Error("adding a parameter to the clone changed the original")
	}
}

func TestNormalizeConvertsDecodedValues(t *testing.T) {
	spec := LayerSpec{
		Type: Dense,
		Name: "fc",
		Parameters: map[string]interface{}{
			"output_size": float64(16),
			"use_bias":    int64(1),
			"note":        "kept",
		},
	}
	if err := spec.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if spec.Parameters["output_size"] != 16 {
		t.Errorf("output_size = %#v, expected int 16", spec.Parameters["output_size"])
	}
	if spec.Parameters["use_bias"] != true {
		t.Errorf("use_bias = %#v, expected true", spec.Parameters["use_bias"])
	}
	if spec.Parameters["note"] != "kept" {
		t.Errorf("unknown parameter was rewritten: %#v", spec.Parameters["note"])
	}

	input := LayerSpec{Type: Input, Name: "in", Parameters: map[string]interface{}{
		"shape": []interface{}{float64(3), float64(4)},
	}}
	if err := input.Normalize(); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !reflect.DeepEqual(input.Parameters["shape"], []int{3, 4}) {
		t.Errorf("shape = %#v, expected []int{3, 4}", input.Parameters["shape"])
	}

	bad := LayerSpec{Type: Dense, Name: "fc", Parameters: map[string]interface{}{"output_size": 1.5}}
	if err := bad.Normalize(); err == nil {
		t.Error("expected error for fractional output_size")
	}
}

func TestActivationFactories(t *testing.T) {
	factory := NewFactory()
	tests := []struct {
		spec     LayerSpec
		expected LayerType
	}{
		{factory.CreateReLUSpec("a"), ReLU},
		{factory.CreateSigmoidSpec("b"), Sigmoid},
		{factory.CreateTanhSpec("c"), Tanh},
		{factory.CreateFlattenSpec("d"), Flatten},
	}

	for _, test := range tests {
		if test.spec.Type != test.expected {
			t.Errorf("expected %s, got %s", test.expected, test.spec.Type)
		}
		if len(test.spec.Parameters) != 0 {
			t.Errorf("expected no parameters for %s, got %d", test.expected, len(test.spec.Parameters))
		}
	}
}
