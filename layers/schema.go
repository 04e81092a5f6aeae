package layers

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParamKind is the canonical Go type a layer parameter is normalised to.
type ParamKind int

const (
	IntParam ParamKind = iota
	FloatParam
	BoolParam
	IntsParam
	StringParam
)

func (pk ParamKind) String() string {
	switch pk {
	case IntParam:
		return "int"
	case FloatParam:
		return "float"
	case BoolParam:
		return "bool"
	case IntsParam:
		return "ints"
	case StringParam:
		return "string"
	default:
		return "unknown"
	}
}

var parameterSchema = map[LayerType]map[string]ParamKind{
	Input: {"shape": IntsParam},
	Dense: {
		"output_size": IntParam,
		"use_bias":    BoolParam,
	},
	Conv2D: {
		"output_channels": IntParam,
		"kernel_size":     IntParam,
		"stride":          IntParam,
		"padding":         IntParam,
		"use_bias":        BoolParam,
	},
	MaxPool2D: {
		"pool_size": IntParam,
		"stride":    IntParam,
	},
	Softmax:   {"axis": IntParam},
	LeakyReLU: {"negative_slope": FloatParam},
	ELU:       {"alpha": FloatParam},
	Dropout:   {"rate": FloatParam},
	BatchNorm: {
		"num_features": IntParam,
		"eps":          FloatParam,
		"momentum":     FloatParam,
		"affine":       BoolParam,
	},
	Concatenate: {"axis": IntParam},
}

// ParameterKind reports the schema kind of a parameter. Parameters outside
// the schema are carried verbatim and report ok=false.
func ParameterKind(lt LayerType, key string) (ParamKind, bool) {
	kind, ok := parameterSchema[lt][key]
	return kind, ok
}

// SortedParameterKeys returns the spec's parameter names in lexical order.
func (ls LayerSpec) SortedParameterKeys() []string {
	keys := make([]string, 0, len(ls.Parameters))
	for key := range ls.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts every schema parameter to its canonical Go type so a spec
// decoded from any format compares equal to the one that was encoded.
func (ls *LayerSpec) Normalize() error {
	if ls.Parameters == nil {
		ls.Parameters = map[string]interface{}{}
		return nil
	}
	for key, value := range ls.Parameters {
		kind, known := ParameterKind(ls.Type, key)
		if !known {
			continue
		}
		converted, err := convertParam(kind, value)
		if err != nil {
			return fmt.Errorf("layer %s parameter %q: %v", ls.Name, key, err)
		}
		ls.Parameters[key] = converted
	}
	return nil
}

func convertParam(kind ParamKind, value interface{}) (interface{}, error) {
	switch kind {
	case IntParam:
		if v, ok := toInt(value); ok {
			return v, nil
		}
	case FloatParam:
		if v, ok := toFloat(value); ok {
			return v, nil
		}
	case BoolParam:
		if v, ok := toBool(value); ok {
			return v, nil
		}
	case IntsParam:
		if v, ok := toInts(value); ok {
			return v, nil
		}
	case StringParam:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, kind)
}

// IntParam returns an integer parameter or defaultValue when absent.
func (ls LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// FloatParam returns a float parameter or defaultValue when absent.
func (ls LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}

// BoolParam returns a boolean parameter or defaultValue when absent.
func (ls LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// IntsParam returns an integer list parameter.
func (ls LayerSpec) IntsParam(key string) ([]int, bool) {
	return getIntsParam(ls.Parameters, key)
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		if float32(math.Trunc(float64(v))) == v {
			return int(v), true
		}
	case float64:
		if math.Trunc(v) == v {
			return int(v), true
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func toFloat(value interface{}) (float32, bool) {
	switch v := value.(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	case int:
		return float32(v), true
	case int32:
		return float32(v), true
	case int64:
		return float32(v), true
	case string:
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f), true
		}
	}
	return 0, false
}

func toBool(value interface{}) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		return v != 0, true
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

func toInts(value interface{}) ([]int, bool) {
	switch v := value.(type) {
	case []int:
		out := make([]int, len(v))
		copy(out, v)
		return out, true
	case []int64:
		out := make([]int, len(v))
		for i, n := range v {
			out[i] = int(n)
		}
		return out, true
	case []int32:
		out := make([]int, len(v))
		for i, n := range v {
			out[i] = int(n)
		}
		return out, true
	case []interface{}:
		out := make([]int, len(v))
		for i, item := range v {
			n, ok := toInt(item)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
