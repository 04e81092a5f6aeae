package tensor

import (
	"fmt"
	"math"
)

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:    CopyShape(t.Shape),
		Strides:  CopyShape(t.Strides),
		DType:    t.DType,
		NumElems: t.NumElems,
	}

	switch t.DType {
	case Float32:
		data, ok := t.Data.([]float32)
		if !ok || data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		data, ok := t.Data.([]int32)
		if !ok || data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has no Float32 data")
	}
	return data, nil
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of dtype, shape and every element. Float
// comparison is bitwise so NaN payloads copied verbatim still compare equal.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}

	if !ShapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		data1, ok1 := t.Data.([]float32)
		data2, ok2 := other.Data.([]float32)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("tensor has no Float32 data")
		}
		for i := 0; i < t.NumElems; i++ {
			if math.Float32bits(data1[i]) != math.Float32bits(data2[i]) {
				return false, nil
			}
		}
	case Int32:
		data1, ok1 := t.Data.([]int32)
		data2, ok2 := other.Data.([]int32)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("tensor has no Int32 data")
		}
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// PrintData renders at most maxElements leading values.
func (t *Tensor) PrintData(maxElements int) string {
	result := fmt.Sprintf("Tensor %v (%s):\n", t.Shape, t.DType)

	switch t.DType {
	case Float32:
		data, _ := t.Data.([]float32)
		limit := len(data)
		if limit > maxElements {
			limit = maxElements
		}
		result += fmt.Sprintf("%v", data[:limit])
		if len(data) > maxElements {
			result += "..."
		}
	case Int32:
		data, _ := t.Data.([]int32)
		limit := len(data)
		if limit > maxElements {
			limit = maxElements
		}
		result += fmt.Sprintf("%v", data[:limit])
		if len(data) > maxElements {
			result += "..."
		}
	}

	return result
}
