package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/layerchop/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName   protowire.Number = 1
	attrF      protowire.Number = 2
	attrI      protowire.Number = 3
	attrS      protowire.Number = 4
	attrFloats protowire.Number = 7
	attrInts   protowire.Number = 8
	attrType   protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType  protowire.Number = 1
	tensorElemType  protowire.Number = 1
	tensorTypeShape protowire.Number = 2
	shapeDim        protowire.Number = 1
	dimValue        protowire.Number = 1
	dimParam        protowire.Number = 2
)

// AttributeProto.AttributeType values
const (
	attrTypeFloat  = 1
	attrTypeInt    = 2
	attrTypeString = 3
	attrTypeFloats = 6
	attrTypeInts   = 7
)

const (
	onnxIRVersion   = 7
	onnxOpsetLegacy = 13
	layerDomain     = "ai.layerchop"
	dataTypeFloat   = 1
	batchDimParam   = "batch"
)

// ONNXExporter handles conversion of checkpoints to the ONNX container format.
// Every layer becomes a NodeProto in the ai.layerchop domain whose op_type is
// the layer type; weights become initializers.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes a checkpoint as an ONNX ModelProto
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// Marshal encodes a checkpoint as ONNX ModelProto bytes.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, frameworkName)
	b = appendStringField(b, modelProducerVersion, checkpoint.Metadata.Version)
	b = appendVarintField(b, modelVersion, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendStringField(b, modelDocString, checkpoint.Metadata.Description)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	for _, opset := range []struct {
		domain  string
		version uint64
	}{{"", onnxOpsetLegacy}, {layerDomain, 1}} {
		var o []byte
		o = appendStringField(o, opsetDomain, opset.domain)
		o = appendVarintField(o, opsetVersion, opset.version)
		b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
		b = protowire.AppendBytes(b, o)
	}

	for _, kv := range oe.metadataProps(checkpoint.Metadata) {
		var e []byte
		e = appendStringField(e, entryKey, kv[0])
		e = appendStringField(e, entryValue, kv[1])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}

	return b, nil
}

func (oe *ONNXExporter) metadataProps(md CheckpointMetadata) [][2]string {
	var props [][2]string
	add := func(k, v string) {
		if v != "" {
			props = append(props, [2]string{k, v})
		}
	}
	add("framework", md.Framework)
	if !md.CreatedAt.IsZero() {
		add("created_at", md.CreatedAt.Format(time.RFC3339Nano))
	}
	add("tags", strings.Join(md.Tags, ","))
	add("fingerprint", md.Fingerprint)
	return props
}

// buildGraph encodes the GraphProto
func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	var b []byte
	b = appendStringField(b, graphName, checkpoint.Graph.Name)

	inputs := make(map[string]bool, len(checkpoint.Graph.Inputs))
	for _, name := range checkpoint.Graph.Inputs {
		inputs[name] = true
	}

	for _, record := range checkpoint.Graph.Layers {
		spec := record.Spec
		if spec.Type == layers.Input {
			if !inputs[spec.Name] {
				return nil, fmt.Errorf("input layer %s is not a graph input", spec.Name)
			}
			shape, ok := spec.IntsParam("shape")
			if !ok {
				return nil, fmt.Errorf("input layer %s has no shape", spec.Name)
			}
			b = protowire.AppendTag(b, graphInput, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeValueInfo(spec.Name, shape))
			continue
		}

		node, err := encodeNode(record)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, graphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, node)
	}

	for _, w := range checkpoint.Weights {
		b = protowire.AppendTag(b, graphInitializer, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(w))
	}

	for _, name := range checkpoint.Graph.Outputs {
		var v []byte
		v = appendStringField(v, valueInfoName, name)
		b = protowire.AppendTag(b, graphOutput, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}

	return b, nil
}

func encodeNode(record LayerRecord) ([]byte, error) {
	spec := record.Spec
	var b []byte
	for _, in := range record.Inbound {
		b = appendStringField(b, nodeInput, in)
	}
	b = appendStringField(b, nodeOutput, spec.Name)
	b = appendStringField(b, nodeName, spec.Name)
	b = appendStringField(b, nodeOpType, spec.Type.String())
	for _, key := range spec.SortedParameterKeys() {
		attr, err := encodeAttribute(spec, key)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, attr)
	}
	b = appendStringField(b, nodeDomain, layerDomain)
	return b, nil
}

// encodeAttribute writes one layer parameter. Schema parameters use their
// declared kind; anything else is typed from its Go value.
func encodeAttribute(spec layers.LayerSpec, key string) ([]byte, error) {
	kind, known := layers.ParameterKind(spec.Type, key)
	if !known {
		switch spec.Parameters[key].(type) {
		case int, int32, int64:
			kind = layers.IntParam
		case float32, float64:
			kind = layers.FloatParam
		case bool:
			kind = layers.BoolParam
		case string:
			kind = layers.StringParam
		case []int, []int64, []interface{}:
			kind = layers.IntsParam
		default:
			return nil, fmt.Errorf("layer %s parameter %q has unsupported type %T", spec.Name, key, spec.Parameters[key])
		}
	}

	var b []byte
	b = appendStringField(b, attrName, key)
	switch kind {
	case layers.IntParam:
		b = appendVarintField(b, attrI, uint64(int64(spec.IntParam(key, 0))))
		b = appendVarintField(b, attrType, attrTypeInt)
	case layers.BoolParam:
		var v uint64
		if spec.BoolParam(key, false) {
			v = 1
		}
		b = appendVarintField(b, attrI, v)
		b = appendVarintField(b, attrType, attrTypeInt)
	case layers.FloatParam:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(spec.FloatParam(key, 0)))
		b = appendVarintField(b, attrType, attrTypeFloat)
	case layers.IntsParam:
		ints, ok := spec.IntsParam(key)
		if !ok {
			return nil, fmt.Errorf("layer %s parameter %q is not an integer list", spec.Name, key)
		}
		for _, v := range ints {
			b = appendVarintField(b, attrInts, uint64(int64(v)))
		}
		b = appendVarintField(b, attrType, attrTypeInts)
	case layers.StringParam:
		s, _ := spec.Parameters[key].(string)
		b = protowire.AppendTag(b, attrS, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(s))
		b = appendVarintField(b, attrType, attrTypeString)
	}
	return b, nil
}

func encodeTensor(w WeightTensor) []byte {
	var b []byte
	for _, d := range w.Shape {
		b = appendVarintField(b, tensorDims, uint64(int64(d)))
	}
	b = appendVarintField(b, tensorDataType, dataTypeFloat)
	b = appendStringField(b, tensorName, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, f := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	var batch []byte
	batch = appendStringField(batch, dimParam, batchDimParam)
	dims = protowire.AppendTag(dims, shapeDim, protowire.BytesType)
	dims = protowire.AppendBytes(dims, batch)
	for _, d := range shape {
		var dim []byte
		dim = appendVarintField(dim, dimValue, uint64(int64(d)))
		dims = protowire.AppendTag(dims, shapeDim, protowire.BytesType)
		dims = protowire.AppendBytes(dims, dim)
	}

	var tt []byte
	tt = appendVarintField(tt, tensorElemType, dataTypeFloat)
	tt = protowire.AppendTag(tt, tensorTypeShape, protowire.BytesType)
	tt = protowire.AppendBytes(tt, dims)

	var typ []byte
	typ = protowire.AppendTag(typ, typeTensorType, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tt)

	var b []byte
	b = appendStringField(b, valueInfoName, name)
	b = protowire.AppendTag(b, valueInfoType, protowire.BytesType)
	b = protowire.AppendBytes(b, typ)
	return b
}

// ONNXImporter handles conversion of ONNX container files to checkpoints
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads an ONNX file written by ONNXExporter
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes ONNX ModelProto bytes into a checkpoint.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model")
	}

	cp := &Checkpoint{}
	var sawGraph bool
	for _, f := range fields {
		switch f.num {
		case modelProducerVersion:
			cp.Metadata.Version = string(f.bytes)
		case modelDocString:
			cp.Metadata.Description = string(f.bytes)
		case modelGraph:
			if err := oi.parseGraph(f.bytes, cp); err != nil {
				return nil, errors.Wrap(err, "failed to parse ONNX graph")
			}
			sawGraph = true
		case modelMetadataProps:
			key, value, err := parseEntry(f.bytes)
			if err != nil {
				return nil, errors.Wrap(err, "failed to parse ONNX metadata")
			}
			oi.applyMetadata(&cp.Metadata, key, value)
		}
	}
	if !sawGraph {
		return nil, fmt.Errorf("ONNX model has no graph")
	}
	return cp, nil
}

func (oi *ONNXImporter) applyMetadata(md *CheckpointMetadata, key, value string) {
	switch key {
	case "framework":
		md.Framework = value
	case "created_at":
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			md.CreatedAt = t
		}
	case "tags":
		md.Tags = strings.Split(value, ",")
	case "fingerprint":
		md.Fingerprint = value
	}
}

func (oi *ONNXImporter) parseGraph(data []byte, cp *Checkpoint) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}

	for _, f := range fields {
		switch f.num {
		case graphName:
			cp.Graph.Name = string(f.bytes)
		case graphInput:
			name, shape, err := parseValueInfo(f.bytes)
			if err != nil {
				return err
			}
			cp.Graph.Inputs = append(cp.Graph.Inputs, name)
			cp.Graph.Layers = append(cp.Graph.Layers, LayerRecord{
				Spec: layers.NewFactory().CreateInputSpec(shape, name),
			})
		case graphOutput:
			name, _, err := parseValueInfo(f.bytes)
			if err != nil {
				return err
			}
			cp.Graph.Outputs = append(cp.Graph.Outputs, name)
		case graphInitializer:
			w, err := parseTensor(f.bytes)
			if err != nil {
				return err
			}
			cp.Weights = append(cp.Weights, w)
		}
	}

	// Nodes after inputs so the layer list stays topological
	for _, f := range fields {
		if f.num != graphNode {
			continue
		}
		record, err := parseNode(f.bytes)
		if err != nil {
			return err
		}
		cp.Graph.Layers = append(cp.Graph.Layers, record)
	}
	return nil
}

func parseNode(data []byte) (LayerRecord, error) {
	fields, err := parseFields(data)
	if err != nil {
		return LayerRecord{}, err
	}

	record := LayerRecord{Spec: layers.LayerSpec{Parameters: map[string]interface{}{}}}
	for _, f := range fields {
		switch f.num {
		case nodeInput:
			record.Inbound = append(record.Inbound, string(f.bytes))
		case nodeName:
			record.Spec.Name = string(f.bytes)
		case nodeOpType:
			lt, err := layers.ParseLayerType(string(f.bytes))
			if err != nil {
				return LayerRecord{}, err
			}
			record.Spec.Type = lt
		case nodeAttribute:
			key, value, err := parseAttribute(f.bytes)
			if err != nil {
				return LayerRecord{}, err
			}
			record.Spec.Parameters[key] = value
		}
	}
	if record.Spec.Name == "" {
		return LayerRecord{}, fmt.Errorf("node without a name")
	}
	return record, nil
}

func parseAttribute(data []byte) (string, interface{}, error) {
	fields, err := parseFields(data)
	if err != nil {
		return "", nil, err
	}

	var (
		name   string
		typ    uint64
		f      float32
		i      int64
		s      string
		floats []float32
		ints   []int64
	)
	for _, fd := range fields {
		switch fd.num {
		case attrName:
			name = string(fd.bytes)
		case attrType:
			typ = fd.varint
		case attrF:
			f = math.Float32frombits(fd.fixed32)
		case attrI:
			i = int64(fd.varint)
		case attrS:
			s = string(fd.bytes)
		case attrFloats:
			vals, err := fd.float32s()
			if err != nil {
				return "", nil, err
			}
			floats = append(floats, vals...)
		case attrInts:
			vals, err := fd.int64s()
			if err != nil {
				return "", nil, err
			}
			ints = append(ints, vals...)
		}
	}

	switch typ {
	case attrTypeFloat:
		return name, f, nil
	case attrTypeInt:
		return name, i, nil
	case attrTypeString:
		return name, s, nil
	case attrTypeFloats:
		return name, floats, nil
	case attrTypeInts:
		if ints == nil {
			ints = []int64{}
		}
		return name, ints, nil
	default:
		return "", nil, fmt.Errorf("attribute %q has unsupported type %d", name, typ)
	}
}

func parseTensor(data []byte) (WeightTensor, error) {
	fields, err := parseFields(data)
	if err != nil {
		return WeightTensor{}, err
	}

	var w WeightTensor
	var raw []byte
	for _, f := range fields {
		switch f.num {
		case tensorDims:
			dims, err := f.int64s()
			if err != nil {
				return WeightTensor{}, err
			}
			for _, d := range dims {
				w.Shape = append(w.Shape, int(d))
			}
		case tensorDataType:
			if f.varint != dataTypeFloat {
				return WeightTensor{}, fmt.Errorf("tensor data type %d is not FLOAT", f.varint)
			}
		case tensorName:
			w.Name = string(f.bytes)
		case tensorFloatData:
			vals, err := f.float32s()
			if err != nil {
				return WeightTensor{}, err
			}
			w.Data = append(w.Data, vals...)
		case tensorRawData:
			raw = f.bytes
		}
	}

	if raw != nil {
		if len(raw)%4 != 0 {
			return WeightTensor{}, fmt.Errorf("tensor %s raw data has %d bytes", w.Name, len(raw))
		}
		w.Data = make([]float32, len(raw)/4)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}

	dot := strings.LastIndex(w.Name, ".")
	if dot <= 0 || dot == len(w.Name)-1 {
		return WeightTensor{}, fmt.Errorf("initializer %q is not named <layer>.<parameter>", w.Name)
	}
	w.Layer, w.Type = w.Name[:dot], w.Name[dot+1:]
	return w, nil
}

// parseValueInfo returns the value name and its shape without the batch
// dimension.
func parseValueInfo(data []byte) (string, []int, error) {
	fields, err := parseFields(data)
	if err != nil {
		return "", nil, err
	}

	var name string
	var shape []int
	for _, f := range fields {
		switch f.num {
		case valueInfoName:
			name = string(f.bytes)
		case valueInfoType:
			dims, err := parseTensorShape(f.bytes)
			if err != nil {
				return "", nil, err
			}
			if len(dims) > 0 {
				shape = dims[1:]
			}
		}
	}
	return name, shape, nil
}

// parseTensorShape walks TypeProto.tensor_type.shape.dim. Symbolic
// dimensions are reported as -1.
func parseTensorShape(data []byte) ([]int, error) {
	tensorType, err := nestedField(data, typeTensorType)
	if err != nil || tensorType == nil {
		return nil, err
	}
	shapeBytes, err := nestedField(tensorType, tensorTypeShape)
	if err != nil || shapeBytes == nil {
		return nil, err
	}
	fields, err := parseFields(shapeBytes)
	if err != nil {
		return nil, err
	}

	var dims []int
	for _, f := range fields {
		if f.num != shapeDim {
			continue
		}
		dimFields, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		d := -1
		for _, df := range dimFields {
			if df.num == dimValue {
				d = int(int64(df.varint))
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func parseEntry(data []byte) (string, string, error) {
	fields, err := parseFields(data)
	if err != nil {
		return "", "", err
	}
	var key, value string
	for _, f := range fields {
		switch f.num {
		case entryKey:
			key = string(f.bytes)
		case entryValue:
			value = string(f.bytes)
		}
	}
	return key, value, nil
}

// wireField is one decoded protobuf field.
type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// int64s decodes a repeated int64 field in either packed or unpacked form.
func (f wireField) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: unexpected wire type %d for int64", f.num, f.typ)
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// float32s decodes a repeated float field in either packed or unpacked form.
func (f wireField) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: unexpected wire type %d for float", f.num, f.typ)
	}
	var out []float32
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

func parseFields(b []byte) ([]wireField, error) {
	var fields []wireField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func nestedField(data []byte, num protowire.Number) ([]byte, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.num == num && f.typ == protowire.BytesType {
			return f.bytes, nil
		}
	}
	return nil, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
