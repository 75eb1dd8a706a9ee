package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Minimal ONNX message set (onnx.proto, IR version 7). Only the fields this
// package reads or writes are modelled; unknown fields are skipped on decode.

const (
	onnxFloat = 1 // TensorProto.DataType FLOAT

	attrFloat = 1 // AttributeProto.AttributeType
	attrInt   = 2
	attrInts  = 7
)

type onnxModel struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           onnxGraph
	Opsets          []onnxOpset
	Metadata        []onnxEntry
}

type onnxOpset struct {
	Domain  string
	Version int64
}

type onnxEntry struct {
	Key   string
	Value string
}

type onnxGraph struct {
	Name         string
	Nodes        []onnxNode
	Initializers []onnxTensor
	Inputs       []onnxValueInfo
	Outputs      []onnxValueInfo
}

type onnxNode struct {
	Inputs  []string
	Outputs []string
	Name    string
	OpType  string
	Attrs   []onnxAttr
}

type onnxAttr struct {
	Name string
	Type int64
	F    float32
	I    int64
	Ints []int64
}

type onnxTensor struct {
	Dims     []int64
	DataType int64
	Name     string
	Data     []float32
}

type onnxValueInfo struct {
	Name     string
	ElemType int64
	Dims     []onnxDim
}

type onnxDim struct {
	Value int64
	Param string
}

// Encoding

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (m *onnxModel) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	b = appendMessage(b, 7, m.Graph.marshal())
	for _, o := range m.Opsets {
		var ob []byte
		ob = appendString(ob, 1, o.Domain)
		ob = appendVarint(ob, 2, o.Version)
		b = appendMessage(b, 8, ob)
	}
	for _, e := range m.Metadata {
		var eb []byte
		eb = appendString(eb, 1, e.Key)
		eb = appendString(eb, 2, e.Value)
		b = appendMessage(b, 14, eb)
	}
	return b
}

func (g *onnxGraph) marshal() []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendMessage(b, 1, g.Nodes[i].marshal())
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, g.Initializers[i].marshal())
	}
	for i := range g.Inputs {
		b = appendMessage(b, 11, g.Inputs[i].marshal())
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, g.Outputs[i].marshal())
	}
	return b
}

func (n *onnxNode) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attrs {
		b = appendMessage(b, 5, n.Attrs[i].marshal())
	}
	return b
}

func (a *onnxAttr) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = appendVarint(b, 3, a.I)
	case attrInts:
		for _, v := range a.Ints {
			b = appendVarint(b, 8, v)
		}
	}
	b = appendVarint(b, 20, a.Type)
	return b
}

func (t *onnxTensor) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, 1, d)
	}
	b = appendVarint(b, 2, t.DataType)
	b = appendString(b, 8, t.Name)
	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func (v *onnxValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var db []byte
		if d.Param != "" {
			db = appendString(db, 2, d.Param)
		} else {
			db = appendVarint(db, 1, d.Value)
		}
		shape = appendMessage(shape, 1, db)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, v.ElemType)
	tensorType = appendMessage(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessage(typeProto, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	return appendMessage(b, 2, typeProto)
}

// Decoding

// walkFields calls fn for every field in b. fn returns the number of bytes
// it consumed from rest, or 0 to have the field skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, rest []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed field tag")
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return errors.Wrapf(protowire.ParseError(used), "malformed field %d", num)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errors.Wrap(protowire.ParseError(n), "malformed length-delimited field")
	}
	return v, n, nil
}

func consumeVarint(b []byte) (int64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, errors.Wrap(protowire.ParseError(n), "malformed varint")
	}
	return int64(v), n, nil
}

// consumeInt64s reads a repeated int64 field in either packed or
// unpacked encoding.
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(b)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, v)
		return n, nil
	}
	packed, n, err := consumeBytes(b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m, err := consumeVarint(packed)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, v)
		packed = packed[m:]
	}
	return n, nil
}

func unmarshalModel(b []byte) (*onnxModel, error) {
	m := &onnxModel{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(rest)
			m.IRVersion = v
			return n, err
		case num == 5 && typ == protowire.VarintType:
			v, n, err := consumeVarint(rest)
			m.ModelVersion = v
			return n, err
		case typ != protowire.BytesType:
			return 0, nil
		}
		v, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		switch num {
		case 2:
			m.ProducerName = string(v)
		case 3:
			m.ProducerVersion = string(v)
		case 4:
			m.Domain = string(v)
		case 6:
			m.DocString = string(v)
		case 7:
			err = m.Graph.unmarshal(v)
		case 8:
			var o onnxOpset
			err = walkFields(v, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
				if num == 1 && typ == protowire.BytesType {
					s, n, err := consumeBytes(rest)
					o.Domain = string(s)
					return n, err
				}
				if num == 2 && typ == protowire.VarintType {
					ver, n, err := consumeVarint(rest)
					o.Version = ver
					return n, err
				}
				return 0, nil
			})
			m.Opsets = append(m.Opsets, o)
		case 14:
			var e onnxEntry
			err = walkFields(v, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
				if typ != protowire.BytesType {
					return 0, nil
				}
				s, n, err := consumeBytes(rest)
				switch num {
				case 1:
					e.Key = string(s)
				case 2:
					e.Value = string(s)
				}
				return n, err
			})
			m.Metadata = append(m.Metadata, e)
		}
		return n, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model")
	}
	return m, nil
}

func (g *onnxGraph) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			var node onnxNode
			err = node.unmarshal(v)
			g.Nodes = append(g.Nodes, node)
		case 2:
			g.Name = string(v)
		case 5:
			var t onnxTensor
			err = t.unmarshal(v)
			g.Initializers = append(g.Initializers, t)
		case 11, 12:
			var vi onnxValueInfo
			err = vi.unmarshal(v)
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
		}
		return n, err
	})
}

func (nd *onnxNode) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			nd.Inputs = append(nd.Inputs, string(v))
		case 2:
			nd.Outputs = append(nd.Outputs, string(v))
		case 3:
			nd.Name = string(v)
		case 4:
			nd.OpType = string(v)
		case 5:
			var a onnxAttr
			err = a.unmarshal(v)
			nd.Attrs = append(nd.Attrs, a)
		}
		return n, err
	})
}

func (a *onnxAttr) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(rest)
			a.Name = string(v)
			return n, err
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(rest)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarint(rest)
			a.I = v
			return n, err
		case num == 8:
			return consumeInt64s(typ, rest, &a.Ints)
		case num == 20 && typ == protowire.VarintType:
			v, n, err := consumeVarint(rest)
			a.Type = v
			return n, err
		}
		return 0, nil
	})
}

func (t *onnxTensor) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		switch {
		case num == 1:
			return consumeInt64s(typ, rest, &t.Dims)
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(rest)
			t.DataType = v
			return n, err
		case num == 4 && typ == protowire.BytesType:
			packed, n, err := consumeBytes(rest)
			if err != nil {
				return 0, err
			}
			t.Data = append(t.Data, decodeFloats(packed)...)
			return n, nil
		case num == 4 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(rest)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			t.Data = append(t.Data, math.Float32frombits(v))
			return n, nil
		case num == 8 && typ == protowire.BytesType:
			v, n, err := consumeBytes(rest)
			t.Name = string(v)
			return n, err
		case num == 9 && typ == protowire.BytesType:
			raw, n, err := consumeBytes(rest)
			if err != nil {
				return 0, err
			}
			if len(raw)%4 != 0 {
				return 0, errors.Errorf("raw_data length %d is not a multiple of 4", len(raw))
			}
			t.Data = decodeFloats(raw)
			return n, nil
		}
		return 0, nil
	})
}

func decodeFloats(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

func (v *onnxValueInfo) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		data, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			v.Name = string(data)
		case 2:
			err = v.unmarshalType(data)
		}
		return n, err
	})
}

// unmarshalType reads TypeProto.tensor_type.{elem_type, shape.dim[]}.
func (v *onnxValueInfo) unmarshalType(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		tensorType, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		err = walkFields(tensorType, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				et, n, err := consumeVarint(rest)
				v.ElemType = et
				return n, err
			case num == 2 && typ == protowire.BytesType:
				shape, n, err := consumeBytes(rest)
				if err != nil {
					return 0, err
				}
				return n, v.unmarshalShape(shape)
			}
			return 0, nil
		})
		return n, err
	})
}

func (v *onnxValueInfo) unmarshalShape(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		dimBytes, n, err := consumeBytes(rest)
		if err != nil {
			return 0, err
		}
		var d onnxDim
		err = walkFields(dimBytes, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				val, n, err := consumeVarint(rest)
				d.Value = val
				return n, err
			case num == 2 && typ == protowire.BytesType:
				s, n, err := consumeBytes(rest)
				d.Param = string(s)
				return n, err
			}
			return 0, nil
		})
		v.Dims = append(v.Dims, d)
		return n, err
	})
}
