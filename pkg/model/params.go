package model

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"k8s.io/examples/AI/modelexec/pkg/tensor"
)

// Parameter files are protobuf wire-format messages:
//
//	ParamsFile   { 1: version varint; 2: repeated TensorRecord }
//	TensorRecord { 1: name string; 2: dtype varint; 3: packed dims; 4: data bytes }
//
// Data is little-endian. Unknown fields are skipped.
const (
	fileVersionField protowire.Number = 1
	fileTensorField  protowire.Number = 2

	recordNameField  protowire.Number = 1
	recordDTypeField protowire.Number = 2
	recordDimsField  protowire.Number = 3
	recordDataField  protowire.Number = 4
)

type record struct {
	name  string
	dtype tensor.DType
	shape tensor.Shape
	data  []byte
}

func encodeParams(bufs []*tensor.Buffer) []byte {
	var b []byte
	b = protowire.AppendTag(b, fileVersionField, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	for _, buf := range bufs {
		b = protowire.AppendTag(b, fileTensorField, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRecord(buf))
	}
	return b
}

func encodeRecord(buf *tensor.Buffer) []byte {
	var b []byte
	b = protowire.AppendTag(b, recordNameField, protowire.BytesType)
	b = protowire.AppendString(b, buf.Name())
	b = protowire.AppendTag(b, recordDTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(buf.DType()))

	var dims []byte
	for _, d := range buf.Shape() {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, recordDimsField, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	b = protowire.AppendTag(b, recordDataField, protowire.BytesType)
	b = protowire.AppendBytes(b, buf.Bytes())
	return b
}

func decodeParams(b []byte) ([]*record, error) {
	var records []*record
	version := uint64(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fileVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			version = v
			b = b[n:]
		case num == fileTensorField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r, err := decodeRecord(v)
			if err != nil {
				return nil, fmt.Errorf("tensor record %d: %w", len(records), err)
			}
			records = append(records, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported params version %d", version)
	}
	return records, nil
}

func decodeRecord(b []byte) (*record, error) {
	r := &record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == recordNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.name = v
			b = b[n:]
		case num == recordDTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.dtype = tensor.DType(v)
			b = b[n:]
		case num == recordDimsField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				r.shape = append(r.shape, int(d))
				packed = packed[m:]
			}
			b = b[n:]
		case num == recordDimsField && typ == protowire.VarintType:
			d, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.shape = append(r.shape, int(d))
			b = b[n:]
		case num == recordDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if r.name == "" {
		return nil, errors.New("record has no name")
	}
	if r.dtype.Size() == 0 {
		return nil, fmt.Errorf("record %q has unknown dtype %d", r.name, int(r.dtype))
	}
	info := tensor.Info{Shape: r.shape, DType: r.dtype}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("record %q: %w", r.name, err)
	}
	if len(r.data) != info.ByteSize() {
		return nil, fmt.Errorf("record %q: %s needs %d bytes, got %d", r.name, info, info.ByteSize(), len(r.data))
	}
	return r, nil
}

func (r *record) array() (tensor.Array, error) {
	return tensor.FromBytes(r.dtype, r.shape, r.data)
}
