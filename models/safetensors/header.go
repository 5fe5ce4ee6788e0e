package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Limits on the JSON header, to fail fast on files that aren't safetensors.
const (
	headerSizeBytes = 8
	maxHeaderSize   = 100 << 20
)

// metadataKey is the reserved header entry holding free-form string metadata.
const metadataKey = "__metadata__"

// Header of a safetensors file: an 8 bytes little-endian length followed by a JSON object with one
// entry per tensor, plus the optional "__metadata__" string map.
type Header struct {
	Tensors  map[string]*TensorMetadata
	Metadata map[string]string
}

// TensorMetadata locates one tensor in the data section.
type TensorMetadata struct {
	Name  string `json:"-"`
	Dtype string `json:"dtype"`
	Shape []int  `json:"shape"`

	// DataOffsets is the [begin, end) byte range relative to the start of the data section.
	DataOffsets [2]int64 `json:"data_offsets"`
}

// NumElements returns the product of the dimensions.
func (tm *TensorMetadata) NumElements() int64 {
	n := int64(1)
	for _, dim := range tm.Shape {
		n *= int64(dim)
	}
	return n
}

// SizeBytes returns the length of the tensor's byte range.
func (tm *TensorMetadata) SizeBytes() int64 {
	return tm.DataOffsets[1] - tm.DataOffsets[0]
}

// parseHeader reads the header of the file and checks that every tensor's byte range lies within the
// file. It returns the header and the file offset of the data section.
func parseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, errors.Wrapf(err, "stat %q", path)
	}
	header, dataOffset, err := readHeader(f)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "file %q", path)
	}
	dataSize := info.Size() - dataOffset
	for name, tm := range header.Tensors {
		if tm.DataOffsets[0] < 0 || tm.DataOffsets[0] > tm.DataOffsets[1] || tm.DataOffsets[1] > dataSize {
			return nil, 0, errors.Errorf("file %q: tensor %q has byte range %v outside of the %d bytes of data",
				path, name, tm.DataOffsets, dataSize)
		}
	}
	return header, dataOffset, nil
}

func readHeader(r io.Reader) (*Header, int64, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, 0, errors.Wrap(err, "reading header length")
	}
	if size > maxHeaderSize {
		return nil, 0, errors.Errorf("header length %d is larger than the %d bytes limit", size, maxHeaderSize)
	}
	encoded := make([]byte, size)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, 0, errors.Wrap(err, "reading header")
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &entries); err != nil {
		return nil, 0, errors.Wrap(err, "decoding header")
	}
	header := &Header{
		Tensors:  make(map[string]*TensorMetadata, len(entries)),
		Metadata: make(map[string]string),
	}
	for name, entry := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(entry, &header.Metadata); err != nil {
				return nil, 0, errors.Wrapf(err, "decoding %s", metadataKey)
			}
			continue
		}
		tm := &TensorMetadata{Name: name}
		if err := json.Unmarshal(entry, tm); err != nil {
			return nil, 0, errors.Wrapf(err, "decoding entry of tensor %q", name)
		}
		header.Tensors[name] = tm
	}
	return header, headerSizeBytes + int64(size), nil
}

// gomlxDTypes maps the safetensors dtypes used by melody models to GoMLX.
var gomlxDTypes = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"F16":  dtypes.Float16,
	"BF16": dtypes.BFloat16,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

func dtypeToGoMLX(name string) (dtypes.DType, error) {
	dtype, found := gomlxDTypes[name]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("safetensors dtype %q not supported", name)
	}
	return dtype, nil
}
