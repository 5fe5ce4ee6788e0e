package safetensors

import (
	"io"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader reads tensors from a memory-mapped safetensors file. It is safe for concurrent reads.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// NewMMapReader opens the model file for reading. Close it when done.
func (m *Model) NewMMapReader() (*MMapReader, error) {
	if m.Header == nil {
		return nil, errors.New("safetensors model header not loaded, call Model.Load first")
	}
	reader, err := mmap.Open(m.localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %q", m.localPath)
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: m.dataOffset,
		Header:     m.Header,
	}, nil
}

// OpenMMapReader opens a local safetensors file for reading. Close it when done.
func OpenMMapReader(localPath string) (*MMapReader, error) {
	header, dataOffset, err := parseHeader(localPath)
	if err != nil {
		return nil, err
	}
	reader, err := mmap.Open(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %q", localPath)
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: dataOffset,
		Header:     header,
	}, nil
}

// Close unmaps the file. Tensors already read stay valid.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

func (mr *MMapReader) metadata(tensorName string) (*TensorMetadata, error) {
	meta, ok := mr.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("no tensor %q in the file", tensorName)
	}
	if meta.DataOffsets[0] < 0 || meta.DataOffsets[1] < meta.DataOffsets[0] ||
		mr.dataOffset+meta.DataOffsets[1] > int64(mr.reader.Len()) {
		return nil, errors.Errorf("tensor %s has invalid data offsets %v", tensorName, meta.DataOffsets)
	}
	return meta, nil
}

// ReadTensor copies the named tensor into a new GoMLX tensor of the same dtype and shape.
func (mr *MMapReader) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, err := mr.metadata(tensorName)
	if err != nil {
		return nil, err
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))

	tensorOffset := mr.dataOffset + meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		if int64(len(data)) != meta.SizeBytes() {
			readErr = errors.Errorf("tensor shape %s expected %d bytes, but file has %d bytes", t.Shape(), len(data), meta.SizeBytes())
			return
		}
		_, readErr = mr.reader.ReadAt(data, tensorOffset)
		if readErr == io.EOF {
			readErr = nil
		} else if readErr != nil {
			readErr = errors.Wrapf(readErr, "failed to read tensor %s", tensorName)
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// GetTensor loads a tensor from the model file as a GoMLX tensor.
func (m *Model) GetTensor(tensorName string) (*TensorAndName, error) {
	reader, err := m.NewMMapReader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	tensor, err := reader.ReadTensor(tensorName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s from %s", tensorName, m.Filename)
	}
	return &TensorAndName{Name: tensorName, Tensor: tensor}, nil
}

// IterTensors returns an iterator over all tensors of the model, in file offset order.
func (m *Model) IterTensors() func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		reader, err := m.NewMMapReader()
		if err != nil {
			yield(TensorAndName{}, err)
			return
		}
		defer func() { _ = reader.Close() }()
		for _, tensorName := range sortTensorsByOffset(m.Header) {
			tensor, err := reader.ReadTensor(tensorName)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			if !yield(TensorAndName{Name: tensorName, Tensor: tensor}, nil) {
				return
			}
		}
	}
}

// sortTensorsByOffset returns the tensor names sorted by their file offset, for sequential reading.
func sortTensorsByOffset(header *Header) []string {
	names := make([]string, 0, len(header.Tensors))
	for name := range header.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		oa, ob := header.Tensors[a].DataOffsets[0], header.Tensors[b].DataOffsets[0]
		switch {
		case oa < ob:
			return -1
		case oa > ob:
			return 1
		}
		return 0
	})
	return names
}
