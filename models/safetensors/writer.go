package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Float32Tensor is a named float32 tensor to be written, with its values in row-major order.
type Float32Tensor struct {
	Name   string
	Shape  []int
	Values []float32
}

// Write writes the tensors, in the given order, and the string metadata as a safetensors stream.
func Write(w io.Writer, tensorsToWrite []Float32Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensorsToWrite)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensorsToWrite {
		if t.Name == metadataKey {
			return errors.Errorf("tensor name %q is reserved", metadataKey)
		}
		if _, found := header[t.Name]; found {
			return errors.Errorf("duplicate tensor name %q", t.Name)
		}
		meta := TensorMetadata{Dtype: "F32", Shape: append([]int{}, t.Shape...)}
		if n := meta.NumElements(); n != int64(len(t.Values)) {
			return errors.Errorf("tensor %q has shape %v (%d elements) but %d values", t.Name, t.Shape, n, len(t.Values))
		}
		size := int64(len(t.Values)) * 4
		meta.DataOffsets = [2]int64{offset, offset + size}
		header[t.Name] = meta
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// Pad the header with spaces so the data section is 8-bytes aligned.
	if pad := (8 - len(headerBytes)%8) % 8; pad > 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, pad)...)
	}

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(headerBytes)))
	if _, err := w.Write(sizeBytes[:]); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	buf := make([]byte, 4)
	for _, t := range tensorsToWrite {
		for _, v := range t.Values {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return errors.Wrapf(err, "failed to write tensor %q", t.Name)
			}
		}
	}
	return nil
}

// WriteFile writes the tensors to filePath, see Write. The file is written to a temporary file and
// then renamed, so readers never see a partially written file.
func WriteFile(filePath string, tensorsToWrite []Float32Tensor, metadata map[string]string) error {
	tmpPath := filePath + ".writing"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, tensorsToWrite, metadata); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err := os.Rename(tmpPath, filepath.Clean(filePath)); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, filePath)
	}
	return nil
}
