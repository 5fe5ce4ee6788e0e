// Package safetensors reads and writes model weights in the safetensors format.
//
// Tensors are read through a memory-mapped file and returned as GoMLX tensors, or as plain float32
// slices for models evaluated directly in Go:
//
//	weights, err := safetensors.New(hub.NewLocal("./folk-melodies"))
//	if err != nil {
//		return err
//	}
//	transitions, err := weights.GetTensor("transitions")
package safetensors

import (
	"slices"
	"strings"

	"github.com/gomlx/go-melody/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultFilename of the model weights in a repository.
const DefaultFilename = "model.safetensors"

// Model represents the weights of a model stored in a single safetensors file of a repository.
type Model struct {
	Repo     *hub.Repo
	Filename string
	Header   *Header

	localPath  string
	dataOffset int64
}

// New creates a Model from the repository's DefaultFilename, and loads its header.
func New(repo *hub.Repo) (*Model, error) {
	return NewFromFile(repo, DefaultFilename)
}

// NewFromFile creates a Model from the given safetensors file of the repository, and loads its header.
func NewFromFile(repo *hub.Repo, filename string) (*Model, error) {
	m := NewEmpty(repo)
	m.Filename = filename
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEmpty creates an empty Model object, no header is loaded.
//
// Set Filename (or leave it empty to use the first .safetensors file of the repo) and call Model.Load().
func NewEmpty(repo *hub.Repo) *Model {
	return &Model{Repo: repo}
}

// Load downloads the safetensors file if needed and parses its header.
func (m *Model) Load() error {
	if m.Repo == nil {
		return errors.New("Repo is nil, create a Model with safetensors.New first")
	}
	if m.Filename == "" {
		for filename, err := range m.Repo.IterFileNames() {
			if err != nil {
				return err
			}
			if hasSafetensorsExt(filename) {
				m.Filename = filename
				break
			}
		}
		if m.Filename == "" {
			return errors.Errorf("no .safetensors files found in repository %s", m.Repo)
		}
	}
	if !hasSafetensorsExt(m.Filename) {
		return errors.Errorf("filename %s is not a .safetensors file", m.Filename)
	}

	localPath, err := m.Repo.DownloadFile(m.Filename)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", m.Filename)
	}
	header, dataOffset, err := parseHeader(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to parse header for %s", m.Filename)
	}
	m.Header, m.localPath, m.dataOffset = header, localPath, dataOffset
	return nil
}

func hasSafetensorsExt(filename string) bool {
	return strings.HasSuffix(filename, ".safetensors")
}

// ListTensorNames returns all tensor names in the model, sorted.
func (m *Model) ListTensorNames() []string {
	names := make([]string, 0, len(m.Header.Tensors))
	for name := range m.Header.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetTensorMetadata returns the dtype, shape and location of the named tensor, without reading it.
func (m *Model) GetTensorMetadata(tensorName string) (*TensorMetadata, error) {
	if m.Header == nil {
		return nil, errors.New("safetensors model header not loaded, call Model.Load first")
	}
	meta, ok := m.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in %s", tensorName, m.Filename)
	}
	return meta, nil
}

// TensorAndName is a tensor read from the file, with its name.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}
