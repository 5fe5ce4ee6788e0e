// Package ngram implements a reference probability model for melody generation: a first-order Markov
// chain over the vocabulary tokens, with add-alpha smoothing.
//
// It is fitted by counting transitions in an encoded corpus and persisted as a safetensors file with a
// "transitions" [V, V] tensor (row = previous token, column = next token) and a "prior" [V] tensor used
// for windows without history.
package ngram

import (
	"context"
	"slices"
	"strconv"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/hub"
	"github.com/gomlx/go-melody/models/safetensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensor names and metadata in the safetensors file.
const (
	TransitionsTensor = "transitions"
	PriorTensor       = "prior"
	formatKey         = "format"
	formatValue       = "melody-ngram"
	alphaKey          = "alpha"
)

// DefaultAlpha is the default additive smoothing.
const DefaultAlpha = 0.01

// Model is a first-order Markov chain over token ids. It implements api.Model.
//
// It is immutable after construction, so it can be shared by concurrent generation sessions.
type Model struct {
	vocabSize   int
	alpha       float64
	transitions []float64 // [vocabSize * vocabSize], rows normalized.
	prior       []float64 // [vocabSize], normalized.
}

// Compile time assert that Model implements api.Model.
var _ api.Model = &Model{}

// Fit counts the transitions of the token streams and returns the smoothed model.
// Each stream is counted independently: there is no transition between the end of a stream and the
// beginning of the next.
func Fit(vocabSize int, alpha float64, streams ...[]int) (*Model, error) {
	if vocabSize <= 0 {
		return nil, errors.Errorf("vocabulary size must be positive, got %d", vocabSize)
	}
	if alpha < 0 {
		return nil, errors.Errorf("smoothing alpha must be >= 0, got %g", alpha)
	}
	counts := make([]float64, vocabSize*vocabSize)
	unigrams := make([]float64, vocabSize)
	numTransitions := 0
	for _, stream := range streams {
		for ii, token := range stream {
			if token < 0 || token >= vocabSize {
				return nil, errors.Wrapf(api.ErrInvalidToken, "token %d not in [0, %d)", token, vocabSize)
			}
			unigrams[token]++
			if ii > 0 {
				counts[stream[ii-1]*vocabSize+token]++
				numTransitions++
			}
		}
	}
	klog.V(1).Infof("fitted n-gram model: vocabulary size %d, %d transitions", vocabSize, numTransitions)
	return fromCounts(vocabSize, alpha, counts, unigrams), nil
}

// FitSequences fits the model from training pairs, as built by corpus.TrainingSequences: each input
// window followed by its target token counts as one transition from the last token of the window to the
// target. The prior counts the targets.
func FitSequences(vocabSize int, alpha float64, inputs [][]int, targets []int) (*Model, error) {
	if vocabSize <= 0 {
		return nil, errors.Errorf("vocabulary size must be positive, got %d", vocabSize)
	}
	if alpha < 0 {
		return nil, errors.Errorf("smoothing alpha must be >= 0, got %g", alpha)
	}
	if len(inputs) != len(targets) {
		return nil, errors.Errorf("%d input windows for %d targets", len(inputs), len(targets))
	}
	counts := make([]float64, vocabSize*vocabSize)
	unigrams := make([]float64, vocabSize)
	for ii, window := range inputs {
		if len(window) == 0 {
			return nil, errors.Errorf("training sequence #%d is empty", ii)
		}
		previous, target := window[len(window)-1], targets[ii]
		for _, token := range []int{previous, target} {
			if token < 0 || token >= vocabSize {
				return nil, errors.Wrapf(api.ErrInvalidToken, "token %d in training sequence #%d not in [0, %d)",
					token, ii, vocabSize)
			}
		}
		unigrams[target]++
		counts[previous*vocabSize+target]++
	}
	klog.V(1).Infof("fitted n-gram model: vocabulary size %d, %d training sequences", vocabSize, len(inputs))
	return fromCounts(vocabSize, alpha, counts, unigrams), nil
}

// fromCounts smooths and normalizes transition and unigram counts.
func fromCounts(vocabSize int, alpha float64, counts, unigrams []float64) *Model {
	m := &Model{
		vocabSize:   vocabSize,
		alpha:       alpha,
		transitions: counts,
		prior:       unigrams,
	}
	normalize(m.prior, alpha, nil)
	for row := range vocabSize {
		normalize(m.transitions[row*vocabSize:(row+1)*vocabSize], alpha, m.prior)
	}
	return m
}

// normalize adds alpha to each entry and normalizes the values to sum 1.
// If there is no mass at all, it copies fallback, or uses the uniform distribution if fallback is nil.
func normalize(values []float64, alpha float64, fallback []float64) {
	var sum float64
	for ii := range values {
		values[ii] += alpha
		sum += values[ii]
	}
	if sum > 0 {
		for ii := range values {
			values[ii] /= sum
		}
		return
	}
	if fallback != nil {
		copy(values, fallback)
		return
	}
	for ii := range values {
		values[ii] = 1 / float64(len(values))
	}
}

// VocabSize implements api.Model.
func (m *Model) VocabSize() int {
	return m.vocabSize
}

// Alpha returns the additive smoothing used when fitting.
func (m *Model) Alpha() float64 {
	return m.alpha
}

// Query implements api.Model: it returns the transition distribution from the last token of the
// window, or the prior if the window is empty.
func (m *Model) Query(ctx context.Context, window []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probs := make([]float64, m.vocabSize)
	if len(window) == 0 {
		copy(probs, m.prior)
		return probs, nil
	}
	last := window[len(window)-1]
	if last < 0 || last >= m.vocabSize {
		return nil, errors.Wrapf(api.ErrInvalidToken, "token %d not in [0, %d)", last, m.vocabSize)
	}
	copy(probs, m.transitions[last*m.vocabSize:(last+1)*m.vocabSize])
	return probs, nil
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(v)
	}
	return out
}

// Save writes the model as a safetensors file.
func (m *Model) Save(filePath string) error {
	return safetensors.WriteFile(filePath, []safetensors.Float32Tensor{
		{Name: TransitionsTensor, Shape: []int{m.vocabSize, m.vocabSize}, Values: toFloat32(m.transitions)},
		{Name: PriorTensor, Shape: []int{m.vocabSize}, Values: toFloat32(m.prior)},
	}, map[string]string{
		formatKey: formatValue,
		alphaKey:  strconv.FormatFloat(m.alpha, 'g', -1, 64),
	})
}

// Load reads a model saved with Save from a local file.
func Load(filePath string) (*Model, error) {
	reader, err := safetensors.OpenMMapReader(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	m, err := fromReader(reader)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading n-gram model from %q", filePath)
	}
	return m, nil
}

// LoadFromRepo loads the model from the given safetensors file of the repository. If filename is empty,
// the first .safetensors file of the repository is used.
func LoadFromRepo(repo *hub.Repo, filename string) (*Model, error) {
	st := safetensors.NewEmpty(repo)
	st.Filename = filename
	if err := st.Load(); err != nil {
		return nil, err
	}
	reader, err := st.NewMMapReader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	m, err := fromReader(reader)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading n-gram model from %s", repo)
	}
	return m, nil
}

func fromReader(reader *safetensors.MMapReader) (*Model, error) {
	if format := reader.Header.Metadata[formatKey]; format != formatValue {
		return nil, errors.Errorf("unexpected model format %q, expected %q", format, formatValue)
	}
	alpha, err := strconv.ParseFloat(reader.Header.Metadata[alphaKey], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s metadata", alphaKey)
	}
	transitions, shape, err := readFloat32(reader, TransitionsTensor)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[0] != shape[1] || shape[0] == 0 {
		return nil, errors.Errorf("tensor %s must have shape [V, V], got %v", TransitionsTensor, shape)
	}
	vocabSize := shape[0]
	prior, shape, err := readFloat32(reader, PriorTensor)
	if err != nil {
		return nil, err
	}
	if len(shape) != 1 || shape[0] != vocabSize {
		return nil, errors.Errorf("tensor %s must have shape [%d], got %v", PriorTensor, vocabSize, shape)
	}

	// Rows are renormalized in float64, float32 storage doesn't sum exactly to 1.
	m := &Model{vocabSize: vocabSize, alpha: alpha, transitions: transitions, prior: prior}
	normalize(m.prior, 0, nil)
	for row := range vocabSize {
		normalize(m.transitions[row*vocabSize:(row+1)*vocabSize], 0, m.prior)
	}
	return m, nil
}

// readFloat32 reads the named tensor and returns its flat values and dimensions. It must be a Float32
// tensor.
func readFloat32(reader *safetensors.MMapReader, name string) ([]float64, []int, error) {
	t, err := reader.ReadTensor(name)
	if err != nil {
		return nil, nil, err
	}
	if t.DType() != dtypes.Float32 {
		return nil, nil, errors.Errorf("tensor %s has dtype %s, expected %s", name, t.DType(), dtypes.Float32)
	}
	var values []float64
	t.ConstFlatData(func(flat any) {
		values = toFloat64(flat.([]float32))
	})
	return values, slices.Clone(t.Shape().Dimensions), nil
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}
