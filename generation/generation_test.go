package generation

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/gomlx/go-melody/api"
	"github.com/gomlx/go-melody/models/ngram"
	"github.com/gomlx/go-melody/vocab"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tokens of testVocab.
const (
	delimiterToken = iota
	token60
	token62
	holdToken
	restToken
	testVocabSize
)

func testVocab() *vocab.Vocabulary {
	v, err := vocab.Build([]api.Symbol{api.Delimiter, api.Pitch(60), api.Pitch(62), api.Hold, api.Rest})
	if err != nil {
		panic(err)
	}
	return v
}

func oneHot(token int) []float64 {
	p := make([]float64, testVocabSize)
	p[token] = 1
	return p
}

// recordingModel returns the output of fn for each query, and records the windows it was queried with.
type recordingModel struct {
	mu      sync.Mutex
	windows [][]int
	fn      func(call int, window []int) ([]float64, error)
}

func (m *recordingModel) VocabSize() int { return testVocabSize }

func (m *recordingModel) Query(_ context.Context, window []int) ([]float64, error) {
	m.mu.Lock()
	call := len(m.windows)
	m.windows = append(m.windows, window)
	m.mu.Unlock()
	return m.fn(call, window)
}

func (m *recordingModel) numQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func constantModel(token int) *recordingModel {
	return &recordingModel{fn: func(int, []int) ([]float64, error) { return oneHot(token), nil }}
}

func newGenerator(t *testing.T, model api.Model, options Options) *Generator {
	g, err := New(model, testVocab(), options)
	require.NoError(t, err)
	return g
}

func request(seed []api.Symbol, numSteps int) Request {
	return Request{Seed: seed, NumSteps: numSteps, MaxContextLength: 8, Temperature: 1}
}

func TestNew(t *testing.T) {
	_, err := New(constantModel(0), testVocab(), DefaultOptions())
	require.NoError(t, err)

	// Vocabulary size mismatch.
	_, err = New(api.ModelFunc{Size: 3}, testVocab(), DefaultOptions())
	assert.Error(t, err)

	// No delimiter in the vocabulary.
	noDelimiter, err := vocab.Build([]api.Symbol{api.Pitch(60), api.Hold})
	require.NoError(t, err)
	_, err = New(api.ModelFunc{Size: 2}, noDelimiter, DefaultOptions())
	assert.True(t, errors.Is(err, api.ErrUnknownSymbol))

	_, err = New(constantModel(0), testVocab(), Options{PaddingLength: -1})
	assert.Error(t, err)
	_, err = New(constantModel(0), testVocab(), Options{Policy: Policy(7)})
	assert.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, request(nil, 0).Validate())
	assert.Error(t, request(nil, -1).Validate())

	req := request(nil, 1)
	req.MaxContextLength = 0
	assert.Error(t, req.Validate())

	for _, temperature := range []float64{0, -1} {
		req = request(nil, 1)
		req.Temperature = temperature
		assert.True(t, errors.Is(req.Validate(), api.ErrInvalidTemperature))
	}
}

func TestTerminatesOnDelimiter(t *testing.T) {
	model := constantModel(delimiterToken)
	g := newGenerator(t, model, DefaultOptions())
	seed := []api.Symbol{api.Pitch(60), api.Hold}
	session, err := g.NewSession(request(seed, 10))
	require.NoError(t, err)
	assert.Equal(t, Stepping, session.State())
	assert.Equal(t, ReasonNone, session.Reason())

	result, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Terminated, session.State())
	assert.Equal(t, ReasonDelimiter, result.Reason)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, seed, result.Melody)
	assert.Equal(t, session.ID, result.SessionID)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, 1, model.numQueries())
}

func TestExhaustsBudget(t *testing.T) {
	model := constantModel(token62)
	g := newGenerator(t, model, DefaultOptions())
	seed := []api.Symbol{api.Pitch(60), api.Hold}
	result, err := g.Generate(context.Background(), request(seed, 5))
	require.NoError(t, err)
	assert.Equal(t, ReasonExhausted, result.Reason)
	assert.Equal(t, 5, result.Steps)
	require.Len(t, result.Melody, len(seed)+5)
	assert.Equal(t, seed, result.Melody[:2])
	for _, s := range result.Melody[2:] {
		assert.Equal(t, api.Pitch(62), s)
	}
	assert.Equal(t, 5, model.numQueries())
}

func TestUnboundedStepBudget(t *testing.T) {
	g := newGenerator(t, constantModel(delimiterToken), DefaultOptions())
	req := Request{Seed: []api.Symbol{api.Pitch(60)}, NumSteps: math.MaxInt, MaxContextLength: 4, Temperature: 1}
	require.NoError(t, req.Validate())
	result, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonDelimiter, result.Reason)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, []api.Symbol{api.Pitch(60)}, result.Melody)
}

func TestContextStaysBounded(t *testing.T) {
	g := newGenerator(t, constantModel(token62), DefaultOptions())
	req := request([]api.Symbol{api.Pitch(60)}, 1000)
	req.MaxContextLength = 3
	session, err := g.NewSession(req)
	require.NoError(t, err)
	for range 1000 {
		require.NoError(t, session.Step(context.Background()))
		assert.LessOrEqual(t, len(session.context), 3)
		assert.LessOrEqual(t, cap(session.context), 16)
	}
	assert.Equal(t, []int{token62, token62, token62}, session.Window())
	assert.Equal(t, ReasonExhausted, session.Reason())
	assert.Len(t, session.Output(), 1001)
}

func TestZeroSteps(t *testing.T) {
	model := constantModel(token62)
	g := newGenerator(t, model, DefaultOptions())
	session, err := g.NewSession(request([]api.Symbol{api.Rest}, 0))
	require.NoError(t, err)
	assert.Equal(t, Terminated, session.State())
	assert.Equal(t, ReasonExhausted, session.Reason())
	assert.Equal(t, []api.Symbol{api.Rest}, session.Result().Melody)
	assert.Zero(t, model.numQueries())

	err = session.Step(context.Background())
	assert.True(t, errors.Is(err, ErrTerminated))
}

func TestContextWindow(t *testing.T) {
	model := constantModel(restToken)
	g := newGenerator(t, model, Options{PaddingLength: 4})
	req := request([]api.Symbol{api.Pitch(60), api.Pitch(62)}, 3)
	req.MaxContextLength = 3
	result, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonExhausted, result.Reason)

	// Context: 4 delimiters, the seed, and then the generated rests.
	want := [][]int{
		{delimiterToken, token60, token62},
		{token60, token62, restToken},
		{token62, restToken, restToken},
	}
	assert.Equal(t, want, model.windows)
}

func TestContextShorterThanWindow(t *testing.T) {
	model := constantModel(holdToken)
	g := newGenerator(t, model, Options{PaddingLength: 2})
	req := request([]api.Symbol{api.Pitch(60)}, 2)
	req.MaxContextLength = 10
	_, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, [][]int{
		{delimiterToken, delimiterToken, token60},
		{delimiterToken, delimiterToken, token60, holdToken},
	}, model.windows)
}

func TestUnknownSeedSymbol(t *testing.T) {
	model := constantModel(token60)
	g := newGenerator(t, model, DefaultOptions())
	_, err := g.NewSession(request([]api.Symbol{api.Pitch(60), api.Pitch(70)}, 5))
	assert.True(t, errors.Is(err, api.ErrUnknownSymbol))

	result, err := g.Generate(context.Background(), request([]api.Symbol{api.Pitch(71)}, 5))
	assert.True(t, errors.Is(err, api.ErrUnknownSymbol))
	assert.Equal(t, ReasonError, result.Reason)
	assert.Zero(t, model.numQueries())
}

func TestGenerateText(t *testing.T) {
	g := newGenerator(t, constantModel(delimiterToken), DefaultOptions())
	result, err := g.GenerateText(context.Background(), "60 _ r 62", request(nil, 3))
	require.NoError(t, err)
	assert.Equal(t, []api.Symbol{api.Pitch(60), api.Hold, api.Rest, api.Pitch(62)}, result.Melody)

	_, err = g.GenerateText(context.Background(), "60 x", request(nil, 3))
	assert.True(t, errors.Is(err, api.ErrCorpusFormat))
}

func TestDegenerateDistributionAborts(t *testing.T) {
	model := &recordingModel{fn: func(call int, _ []int) ([]float64, error) {
		if call == 0 {
			return oneHot(token62), nil
		}
		return make([]float64, testVocabSize), nil
	}}
	g := newGenerator(t, model, DefaultOptions())
	session, err := g.NewSession(request([]api.Symbol{api.Pitch(60)}, 5))
	require.NoError(t, err)
	result, err := session.Run(context.Background())
	assert.True(t, errors.Is(err, api.ErrDegenerateDistribution))
	assert.Equal(t, ReasonError, result.Reason)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, []api.Symbol{api.Pitch(60), api.Pitch(62)}, result.Melody)
	assert.Equal(t, err, session.Err())
}

func TestModelFailurePolicy(t *testing.T) {
	errModel := errors.New("model is down")
	newModel := func() *recordingModel {
		return &recordingModel{fn: func(call int, _ []int) ([]float64, error) {
			if call == 2 {
				return nil, errModel
			}
			return oneHot(token60), nil
		}}
	}
	seed := []api.Symbol{api.Rest}

	g := newGenerator(t, newModel(), Options{PaddingLength: 4, Policy: KeepPartial})
	result, err := g.Generate(context.Background(), request(seed, 10))
	assert.True(t, errors.Is(err, errModel))
	assert.Equal(t, ReasonError, result.Reason)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, []api.Symbol{api.Rest, api.Pitch(60), api.Pitch(60)}, result.Melody)

	g = newGenerator(t, newModel(), Options{PaddingLength: 4, Policy: DiscardPartial})
	result, err = g.Generate(context.Background(), request(seed, 10))
	assert.True(t, errors.Is(err, errModel))
	assert.Equal(t, ReasonError, result.Reason)
	assert.Empty(t, result.Melody)
}

func TestInvalidModelOutput(t *testing.T) {
	for name, probs := range map[string][]float64{
		"short":    {1, 0},
		"negative": {0.5, 0.5, 0.5, 0, -0.5},
	} {
		t.Run(name, func(t *testing.T) {
			model := &recordingModel{fn: func(int, []int) ([]float64, error) { return probs, nil }}
			g := newGenerator(t, model, DefaultOptions())
			_, err := g.Generate(context.Background(), request(nil, 3))
			assert.True(t, errors.Is(err, api.ErrModelOutput))
		})
	}
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &recordingModel{fn: func(call int, _ []int) ([]float64, error) {
		if call == 1 {
			cancel()
		}
		return oneHot(token60), nil
	}}
	g := newGenerator(t, model, DefaultOptions())
	session, err := g.NewSession(request(nil, 10))
	require.NoError(t, err)
	result, err := session.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonError, result.Reason)
	assert.Equal(t, 2, result.Steps)
	assert.Len(t, result.Melody, 2)
	assert.Equal(t, 2, model.numQueries())

	// A cancelled context fails before querying the model.
	model = constantModel(token60)
	g = newGenerator(t, model, DefaultOptions())
	_, err = g.Generate(ctx, request(nil, 10))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, model.numQueries())
}

func fitTestModel(t *testing.T) *ngram.Model {
	v := testVocab()
	ids, err := v.Encode([]api.Symbol{
		api.Pitch(60), api.Hold, api.Pitch(62), api.Hold, api.Rest, api.Pitch(60), api.Pitch(62),
		api.Hold, api.Hold, api.Rest, api.Delimiter,
	})
	require.NoError(t, err)
	model, err := ngram.Fit(v.Size(), 0.1, ids)
	require.NoError(t, err)
	return model
}

func TestDeterministicWithRandomSeed(t *testing.T) {
	g := newGenerator(t, fitTestModel(t), DefaultOptions())
	randomSeed := uint64(42)
	req := request([]api.Symbol{api.Pitch(60)}, 32)
	req.RandomSeed = &randomSeed
	first, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Melody, second.Melody)
	assert.Equal(t, first.Reason, second.Reason)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestConcurrentSessions(t *testing.T) {
	g := newGenerator(t, fitTestModel(t), DefaultOptions())
	const numSessions = 8
	requests := make([]Request, numSessions)
	want := make([]Result, numSessions)
	for ii := range numSessions {
		randomSeed := uint64(ii)
		requests[ii] = request([]api.Symbol{api.Pitch(62)}, 20)
		requests[ii].Temperature = 0.7
		requests[ii].RandomSeed = &randomSeed
		var err error
		want[ii], err = g.Generate(context.Background(), requests[ii])
		require.NoError(t, err)
	}

	got := make([]Result, numSessions)
	errs := make([]error, numSessions)
	var wg sync.WaitGroup
	for ii := range numSessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[ii], errs[ii] = g.Generate(context.Background(), requests[ii])
		}()
	}
	wg.Wait()
	for ii := range numSessions {
		require.NoError(t, errs[ii])
		assert.Equal(t, want[ii].Melody, got[ii].Melody, "session #%d", ii)
	}
}
