package sampler

import (
	"math"
	"testing"

	"github.com/gomlx/go-melody/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReweightIdentityAtTemperatureOne(t *testing.T) {
	p := []float64{0.25, 0.25, 0.25, 0.25}
	got, err := Reweight(p, 1.0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, p, got, 1e-12)

	p = []float64{0.1, 0.6, 0.3}
	got, err = Reweight(p, 1.0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, p, got, 1e-12)
}

func TestReweightTemperature(t *testing.T) {
	p := []float64{0.1, 0.7, 0.2}

	cold, err := Reweight(p, 0.0001)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1, 0}, cold, 1e-12)

	// Subnormal temperature.
	frozen, err := Reweight(p, 1e-310)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0}, frozen)

	hot, err := Reweight(p, 1000)
	require.NoError(t, err)
	for _, v := range hot {
		assert.InDelta(t, 1.0/3, v, 0.01)
	}

	half, err := Reweight(p, 0.5)
	require.NoError(t, err)
	// p^2 renormalized.
	sum := 0.01 + 0.49 + 0.04
	assert.InDeltaSlice(t, []float64{0.01 / sum, 0.49 / sum, 0.04 / sum}, half, 1e-12)
}

func TestReweightZeroEntries(t *testing.T) {
	got, err := Reweight([]float64{0, 0.5, 0, 0.5}, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0, 0.5}, got, 1e-12)
}

func TestReweightErrors(t *testing.T) {
	for _, temperature := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := Reweight([]float64{0.5, 0.5}, temperature)
		assert.True(t, errors.Is(err, api.ErrInvalidTemperature), "temperature %g: got %v", temperature, err)
	}
	for name, p := range map[string][]float64{
		"empty":    nil,
		"all zero": {0, 0, 0},
		"negative": {0.5, -0.1, 0.6},
		"nan":      {math.NaN(), 1},
	} {
		_, err := Reweight(p, 1)
		assert.True(t, errors.Is(err, api.ErrDegenerateDistribution), "%s: got %v", name, err)
	}

	s := New(WithSeed(1))
	_, err := s.Sample([]float64{0, 0}, 1)
	assert.True(t, errors.Is(err, api.ErrDegenerateDistribution))
	_, err = s.Sample([]float64{1}, 0)
	assert.True(t, errors.Is(err, api.ErrInvalidTemperature))
}

func TestSampleNearZeroTemperatureIsArgmax(t *testing.T) {
	s := New(WithSeed(42))
	p := []float64{0.1, 0.7, 0.2}
	const trials = 10000
	hits := 0
	for range trials {
		idx, err := s.Sample(p, 0.0001)
		require.NoError(t, err)
		if idx == 1 {
			hits++
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/trials, 0.999)
	assert.Equal(t, 1, Argmax(p))
}

func TestSampleFollowsDistribution(t *testing.T) {
	s := New(WithSeed(7))
	p := []float64{0.25, 0.25, 0.25, 0.25}
	const trials = 40000
	counts := make([]int, len(p))
	for range trials {
		idx, err := s.Sample(p, 1.0)
		require.NoError(t, err)
		counts[idx]++
	}
	for ii, c := range counts {
		assert.InDelta(t, p[ii], float64(c)/trials, 0.015, "index %d", ii)
	}
}

func TestSampleNeverPicksZeroMass(t *testing.T) {
	s := New()
	p := []float64{0, 0.3, 0, 0.7, 0}
	for range 1000 {
		idx, err := s.Sample(p, 2.0)
		require.NoError(t, err)
		assert.Contains(t, []int{1, 3}, idx)
	}
}

func TestSeedIsDeterministic(t *testing.T) {
	p := []float64{0.2, 0.3, 0.5}
	a, b := New(WithSeed(3)), New(WithSeed(3))
	for range 100 {
		x, err := a.Sample(p, 1)
		require.NoError(t, err)
		y, err := b.Sample(p, 1)
		require.NoError(t, err)
		require.Equal(t, x, y)
	}
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, -1, Argmax(nil))
	assert.Equal(t, 0, Argmax([]float64{0.5, 0.5}))
	assert.Equal(t, 2, Argmax([]float64{0.1, 0.2, 0.7}))
}
