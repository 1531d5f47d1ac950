package opportunity

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoringNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScore_Scenarios(t *testing.T) {
	fresh := Signals{
		CreatedAt: scoringNow.Add(-2 * time.Minute),
		Followers: 1000,
		Likes:     5,
		Reposts:   2,
	}
	stale := Signals{
		CreatedAt: scoringNow.Add(-6 * time.Hour),
		Followers: 1_000_000,
		Likes:     500,
		Reposts:   200,
	}

	tests := []struct {
		name        string
		signals     Signals
		weights     Weights
		wantRecency int
		wantImpact  int
		wantTotal   int
	}{
		{name: "fresh small author default weights", signals: fresh, weights: DefaultWeights, wantRecency: 94, wantImpact: 43, wantTotal: 73},
		{name: "fresh small author fresh weights", signals: fresh, weights: FreshWeights, wantRecency: 94, wantImpact: 43, wantTotal: 78},
		{name: "stale large author default weights", signals: stale, weights: DefaultWeights, wantRecency: 0, wantImpact: 100, wantTotal: 40},
		{name: "stale large author fresh weights", signals: stale, weights: FreshWeights, wantRecency: 0, wantImpact: 100, wantTotal: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.signals, scoringNow, tt.weights)
			assert.Equal(t, tt.wantRecency, got.Recency)
			assert.Equal(t, tt.wantImpact, got.Impact)
			assert.Equal(t, tt.wantTotal, got.Total)
		})
	}
}

func TestScore_Bounds(t *testing.T) {
	ages := []time.Duration{-time.Hour, 0, time.Minute, 30 * time.Minute, 3 * time.Hour, 72 * time.Hour}
	counts := []int{0, 1, 10, 1000, 1_000_000, math.MaxInt32}

	for _, w := range []Weights{DefaultWeights, FreshWeights} {
		for _, age := range ages {
			for _, n := range counts {
				s := Signals{CreatedAt: scoringNow.Add(-age), Followers: n, Likes: n, Reposts: n}
				got := Score(s, scoringNow, w)

				assert.GreaterOrEqual(t, got.Recency, 0)
				assert.LessOrEqual(t, got.Recency, 100)
				assert.GreaterOrEqual(t, got.Impact, 0)
				assert.LessOrEqual(t, got.Impact, 100)
				assert.GreaterOrEqual(t, got.Total, 0)
				assert.LessOrEqual(t, got.Total, 100)

				// Total is the weighted average of the components, within rounding.
				blended := w.Recency*float64(got.Recency) + w.Impact*float64(got.Impact)
				assert.InDelta(t, blended, float64(got.Total), 1.0)
			}
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := Signals{CreatedAt: scoringNow.Add(-17 * time.Minute), Followers: 250, Likes: 3}
	assert.Equal(t, Score(s, scoringNow, DefaultWeights), Score(s, scoringNow, DefaultWeights))
}

func TestScore_FutureTimestampCountsAsNow(t *testing.T) {
	s := Signals{CreatedAt: scoringNow.Add(5 * time.Minute)}
	assert.Equal(t, 100, Score(s, scoringNow, DefaultWeights).Recency)
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{name: "default", weights: DefaultWeights},
		{name: "fresh", weights: FreshWeights},
		{name: "does not sum to one", weights: Weights{Recency: 0.5, Impact: 0.4}, wantErr: true},
		{name: "negative", weights: Weights{Recency: 1.2, Impact: -0.2}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWeightsForProfile(t *testing.T) {
	w, ok := WeightsForProfile("fresh")
	require.True(t, ok)
	assert.Equal(t, FreshWeights, w)

	w, ok = WeightsForProfile("")
	require.True(t, ok)
	assert.Equal(t, DefaultWeights, w)

	_, ok = WeightsForProfile("viral")
	assert.False(t, ok)
}
