package opportunity

import (
	"fmt"
	"math"
	"time"
)

// recencyDecayMinutes is the time constant of the recency decay.
const recencyDecayMinutes = 30.0

// Scoring is the ranking of an opportunity. All values are in [0,100].
type Scoring struct {
	Recency int `json:"recency"`
	Impact  int `json:"impact"`
	Total   int `json:"total"`
}

// Weights is the pair used to blend recency and impact into a total.
type Weights struct {
	Recency float64 `yaml:"recency" json:"recency"`
	Impact  float64 `yaml:"impact" json:"impact"`
}

// Named weight profiles.
var (
	// DefaultWeights balances freshness and reach.
	DefaultWeights = Weights{Recency: 0.6, Impact: 0.4}

	// FreshWeights favors freshness.
	FreshWeights = Weights{Recency: 0.7, Impact: 0.3}
)

// WeightsForProfile returns the weights of a named profile ("default" or "fresh").
func WeightsForProfile(name string) (Weights, bool) {
	switch name {
	case "", "default":
		return DefaultWeights, true
	case "fresh":
		return FreshWeights, true
	}
	return Weights{}, false
}

// Validate checks that both weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Recency < 0 || w.Impact < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if math.Abs(w.Recency+w.Impact-1) > 1e-9 {
		return fmt.Errorf("weights must sum to 1, got %.3f", w.Recency+w.Impact)
	}
	return nil
}

// Signals are the raw inputs of the scoring function.
type Signals struct {
	CreatedAt time.Time
	Followers int
	Likes     int
	Reposts   int
}

// Score ranks a post. It is pure: the same signals, now and weights always
// produce the same result.
func Score(s Signals, now time.Time, w Weights) Scoring {
	recency := recencyScore(s.CreatedAt, now)
	impact := impactScore(s.Followers, s.Likes, s.Reposts)

	// The total blends the unrounded components.
	total := w.Recency*recency + w.Impact*impact

	return Scoring{
		Recency: clampScore(math.Round(recency)),
		Impact:  clampScore(math.Round(impact)),
		Total:   clampScore(math.Round(total)),
	}
}

func recencyScore(createdAt, now time.Time) float64 {
	ageMinutes := now.Sub(createdAt).Minutes()
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	return 100 * math.Exp(-ageMinutes/recencyDecayMinutes)
}

func impactScore(followers, likes, reposts int) float64 {
	sum := log10AtLeastOne(followers) + log10AtLeastOne(likes+1) + log10AtLeastOne(reposts+1)
	impact := 100 * sum / 10
	return math.Min(100, math.Max(0, impact))
}

func log10AtLeastOne(n int) float64 {
	return math.Log10(math.Max(1, float64(n)))
}

func clampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}
