// Package scoring implements multi-objective routing optimization over
// {cost, latency, quality, carbon}: Pareto frontier analysis, weighted
// scalarization, and frontier selection strategies. The scorer is a
// decision combinator, not a learning algorithm.
package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/atp-network/atp-router/internal/infra/observability"
)

// ─── Objective Vector ───────────────────────────────────────────────────────

// ObjectiveVector is a point in multi-objective space. Cost, latency and
// carbon intensity are minimized; quality score is maximized.
type ObjectiveVector struct {
	Cost            float64 `json:"cost"`             // USD
	Latency         float64 `json:"latency"`          // milliseconds
	QualityScore    float64 `json:"quality_score"`    // 0..1
	CarbonIntensity float64 `json:"carbon_intensity"` // gCO2e/kWh
}

// Validate enforces the axis bounds.
func (v ObjectiveVector) Validate() error {
	if v.QualityScore < 0 || v.QualityScore > 1 {
		return fmt.Errorf("quality score must be between 0.0 and 1.0, got %v", v.QualityScore)
	}
	if v.Cost < 0 {
		return fmt.Errorf("cost must be non-negative, got %v", v.Cost)
	}
	if v.Latency < 0 {
		return fmt.Errorf("latency must be non-negative, got %v", v.Latency)
	}
	if v.CarbonIntensity < 0 {
		return fmt.Errorf("carbon intensity must be non-negative, got %v", v.CarbonIntensity)
	}
	return nil
}

// Dominates reports Pareto dominance: better or equal on every axis and
// strictly better on at least one.
func (v ObjectiveVector) Dominates(other ObjectiveVector) bool {
	betterOrEqual := v.Cost <= other.Cost &&
		v.Latency <= other.Latency &&
		v.CarbonIntensity <= other.CarbonIntensity &&
		v.QualityScore >= other.QualityScore

	strictlyBetter := v.Cost < other.Cost ||
		v.Latency < other.Latency ||
		v.QualityScore > other.QualityScore ||
		v.CarbonIntensity < other.CarbonIntensity

	return betterOrEqual && strictlyBetter
}

// DistanceTo is the Euclidean distance between vectors, negating the
// quality axis for metric consistency with the minimize axes.
func (v ObjectiveVector) DistanceTo(other ObjectiveVector) float64 {
	return math.Sqrt(
		(v.Cost-other.Cost)*(v.Cost-other.Cost) +
			(v.Latency-other.Latency)*(v.Latency-other.Latency) +
			(-v.QualityScore+other.QualityScore)*(-v.QualityScore+other.QualityScore) +
			(v.CarbonIntensity-other.CarbonIntensity)*(v.CarbonIntensity-other.CarbonIntensity))
}

// ─── Options ────────────────────────────────────────────────────────────────

// ScoredOption is a routing candidate with its objectives and metadata.
type ScoredOption struct {
	OptionID    string          `json:"option_id"`
	Objectives  ObjectiveVector `json:"objectives"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	ScalarScore float64         `json:"scalar_score"`
}

// SelectionStrategy picks one option from a Pareto frontier.
type SelectionStrategy string

const (
	SelectFirst          SelectionStrategy = "first"
	SelectRandom         SelectionStrategy = "random"
	SelectClosestToIdeal SelectionStrategy = "closest_to_ideal"
)

// ─── Weights & Bounds ───────────────────────────────────────────────────────

// Weights configures the scalarization balance. They must sum to 1.0.
type Weights struct {
	Cost            float64
	Latency         float64
	QualityScore    float64
	CarbonIntensity float64
}

// DefaultWeights balances all four objectives equally.
func DefaultWeights() Weights {
	return Weights{Cost: 0.25, Latency: 0.25, QualityScore: 0.25, CarbonIntensity: 0.25}
}

// Validate checks range and sum.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Cost, w.Latency, w.QualityScore, w.CarbonIntensity} {
		if v < 0 || v > 1 {
			return fmt.Errorf("all weights must be between 0 and 1")
		}
	}
	if math.Abs(w.Cost+w.Latency+w.QualityScore+w.CarbonIntensity-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0")
	}
	return nil
}

// Bounds are the normalization references for scalarization.
type Bounds struct {
	MaxCost    float64 // USD
	MaxLatency float64 // milliseconds
	MaxCarbon  float64 // gCO2e/kWh
}

// DefaultBounds preserves the calibrated reference bounds.
func DefaultBounds() Bounds {
	return Bounds{MaxCost: 10.0, MaxLatency: 5000.0, MaxCarbon: 1000.0}
}

// ─── Scorer ─────────────────────────────────────────────────────────────────

// Scorer is the multi-objective scoring engine.
type Scorer struct {
	weights Weights
	bounds  Bounds
	rng     *rand.Rand
}

// NewScorer creates a scorer with default weights and bounds.
func NewScorer() *Scorer {
	return &Scorer{
		weights: DefaultWeights(),
		bounds:  DefaultBounds(),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// SetWeights replaces the scalarization weights.
func (s *Scorer) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.weights = w
	return nil
}

// SetBounds replaces the normalization bounds.
func (s *Scorer) SetBounds(b Bounds) { s.bounds = b }

// ScalarScore computes the weighted scalar score, normalized so higher
// is better.
func (s *Scorer) ScalarScore(v ObjectiveVector) float64 {
	costNorm := math.Max(0, 1-v.Cost/s.bounds.MaxCost)
	latencyNorm := math.Max(0, 1-v.Latency/s.bounds.MaxLatency)
	qualityNorm := v.QualityScore
	carbonNorm := math.Max(0, 1-v.CarbonIntensity/s.bounds.MaxCarbon)

	return s.weights.Cost*costNorm +
		s.weights.Latency*latencyNorm +
		s.weights.QualityScore*qualityNorm +
		s.weights.CarbonIntensity*carbonNorm
}

// ParetoFrontier filters options down to the non-dominated set.
func (s *Scorer) ParetoFrontier(options []ScoredOption) []ScoredOption {
	if len(options) == 0 {
		return nil
	}

	var frontier []ScoredOption
	for _, candidate := range options {
		dominated := false
		for _, member := range frontier {
			if member.Objectives.Dominates(candidate.Objectives) {
				dominated = true
				observability.ParetoDominated.Inc()
				break
			}
		}
		if dominated {
			continue
		}
		kept := frontier[:0]
		for _, member := range frontier {
			if !candidate.Objectives.Dominates(member.Objectives) {
				kept = append(kept, member)
			}
		}
		frontier = append(kept, candidate)
	}

	observability.FrontierSize.Observe(float64(len(frontier)))
	return frontier
}

// ScoreOptions scores options: the Pareto frontier when usePareto,
// otherwise scalar-scored options sorted best first.
func (s *Scorer) ScoreOptions(options []ScoredOption, usePareto bool) []ScoredOption {
	observability.ScoringInvocations.Inc()
	if len(options) == 0 {
		return nil
	}
	if usePareto {
		return s.ParetoFrontier(options)
	}

	scored := append([]ScoredOption(nil), options...)
	for i := range scored {
		scored[i].ScalarScore = s.ScalarScore(scored[i].Objectives)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].ScalarScore > scored[j].ScalarScore
	})
	return scored
}

// SelectBest picks a single option: highest scalar score under
// scalarization, or the strategy's pick from the Pareto frontier.
func (s *Scorer) SelectBest(options []ScoredOption, usePareto bool, strategy SelectionStrategy) (ScoredOption, error) {
	if len(options) == 0 {
		return ScoredOption{}, fmt.Errorf("no options provided")
	}
	scored := s.ScoreOptions(options, usePareto)
	if !usePareto {
		return scored[0], nil
	}

	switch strategy {
	case SelectFirst, "":
		return scored[0], nil
	case SelectRandom:
		return scored[s.rng.Intn(len(scored))], nil
	case SelectClosestToIdeal:
		ideal := ObjectiveVector{Cost: 0, Latency: 0, QualityScore: 1, CarbonIntensity: 0}
		best := scored[0]
		bestDist := best.Objectives.DistanceTo(ideal)
		for _, opt := range scored[1:] {
			if d := opt.Objectives.DistanceTo(ideal); d < bestDist {
				best, bestDist = opt, d
			}
		}
		return best, nil
	default:
		return ScoredOption{}, fmt.Errorf("unknown selection strategy: %s", strategy)
	}
}
