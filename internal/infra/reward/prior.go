package reward

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/infra/logging"
	"github.com/atp-network/atp-router/internal/infra/observability"
	"github.com/atp-network/atp-router/internal/infra/scoring"
)

// latencyEMAAlpha is the learning rate for latency/quality smoothing.
const latencyEMAAlpha = 0.1

// minPriorConfidence is the confidence floor below which a prior is
// ignored when adjusting objectives.
const minPriorConfidence = 0.1

// DefaultPriorMaxAge is the staleness threshold for prior eviction.
const DefaultPriorMaxAge = 7 * 24 * time.Hour

// ─── Prior ──────────────────────────────────────────────────────────────────

// Prior is the Bayesian performance estimate for a (model, task) pair.
type Prior struct {
	ModelTaskKey     string    `json:"model_task_key"` // e.g. "gpt-4:chat"
	SuccessRatePrior float64   `json:"success_rate_prior"`
	LatencyPriorMS   float64   `json:"latency_prior_ms"`
	QualityPrior     float64   `json:"quality_prior"`
	SampleCount      int64     `json:"sample_count"`
	LastUpdated      time.Time `json:"last_updated"`
	Confidence       float64   `json:"confidence"`
}

// updateFrom folds one reward entry into the prior: a Beta-posterior
// update of the success rate, exponential smoothing of latency and
// quality, and a confidence recomputation from the sample count.
func (p *Prior) updateFrom(data RewardData, now time.Time) {
	priorAlpha := p.SuccessRatePrior * float64(p.SampleCount)
	priorBeta := (1 - p.SuccessRatePrior) * float64(p.SampleCount)

	successes := math.Round(data.SuccessRate * float64(data.TotalSamples))
	failures := float64(data.TotalSamples) - successes

	postAlpha := priorAlpha + successes
	postBeta := priorBeta + failures
	if postAlpha+postBeta > 0 {
		p.SuccessRatePrior = postAlpha / (postAlpha + postBeta)
	}

	p.LatencyPriorMS = (1-latencyEMAAlpha)*p.LatencyPriorMS + latencyEMAAlpha*data.AvgLatency
	if data.QualityScore != nil {
		quality := *data.QualityScore
		p.QualityPrior = (1-latencyEMAAlpha)*p.QualityPrior + latencyEMAAlpha*quality
	}

	p.SampleCount += data.TotalSamples
	p.LastUpdated = now
	p.Confidence = math.Min(1.0, float64(p.SampleCount)/1000.0)
}

// AdjustObjectives folds the prior into a base objective vector:
// expected failure raises cost, expected latency raises latency, and a
// weak quality prior discounts the quality score. Carbon carries no
// prior yet. A low-confidence prior leaves the vector untouched.
func (p *Prior) AdjustObjectives(base scoring.ObjectiveVector) scoring.ObjectiveVector {
	if p.Confidence < minPriorConfidence {
		return base
	}
	return scoring.ObjectiveVector{
		Cost:            base.Cost + (1-p.SuccessRatePrior)*p.Confidence,
		Latency:         base.Latency + p.LatencyPriorMS*p.Confidence,
		QualityScore:    math.Max(0, base.QualityScore-(1-p.QualityPrior)*p.Confidence),
		CarbonIntensity: base.CarbonIntensity,
	}
}

// ─── Prior Manager ──────────────────────────────────────────────────────────

// PriorManager owns the prior table and applies aggregated signals to
// it. Updates are idempotent per aggregation round.
type PriorManager struct {
	mu                   sync.Mutex
	priors               map[string]*Prior
	lastAggregationRound int64
	log                  logging.Logger
	now                  func() time.Time
}

// ManagerConfig configures a PriorManager.
type ManagerConfig struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewPriorManager creates an empty prior manager.
func NewPriorManager(cfg ManagerConfig) *PriorManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Std()
	}
	return &PriorManager{
		priors: make(map[string]*Prior),
		log:    cfg.Logger,
		now:    cfg.Now,
	}
}

// UpdateFromAggregatedSignal validates the signal and folds it into the
// prior table, returning the number of priors created or updated. A
// round at or below the last applied round is a no-op.
func (m *PriorManager) UpdateFromAggregatedSignal(signal *Signal) int {
	if errs := signal.Validate(); len(errs) > 0 {
		observability.PriorUpdateFailures.Inc()
		m.log.WithField("errors", errs).Warn("rejecting invalid aggregated reward signal")
		return 0
	}

	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if signal.AggregationRound <= m.lastAggregationRound {
		m.log.WithField("round", signal.AggregationRound).Debug("skipping outdated aggregation round")
		return 0
	}
	m.lastAggregationRound = signal.AggregationRound

	now := m.now()
	applied := 0
	for key, data := range signal.RewardSignals {
		prior, ok := m.priors[key]
		if !ok {
			quality := 0.5
			if data.QualityScore != nil {
				quality = *data.QualityScore
			}
			m.priors[key] = &Prior{
				ModelTaskKey:     key,
				SuccessRatePrior: data.SuccessRate,
				LatencyPriorMS:   data.AvgLatency,
				QualityPrior:     quality,
				SampleCount:      data.TotalSamples,
				LastUpdated:      now,
				Confidence:       math.Min(1.0, float64(data.TotalSamples)/100.0),
			}
			applied++
			continue
		}
		prior.updateFrom(data, now)
		applied++
	}

	observability.PriorUpdatesApplied.Add(float64(applied))
	observability.ActivePriors.Set(float64(len(m.priors)))
	observability.PriorUpdateLatency.Observe(time.Since(start).Seconds())

	m.log.WithFields(logging.Fields{
		"applied": applied,
		"round":   signal.AggregationRound,
	}).Info("applied reinforcement prior updates")
	return applied
}

// PriorFor returns a copy of the prior for a model/task key.
func (m *PriorManager) PriorFor(modelTaskKey string) (Prior, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.priors[modelTaskKey]
	if !ok {
		return Prior{}, false
	}
	return *p, true
}

// AdjustedObjectives applies the key's prior, if any, to base.
func (m *PriorManager) AdjustedObjectives(modelTaskKey string, base scoring.ObjectiveVector) scoring.ObjectiveVector {
	p, ok := m.PriorFor(modelTaskKey)
	if !ok {
		return base
	}
	return p.AdjustObjectives(base)
}

// CleanupStalePriors evicts priors not updated within maxAge and
// returns the number removed. A maxAge of 0 uses DefaultPriorMaxAge.
func (m *PriorManager) CleanupStalePriors(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultPriorMaxAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for key, p := range m.priors {
		if p.LastUpdated.Before(cutoff) {
			delete(m.priors, key)
			removed++
		}
	}
	if removed > 0 {
		observability.ActivePriors.Set(float64(len(m.priors)))
		m.log.WithField("removed", removed).Info("cleaned up stale priors")
	}
	return removed
}

// Len returns the number of priors held.
func (m *PriorManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.priors)
}

// RunSweeper periodically evicts stale priors until ctx is cancelled.
func (m *PriorManager) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupStalePriors(maxAge)
		}
	}
}

// ─── Prior-Aware Scorer ─────────────────────────────────────────────────────

// Candidate is a routing candidate for prior-aware scoring.
type Candidate struct {
	ModelTaskKey string                  `json:"model_task_key"`
	Objectives   scoring.ObjectiveVector `json:"objectives"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
}

// ScoredCandidate is a candidate with its prior-adjusted score.
type ScoredCandidate struct {
	Candidate
	ReinforcementScore float64                 `json:"reinforcement_score"`
	AdjustedObjectives scoring.ObjectiveVector `json:"adjusted_objectives"`
}

// PriorAwareScorer composes a base multi-objective scorer with the
// prior manager: candidates are scored on prior-adjusted vectors.
type PriorAwareScorer struct {
	base   *scoring.Scorer
	priors *PriorManager
}

// NewPriorAwareScorer wires a scorer to a prior manager.
func NewPriorAwareScorer(base *scoring.Scorer, priors *PriorManager) *PriorAwareScorer {
	if base == nil {
		base = scoring.NewScorer()
	}
	if priors == nil {
		priors = NewPriorManager(ManagerConfig{})
	}
	return &PriorAwareScorer{base: base, priors: priors}
}

// Priors returns the underlying prior manager.
func (s *PriorAwareScorer) Priors() *PriorManager { return s.priors }

// ScalarScore scores an objective vector after prior adjustment.
func (s *PriorAwareScorer) ScalarScore(v scoring.ObjectiveVector, modelTaskKey string) float64 {
	if modelTaskKey != "" {
		v = s.priors.AdjustedObjectives(modelTaskKey, v)
	}
	return s.base.ScalarScore(v)
}

// ScoreCandidates scores candidates on their prior-adjusted objective
// vectors, returning them sorted by score descending.
func (s *PriorAwareScorer) ScoreCandidates(candidates []Candidate) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		adjusted := c.Objectives
		if c.ModelTaskKey != "" {
			adjusted = s.priors.AdjustedObjectives(c.ModelTaskKey, c.Objectives)
		}
		out = append(out, ScoredCandidate{
			Candidate:          c,
			ReinforcementScore: s.base.ScalarScore(adjusted),
			AdjustedObjectives: adjusted,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReinforcementScore > out[j].ReinforcementScore
	})
	return out
}
