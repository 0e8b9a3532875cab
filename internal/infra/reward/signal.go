// Package reward implements the federated reward plane: the signal
// schema shared across routers, weighted aggregation of compatible
// signals, and the reinforcement prior table that feeds aggregated
// evidence back into routing scores.
package reward

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/observability"
)

// SchemaVersion is the fixed federated reward signal schema version.
const SchemaVersion = 1

// MinClusterHashLen is the minimum accepted cluster hash length.
const MinClusterHashLen = 16

// ─── Signal ─────────────────────────────────────────────────────────────────

// RewardData is the per-(model,task) reward statistics entry.
type RewardData struct {
	SuccessRate    float64  `json:"success_rate"`
	AvgLatency     float64  `json:"avg_latency"`
	TotalSamples   int64    `json:"total_samples"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	CostEfficiency *float64 `json:"cost_efficiency,omitempty"`
}

// Signal is a federated reward signal: anonymous cluster statistics
// shared across routers for privacy-preserving reinforcement.
type Signal struct {
	SchemaVersion     int                   `json:"schema_version"`
	AggregationRound  int64                 `json:"aggregation_round"`
	ClusterHash       string                `json:"cluster_hash"`
	RewardSignals     map[string]RewardData `json:"reward_signals"`
	ParticipantCount  int                   `json:"participant_count"`
	Timestamp         string                `json:"timestamp"`
	PrivacyBudgetUsed *float64              `json:"privacy_budget_used,omitempty"`
	NoiseScale        *float64              `json:"noise_scale,omitempty"`
}

// NewSignal builds a signal stamped with the current time.
func NewSignal(round int64, clusterHash string, rewards map[string]RewardData, participants int) *Signal {
	return &Signal{
		SchemaVersion:    SchemaVersion,
		AggregationRound: round,
		ClusterHash:      clusterHash,
		RewardSignals:    rewards,
		ParticipantCount: participants,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// MarshalJSONBatch serializes the signal and counts the batch.
func (s *Signal) MarshalJSONBatch() ([]byte, error) {
	observability.RewardBatches.Inc()
	return json.Marshal(s)
}

// ParseSignal parses and validates a signal from JSON.
func ParseSignal(data []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrSignalInvalid, err)
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalInvalid, errs)
	}
	return &s, nil
}

// Validate checks the signal against the schema, returning the failing
// field paths. An empty slice means the signal is valid.
func (s *Signal) Validate() []string {
	var errs []string

	if s.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Sprintf("schema_version: got %d, expected %d", s.SchemaVersion, SchemaVersion))
	}
	if s.AggregationRound < 1 {
		errs = append(errs, "aggregation_round: must be a positive integer")
	}
	if len(s.ClusterHash) < MinClusterHashLen {
		errs = append(errs, fmt.Sprintf("cluster_hash: must be at least %d characters", MinClusterHashLen))
	}
	if s.RewardSignals == nil {
		errs = append(errs, "reward_signals: required")
	}
	for key, data := range s.RewardSignals {
		if data.SuccessRate < 0 || data.SuccessRate > 1 {
			errs = append(errs, fmt.Sprintf("reward_signals[%s].success_rate: must be between 0.0 and 1.0", key))
		}
		if data.AvgLatency < 0 {
			errs = append(errs, fmt.Sprintf("reward_signals[%s].avg_latency: must be non-negative", key))
		}
		if data.TotalSamples < 1 {
			errs = append(errs, fmt.Sprintf("reward_signals[%s].total_samples: must be a positive integer", key))
		}
		if data.QualityScore != nil && (*data.QualityScore < 0 || *data.QualityScore > 1) {
			errs = append(errs, fmt.Sprintf("reward_signals[%s].quality_score: must be between 0.0 and 1.0", key))
		}
		if data.CostEfficiency != nil && *data.CostEfficiency < 0 {
			errs = append(errs, fmt.Sprintf("reward_signals[%s].cost_efficiency: must be non-negative", key))
		}
	}
	if s.ParticipantCount < 1 {
		errs = append(errs, "participant_count: must be a positive integer")
	}
	if s.Timestamp == "" {
		errs = append(errs, "timestamp: required")
	} else if _, err := time.Parse(time.RFC3339, s.Timestamp); err != nil {
		errs = append(errs, "timestamp: must be RFC3339")
	}
	if s.PrivacyBudgetUsed != nil && *s.PrivacyBudgetUsed < 0 {
		errs = append(errs, "privacy_budget_used: must be non-negative")
	}
	if s.NoiseScale != nil && *s.NoiseScale < 0 {
		errs = append(errs, "noise_scale: must be non-negative")
	}
	return errs
}

// ─── Cluster Hash ───────────────────────────────────────────────────────────

// ClusterHash anonymizes a cluster identifier: SHA-256 over
// "<cluster_id>:<salt>" as full 64-character hex.
func ClusterHash(clusterID, salt string) string {
	sum := sha256.Sum256([]byte(clusterID + ":" + salt))
	return hex.EncodeToString(sum[:])
}
