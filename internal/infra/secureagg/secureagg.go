// Package secureagg implements the privacy-preserving aggregation
// protocol for federated reward signals: each router adds differential-
// privacy noise, encrypts per-field integers under a key shared with
// the coordinator, and signs its contribution with HMAC-SHA256. The
// coordinator verifies, decrypts and averages.
//
// The per-contribution decrypt-and-average step mirrors the protocol's
// reference behavior; a production build would replace it with proper
// additive homomorphic aggregation.
package secureagg

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/observability"
	"github.com/atp-network/atp-router/internal/infra/reward"
)

// floatScale converts float fields to integers preserving three decimals.
const floatScale = 1000

// floatFields are the reward fields carried as scaled integers.
var floatFields = map[string]bool{
	"success_rate":    true,
	"avg_latency":     true,
	"quality_score":   true,
	"cost_efficiency": true,
}

// ─── Cipher ─────────────────────────────────────────────────────────────────

// cipher is the symmetric keystream scheme shared between routers and
// the coordinator: value XOR HMAC-SHA256(key, nonce), nonce prepended.
type cipher struct {
	key []byte
}

func (c cipher) encryptInt(value int64, nonce string) string {
	nonceSum := sha256.Sum256([]byte(nonce))
	stream := hmac.New(sha256.New, c.key)
	stream.Write(nonceSum[:8])
	pad := stream.Sum(nil)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	for i := range buf {
		buf[i] ^= pad[i]
	}
	return hex.EncodeToString(append(nonceSum[:8], buf[:]...))
}

func (c cipher) decryptInt(ciphertext string) (int64, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil || len(raw) != 16 {
		return 0, fmt.Errorf("malformed ciphertext")
	}
	stream := hmac.New(sha256.New, c.key)
	stream.Write(raw[:8])
	pad := stream.Sum(nil)

	var buf [8]byte
	copy(buf[:], raw[8:])
	for i := range buf {
		buf[i] ^= pad[i]
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// ─── Contribution ───────────────────────────────────────────────────────────

// Contribution is an encrypted, signed reward contribution from one router.
type Contribution struct {
	RouterID          string                       `json:"router_id"`
	AggregationRound  int64                        `json:"aggregation_round"`
	ClusterHash       string                       `json:"cluster_hash"`
	EncryptedSignals  map[string]map[string]string `json:"encrypted_signals"` // model_task → field → ciphertext
	Timestamp         int64                        `json:"timestamp"`
	Signature         string                       `json:"signature"`
	PrivacyBudgetUsed *float64                     `json:"privacy_budget_used,omitempty"`
	NoiseScale        float64                      `json:"noise_scale"`
}

// signingPayload is the canonical JSON the HMAC signature covers.
// encoding/json sorts map keys, which keeps the form stable.
func signingPayload(c *Contribution) []byte {
	payload, _ := json.Marshal(map[string]any{
		"router_id":         c.RouterID,
		"aggregation_round": c.AggregationRound,
		"cluster_hash":      c.ClusterHash,
		"encrypted_signals": c.EncryptedSignals,
		"timestamp":         c.Timestamp,
	})
	return payload
}

func sign(key []byte, c *Contribution) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingPayload(c))
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(key []byte, c *Contribution) bool {
	expected := sign(key, c)
	return hmac.Equal([]byte(expected), []byte(c.Signature))
}

// ─── Node ───────────────────────────────────────────────────────────────────

// Node is a router participating in secure reward aggregation.
type Node struct {
	RouterID           string
	signingKey         []byte
	enc                cipher
	deterministicNoise bool
	now                func() time.Time
}

// NodeConfig configures a participant node.
type NodeConfig struct {
	RouterID      string
	SigningKey    []byte
	EncryptionKey []byte

	// DeterministicNoise derives DP noise from the field identity
	// instead of a CSPRNG; tests and replayable pipelines use this.
	DeterministicNoise bool

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// NewNode creates a participant node.
func NewNode(cfg NodeConfig) *Node {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Node{
		RouterID:           cfg.RouterID,
		signingKey:         cfg.SigningKey,
		enc:                cipher{key: cfg.EncryptionKey},
		deterministicNoise: cfg.DeterministicNoise,
		now:                cfg.Now,
	}
}

// EncryptSignal validates the signal, adds differential-privacy noise to
// every numeric field, encrypts the noisy integers and signs the result.
func (n *Node) EncryptSignal(signal *reward.Signal, noiseScale float64) (*Contribution, error) {
	if errs := signal.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalInvalid, errs)
	}

	encrypted := make(map[string]map[string]string, len(signal.RewardSignals))
	for modelTask, data := range signal.RewardSignals {
		fields := map[string]int64{
			"success_rate":  int64(data.SuccessRate * floatScale),
			"avg_latency":   int64(data.AvgLatency * floatScale),
			"total_samples": data.TotalSamples,
		}
		if data.QualityScore != nil {
			fields["quality_score"] = int64(*data.QualityScore * floatScale)
		}
		if data.CostEfficiency != nil {
			fields["cost_efficiency"] = int64(*data.CostEfficiency * floatScale)
		}

		encrypted[modelTask] = make(map[string]string, len(fields))
		for field, value := range fields {
			nonce := fmt.Sprintf("%s:%s:%s:%d", n.RouterID, modelTask, field, signal.AggregationRound)
			noisy := value + n.noiseFor(nonce, noiseScale)
			encrypted[modelTask][field] = n.enc.encryptInt(noisy, nonce)
		}
	}

	contrib := &Contribution{
		RouterID:          n.RouterID,
		AggregationRound:  signal.AggregationRound,
		ClusterHash:       signal.ClusterHash,
		EncryptedSignals:  encrypted,
		Timestamp:         n.now().Unix(),
		PrivacyBudgetUsed: signal.PrivacyBudgetUsed,
		NoiseScale:        noiseScale,
	}
	contrib.Signature = sign(n.signingKey, contrib)
	return contrib, nil
}

// noiseFor draws DP noise in [-50, 50) scaled by noiseScale.
func (n *Node) noiseFor(nonce string, noiseScale float64) int64 {
	if n.deterministicNoise {
		sum := sha256.Sum256([]byte(nonce))
		raw := int64(binary.BigEndian.Uint64(sum[:8]) % 100)
		return int64(float64(raw-50) * noiseScale)
	}
	r, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return 0
	}
	return int64(float64(r.Int64()-50) * noiseScale)
}

// ─── Coordinator ────────────────────────────────────────────────────────────

// Coordinator collects contributions for one aggregation round and
// produces the aggregated reward signal.
type Coordinator struct {
	mu            sync.Mutex
	routerKeys    map[string][]byte
	enc           cipher
	contributions map[string]*Contribution
	arrived       chan struct{}
}

// NewCoordinator creates a coordinator that accepts contributions from
// the given routers (router_id → signing key) under the shared
// encryption key.
func NewCoordinator(routerKeys map[string][]byte, encryptionKey []byte) *Coordinator {
	return &Coordinator{
		routerKeys:    routerKeys,
		enc:           cipher{key: encryptionKey},
		contributions: make(map[string]*Contribution),
		arrived:       make(chan struct{}, 1),
	}
}

// Collect accepts a contribution: the router must be known, the
// signature valid, and the router must not have contributed this round.
func (c *Coordinator) Collect(contrib *Contribution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.routerKeys[contrib.RouterID]
	if !ok {
		observability.SecureAggFailures.Inc()
		return fmt.Errorf("%w: unknown router %s", domain.ErrAggregationRejected, contrib.RouterID)
	}
	if !verify(key, contrib) {
		observability.SecureAggFailures.Inc()
		return fmt.Errorf("%w: invalid signature from %s", domain.ErrAggregationRejected, contrib.RouterID)
	}
	if _, dup := c.contributions[contrib.RouterID]; dup {
		observability.SecureAggFailures.Inc()
		return fmt.Errorf("%w: duplicate contribution from %s", domain.ErrAggregationRejected, contrib.RouterID)
	}

	c.contributions[contrib.RouterID] = contrib
	select {
	case c.arrived <- struct{}{}:
	default:
	}
	return nil
}

// ParticipantCount returns the number of accepted contributions.
func (c *Coordinator) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contributions)
}

// WaitForParticipants blocks until at least min contributions arrived
// or ctx is done.
func (c *Coordinator) WaitForParticipants(ctx context.Context, min int) error {
	for {
		if c.ParticipantCount() >= min {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.arrived:
		}
	}
}

// Aggregate performs the secure aggregation over all collected
// contributions: verify round/cluster consistency and participant
// bounds, decrypt each field, average, and rebuild a reward signal.
func (c *Coordinator) Aggregate(minParticipants, maxParticipants int) (*reward.Signal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.contributions)
	if n < minParticipants || n > maxParticipants {
		observability.SecureAggFailures.Inc()
		return nil, fmt.Errorf("%w: participant count %d outside [%d, %d]",
			domain.ErrAggregationRejected, n, minParticipants, maxParticipants)
	}

	var first *Contribution
	for _, contrib := range c.contributions {
		if first == nil {
			first = contrib
			continue
		}
		if contrib.AggregationRound != first.AggregationRound || contrib.ClusterHash != first.ClusterHash {
			observability.SecureAggFailures.Inc()
			return nil, fmt.Errorf("%w: round or cluster mismatch across contributions", domain.ErrAggregationRejected)
		}
	}

	// field sums per (model_task, field) across decryptable contributions
	type acc struct {
		sum   int64
		count int64
	}
	sums := make(map[string]map[string]*acc)
	for _, contrib := range c.contributions {
		for modelTask, fields := range contrib.EncryptedSignals {
			if sums[modelTask] == nil {
				sums[modelTask] = make(map[string]*acc)
			}
			for field, ciphertext := range fields {
				value, err := c.enc.decryptInt(ciphertext)
				if err != nil {
					continue
				}
				if sums[modelTask][field] == nil {
					sums[modelTask][field] = &acc{}
				}
				sums[modelTask][field].sum += value
				sums[modelTask][field].count++
			}
		}
	}

	aggregated := make(map[string]reward.RewardData, len(sums))
	for modelTask, fields := range sums {
		var data reward.RewardData
		for field, a := range fields {
			avg := float64(a.sum) / float64(a.count)
			switch field {
			case "success_rate":
				data.SuccessRate = avg / floatScale
			case "avg_latency":
				data.AvgLatency = avg / floatScale
			case "total_samples":
				// Sample counts add across participants, matching the
				// plain aggregation path.
				data.TotalSamples = a.sum
			case "quality_score":
				v := avg / floatScale
				data.QualityScore = &v
			case "cost_efficiency":
				v := avg / floatScale
				data.CostEfficiency = &v
			}
		}
		aggregated[modelTask] = data
	}

	var budgetTotal float64
	budgetSeen := false
	var noiseSum float64
	noiseCount := 0
	for _, contrib := range c.contributions {
		if contrib.PrivacyBudgetUsed != nil {
			budgetTotal += *contrib.PrivacyBudgetUsed
			budgetSeen = true
		}
		noiseSum += contrib.NoiseScale
		noiseCount++
	}

	signal := reward.NewSignal(first.AggregationRound, first.ClusterHash, aggregated, n)
	if budgetSeen && budgetTotal > 0 {
		signal.PrivacyBudgetUsed = &budgetTotal
	}
	if noiseCount > 0 {
		avg := noiseSum / float64(noiseCount)
		signal.NoiseScale = &avg
	}

	observability.FederatedRoundsCompleted.Inc()
	return signal, nil
}

// Reset clears collected contributions for a new round.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contributions = make(map[string]*Contribution)
}

// ─── Key Generation ─────────────────────────────────────────────────────────

// KeyPair is a router's signing key plus the shared encryption key.
type KeyPair struct {
	SigningKey    []byte
	EncryptionKey []byte
}

// GenerateKeys creates fresh signing keys per router and one shared
// encryption key, returning (router keys, shared encryption key).
func GenerateKeys(routerIDs []string) (map[string]KeyPair, []byte, error) {
	shared := make([]byte, 32)
	if _, err := rand.Read(shared); err != nil {
		return nil, nil, err
	}
	keys := make(map[string]KeyPair, len(routerIDs))
	for _, id := range routerIDs {
		signing := make([]byte, 32)
		if _, err := rand.Read(signing); err != nil {
			return nil, nil, err
		}
		keys[id] = KeyPair{SigningKey: signing, EncryptionKey: shared}
	}
	return keys, shared, nil
}
