package secureagg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-network/atp-router/internal/infra/reward"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func testKeys(t *testing.T, routerIDs ...string) (map[string]KeyPair, []byte) {
	t.Helper()
	keys, shared, err := GenerateKeys(routerIDs)
	require.NoError(t, err)
	return keys, shared
}

func testSignal(round int64) *reward.Signal {
	return reward.NewSignal(round, reward.ClusterHash("cluster-a", "pepper"), map[string]reward.RewardData{
		"gpt-4:chat": {SuccessRate: 0.9, AvgLatency: 1.0, TotalSamples: 100},
	}, 1)
}

func testNode(t *testing.T, id string, keys map[string]KeyPair) *Node {
	t.Helper()
	return NewNode(NodeConfig{
		RouterID:           id,
		SigningKey:         keys[id].SigningKey,
		EncryptionKey:      keys[id].EncryptionKey,
		DeterministicNoise: true,
	})
}

// ─── Cipher ─────────────────────────────────────────────────────────────────

func TestCipherRoundTrip(t *testing.T) {
	c := cipher{key: []byte("0123456789abcdef0123456789abcdef")}
	for _, v := range []int64{0, 1, -1, 900, -12345, 1 << 40} {
		ct := c.encryptInt(v, "nonce")
		got, err := c.decryptInt(ct)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := c.decryptInt("zz")
	assert.Error(t, err)
}

// ─── Contribution ───────────────────────────────────────────────────────────

func TestEncryptSignalProducesSignedContribution(t *testing.T) {
	keys, _ := testKeys(t, "router_0")
	node := testNode(t, "router_0", keys)

	contrib, err := node.EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	assert.Equal(t, "router_0", contrib.RouterID)
	assert.NotEmpty(t, contrib.Signature)
	assert.Contains(t, contrib.EncryptedSignals, "gpt-4:chat")
	assert.True(t, verify(keys["router_0"].SigningKey, contrib))
}

func TestEncryptSignalRejectsInvalid(t *testing.T) {
	keys, _ := testKeys(t, "router_0")
	node := testNode(t, "router_0", keys)

	bad := testSignal(1)
	bad.RewardSignals["gpt-4:chat"] = reward.RewardData{SuccessRate: 2, AvgLatency: 1, TotalSamples: 1}
	_, err := node.EncryptSignal(bad, 1.0)
	require.Error(t, err)
}

func TestDeterministicNoiseIsStable(t *testing.T) {
	keys, _ := testKeys(t, "router_0")
	node := testNode(t, "router_0", keys)
	node.now = func() time.Time { return time.Unix(1700000000, 0) }

	a, err := node.EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	b, err := node.EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	assert.Equal(t, a.EncryptedSignals, b.EncryptedSignals)
	assert.Equal(t, a.Signature, b.Signature)
}

// ─── Coordinator ────────────────────────────────────────────────────────────

func TestSecureAggregationHappyPath(t *testing.T) {
	ids := []string{"router_0", "router_1", "router_2"}
	keys, shared := testKeys(t, ids...)

	signingKeys := make(map[string][]byte, len(ids))
	for id, kp := range keys {
		signingKeys[id] = kp.SigningKey
	}
	coord := NewCoordinator(signingKeys, shared)

	for _, id := range ids {
		contrib, err := testNode(t, id, keys).EncryptSignal(testSignal(5), 1.0)
		require.NoError(t, err)
		require.NoError(t, coord.Collect(contrib))
	}

	out, err := coord.Aggregate(2, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ParticipantCount)
	assert.Equal(t, int64(5), out.AggregationRound)

	data := out.RewardSignals["gpt-4:chat"]
	// success_rate 0.9 carries ±0.05 of deterministic noise per router.
	assert.GreaterOrEqual(t, data.SuccessRate, 0.85)
	assert.LessOrEqual(t, data.SuccessRate, 0.95)
	// Sample counts sum across the three contributors, noise included.
	assert.GreaterOrEqual(t, data.TotalSamples, int64(150))
	assert.LessOrEqual(t, data.TotalSamples, int64(450))

	require.NotNil(t, out.NoiseScale)
	assert.InDelta(t, 1.0, *out.NoiseScale, 1e-9)
}

func TestCollectRejectsUnknownRouter(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{}, shared)

	contrib, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	assert.Error(t, coord.Collect(contrib))
}

func TestCollectRejectsTamperedSignature(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{"router_0": keys["router_0"].SigningKey}, shared)

	contrib, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	contrib.ClusterHash = reward.ClusterHash("evil", "salt") // invalidates the signature
	assert.Error(t, coord.Collect(contrib))
}

func TestCollectRejectsDuplicate(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{"router_0": keys["router_0"].SigningKey}, shared)

	node := testNode(t, "router_0", keys)
	contrib, err := node.EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	require.NoError(t, coord.Collect(contrib))
	assert.Error(t, coord.Collect(contrib))
}

func TestAggregateParticipantBounds(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{"router_0": keys["router_0"].SigningKey}, shared)

	contrib, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	require.NoError(t, coord.Collect(contrib))

	_, err = coord.Aggregate(2, 100)
	assert.Error(t, err, "one participant below min_participants")

	_, err = coord.Aggregate(0, 0)
	assert.Error(t, err, "participant count above max_participants")
}

func TestAggregateRoundMismatch(t *testing.T) {
	ids := []string{"router_0", "router_1"}
	keys, shared := testKeys(t, ids...)
	signingKeys := map[string][]byte{
		"router_0": keys["router_0"].SigningKey,
		"router_1": keys["router_1"].SigningKey,
	}
	coord := NewCoordinator(signingKeys, shared)

	c0, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	c1, err := testNode(t, "router_1", keys).EncryptSignal(testSignal(2), 1.0)
	require.NoError(t, err)
	require.NoError(t, coord.Collect(c0))
	require.NoError(t, coord.Collect(c1))

	_, err = coord.Aggregate(2, 100)
	assert.Error(t, err)
}

func TestWaitForParticipants(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{"router_0": keys["router_0"].SigningKey}, shared)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- coord.WaitForParticipants(ctx, 1)
	}()

	contrib, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	require.NoError(t, coord.Collect(contrib))

	require.NoError(t, <-done)
}

func TestWaitForParticipantsTimeout(t *testing.T) {
	coord := NewCoordinator(map[string][]byte{}, []byte("k"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, coord.WaitForParticipants(ctx, 1))
}

func TestReset(t *testing.T) {
	keys, shared := testKeys(t, "router_0")
	coord := NewCoordinator(map[string][]byte{"router_0": keys["router_0"].SigningKey}, shared)

	contrib, err := testNode(t, "router_0", keys).EncryptSignal(testSignal(1), 1.0)
	require.NoError(t, err)
	require.NoError(t, coord.Collect(contrib))
	require.Equal(t, 1, coord.ParticipantCount())

	coord.Reset()
	assert.Equal(t, 0, coord.ParticipantCount())
	assert.NoError(t, coord.Collect(contrib), "same contribution accepted again after reset")
}
