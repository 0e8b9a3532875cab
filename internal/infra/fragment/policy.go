// Package fragment implements policy-driven frame fragmentation and
// reliable reassembly: splitting oversized payloads into checksummed
// fragments, rebuilding them in arrival order, and detecting gaps,
// duplicates, corruption and truncation along the way.
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/atp-network/atp-router/internal/domain"
)

// DefaultMaxFragmentSize is the base fragment size for text payloads.
const DefaultMaxFragmentSize = 256

// DefaultBinaryMaxSize is the base fragment size for binary payloads.
const DefaultBinaryMaxSize = 1024

// checksumOf returns the 16-hex-character SHA-256 prefix of data.
func checksumOf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

// Policy decides the per-frame maximum fragment size and whether
// Merkle-root integrity is carried instead of per-fragment checksums.
type Policy struct {
	BaseMaxSize    int
	BinaryMaxSize  int
	QoSMultipliers map[domain.QoS]float64
	EnableMerkle   bool
}

// DefaultPolicy returns the production fragmentation policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseMaxSize:   DefaultMaxFragmentSize,
		BinaryMaxSize: DefaultBinaryMaxSize,
		QoSMultipliers: map[domain.QoS]float64{
			domain.QoSGold:   2.0,
			domain.QoSSilver: 1.5,
			domain.QoSBronze: 1.0,
		},
		EnableMerkle: false,
	}
}

// MaxFragmentSize determines the maximum fragment size for a frame
// based on its payload kind and QoS class.
func (p Policy) MaxFragmentSize(f *domain.Frame) int {
	mult, ok := p.QoSMultipliers[f.QoS]
	if !ok {
		mult = 1.0
	}
	base := p.BaseMaxSize
	if f.Payload.Content.IsBinary() {
		base = p.BinaryMaxSize
	}
	return int(math.Round(float64(base) * mult))
}
