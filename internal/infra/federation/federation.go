// Package federation tracks the routers participating in federated
// reward aggregation for a cluster: membership lifecycle, signing-key
// registration, and the authorized-participant view the secure
// aggregation coordinator consumes.
package federation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/infra/reward"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// MaxRoutersPerCluster prevents unbounded membership growth.
	MaxRoutersPerCluster = 10000

	// MinRouterIDLength guards against typo'd registrations.
	MinRouterIDLength = 3
)

// ─── Types ──────────────────────────────────────────────────────────────────

// MemberStatus represents the lifecycle state of a participating router.
type MemberStatus int

const (
	MemberActive    MemberStatus = iota // Contributing to rounds
	MemberSuspended                     // Temporarily excluded
	MemberRevoked                       // Permanently removed
)

// String returns a human-readable status label.
func (s MemberStatus) String() string {
	switch s {
	case MemberActive:
		return "ACTIVE"
	case MemberSuspended:
		return "SUSPENDED"
	case MemberRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

// Member is a router registered for federated aggregation.
type Member struct {
	RouterID   string       `json:"router_id"`
	Status     MemberStatus `json:"status"`
	SigningKey []byte       `json:"-"` // never serialized
	JoinedAt   time.Time    `json:"joined_at"`
	LastActive time.Time    `json:"last_active"`
}

// ─── Registry ───────────────────────────────────────────────────────────────

// RegistryConfig configures the participant registry.
type RegistryConfig struct {
	ClusterID   string
	ClusterSalt string
	MaxRouters  int // 0 = MaxRoutersPerCluster

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// Registry manages the cluster's participating routers.
// Thread-safe: concurrent reads and writes are serialized by mutex.
type Registry struct {
	mu          sync.RWMutex
	clusterHash string
	maxRouters  int
	members     map[string]*Member
	now         func() time.Time
}

// NewRegistry creates a participant registry for a cluster.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxRouters <= 0 {
		cfg.MaxRouters = MaxRoutersPerCluster
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		clusterHash: reward.ClusterHash(cfg.ClusterID, cfg.ClusterSalt),
		maxRouters:  cfg.MaxRouters,
		members:     make(map[string]*Member),
		now:         cfg.Now,
	}
}

// ClusterHash returns the anonymized cluster identifier members share.
func (r *Registry) ClusterHash() string { return r.clusterHash }

// Join registers a router with its signing key.
func (r *Registry) Join(routerID string, signingKey []byte) (*Member, error) {
	routerID = strings.TrimSpace(routerID)
	if len(routerID) < MinRouterIDLength {
		return nil, fmt.Errorf("router id must be at least %d characters", MinRouterIDLength)
	}
	if len(signingKey) == 0 {
		return nil, errors.New("signing key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.members[routerID]; ok && existing.Status != MemberRevoked {
		return nil, fmt.Errorf("router %s already registered", routerID)
	}
	active := 0
	for _, m := range r.members {
		if m.Status == MemberActive {
			active++
		}
	}
	if active >= r.maxRouters {
		return nil, errors.New("maximum number of routers reached")
	}

	now := r.now()
	m := &Member{
		RouterID:   routerID,
		Status:     MemberActive,
		SigningKey: signingKey,
		JoinedAt:   now,
		LastActive: now,
	}
	r.members[routerID] = m
	return m, nil
}

// Leave removes a router permanently.
func (r *Registry) Leave(routerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[routerID]
	if !ok {
		return fmt.Errorf("router %s not registered", routerID)
	}
	m.Status = MemberRevoked
	m.SigningKey = nil
	return nil
}

// Suspend temporarily excludes a router from aggregation rounds.
func (r *Registry) Suspend(routerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[routerID]
	if !ok {
		return fmt.Errorf("router %s not registered", routerID)
	}
	if m.Status == MemberRevoked {
		return errors.New("cannot suspend a revoked router")
	}
	m.Status = MemberSuspended
	return nil
}

// Reinstate reactivates a suspended router.
func (r *Registry) Reinstate(routerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[routerID]
	if !ok {
		return fmt.Errorf("router %s not registered", routerID)
	}
	if m.Status != MemberSuspended {
		return fmt.Errorf("router %s is %s, not SUSPENDED", routerID, m.Status)
	}
	m.Status = MemberActive
	m.LastActive = r.now()
	return nil
}

// Touch records activity from a router.
func (r *Registry) Touch(routerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[routerID]; ok {
		m.LastActive = r.now()
	}
}

// ActiveSigningKeys returns router_id → signing key for every active
// member; this is the authorized-participant view the secure
// aggregation coordinator is built from.
func (r *Registry) ActiveSigningKeys() map[string][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]byte)
	for id, m := range r.members {
		if m.Status == MemberActive {
			out[id] = m.SigningKey
		}
	}
	return out
}

// Members returns all non-revoked members.
func (r *Registry) Members() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		if m.Status != MemberRevoked {
			out = append(out, m)
		}
	}
	return out
}

// ActiveCount returns the number of active members.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, m := range r.members {
		if m.Status == MemberActive {
			count++
		}
	}
	return count
}
