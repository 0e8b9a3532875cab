package fragment

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/observability"
)

// DefaultGapTTL is how long a gap may stay open before fragments that
// finally close it are dropped as late.
const DefaultGapTTL = 500 * time.Millisecond

// DefaultReassemblyTTL is the GC age for abandoned reassembly states.
const DefaultReassemblyTTL = 300 * time.Second

// maxCompletionAttempts is how many identical incomplete completion
// attempts are tolerated before missing fragments become fatal.
const maxCompletionAttempts = 2

type reassemblyKey struct {
	sessionID string
	streamID  string
	msgSeq    int64
}

type reassemblyState struct {
	parts       map[int]string
	lastSeq     int // -1 until LAST seen
	attempts    int
	fragSizes   map[int]int
	prevMissing []int
	isBinary    bool
	merkleRoot  string
	totalSize   int
}

// Config configures a Reassembler.
type Config struct {
	// Store, when set, delegates part persistence to an external
	// buffer store instead of in-process state.
	Store BufferStore

	// GapTTL bounds how long a gap may stay open before late closers
	// are dropped. Zero uses DefaultGapTTL.
	GapTTL time.Duration

	// Now is an injectable clock for testing.
	Now func() time.Time
}

// Reassembler reconstructs messages from fragments. It accepts arbitrary
// arrival order and produces exactly one reassembled frame per
// (session, stream, msg_seq), or a discriminated invalid-fragment error.
// Thread-safe: a single mutex guards the state maps.
type Reassembler struct {
	mu         sync.Mutex
	state      map[reassemblyKey]*reassemblyState
	gapSince   map[reassemblyKey]time.Time
	lastAccess map[reassemblyKey]time.Time
	store      BufferStore
	gapTTL     time.Duration
	now        func() time.Time
}

// NewReassembler creates a reassembler from cfg.
func NewReassembler(cfg Config) *Reassembler {
	if cfg.GapTTL <= 0 {
		cfg.GapTTL = DefaultGapTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reassembler{
		state:      make(map[reassemblyKey]*reassemblyState),
		gapSince:   make(map[reassemblyKey]time.Time),
		lastAccess: make(map[reassemblyKey]time.Time),
		store:      cfg.Store,
		gapTTL:     cfg.GapTTL,
		now:        cfg.Now,
	}
}

// Push feeds one fragment into the reassembler. It returns the
// reassembled frame once the message is complete, nil while parts are
// still outstanding, or an error matching domain.ErrInvalidFragment when
// the message must be aborted.
func (r *Reassembler) Push(ctx context.Context, frame *domain.Frame) (*domain.Frame, error) {
	key := reassemblyKey{frame.SessionID, frame.StreamID, frame.MsgSeq}

	r.mu.Lock()
	r.lastAccess[key] = r.now()
	r.mu.Unlock()

	if r.store != nil {
		return r.pushExternal(ctx, frame)
	}
	return r.pushInProcess(ctx, key, frame)
}

// ─── External Store Mode ────────────────────────────────────────────────────

func (r *Reassembler) pushExternal(ctx context.Context, frame *domain.Frame) (*domain.Frame, error) {
	isLast := frame.HasFlag(domain.FlagLast)
	fragData, isBinary := extractData(frame)

	complete, full, err := r.store.PushPart(
		frame.SessionID, frame.StreamID, frame.MsgSeq, frame.FragSeq, fragData, isLast, isBinary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	if !complete {
		return nil, nil
	}

	tracer := observability.GetTracer()
	span := tracer.StartSpan(ctx, "fragment.reassemble")
	parts := 0
	if len(fragData) > 0 {
		parts = len(full) / len(fragData)
	}
	span.SetAttr("frag.parts", parts)
	span.SetAttr("frag.session", frame.SessionID)
	span.SetAttr("frag.stream", frame.StreamID)
	span.SetAttr("frag.msg_seq", frame.MsgSeq)
	span.SetAttr("frag.bytes", len(full))
	defer tracer.EndSpan(span, nil)

	return buildFinal(frame, full, isBinary, ""), nil
}

// ─── In-Process Mode ────────────────────────────────────────────────────────

func (r *Reassembler) pushInProcess(ctx context.Context, key reassemblyKey, frame *domain.Frame) (*domain.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state[key]
	if !ok {
		st = &reassemblyState{
			parts:     make(map[int]string),
			lastSeq:   -1,
			fragSizes: make(map[int]int),
		}
		r.state[key] = st
	}

	// Gap timer: the smallest index not yet present is the expected next
	// contiguous fragment. Arrivals beyond it open a gap; arrivals that
	// close an expired gap are dropped as late.
	expectedNext := 0
	for {
		if _, ok := st.parts[expectedNext]; !ok {
			break
		}
		expectedNext++
	}
	now := r.now()
	if frame.FragSeq > expectedNext {
		if _, ok := r.gapSince[key]; !ok {
			r.gapSince[key] = now
		}
	} else if since, ok := r.gapSince[key]; ok && frame.FragSeq == expectedNext {
		if now.Sub(since) > r.gapTTL {
			observability.LateFragmentsDropped.Inc()
			return nil, nil
		}
		delete(r.gapSince, key)
	}

	isLast := frame.HasFlag(domain.FlagLast)
	if _, dup := st.parts[frame.FragSeq]; dup && !(isLast && st.lastSeq == frame.FragSeq) {
		return nil, nil
	}

	fragData, isBinary := extractData(frame)
	if isBinary {
		st.isBinary = true
	}

	st.parts[frame.FragSeq] = fragData
	prevSize, had := st.fragSizes[frame.FragSeq]
	curSize := len(fragData)
	if had && curSize < prevSize {
		return nil, invalidf(ReasonTruncated)
	}
	st.fragSizes[frame.FragSeq] = curSize
	st.totalSize += curSize

	// Integrity: a checksum longer than 16 characters is a Merkle root
	// shared by every fragment; otherwise it is a per-fragment digest.
	if cs := frame.Payload.Checksum; cs != "" && len(cs) > 16 {
		switch {
		case st.merkleRoot == "":
			st.merkleRoot = cs
		case st.merkleRoot != cs:
			return nil, invalidf(ReasonMerkleRootMismatch)
		}
	} else if cs != "" && st.merkleRoot == "" {
		if cs != checksumOf(fragData) {
			return nil, invalidf(ReasonChecksumMismatch)
		}
	}

	if isLast {
		st.lastSeq = frame.FragSeq
	}
	if st.lastSeq < 0 {
		return nil, nil
	}

	var missing []int
	for i := 0; i <= st.lastSeq; i++ {
		if _, ok := st.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		if equalInts(st.prevMissing, missing) {
			st.attempts++
		}
		st.prevMissing = append([]int(nil), missing...)
		if st.attempts >= maxCompletionAttempts {
			return nil, invalidf("%s: %v", ReasonMissingPrefix, missing)
		}
		return nil, nil
	}

	// Uniformity: every non-final fragment must match the largest
	// recorded non-final size, otherwise a fragment was truncated.
	expected := 0
	for i := 0; i < st.lastSeq; i++ {
		if sz, ok := st.fragSizes[i]; ok && sz > expected {
			expected = sz
		}
	}
	if expected > 0 {
		for i := 0; i < st.lastSeq; i++ {
			if sz, ok := st.fragSizes[i]; ok && sz < expected {
				return nil, invalidf(ReasonSizeVariance)
			}
		}
	}

	var b strings.Builder
	for i := 0; i <= st.lastSeq; i++ {
		b.WriteString(st.parts[i])
	}
	full := b.String()

	tracer := observability.GetTracer()
	span := tracer.StartSpan(ctx, "fragment.reassemble")
	span.SetAttr("frag.parts", st.lastSeq+1)
	span.SetAttr("frag.session", frame.SessionID)
	span.SetAttr("frag.stream", frame.StreamID)
	span.SetAttr("frag.msg_seq", frame.MsgSeq)
	span.SetAttr("frag.bytes", len(full))
	defer tracer.EndSpan(span, nil)

	final := buildFinal(frame, full, st.isBinary, st.merkleRoot)

	delete(r.state, key)
	delete(r.gapSince, key)
	delete(r.lastAccess, key)
	return final, nil
}

// ─── Garbage Collection ─────────────────────────────────────────────────────

// GC removes reassembly states untouched for longer than ttl and returns
// the number removed. A ttl of 0 uses DefaultReassemblyTTL.
func (r *Reassembler) GC(ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultReassemblyTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	removed := 0
	for k, t := range r.lastAccess {
		if t.Before(cutoff) {
			delete(r.state, k)
			delete(r.gapSince, k)
			delete(r.lastAccess, k)
			removed++
		}
	}
	return removed
}

// PendingMessages returns the number of in-flight reassembly states.
func (r *Reassembler) PendingMessages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// extractData pulls the fragment data as a string: the text itself for
// text payloads, the hex encoding for binary payloads.
func extractData(frame *domain.Frame) (data string, isBinary bool) {
	if frame.Payload.Content.IsBinary() {
		return hex.EncodeToString(frame.Payload.Content.Bytes), true
	}
	return frame.Payload.Content.Text, false
}

// buildFinal assembles the reassembled frame: FRAG/LAST stripped,
// REASSEMBLED added, frag_seq reset, payload replaced by the joined data.
// The checksum is the tracked Merkle root when one was carried, otherwise
// the 16-hex digest of the joined data.
func buildFinal(frame *domain.Frame, full string, isBinary bool, merkleRoot string) *domain.Frame {
	final := frame.Clone()
	final.FragSeq = 0
	final.Flags = frame.WithoutFlags(domain.FlagFrag, domain.FlagLast)
	final.Flags = append(final.Flags, domain.FlagReassembled)
	final.Sig = ""

	if isBinary {
		raw, err := hex.DecodeString(full)
		if err != nil {
			raw = nil
		}
		final.Payload.Content = domain.BinaryContent(raw)
	} else {
		final.Payload.Content.Text = full
	}
	if merkleRoot != "" {
		final.Payload.Checksum = merkleRoot
	} else {
		final.Payload.Checksum = checksumOf(full)
	}
	return final
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
