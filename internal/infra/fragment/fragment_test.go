package fragment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atp-network/atp-router/internal/domain"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func makeFrame(t *testing.T, text string) *domain.Frame {
	t.Helper()
	return &domain.Frame{
		V:         domain.ProtocolVersion,
		SessionID: "s",
		StreamID:  "st",
		MsgSeq:    7,
		FragSeq:   0,
		Flags:     []string{domain.FlagSYN},
		QoS:       domain.QoSGold,
		TTL:       5,
		Window:    domain.Window{MaxParallel: 4, MaxTokens: 10_000, MaxUSDMicros: 1_000_000},
		Meta:      domain.Meta{TaskType: "qa"},
		Payload:   domain.Payload{Type: "agent.result.partial", Content: domain.TextContent(text)},
	}
}

// textPolicy builds a policy with the given base size and no QoS scaling,
// so tests can reason about exact chunk counts.
func textPolicy(base int) Policy {
	p := DefaultPolicy()
	p.BaseMaxSize = base
	p.QoSMultipliers = map[domain.QoS]float64{
		domain.QoSGold: 1.0, domain.QoSSilver: 1.0, domain.QoSBronze: 1.0,
	}
	return p
}

func sha16(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:16]
}

func pushAll(t *testing.T, r *Reassembler, frags []*domain.Frame) *domain.Frame {
	t.Helper()
	var out *domain.Frame
	for _, f := range frags {
		got, err := r.Push(context.Background(), f)
		if err != nil {
			t.Fatalf("Push(frag %d) failed: %v", f.FragSeq, err)
		}
		if got != nil {
			out = got
		}
	}
	return out
}

// ─── Fragmentation ──────────────────────────────────────────────────────────

func TestFragmentSizesWithQoSMultiplier(t *testing.T) {
	// Gold multiplies the 128 base by 2.0 → chunks of 256: 256+256+88.
	f := makeFrame(t, strings.Repeat("A", 600))
	p := DefaultPolicy()
	p.BaseMaxSize = 128

	frags := Fragment(f, p)
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}
	sizes := []int{len(frags[0].Payload.Content.Text), len(frags[1].Payload.Content.Text), len(frags[2].Payload.Content.Text)}
	if sizes[0] != 256 || sizes[1] != 256 || sizes[2] != 88 {
		t.Errorf("sizes = %v, want [256 256 88]", sizes)
	}
	for i, fr := range frags {
		if !fr.HasFlag(domain.FlagFrag) {
			t.Errorf("fragment %d missing FRAG", i)
		}
		if fr.FragSeq != i {
			t.Errorf("fragment %d frag_seq = %d", i, fr.FragSeq)
		}
	}
	if !frags[2].HasFlag(domain.FlagLast) {
		t.Error("final fragment missing LAST")
	}
	if frags[0].HasFlag(domain.FlagLast) {
		t.Error("first fragment must not carry LAST")
	}
}

func TestFragmentEmptyPayload(t *testing.T) {
	f := makeFrame(t, "")
	frags := Fragment(f, textPolicy(64))
	if len(frags) != 1 {
		t.Fatalf("fragments = %d, want 1", len(frags))
	}
	if !frags[0].HasFlag(domain.FlagFrag) || !frags[0].HasFlag(domain.FlagLast) {
		t.Errorf("flags = %v, want FRAG|LAST", frags[0].Flags)
	}
	if got := frags[0].Payload.Checksum; got != sha16("") {
		t.Errorf("checksum = %q, want %q", got, sha16(""))
	}
}

func TestFragmentBinaryChecksumsOverHex(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	f := makeFrame(t, "")
	f.Payload.Content = domain.BinaryContent(data)
	p := DefaultPolicy()
	p.BinaryMaxSize = 40
	p.QoSMultipliers = map[domain.QoS]float64{domain.QoSGold: 1.0}

	frags := Fragment(f, p)
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}
	want := sha16(hex.EncodeToString(data[:40]))
	if got := frags[0].Payload.Checksum; got != want {
		t.Errorf("checksum = %q, want %q", got, want)
	}
}

func TestMoreFlagSemantics(t *testing.T) {
	f := makeFrame(t, strings.Repeat("a", 2050))
	p := DefaultPolicy()
	p.BaseMaxSize = 800 // gold ×2 → 1600 → 2 fragments

	frags := Fragment(f, p)
	if len(frags) < 2 {
		t.Fatalf("fragments = %d, want >= 2", len(frags))
	}

	mf := ToMoreFlagSemantics(frags)
	total := 0
	for i, fr := range mf {
		if fr.FragSeq != i {
			t.Errorf("fragment %d frag_seq = %d", i, fr.FragSeq)
		}
		if fr.HasFlag(domain.FlagLast) {
			t.Errorf("fragment %d still carries LAST", i)
		}
		if i < len(mf)-1 && !fr.HasFlag(domain.FlagMore) {
			t.Errorf("fragment %d missing MORE", i)
		}
		if i == len(mf)-1 && fr.HasFlag(domain.FlagMore) {
			t.Error("final fragment incorrectly carries MORE")
		}
		if !fr.HasFlag(domain.FlagFrag) {
			t.Errorf("fragment %d missing FRAG", i)
		}
		total += len(fr.Payload.Content.Text)
	}
	if total != 2050 {
		t.Errorf("total text = %d, want 2050", total)
	}
}

// ─── Round-Trip ─────────────────────────────────────────────────────────────

func TestRoundTripText(t *testing.T) {
	text := strings.Repeat("A", 600)
	f := makeFrame(t, text)
	p := DefaultPolicy()
	p.BaseMaxSize = 128 // gold → 256

	frags := Fragment(f, p)
	out := pushAll(t, NewReassembler(Config{}), frags)
	if out == nil {
		t.Fatal("no reassembled frame produced")
	}
	if got := out.Payload.Content.Text; got != text {
		t.Fatalf("text length = %d, want 600", len(got))
	}
	if !out.HasFlag(domain.FlagReassembled) {
		t.Error("missing REASSEMBLED")
	}
	if out.HasFlag(domain.FlagFrag) || out.HasFlag(domain.FlagLast) {
		t.Errorf("flags = %v, FRAG/LAST must be stripped", out.Flags)
	}
	if out.FragSeq != 0 {
		t.Errorf("frag_seq = %d, want 0", out.FragSeq)
	}
	if got, want := out.Payload.Checksum, sha16(text); got != want {
		t.Errorf("checksum = %q, want %q", got, want)
	}
}

func TestRoundTripBinary(t *testing.T) {
	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	f := makeFrame(t, "")
	f.Payload.Content = domain.BinaryContent(data)

	frags := Fragment(f, DefaultPolicy())
	out := pushAll(t, NewReassembler(Config{}), frags)
	if out == nil {
		t.Fatal("no reassembled frame produced")
	}
	if !out.Payload.Content.IsBinary() {
		t.Fatal("expected binary content")
	}
	got := out.Payload.Content.Bytes
	if len(got) != len(data) {
		t.Fatalf("bytes = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %x, want %x", i, got[i], data[i])
		}
	}
}

func TestRoundTripMerkle(t *testing.T) {
	text := strings.Repeat("M", 700)
	f := makeFrame(t, text)
	p := textPolicy(128)
	p.EnableMerkle = true

	frags := Fragment(f, p)
	root := frags[0].Payload.Checksum
	if len(root) != 64 {
		t.Fatalf("merkle root length = %d, want 64", len(root))
	}
	for i, fr := range frags {
		if fr.Payload.Checksum != root {
			t.Errorf("fragment %d carries different root", i)
		}
	}

	out := pushAll(t, NewReassembler(Config{}), frags)
	if out == nil {
		t.Fatal("no reassembled frame produced")
	}
	if out.Payload.Checksum != root {
		t.Errorf("final checksum = %q, want merkle root", out.Payload.Checksum)
	}
	if out.Payload.Content.Text != text {
		t.Error("payload mismatch")
	}
}

// ─── Failure Paths ──────────────────────────────────────────────────────────

func TestChecksumCorruptionDetected(t *testing.T) {
	f := makeFrame(t, "HELLO WORLD THIS IS A LONG TEXT FOR CHECKSUM")
	frags := Fragment(f, textPolicy(16))

	bad := frags[0].Clone()
	bad.Payload.Content.Text += "X" // keep the original checksum

	r := NewReassembler(Config{})
	_, err := r.Push(context.Background(), bad)
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if !errors.Is(err, domain.ErrInvalidFragment) {
		t.Errorf("error does not match ErrInvalidFragment: %v", err)
	}
	if !strings.Contains(err.Error(), ReasonChecksumMismatch) {
		t.Errorf("error = %q, want %q", err, ReasonChecksumMismatch)
	}
}

func TestMerkleRootMismatch(t *testing.T) {
	f := makeFrame(t, strings.Repeat("Z", 300))
	p := textPolicy(100)
	p.EnableMerkle = true
	frags := Fragment(f, p)

	frags[1].Payload.Checksum = strings.Repeat("f", 64)

	r := NewReassembler(Config{})
	var err error
	for _, fr := range frags {
		if _, err = r.Push(context.Background(), fr); err != nil {
			break
		}
	}
	if err == nil || !strings.Contains(err.Error(), ReasonMerkleRootMismatch) {
		t.Fatalf("err = %v, want merkle root mismatch", err)
	}
}

func TestMissingFragmentsAfterRepeatedAttempts(t *testing.T) {
	f := makeFrame(t, strings.Repeat("B", 300))
	frags := Fragment(f, textPolicy(100))
	if len(frags) != 3 {
		t.Fatalf("fragments = %d, want 3", len(frags))
	}

	r := NewReassembler(Config{})
	ctx := context.Background()
	// Drop the middle fragment.
	if _, err := r.Push(ctx, frags[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Push(ctx, frags[2]); err != nil {
		t.Fatal(err)
	}
	// Re-deliveries of LAST retry completion; the second identical
	// missing set arms the counter, the third is fatal.
	if _, err := r.Push(ctx, frags[2]); err != nil {
		t.Fatalf("second attempt should not fail yet: %v", err)
	}
	_, err := r.Push(ctx, frags[2])
	if err == nil || !strings.Contains(err.Error(), ReasonMissingPrefix) {
		t.Fatalf("err = %v, want missing fragments", err)
	}
}

func TestTruncatedRedelivery(t *testing.T) {
	f := makeFrame(t, strings.Repeat("C", 200))
	frags := Fragment(f, textPolicy(100))

	r := NewReassembler(Config{})
	ctx := context.Background()
	if _, err := r.Push(ctx, frags[1]); err != nil { // LAST first
		t.Fatal(err)
	}
	// Redeliver LAST with a shorter body than first recorded.
	short := frags[1].Clone()
	short.Payload.Content.Text = short.Payload.Content.Text[:10]
	short.Payload.Checksum = sha16(short.Payload.Content.Text)
	_, err := r.Push(ctx, short)
	if err == nil || !strings.Contains(err.Error(), ReasonTruncated) {
		t.Fatalf("err = %v, want fragment truncated", err)
	}
}

// ─── Ordering ───────────────────────────────────────────────────────────────

func TestOutOfOrderWithDuplicate(t *testing.T) {
	text := strings.Repeat("O", 700)
	f := makeFrame(t, text)
	frags := Fragment(f, textPolicy(128))
	if len(frags) < 3 {
		t.Fatalf("fragments = %d, want >= 3", len(frags))
	}

	// Final fragment second; duplicate of the first at the head.
	order := []*domain.Frame{frags[0], frags[0], frags[len(frags)-1]}
	order = append(order, frags[1:len(frags)-1]...)

	r := NewReassembler(Config{})
	count := 0
	var out *domain.Frame
	for _, fr := range order {
		got, err := r.Push(context.Background(), fr)
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if got != nil {
			count++
			out = got
		}
	}
	if count != 1 {
		t.Fatalf("reassembled %d frames, want exactly 1", count)
	}
	if out.Payload.Content.Text != text {
		t.Error("payload mismatch")
	}
}

func TestLateFragmentDroppedAfterGapTTL(t *testing.T) {
	text := strings.Repeat("L", 300)
	f := makeFrame(t, text)
	frags := Fragment(f, textPolicy(100))

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReassembler(Config{
		GapTTL: 500 * time.Millisecond,
		Now:    func() time.Time { return current },
	})
	ctx := context.Background()

	// Fragment 1 arrives first: opens a gap at index 0.
	if _, err := r.Push(ctx, frags[1]); err != nil {
		t.Fatal(err)
	}
	// Fragment 0 closes the gap, but only after the gap TTL expired.
	current = current.Add(time.Second)
	got, err := r.Push(ctx, frags[0])
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("late fragment must be dropped, not applied")
	}
	// The message can never complete with part 0 dropped; pushing the
	// remaining parts yields no reassembled frame.
	if out, _ := r.Push(ctx, frags[2]); out != nil {
		t.Fatal("message completed despite dropped fragment")
	}
}

func TestGapClosedInTime(t *testing.T) {
	text := strings.Repeat("G", 300)
	f := makeFrame(t, text)
	frags := Fragment(f, textPolicy(100))

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReassembler(Config{
		GapTTL: 500 * time.Millisecond,
		Now:    func() time.Time { return current },
	})
	ctx := context.Background()

	if _, err := r.Push(ctx, frags[1]); err != nil {
		t.Fatal(err)
	}
	current = current.Add(100 * time.Millisecond)
	if _, err := r.Push(ctx, frags[0]); err != nil {
		t.Fatal(err)
	}
	out, err := r.Push(ctx, frags[2])
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || out.Payload.Content.Text != text {
		t.Fatal("gap closed in time should still reassemble")
	}
}

// ─── GC ─────────────────────────────────────────────────────────────────────

func TestGC(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewReassembler(Config{Now: func() time.Time { return current }})
	ctx := context.Background()

	f := makeFrame(t, strings.Repeat("A", 100))
	frags := Fragment(f, textPolicy(20))
	for _, fr := range frags[:len(frags)-1] {
		if _, err := r.Push(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}
	if r.PendingMessages() != 1 {
		t.Fatalf("pending = %d, want 1", r.PendingMessages())
	}

	current = current.Add(400 * time.Second)
	if removed := r.GC(300 * time.Second); removed != 1 {
		t.Errorf("GC removed %d, want 1", removed)
	}
	if r.PendingMessages() != 0 {
		t.Errorf("pending = %d, want 0", r.PendingMessages())
	}
}

// ─── External Store ─────────────────────────────────────────────────────────

func TestExternalStoreRoundTrip(t *testing.T) {
	text := strings.Repeat("E", 500)
	f := makeFrame(t, text)
	frags := Fragment(f, textPolicy(128))

	store := NewMemoryStore(0)
	r := NewReassembler(Config{Store: store})
	out := pushAll(t, r, frags)
	if out == nil {
		t.Fatal("no reassembled frame produced")
	}
	if out.Payload.Content.Text != text {
		t.Error("payload mismatch")
	}
	if !out.HasFlag(domain.FlagReassembled) {
		t.Error("missing REASSEMBLED")
	}
	if store.Len() != 0 {
		t.Errorf("store still holds %d entries", store.Len())
	}
}

func TestMemoryStorePrunesExpired(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	if _, _, err := store.PushPart("s", "st", 1, 0, "part", false, false); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d, want 1", store.Len())
	}

	current = current.Add(2 * time.Minute)
	if _, _, err := store.PushPart("s2", "st", 1, 0, "p", false, false); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("len = %d after prune, want 1", store.Len())
	}
}
