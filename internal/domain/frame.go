// Package domain defines the core protocol model for the ATP router:
// the Frame record, its payload variant, QoS classes, flag vocabulary,
// and the validation rules enforced at the protocol boundary.
//
// Domain types are pure — no infrastructure dependency. Everything that
// crosses the wire is validated here before any other subsystem sees it.
package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ─── Constants ──────────────────────────────────────────────────────────────

// ProtocolVersion is the only frame version this router speaks.
const ProtocolVersion = 1

// Frame flags. A fragment carries FlagFrag; the terminal fragment also
// carries FlagLast (or, under MORE semantics, non-terminal fragments carry
// FlagMore instead). A reassembled frame carries FlagReassembled.
const (
	FlagSYN         = "SYN"
	FlagACK         = "ACK"
	FlagFIN         = "FIN"
	FlagFrag        = "FRAG"
	FlagLast        = "LAST"
	FlagMore        = "MORE"
	FlagReassembled = "REASSEMBLED"
)

// Window bounds mirror the wire schema limits.
const (
	MaxWindowParallel  = 1_000
	MaxWindowTokens    = 10_000_000
	MaxWindowUSDMicros = 10_000_000_000
	MaxTTL             = 255
)

// ─── QoS ────────────────────────────────────────────────────────────────────

// QoS is the quality-of-service class of a frame.
type QoS string

const (
	QoSGold   QoS = "gold"
	QoSSilver QoS = "silver"
	QoSBronze QoS = "bronze"
)

// Valid reports whether q is one of the enumerated classes.
func (q QoS) Valid() bool {
	switch q {
	case QoSGold, QoSSilver, QoSBronze:
		return true
	}
	return false
}

// ─── Window ─────────────────────────────────────────────────────────────────

// Window carries the admission bounds a frame requests.
type Window struct {
	MaxParallel  int   `json:"max_parallel"`
	MaxTokens    int64 `json:"max_tokens"`
	MaxUSDMicros int64 `json:"max_usd_micros"`
}

// Validate enforces the numeric bounds of the wire schema.
func (w Window) Validate() error {
	if w.MaxParallel < 0 || w.MaxParallel > MaxWindowParallel {
		return fmt.Errorf("%w: window.max_parallel %d out of range", ErrFrameInvalid, w.MaxParallel)
	}
	if w.MaxTokens < 0 || w.MaxTokens > MaxWindowTokens {
		return fmt.Errorf("%w: window.max_tokens %d out of range", ErrFrameInvalid, w.MaxTokens)
	}
	if w.MaxUSDMicros < 0 || w.MaxUSDMicros > MaxWindowUSDMicros {
		return fmt.Errorf("%w: window.max_usd_micros %d out of range", ErrFrameInvalid, w.MaxUSDMicros)
	}
	return nil
}

// ─── Meta ───────────────────────────────────────────────────────────────────

// Meta is the optional routing metadata attached to a frame.
type Meta struct {
	TaskType        string         `json:"task_type,omitempty"`
	Languages       []string       `json:"languages,omitempty"`
	Risk            string         `json:"risk,omitempty"`
	DataScope       []string       `json:"data_scope,omitempty"`
	Trace           map[string]any `json:"trace,omitempty"`
	ToolPermissions []string       `json:"tool_permissions,omitempty"`
	EnvironmentID   string         `json:"environment_id,omitempty"`
	SecurityGroups  []string       `json:"security_groups,omitempty"`
}

// ─── Payload Content ────────────────────────────────────────────────────────

// ContentKind discriminates the payload content variant.
type ContentKind int

const (
	// ContentText is a structured object containing a "text" string.
	ContentText ContentKind = iota
	// ContentBinary is an opaque byte blob, carried on the wire as a hex
	// string. Other content shapes are not mapped to this arm: decoding
	// rejects an object without a text string and any non-string value.
	ContentBinary
)

// Content is the tagged payload variant. Text content may carry extra
// structured keys alongside the text itself (Rest); binary content is
// raw bytes, hex-encoded on the wire.
type Content struct {
	Kind  ContentKind
	Text  string
	Rest  map[string]any
	Bytes []byte
}

// TextContent builds a text-kind content.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// BinaryContent builds a binary-kind content.
func BinaryContent(b []byte) Content {
	return Content{Kind: ContentBinary, Bytes: b}
}

// IsBinary reports whether the content is the binary arm.
func (c Content) IsBinary() bool { return c.Kind == ContentBinary }

// MarshalJSON encodes text content as the structured object (Rest keys
// plus "text") and binary content as a hex string.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Kind == ContentBinary {
		return json.Marshal(hex.EncodeToString(c.Bytes))
	}
	obj := make(map[string]any, len(c.Rest)+1)
	for k, v := range c.Rest {
		obj[k] = v
	}
	obj["text"] = c.Text
	return json.Marshal(obj)
}

// UnmarshalJSON decodes the content variant: an object with a "text"
// string is text content; a string is hex-encoded binary; anything else
// is rejected.
func (c *Content) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		text, ok := obj["text"].(string)
		if !ok {
			return fmt.Errorf("%w: content object lacks text string", ErrFrameInvalid)
		}
		delete(obj, "text")
		if len(obj) == 0 {
			obj = nil
		}
		*c = Content{Kind: ContentText, Text: text, Rest: obj}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: binary content is not hex: %v", ErrFrameInvalid, err)
		}
		*c = Content{Kind: ContentBinary, Bytes: b}
		return nil
	}
	return fmt.Errorf("%w: content is neither object nor hex string", ErrFrameInvalid)
}

// Clone returns a deep copy of the content.
func (c Content) Clone() Content {
	out := Content{Kind: c.Kind, Text: c.Text}
	if c.Bytes != nil {
		out.Bytes = append([]byte(nil), c.Bytes...)
	}
	if c.Rest != nil {
		out.Rest = make(map[string]any, len(c.Rest))
		for k, v := range c.Rest {
			out.Rest[k] = v
		}
	}
	return out
}

// ─── Payload ────────────────────────────────────────────────────────────────

// CostEst is the producer's cost estimate for a payload.
type CostEst struct {
	InTokens  int64 `json:"in_tokens"`
	OutTokens int64 `json:"out_tokens"`
	USDMicros int64 `json:"usd_micros"`
}

// Payload is the body of a frame.
type Payload struct {
	Type       string   `json:"type"`
	Content    Content  `json:"content"`
	Confidence *float64 `json:"confidence,omitempty"`
	CostEst    *CostEst `json:"cost_est,omitempty"`
	Checksum   string   `json:"checksum,omitempty"`
	ExpiryMS   *int64   `json:"expiry_ms,omitempty"`
}

// Validate enforces payload bounds.
func (p Payload) Validate() error {
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrFrameInvalid, *p.Confidence)
	}
	if p.ExpiryMS != nil && *p.ExpiryMS < 0 {
		return fmt.Errorf("%w: negative expiry_ms", ErrFrameInvalid)
	}
	if p.CostEst != nil {
		if p.CostEst.InTokens < 0 || p.CostEst.OutTokens < 0 || p.CostEst.USDMicros < 0 {
			return fmt.Errorf("%w: negative cost estimate", ErrFrameInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := p
	out.Content = p.Content.Clone()
	if p.Confidence != nil {
		v := *p.Confidence
		out.Confidence = &v
	}
	if p.CostEst != nil {
		v := *p.CostEst
		out.CostEst = &v
	}
	if p.ExpiryMS != nil {
		v := *p.ExpiryMS
		out.ExpiryMS = &v
	}
	return out
}

// ─── Frame ──────────────────────────────────────────────────────────────────

// Frame is the unit of protocol exchange. (session_id, stream_id, msg_seq)
// identify a logical message; frag_seq indexes a fragment within it.
type Frame struct {
	V         int      `json:"v"`
	SessionID string   `json:"session_id"`
	StreamID  string   `json:"stream_id"`
	MsgSeq    int64    `json:"msg_seq"`
	FragSeq   int      `json:"frag_seq"`
	Flags     []string `json:"flags"`
	QoS       QoS      `json:"qos"`
	TTL       int      `json:"ttl"`
	Window    Window   `json:"window"`
	Meta      Meta     `json:"meta"`
	Payload   Payload  `json:"payload"`
	Sig       string   `json:"sig,omitempty"`
}

// Validate enforces the frame invariants at construction: version, qos,
// flag shape, ttl range, sequence signs, and window/payload bounds.
func (f *Frame) Validate() error {
	if f.V != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrFrameInvalid, f.V)
	}
	if !f.QoS.Valid() {
		return fmt.Errorf("%w: invalid qos %q", ErrFrameInvalid, f.QoS)
	}
	for _, fl := range f.Flags {
		if strings.TrimSpace(fl) == "" {
			return fmt.Errorf("%w: empty flag", ErrFrameInvalid)
		}
	}
	if f.TTL < 0 || f.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl %d out of range", ErrFrameInvalid, f.TTL)
	}
	if f.MsgSeq < 0 {
		return fmt.Errorf("%w: negative msg_seq", ErrFrameInvalid)
	}
	if f.FragSeq < 0 {
		return fmt.Errorf("%w: negative frag_seq", ErrFrameInvalid)
	}
	if err := f.Window.Validate(); err != nil {
		return err
	}
	return f.Payload.Validate()
}

// HasFlag reports whether the frame carries the given flag.
func (f *Frame) HasFlag(flag string) bool {
	for _, fl := range f.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// AddFlag appends a flag if not already present.
func (f *Frame) AddFlag(flag string) {
	if !f.HasFlag(flag) {
		f.Flags = append(f.Flags, flag)
	}
}

// WithoutFlags returns a copy of the flag set with the given flags removed.
func (f *Frame) WithoutFlags(drop ...string) []string {
	out := make([]string, 0, len(f.Flags))
	for _, fl := range f.Flags {
		dropped := false
		for _, d := range drop {
			if fl == d {
				dropped = true
				break
			}
		}
		if !dropped {
			out = append(out, fl)
		}
	}
	return out
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	out := *f
	out.Flags = append([]string(nil), f.Flags...)
	out.Payload = f.Payload.Clone()
	if f.Meta.Languages != nil {
		out.Meta.Languages = append([]string(nil), f.Meta.Languages...)
	}
	if f.Meta.DataScope != nil {
		out.Meta.DataScope = append([]string(nil), f.Meta.DataScope...)
	}
	if f.Meta.ToolPermissions != nil {
		out.Meta.ToolPermissions = append([]string(nil), f.Meta.ToolPermissions...)
	}
	if f.Meta.SecurityGroups != nil {
		out.Meta.SecurityGroups = append([]string(nil), f.Meta.SecurityGroups...)
	}
	if f.Meta.Trace != nil {
		out.Meta.Trace = make(map[string]any, len(f.Meta.Trace))
		for k, v := range f.Meta.Trace {
			out.Meta.Trace[k] = v
		}
	}
	return &out
}

// EncodeJSON serializes the frame in its canonical wire form.
func (f *Frame) EncodeJSON() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeJSON parses and validates a frame from its canonical wire form.
func DecodeJSON(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
