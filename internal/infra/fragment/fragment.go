package fragment

import (
	"encoding/hex"
	"sort"

	"github.com/atp-network/atp-router/internal/domain"
	"github.com/atp-network/atp-router/internal/infra/observability"
)

// Fragment splits a frame into fragments under the given policy.
//
// Text payloads are chunked by code points, binary payloads by bytes.
// Every fragment gains FRAG; the final one additionally gains LAST.
// Per-fragment checksums are the 16-hex SHA-256 prefix of the chunk
// (of its hex encoding for binary); with Merkle enabled every fragment
// instead carries the full 64-hex root over all chunks. An empty payload
// emits exactly one FRAG|LAST fragment.
func Fragment(frame *domain.Frame, policy Policy) []*domain.Frame {
	maxSize := policy.MaxFragmentSize(frame)
	if frame.Payload.Content.IsBinary() {
		return fragmentBinary(frame, frame.Payload.Content.Bytes, maxSize, policy)
	}
	return fragmentText(frame, frame.Payload.Content.Text, maxSize, policy)
}

func fragmentText(frame *domain.Frame, text string, maxSize int, policy Policy) []*domain.Frame {
	var merkleRoot string
	if policy.EnableMerkle {
		merkleRoot = merkleChecksum(text, maxSize)
	}

	var frags []*domain.Frame
	runes := []rune(text)
	seq := 0
	for start := 0; start < len(runes); start += maxSize {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])

		f := frame.Clone()
		f.FragSeq = seq
		f.Payload.Content.Text = chunk
		f.AddFlag(domain.FlagFrag)
		if policy.EnableMerkle && merkleRoot != "" {
			f.Payload.Checksum = merkleRoot
		} else {
			f.Payload.Checksum = checksumOf(chunk)
		}
		frags = append(frags, f)
		seq++
	}

	if len(frags) > 0 {
		frags[len(frags)-1].AddFlag(domain.FlagLast)
	} else {
		// Empty payload: single empty fragment.
		f := frame.Clone()
		f.FragSeq = 0
		f.Payload.Content.Text = ""
		f.AddFlag(domain.FlagFrag)
		f.AddFlag(domain.FlagLast)
		f.Payload.Checksum = checksumOf("")
		frags = append(frags, f)
	}

	observability.FragmentCountPerMessage.Observe(float64(len(frags)))
	return frags
}

func fragmentBinary(frame *domain.Frame, data []byte, maxSize int, policy Policy) []*domain.Frame {
	var merkleRoot string
	if policy.EnableMerkle {
		// Checksums for binary payloads are computed over the hex
		// encoding for cross-type uniformity.
		merkleRoot = merkleChecksum(hex.EncodeToString(data), maxSize)
	}

	var frags []*domain.Frame
	seq := 0
	for start := 0; start < len(data); start += maxSize {
		end := start + maxSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		f := frame.Clone()
		f.FragSeq = seq
		f.Payload.Content = domain.BinaryContent(append([]byte(nil), chunk...))
		f.AddFlag(domain.FlagFrag)
		if policy.EnableMerkle && merkleRoot != "" {
			f.Payload.Checksum = merkleRoot
		} else {
			f.Payload.Checksum = checksumOf(hex.EncodeToString(chunk))
		}
		frags = append(frags, f)
		seq++
	}

	if len(frags) > 0 {
		frags[len(frags)-1].AddFlag(domain.FlagLast)
	} else {
		f := frame.Clone()
		f.FragSeq = 0
		f.Payload.Content = domain.BinaryContent(nil)
		f.AddFlag(domain.FlagFrag)
		f.AddFlag(domain.FlagLast)
		f.Payload.Checksum = checksumOf("")
		frags = append(frags, f)
	}

	observability.FragmentCountPerMessage.Observe(float64(len(frags)))
	return frags
}

// ToMoreFlagSemantics returns copies of the fragments using MORE-flag
// semantics: every non-final fragment carries MORE, the final fragment
// carries neither MORE nor LAST, and FRAG is kept throughout.
func ToMoreFlagSemantics(fragments []*domain.Frame) []*domain.Frame {
	out := make([]*domain.Frame, 0, len(fragments))
	for i, f := range fragments {
		nf := f.Clone()
		flags := make(map[string]bool, len(nf.Flags)+1)
		for _, fl := range nf.Flags {
			flags[fl] = true
		}
		delete(flags, domain.FlagLast)
		if i < len(fragments)-1 {
			flags[domain.FlagMore] = true
		} else {
			delete(flags, domain.FlagMore)
		}
		flags[domain.FlagFrag] = true

		sorted := make([]string, 0, len(flags))
		for fl := range flags {
			sorted = append(sorted, fl)
		}
		sort.Strings(sorted)
		nf.Flags = sorted
		out = append(out, nf)
	}
	return out
}
