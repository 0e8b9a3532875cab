package fragment

import (
	"crypto/sha256"
	"encoding/hex"
)

// ─── Merkle Tree ────────────────────────────────────────────────────────────
// Binary Merkle tree over fragment chunks. Leaves are SHA-256 of the chunk;
// each internal node is SHA-256 of the concatenated child digests; an odd
// node is paired with itself. Rebuild on each insertion is acceptable at
// fragment-count scale.

// MerkleTree accumulates fragment chunks and exposes the running root.
type MerkleTree struct {
	leaves []string
	root   string
}

// AddLeaf hashes a chunk into the tree and recomputes the root.
func (m *MerkleTree) AddLeaf(data string) {
	sum := sha256.Sum256([]byte(data))
	m.leaves = append(m.leaves, hex.EncodeToString(sum[:]))
	m.rebuild()
}

// Root returns the current root as a full 64-character hex digest,
// or "" if the tree is empty.
func (m *MerkleTree) Root() string { return m.root }

func (m *MerkleTree) rebuild() {
	if len(m.leaves) == 0 {
		m.root = ""
		return
	}
	level := append([]string(nil), m.leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256([]byte(left + right))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	m.root = level[0]
}

// merkleChecksum computes the Merkle root over data chunked at chunkSize
// code points. An empty input hashes to SHA-256 of the empty string.
func merkleChecksum(data string, chunkSize int) string {
	if data == "" {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	var tree MerkleTree
	runes := []rune(data)
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		tree.AddLeaf(string(runes[start:end]))
	}
	return tree.Root()
}
