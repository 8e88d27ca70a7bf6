package ledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/meshfind/meshfind/internal/mesherr"
)

// Merkle commitment over the entry hashes. Odd nodes at any level are
// promoted unchanged. Leaf order is chain order, so a proof binds an
// entry to both its content and its position-independent membership.

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash [32]byte
	Left bool // sibling sits on the left
}

func combine(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (l *Ledger) leafHashes() ([][32]byte, error) {
	rows, err := l.db.Query("SELECT hash FROM entries ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("load entry hashes: %w", err)
	}
	defer rows.Close()
	var leaves [][32]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var h [32]byte
		copy(h[:], b)
		leaves = append(leaves, h)
	}
	return leaves, rows.Err()
}

// MerkleRoot computes the root over the current chain.
func (l *Ledger) MerkleRoot() ([32]byte, error) {
	leaves, err := l.leafHashes()
	if err != nil {
		return [32]byte{}, err
	}
	if len(leaves) == 0 {
		return [32]byte{}, mesherr.New(mesherr.KindInputRejected, "empty ledger has no root")
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0], nil
}

// Prove builds the membership proof for the entry at seq (1-based).
func (l *Ledger) Prove(seq uint64) ([]ProofStep, error) {
	leaves, err := l.leafHashes()
	if err != nil {
		return nil, err
	}
	if seq == 0 || seq > uint64(len(leaves)) {
		return nil, mesherr.Newf(mesherr.KindInputRejected, "no entry at seq %d", seq)
	}
	idx := int(seq - 1)
	var proof []ProofStep
	level := leaves
	for len(level) > 1 {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{Hash: level[sibling], Left: sibling < idx})
		}
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		idx /= 2
	}
	return proof, nil
}

// VerifyProof checks a membership proof against a published root.
func VerifyProof(leaf [32]byte, proof []ProofStep, root [32]byte) bool {
	h := leaf
	for _, step := range proof {
		if step.Left {
			h = combine(step.Hash, h)
		} else {
			h = combine(h, step.Hash)
		}
	}
	return h == root
}
