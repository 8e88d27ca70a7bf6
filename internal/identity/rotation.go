package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Handover is the SIGNED-BY-OLD record produced by key rotation. The old
// key signs an envelope naming the new public key; the old fingerprint is
// published as revoked within one hour of rotation.
type Handover struct {
	OldFingerprint Fingerprint
	OldPublic      ed25519.PublicKey
	NewPublic      ed25519.PublicKey
	NewNonce       uint64
	NewFingerprint Fingerprint
	RotatedAt      time.Time
	Signature      []byte // old key over canonical bytes
}

// canonicalHandover is the deterministic signing input: fixed field order,
// fixed-width integers, explicit lengths.
func canonicalHandover(h *Handover) []byte {
	buf := make([]byte, 0, FingerprintLen*2+ed25519.PublicKeySize*2+16)
	buf = append(buf, h.OldFingerprint[:]...)
	buf = append(buf, h.OldPublic...)
	buf = append(buf, h.NewPublic...)
	buf = binary.LittleEndian.AppendUint64(buf, h.NewNonce)
	buf = append(buf, h.NewFingerprint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.RotatedAt.UnixMilli()))
	return buf
}

// Rotate mines a new identity at the same difficulty and returns it with a
// handover record signed by the old key.
func (id *Identity) Rotate() (*Identity, *Handover, error) {
	next, err := Generate(id.Difficulty)
	if err != nil {
		return nil, nil, fmt.Errorf("rotate identity: %w", err)
	}
	h := &Handover{
		OldFingerprint: id.Fingerprint,
		OldPublic:      id.Public,
		NewPublic:      next.Public,
		NewNonce:       next.Nonce,
		NewFingerprint: next.Fingerprint,
		RotatedAt:      time.Now().UTC(),
	}
	h.Signature = id.Sign(canonicalHandover(h))
	return next, h, nil
}

// VerifyHandover checks the handover chain: old signature valid, new
// fingerprint meets the old identity's implied difficulty.
func VerifyHandover(h *Handover, difficulty int) error {
	if len(h.OldPublic) != ed25519.PublicKeySize {
		return fmt.Errorf("old public key wrong size: %w", ErrInvalidSignature)
	}
	if err := Verify(h.OldPublic, canonicalHandover(h), h.Signature); err != nil {
		return fmt.Errorf("handover signature: %w", err)
	}
	if err := VerifyPoW(h.NewPublic, h.NewNonce, h.NewFingerprint, difficulty); err != nil {
		return fmt.Errorf("handover new identity: %w", err)
	}
	return nil
}
