/*
Package identity manages the node's Ed25519 keypair and its proof-of-work
bound peer fingerprint.

A peer fingerprint is SHA-256(pubkey || nonce) and must exhibit at least
the configured number of leading zero bits. Records signed by a peer whose
fingerprint fails the PoW check are discarded everywhere in the node.
*/
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"time"
)

// FingerprintLen is the byte length of a peer fingerprint.
const FingerprintLen = 32

// DefaultDifficulty is the default PoW difficulty in leading zero bits.
// Production deployments target 24.
const DefaultDifficulty = 20

var (
	// ErrInvalidSignature is returned when a signature fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrStaleEnvelope is returned when an envelope timestamp is outside
	// the permitted clock skew.
	ErrStaleEnvelope = errors.New("stale envelope")
	// ErrReplayNonce is returned when an envelope nonce does not exceed
	// the highest previously accepted nonce for the peer.
	ErrReplayNonce = errors.New("replayed nonce")
	// ErrInsufficientPoW is returned when a fingerprint does not meet the
	// required difficulty.
	ErrInsufficientPoW = errors.New("insufficient proof-of-work")
)

// Fingerprint is the 256-bit peer identifier.
type Fingerprint [FingerprintLen]byte

// String returns the fingerprint as lowercase hex.
func (f Fingerprint) String() string { return fmt.Sprintf("%x", f[:]) }

// LeadingZeroBits counts the leading zero bits of the fingerprint.
func (f Fingerprint) LeadingZeroBits() int {
	n := 0
	for _, b := range f {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// Identity is a node identity: keypair plus the PoW-bound fingerprint.
type Identity struct {
	Public      ed25519.PublicKey
	private     ed25519.PrivateKey
	Nonce       uint64
	Fingerprint Fingerprint
	CreatedAt   time.Time
	Difficulty  int
}

// DeriveFingerprint computes SHA-256(pubkey || nonce_le).
func DeriveFingerprint(pub ed25519.PublicKey, nonce uint64) Fingerprint {
	h := sha256.New()
	h.Write(pub)
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	h.Write(nb[:])
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// VerifyPoW checks that the fingerprint matches the pubkey+nonce and meets
// the difficulty.
func VerifyPoW(pub ed25519.PublicKey, nonce uint64, f Fingerprint, difficulty int) error {
	if DeriveFingerprint(pub, nonce) != f {
		return fmt.Errorf("fingerprint does not match pubkey+nonce: %w", ErrInsufficientPoW)
	}
	if f.LeadingZeroBits() < difficulty {
		return fmt.Errorf("%d leading zero bits, need %d: %w",
			f.LeadingZeroBits(), difficulty, ErrInsufficientPoW)
	}
	return nil
}

// Generate creates a fresh identity, mining a nonce until the fingerprint
// meets the difficulty. Blocks until found; at the default difficulty this
// takes on the order of a second.
func Generate(difficulty int) (*Identity, error) {
	if difficulty < 0 || difficulty > 64 {
		return nil, fmt.Errorf("difficulty %d out of range", difficulty)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	var nonce uint64
	// Randomize the starting point so restarts don't re-mine the same range.
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		nonce = binary.LittleEndian.Uint64(seed[:])
	}

	for {
		f := DeriveFingerprint(pub, nonce)
		if f.LeadingZeroBits() >= difficulty {
			return &Identity{
				Public:      pub,
				private:     priv,
				Nonce:       nonce,
				Fingerprint: f,
				CreatedAt:   time.Now().UTC(),
				Difficulty:  difficulty,
			}, nil
		}
		nonce++
	}
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// --- key persistence -----------------------------------------------------

const (
	privKeyFile = "node.key"
	pubKeyFile  = "node.pub"
	metaFile    = "node.meta"
)

// Save writes the identity under dir (created if missing). The private key
// file is written with 0600 permissions; loading refuses anything looser.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privKeyFile), id.private.Seed(), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pubKeyFile), id.Public, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	meta := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(meta[0:8], id.Nonce)
	binary.LittleEndian.PutUint64(meta[8:16], uint64(id.CreatedAt.Unix()))
	binary.LittleEndian.PutUint32(meta[16:20], uint32(id.Difficulty))
	if err := os.WriteFile(filepath.Join(dir, metaFile), meta, 0o600); err != nil {
		return fmt.Errorf("write identity meta: %w", err)
	}
	return nil
}

// Load reads an identity previously written by Save and re-verifies its PoW.
func Load(dir string) (*Identity, error) {
	privPath := filepath.Join(dir, privKeyFile)
	st, err := os.Stat(privPath)
	if err != nil {
		return nil, fmt.Errorf("stat private key: %w", err)
	}
	if st.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("private key %s has permissions %o, want 0600", privPath, st.Mode().Perm())
	}
	seed, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	meta, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read identity meta: %w", err)
	}
	if len(meta) < 20 {
		return nil, fmt.Errorf("identity meta truncated")
	}
	nonce := binary.LittleEndian.Uint64(meta[0:8])
	created := time.Unix(int64(binary.LittleEndian.Uint64(meta[8:16])), 0).UTC()
	difficulty := int(binary.LittleEndian.Uint32(meta[16:20]))

	f := DeriveFingerprint(pub, nonce)
	if err := VerifyPoW(pub, nonce, f, difficulty); err != nil {
		return nil, err
	}
	return &Identity{
		Public:      pub,
		private:     priv,
		Nonce:       nonce,
		Fingerprint: f,
		CreatedAt:   created,
		Difficulty:  difficulty,
	}, nil
}

// LoadOrGenerate loads the identity from dir, generating and saving a new
// one when none exists.
func LoadOrGenerate(dir string, difficulty int) (*Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(errCause(err)) {
		// Key exists but is unreadable or invalid: do not silently
		// overwrite someone's identity.
		if _, statErr := os.Stat(filepath.Join(dir, privKeyFile)); statErr == nil {
			return nil, err
		}
	}
	id, err = Generate(difficulty)
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}

func errCause(err error) error {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
}
