package dht

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/wire"
)

// Validation limits.
const (
	// MaxClockSkew bounds |now - envelope timestamp|.
	MaxClockSkew = 300 * time.Second

	// PointerRatePerHour limits keyword pointer stores per (peer, key).
	PointerRatePerHour = 10

	// GeneralRatePerHour limits all other stores per (peer, key).
	GeneralRatePerHour = 100
)

// PeerResolver supplies the identity material and replay state for a
// sender-identified peer. Implemented by the peer store.
type PeerResolver interface {
	// PubKey returns the peer's public key and PoW nonce, or false when
	// the peer is unknown.
	PubKey(identity.Fingerprint) (ed25519.PublicKey, uint64, bool)
	// LastNonce returns the highest accepted envelope nonce for the peer.
	LastNonce(identity.Fingerprint) uint64
	// SetLastNonce records an accepted envelope nonce.
	SetLastNonce(identity.Fingerprint, uint64)
}

// Validator runs every STORE through the fixed pipeline: decode caps,
// signature, freshness, nonce monotonicity, rate limit, schema checks.
// Anything failing is dropped; the node never crashes on input.
type Validator struct {
	clock      clock.Clock
	peers      PeerResolver
	difficulty int

	// isolated reports whether a peer is currently isolated.
	isolated func(identity.Fingerprint) bool

	mu      sync.Mutex
	buckets map[rateKey]*rateWindow
}

type rateKey struct {
	peer identity.Fingerprint
	key  ID
	tag  byte
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// NewValidator builds a validator. isolated may be nil when the trust
// kernel is not wired (tests).
func NewValidator(clk clock.Clock, peers PeerResolver, powDifficulty int, isolated func(identity.Fingerprint) bool) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	if isolated == nil {
		isolated = func(identity.Fingerprint) bool { return false }
	}
	return &Validator{
		clock:      clk,
		peers:      peers,
		difficulty: powDifficulty,
		isolated:   isolated,
		buckets:    make(map[rateKey]*rateWindow),
	}
}

// Validate decodes and checks raw envelope bytes destined for key.
// On success it returns the envelope and its record and advances the
// peer's nonce watermark.
func (v *Validator) Validate(key ID, raw []byte) (*wire.Envelope, wire.Record, error) {
	// 1. Deserialize with hard size caps.
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "decode envelope", err)
	}
	rec, err := wire.DecodePayload(env.Payload)
	if err != nil {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "decode payload", err)
	}

	if v.isolated(env.PeerID) {
		return nil, nil, mesherr.Newf(mesherr.KindTrustDenied, "peer %s is isolated", env.PeerID)
	}

	// 2. Verify signature against the sender-identified pubkey, and the
	// sender's admission PoW.
	pub, nonce, ok := v.peers.PubKey(env.PeerID)
	if !ok {
		return nil, nil, mesherr.Newf(mesherr.KindProtocolViolation, "unknown peer %s", env.PeerID)
	}
	if err := identity.VerifyPoW(pub, nonce, env.PeerID, v.difficulty); err != nil {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "peer pow", err)
	}
	if err := env.VerifySig(pub); err != nil {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "envelope signature", err)
	}

	// 3. Envelope freshness.
	now := v.clock.Now()
	ts := time.UnixMilli(int64(env.TimestampMs))
	if d := now.Sub(ts); d > MaxClockSkew || d < -MaxClockSkew {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "freshness", identity.ErrStaleEnvelope)
	}

	// 4. Nonce strictly greater than the highest previously accepted.
	if env.Nonce <= v.peers.LastNonce(env.PeerID) {
		return nil, nil, mesherr.Wrap(mesherr.KindProtocolViolation, "nonce", identity.ErrReplayNonce)
	}

	// 5. Per-key rate limit.
	if err := v.admitRate(env.PeerID, key, rec.Tag(), now); err != nil {
		return nil, nil, err
	}

	// 6. Schema-specific constraints.
	if err := checkSchema(key, env, rec); err != nil {
		return nil, nil, err
	}

	v.peers.SetLastNonce(env.PeerID, env.Nonce)
	return env, rec, nil
}

func (v *Validator) admitRate(peer identity.Fingerprint, key ID, tag byte, now time.Time) error {
	limit := GeneralRatePerHour
	if tag == wire.TagKeywordPointer {
		limit = PointerRatePerHour
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	rk := rateKey{peer: peer, key: key, tag: tag}
	w := v.buckets[rk]
	if w == nil || now.Sub(w.windowStart) >= time.Hour {
		w = &rateWindow{windowStart: now}
		v.buckets[rk] = w
	}
	if w.count >= limit {
		return mesherr.Newf(mesherr.KindResourceExhausted,
			"rate limit %d/h exceeded for peer %s tag 0x%02x", limit, peer, tag)
	}
	w.count++
	return nil
}

// checkSchema enforces per-type constraints that need only the record and
// the key. Stateful lock-ownership checks live in Store.Put.
func checkSchema(key ID, env *wire.Envelope, rec wire.Record) error {
	switch r := rec.(type) {
	case *wire.CrawlLock:
		if r.TTLSeconds == 0 || time.Duration(r.TTLSeconds)*time.Second > LockTTL {
			return mesherr.Newf(mesherr.KindProtocolViolation, "lock ttl %ds outside (0, 300]", r.TTLSeconds)
		}
		if KeyForLock(r.CanonicalURL) != key {
			return mesherr.New(mesherr.KindProtocolViolation, "lock stored under wrong key")
		}
	case *wire.CrawlLockRelease:
		if KeyForLock(r.CanonicalURL) != key {
			return mesherr.New(mesherr.KindProtocolViolation, "lock release under wrong key")
		}
	case *wire.ContentAttestation:
		if KeyForAttestation(r.CanonicalURL) != key {
			return mesherr.New(mesherr.KindProtocolViolation, "attestation under wrong key")
		}
		if r.RawHash == ([32]byte{}) || r.ContentHash == ([32]byte{}) {
			return mesherr.New(mesherr.KindProtocolViolation, "attestation missing hashes")
		}
	case *wire.AuditReport:
		if r.TargetPeer == env.PeerID {
			return mesherr.New(mesherr.KindProtocolViolation, "peer may not audit itself")
		}
	}
	return nil
}

// Sweep drops rate windows older than an hour. Called from the node's
// maintenance loop to bound memory.
func (v *Validator) Sweep() {
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, w := range v.buckets {
		if now.Sub(w.windowStart) >= time.Hour {
			delete(v.buckets, k)
		}
	}
}
