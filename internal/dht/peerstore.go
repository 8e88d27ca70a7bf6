package dht

import (
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshfind/meshfind/internal/identity"
)

// latencyAlpha is the EMA smoothing factor for observed peer latency.
const latencyAlpha = 0.2

// PeerInfo is the persisted view of a peer: identity material for record
// verification plus the profile the orchestrator's latency-aware routing
// reads.
type PeerInfo struct {
	Fingerprint identity.Fingerprint
	PubKey      ed25519.PublicKey
	PowNonce    uint64
	Address     string
	LastSeen    time.Time
	LatencyEMA  time.Duration
	LastNonce   uint64
}

// PeerStore is the persistent peer cache. It lets a node rejoin the
// overlay without bootstrap seeds and implements PeerResolver for the
// validator. All reads hit the in-memory map; writes go through to
// sqlite.
type PeerStore struct {
	db *sql.DB

	mu    sync.RWMutex
	peers map[identity.Fingerprint]*PeerInfo
}

// OpenPeerStore opens (or creates) the peer database at path.
func OpenPeerStore(path string) (*PeerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open peer store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			fingerprint BLOB PRIMARY KEY,
			pubkey      BLOB NOT NULL,
			pow_nonce   INTEGER NOT NULL,
			address     TEXT NOT NULL,
			last_seen   INTEGER NOT NULL,
			latency_us  INTEGER NOT NULL DEFAULT 0,
			last_nonce  INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers table: %w", err)
	}

	ps := &PeerStore{db: db, peers: make(map[identity.Fingerprint]*PeerInfo)}
	if err := ps.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PeerStore) loadAll() error {
	rows, err := ps.db.Query(`SELECT fingerprint, pubkey, pow_nonce, address, last_seen, latency_us, last_nonce FROM peers`)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fp, pub []byte
		var p PeerInfo
		var lastSeen, latencyUs int64
		if err := rows.Scan(&fp, &pub, &p.PowNonce, &p.Address, &lastSeen, &latencyUs, &p.LastNonce); err != nil {
			return fmt.Errorf("scan peer: %w", err)
		}
		if len(fp) != identity.FingerprintLen || len(pub) != ed25519.PublicKeySize {
			continue // skip corrupt rows, keep serving the rest
		}
		copy(p.Fingerprint[:], fp)
		p.PubKey = ed25519.PublicKey(pub)
		p.LastSeen = time.Unix(lastSeen, 0)
		p.LatencyEMA = time.Duration(latencyUs) * time.Microsecond
		ps.peers[p.Fingerprint] = &p
	}
	return rows.Err()
}

// Close flushes and closes the database.
func (ps *PeerStore) Close() error { return ps.db.Close() }

// Upsert records a peer sighting, keeping existing nonce and latency
// state when already known.
func (ps *PeerStore) Upsert(c Contact) error {
	ps.mu.Lock()
	p, ok := ps.peers[c.Fingerprint]
	if !ok {
		p = &PeerInfo{Fingerprint: c.Fingerprint}
		ps.peers[c.Fingerprint] = p
	}
	p.PubKey = c.PubKey
	p.PowNonce = c.PowNonce
	p.Address = c.Address
	p.LastSeen = time.Now()
	snapshot := *p
	ps.mu.Unlock()

	return ps.persist(&snapshot)
}

func (ps *PeerStore) persist(p *PeerInfo) error {
	_, err := ps.db.Exec(`
		INSERT INTO peers (fingerprint, pubkey, pow_nonce, address, last_seen, latency_us, last_nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			pubkey=excluded.pubkey, pow_nonce=excluded.pow_nonce,
			address=excluded.address, last_seen=excluded.last_seen,
			latency_us=excluded.latency_us, last_nonce=excluded.last_nonce`,
		p.Fingerprint[:], []byte(p.PubKey), p.PowNonce, p.Address,
		p.LastSeen.Unix(), p.LatencyEMA.Microseconds(), p.LastNonce)
	if err != nil {
		return fmt.Errorf("persist peer: %w", err)
	}
	return nil
}

// ObserveLatency folds a measured round-trip into the peer's EMA.
func (ps *PeerStore) ObserveLatency(fp identity.Fingerprint, rtt time.Duration) {
	ps.mu.Lock()
	p, ok := ps.peers[fp]
	if !ok {
		ps.mu.Unlock()
		return
	}
	if p.LatencyEMA == 0 {
		p.LatencyEMA = rtt
	} else {
		p.LatencyEMA = time.Duration(float64(p.LatencyEMA)*(1-latencyAlpha) + float64(rtt)*latencyAlpha)
	}
	snapshot := *p
	ps.mu.Unlock()
	_ = ps.persist(&snapshot)
}

// Profile returns the stored peer info, if known.
func (ps *PeerStore) Profile(fp identity.Fingerprint) (PeerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[fp]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// All returns every stored peer, for bootstrap-less rejoin.
func (ps *PeerStore) All() []PeerInfo {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, *p)
	}
	return out
}

// --- PeerResolver --------------------------------------------------------

// PubKey implements PeerResolver.
func (ps *PeerStore) PubKey(fp identity.Fingerprint) (ed25519.PublicKey, uint64, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.peers[fp]
	if !ok {
		return nil, 0, false
	}
	return p.PubKey, p.PowNonce, true
}

// LastNonce implements PeerResolver.
func (ps *PeerStore) LastNonce(fp identity.Fingerprint) uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.peers[fp]; ok {
		return p.LastNonce
	}
	return 0
}

// SetLastNonce implements PeerResolver.
func (ps *PeerStore) SetLastNonce(fp identity.Fingerprint, nonce uint64) {
	ps.mu.Lock()
	p, ok := ps.peers[fp]
	if !ok || nonce <= p.LastNonce {
		ps.mu.Unlock()
		return
	}
	p.LastNonce = nonce
	snapshot := *p
	ps.mu.Unlock()
	_ = ps.persist(&snapshot)
}
