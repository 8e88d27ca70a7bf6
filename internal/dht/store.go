package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/wire"
)

// Record lifetimes. Locks carry their own TTL (capped at LockTTL).
const (
	LockTTL        = 300 * time.Second
	AttestationTTL = 7 * 24 * time.Hour
	PointerTTL     = 24 * time.Hour
	AuditReportTTL = 7 * 24 * time.Hour
	TakedownTTL    = 24 * time.Hour
)

// StoredRecord is one validated record held at a key.
type StoredRecord struct {
	Envelope *wire.Envelope
	Record   wire.Record
	StoredAt time.Time
	Expires  time.Time
}

// Peer returns the signing peer's fingerprint.
func (s *StoredRecord) Peer() identity.Fingerprint { return s.Envelope.PeerID }

// recordSlot identifies a record within a key so that replacements
// supersede rather than accumulate. One slot per (peer, tag) except
// pointers, which are per (peer, doc).
type recordSlot struct {
	peer  identity.Fingerprint
	tag   byte
	docID uint64
}

// Store holds validated records per key with TTL expiry. Writes come
// through a single mutator path; reads return copies.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock
	data  map[ID]map[recordSlot]*StoredRecord
}

// NewStore creates an empty record store on the given clock.
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{clock: clk, data: make(map[ID]map[recordSlot]*StoredRecord)}
}

func recordTTL(rec wire.Record) time.Duration {
	switch r := rec.(type) {
	case *wire.KeywordPointer:
		return PointerTTL
	case *wire.ContentAttestation:
		return AttestationTTL
	case *wire.CrawlLock:
		ttl := time.Duration(r.TTLSeconds) * time.Second
		if ttl <= 0 || ttl > LockTTL {
			ttl = LockTTL
		}
		return ttl
	case *wire.AuditReport:
		return AuditReportTTL
	case *wire.Takedown, *wire.Deletion:
		return TakedownTTL
	case *wire.CreditLedgerRoot:
		return AttestationTTL
	default:
		return time.Hour
	}
}

func slotFor(peer identity.Fingerprint, rec wire.Record) recordSlot {
	s := recordSlot{peer: peer, tag: rec.Tag()}
	if p, ok := rec.(*wire.KeywordPointer); ok {
		s.docID = p.DocID
	}
	return s
}

// Put applies a validated record at key. Stateful constraints enforced
// here: a CrawlLock is rejected while another peer holds an unexpired
// lock; a CrawlLockRelease must come from the lock owner and removes the
// lock instead of being stored.
func (s *Store) Put(key ID, env *wire.Envelope, rec wire.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	slots := s.data[key]
	if slots == nil {
		slots = make(map[recordSlot]*StoredRecord)
		s.data[key] = slots
	}

	switch rec.(type) {
	case *wire.CrawlLock:
		if owner, held := s.lockOwnerLocked(slots, now); held && owner != env.PeerID {
			return mesherr.Newf(mesherr.KindProtocolViolation,
				"crawl lock on %s already held by %s", key, owner)
		}
	case *wire.CrawlLockRelease:
		owner, held := s.lockOwnerLocked(slots, now)
		if !held {
			return nil // already expired; release is a no-op
		}
		if owner != env.PeerID {
			return mesherr.Newf(mesherr.KindProtocolViolation,
				"lock release from %s but lock owned by %s", env.PeerID, owner)
		}
		delete(slots, recordSlot{peer: owner, tag: wire.TagCrawlLock})
		return nil
	}

	slot := slotFor(env.PeerID, rec)
	if prev, ok := slots[slot]; ok && prev.Envelope.TimestampMs > env.TimestampMs {
		return fmt.Errorf("record older than stored copy")
	}
	slots[slot] = &StoredRecord{
		Envelope: env,
		Record:   rec,
		StoredAt: now,
		Expires:  now.Add(recordTTL(rec)),
	}
	return nil
}

func (s *Store) lockOwnerLocked(slots map[recordSlot]*StoredRecord, now time.Time) (identity.Fingerprint, bool) {
	for slot, sr := range slots {
		if slot.tag != wire.TagCrawlLock {
			continue
		}
		if now.Before(sr.Expires) {
			return slot.peer, true
		}
		delete(slots, slot)
	}
	return identity.Fingerprint{}, false
}

// Get returns the set of currently valid records at key. Result selection
// is the caller's job (see Select).
func (s *Store) Get(key ID) []*StoredRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	var out []*StoredRecord
	for _, sr := range s.data[key] {
		if now.Before(sr.Expires) {
			out = append(out, sr)
		}
	}
	return out
}

// LockOwner reports the current unexpired lock holder at key.
func (s *Store) LockOwner(key ID) (identity.Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.data[key]
	if slots == nil {
		return identity.Fingerprint{}, false
	}
	return s.lockOwnerLocked(slots, s.clock.Now())
}

// DropPeer removes every record signed by the given peer (isolation).
func (s *Store) DropPeer(peer identity.Fingerprint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slots := range s.data {
		for slot := range slots {
			if slot.peer == peer {
				delete(slots, slot)
				n++
			}
		}
	}
	return n
}

// Expire removes expired records; called periodically by the node loop.
func (s *Store) Expire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for key, slots := range s.data {
		for slot, sr := range slots {
			if !now.Before(sr.Expires) {
				delete(slots, slot)
				n++
			}
		}
		if len(slots) == 0 {
			delete(s.data, key)
		}
	}
	return n
}

// Keys returns a snapshot of keys currently holding records.
func (s *Store) Keys() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ID, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}
