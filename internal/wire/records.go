package wire

import (
	"fmt"
	"math"

	"github.com/meshfind/meshfind/internal/identity"
)

func floatBits(v float64) uint64     { return math.Float64bits(v) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Record is a payload that can travel inside an envelope. Implementations
// are the closed set of tagged variants below; dispatch is by tag, never
// by reflection.
type Record interface {
	Tag() byte
	encodeBody(w *writer)
	decodeBody(r *reader)
}

// EncodePayload renders tag || body.
func EncodePayload(rec Record) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 256)}
	w.u8(rec.Tag())
	rec.encodeBody(w)
	if len(w.buf) > MaxEnvelope-headerLen-sigLen {
		return nil, fmt.Errorf("payload %d bytes exceeds envelope cap", len(w.buf))
	}
	return w.buf, nil
}

// DecodePayload parses tag || body into the matching record type.
func DecodePayload(payload []byte) (Record, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var rec Record
	switch payload[0] {
	case TagKeywordPointer:
		rec = &KeywordPointer{}
	case TagContentAttestation:
		rec = &ContentAttestation{}
	case TagCrawlLock:
		rec = &CrawlLock{}
	case TagCrawlLockRelease:
		rec = &CrawlLockRelease{}
	case TagTakedown:
		rec = &Takedown{}
	case TagDeletion:
		rec = &Deletion{}
	case TagAuditReport:
		rec = &AuditReport{}
	case TagCreditLedgerRoot:
		rec = &CreditLedgerRoot{}
	default:
		return nil, fmt.Errorf("unknown payload tag 0x%02x", payload[0])
	}
	r := &reader{buf: payload, off: 1}
	rec.decodeBody(r)
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode tag 0x%02x: %w", payload[0], err)
	}
	return rec, nil
}

// --- KeywordPointer (0x10) ----------------------------------------------

// KeywordPointer is published under H(keyword) and advertises that the
// signing peer can serve a document relevant to that keyword. URL, title
// and snippet ride along so responders can answer KeywordLookup RPCs
// without a follow-up DocMeta round trip.
type KeywordPointer struct {
	DocID       uint64
	Relevance   float64 // tf-idf derived, clamped to [0,1]
	ContentHash [32]byte
	PublishedAt uint64 // unix ms
	URL         string
	Title       string
	Snippet     string
}

func (*KeywordPointer) Tag() byte { return TagKeywordPointer }

func (p *KeywordPointer) encodeBody(w *writer) {
	w.u64(p.DocID)
	w.f64(p.Relevance)
	w.hash(p.ContentHash)
	w.u64(p.PublishedAt)
	w.str(p.URL)
	w.str(p.Title)
	w.str(p.Snippet)
}

func (p *KeywordPointer) decodeBody(r *reader) {
	p.DocID = r.u64()
	p.Relevance = r.f64()
	p.ContentHash = r.hash()
	p.PublishedAt = r.u64()
	p.URL = r.str()
	p.Title = r.str()
	p.Snippet = r.str()
	if r.err == nil && (p.Relevance < 0 || p.Relevance > 1 || math.IsNaN(p.Relevance)) {
		r.fail("relevance %v outside [0,1]", p.Relevance)
	}
}

// --- ContentAttestation (0x20) ------------------------------------------

// ContentAttestation asserts the signing peer observed CanonicalURL with
// the given raw and extracted-content hashes at CrawlTime.
type ContentAttestation struct {
	CanonicalURL string
	RawHash      [32]byte
	ContentHash  [32]byte
	CrawlTime    uint64 // unix ms
}

func (*ContentAttestation) Tag() byte { return TagContentAttestation }

func (a *ContentAttestation) encodeBody(w *writer) {
	w.str(a.CanonicalURL)
	w.hash(a.RawHash)
	w.hash(a.ContentHash)
	w.u64(a.CrawlTime)
}

func (a *ContentAttestation) decodeBody(r *reader) {
	a.CanonicalURL = r.str()
	a.RawHash = r.hash()
	a.ContentHash = r.hash()
	a.CrawlTime = r.u64()
	if r.err == nil && a.CanonicalURL == "" {
		r.fail("attestation url empty")
	}
}

// --- CrawlLock (0x30) / CrawlLockRelease (0x31) -------------------------

// CrawlLock claims exclusive crawl rights on a URL for TTLSeconds.
type CrawlLock struct {
	CanonicalURL string
	AcquiredAt   uint64 // unix ms
	TTLSeconds   uint32
}

func (*CrawlLock) Tag() byte { return TagCrawlLock }

func (l *CrawlLock) encodeBody(w *writer) {
	w.str(l.CanonicalURL)
	w.u64(l.AcquiredAt)
	w.u32(l.TTLSeconds)
}

func (l *CrawlLock) decodeBody(r *reader) {
	l.CanonicalURL = r.str()
	l.AcquiredAt = r.u64()
	l.TTLSeconds = r.u32()
	if r.err == nil && l.CanonicalURL == "" {
		r.fail("lock url empty")
	}
}

// CrawlLockRelease releases a lock; only the owner's release is accepted.
type CrawlLockRelease struct {
	CanonicalURL string
	ReleasedAt   uint64 // unix ms
}

func (*CrawlLockRelease) Tag() byte { return TagCrawlLockRelease }

func (l *CrawlLockRelease) encodeBody(w *writer) {
	w.str(l.CanonicalURL)
	w.u64(l.ReleasedAt)
}

func (l *CrawlLockRelease) decodeBody(r *reader) {
	l.CanonicalURL = r.str()
	l.ReleasedAt = r.u64()
	if r.err == nil && l.CanonicalURL == "" {
		r.fail("lock release url empty")
	}
}

// --- Takedown (0x40) / Deletion (0x41) ----------------------------------

// Takedown is a durable removal obligation (DMCA shape). Either TargetURL
// or ContentHash identifies the target; both may be set.
type Takedown struct {
	TargetURL   string
	ContentHash [32]byte
	Reason      string
	IssuedAt    uint64 // unix ms
}

func (*Takedown) Tag() byte { return TagTakedown }

func (t *Takedown) encodeBody(w *writer) {
	w.str(t.TargetURL)
	w.hash(t.ContentHash)
	w.str(t.Reason)
	w.u64(t.IssuedAt)
}

func (t *Takedown) decodeBody(r *reader) {
	t.TargetURL = r.str()
	t.ContentHash = r.hash()
	t.Reason = r.str()
	t.IssuedAt = r.u64()
	if r.err == nil && t.TargetURL == "" && t.ContentHash == ([32]byte{}) {
		r.fail("takedown names no target")
	}
}

// Deletion is the GDPR-shaped removal record; same body as Takedown but a
// distinct tag so compliance handling can differ.
type Deletion struct {
	TargetURL   string
	ContentHash [32]byte
	Reason      string
	IssuedAt    uint64 // unix ms
}

func (*Deletion) Tag() byte { return TagDeletion }

func (d *Deletion) encodeBody(w *writer) {
	w.str(d.TargetURL)
	w.hash(d.ContentHash)
	w.str(d.Reason)
	w.u64(d.IssuedAt)
}

func (d *Deletion) decodeBody(r *reader) {
	d.TargetURL = r.str()
	d.ContentHash = r.hash()
	d.Reason = r.str()
	d.IssuedAt = r.u64()
	if r.err == nil && d.TargetURL == "" && d.ContentHash == ([32]byte{}) {
		r.fail("deletion names no target")
	}
}

// --- AuditReport (0x50) --------------------------------------------------

// AuditReport is one auditor's independent observation of a target peer's
// attestation. Majority aggregation happens locally across ≥3 reports for
// the same (target, epoch).
type AuditReport struct {
	TargetPeer   identity.Fingerprint
	TargetURL    string
	AttestedHash [32]byte
	ObservedHash [32]byte
	Epoch        uint64
	Timestamp    uint64 // unix ms
}

func (*AuditReport) Tag() byte { return TagAuditReport }

func (a *AuditReport) encodeBody(w *writer) {
	w.hash(a.TargetPeer)
	w.str(a.TargetURL)
	w.hash(a.AttestedHash)
	w.hash(a.ObservedHash)
	w.u64(a.Epoch)
	w.u64(a.Timestamp)
}

func (a *AuditReport) decodeBody(r *reader) {
	a.TargetPeer = r.hash()
	a.TargetURL = r.str()
	a.AttestedHash = r.hash()
	a.ObservedHash = r.hash()
	a.Epoch = r.u64()
	a.Timestamp = r.u64()
	if r.err == nil && a.TargetURL == "" {
		r.fail("audit report url empty")
	}
}

// --- CreditLedgerRoot (0x60) --------------------------------------------

// CreditLedgerRoot publishes the Merkle root of a peer's credit chain so
// any peer can challenge an entry with a Merkle proof request.
type CreditLedgerRoot struct {
	Root      [32]byte
	Height    uint64 // number of chained entries
	Timestamp uint64 // unix ms
}

func (*CreditLedgerRoot) Tag() byte { return TagCreditLedgerRoot }

func (c *CreditLedgerRoot) encodeBody(w *writer) {
	w.hash(c.Root)
	w.u64(c.Height)
	w.u64(c.Timestamp)
}

func (c *CreditLedgerRoot) decodeBody(r *reader) {
	c.Root = r.hash()
	c.Height = r.u64()
	c.Timestamp = r.u64()
}
