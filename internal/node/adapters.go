package node

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshfind/meshfind/internal/crawler"
	"github.com/meshfind/meshfind/internal/dht"
	"github.com/meshfind/meshfind/internal/governor"
	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/search"
	"github.com/meshfind/meshfind/internal/trust"
	"github.com/meshfind/meshfind/internal/wire"
)

// idFromKey truncates a 256-bit application key into the routing
// keyspace, matching how dht.KeyForBytes truncates digests.
func idFromKey(key [32]byte) dht.ID {
	var id dht.ID
	copy(id[:], key[:dht.IDLength])
	return id
}

// --- crawler mesh --------------------------------------------------------

// crawlMesh adapts the overlay to the crawler's surface: locks,
// ownership, attestations and pointer publication.
type crawlMesh struct{ n *Node }

func (m crawlMesh) OwnsURL(url string) bool { return m.n.dht.OwnsURL(url) }

func (m crawlMesh) AcquireCrawlLock(ctx context.Context, url string) (bool, error) {
	err := m.n.dht.AcquireCrawlLock(ctx, url)
	if err == nil {
		return true, nil
	}
	if mesherr.Is(err, mesherr.KindResourceExhausted) {
		return false, nil // held elsewhere, not an error
	}
	return false, err
}

func (m crawlMesh) ReleaseCrawlLock(ctx context.Context, url string) error {
	return m.n.dht.ReleaseCrawlLock(ctx, url)
}

func (m crawlMesh) HasContentAttestation(ctx context.Context, contentHash [32]byte) (bool, error) {
	if peer, ok := m.n.attest.holder(contentHash); ok && peer != m.n.id.Fingerprint {
		return true, nil
	}
	for _, sr := range m.n.dht.FindValue(ctx, dht.KeyForBytes(contentHash[:])) {
		att, ok := sr.Record.(*wire.ContentAttestation)
		if !ok || att.ContentHash != contentHash {
			continue
		}
		m.n.attest.add(att, sr.Peer())
		if sr.Peer() != m.n.id.Fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (m crawlMesh) PublishAttestation(ctx context.Context, att *wire.ContentAttestation) error {
	m.n.attest.add(att, m.n.id.Fingerprint)
	if err := m.n.dht.PublishRecord(ctx, dht.KeyForAttestation(att.CanonicalURL), att); err != nil {
		return err
	}
	// Second copy under the content hash so exact-dedup lookups resolve
	// without knowing the URL.
	return m.n.dht.PublishRecord(ctx, dht.KeyForBytes(att.ContentHash[:]), att)
}

func (m crawlMesh) PublishPointer(ctx context.Context, keyword string, ptr *wire.KeywordPointer) error {
	return m.n.dht.PublishRecord(ctx, dht.KeyForKeyword(keyword), ptr)
}

// --- search mesh ---------------------------------------------------------

// searchMesh adapts the overlay to the orchestrator's fan-out surface.
type searchMesh struct{ n *Node }

func (m searchMesh) Responders() []search.Responder {
	var out []search.Responder
	for _, p := range m.n.peers.All() {
		if p.Fingerprint == m.n.id.Fingerprint {
			continue
		}
		out = append(out, search.Responder{Peer: p.Fingerprint, Address: p.Address, Latency: p.LatencyEMA})
	}
	return out
}

func (m searchMesh) KeywordLookup(ctx context.Context, r search.Responder, keys [][32]byte, limit int) ([]search.RemotePointer, error) {
	p, ok := m.n.peers.Profile(r.Peer)
	if !ok {
		return nil, fmt.Errorf("responder %s not in peer store", r.Peer)
	}
	c := dht.Contact{
		ID:          dht.NodeID(p.Fingerprint),
		Address:     p.Address,
		Fingerprint: p.Fingerprint,
		PubKey:      p.PubKey,
		PowNonce:    p.PowNonce,
	}
	ids := make([]dht.ID, len(keys))
	for i, k := range keys {
		ids[i] = idFromKey(k)
	}
	records, err := m.n.dht.KeywordLookup(ctx, c, ids, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.RemotePointer, 0, len(records))
	for _, sr := range records {
		if ptr, ok := sr.Record.(*wire.KeywordPointer); ok {
			out = append(out, search.RemotePointer{Pointer: ptr, Publisher: sr.Peer()})
		}
	}
	return out, nil
}

// --- audit mesh ----------------------------------------------------------

// auditMesh adapts the overlay to the trust auditor: election, report
// publication and collection, all keyed by the election point.
type auditMesh struct{ n *Node }

func (m auditMesh) AuditorsFor(key [32]byte, count int) []identity.Fingerprint {
	target := idFromKey(key)
	candidates := m.n.dht.RoutingTable().FindClosest(target, count+1)
	candidates = append(candidates, m.n.dht.Me())
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].ID.Distance(target).Less(candidates[b].ID.Distance(target))
	})
	seen := make(map[identity.Fingerprint]bool)
	var out []identity.Fingerprint
	for _, c := range candidates {
		if seen[c.Fingerprint] {
			continue
		}
		seen[c.Fingerprint] = true
		out = append(out, c.Fingerprint)
		if len(out) >= count {
			break
		}
	}
	return out
}

func (m auditMesh) PublishAudit(ctx context.Context, report *wire.AuditReport) error {
	if m.n.met != nil {
		m.n.met.AuditsRun.Inc()
	}
	key := trust.ElectionKey(trust.AuditTarget{
		Peer: report.TargetPeer, URL: report.TargetURL, AttestedHash: report.AttestedHash,
	}, report.Epoch)
	return m.n.dht.PublishRecord(ctx, idFromKey(key), report)
}

func (m auditMesh) CollectAudits(ctx context.Context, target trust.AuditTarget, epoch uint64) []*wire.AuditReport {
	key := trust.ElectionKey(target, epoch)
	var out []*wire.AuditReport
	for _, sr := range m.n.dht.FindValue(ctx, idFromKey(key)) {
		if sr.Envelope.PeerID == m.n.id.Fingerprint {
			continue // the caller appends its own report
		}
		r, ok := sr.Record.(*wire.AuditReport)
		if !ok || r.TargetPeer != target.Peer || r.Epoch != epoch || r.TargetURL != target.URL {
			continue
		}
		out = append(out, r)
	}
	return out
}

// --- audit observer and target source ------------------------------------

// hashObserver independently re-fetches a URL and hashes the extracted
// text, the same transformation the crawler applies before indexing.
type hashObserver struct{ fetcher *crawler.Fetcher }

func (h hashObserver) ObserveContentHash(ctx context.Context, url string) ([32]byte, error) {
	var zero [32]byte
	res, err := h.fetcher.Fetch(ctx, url)
	if err != nil {
		return zero, err
	}
	if res.StatusCode != 200 {
		return zero, fmt.Errorf("audit fetch status %d", res.StatusCode)
	}
	ext, err := crawler.Extract(res.Body, res.FinalURL)
	if err != nil {
		return zero, err
	}
	return sha256.Sum256([]byte(ext.Text)), nil
}

// targetSource feeds the auditor from the recent-attestation cache.
type targetSource struct{ n *Node }

func (t targetSource) RandomAuditTarget() (trust.AuditTarget, bool) {
	return t.n.attest.randomTarget(t.n.id.Fingerprint)
}

// --- governor policy -----------------------------------------------------

// fanoutPolicy exposes the governor's fan-out decisions to the search
// orchestrator.
type fanoutPolicy struct {
	gov  *governor.Governor
	caps governor.Caps
}

func (p fanoutPolicy) AllowFanout() bool { return p.gov.AllowFanout() }
func (p fanoutPolicy) FanOut() int       { return p.caps.FanOut }

// --- attestation cache ---------------------------------------------------

const (
	attestCacheTTL = 24 * time.Hour
	attestCacheMax = 8192
)

type attestEntry struct {
	url     string
	hash    [32]byte
	peer    identity.Fingerprint
	addedAt time.Time
}

// attestCache remembers recently seen content attestations. It backs
// the orchestrator's pointer verification, exact-dedup short circuits
// and the audit target pool.
type attestCache struct {
	mu      sync.Mutex
	byHash  map[[32]byte]*attestEntry
	order   [][32]byte
	nowFunc func() time.Time
}

func newAttestCache(now func() time.Time) *attestCache {
	return &attestCache{byHash: make(map[[32]byte]*attestEntry), nowFunc: now}
}

func (c *attestCache) add(att *wire.ContentAttestation, peer identity.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byHash[att.ContentHash]; !ok {
		c.order = append(c.order, att.ContentHash)
	}
	c.byHash[att.ContentHash] = &attestEntry{
		url: att.CanonicalURL, hash: att.ContentHash, peer: peer, addedAt: c.nowFunc(),
	}
	for len(c.order) > attestCacheMax {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.byHash, evict)
	}
}

// KnownContentHash implements the orchestrator's attestation view.
func (c *attestCache) KnownContentHash(hash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	return ok && c.nowFunc().Sub(e.addedAt) < attestCacheTTL
}

func (c *attestCache) holder(hash [32]byte) (identity.Fingerprint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	if !ok || c.nowFunc().Sub(e.addedAt) >= attestCacheTTL {
		return identity.Fingerprint{}, false
	}
	return e.peer, true
}

// randomTarget picks a uniformly random fresh attestation from another
// peer, or reports none available.
func (c *attestCache) randomTarget(self identity.Fingerprint) (trust.AuditTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	var eligible []*attestEntry
	for _, e := range c.byHash {
		if e.peer != self && now.Sub(e.addedAt) < attestCacheTTL {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return trust.AuditTarget{}, false
	}
	e := eligible[secureIntn(len(eligible))]
	return trust.AuditTarget{Peer: e.peer, URL: e.url, AttestedHash: e.hash}, true
}

// secureIntn draws a uniform index in [0, n) from the system CSPRNG.
// Audit target selection must not be predictable by the audited peer.
func secureIntn(n int) int {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // the system CSPRNG never fails on supported platforms
	}
	return int(binary.LittleEndian.Uint64(buf[:]) % uint64(n))
}

func (c *attestCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	kept := c.order[:0]
	for _, h := range c.order {
		if e, ok := c.byHash[h]; ok && now.Sub(e.addedAt) < attestCacheTTL {
			kept = append(kept, h)
		} else {
			delete(c.byHash, h)
		}
	}
	c.order = kept
}
