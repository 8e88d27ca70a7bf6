package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/wire"
)

const (
	// ReplicationFactor is N: how many closest peers hold each record.
	ReplicationFactor = 3

	// alpha is the lookup parallelism from the Kademlia paper.
	alpha = 3

	// minBootstrapSeeds is the number of independent seed endpoints
	// required for a first join (rejoin uses the persisted peer store).
	minBootstrapSeeds = 3

	// bucketRefreshAge triggers a refresh probe for idle buckets.
	bucketRefreshAge = 30 * time.Minute

	// maintenanceInterval paces expiry sweeps.
	maintenanceInterval = time.Minute
)

// KeywordHandler answers keyword lookups from the local view. It returns
// encoded canonical envelopes (keyword pointers) for the given keys.
// The search layer installs the real implementation.
type KeywordHandler func(keys []ID, limit int) [][]byte

// Node is a Kademlia participant: routing table, record store, validator
// and transport, bound to one identity.
type Node struct {
	identity  *identity.Identity
	rt        *RoutingTable
	store     *Store
	validator *Validator
	peers     *PeerStore
	net       *network
	log       *zap.Logger
	clock     clock.Clock

	nonce atomic.Uint64

	// accepting gates inbound handling; the governor clears it at
	// defense level.
	accepting atomic.Bool

	mu             sync.RWMutex
	keywordHandler KeywordHandler
}

// NewNode binds the transport and assembles the node. bindAddr is
// "host:port"; port 0 picks a free port.
func NewNode(id *identity.Identity, bindAddr string, peers *PeerStore, clk clock.Clock,
	powDifficulty int, isolated func(identity.Fingerprint) bool, log *zap.Logger) (*Node, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		identity:  id,
		store:     NewStore(clk),
		validator: NewValidator(clk, peers, powDifficulty, isolated),
		peers:     peers,
		log:       log,
		clock:     clk,
	}
	n.accepting.Store(true)
	// Envelope nonces must survive restarts monotonically; seeding from
	// the clock keeps them increasing as long as wall time moves forward.
	n.nonce.Store(uint64(clk.Now().UnixMicro()))

	netw, err := newNetwork(n, bindAddr, log)
	if err != nil {
		return nil, err
	}
	n.net = netw
	n.rt = NewRoutingTable(ContactFromIdentity(id, netw.localAddr()))
	n.rt.SetPingFunc(func(c Contact) bool {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
		defer cancel()
		return n.Ping(ctx, c)
	})

	// Make our own identity resolvable so locally produced records
	// validate through the same pipeline as remote ones.
	_ = peers.Upsert(n.rt.Me())
	return n, nil
}

// Close shuts the transport down.
func (n *Node) Close() error { return n.net.close() }

// Me returns this node's contact.
func (n *Node) Me() Contact { return n.rt.Me() }

// Store exposes the local record store (read paths for search and trust).
func (n *Node) Store() *Store { return n.store }

// RoutingTable exposes the routing table for status and trust isolation.
func (n *Node) RoutingTable() *RoutingTable { return n.rt }

// SetKeywordHandler installs the keyword lookup responder.
func (n *Node) SetKeywordHandler(h KeywordHandler) {
	n.mu.Lock()
	n.keywordHandler = h
	n.mu.Unlock()
}

// SetAccepting toggles inbound request handling (governor defense level).
func (n *Node) SetAccepting(ok bool) { n.accepting.Store(ok) }

// SetUploadLimiter charges every outgoing datagram against the node's
// bandwidth budget; nil disables accounting.
func (n *Node) SetUploadLimiter(l UploadLimiter) { n.net.limiter = l }

// NextNonce returns a strictly increasing envelope nonce.
func (n *Node) NextNonce() uint64 { return n.nonce.Add(1) }

// NowMs returns the node clock in unix milliseconds.
func (n *Node) NowMs() uint64 { return uint64(n.clock.Now().UnixMilli()) }

// Seal signs a record into a fresh envelope.
func (n *Node) Seal(rec wire.Record) (*wire.Envelope, error) {
	return wire.Seal(n.identity, n.NextNonce(), n.NowMs(), rec)
}

// --- request handling ----------------------------------------------------

func (n *Node) handleRequest(msg *rpcMessage, src *net.UDPAddr) {
	if !n.accepting.Load() {
		return
	}
	from, err := msg.From.toContact()
	if err != nil {
		return
	}
	// Admission: a peer with invalid PoW never enters the tables.
	if err := from.VerifyPoW(n.validator.difficulty); err != nil {
		n.log.Debug("rejecting peer with bad pow", zap.String("addr", from.Address))
		return
	}
	n.rt.AddContact(from)
	_ = n.peers.Upsert(from)

	reply := &rpcMessage{MsgID: msg.MsgID, From: fromContact(n.rt.Me())}

	switch msg.Type {
	case rpcPing:
		reply.Type = rpcPong

	case rpcFindNode:
		target, err := NewID(msg.Target)
		if err != nil {
			return
		}
		reply.Type = rpcFindNodeOK
		for _, c := range n.rt.FindClosest(target, BucketSize) {
			reply.Contacts = append(reply.Contacts, fromContact(c))
		}

	case rpcFindValue:
		key, err := NewID(msg.Target)
		if err != nil {
			return
		}
		reply.Type = rpcFindValueOK
		for _, sr := range n.store.Get(key) {
			if raw, err := sr.Envelope.Encode(); err == nil {
				reply.Records = append(reply.Records, raw)
			}
		}
		// Also return closer contacts so lookups can proceed.
		for _, c := range n.rt.FindClosest(key, BucketSize) {
			reply.Contacts = append(reply.Contacts, fromContact(c))
		}

	case rpcStore:
		key, err := NewID(msg.Target)
		if err != nil {
			return
		}
		reply.Type = rpcStoreOK
		reply.Accepted = true
		for _, raw := range msg.Records {
			env, rec, err := n.validator.Validate(key, raw)
			if err != nil {
				// Validator failure: drop silently, log, reply not-accepted.
				n.log.Debug("store rejected", zap.String("key", key.String()), zap.Error(err))
				reply.Accepted = false
				if mesherr.Is(err, mesherr.KindResourceExhausted) {
					reply.Busy = true
				}
				continue
			}
			if err := n.store.Put(key, env, rec); err != nil {
				reply.Accepted = false
			}
		}

	case rpcLookup:
		n.mu.RLock()
		h := n.keywordHandler
		n.mu.RUnlock()
		reply.Type = rpcLookupOK
		if h != nil {
			var keys []ID
			for _, ks := range msg.Keys {
				if k, err := NewID(ks); err == nil {
					keys = append(keys, k)
				}
				if len(keys) >= 16 {
					break
				}
			}
			reply.Records = h(keys, msg.Limit)
		}

	default:
		return
	}

	if err := n.net.send(src, reply); err != nil {
		n.log.Debug("reply failed", zap.Error(err))
	}
}

// --- client operations ---------------------------------------------------

// Ping probes a contact; used for liveness checks and bootstrap.
func (n *Node) Ping(ctx context.Context, c Contact) bool {
	start := n.clock.Now()
	resp, err := n.net.request(ctx, c.Address, &rpcMessage{Type: rpcPing, From: fromContact(n.rt.Me())})
	if err != nil || resp.Type != rpcPong {
		n.rt.RecordFailure(c.ID)
		return false
	}
	n.rt.RecordSuccess(c.ID)
	n.peers.ObserveLatency(c.Fingerprint, n.clock.Now().Sub(start))
	return true
}

// Bootstrap joins the overlay. Without persisted peers it requires at
// least three independent seed endpoints; with a warm peer store seeds
// are optional.
func (n *Node) Bootstrap(ctx context.Context, seeds []Contact) error {
	known := n.peers.All()
	if len(seeds) < minBootstrapSeeds && len(known) == 0 {
		return mesherr.Newf(mesherr.KindInputRejected,
			"bootstrap needs >= %d seeds (have %d) or a persisted peer store", minBootstrapSeeds, len(seeds))
	}

	reached := 0
	for _, s := range seeds {
		if n.Ping(ctx, s) {
			reached++
		}
	}
	for _, p := range known {
		c := Contact{ID: NodeID(p.Fingerprint), Address: p.Address, Fingerprint: p.Fingerprint, PubKey: p.PubKey, PowNonce: p.PowNonce}
		if n.Ping(ctx, c) {
			reached++
		}
	}
	if reached == 0 {
		return mesherr.New(mesherr.KindTransientIO, "no bootstrap peer reachable")
	}

	// Canonical join: iterative lookup of our own ID.
	n.IterativeFindNode(ctx, n.rt.Me().ID)
	n.log.Info("bootstrap complete",
		zap.Int("reached", reached), zap.Int("routing_table", n.rt.Size()))
	return nil
}

// IterativeFindNode converges on the closest contacts to target, learning
// routes along the way.
func (n *Node) IterativeFindNode(ctx context.Context, target ID) []Contact {
	visited := make(map[ID]struct{})
	var lastBest *ID

	for {
		if ctx.Err() != nil {
			break
		}
		candidates := n.rt.FindClosest(target, BucketSize*3)
		batch := make([]Contact, 0, alpha)
		for _, c := range candidates {
			if _, seen := visited[c.ID]; seen {
				continue
			}
			visited[c.ID] = struct{}{}
			batch = append(batch, c)
			if len(batch) >= alpha {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for i := range batch {
			peer := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := n.net.request(ctx, peer.Address,
					&rpcMessage{Type: rpcFindNode, From: fromContact(n.rt.Me()), Target: target.String()})
				if err != nil {
					n.rt.RecordFailure(peer.ID)
					return
				}
				n.rt.RecordSuccess(peer.ID)
				n.absorbContacts(resp.Contacts)
			}()
		}
		wg.Wait()

		closest := n.rt.FindClosest(target, 1)
		if len(closest) == 0 {
			break
		}
		best := closest[0].ID
		if lastBest != nil && !best.Distance(target).Less(lastBest.Distance(target)) {
			break
		}
		b := best
		lastBest = &b
	}

	return n.rt.FindClosest(target, BucketSize)
}

func (n *Node) absorbContacts(wcs []wireContact) {
	for _, wc := range wcs {
		c, err := wc.toContact()
		if err != nil {
			continue
		}
		if err := c.VerifyPoW(n.validator.difficulty); err != nil {
			continue
		}
		n.rt.AddContact(c)
		_ = n.peers.Upsert(c)
	}
}

// PublishRecord seals rec, stores it locally through the validator, and
// replicates it to the N closest peers to key.
func (n *Node) PublishRecord(ctx context.Context, key ID, rec wire.Record) error {
	env, err := n.Seal(rec)
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	// Local copy goes through the same validation pipeline as remote
	// stores; failures here are programming errors worth surfacing.
	if venv, vrec, err := n.validator.Validate(key, raw); err == nil {
		if err := n.store.Put(key, venv, vrec); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("own record failed validation: %w", err)
	}

	targets := n.IterativeFindNode(ctx, key)
	if len(targets) > ReplicationFactor {
		targets = targets[:ReplicationFactor]
	}
	for _, c := range targets {
		if c.ID == n.rt.Me().ID {
			continue
		}
		resp, err := n.net.request(ctx, c.Address,
			&rpcMessage{Type: rpcStore, From: fromContact(n.rt.Me()), Target: key.String(), Records: [][]byte{raw}})
		if err != nil {
			n.rt.RecordFailure(c.ID)
			continue
		}
		if !resp.Accepted {
			n.log.Debug("replica rejected store", zap.String("peer", c.Address), zap.Bool("busy", resp.Busy))
		}
	}
	return nil
}

// FindValue collects the set of valid records at key from the local store
// and from the closest remote peers. Remote records pass through the full
// validator before being returned.
func (n *Node) FindValue(ctx context.Context, key ID) []*StoredRecord {
	seen := make(map[string]struct{})
	var out []*StoredRecord

	add := func(sr *StoredRecord) {
		raw, err := sr.Envelope.Encode()
		if err != nil {
			return
		}
		k := string(raw)
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, sr)
	}

	for _, sr := range n.store.Get(key) {
		add(sr)
	}

	for _, c := range n.IterativeFindNode(ctx, key) {
		if ctx.Err() != nil {
			break
		}
		if c.ID == n.rt.Me().ID {
			continue
		}
		resp, err := n.net.request(ctx, c.Address,
			&rpcMessage{Type: rpcFindValue, From: fromContact(n.rt.Me()), Target: key.String()})
		if err != nil {
			n.rt.RecordFailure(c.ID)
			continue
		}
		n.absorbContacts(resp.Contacts)
		for _, raw := range resp.Records {
			env, rec, err := n.validator.Validate(key, raw)
			if err != nil {
				continue
			}
			now := n.clock.Now()
			add(&StoredRecord{Envelope: env, Record: rec, StoredAt: now, Expires: now.Add(recordTTL(rec))})
		}
		if len(out) > 0 {
			break // value found; caller selects among the record set
		}
	}
	return out
}

// KeywordLookup queries one responder for pointers matching the keyword
// keys. Returned envelopes are validator-checked; invalid entries are
// dropped.
func (n *Node) KeywordLookup(ctx context.Context, c Contact, keys []ID, limit int) ([]*StoredRecord, error) {
	hexKeys := make([]string, len(keys))
	for i, k := range keys {
		hexKeys[i] = k.String()
	}
	start := n.clock.Now()
	resp, err := n.net.request(ctx, c.Address,
		&rpcMessage{Type: rpcLookup, From: fromContact(n.rt.Me()), Keys: hexKeys, Limit: limit})
	if err != nil {
		n.rt.RecordFailure(c.ID)
		return nil, mesherr.Wrap(mesherr.KindTransientIO, "keyword lookup", err)
	}
	n.rt.RecordSuccess(c.ID)
	n.peers.ObserveLatency(c.Fingerprint, n.clock.Now().Sub(start))

	return decodeLookupRecords(resp.Records, n.peers, n.validator.difficulty, n.clock.Now()), nil
}

// decodeLookupRecords verifies relayed keyword pointers. Responders relay
// pointers from many publishers; each envelope must check out against its
// publisher's key. Pointers from publishers we cannot resolve are dropped
// rather than admitted unverified.
func decodeLookupRecords(records [][]byte, peers PeerResolver, difficulty int, now time.Time) []*StoredRecord {
	var out []*StoredRecord
	for _, raw := range records {
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		rec, err := wire.DecodePayload(env.Payload)
		if err != nil {
			continue
		}
		ptr, ok := rec.(*wire.KeywordPointer)
		if !ok {
			continue
		}
		pub, powNonce, known := peers.PubKey(env.PeerID)
		if !known {
			continue
		}
		if identity.VerifyPoW(pub, powNonce, env.PeerID, difficulty) != nil {
			continue
		}
		if env.VerifySig(pub) != nil {
			continue
		}
		out = append(out, &StoredRecord{Envelope: env, Record: ptr, StoredAt: now, Expires: now.Add(PointerTTL)})
	}
	return out
}

// --- crawl lock helpers --------------------------------------------------

// AcquireCrawlLock publishes a lock for the URL unless another peer holds
// a live one.
func (n *Node) AcquireCrawlLock(ctx context.Context, canonicalURL string) error {
	key := KeyForLock(canonicalURL)
	if owner, held := n.store.LockOwner(key); held && owner != n.identity.Fingerprint {
		return mesherr.Newf(mesherr.KindResourceExhausted, "url locked by %s", owner)
	}
	// Check remote view too: a newer lock by another peer aborts.
	for _, sr := range n.FindValue(ctx, key) {
		if _, ok := sr.Record.(*wire.CrawlLock); ok && sr.Peer() != n.identity.Fingerprint {
			return mesherr.Newf(mesherr.KindResourceExhausted, "url locked by %s", sr.Peer())
		}
	}
	lock := &wire.CrawlLock{
		CanonicalURL: canonicalURL,
		AcquiredAt:   n.NowMs(),
		TTLSeconds:   uint32(LockTTL / time.Second),
	}
	return n.PublishRecord(ctx, key, lock)
}

// ReleaseCrawlLock publishes a signed release for a lock we own.
func (n *Node) ReleaseCrawlLock(ctx context.Context, canonicalURL string) error {
	rel := &wire.CrawlLockRelease{CanonicalURL: canonicalURL, ReleasedAt: n.NowMs()}
	return n.PublishRecord(ctx, KeyForLock(canonicalURL), rel)
}

// OwnsURL reports whether this node is among the N closest to the URL's
// key; ownership is advisory.
func (n *Node) OwnsURL(canonicalURL string) bool {
	key := KeyForURL(canonicalURL)
	closest := n.rt.FindClosest(key, ReplicationFactor)
	if len(closest) < ReplicationFactor {
		return true
	}
	myDist := n.rt.Me().ID.Distance(key)
	return myDist.Less(closest[ReplicationFactor-1].ID.Distance(key)) ||
		myDist == closest[ReplicationFactor-1].ID.Distance(key)
}

// Run drives maintenance: bucket refresh, record expiry and rate-window
// sweeps. Blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	ticker := n.clock.Ticker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.store.Expire()
			n.validator.Sweep()
			for _, target := range n.rt.BucketsNeedingRefresh(bucketRefreshAge, n.clock.Now()) {
				n.IterativeFindNode(ctx, target)
			}
		}
	}
}
