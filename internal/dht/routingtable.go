package dht

import (
	"sync"
	"time"
)

const numBuckets = IDLength * 8

// RoutingTable keeps the node's view of the overlay in 160 k-buckets.
// A single mutator path guards writes; readers get consistent snapshots.
type RoutingTable struct {
	me Contact

	mu          sync.RWMutex
	buckets     [numBuckets]*bucket
	lastRefresh [numBuckets]time.Time

	// pingFunc probes liveness of an LRU contact when a bucket is full.
	// Called outside the lock.
	pingFunc func(Contact) bool

	// failCount tracks consecutive failed probes per contact; contacts
	// are evicted after staleEvictThreshold failures.
	failCount map[ID]int
}

// staleEvictThreshold is the number of failed probes before eviction.
const staleEvictThreshold = 3

// NewRoutingTable builds an empty table centred on me.
func NewRoutingTable(me Contact) *RoutingTable {
	rt := &RoutingTable{me: me, failCount: make(map[ID]int)}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	return rt
}

// Me returns the local contact.
func (rt *RoutingTable) Me() Contact { return rt.me }

// SetPingFunc wires the liveness probe used by the eviction policy.
func (rt *RoutingTable) SetPingFunc(pf func(Contact) bool) {
	rt.mu.Lock()
	rt.pingFunc = pf
	rt.mu.Unlock()
}

// AddContact inserts or refreshes a contact. Policy, in order: ignore
// self; refresh existing; reject when the /16 subnet already has two
// members in the bucket; insert when there is room; otherwise ping the
// LRU and either evict it or stash the newcomer in the replacement cache.
func (rt *RoutingTable) AddContact(c Contact) {
	if c.ID == rt.me.ID || c.Address == "" {
		return
	}
	idx := rt.me.ID.BucketIndex(c.ID)

	rt.mu.Lock()
	b := rt.buckets[idx]
	if b.touch(c) {
		delete(rt.failCount, c.ID)
		rt.mu.Unlock()
		return
	}
	if b.subnetCount(c.Subnet16()) >= maxPerSubnet {
		b.addReplacement(c)
		rt.mu.Unlock()
		return
	}
	if b.len() < BucketSize {
		b.insertFront(c)
		rt.mu.Unlock()
		return
	}
	lru, ok := b.lru()
	pf := rt.pingFunc
	rt.mu.Unlock()
	if !ok {
		return
	}

	alive := false
	if pf != nil {
		alive = pf(lru)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[idx]
	if alive {
		b.touch(lru)
		b.addReplacement(c)
		delete(rt.failCount, lru.ID)
		return
	}
	b.removeID(lru.ID)
	delete(rt.failCount, lru.ID)
	b.insertFront(c)
}

// RecordFailure notes a failed probe; after staleEvictThreshold
// consecutive failures the contact is evicted.
func (rt *RoutingTable) RecordFailure(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failCount[id]++
	if rt.failCount[id] < staleEvictThreshold {
		return
	}
	delete(rt.failCount, id)
	idx := rt.me.ID.BucketIndex(id)
	rt.buckets[idx].removeID(id)
}

// RecordSuccess clears the failure counter for a contact.
func (rt *RoutingTable) RecordSuccess(id ID) {
	rt.mu.Lock()
	delete(rt.failCount, id)
	rt.mu.Unlock()
}

// Remove drops a contact outright (used when a peer is isolated).
func (rt *RoutingTable) Remove(id ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.me.ID.BucketIndex(id)
	rt.buckets[idx].removeID(id)
	delete(rt.failCount, id)
}

// FindClosest returns up to count contacts ordered by XOR closeness to
// target.
func (rt *RoutingTable) FindClosest(target ID, count int) []Contact {
	rt.mu.RLock()
	var all []Contact
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].contacts()...)
	}
	rt.mu.RUnlock()

	sortByDistance(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size counts contacts across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for i := range rt.buckets {
		n += rt.buckets[i].len()
	}
	return n
}

// BucketsNeedingRefresh returns a random probe target for every non-empty
// bucket not refreshed within maxAge, and marks them refreshed.
func (rt *RoutingTable) BucketsNeedingRefresh(maxAge time.Duration, now time.Time) []ID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var targets []ID
	for i := range rt.buckets {
		if rt.buckets[i].len() == 0 {
			continue
		}
		if now.Sub(rt.lastRefresh[i]) < maxAge {
			continue
		}
		rt.lastRefresh[i] = now
		targets = append(targets, rt.randomIDInBucket(i))
	}
	return targets
}

// randomIDInBucket generates an ID whose distance from me falls in bucket
// idx: shared prefix of idx bits, differing bit at idx, random tail.
func (rt *RoutingTable) randomIDInBucket(idx int) ID {
	id := RandomID()
	// Copy the first idx bits from me, flip bit idx.
	for i := 0; i < idx/8; i++ {
		id[i] = rt.me.ID[i]
	}
	byteIdx := idx / 8
	bitInByte := uint(idx % 8)
	mask := byte(0xFF) << (8 - bitInByte)
	id[byteIdx] = (rt.me.ID[byteIdx] & mask) | ((^rt.me.ID[byteIdx]) & (0x80 >> bitInByte)) | (id[byteIdx] &^ (mask | (0x80 >> bitInByte)))
	return id
}
