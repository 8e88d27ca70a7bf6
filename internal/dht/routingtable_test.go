package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/meshfind/meshfind/internal/identity"
)

func contactWithID(b byte, addr string) Contact {
	var id ID
	id[0] = b
	var fp identity.Fingerprint
	copy(fp[:IDLength], id[:])
	return Contact{ID: id, Address: addr, Fingerprint: fp}
}

func TestIDDistanceAndOrdering(t *testing.T) {
	a, _ := NewID("0000000000000000000000000000000000000001")
	b, _ := NewID("0000000000000000000000000000000000000003")
	target, _ := NewID("0000000000000000000000000000000000000000")

	da := a.Distance(target)
	db := b.Distance(target)
	if !da.Less(db) {
		t.Errorf("expected %s closer to target than %s", a, b)
	}
	if a.Distance(a) != (ID{}) {
		t.Error("distance to self must be zero")
	}
}

func TestKeyDerivationDistinct(t *testing.T) {
	url := "https://docs.example.org/intro"
	if KeyForURL(url) == KeyForLock(url) {
		t.Error("lock key must differ from value key")
	}
	if KeyForURL(url) == KeyForAttestation(url) {
		t.Error("attestation key must differ from value key")
	}
	if KeyForKeyword("python") == KeyForKeyword("asyncio") {
		t.Error("distinct keywords must hash to distinct keys")
	}
}

func TestBucketIndex(t *testing.T) {
	var me ID
	other := me
	other[0] = 0x80 // first bit differs
	if idx := me.BucketIndex(other); idx != 0 {
		t.Errorf("expected bucket 0, got %d", idx)
	}
	other = me
	other[IDLength-1] = 0x01 // last bit differs
	if idx := me.BucketIndex(other); idx != numBuckets-1 {
		t.Errorf("expected bucket %d, got %d", numBuckets-1, idx)
	}
}

func TestRoutingTableAddAndFind(t *testing.T) {
	me := contactWithID(0x00, "127.0.0.1:1000")
	rt := NewRoutingTable(me)

	for i := 1; i <= 10; i++ {
		rt.AddContact(contactWithID(byte(i), fmt.Sprintf("10.%d.0.1:1000", i)))
	}
	if rt.Size() != 10 {
		t.Fatalf("expected 10 contacts, got %d", rt.Size())
	}

	target := contactWithID(0x03, "").ID
	closest := rt.FindClosest(target, 3)
	if len(closest) != 3 {
		t.Fatalf("expected 3 closest, got %d", len(closest))
	}
	if closest[0].ID != target {
		t.Errorf("closest should be the exact match, got %s", closest[0].ID)
	}
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	me := contactWithID(0x01, "127.0.0.1:1000")
	rt := NewRoutingTable(me)
	rt.AddContact(me)
	if rt.Size() != 0 {
		t.Error("routing table must not contain self")
	}
}

func TestSubnetDiversityCap(t *testing.T) {
	me := contactWithID(0x00, "127.0.0.1:1000")
	rt := NewRoutingTable(me)

	// Contacts in the same bucket and the same /16.
	base := contactWithID(0x80, "")
	for i := 0; i < 4; i++ {
		c := base
		c.ID[IDLength-1] = byte(i + 1)
		copy(c.Fingerprint[:IDLength], c.ID[:])
		c.Address = fmt.Sprintf("192.168.0.%d:4000", i+1)
		rt.AddContact(c)
	}
	if got := rt.Size(); got != maxPerSubnet {
		t.Errorf("expected at most %d contacts from one /16, got %d", maxPerSubnet, got)
	}
}

func TestStaleEviction(t *testing.T) {
	me := contactWithID(0x00, "127.0.0.1:1000")
	rt := NewRoutingTable(me)
	c := contactWithID(0x42, "10.0.0.1:1000")
	rt.AddContact(c)

	rt.RecordFailure(c.ID)
	rt.RecordFailure(c.ID)
	if rt.Size() != 1 {
		t.Fatal("contact evicted too early")
	}
	rt.RecordFailure(c.ID)
	if rt.Size() != 0 {
		t.Error("contact should be evicted after three failed probes")
	}
}

func TestFullBucketPingsLRU(t *testing.T) {
	me := contactWithID(0x00, "127.0.0.1:1000")
	rt := NewRoutingTable(me)

	pinged := 0
	rt.SetPingFunc(func(Contact) bool { pinged++; return false })

	// Fill one bucket beyond capacity with subnet-diverse contacts.
	for i := 0; i < BucketSize+1; i++ {
		c := contactWithID(0x80, fmt.Sprintf("10.%d.0.1:1000", i))
		c.ID[IDLength-1] = byte(i + 1)
		copy(c.Fingerprint[:IDLength], c.ID[:])
		rt.AddContact(c)
	}
	if pinged != 1 {
		t.Errorf("expected exactly one LRU liveness probe, got %d", pinged)
	}
	if rt.Size() != BucketSize {
		t.Errorf("bucket exceeded k=%d: %d", BucketSize, rt.Size())
	}
}

func TestBucketsNeedingRefresh(t *testing.T) {
	me := contactWithID(0x00, "127.0.0.1:1000")
	rt := NewRoutingTable(me)
	rt.AddContact(contactWithID(0x80, "10.0.0.1:1000"))

	now := time.Now()
	first := rt.BucketsNeedingRefresh(30*time.Minute, now)
	if len(first) != 1 {
		t.Fatalf("expected one refresh target, got %d", len(first))
	}
	// Refresh target must land in the same bucket as the contact.
	if got := me.ID.BucketIndex(first[0]); got != 0 {
		t.Errorf("refresh target in bucket %d, want 0", got)
	}
	// Immediately after, nothing needs refreshing.
	if again := rt.BucketsNeedingRefresh(30*time.Minute, now.Add(time.Minute)); len(again) != 0 {
		t.Errorf("expected no refresh targets, got %d", len(again))
	}
}
