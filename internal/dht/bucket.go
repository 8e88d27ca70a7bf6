package dht

import (
	"container/list"
)

const (
	// BucketSize is k: the number of contacts kept per bucket.
	BucketSize = 20

	// maxPerSubnet caps contacts from one /16 IPv4 subnet per bucket.
	maxPerSubnet = 2

	replacementCap = 32
)

// bucket is an LRU list of contacts, most recently seen at the front,
// with a bounded replacement cache for contacts that didn't fit.
type bucket struct {
	entries *list.List
	repl    []Contact
}

func newBucket() *bucket {
	return &bucket{entries: list.New()}
}

func (b *bucket) len() int { return b.entries.Len() }

func (b *bucket) find(id ID) *list.Element {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == id {
			return e
		}
	}
	return nil
}

// subnetCount counts bucket members sharing the contact's /16.
func (b *bucket) subnetCount(subnet string) int {
	n := 0
	for e := b.entries.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		if c.Subnet16() == subnet {
			n++
		}
	}
	return n
}

// touch moves an existing contact to the front, updating its address.
func (b *bucket) touch(c Contact) bool {
	e := b.find(c.ID)
	if e == nil {
		return false
	}
	e.Value = c
	b.entries.MoveToFront(e)
	return true
}

// insertFront adds a new contact at the most-recent position. The caller
// has already checked capacity and diversity.
func (b *bucket) insertFront(c Contact) {
	b.entries.PushFront(c)
}

// lru returns the least recently seen contact, if any.
func (b *bucket) lru() (Contact, bool) {
	e := b.entries.Back()
	if e == nil {
		return Contact{}, false
	}
	return e.Value.(Contact), true
}

// removeID drops a contact and, when the replacement cache has a
// candidate, promotes the most recent replacement.
func (b *bucket) removeID(id ID) bool {
	e := b.find(id)
	if e == nil {
		return false
	}
	b.entries.Remove(e)
	if n := len(b.repl); n > 0 {
		promoted := b.repl[n-1]
		b.repl = b.repl[:n-1]
		b.entries.PushFront(promoted)
	}
	return true
}

// addReplacement remembers a contact that didn't fit (bounded, no dups).
func (b *bucket) addReplacement(c Contact) {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			b.repl[i] = c
			return
		}
	}
	if len(b.repl) >= replacementCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:replacementCap-1]
	}
	b.repl = append(b.repl, c)
}

// contacts returns a snapshot of the bucket members.
func (b *bucket) contacts() []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}
