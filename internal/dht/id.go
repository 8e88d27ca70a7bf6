/*
Package dht implements the Kademlia overlay: 160-bit XOR keyspace,
k-bucket routing table with LRU eviction and subnet diversity, UDP
request/response transport, iterative lookup, and a validated record
store with replication factor 3.
*/
package dht

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/meshfind/meshfind/internal/identity"
)

// IDLength is the number of bytes in a routing ID (160 bits).
const IDLength = 20

// ID is a 160-bit Kademlia identifier. Keys are SHA-256 digests truncated
// to 160 bits; node IDs are the leading 160 bits of the peer fingerprint.
type ID [IDLength]byte

// NewID parses a 40-char hex string.
func NewID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse id: %w", err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("id is %d bytes, want %d", len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// KeyForBytes derives the DHT key for arbitrary bytes.
func KeyForBytes(b []byte) ID {
	sum := sha256.Sum256(b)
	var id ID
	copy(id[:], sum[:IDLength])
	return id
}

// KeyForKeyword derives the DHT key for a (normalized) keyword.
func KeyForKeyword(keyword string) ID {
	return KeyForBytes([]byte(keyword))
}

// KeyForURL derives the DHT key for a canonical URL.
func KeyForURL(canonicalURL string) ID {
	return KeyForBytes([]byte(canonicalURL))
}

// KeyForLock derives the key holding crawl locks for a canonical URL.
func KeyForLock(canonicalURL string) ID {
	return KeyForBytes([]byte(canonicalURL + "::lock"))
}

// KeyForAttestation derives the key holding content attestations for a
// canonical URL.
func KeyForAttestation(canonicalURL string) ID {
	return KeyForBytes([]byte(canonicalURL + "::attest"))
}

// NodeID truncates a peer fingerprint to the routing keyspace.
func NodeID(f identity.Fingerprint) ID {
	var id ID
	copy(id[:], f[:IDLength])
	return id
}

// RandomID returns a uniformly random ID (crypto RNG; used for bucket
// refresh probes and audit epochs).
func RandomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// Distance is the XOR metric.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := 0; i < IDLength; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less compares lexicographically; on XOR distances this orders by
// closeness.
func (id ID) Less(other ID) bool {
	for i := 0; i < IDLength; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// BucketIndex returns the index of the highest differing bit between the
// two IDs, counting from the most significant bit. Equal IDs map to the
// last bucket.
func (id ID) BucketIndex(other ID) int {
	d := id.Distance(other)
	for i := 0; i < IDLength; i++ {
		for j := 0; j < 8; j++ {
			if d[i]&(0x80>>uint(j)) != 0 {
				return i*8 + j
			}
		}
	}
	return IDLength*8 - 1
}

// String hex-encodes the ID.
func (id ID) String() string { return hex.EncodeToString(id[:]) }
