package dht

import (
	"crypto/ed25519"
	"net"
	"sort"
	"strings"

	"github.com/meshfind/meshfind/internal/identity"
)

// Contact is a known peer: routing ID, network address, and the identity
// material needed to verify its records.
type Contact struct {
	ID          ID
	Address     string // host:port for the UDP transport
	Fingerprint identity.Fingerprint
	PubKey      ed25519.PublicKey
	PowNonce    uint64

	// distance is a scratch field populated during lookups.
	distance ID
}

// ContactFromIdentity builds this node's own contact.
func ContactFromIdentity(id *identity.Identity, address string) Contact {
	return Contact{
		ID:          NodeID(id.Fingerprint),
		Address:     address,
		Fingerprint: id.Fingerprint,
		PubKey:      id.Public,
		PowNonce:    id.Nonce,
	}
}

// VerifyPoW re-checks the contact's admission proof-of-work.
func (c *Contact) VerifyPoW(difficulty int) error {
	return identity.VerifyPoW(c.PubKey, c.PowNonce, c.Fingerprint, difficulty)
}

// Subnet16 returns the /16 prefix for IPv4 addresses (used for bucket
// diversity); for IPv6 or unparseable hosts it returns the host string so
// the diversity rule still groups identical sources.
func (c *Contact) Subnet16() string {
	host, _, err := net.SplitHostPort(c.Address)
	if err != nil {
		host = c.Address
	}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		return net.IP{ip4[0], ip4[1]}.String()
	}
	if ip != nil {
		// Group IPv6 by /32 prefix.
		return ip.Mask(net.CIDRMask(32, 128)).String()
	}
	return strings.ToLower(host)
}

// sortByDistance orders contacts by XOR closeness to target, with the
// contact address as a deterministic tiebreak.
func sortByDistance(contacts []Contact, target ID) {
	for i := range contacts {
		contacts[i].distance = contacts[i].ID.Distance(target)
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].distance != contacts[j].distance {
			return contacts[i].distance.Less(contacts[j].distance)
		}
		return contacts[i].Address < contacts[j].Address
	})
}
