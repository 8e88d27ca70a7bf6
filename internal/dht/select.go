package dht

import (
	"bytes"
	"sort"

	"github.com/meshfind/meshfind/internal/identity"
)

// TierRanker maps a peer to a discrete trust rank where larger is more
// trusted. The trust kernel provides the real implementation; tests use
// a constant function.
type TierRanker func(identity.Fingerprint) int

// Select applies the deterministic record-selection policy to a FIND_VALUE
// result set: highest trust tier, then newest timestamp, then smallest
// peer ID.
func Select(records []*StoredRecord, rank TierRanker) *StoredRecord {
	if len(records) == 0 {
		return nil
	}
	if rank == nil {
		rank = func(identity.Fingerprint) int { return 0 }
	}
	sorted := make([]*StoredRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i].Peer()), rank(sorted[j].Peer())
		if ri != rj {
			return ri > rj
		}
		if sorted[i].Envelope.TimestampMs != sorted[j].Envelope.TimestampMs {
			return sorted[i].Envelope.TimestampMs > sorted[j].Envelope.TimestampMs
		}
		pi, pj := sorted[i].Peer(), sorted[j].Peer()
		return bytes.Compare(pi[:], pj[:]) < 0
	})
	return sorted[0]
}
