package trust

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/wire"
)

// Audit cadence: roughly one audit per hour with random jitter so peers
// cannot predict audit timing.
const (
	auditBaseInterval = time.Hour
	auditJitter       = 20 * time.Minute
	auditQuorum       = 3
	epochLength       = time.Hour
)

// AuditTarget is one (peer, url) attestation pair eligible for audit.
type AuditTarget struct {
	Peer         identity.Fingerprint
	URL          string
	AttestedHash [32]byte
}

// AuditMesh is the DHT surface the auditor needs.
type AuditMesh interface {
	// AuditorsFor returns the n peers closest to key, the election set.
	AuditorsFor(key [32]byte, n int) []identity.Fingerprint
	PublishAudit(ctx context.Context, report *wire.AuditReport) error
	// CollectAudits returns the reports other auditors published for
	// the target in the given epoch.
	CollectAudits(ctx context.Context, target AuditTarget, epoch uint64) []*wire.AuditReport
}

// HashObserver independently re-fetches a URL and reports the content
// hash it observed.
type HashObserver interface {
	ObserveContentHash(ctx context.Context, url string) ([32]byte, error)
}

// TargetSource yields attestations eligible for audit.
type TargetSource interface {
	RandomAuditTarget() (AuditTarget, bool)
}

// Auditor runs the random audit loop for one node.
type Auditor struct {
	kernel   *Kernel
	mesh     AuditMesh
	observer HashObserver
	targets  TargetSource
	self     identity.Fingerprint
	log      *zap.Logger
}

func NewAuditor(kernel *Kernel, mesh AuditMesh, observer HashObserver, targets TargetSource, self identity.Fingerprint, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{kernel: kernel, mesh: mesh, observer: observer, targets: targets, self: self, log: log}
}

// electionKey derives the auditor election point for a target and epoch.
func electionKey(t AuditTarget, epoch uint64) [32]byte {
	h := sha256.New()
	h.Write(t.Peer[:])
	h.Write([]byte(t.URL))
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], epoch)
	h.Write(e[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ElectionKey exposes the election point so the mesh layer can store and
// collect audit reports under the same key the auditors are elected by.
func ElectionKey(t AuditTarget, epoch uint64) [32]byte {
	return electionKey(t, epoch)
}

// Epoch returns the audit epoch containing now.
func Epoch(now time.Time) uint64 {
	return uint64(now.Unix() / int64(epochLength/time.Second))
}

// Run executes audit rounds until ctx is done.
func (a *Auditor) Run(ctx context.Context) {
	for {
		wait := auditBaseInterval + secureJitter(auditJitter)
		select {
		case <-ctx.Done():
			return
		case <-a.kernel.clock.After(wait):
		}
		a.RunOnce(ctx)
	}
}

func secureJitter(span time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - span/2
}

// RunOnce picks a random attested target and, if this node is among the
// elected auditors, re-crawls it, publishes the report, then applies the
// quorum verdict.
func (a *Auditor) RunOnce(ctx context.Context) {
	target, ok := a.targets.RandomAuditTarget()
	if !ok {
		return
	}
	if target.Peer == a.self {
		return // never audit yourself
	}
	epoch := Epoch(a.kernel.clock.Now())
	key := electionKey(target, epoch)

	elected := false
	for _, fp := range a.mesh.AuditorsFor(key, auditQuorum) {
		if fp == a.self {
			elected = true
			break
		}
	}
	if !elected {
		return
	}

	observed, err := a.observer.ObserveContentHash(ctx, target.URL)
	if err != nil {
		a.log.Debug("audit fetch failed", zap.String("url", target.URL), zap.Error(err))
		return
	}

	report := &wire.AuditReport{
		TargetPeer:   target.Peer,
		TargetURL:    target.URL,
		AttestedHash: target.AttestedHash,
		ObservedHash: observed,
		Epoch:        epoch,
		Timestamp:    uint64(a.kernel.clock.Now().UnixMilli()),
	}
	if err := a.mesh.PublishAudit(ctx, report); err != nil {
		a.log.Warn("audit publish failed", zap.Error(err))
	}
	a.recordReport(report, observed == target.AttestedHash)

	reports := a.mesh.CollectAudits(ctx, target, epoch)
	reports = append(reports, report)
	outcome := Verdict(target, reports)
	tier := a.kernel.ApplyAuditOutcome(target.Peer, outcome)
	a.log.Info("audit round complete",
		zap.String("target", target.Peer.String()),
		zap.Int("reports", len(reports)),
		zap.Int("outcome", int(outcome)),
		zap.String("tier", tier.String()))
}

func (a *Auditor) recordReport(r *wire.AuditReport, matched bool) {
	m := 0
	if matched {
		m = 1
	}
	_, err := a.kernel.db.Exec(
		"INSERT INTO audit_reports (target, url, epoch, auditor, matched, reported_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.TargetPeer[:], r.TargetURL, int64(r.Epoch), a.self[:], m, int64(r.Timestamp))
	if err != nil {
		a.log.Warn("audit report persist failed", zap.Error(err))
	}
}

// Verdict folds the auditor reports into the quorum outcome. Reports
// from distinct auditors for the right target and epoch count; the
// attested hash is compared against each observation.
func Verdict(target AuditTarget, reports []*wire.AuditReport) AuditOutcome {
	matches, total := 0, 0
	for _, r := range reports {
		if r.TargetPeer != target.Peer || r.TargetURL != target.URL {
			continue
		}
		total++
		if r.ObservedHash == target.AttestedHash {
			matches++
		}
	}
	switch {
	case total >= auditQuorum && matches == total:
		return AuditPass
	case total >= auditQuorum && matches*3 >= total*2:
		return AuditInconclusive
	case total >= auditQuorum:
		return AuditFail
	default:
		// below quorum: treat as inconclusive, never penalize
		return AuditInconclusive
	}
}
