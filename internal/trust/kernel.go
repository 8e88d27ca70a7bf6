/*
Package trust maintains per-peer trust scores, drives the random audit
loop, and persists takedown obligations so restarts never reopen them.

score = 0.15*uptime + 0.25*contribution + 0.40*audit_pass_rate + 0.20*summary_quality
*/
package trust

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/identity"
)

// Tier is the discrete trust band.
type Tier int

const (
	TierUntrusted Tier = iota
	TierSuspect
	TierNormal
	TierTrusted
)

func (t Tier) String() string {
	switch t {
	case TierTrusted:
		return "trusted"
	case TierNormal:
		return "normal"
	case TierSuspect:
		return "suspect"
	default:
		return "untrusted"
	}
}

// Value maps a tier to its ranking weight.
func (t Tier) Value() float64 {
	switch t {
	case TierTrusted:
		return 1.0
	case TierNormal:
		return 0.75
	case TierSuspect:
		return 0.4
	default:
		return 0.0
	}
}

// Score component weights.
const (
	weightUptime   = 0.15
	weightContrib  = 0.25
	weightAudit    = 0.40
	weightSummary  = 0.20

	uptimeWindow = 7 * 24 * time.Hour

	// contributions saturating the contribution component
	contribSaturation = 1000.0

	// unknown summary quality scores neutral
	defaultSummaryQuality = 0.5

	// Never-audited peers start at a neutral pass rate. This keeps a
	// fresh fingerprint below the Normal threshold (0.4*0.5 + 0.2*0.5 =
	// 0.3, Suspect) until it earns score through audits, uptime and
	// contributions; a fabricated identity must not be trusted for free.
	defaultAuditPassRate = 0.5

	isolationFailStreak = 3
)

// peerState is the mutable trust record of one peer.
type peerState struct {
	auditPassRate   float64
	summaryQuality  float64
	contributions   float64
	consecutiveFail int
	isolated        bool

	// uptime observations inside the window: hour bucket -> online
	uptimeSeen   map[int64]bool
	uptimeOnline map[int64]bool
}

// Kernel tracks trust state for every known peer and persists it.
type Kernel struct {
	clock clock.Clock
	log   *zap.Logger
	db    *sql.DB

	mu    sync.RWMutex
	peers map[identity.Fingerprint]*peerState

	onTierChange func(identity.Fingerprint, Tier)
}

// Open loads persisted trust state from dir (created if missing).
func Open(dir string, clk clock.Clock, log *zap.Logger) (*Kernel, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "trust.db"))
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			fingerprint      BLOB PRIMARY KEY,
			audit_pass_rate  REAL NOT NULL,
			summary_quality  REAL NOT NULL,
			contributions    REAL NOT NULL,
			consecutive_fail INTEGER NOT NULL,
			isolated         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_reports (
			target       BLOB NOT NULL,
			url          TEXT NOT NULL,
			epoch        INTEGER NOT NULL,
			auditor      BLOB NOT NULL,
			matched      INTEGER NOT NULL,
			reported_at  INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate trust store: %w", err)
		}
	}

	k := &Kernel{clock: clk, log: log, db: db, peers: make(map[identity.Fingerprint]*peerState)}
	rows, err := db.Query("SELECT fingerprint, audit_pass_rate, summary_quality, contributions, consecutive_fail, isolated FROM peers")
	if err != nil {
		db.Close()
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var fpB []byte
		st := newPeerState()
		var isolated int
		if err := rows.Scan(&fpB, &st.auditPassRate, &st.summaryQuality,
			&st.contributions, &st.consecutiveFail, &isolated); err != nil {
			continue
		}
		st.isolated = isolated != 0
		var fp identity.Fingerprint
		copy(fp[:], fpB)
		k.peers[fp] = st
	}
	return k, rows.Err()
}

func (k *Kernel) Close() error { return k.db.Close() }

func newPeerState() *peerState {
	return &peerState{
		auditPassRate:  defaultAuditPassRate,
		summaryQuality: defaultSummaryQuality,
		uptimeSeen:     make(map[int64]bool),
		uptimeOnline:   make(map[int64]bool),
	}
}

// SetTierChangeFunc installs the callback fired on tier transitions.
func (k *Kernel) SetTierChangeFunc(fn func(identity.Fingerprint, Tier)) {
	k.mu.Lock()
	k.onTierChange = fn
	k.mu.Unlock()
}

func (k *Kernel) state(fp identity.Fingerprint) *peerState {
	st, ok := k.peers[fp]
	if !ok {
		st = newPeerState()
		k.peers[fp] = st
	}
	return st
}

func (k *Kernel) uptimeFraction(st *peerState) float64 {
	cutoff := k.clock.Now().Add(-uptimeWindow).Unix() / 3600
	seen, online := 0, 0
	for bucket, on := range st.uptimeSeen {
		if bucket < cutoff {
			delete(st.uptimeSeen, bucket)
			delete(st.uptimeOnline, bucket)
			continue
		}
		seen++
		if on && st.uptimeOnline[bucket] {
			online++
		}
	}
	if seen == 0 {
		return 0
	}
	return float64(online) / float64(seen)
}

func (k *Kernel) scoreLocked(st *peerState) float64 {
	contrib := st.contributions / contribSaturation
	if contrib > 1 {
		contrib = 1
	}
	return weightUptime*k.uptimeFraction(st) +
		weightContrib*contrib +
		weightAudit*st.auditPassRate +
		weightSummary*st.summaryQuality
}

// Score returns the current trust score of the peer.
func (k *Kernel) Score(fp identity.Fingerprint) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scoreLocked(k.state(fp))
}

// TierOf maps the peer's score to its band. Isolated peers are always
// untrusted.
func (k *Kernel) TierOf(fp identity.Fingerprint) Tier {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.state(fp)
	if st.isolated {
		return TierUntrusted
	}
	return tierForScore(k.scoreLocked(st))
}

func tierForScore(s float64) Tier {
	switch {
	case s >= 0.8:
		return TierTrusted
	case s >= 0.5:
		return TierNormal
	case s >= 0.3:
		return TierSuspect
	default:
		return TierUntrusted
	}
}

// Isolated reports whether the peer's messages are dropped.
func (k *Kernel) Isolated(fp identity.Fingerprint) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	st, ok := k.peers[fp]
	return ok && st.isolated
}

// ObserveUptime records one liveness observation for the peer.
func (k *Kernel) ObserveUptime(fp identity.Fingerprint, online bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.state(fp)
	bucket := k.clock.Now().Unix() / 3600
	st.uptimeSeen[bucket] = true
	if online {
		st.uptimeOnline[bucket] = true
	}
}

// ObserveContribution credits verifiable work (accepted pointers,
// served lookups) toward the contribution component.
func (k *Kernel) ObserveContribution(fp identity.Fingerprint, units float64) {
	k.mu.Lock()
	st := k.state(fp)
	st.contributions += units
	k.mu.Unlock()
	k.persist(fp)
}

// ObserveSummaryQuality feeds the rolling summary-quality signal.
func (k *Kernel) ObserveSummaryQuality(fp identity.Fingerprint, quality float64) {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	k.mu.Lock()
	st := k.state(fp)
	st.summaryQuality = 0.8*st.summaryQuality + 0.2*quality
	k.mu.Unlock()
	k.persist(fp)
}

// AuditOutcome is the quorum verdict of one audit round.
type AuditOutcome int

const (
	AuditPass AuditOutcome = iota
	AuditInconclusive
	AuditFail
)

// ApplyAuditOutcome updates the pass rate and handles the isolation
// streak. Returns the peer's tier after the update.
func (k *Kernel) ApplyAuditOutcome(fp identity.Fingerprint, outcome AuditOutcome) Tier {
	k.mu.Lock()
	st := k.state(fp)
	before := tierForScore(k.scoreLocked(st))
	if st.isolated {
		before = TierUntrusted
	}

	switch outcome {
	case AuditPass:
		st.auditPassRate += 0.01
		if st.auditPassRate > 1 {
			st.auditPassRate = 1
		}
		st.consecutiveFail = 0
	case AuditInconclusive:
		// neutral; recheck next cycle
	case AuditFail:
		st.auditPassRate -= 0.2
		if st.auditPassRate < 0 {
			st.auditPassRate = 0
		}
		st.consecutiveFail++
		if st.consecutiveFail >= isolationFailStreak && !st.isolated {
			st.isolated = true
			k.log.Warn("peer isolated after audit fail streak",
				zap.String("peer", fp.String()))
		}
	}

	after := tierForScore(k.scoreLocked(st))
	if st.isolated {
		after = TierUntrusted
	}
	cb := k.onTierChange
	k.mu.Unlock()
	k.persist(fp)

	if after != before {
		k.log.Info("trust tier changed",
			zap.String("peer", fp.String()),
			zap.String("from", before.String()),
			zap.String("to", after.String()))
		if cb != nil {
			cb(fp, after)
		}
	}
	return after
}

func (k *Kernel) persist(fp identity.Fingerprint) {
	k.mu.RLock()
	st, ok := k.peers[fp]
	if !ok {
		k.mu.RUnlock()
		return
	}
	row := struct {
		pass, summary, contrib float64
		fails                  int
		isolated               bool
	}{st.auditPassRate, st.summaryQuality, st.contributions, st.consecutiveFail, st.isolated}
	k.mu.RUnlock()

	iso := 0
	if row.isolated {
		iso = 1
	}
	_, err := k.db.Exec(`
		INSERT INTO peers (fingerprint, audit_pass_rate, summary_quality, contributions, consecutive_fail, isolated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			audit_pass_rate=excluded.audit_pass_rate,
			summary_quality=excluded.summary_quality,
			contributions=excluded.contributions,
			consecutive_fail=excluded.consecutive_fail,
			isolated=excluded.isolated`,
		fp[:], row.pass, row.summary, row.contrib, row.fails, iso)
	if err != nil {
		k.log.Warn("trust persist failed", zap.Error(err))
	}
}
