/*
Package ledger keeps the local credit account as a signed, hash-chained,
append-only log. Every entry links to its predecessor's hash; the chain
root is periodically published to the DHT so any peer can challenge the
node with a Merkle proof request.

Search is never refused over credits. Cost adjusts with the grace/debt
state instead.
*/
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
	"github.com/meshfind/meshfind/internal/wire"
)

// Action names the creditable and chargeable activities.
type Action string

const (
	ActionCrawl    Action = "crawl"
	ActionQuery    Action = "query"
	ActionHosting  Action = "hosting"
	ActionUptime   Action = "uptime"
	ActionLLMOwn   Action = "llm_own"
	ActionLLMServe Action = "llm_serve"
)

// Credit weights, reference unit crawl = 1.0. Hosting and uptime accrue
// per hour.
var actionWeight = map[Action]float64{
	ActionCrawl:    1.0,
	ActionQuery:    0.5,
	ActionHosting:  0.1,
	ActionUptime:   0.5,
	ActionLLMOwn:   1.5,
	ActionLLMServe: 2.0,
}

// State is the grace/debt account state.
type State int

const (
	StateNormal State = iota
	StateGrace
	StateDebt
)

func (s State) String() string {
	switch s {
	case StateGrace:
		return "GRACE"
	case StateDebt:
		return "DEBT"
	default:
		return "NORMAL"
	}
}

const gracePeriod = 72 * time.Hour

// Off-peak multipliers for LLM actions. Base actions always run at 1.0.
const (
	offPeakMultiplier      = 1.5
	offPeakInconclusive    = 1.3
	geoToleranceHours      = 2
)

// GeoClock reports the node's wall-clock offset as cross-checked by IP
// geolocation. Conclusive means the check agreed within tolerance.
type GeoClock interface {
	LocalHour(now time.Time) (hour int, conclusive bool)
}

// systemGeo trusts the OS zone and marks it inconclusive, which yields
// the conservative multiplier.
type systemGeo struct{}

func (systemGeo) LocalHour(now time.Time) (int, bool) { return now.Local().Hour(), false }

// Entry is one link of the chain.
type Entry struct {
	Seq      uint64
	Action   Action
	Units    float64
	Delta    float64 // signed credit change
	Balance  float64 // balance after this entry
	Time     uint64  // unix ms
	PrevHash [32]byte
	Hash     [32]byte
	Sig      [64]byte
}

func (e *Entry) signedBytes() []byte {
	buf := make([]byte, 0, 128)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], e.Seq)
	buf = append(buf, tmp[:]...)
	buf = append(buf, []byte(e.Action)...)
	buf = append(buf, 0)
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(e.Units))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(e.Delta))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(e.Balance))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], e.Time)
	buf = append(buf, tmp[:]...)
	buf = append(buf, e.PrevHash[:]...)
	return buf
}

// Ledger is the append-only signed credit chain.
type Ledger struct {
	id    *identity.Identity
	clock clock.Clock
	log   *zap.Logger
	db    *sql.DB

	mu            sync.Mutex
	head          [32]byte
	seq           uint64
	balance       float64
	earned        float64 // cumulative positive credits
	state         State
	graceDeadline time.Time

	offPeakStart int // hour, inclusive
	offPeakEnd   int // hour, exclusive
	geo          GeoClock
}

// Open loads the chain from dir and verifies every link and signature.
// A broken chain is fatal.
func Open(dir string, id *identity.Identity, clk clock.Clock, log *zap.Logger) (*Ledger, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			seq       INTEGER PRIMARY KEY,
			action    TEXT NOT NULL,
			units     REAL NOT NULL,
			delta     REAL NOT NULL,
			balance   REAL NOT NULL,
			ts        INTEGER NOT NULL,
			prev_hash BLOB NOT NULL,
			hash      BLOB NOT NULL,
			sig       BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS account (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			state          INTEGER NOT NULL,
			grace_deadline INTEGER NOT NULL,
			earned         REAL NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}

	l := &Ledger{
		id: id, clock: clk, log: log, db: db,
		offPeakStart: 1, offPeakEnd: 6,
		geo: systemGeo{},
	}
	if err := l.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// SetOffPeakWindow configures the LLM off-peak hours [start, end).
func (l *Ledger) SetOffPeakWindow(start, end int, geo GeoClock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offPeakStart, l.offPeakEnd = start, end
	if geo != nil {
		l.geo = geo
	}
}

func (l *Ledger) replay() error {
	rows, err := l.db.Query("SELECT seq, action, units, delta, balance, ts, prev_hash, hash, sig FROM entries ORDER BY seq")
	if err != nil {
		return err
	}
	defer rows.Close()

	var prev [32]byte
	expectSeq := uint64(1)
	for rows.Next() {
		var e Entry
		var action string
		var prevB, hashB, sigB []byte
		if err := rows.Scan(&e.Seq, &action, &e.Units, &e.Delta, &e.Balance,
			&e.Time, &prevB, &hashB, &sigB); err != nil {
			return err
		}
		e.Action = Action(action)
		copy(e.PrevHash[:], prevB)
		copy(e.Hash[:], hashB)
		copy(e.Sig[:], sigB)

		if e.Seq != expectSeq {
			return mesherr.Newf(mesherr.KindFatal, "ledger chain gap at seq %d", e.Seq)
		}
		if e.PrevHash != prev {
			return mesherr.Newf(mesherr.KindFatal, "ledger chain broken at seq %d", e.Seq)
		}
		signed := e.signedBytes()
		if sha256.Sum256(signed) != e.Hash {
			return mesherr.Newf(mesherr.KindFatal, "ledger entry %d hash mismatch", e.Seq)
		}
		if identity.Verify(l.id.Public, signed, e.Sig[:]) != nil {
			return mesherr.Newf(mesherr.KindFatal, "ledger entry %d signature invalid", e.Seq)
		}
		prev = e.Hash
		expectSeq++
		l.head = e.Hash
		l.seq = e.Seq
		l.balance = e.Balance
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var state int
	var deadline int64
	err = l.db.QueryRow("SELECT state, grace_deadline, earned FROM account WHERE id = 1").
		Scan(&state, &deadline, &l.earned)
	switch {
	case err == sql.ErrNoRows:
		l.state = StateNormal
	case err != nil:
		return err
	default:
		l.state = State(state)
		l.graceDeadline = time.UnixMilli(deadline)
	}
	return nil
}

func (l *Ledger) append(action Action, units, delta float64) (*Entry, error) {
	e := &Entry{
		Seq:      l.seq + 1,
		Action:   action,
		Units:    units,
		Delta:    delta,
		Balance:  l.balance + delta,
		Time:     uint64(l.clock.Now().UnixMilli()),
		PrevHash: l.head,
	}
	signed := e.signedBytes()
	e.Hash = sha256.Sum256(signed)
	copy(e.Sig[:], l.id.Sign(signed))

	if _, err := l.db.Exec(`
		INSERT INTO entries (seq, action, units, delta, balance, ts, prev_hash, hash, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, string(e.Action), e.Units, e.Delta, e.Balance, e.Time,
		e.PrevHash[:], e.Hash[:], e.Sig[:]); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	l.seq = e.Seq
	l.head = e.Hash
	l.balance = e.Balance
	if delta > 0 {
		l.earned += delta
	}
	l.persistAccount()
	return e, nil
}

func (l *Ledger) persistAccount() {
	_, err := l.db.Exec(`
		INSERT INTO account (id, state, grace_deadline, earned) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state,
			grace_deadline=excluded.grace_deadline, earned=excluded.earned`,
		int(l.state), l.graceDeadline.UnixMilli(), l.earned)
	if err != nil {
		l.log.Warn("ledger account persist failed", zap.Error(err))
	}
}

// Credit records earned work. LLM actions pick up the off-peak
// multiplier; base actions always run at 1.0.
func (l *Ledger) Credit(action Action, units float64) (*Entry, error) {
	w, ok := actionWeight[action]
	if !ok || action == ActionQuery {
		return nil, mesherr.Newf(mesherr.KindInputRejected, "action %q is not creditable", action)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	mult := 1.0
	if action == ActionLLMOwn || action == ActionLLMServe {
		mult = l.llmMultiplierLocked()
	}
	e, err := l.append(action, units, w*units*mult)
	if err != nil {
		return nil, err
	}
	l.advanceStateLocked()
	return e, nil
}

func (l *Ledger) llmMultiplierLocked() float64 {
	hour, conclusive := l.geo.LocalHour(l.clock.Now())
	inWindow := false
	if l.offPeakStart <= l.offPeakEnd {
		inWindow = hour >= l.offPeakStart && hour < l.offPeakEnd
	} else { // window wraps midnight
		inWindow = hour >= l.offPeakStart || hour < l.offPeakEnd
	}
	if !inWindow {
		return 1.0
	}
	if conclusive {
		return offPeakMultiplier
	}
	return offPeakInconclusive
}

// QueryCost returns the cost the next search will be charged, from the
// contribution tier and the account state.
func (l *Ledger) QueryCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryCostLocked()
}

func (l *Ledger) queryCostLocked() float64 {
	var tier float64
	switch {
	case l.earned >= 1000:
		tier = 0.033
	case l.earned >= 100:
		tier = 0.050
	default:
		tier = 0.100
	}
	if l.stateLocked() == StateDebt {
		return 2 * tier
	}
	return tier
}

// ChargeQuery debits one search. The search itself always proceeds.
func (l *Ledger) ChargeQuery() (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cost := l.queryCostLocked()
	e, err := l.append(ActionQuery, 1, -cost)
	if err != nil {
		return nil, err
	}
	l.advanceStateLocked()
	return e, nil
}

// stateLocked folds the grace timeout into the stored state.
func (l *Ledger) stateLocked() State {
	if l.state == StateGrace && l.clock.Now().After(l.graceDeadline) {
		l.state = StateDebt
		l.persistAccount()
		l.log.Info("credit grace expired, entering debt")
	}
	return l.state
}

func (l *Ledger) advanceStateLocked() {
	cur := l.stateLocked()
	switch {
	case cur == StateNormal && l.balance <= 0:
		l.state = StateGrace
		l.graceDeadline = l.clock.Now().Add(gracePeriod)
		l.log.Info("credit balance exhausted, grace started",
			zap.Time("deadline", l.graceDeadline))
	case (cur == StateGrace || cur == StateDebt) && l.balance > 0:
		l.state = StateNormal
		l.graceDeadline = time.Time{}
		l.log.Info("credit balance recovered")
	}
	l.persistAccount()
}

// Balance returns the current credit balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// AccountState returns the grace/debt state, applying any pending
// timeout.
func (l *Ledger) AccountState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

// Earned returns the cumulative positive contribution.
func (l *Ledger) Earned() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.earned
}

// Height returns the chain length.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// EntryAt loads one entry by sequence number.
func (l *Ledger) EntryAt(seq uint64) (*Entry, error) {
	row := l.db.QueryRow("SELECT seq, action, units, delta, balance, ts, prev_hash, hash, sig FROM entries WHERE seq = ?", seq)
	var e Entry
	var action string
	var prevB, hashB, sigB []byte
	if err := row.Scan(&e.Seq, &action, &e.Units, &e.Delta, &e.Balance,
		&e.Time, &prevB, &hashB, &sigB); err != nil {
		return nil, fmt.Errorf("load entry %d: %w", seq, err)
	}
	e.Action = Action(action)
	copy(e.PrevHash[:], prevB)
	copy(e.Hash[:], hashB)
	copy(e.Sig[:], sigB)
	return &e, nil
}

// RootRecord builds the publishable chain root for the DHT.
func (l *Ledger) RootRecord() (*wire.CreditLedgerRoot, error) {
	l.mu.Lock()
	seq := l.seq
	l.mu.Unlock()
	if seq == 0 {
		return nil, mesherr.New(mesherr.KindInputRejected, "empty ledger has no root")
	}
	root, err := l.MerkleRoot()
	if err != nil {
		return nil, err
	}
	return &wire.CreditLedgerRoot{
		Root:      root,
		Height:    seq,
		Timestamp: uint64(l.clock.Now().UnixMilli()),
	}, nil
}
