package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/identity"
	"github.com/meshfind/meshfind/internal/mesherr"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(4)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func openLedger(t *testing.T, dir string, id *identity.Identity, clk clock.Clock) *Ledger {
	t.Helper()
	l, err := Open(dir, id, clk, zap.NewNop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCreditWeights(t *testing.T) {
	l := openLedger(t, t.TempDir(), testIdentity(t), clock.NewMock())

	e, err := l.Credit(ActionCrawl, 1)
	if err != nil {
		t.Fatal(err)
	}
	if e.Delta != 1.0 {
		t.Errorf("crawl delta = %v, want 1.0", e.Delta)
	}
	if _, err := l.Credit(ActionHosting, 10); err != nil { // 10 hours
		t.Fatal(err)
	}
	if got := l.Balance(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("balance = %v, want 2.0", got)
	}
	if _, err := l.Credit(ActionQuery, 1); err == nil {
		t.Error("query must not be creditable")
	}
}

type fixedGeo struct {
	hour       int
	conclusive bool
}

func (g fixedGeo) LocalHour(time.Time) (int, bool) { return g.hour, g.conclusive }

func TestLLMOffPeakMultiplier(t *testing.T) {
	cases := []struct {
		name string
		geo  fixedGeo
		want float64
	}{
		{"off-peak conclusive", fixedGeo{hour: 3, conclusive: true}, 1.5 * 1.5},
		{"off-peak inconclusive", fixedGeo{hour: 3, conclusive: false}, 1.5 * 1.3},
		{"peak hours", fixedGeo{hour: 14, conclusive: true}, 1.5},
	}
	for _, tc := range cases {
		l := openLedger(t, t.TempDir(), testIdentity(t), clock.NewMock())
		l.SetOffPeakWindow(1, 6, tc.geo)
		e, err := l.Credit(ActionLLMOwn, 1)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(e.Delta-tc.want) > 1e-9 {
			t.Errorf("%s: delta = %v, want %v", tc.name, e.Delta, tc.want)
		}
	}
}

func TestQueryCostTiers(t *testing.T) {
	l := openLedger(t, t.TempDir(), testIdentity(t), clock.NewMock())
	if got := l.QueryCost(); got != 0.100 {
		t.Errorf("fresh cost = %v, want 0.100", got)
	}
	if _, err := l.Credit(ActionCrawl, 150); err != nil {
		t.Fatal(err)
	}
	if got := l.QueryCost(); got != 0.050 {
		t.Errorf("mid-tier cost = %v, want 0.050", got)
	}
	if _, err := l.Credit(ActionCrawl, 900); err != nil {
		t.Fatal(err)
	}
	if got := l.QueryCost(); got != 0.033 {
		t.Errorf("top-tier cost = %v, want 0.033", got)
	}
}

func TestGraceThenDebt(t *testing.T) {
	clk := clock.NewMock()
	l := openLedger(t, t.TempDir(), testIdentity(t), clk)

	if l.AccountState() != StateNormal {
		t.Fatal("fresh ledger should be NORMAL")
	}
	// Balance 0, one search pushes it negative.
	if _, err := l.ChargeQuery(); err != nil {
		t.Fatal(err)
	}
	if l.AccountState() != StateGrace {
		t.Fatalf("state = %s, want GRACE", l.AccountState())
	}
	if l.Balance() >= 0 {
		t.Errorf("balance = %v, want negative", l.Balance())
	}

	// 72 h without earning: DEBT, cost doubles. Search still allowed.
	clk.Add(gracePeriod + time.Second)
	if l.AccountState() != StateDebt {
		t.Fatalf("state after timeout = %s, want DEBT", l.AccountState())
	}
	if got := l.QueryCost(); got != 0.200 {
		t.Errorf("debt cost = %v, want 0.200", got)
	}
	if _, err := l.ChargeQuery(); err != nil {
		t.Fatal("search must never be refused over credits")
	}

	// One crawl recovers the balance and the state.
	if _, err := l.Credit(ActionCrawl, 1); err != nil {
		t.Fatal(err)
	}
	if l.Balance() <= 0 {
		t.Fatalf("balance = %v, want positive", l.Balance())
	}
	if l.AccountState() != StateNormal {
		t.Errorf("state after recovery = %s, want NORMAL", l.AccountState())
	}
}

func TestGraceRecoveryBeforeTimeout(t *testing.T) {
	clk := clock.NewMock()
	l := openLedger(t, t.TempDir(), testIdentity(t), clk)
	l.ChargeQuery()
	if l.AccountState() != StateGrace {
		t.Fatal("expected GRACE")
	}
	clk.Add(time.Hour)
	l.Credit(ActionCrawl, 1)
	if l.AccountState() != StateNormal {
		t.Errorf("state = %s, want NORMAL after earning inside grace", l.AccountState())
	}
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	id := testIdentity(t)
	clk := clock.NewMock()
	l := openLedger(t, dir, id, clk)
	l.Credit(ActionCrawl, 1)
	l.ChargeQuery()
	balance := l.Balance()
	height := l.Height()
	l.Close()

	l2 := openLedger(t, dir, id, clk)
	if l2.Balance() != balance {
		t.Errorf("balance lost: %v != %v", l2.Balance(), balance)
	}
	if l2.Height() != height {
		t.Errorf("height lost: %d != %d", l2.Height(), height)
	}
}

func TestTamperedChainIsFatal(t *testing.T) {
	dir := t.TempDir()
	id := testIdentity(t)
	clk := clock.NewMock()
	l := openLedger(t, dir, id, clk)
	l.Credit(ActionCrawl, 1)
	l.Credit(ActionCrawl, 1)
	if _, err := l.db.Exec("UPDATE entries SET delta = 1000, balance = 1000 WHERE seq = 1"); err != nil {
		t.Fatal(err)
	}
	l.Close()

	_, err := Open(dir, id, clk, zap.NewNop())
	if err == nil {
		t.Fatal("tampered chain must refuse to open")
	}
	if !mesherr.Is(err, mesherr.KindFatal) {
		t.Errorf("error kind = %v, want fatal", mesherr.KindOf(err))
	}
}

func TestMerkleProofs(t *testing.T) {
	l := openLedger(t, t.TempDir(), testIdentity(t), clock.NewMock())
	for i := 0; i < 5; i++ {
		if _, err := l.Credit(ActionCrawl, 1); err != nil {
			t.Fatal(err)
		}
	}
	root, err := l.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		e, err := l.EntryAt(seq)
		if err != nil {
			t.Fatal(err)
		}
		proof, err := l.Prove(seq)
		if err != nil {
			t.Fatal(err)
		}
		if !VerifyProof(e.Hash, proof, root) {
			t.Errorf("proof for seq %d did not verify", seq)
		}
	}

	// Wrong leaf fails.
	proof, _ := l.Prove(2)
	e3, _ := l.EntryAt(3)
	if VerifyProof(e3.Hash, proof, root) {
		t.Error("proof verified for the wrong entry")
	}

	// Root record is publishable once the chain is non-empty.
	rec, err := l.RootRecord()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Root != root || rec.Height != 5 {
		t.Errorf("root record = %+v", rec)
	}
}
