package governor

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

func TestLevelFor(t *testing.T) {
	cases := []struct {
		s    Sample
		want Level
	}{
		{Sample{CPU: 0.2, Mem: 0.3}, LevelNormal},
		{Sample{CPU: 0.8}, LevelWarning},
		{Sample{Mem: 0.8}, LevelWarning},
		{Sample{CPU: 0.9}, LevelOverload},
		{Sample{Mem: 0.95}, LevelCritical},
		{Sample{Disk: 0.96}, LevelCritical},
		{Sample{CPU: 0.99}, LevelDefense},
		{Sample{Disk: 0.99}, LevelDefense},
	}
	for _, tc := range cases {
		if got := levelFor(tc.s); got != tc.want {
			t.Errorf("levelFor(%+v) = %s, want %s", tc.s, got, tc.want)
		}
	}
}

func newTestGovernor(p Profile) (*Governor, *clock.Mock) {
	clk := clock.NewMock()
	return New(p, nil, clk, zap.NewNop(), nil), clk
}

func TestHysteresisBlocksSpikes(t *testing.T) {
	g, clk := newTestGovernor(ProfileBalanced)

	// A single overload sample must not change the level.
	g.Observe(Sample{CPU: 0.9})
	if g.Level() != LevelNormal {
		t.Fatal("level changed on first sample")
	}
	// Pressure recedes before the hysteresis window elapses.
	clk.Add(4 * time.Second)
	g.Observe(Sample{CPU: 0.2})
	clk.Add(12 * time.Second)
	g.Observe(Sample{CPU: 0.9})
	if g.Level() != LevelNormal {
		t.Error("spike flapped the level despite hysteresis")
	}
}

func TestSustainedPressureEscalates(t *testing.T) {
	g, clk := newTestGovernor(ProfileBalanced)

	g.Observe(Sample{CPU: 0.9})
	for i := 0; i < 6; i++ {
		clk.Add(2 * time.Second)
		g.Observe(Sample{CPU: 0.9})
	}
	if g.Level() != LevelOverload {
		t.Fatalf("level = %s, want overload after sustained pressure", g.Level())
	}
	if g.AllowFanout() {
		t.Error("fan-out must be disabled at overload")
	}
	if !g.AllowIndexing() {
		t.Error("indexing still allowed at overload")
	}

	// Recovery also needs to sustain.
	g.Observe(Sample{CPU: 0.1})
	if g.Level() != LevelOverload {
		t.Error("recovered instantly without hysteresis")
	}
	for i := 0; i < 6; i++ {
		clk.Add(2 * time.Second)
		g.Observe(Sample{CPU: 0.1})
	}
	if g.Level() != LevelNormal {
		t.Errorf("level = %s, want normal after sustained recovery", g.Level())
	}
}

func TestEffectsByLevel(t *testing.T) {
	g, clk := newTestGovernor(ProfileContributor)
	force := func(s Sample) {
		g.Observe(s)
		for i := 0; i < 6; i++ {
			clk.Add(2 * time.Second)
			g.Observe(s)
		}
	}

	if !g.AllowLLM() || !g.AllowNewCrawls() || !g.AllowFanout() {
		t.Fatal("normal level should allow everything the profile grants")
	}

	force(Sample{CPU: 0.8})
	if g.Level() != LevelWarning {
		t.Fatalf("level = %s", g.Level())
	}
	if g.AllowLLM() || g.AllowNewCrawls() {
		t.Error("warning must disable LLM and pause crawl starts")
	}
	if !g.AllowFanout() {
		t.Error("warning should still allow fan-out")
	}

	force(Sample{CPU: 0.99})
	if g.Level() != LevelDefense {
		t.Fatalf("level = %s", g.Level())
	}
	if g.AcceptConnections() || g.AllowIndexing() {
		t.Error("defense must refuse connections and indexing")
	}
}

func TestProfiles(t *testing.T) {
	if !ValidProfile(ProfileMinimal) || ValidProfile(Profile("turbo")) {
		t.Error("profile validation wrong")
	}
	if CapsFor(ProfileMinimal).LLMParticipation {
		t.Error("minimal profile must not join LLM work")
	}
	if !CapsFor(ProfileDedicated).LLMParticipation {
		t.Error("dedicated profile should join LLM work")
	}
	if CapsFor(ProfileMinimal).ConcurrentCrawls >= CapsFor(ProfileDedicated).ConcurrentCrawls {
		t.Error("crawl caps should grow with profile")
	}
	// Unknown falls back to balanced.
	if CapsFor(Profile("nope")) != CapsFor(ProfileBalanced) {
		t.Error("unknown profile should fall back to balanced")
	}
}
