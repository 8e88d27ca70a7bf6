/*
Package governor enforces resource profiles and degrades functionality
under pressure instead of letting the node fall over.

Levels escalate from 0 (normal) to 4 (defense); transitions require the
trigger condition to sustain for the hysteresis window so momentary
spikes do not flap the node between modes.
*/
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meshfind/meshfind/internal/metrics"
)

// Profile names a static cap set.
type Profile string

const (
	ProfileMinimal     Profile = "minimal"
	ProfileBalanced    Profile = "balanced"
	ProfileContributor Profile = "contributor"
	ProfileDedicated   Profile = "dedicated"
)

// Caps are the concrete limits a profile grants.
type Caps struct {
	ConcurrentCrawls   int
	UploadBitsPerSec   int64
	DownloadBitsPerSec int64
	FanOut             int
	LLMParticipation   bool
}

var profileCaps = map[Profile]Caps{
	ProfileMinimal:     {ConcurrentCrawls: 1, UploadBitsPerSec: 1 << 20, DownloadBitsPerSec: 2 << 20, FanOut: 2, LLMParticipation: false},
	ProfileBalanced:    {ConcurrentCrawls: 3, UploadBitsPerSec: 5 << 20, DownloadBitsPerSec: 10 << 20, FanOut: 3, LLMParticipation: false},
	ProfileContributor: {ConcurrentCrawls: 5, UploadBitsPerSec: 10 << 20, DownloadBitsPerSec: 20 << 20, FanOut: 3, LLMParticipation: true},
	ProfileDedicated:   {ConcurrentCrawls: 10, UploadBitsPerSec: 50 << 20, DownloadBitsPerSec: 100 << 20, FanOut: 5, LLMParticipation: true},
}

// CapsFor returns the cap set of a profile; unknown profiles get
// balanced.
func CapsFor(p Profile) Caps {
	if c, ok := profileCaps[p]; ok {
		return c
	}
	return profileCaps[ProfileBalanced]
}

// ValidProfile reports whether p names a known profile.
func ValidProfile(p Profile) bool {
	_, ok := profileCaps[p]
	return ok
}

// Level is the degradation stage.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelOverload
	LevelCritical
	LevelDefense
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelOverload:
		return "overload"
	case LevelCritical:
		return "critical"
	case LevelDefense:
		return "defense"
	default:
		return "normal"
	}
}

// Sample is one resource observation, each component a fraction of
// capacity in [0,1].
type Sample struct {
	CPU  float64
	Mem  float64
	Disk float64
}

// Sampler produces resource observations.
type Sampler interface {
	Sample() (Sample, error)
}

const (
	sampleInterval = 2 * time.Second
	hysteresis     = 10 * time.Second
)

// Escalation thresholds per level, checked highest first.
func levelFor(s Sample) Level {
	max := s.CPU
	if s.Mem > max {
		max = s.Mem
	}
	switch {
	case max > 0.98 || s.Disk > 0.98:
		return LevelDefense
	case max > 0.93 || s.Disk > 0.95:
		return LevelCritical
	case max > 0.85:
		return LevelOverload
	case max > 0.75:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Governor holds the active profile and the current degradation level.
type Governor struct {
	profile Profile
	caps    Caps
	sampler Sampler
	clock   clock.Clock
	log     *zap.Logger
	met     *metrics.Metrics

	mu             sync.RWMutex
	level          Level
	candidate      Level
	candidateSince time.Time
}

func New(profile Profile, sampler Sampler, clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Governor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		profile: profile,
		caps:    CapsFor(profile),
		sampler: sampler,
		clock:   clk,
		log:     log,
		met:     met,
	}
}

// Run samples resources until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := g.clock.Ticker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := g.sampler.Sample()
			if err != nil {
				g.log.Debug("resource sample failed", zap.Error(err))
				continue
			}
			g.Observe(s)
		}
	}
}

// Observe feeds one sample through the hysteresis filter.
func (g *Governor) Observe(s Sample) {
	target := levelFor(s)
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if target == g.level {
		g.candidate = target
		g.candidateSince = now
		return
	}
	if target != g.candidate {
		g.candidate = target
		g.candidateSince = now
		return
	}
	if now.Sub(g.candidateSince) < hysteresis {
		return
	}
	g.log.Info("degradation level changed",
		zap.String("from", g.level.String()),
		zap.String("to", target.String()),
		zap.Float64("cpu", s.CPU), zap.Float64("mem", s.Mem), zap.Float64("disk", s.Disk))
	g.level = target
	g.candidateSince = now
	if g.met != nil {
		g.met.DegradeLevel.Set(float64(target))
	}
}

// Level returns the current degradation level.
func (g *Governor) Level() Level {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// Profile returns the configured profile name.
func (g *Governor) Profile() Profile { return g.profile }

// Caps returns the profile's cap set.
func (g *Governor) Caps() Caps { return g.caps }

// AllowLLM: level 0 only, and only for profiles that opt in.
func (g *Governor) AllowLLM() bool {
	return g.caps.LLMParticipation && g.Level() == LevelNormal
}

// AllowNewCrawls: paused from level 1.
func (g *Governor) AllowNewCrawls() bool { return g.Level() < LevelWarning }

// AllowFanout: remote fan-out disabled from level 2; search degrades to
// local-only.
func (g *Governor) AllowFanout() bool { return g.Level() < LevelOverload }

// AllowIndexing: read-only from level 3.
func (g *Governor) AllowIndexing() bool { return g.Level() < LevelCritical }

// AcceptConnections: refused at level 4.
func (g *Governor) AcceptConnections() bool { return g.Level() < LevelDefense }
