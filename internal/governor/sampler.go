package governor

import (
	"fmt"
	"sync"

	sigar "github.com/elastic/gosigar"
)

// SystemSampler reads CPU, memory and disk pressure from the OS. CPU is
// the busy fraction between consecutive samples.
type SystemSampler struct {
	dataDir string

	mu      sync.Mutex
	lastCPU sigar.Cpu
	primed  bool
}

func NewSystemSampler(dataDir string) *SystemSampler {
	return &SystemSampler{dataDir: dataDir}
}

func (s *SystemSampler) Sample() (Sample, error) {
	var out Sample

	var cpu sigar.Cpu
	if err := cpu.Get(); err != nil {
		return out, fmt.Errorf("sample cpu: %w", err)
	}
	s.mu.Lock()
	if s.primed {
		dTotal := cpu.Total() - s.lastCPU.Total()
		dIdle := (cpu.Idle + cpu.Wait) - (s.lastCPU.Idle + s.lastCPU.Wait)
		if dTotal > 0 {
			out.CPU = 1 - float64(dIdle)/float64(dTotal)
		}
	}
	s.lastCPU = cpu
	s.primed = true
	s.mu.Unlock()

	var mem sigar.Mem
	if err := mem.Get(); err != nil {
		return out, fmt.Errorf("sample memory: %w", err)
	}
	if mem.Total > 0 {
		out.Mem = float64(mem.ActualUsed) / float64(mem.Total)
	}

	var fs sigar.FileSystemUsage
	if err := fs.Get(s.dataDir); err == nil {
		out.Disk = fs.UsePercent() / 100
	}
	return out, nil
}
