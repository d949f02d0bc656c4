package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Sampler reads the current consumption of a target.
type Sampler interface {
	Sample(t Target) (dragonflow.ResourceUsage, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(t Target) (dragonflow.ResourceUsage, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(t Target) (dragonflow.ResourceUsage, error) { return f(t) }

// DefaultSampler prefers a target's own reporter and falls back to procfs
// for targets backed by an OS process.
type DefaultSampler struct {
	Proc *ProcSampler
}

// Sample implements Sampler.
func (s DefaultSampler) Sample(t Target) (dragonflow.ResourceUsage, error) {
	if r := t.Reporter(); r != nil {
		return r.Usage(), nil
	}
	if pid := t.PID(); pid > 0 && s.Proc != nil {
		return s.Proc.Sample(pid)
	}
	return dragonflow.ResourceUsage{SampledAt: time.Now()}, nil
}

type cpuMark struct {
	seconds float64
	at      time.Time
}

// ProcSampler samples processes through /proc.
type ProcSampler struct {
	fs  procfs.FS
	now func() time.Time

	mu   sync.Mutex
	prev map[int]cpuMark
}

// NewProcSampler opens procfs at mountPoint; empty means the default mount.
func NewProcSampler(mountPoint string) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	return &ProcSampler{fs: fs, now: time.Now, prev: make(map[int]cpuMark)}, nil
}

// Sample returns RSS, CPU percent since the previous sample, cumulative
// disk IO and the network counters of the process's namespace.
func (s *ProcSampler) Sample(pid int) (dragonflow.ResourceUsage, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return dragonflow.ResourceUsage{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return dragonflow.ResourceUsage{}, fmt.Errorf("read stat of process %d: %w", pid, err)
	}

	now := s.now()
	usage := dragonflow.ResourceUsage{
		MemoryBytes: uint64(stat.ResidentMemory()),
		SampledAt:   now,
	}

	// IO and net counters may be unreadable for other users' processes.
	if pio, err := proc.IO(); err == nil {
		usage.DiskReadBytes = pio.ReadBytes
		usage.DiskWriteBytes = pio.WriteBytes
	}
	if nd, err := proc.NetDev(); err == nil {
		total := nd.Total()
		usage.NetRxBytes = total.RxBytes
		usage.NetTxBytes = total.TxBytes
	}

	cpu := stat.CPUTime()
	s.mu.Lock()
	if prev, ok := s.prev[pid]; ok {
		if wall := now.Sub(prev.at).Seconds(); wall > 0 {
			usage.CPUPercent = (cpu - prev.seconds) / wall * 100
		}
	}
	s.prev[pid] = cpuMark{seconds: cpu, at: now}
	s.mu.Unlock()

	return usage, nil
}

// Forget drops CPU history for pid.
func (s *ProcSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.prev, pid)
	s.mu.Unlock()
}
