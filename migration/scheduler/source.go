package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one reading of system resource usage.
type Sample struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	LoadAverage   float64   `json:"loadAverage"`
	Time          time.Time `json:"time"`
}

// MetricsSource provides system resource samples.
type MetricsSource interface {
	Sample(ctx context.Context) (Sample, error)
}

// StaticSource always returns the same sample.
type StaticSource struct {
	mu     sync.Mutex
	sample Sample
}

// NewStaticSource creates a StaticSource returning s.
func NewStaticSource(s Sample) *StaticSource {
	return &StaticSource{sample: s}
}

// Set replaces the sample.
func (s *StaticSource) Set(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = sample
}

// Sample implements MetricsSource.
func (s *StaticSource) Sample(_ context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, nil
}

// ProcFSSource reads system metrics from a proc filesystem.
//
// CPU usage is the busy share of CPU time since the previous sample (since
// boot for the first one). Memory usage is 1 - MemAvailable/MemTotal. The
// load average is the 1-minute value.
type ProcFSSource struct {
	fs  procfs.FS
	now func() time.Time

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
}

// NewProcFSSource opens the proc filesystem at mountPoint. An empty
// mountPoint means procfs.DefaultMountPoint.
func NewProcFSSource(mountPoint string) (*ProcFSSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &ProcFSSource{fs: fs, now: time.Now}, nil
}

// Sample implements MetricsSource.
func (p *ProcFSSource) Sample(_ context.Context) (Sample, error) {
	cpu, err := p.cpuPercent()
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.memoryPercent()
	if err != nil {
		return Sample{}, err
	}
	load, err := p.fs.LoadAvg()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read load average: %w", err)
	}
	return Sample{
		CPUPercent:    cpu,
		MemoryPercent: mem,
		LoadAverage:   load.Load1,
		Time:          p.now(),
	}, nil
}

func (p *ProcFSSource) cpuPercent() (float64, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	p.mu.Lock()
	defer p.mu.Unlock()

	dBusy, dTotal := busy-p.prevBusy, total-p.prevTotal
	p.prevBusy, p.prevTotal = busy, total
	if dTotal <= 0 {
		return 0, nil
	}
	return dBusy / dTotal * 100, nil
}

func (p *ProcFSSource) memoryPercent() (float64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	total := float64(*mi.MemTotal)

	var available float64
	switch {
	case mi.MemAvailable != nil:
		available = float64(*mi.MemAvailable)
	default:
		// Kernels before 3.14 have no MemAvailable.
		for _, v := range []*uint64{mi.MemFree, mi.Buffers, mi.Cached} {
			if v != nil {
				available += float64(*v)
			}
		}
	}
	return (1 - available/total) * 100, nil
}
