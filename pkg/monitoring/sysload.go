package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/AxonStream/core/pkg/logging"
)

// DefaultSysLoadInterval is how often the sampler refreshes its readings.
const DefaultSysLoadInterval = 10 * time.Second

// sysLoadAlpha smooths CPU samples with an exponential moving average so a
// single spike does not swing placement decisions.
const sysLoadAlpha = 0.3

// SysLoad samples host CPU and memory utilization in the background. Readings
// feed the node's registry heartbeat, where placement scoring consumes them.
type SysLoad struct {
	mu         sync.RWMutex
	cpuPercent float64
	memPercent float64

	interval time.Duration
	logger   logging.Logger
}

// NewSysLoad creates a sampler; call Run to start it.
func NewSysLoad(interval time.Duration, logger logging.Logger) *SysLoad {
	if interval <= 0 {
		interval = DefaultSysLoadInterval
	}
	return &SysLoad{interval: interval, logger: logger}
}

// Run samples on the interval until the context is canceled. The first
// cpu.Percent call primes the kernel counters and reports zero; readings are
// meaningful from the second tick on.
func (s *SysLoad) Run(ctx context.Context) error {
	s.sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SysLoad) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		if err != nil {
			s.logger.WithError(err).Warn("CPU sample failed")
		}
	} else {
		s.mu.Lock()
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			s.cpuPercent = sysLoadAlpha*percents[0] + (1-sysLoadAlpha)*s.cpuPercent
		}
		s.mu.Unlock()
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		s.logger.WithError(err).Warn("Memory sample failed")
		return
	}
	s.mu.Lock()
	s.memPercent = vm.UsedPercent
	s.mu.Unlock()
}

// Snapshot returns the latest CPU and memory percentages, both in [0,100].
func (s *SysLoad) Snapshot() (cpuPercent, memPercent float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpuPercent, s.memPercent
}
