package monitoring

import (
	"testing"
	"time"

	"github.com/AxonStream/core/pkg/logging"
)

func TestSysLoadSnapshotBounds(t *testing.T) {
	s := NewSysLoad(time.Second, logging.NewLogger())
	s.sample()
	s.sample()

	cpuPercent, memPercent := s.Snapshot()
	if cpuPercent < 0 || cpuPercent > 100 {
		t.Fatalf("cpu percent out of range: %f", cpuPercent)
	}
	if memPercent <= 0 || memPercent > 100 {
		t.Fatalf("mem percent out of range: %f", memPercent)
	}
}

func TestSysLoadDefaultsInterval(t *testing.T) {
	s := NewSysLoad(0, logging.NewLogger())
	if s.interval != DefaultSysLoadInterval {
		t.Fatalf("interval = %s, want %s", s.interval, DefaultSysLoadInterval)
	}
}
