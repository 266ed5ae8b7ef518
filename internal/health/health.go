// Package health periodically surfaces the proxy's operating stats to the
// operator log: stash pressure, overflow events, subtree residency and
// host memory.
package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
)

// Stats is one snapshot of the engine gauges.
type Stats struct {
	StashBlocks      int
	StashCapacity    int
	StashOverflows   uint64
	SubtreeBuckets   int
	WriteBackCounter uint64
}

// StatsFunc samples the engine.
type StatsFunc func() Stats

// Monitor logs a stats line on a fixed interval.
type Monitor struct {
	log      *logrus.Logger
	interval time.Duration
	stats    StatsFunc
}

// NewMonitor creates a monitor sampling stats every interval.
func NewMonitor(log *logrus.Logger, interval time.Duration, stats StatsFunc) *Monitor {
	if log == nil {
		log = logrus.New()
	}
	return &Monitor{log: log, interval: interval, stats: stats}
}

// Run blocks, emitting one line per interval until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit()
		}
	}
}

func (m *Monitor) emit() {
	s := m.stats()
	fields := logrus.Fields{
		"stashBlocks":    s.StashBlocks,
		"stashCapacity":  s.StashCapacity,
		"stashOverflows": s.StashOverflows,
		"subtreeBuckets": s.SubtreeBuckets,
		"flushCounter":   s.WriteBackCounter,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memUsedPercent"] = vm.UsedPercent
	}

	if s.StashOverflows > 0 {
		m.log.WithFields(fields).Warn("proxy health: stash has overflowed")
		return
	}
	m.log.WithFields(fields).Info("proxy health")
}
