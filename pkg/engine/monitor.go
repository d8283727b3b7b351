package engine

import (
	"time"

	"go.uber.org/zap"
)

// Snapshot is the periodic progress summary handed to monitors. The engine
// has no opinion on how it is displayed.
type Snapshot struct {
	Iterations    uint64
	CorpusSize    int
	CoverageBits  int
	FindingsCount int
	Degraded      uint64
	Elapsed       time.Duration
	SinceLastFind time.Duration // zero until the first admission or finding
}

// Monitor consumes engine snapshots.
type Monitor interface {
	Report(s Snapshot)
}

// LogMonitor writes snapshots to the structured log, the default when no
// other monitor is wired in.
type LogMonitor struct {
	Log *zap.Logger
}

func (m LogMonitor) Report(s Snapshot) {
	m.Log.Info("campaign progress",
		zap.Uint64("iterations", s.Iterations),
		zap.Int("corpus", s.CorpusSize),
		zap.Int("coverage_bits", s.CoverageBits),
		zap.Int("findings", s.FindingsCount),
		zap.Uint64("degraded", s.Degraded),
		zap.Duration("elapsed", s.Elapsed),
		zap.Duration("since_last_find", s.SinceLastFind))
}
