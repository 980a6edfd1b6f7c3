package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dealdesk/matchbox/internal/config"
	"github.com/dealdesk/matchbox/internal/store"
)

// Scheduler runs maintenance sweeps on a cron schedule. A fresh Runner is
// built per sweep so each run sees the current clock.
type Scheduler struct {
	st       store.Store
	policies config.Lifecycle
	cron     *cron.Cron
	entry    cron.EntryID
	logf     func(format string, args ...any)
}

// NewScheduler creates a sweep scheduler from the configured cron spec.
func NewScheduler(st store.Store, policies config.Lifecycle) (*Scheduler, error) {
	if _, ok := st.(*store.SQLiteStore); !ok {
		return nil, fmt.Errorf("lifecycle scheduler requires sqlite store")
	}
	if _, err := cron.ParseStandard(policies.Schedule); err != nil {
		return nil, fmt.Errorf("invalid lifecycle schedule %q: %w", policies.Schedule, err)
	}

	s := &Scheduler{
		st:       st,
		policies: policies,
		cron:     cron.New(),
		logf:     log.Printf,
	}
	entry, err := s.cron.AddFunc(policies.Schedule, s.sweep)
	if err != nil {
		return nil, fmt.Errorf("scheduling lifecycle sweep: %w", err)
	}
	s.entry = entry
	return s, nil
}

// SetLogf installs a logger for sweep outcomes.
func (s *Scheduler) SetLogf(logf func(format string, args ...any)) {
	if logf != nil {
		s.logf = logf
	}
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logf("lifecycle: sweeps scheduled (%s), next run %s",
		s.policies.Schedule, s.NextRun().Format(time.RFC3339))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logf("lifecycle: scheduler stopped")
}

// NextRun reports when the next sweep fires.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) sweep() {
	runner, err := NewRunner(s.st, s.policies)
	if err != nil {
		s.logf("lifecycle: sweep setup failed: %v", err)
		return
	}
	report, err := runner.Run(context.Background(), false)
	if err != nil {
		s.logf("lifecycle: sweep failed: %v", err)
		return
	}
	s.logf("lifecycle: sweep done, scanned %d, applied %d action(s)",
		report.Scanned, report.Applied)
}
