package syncengine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// MinCheckPeriod is the floor for --icloud-check-period (spec §4.H).
	MinCheckPeriod = 20 * time.Second
	// MinRefreshPeriod is the floor for --icloud-refresh-period.
	MinRefreshPeriod = 90 * time.Second

	backoffStartMultiplier = 2
	backoffCapMultiplier   = 8
)

// SchedulerConfig holds the three period settings the Scheduler drives.
type SchedulerConfig struct {
	CheckPeriod    time.Duration
	RefreshPeriod  time.Duration
	DebouncePeriod time.Duration
}

// schedulerEngine is the subset of orchestration the Scheduler needs to drive: drain
// pending watcher records, run a cheap change-check, and run a full
// refresh. Defined here, consumed by Scheduler; concretely implemented by
// *syncengine.SyncEngine (engine.go) in this package.
type schedulerEngine interface {
	DrainWatcher(ctx context.Context) error
	CheapChangeCheck(ctx context.Context) (changed bool, err error)
	FullRefresh(ctx context.Context) error
}

// Scheduler runs the three cooperative periodic triggers from spec §4.H:
// a watcher-drain tick, a cheap remote change-check, and an unconditional
// full refresh — coalescing concurrent refresh requests via singleflight
// and backing off exponentially after an integrity-gate failure.
type Scheduler struct {
	cfg    SchedulerConfig
	engine schedulerEngine
	logger *slog.Logger

	sf           singleflight.Group
	backoffMult  int
	hupCh        chan struct{}
}

// NewScheduler constructs a Scheduler. Period floors are enforced here so a
// misconfigured CLI flag cannot be smaller than the spec's minimums.
func NewScheduler(cfg SchedulerConfig, engine schedulerEngine, logger *slog.Logger) *Scheduler {
	if cfg.CheckPeriod < MinCheckPeriod {
		cfg.CheckPeriod = MinCheckPeriod
	}

	if cfg.RefreshPeriod < MinRefreshPeriod {
		cfg.RefreshPeriod = MinRefreshPeriod
	}

	if cfg.DebouncePeriod < defaultDebouncePeriod {
		cfg.DebouncePeriod = defaultDebouncePeriod
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{cfg: cfg, engine: engine, logger: logger, backoffMult: 1, hupCh: make(chan struct{}, 1)}
}

// RequestImmediateRefresh is called on SIGHUP to queue an out-of-band
// refresh, coalesced with any other pending trigger.
func (s *Scheduler) RequestImmediateRefresh() {
	select {
	case s.hupCh <- struct{}{}:
	default:
	}
}

// Run blocks, driving the three triggers until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	drainTick := time.NewTicker(s.cfg.DebouncePeriod)
	defer drainTick.Stop()

	checkTick := time.NewTicker(s.cfg.CheckPeriod)
	defer checkTick.Stop()

	refreshTick := time.NewTicker(s.refreshInterval())
	defer refreshTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drainTick.C:
			if err := s.engine.DrainWatcher(ctx); err != nil {
				s.logger.Error("scheduler: watcher drain failed", slog.Any("err", err))
			}
		case <-checkTick.C:
			changed, err := s.engine.CheapChangeCheck(ctx)
			if err != nil {
				s.logger.Warn("scheduler: cheap change-check failed", slog.Any("err", err))
				continue
			}

			if changed {
				s.triggerRefresh(ctx, refreshTick)
			}
		case <-refreshTick.C:
			s.triggerRefresh(ctx, refreshTick)
		case <-s.hupCh:
			s.triggerRefresh(ctx, refreshTick)
		}
	}
}

// triggerRefresh coalesces concurrent refresh requests into a single
// in-flight call via singleflight, and applies exponential backoff to the
// next scheduled tick when the integrity gate rejects the candidate.
func (s *Scheduler) triggerRefresh(ctx context.Context, refreshTick *time.Ticker) {
	_, err, _ := s.sf.Do("refresh", func() (any, error) {
		return nil, s.engine.FullRefresh(ctx)
	})

	if err == nil {
		s.backoffMult = 1
		refreshTick.Reset(s.refreshInterval())

		return
	}

	if err == ErrRefreshInconsistent {
		if s.backoffMult < backoffCapMultiplier {
			if s.backoffMult == 1 {
				s.backoffMult = backoffStartMultiplier
			} else {
				s.backoffMult *= 2
			}

			if s.backoffMult > backoffCapMultiplier {
				s.backoffMult = backoffCapMultiplier
			}
		}

		s.logger.Warn("scheduler: refresh discarded by integrity gate, backing off",
			slog.Int("multiplier", s.backoffMult))
		refreshTick.Reset(s.refreshInterval())

		return
	}

	s.logger.Error("scheduler: full refresh failed", slog.Any("err", err))
}

func (s *Scheduler) refreshInterval() time.Duration {
	return s.cfg.RefreshPeriod * time.Duration(s.backoffMult)
}
