package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"launchpad/internal/metrics"
	"launchpad/internal/models"
)

const (
	DefaultSweepSchedule    = "0 0 * * * *"
	DefaultSweepConcurrency = 4
	DefaultMaxAutoRuns      = 5
)

// dueStatuses are the open statuses a sweep picks up once the deadline passed.
var dueStatuses = []models.PresaleStatus{
	models.PresaleStatusActive,
	models.PresaleStatusFunded,
	models.PresaleStatusSettlingSuccess,
	models.PresaleStatusSettlingFailure,
}

// SweepResult aggregates one scan over due presales.
type SweepResult struct {
	Checked   int      `json:"checked"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

type SchedulerConfig struct {
	// Schedule is a six-field cron expression (with seconds).
	Schedule    string
	Concurrency int
	// MaxAutoRuns stops automatic resumption of a parked presale after this many runs.
	MaxAutoRuns int
}

// Scheduler periodically settles presales whose deadline passed.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig
	cron   *cron.Cron
	logger *log.Entry
}

func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSweepConcurrency
	}
	if cfg.MaxAutoRuns <= 0 {
		cfg.MaxAutoRuns = DefaultMaxAutoRuns
	}
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		logger: log.WithField("component", "scheduler"),
	}
}

// Start registers the sweep with cron. Overlapping ticks are skipped while a sweep runs.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		s.logger.Info("> Starting settlement sweep")
		result, err := s.CheckAndSettleDuePresales(ctx)
		if err != nil {
			s.logger.Errorf("> Settlement sweep failed: %v", err)
			return
		}
		s.logger.Infof("> Settlement sweep done: checked=%d succeeded=%d failed=%d skipped=%d",
			result.Checked, result.Succeeded, result.Failed, result.Skipped)
	})
	if err != nil {
		return fmt.Errorf("schedule settlement sweep %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Schedule is the effective cron expression.
func (s *Scheduler) Schedule() string { return s.cfg.Schedule }

// Stop halts the cron and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// CheckAndSettleDuePresales settles every due presale. Different presales run
// concurrently up to the configured limit; the same presale is never settled twice
// at once because the engine's claim refuses a second runner.
func (s *Scheduler) CheckAndSettleDuePresales(ctx context.Context) (*SweepResult, error) {
	due, err := s.engine.store.ListDuePresales(ctx, s.engine.cfg.Now(), dueStatuses)
	if err != nil {
		return nil, fmt.Errorf("list due presales: %w", err)
	}
	metrics.SweepDuePresales.Set(float64(len(due)))

	result := &SweepResult{Checked: len(due)}
	var mu sync.Mutex
	record := func(fn func(r *SweepResult)) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range due {
		presale := due[i]
		g.Go(func() error {
			outcome, err := s.settleOne(gctx, &presale)
			record(func(r *SweepResult) {
				switch {
				case err != nil && errors.Is(err, ErrSettlementInProgress):
					r.Skipped++
				case err != nil:
					r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", presale.ID, err))
				case outcome == "":
					r.Skipped++
				case outcome == PathSuccess:
					r.Succeeded++
				default:
					r.Failed++
				}
			})
			// Per-presale errors never cancel the rest of the sweep.
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

// settleOne runs the path for one presale and returns it, or "" when it was skipped.
func (s *Scheduler) settleOne(ctx context.Context, presale *models.Presale) (string, error) {
	logger := s.logger.WithField("presale_id", presale.ID)

	var path string
	switch presale.Status {
	case models.PresaleStatusSettlingSuccess, models.PresaleStatusSettlingFailure:
		if presale.SettlementRuns >= s.cfg.MaxAutoRuns {
			logger.Warnf("Settlement parked after %d runs, manual intervention required", presale.SettlementRuns)
			return "", nil
		}
		path = PathSuccess
		if presale.Status == models.PresaleStatusSettlingFailure {
			path = PathFailure
		}
		logger.Infof("Resuming %s settlement (run %d)", path, presale.SettlementRuns+1)
	default:
		outcome := DecideOutcome(presale)
		logger.Infof("Deadline passed: raised=%d soft_cap=%d outcome=%s",
			presale.CurrentRaised, presale.EffectiveSoftCap(), outcome)
		path = PathFailure
		if outcome == OutcomeSuccess {
			path = PathSuccess
			if err := s.engine.MarkFunded(ctx, presale.ID); err != nil {
				return "", err
			}
		}
	}

	if path == PathSuccess {
		res, err := s.engine.SettleSuccess(ctx, presale.ID)
		if err != nil {
			return "", err
		}
		if !res.Completed {
			logger.Warnf("Success settlement parked: %d failed transfers", res.Failed)
		}
		return path, nil
	}
	res, err := s.engine.SettleFailure(ctx, presale.ID)
	if err != nil {
		return "", err
	}
	if !res.Completed {
		logger.Warnf("Failure settlement parked: %d failed refunds", res.Failed)
	}
	return path, nil
}
