// Package scheduler drives periodic export cycles: it scans for
// hourly windows that still need export and runs the pipeline for
// each. Manual and dry-run invocations share the same cycle entry
// point via the export service.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log       *zap.Logger
	ExportSvc exportdomain.Service
	Store     exportdomain.StateStore
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	exportSvc exportdomain.Service
	store     exportdomain.StateStore
	genID     *snowflake.Node
	clock     clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.ExportSvc == nil || p.Store == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	log := p.Log.Named("scheduler").With(zap.String("component", "export_scheduler"))
	if cfg.Interval < IntervalFloor {
		log.Warn("export interval below advised floor",
			zap.Duration("interval", cfg.Interval),
			zap.Duration("floor", IntervalFloor),
		)
	}
	return &Scheduler{
		log:       log,
		cfg:       cfg,
		exportSvc: p.ExportSvc,
		store:     p.Store,
		genID:     p.GenID,
		clock:     p.Clock,
	}, nil
}

// pendingWindows returns the hourly windows that a scheduled cycle
// should attempt: everything after the last sent window plus any
// retryable window the sent watermark has already passed, bounded by
// the lookback horizon, up to the last fully elapsed hour.
func (s *Scheduler) pendingWindows(ctx context.Context) ([]exportdomain.Window, error) {
	now := s.clock.Now()
	horizon := exportdomain.WindowFor(now.Add(-s.cfg.Lookback), s.cfg.Timezone)

	first := horizon
	if last, ok, err := s.store.LastSentStart(ctx); err != nil {
		return nil, err
	} else if ok && last.End.After(horizon.Start) {
		first = exportdomain.Window{Start: last.End.In(s.cfg.Timezone), End: last.End.Add(time.Hour).In(s.cfg.Timezone)}
	}

	// A window that failed before the last sent window sits behind the
	// resume point; sweep the store so it is retried anyway.
	retryable, err := s.store.RetryableSince(ctx, horizon.Start)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(retryable))
	var windows []exportdomain.Window
	for _, w := range retryable {
		if w.End.After(now) {
			continue
		}
		seen[w.Start.Unix()] = true
		windows = append(windows, exportdomain.Window{
			Start: w.Start.In(s.cfg.Timezone),
			End:   w.End.In(s.cfg.Timezone),
		})
	}
	for w := first; !w.End.After(now); w = w.Next() {
		if seen[w.Start.Unix()] {
			continue
		}
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.Before(windows[j].Start)
	})
	return windows, nil
}

// RunOnce executes one scheduled export cycle. Windows are processed
// independently; one window's failure does not block the rest, and a
// cycle failure never halts the process.
func (s *Scheduler) RunOnce(ctx context.Context) (exportdomain.ExportSummary, error) {
	runID := s.genID.Generate().String()
	log := s.log.With(zap.String("run_id", runID))
	start := s.clock.Now()
	log.Info("export cycle started")

	windows, err := s.pendingWindows(ctx)
	if err != nil {
		log.Error("export cycle failed to scan windows", zap.Error(err))
		return exportdomain.ExportSummary{}, err
	}

	summary := exportdomain.ExportSummary{}
	for _, window := range windows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := s.exportSvc.ExportWindow(ctx, window, exportdomain.OperationExport, s.cfg.BatchLimit)
		if err != nil {
			// Window-level errors are recorded and the cycle moves on.
			log.Error("export window errored",
				zap.String("window", window.String()),
				zap.Error(err),
			)
			summary.FailedCount++
			continue
		}
		summary.Windows = append(summary.Windows, result)
		switch result.Outcome {
		case exportdomain.OutcomeSent:
			summary.SentCount++
		case exportdomain.OutcomeFailed:
			summary.FailedCount++
		}
	}

	elapsed := s.clock.Now().Sub(start)
	obsmetrics.Exporter().ObserveCycleDuration(elapsed)
	log.Info("export cycle finished",
		zap.Int("windows_scanned", len(windows)),
		zap.Int("sent", summary.SentCount),
		zap.Int("failed", summary.FailedCount),
		zap.Duration("elapsed", elapsed),
	)
	return summary, nil
}

// RunForever runs scheduled cycles until ctx is canceled. The first
// cycle starts immediately.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("scheduled export cycle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("export scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("scheduled export cycle failed", zap.Error(err))
			}
		}
	}
}
