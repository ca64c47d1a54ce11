// Package statestore persists per-window export outcomes and enforces
// the idempotency rules around claiming a window for export.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/clock"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrWindowNotClaimed is returned when an outcome write finds no
// pending row for the window, which means the caller skipped Claim or
// another writer resolved the window first.
var ErrWindowNotClaimed = errors.New("window_not_claimed")

const (
	claimTimeout = 2 * time.Second

	// A pending row older than this has no live attempt behind it: the
	// process that claimed it crashed before writing an outcome.
	pendingStaleAfter = 5 * time.Minute
)

type store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) exportdomain.StateStore {
	return &store{
		db:    db,
		log:   log.Named("export.statestore"),
		genID: genID,
		clock: clk,
	}
}

// Claim locks the window's row, decides whether op may proceed, and
// marks the window pending in the same transaction. Export skips
// windows already sent and failures marked non-retryable; ReplaceHourly
// claims unconditionally so the remote record can be overwritten.
func (s *store) Claim(ctx context.Context, window exportdomain.Window, op exportdomain.Operation) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	claimed := false
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var existing exportdomain.WindowState
		result := tx.Raw(
			`SELECT * FROM export_windows WHERE window_start = ? FOR UPDATE`,
			window.Start.UTC(),
		).Scan(&existing)
		if result.Error != nil {
			return result.Error
		}

		now := s.clock.Now().UTC()
		if result.RowsAffected == 0 {
			state := exportdomain.WindowState{
				ID:            s.genID.Generate(),
				WindowStart:   window.Start.UTC(),
				Outcome:       exportdomain.OutcomePending,
				Retryable:     true,
				LastAttemptAt: now,
			}
			if err := tx.Create(&state).Error; err != nil {
				return err
			}
			claimed = true
			return nil
		}

		if op == exportdomain.OperationExport {
			if existing.Outcome == exportdomain.OutcomeSent {
				return nil
			}
			if existing.Outcome == exportdomain.OutcomeFailed && !existing.Retryable {
				return nil
			}
		}

		err := tx.Model(&exportdomain.WindowState{}).
			Where("window_start = ?", window.Start.UTC()).
			Updates(map[string]any{
				"outcome":         exportdomain.OutcomePending,
				"reason":          "",
				"retryable":       true,
				"last_attempt_at": now,
				"updated_at":      now,
			}).Error
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *store) MarkSent(ctx context.Context, window exportdomain.Window, recordCount int, totalCost string) error {
	cost, err := decimal.NewFromString(totalCost)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&exportdomain.WindowState{}).
		Where("window_start = ? AND outcome = ?", window.Start.UTC(), exportdomain.OutcomePending).
		Updates(map[string]any{
			"outcome":      exportdomain.OutcomeSent,
			"reason":       "",
			"retryable":    true,
			"record_count": recordCount,
			"total_cost":   cost,
			"exported_at":  now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWindowNotClaimed
	}
	s.log.Info("export.window_sent",
		zap.Time("window_start", window.Start),
		zap.Int("record_count", recordCount),
		zap.String("total_cost", totalCost),
	)
	return nil
}

func (s *store) MarkFailed(ctx context.Context, window exportdomain.Window, reason string, retryable bool) error {
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&exportdomain.WindowState{}).
		Where("window_start = ? AND outcome = ?", window.Start.UTC(), exportdomain.OutcomePending).
		Updates(map[string]any{
			"outcome":    exportdomain.OutcomeFailed,
			"reason":     reason,
			"retryable":  retryable,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWindowNotClaimed
	}
	s.log.Warn("export.window_failed",
		zap.Time("window_start", window.Start),
		zap.String("reason", reason),
		zap.Bool("retryable", retryable),
	)
	return nil
}

func (s *store) LastSentStart(ctx context.Context) (exportdomain.Window, bool, error) {
	var state exportdomain.WindowState
	err := s.db.WithContext(ctx).
		Where("outcome = ?", exportdomain.OutcomeSent).
		Order("window_start DESC").
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exportdomain.Window{}, false, nil
	}
	if err != nil {
		return exportdomain.Window{}, false, err
	}
	start := state.WindowStart.UTC()
	return exportdomain.Window{Start: start, End: start.Add(time.Hour)}, true, nil
}

// RetryableSince lists the windows a scheduled sweep should pick back
// up regardless of how far the sent watermark has advanced: retryable
// failures and stale pending rows inside the lookback horizon.
func (s *store) RetryableSince(ctx context.Context, horizon time.Time) ([]exportdomain.Window, error) {
	staleCutoff := s.clock.Now().UTC().Add(-pendingStaleAfter)
	var states []exportdomain.WindowState
	err := s.db.WithContext(ctx).
		Where("window_start >= ?", horizon.UTC()).
		Where(
			s.db.Where("outcome = ? AND retryable = ?", exportdomain.OutcomeFailed, true).
				Or("outcome = ? AND last_attempt_at <= ?", exportdomain.OutcomePending, staleCutoff),
		).
		Order("window_start ASC").
		Find(&states).Error
	if err != nil {
		return nil, err
	}

	windows := make([]exportdomain.Window, 0, len(states))
	for _, state := range states {
		start := state.WindowStart.UTC()
		windows = append(windows, exportdomain.Window{Start: start, End: start.Add(time.Hour)})
	}
	return windows, nil
}

func (s *store) Recent(ctx context.Context, limit int) ([]exportdomain.WindowState, error) {
	if limit <= 0 {
		limit = 50
	}
	var states []exportdomain.WindowState
	err := s.db.WithContext(ctx).
		Order("window_start DESC").
		Limit(limit).
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}
