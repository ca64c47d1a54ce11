// Package service orchestrates the export pipeline: collect usage,
// tag, discount, translate, claim the window, send, record the
// outcome.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/export/czrn"
	"github.com/smallbiznis/meterline/internal/export/discount"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"github.com/smallbiznis/meterline/internal/export/translate"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/zap"
)

const defaultDryRunLimit = 100

// DiscountSource yields the current discount configuration. Each
// export cycle takes one snapshot so a config reload mid-cycle cannot
// split a window across two discount tables.
type DiscountSource interface {
	Snapshot() exportdomain.DiscountConfig
}

// Config carries the export service's timezone. Window boundaries
// align to local-time hours in this location.
type Config struct {
	Location *time.Location
}

type service struct {
	cfg       Config
	repo      usagedomain.Repository
	store     exportdomain.StateStore
	client    exportdomain.Client
	discounts DiscountSource
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(
	cfg Config,
	repo usagedomain.Repository,
	store exportdomain.StateStore,
	client exportdomain.Client,
	discounts DiscountSource,
	clk clock.Clock,
	log *zap.Logger,
) exportdomain.Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &service{
		cfg:       cfg,
		repo:      repo,
		store:     store,
		client:    client,
		discounts: discounts,
		clock:     clk,
		log:       log.Named("export"),
	}
}

// buildBatch pulls the window's usage records and fans each through
// tagger, discount engine and translator. Malformed records are
// skipped and counted; the rest of the window proceeds.
func (s *service) buildBatch(ctx context.Context, window exportdomain.Window, op exportdomain.Operation, limit int, discounts exportdomain.DiscountConfig) (exportdomain.Batch, int, error) {
	records, err := s.repo.ListRange(ctx, window.Start, window.End, limit)
	if err != nil {
		return exportdomain.Batch{}, 0, err
	}

	batch := exportdomain.Batch{Window: window, Operation: op}
	skipped := 0
	for _, record := range records {
		tags, err := czrn.Tag(record)
		if err != nil {
			skipped++
			s.log.Warn("export.record_skipped",
				zap.String("record_id", record.ID.String()),
				zap.Error(err),
			)
			continue
		}
		finalCost := discount.Apply(discounts, tags.Tags["provider"], record.RawCost)
		batch.Records = append(batch.Records, translate.Record(record, tags, finalCost, s.cfg.Location))
	}
	obsmetrics.Exporter().AddSkipped(skipped)
	return batch, skipped, nil
}

func (s *service) ExportWindow(ctx context.Context, window exportdomain.Window, op exportdomain.Operation, limit int) (exportdomain.WindowResult, error) {
	if !op.Valid() {
		return exportdomain.WindowResult{}, exportdomain.ErrInvalidOperation
	}
	return s.exportWindow(ctx, window, op, limit, s.discounts.Snapshot())
}

func (s *service) exportWindow(ctx context.Context, window exportdomain.Window, op exportdomain.Operation, limit int, discounts exportdomain.DiscountConfig) (exportdomain.WindowResult, error) {
	result := exportdomain.WindowResult{
		Window:      window,
		WindowStart: window.Start.UTC().Format(time.RFC3339),
	}
	exporterMetrics := obsmetrics.Exporter()

	batch, skipped, err := s.buildBatch(ctx, window, op, limit, discounts)
	if err != nil {
		return result, err
	}
	result.SkippedCount = skipped
	result.RecordCount = len(batch.Records)
	result.TotalCost = batch.TotalCost().String()
	result.TotalTokens = batch.TotalTokens()

	if len(batch.Records) == 0 {
		result.Outcome = exportdomain.OutcomeSkipped
		result.Reason = "no_usage_records"
		exporterMetrics.ObserveWindow(obsmetrics.ExportOutcomeSkipped)
		return result, nil
	}

	claimed, err := s.store.Claim(ctx, window, op)
	if err != nil {
		exporterMetrics.ObserveFailure(obsmetrics.ExportFailureReasonStateStore)
		return result, err
	}
	if !claimed {
		result.Outcome = exportdomain.OutcomeSkipped
		result.Reason = "window_already_exported"
		exporterMetrics.ObserveWindow(obsmetrics.ExportOutcomeSkipped)
		return result, nil
	}

	sendStart := s.clock.Now()
	_, err = s.client.Send(ctx, batch, false)
	exporterMetrics.ObserveSendDuration(s.clock.Now().Sub(sendStart))
	if err != nil {
		// Configuration errors leave the window pending: it stays
		// claimable by the next run once the deployment is fixed.
		if errors.Is(err, exportdomain.ErrMissingCredentials) {
			exporterMetrics.ObserveFailure(obsmetrics.ExportFailureReasonConfig)
			return result, err
		}

		retryable := exportdomain.IsTransientSendError(err)
		if retryable {
			exporterMetrics.ObserveFailure(obsmetrics.ExportFailureReasonTransient)
		} else {
			exporterMetrics.ObserveFailure(obsmetrics.ExportFailureReasonPermanent)
		}
		if markErr := s.store.MarkFailed(ctx, window, err.Error(), retryable); markErr != nil {
			s.log.Error("export.mark_failed_error",
				zap.String("window", window.String()),
				zap.Error(markErr),
			)
		}
		result.Outcome = exportdomain.OutcomeFailed
		result.Reason = err.Error()
		exporterMetrics.ObserveWindow(obsmetrics.ExportOutcomeFailed)
		return result, nil
	}

	if err := s.store.MarkSent(ctx, window, len(batch.Records), result.TotalCost); err != nil {
		exporterMetrics.ObserveFailure(obsmetrics.ExportFailureReasonStateStore)
		return result, err
	}
	result.Outcome = exportdomain.OutcomeSent
	exporterMetrics.ObserveWindow(obsmetrics.ExportOutcomeSent)
	exporterMetrics.AddRecords(len(batch.Records))
	return result, nil
}

// ExportRange splits [Start, End) into hourly windows and exports each
// independently: one window's failure does not block the others.
func (s *service) ExportRange(ctx context.Context, req exportdomain.ExportRequest) (exportdomain.ExportSummary, error) {
	if !req.Operation.Valid() {
		return exportdomain.ExportSummary{}, exportdomain.ErrInvalidOperation
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return exportdomain.ExportSummary{}, exportdomain.ErrInvalidRange
	}

	discounts := s.discounts.Snapshot()
	summary := exportdomain.ExportSummary{}
	for window := exportdomain.WindowFor(req.Start, s.cfg.Location); window.Start.Before(req.End); window = window.Next() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		result, err := s.exportWindow(ctx, window, req.Operation, req.Limit, discounts)
		if err != nil {
			return summary, err
		}
		summary.Windows = append(summary.Windows, result)
		switch result.Outcome {
		case exportdomain.OutcomeSent:
			summary.SentCount++
		case exportdomain.OutcomeFailed:
			summary.FailedCount++
		}
	}
	return summary, nil
}

// DryRun collects the most recent usage and translates it without
// touching the network or the state store.
func (s *service) DryRun(ctx context.Context, limit int) (exportdomain.DryRunData, error) {
	if limit <= 0 {
		limit = defaultDryRunLimit
	}
	records, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return exportdomain.DryRunData{}, err
	}

	discounts := s.discounts.Snapshot()
	data := exportdomain.DryRunData{
		UsageData:      make([]exportdomain.UsageLine, 0, len(records)),
		TranslatedData: make([]exportdomain.BillingRecord, 0, len(records)),
	}
	for _, record := range records {
		data.UsageData = append(data.UsageData, exportdomain.UsageLine{
			RecordID:         record.ID.String(),
			RecordedAt:       record.RecordedAt.UTC().Format(time.RFC3339),
			Provider:         record.Provider,
			Model:            record.Model,
			TeamID:           record.TeamID,
			PromptTokens:     record.PromptTokens,
			CompletionTokens: record.CompletionTokens,
			TotalTokens:      record.TotalTokens,
			RawCost:          record.RawCost.String(),
		})

		tags, err := czrn.Tag(record)
		if err != nil {
			continue
		}
		finalCost := discount.Apply(discounts, tags.Tags["provider"], record.RawCost)
		data.TranslatedData = append(data.TranslatedData, translate.Record(record, tags, finalCost, s.cfg.Location))
	}

	// Validate credentials without sending anything.
	batch := exportdomain.Batch{Records: data.TranslatedData}
	if _, err := s.client.Send(ctx, batch, true); err != nil {
		return exportdomain.DryRunData{}, err
	}

	data.Summary = exportdomain.DryRunSummary{
		TotalCost:    batch.TotalCost().String(),
		TotalTokens:  batch.TotalTokens(),
		TotalRecords: len(batch.Records),
	}
	return data, nil
}

func (s *service) RecentWindows(ctx context.Context, limit int) ([]exportdomain.WindowState, error) {
	return s.store.Recent(ctx, limit)
}
