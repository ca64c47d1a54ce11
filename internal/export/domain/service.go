package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service runs the export pipeline: collect usage, tag, discount,
// translate, send, record the outcome.
type Service interface {
	// ExportWindow runs the full pipeline for a single window.
	ExportWindow(ctx context.Context, window Window, op Operation, limit int) (WindowResult, error)
	// ExportRange splits [Start, End) into hourly windows and exports
	// each in turn.
	ExportRange(ctx context.Context, req ExportRequest) (ExportSummary, error)
	// DryRun collects and translates recent usage without touching the
	// network or the state store.
	DryRun(ctx context.Context, limit int) (DryRunData, error)
	// RecentWindows returns stored window outcomes, newest first.
	RecentWindows(ctx context.Context, limit int) ([]WindowState, error)
}

// StateStore records window outcomes. All outcome reads and writes for
// a window happen inside short transactions; the store is never locked
// across a network call.
type StateStore interface {
	// Claim decides whether the window should be exported under op and,
	// if so, marks it pending in the same transaction. Under
	// OperationExport, windows already sent (or failed non-retryable)
	// are not claimed.
	Claim(ctx context.Context, window Window, op Operation) (bool, error)
	// MarkSent records a successful send. totalCost is the decimal
	// string of the batch total.
	MarkSent(ctx context.Context, window Window, recordCount int, totalCost string) error
	// MarkFailed records a failed send; retryable failures are picked
	// up again by subsequent scheduled runs.
	MarkFailed(ctx context.Context, window Window, reason string, retryable bool) error
	// LastSentStart returns the start of the most recent sent window,
	// or false when nothing has been sent yet.
	LastSentStart(ctx context.Context) (Window, bool, error)
	// RetryableSince returns windows still owed an automatic retry
	// (failed-but-retryable, plus pending rows stale enough to be a
	// crashed attempt) with starts at or after horizon, oldest first.
	RetryableSince(ctx context.Context, horizon time.Time) ([]Window, error)
	// Recent returns stored window states, newest first.
	Recent(ctx context.Context, limit int) ([]WindowState, error)
}

// Client delivers a translated batch to the remote billing API.
type Client interface {
	// Send posts the batch. With dryRun set it validates configuration
	// and returns without any network call.
	Send(ctx context.Context, batch Batch, dryRun bool) (SendResult, error)
}

var (
	ErrMissingCredentials = errors.New("missing_export_credentials")
	ErrMalformedRecord    = errors.New("malformed_usage_record")
	ErrInvalidRange       = errors.New("invalid_export_range")
	ErrInvalidOperation   = errors.New("invalid_export_operation")
)

// SendError wraps a failed delivery. Transient errors (network faults,
// 429, 5xx) are safe to retry; others are permanent for the attempted
// payload.
type SendError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("send failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTransientSendError reports whether err is a SendError marked
// transient.
func IsTransientSendError(err error) bool {
	var sendErr *SendError
	return errors.As(err, &sendErr) && sendErr.Transient
}
