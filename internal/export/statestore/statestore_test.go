package statestore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterline/internal/clock"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, clk clock.Clock) exportdomain.StateStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})

	require.NoError(t, db.AutoMigrate(&exportdomain.WindowState{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(db, zap.NewNop(), node, clk)
}

func hourWindow(t *testing.T, value string) exportdomain.Window {
	t.Helper()
	start, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return exportdomain.Window{Start: start, End: start.Add(time.Hour)}
}

func TestClaim_NewWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")

	claimed, err := store.Claim(context.Background(), window, exportdomain.OperationExport)
	require.NoError(t, err)
	assert.True(t, claimed)

	states, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, exportdomain.OutcomePending, states[0].Outcome)
}

func TestClaim_ExportSkipsSentWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")
	ctx := context.Background()

	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkSent(ctx, window, 3, "2.85"))

	claimed, err = store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaim_ExportRetriesRetryableFailure(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")
	ctx := context.Background()

	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkFailed(ctx, window, "status 503", true))

	claimed, err = store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaim_ExportSkipsPermanentFailure(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")
	ctx := context.Background()

	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkFailed(ctx, window, "status 400", false))

	claimed, err = store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClaim_ReplaceHourlyOverwritesSentWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")
	ctx := context.Background()

	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkSent(ctx, window, 3, "2.85"))

	// Replace twice: both claims succeed and the store keeps one row.
	for i := 0; i < 2; i++ {
		claimed, err = store.Claim(ctx, window, exportdomain.OperationReplaceHourly)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, store.MarkSent(ctx, window, 4, "3.10"))
	}

	states, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, exportdomain.OutcomeSent, states[0].Outcome)
	assert.Equal(t, 4, states[0].RecordCount)
}

func TestMarkSent_RequiresClaim(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")

	err := store.MarkSent(context.Background(), window, 1, "0.10")
	assert.ErrorIs(t, err, ErrWindowNotClaimed)
}

func TestLastSentStart(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	ctx := context.Background()

	_, ok, err := store.LastSentStart(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, value := range []string{"2026-03-14T08:00:00Z", "2026-03-14T10:00:00Z", "2026-03-14T09:00:00Z"} {
		window := hourWindow(t, value)
		claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, store.MarkSent(ctx, window, 1, "0.10"))
	}

	last, ok, err := store.LastSentStart(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hourWindow(t, "2026-03-14T10:00:00Z").Start, last.Start.UTC())
}

func TestRetryableSince(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	ctx := context.Background()

	failedRetryable := hourWindow(t, "2026-03-14T08:00:00Z")
	failedPermanent := hourWindow(t, "2026-03-14T09:00:00Z")
	sent := hourWindow(t, "2026-03-14T10:00:00Z")
	stalePending := hourWindow(t, "2026-03-14T11:00:00Z")
	behindHorizon := hourWindow(t, "2026-03-14T05:00:00Z")

	for _, w := range []exportdomain.Window{behindHorizon, failedRetryable, failedPermanent, sent, stalePending} {
		claimed, err := store.Claim(ctx, w, exportdomain.OperationExport)
		require.NoError(t, err)
		require.True(t, claimed)
	}
	require.NoError(t, store.MarkFailed(ctx, behindHorizon, "status 503", true))
	require.NoError(t, store.MarkFailed(ctx, failedRetryable, "status 503", true))
	require.NoError(t, store.MarkFailed(ctx, failedPermanent, "status 400", false))
	require.NoError(t, store.MarkSent(ctx, sent, 1, "0.10"))
	// stalePending keeps its pending row; age it past the staleness cutoff.
	clk.Advance(10 * time.Minute)

	windows, err := store.RetryableSince(ctx, time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, failedRetryable.Start, windows[0].Start.UTC())
	assert.Equal(t, stalePending.Start, windows[1].Start.UTC())
}

func TestRetryableSince_IgnoresFreshPendingClaim(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	ctx := context.Background()

	window := hourWindow(t, "2026-03-14T09:00:00Z")
	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)

	windows, err := store.RetryableSince(ctx, time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, windows, "a just-claimed window has an attempt in flight")
}

func TestMarkFailed_LeavesWindowRetryableByScheduledRuns(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clk)
	window := hourWindow(t, "2026-03-14T09:00:00Z")
	ctx := context.Background()

	claimed, err := store.Claim(ctx, window, exportdomain.OperationExport)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.MarkFailed(ctx, window, "connection refused", true))

	states, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, exportdomain.OutcomeFailed, states[0].Outcome)
	assert.Equal(t, "connection refused", states[0].Reason)
	assert.True(t, states[0].Retryable)
	assert.Nil(t, states[0].ExportedAt)
}
