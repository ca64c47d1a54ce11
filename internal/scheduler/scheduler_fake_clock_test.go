package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/clock"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	exportservice "github.com/smallbiznis/meterline/internal/export/service"
	"github.com/smallbiznis/meterline/internal/export/statestore"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeLedger struct {
	records []usagedomain.UsageRecord
}

func (r *fakeLedger) ListRange(_ context.Context, start, end time.Time, limit int) ([]usagedomain.UsageRecord, error) {
	var out []usagedomain.UsageRecord
	for _, record := range r.records {
		if !record.RecordedAt.Before(start) && record.RecordedAt.Before(end) {
			out = append(out, record)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeLedger) ListRecent(_ context.Context, limit int) ([]usagedomain.UsageRecord, error) {
	if limit > 0 && len(r.records) > limit {
		return r.records[:limit], nil
	}
	return r.records, nil
}

type flakyClient struct {
	failuresLeft int
	sent         []exportdomain.Batch
}

func (c *flakyClient) Send(_ context.Context, batch exportdomain.Batch, dryRun bool) (exportdomain.SendResult, error) {
	if dryRun {
		return exportdomain.SendResult{DryRun: true, RecordCount: len(batch.Records)}, nil
	}
	if c.failuresLeft > 0 {
		c.failuresLeft--
		return exportdomain.SendResult{}, &exportdomain.SendError{StatusCode: 503, Transient: true, Err: context.DeadlineExceeded}
	}
	c.sent = append(c.sent, batch)
	return exportdomain.SendResult{StatusCode: 200, Attempts: 1, RecordCount: len(batch.Records)}, nil
}

type staticDiscounts struct{}

func (staticDiscounts) Snapshot() exportdomain.DiscountConfig {
	return exportdomain.NewDiscountConfig(nil)
}

type schedulerHarness struct {
	sched  *Scheduler
	clk    *clock.FakeClock
	store  exportdomain.StateStore
	client *flakyClient
	ledger *fakeLedger
}

func newHarness(t *testing.T, now time.Time) *schedulerHarness {
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

	clk := clock.NewFakeClock(now)
	ledger := &fakeLedger{}
	client := &flakyClient{}
	store := statestore.New(db, zap.NewNop(), node, clk)

	exportSvc := exportservice.NewService(
		exportservice.Config{Location: time.UTC},
		ledger,
		store,
		client,
		staticDiscounts{},
		clk,
		zap.NewNop(),
	)

	sched, err := New(Params{
		Log:       zap.NewNop(),
		ExportSvc: exportSvc,
		Store:     store,
		GenID:     node,
		Clock:     clk,
		Config: Config{
			Interval: time.Hour,
			Lookback: 6 * time.Hour,
			Timezone: time.UTC,
		},
	})
	require.NoError(t, err)

	return &schedulerHarness{sched: sched, clk: clk, store: store, client: client, ledger: ledger}
}

func ledgerRecord(id int64, at time.Time, cost string, tokens int64) usagedomain.UsageRecord {
	return usagedomain.UsageRecord{
		ID:          snowflake.ID(id),
		RecordedAt:  at,
		Provider:    "openai",
		Model:       "gpt-4o",
		TotalTokens: tokens,
		RawCost:     decimal.RequireFromString(cost),
	}
}

func TestRunOnce_ExportsCompletedWindows(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "1.00", 100),
		ledgerRecord(2, time.Date(2026, 3, 14, 9, 45, 0, 0, time.UTC), "2.00", 200),
	}

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SentCount)
	require.Len(t, h.client.sent, 1)
	assert.Len(t, h.client.sent[0].Records, 2)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), h.client.sent[0].Window.Start)
}

func TestRunOnce_DoesNotExportCurrentPartialHour(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC), "1.00", 100),
	}

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.SentCount)
	assert.Empty(t, h.client.sent)
}

func TestRunOnce_SecondRunSkipsSentWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "1.00", 100),
	}

	_, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.client.sent, 1)

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.SentCount)
	assert.Len(t, h.client.sent, 1, "already sent window must not be re-sent")
}

func TestRunOnce_FailedWindowRetriedNextCycle(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "1.00", 100),
	}
	h.client.failuresLeft = 1

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FailedCount)

	states, err := h.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, exportdomain.OutcomeFailed, states[0].Outcome)
	assert.True(t, states[0].Retryable)

	// Next scheduled tick: the failed window is retried without any
	// operator action.
	h.clk.Advance(time.Hour)
	summary, err = h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	require.Len(t, h.client.sent, 1)

	states, err = h.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, exportdomain.OutcomeSent, states[0].Outcome)
}

func TestRunOnce_RetriesFailedWindowBehindLastSent(t *testing.T) {
	now := time.Date(2026, 3, 14, 11, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "1.00", 100),
		ledgerRecord(2, time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC), "2.00", 200),
	}
	// One transient failure: window 09:00 fails, window 10:00 sends, so
	// the sent watermark moves past the failed window.
	h.client.failuresLeft = 1

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, summary.FailedCount)
	require.Len(t, h.client.sent, 1)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), h.client.sent[0].Window.Start)

	h.clk.Advance(time.Hour)
	summary, err = h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	require.Len(t, h.client.sent, 2)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), h.client.sent[1].Window.Start,
		"failed window behind the sent watermark must be retried")

	states, err := h.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, state := range states {
		assert.Equal(t, exportdomain.OutcomeSent, state.Outcome)
	}
}

func TestRunOnce_ResumesAfterLastSentWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	h := newHarness(t, now)
	h.ledger.records = []usagedomain.UsageRecord{
		ledgerRecord(1, time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC), "1.00", 100),
	}

	_, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.client.sent, 1)

	// An hour passes and new usage lands in the next window.
	h.clk.Advance(time.Hour)
	h.ledger.records = append(h.ledger.records,
		ledgerRecord(2, time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC), "2.00", 200),
	)

	summary, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SentCount)
	require.Len(t, h.client.sent, 2)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), h.client.sent[1].Window.Start)
}
