// Package domain defines the export pipeline's core types: hourly
// windows, their stored outcomes, discount configuration, and the
// billing-record shape sent to the remote cost API.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Operation selects how a window is exported. Export appends only
// windows not previously sent; ReplaceHourly re-translates and re-sends
// regardless of prior state, relying on the remote API to overwrite the
// window rather than duplicate it.
type Operation string

const (
	OperationExport        Operation = "export"
	OperationReplaceHourly Operation = "replace_hourly"
)

func (op Operation) Valid() bool {
	return op == OperationExport || op == OperationReplaceHourly
}

// Outcome is the stored state of a window's export attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"

	// OutcomeSkipped only appears in results, never in the store: the
	// window had nothing to export or was already sent.
	OutcomeSkipped Outcome = "skipped"
)

// Window is a half-open hourly interval [Start, End). Start is always
// aligned to the top of an hour in the configured timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor returns the hourly window containing t, aligned to hour
// boundaries in loc.
func WindowFor(t time.Time, loc *time.Location) Window {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	return Window{Start: start, End: start.Add(time.Hour)}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Next() Window {
	return Window{Start: w.End, End: w.End.Add(time.Hour)}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// WindowState is the persisted outcome of one window. WindowStart is
// unique: replace_hourly rewrites the existing row instead of adding a
// second entry for the same window.
type WindowState struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	WindowStart   time.Time       `gorm:"not null;uniqueIndex"`
	Outcome       Outcome         `gorm:"type:text;not null;default:'pending'"`
	Reason        string          `gorm:"type:text"`
	Retryable     bool            `gorm:"not null;default:true"`
	RecordCount   int             `gorm:"not null;default:0"`
	TotalCost     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	LastAttemptAt time.Time       `gorm:"not null"`
	ExportedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WindowState) TableName() string { return "export_windows" }

// DiscountConfig is an immutable snapshot of per-provider discount
// fractions (0.05 means 5% off). Snapshots are swapped atomically on
// config reload; callers never see a partially updated map.
type DiscountConfig struct {
	fractions map[string]decimal.Decimal
}

func NewDiscountConfig(fractions map[string]decimal.Decimal) DiscountConfig {
	copied := make(map[string]decimal.Decimal, len(fractions))
	for provider, f := range fractions {
		copied[provider] = f
	}
	return DiscountConfig{fractions: copied}
}

// Fraction returns the discount fraction for provider and whether one
// is configured.
func (c DiscountConfig) Fraction(provider string) (decimal.Decimal, bool) {
	f, ok := c.fractions[provider]
	return f, ok
}

func (c DiscountConfig) Len() int { return len(c.fractions) }

// ResourceTagSet is the canonical resource identity derived from a
// usage record: the resource id plus its tag map.
type ResourceTagSet struct {
	ResourceID string
	Tags       map[string]string
}

// BillingRecord is one row of the billing export payload. MarshalJSON
// flattens it into the remote schema's column naming, with each tag as
// its own "resource/tag:<key>" column.
type BillingRecord struct {
	UsageStart  time.Time
	Cost        decimal.Decimal
	UsageAmount int64
	UsageUnits  string
	ResourceID  string
	Tags        map[string]string
}

func (r BillingRecord) MarshalJSON() ([]byte, error) {
	row := map[string]any{
		"time/usage_start": r.UsageStart.UTC().Format(time.RFC3339),
		"cost/cost":        r.Cost.String(),
		"usage/amount":     r.UsageAmount,
		"usage/units":      r.UsageUnits,
		"resource/id":      r.ResourceID,
	}
	for key, value := range r.Tags {
		if value == "" {
			continue
		}
		row["resource/tag:"+key] = value
	}
	return json.Marshal(row)
}

// Batch is one window's fully translated payload. Translation completes
// before any send is attempted; a batch is sent whole or not at all.
type Batch struct {
	Window    Window
	Operation Operation
	Records   []BillingRecord
}

func (b Batch) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, r := range b.Records {
		total = total.Add(r.Cost)
	}
	return total
}

func (b Batch) TotalTokens() int64 {
	var total int64
	for _, r := range b.Records {
		total += r.UsageAmount
	}
	return total
}

// SendResult reports the outcome of a client send.
type SendResult struct {
	DryRun      bool
	StatusCode  int
	Attempts    int
	RecordCount int
}

// WindowResult is the per-window outcome returned to callers.
type WindowResult struct {
	Window       Window  `json:"-"`
	WindowStart  string  `json:"window_start"`
	Outcome      Outcome `json:"outcome"`
	RecordCount  int     `json:"record_count"`
	SkippedCount int     `json:"skipped_count,omitempty"`
	TotalCost    string  `json:"total_cost"`
	TotalTokens  int64   `json:"total_tokens"`
	Reason       string  `json:"reason,omitempty"`
}

// ExportRequest is a manual export invocation over an explicit range.
type ExportRequest struct {
	Start     time.Time
	End       time.Time
	Operation Operation
	Limit     int
}

// ExportSummary aggregates the window results of one export run.
type ExportSummary struct {
	Windows     []WindowResult `json:"windows"`
	SentCount   int            `json:"sent_count"`
	FailedCount int            `json:"failed_count"`
}

// DryRunSummary totals a dry-run payload.
type DryRunSummary struct {
	TotalCost    string `json:"total_cost"`
	TotalTokens  int64  `json:"total_tokens"`
	TotalRecords int    `json:"total_records"`
}

// UsageLine echoes a raw usage record in dry-run responses.
type UsageLine struct {
	RecordID         string `json:"record_id"`
	RecordedAt       string `json:"recorded_at"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	TeamID           string `json:"team_id,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	RawCost          string `json:"raw_cost"`
}

// DryRunData is the full dry-run response body: the raw records, the
// rows that would be sent, and their totals.
type DryRunData struct {
	UsageData      []UsageLine     `json:"usage_data"`
	TranslatedData []BillingRecord `json:"translated_data"`
	Summary        DryRunSummary   `json:"summary"`
}
