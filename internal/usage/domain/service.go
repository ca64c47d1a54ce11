package domain

import (
	"context"
	"errors"
	"time"
)

type CreateIngestRequest struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	TeamID           string    `json:"team_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RawCost          string    `json:"raw_cost"`
	RecordedAt       time.Time `json:"recorded_at"`
}

type Service interface {
	Ingest(context.Context, CreateIngestRequest) (*UsageRecord, error)
}

// Repository is the exporter's read surface over the usage ledger.
type Repository interface {
	// ListRange returns records with RecordedAt in [start, end), oldest
	// first. limit <= 0 means no limit.
	ListRange(ctx context.Context, start, end time.Time, limit int) ([]UsageRecord, error)
	// ListRecent returns the newest records, newest first.
	ListRecent(ctx context.Context, limit int) ([]UsageRecord, error)
}

var (
	ErrInvalidProvider   = errors.New("invalid_provider")
	ErrInvalidModel      = errors.New("invalid_model")
	ErrInvalidTokens     = errors.New("invalid_tokens")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrInvalidRecordedAt = errors.New("invalid_recorded_at")
)
