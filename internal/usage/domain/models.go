// Package domain contains persistence models for metered LLM usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UsageRecord stores a single metered LLM request: token counts and the
// raw (pre-discount) cost as computed at request time. Records are
// written once by the ledger and only read by exports; a window may be
// read again on re-export.
type UsageRecord struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	RecordedAt       time.Time       `gorm:"not null;index"`
	Provider         string          `gorm:"type:text;not null"`
	Model            string          `gorm:"type:text;not null"`
	TeamID           string          `gorm:"type:text"`
	PromptTokens     int64           `gorm:"not null;default:0"`
	CompletionTokens int64           `gorm:"not null;default:0"`
	TotalTokens      int64           `gorm:"not null;default:0"`
	RawCost          decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
