package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) usagedomain.Service {
	return &service{
		db:    db,
		log:   log.Named("usage"),
		genID: genID,
	}
}

func (s *service) Ingest(ctx context.Context, req usagedomain.CreateIngestRequest) (*usagedomain.UsageRecord, error) {
	if strings.TrimSpace(req.Provider) == "" {
		return nil, usagedomain.ErrInvalidProvider
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, usagedomain.ErrInvalidModel
	}
	if req.RecordedAt.IsZero() {
		return nil, usagedomain.ErrInvalidRecordedAt
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 || req.TotalTokens < 0 {
		return nil, usagedomain.ErrInvalidTokens
	}

	rawCost, err := decimal.NewFromString(strings.TrimSpace(req.RawCost))
	if err != nil || rawCost.IsNegative() {
		return nil, usagedomain.ErrInvalidCost
	}

	totalTokens := req.TotalTokens
	if totalTokens == 0 {
		totalTokens = req.PromptTokens + req.CompletionTokens
	}

	record := usagedomain.UsageRecord{
		ID:               s.genID.Generate(),
		RecordedAt:       req.RecordedAt.UTC(),
		Provider:         strings.TrimSpace(req.Provider),
		Model:            strings.TrimSpace(req.Model),
		TeamID:           strings.TrimSpace(req.TeamID),
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      totalTokens,
		RawCost:          rawCost,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	s.log.Debug("usage.ingested",
		zap.String("record_id", record.ID.String()),
		zap.String("provider", record.Provider),
		zap.String("model", record.Model),
	)
	return &record, nil
}
