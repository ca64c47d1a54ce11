package czrn

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() usagedomain.UsageRecord {
	return usagedomain.UsageRecord{
		RecordedAt:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Provider:         "OpenAI",
		Model:            "gpt-4o",
		TeamID:           "team-42",
		PromptTokens:     120,
		CompletionTokens: 30,
		TotalTokens:      150,
		RawCost:          decimal.RequireFromString("0.0042"),
	}
}

func TestTag_ResourceID(t *testing.T) {
	tags, err := Tag(sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, "czrn:meterline:openai:cross-region:team-42:llm-usage:gpt-4o", tags.ResourceID)
}

func TestTag_Tags(t *testing.T) {
	tags, err := Tag(sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, "openai", tags.Tags["provider"])
	assert.Equal(t, "gpt-4o", tags.Tags["model"])
	assert.Equal(t, "120", tags.Tags["prompt_tokens"])
	assert.Equal(t, "30", tags.Tags["completion_tokens"])
	assert.Equal(t, "team-42", tags.Tags["team_id"])
}

func TestTag_MissingTeamFallsBackToDefaultAccount(t *testing.T) {
	record := sampleRecord()
	record.TeamID = ""

	tags, err := Tag(record)
	require.NoError(t, err)

	assert.Equal(t, "czrn:meterline:openai:cross-region:default:llm-usage:gpt-4o", tags.ResourceID)
	assert.NotContains(t, tags.Tags, "team_id")
}

func TestTag_NormalizesComponents(t *testing.T) {
	record := sampleRecord()
	record.Provider = "Vertex AI"
	record.Model = "gemini 1.5 pro"

	tags, err := Tag(record)
	require.NoError(t, err)

	assert.Equal(t, "czrn:meterline:vertex-ai:cross-region:team-42:llm-usage:gemini-1.5-pro", tags.ResourceID)
}

func TestTag_Deterministic(t *testing.T) {
	first, err := Tag(sampleRecord())
	require.NoError(t, err)
	second, err := Tag(sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTag_MalformedRecords(t *testing.T) {
	missingProvider := sampleRecord()
	missingProvider.Provider = "   "
	_, err := Tag(missingProvider)
	assert.ErrorIs(t, err, exportdomain.ErrMalformedRecord)

	missingModel := sampleRecord()
	missingModel.Model = "???"
	_, err = Tag(missingModel)
	assert.ErrorIs(t, err, exportdomain.ErrMalformedRecord)

	zeroTime := sampleRecord()
	zeroTime.RecordedAt = time.Time{}
	_, err = Tag(zeroTime)
	assert.ErrorIs(t, err, exportdomain.ErrMalformedRecord)
}
