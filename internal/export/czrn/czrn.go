// Package czrn derives canonical resource identifiers and tag sets
// from usage records. The id format is
// czrn:<service>:<provider>:<region>:<account>:<usage-family>:<model>.
package czrn

import (
	"fmt"
	"strings"

	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

const (
	Service     = "meterline"
	Region      = "cross-region"
	UsageFamily = "llm-usage"

	unknownAccount = "default"
)

// Tag derives the resource identity for a usage record. It is a pure
// function: the same record always yields the same id and tags.
func Tag(record usagedomain.UsageRecord) (exportdomain.ResourceTagSet, error) {
	provider := normalize(record.Provider)
	model := normalize(record.Model)
	if provider == "" || model == "" || record.RecordedAt.IsZero() {
		return exportdomain.ResourceTagSet{}, exportdomain.ErrMalformedRecord
	}

	account := normalize(record.TeamID)
	if account == "" {
		account = unknownAccount
	}

	tags := map[string]string{
		"provider":          provider,
		"model":             model,
		"prompt_tokens":     fmt.Sprintf("%d", record.PromptTokens),
		"completion_tokens": fmt.Sprintf("%d", record.CompletionTokens),
	}
	if record.TeamID != "" {
		tags["team_id"] = record.TeamID
	}

	return exportdomain.ResourceTagSet{
		ResourceID: strings.Join([]string{"czrn", Service, provider, Region, account, UsageFamily, model}, ":"),
		Tags:       tags,
	}, nil
}

// normalize lower-cases a component and maps anything outside
// [a-z0-9._-] to '-', trimming leading and trailing dashes. Components
// must never contain ':' since it is the id separator.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
