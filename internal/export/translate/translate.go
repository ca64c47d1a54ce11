// Package translate converts tagged, discounted usage records into
// billing rows ready for export.
package translate

import (
	"time"

	"github.com/shopspring/decimal"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

const usageUnits = "tokens"

// Record builds one billing row. The row's usage start is the hourly
// bucket containing the record, aligned in loc, so rows aggregate
// cleanly on the remote side. The pre-discount cost is kept as a tag
// for audit.
func Record(record usagedomain.UsageRecord, tags exportdomain.ResourceTagSet, finalCost decimal.Decimal, loc *time.Location) exportdomain.BillingRecord {
	rowTags := make(map[string]string, len(tags.Tags)+1)
	for key, value := range tags.Tags {
		rowTags[key] = value
	}
	if !finalCost.Equal(record.RawCost) {
		rowTags["base_cost"] = record.RawCost.String()
	}

	bucket := exportdomain.WindowFor(record.RecordedAt, loc)
	return exportdomain.BillingRecord{
		UsageStart:  bucket.Start,
		Cost:        finalCost,
		UsageAmount: record.TotalTokens,
		UsageUnits:  usageUnits,
		ResourceID:  tags.ResourceID,
		Tags:        rowTags,
	}
}
