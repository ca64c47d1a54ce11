// Package client delivers translated billing batches to the CloudZero
// AnyCost ingest API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"go.uber.org/zap"
)

const (
	defaultEndpoint = "https://api.cloudzero.com"
	requestTimeout  = 30 * time.Second
	maxSendTries    = 4

	// AnyCost operation names on the wire. Append maps to "sum" so
	// re-sent rows aggregate; replace_hourly overwrites the window.
	wireOpSum           = "sum"
	wireOpReplaceHourly = "replace_hourly"
)

// Config carries the remote API credentials and endpoint.
type Config struct {
	APIKey       string
	ConnectionID string
	Endpoint     string
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type client struct {
	cfg  Config
	http httpDoer
	log  *zap.Logger
}

func New(cfg Config, log *zap.Logger) exportdomain.Client {
	return NewWithHTTPClient(cfg, &http.Client{Timeout: requestTimeout}, log)
}

func NewWithHTTPClient(cfg Config, doer httpDoer, log *zap.Logger) exportdomain.Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &client{cfg: cfg, http: doer, log: log.Named("export.client")}
}

type dropPayload struct {
	Month     string                       `json:"month"`
	Operation string                       `json:"operation"`
	Data      []exportdomain.BillingRecord `json:"data"`
}

// Send posts the batch as one billing drop. Transient failures
// (network faults, 429, 5xx) are retried with exponential backoff up
// to maxSendTries attempts; other 4xx responses fail immediately.
// With dryRun set, Send validates credentials and returns without any
// network call.
func (c *client) Send(ctx context.Context, batch exportdomain.Batch, dryRun bool) (exportdomain.SendResult, error) {
	if c.cfg.APIKey == "" || c.cfg.ConnectionID == "" {
		return exportdomain.SendResult{}, exportdomain.ErrMissingCredentials
	}
	if dryRun {
		return exportdomain.SendResult{DryRun: true, RecordCount: len(batch.Records)}, nil
	}

	payload := dropPayload{
		Month:     batch.Window.Start.UTC().Format("2006-01"),
		Operation: wireOpSum,
		Data:      batch.Records,
	}
	if batch.Operation == exportdomain.OperationReplaceHourly {
		payload.Operation = wireOpReplaceHourly
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return exportdomain.SendResult{}, err
	}

	url := fmt.Sprintf("%s/v2/connections/billing/anycost/%s/billing_drops",
		strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.ConnectionID)

	attempts := 0
	operation := func() (int, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, &exportdomain.SendError{Transient: true, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.StatusCode, nil
		}

		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		sendErr := &exportdomain.SendError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		}
		c.log.Warn("export.send_attempt_failed",
			zap.Int("attempt", attempts),
			zap.Int("status", resp.StatusCode),
			zap.String("window", batch.Window.String()),
		)
		if !sendErr.Transient {
			return 0, backoff.Permanent(error(sendErr))
		}
		return 0, sendErr
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxSendTries),
	)
	if err != nil {
		return exportdomain.SendResult{Attempts: attempts}, err
	}

	c.log.Info("export.batch_sent",
		zap.String("window", batch.Window.String()),
		zap.String("operation", payload.Operation),
		zap.Int("record_count", len(batch.Records)),
		zap.Int("attempts", attempts),
	)
	return exportdomain.SendResult{
		StatusCode:  status,
		Attempts:    attempts,
		RecordCount: len(batch.Records),
	}, nil
}
