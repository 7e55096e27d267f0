// Package serving talks to a tensor-serving REST predict endpoint.
package serving

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/blight-api/internal/model"
)

// maxResponseBytes bounds how much of a backend body is read.
const maxResponseBytes = 8 << 20

// Config configures a Client.
type Config struct {
	// URL is the full predict route, e.g.
	// http://localhost:8502/v1/models/potatodieases-model:predict
	URL     string
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries int
	// InitialInterval is the first backoff delay; zero uses the backoff default.
	InitialInterval time.Duration
	// Deadline bounds a whole Predict call, retries included. Zero leaves it
	// to the caller's context.
	Deadline time.Duration
}

// Client sends batches to the predict route and returns the raw prediction vectors.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. A nil httpClient uses one bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Predict posts {"instances": batch} and returns the "predictions" array,
// which must hold one vector per batch element.
func (c *Client) Predict(ctx context.Context, batch model.Batch) ([]model.PredictionVector, error) {
	body, err := json.Marshal(model.PredictRequest{Instances: batch})
	if err != nil {
		return nil, errors.Wrap(err, "encode predict request")
	}

	eb := backoff.NewExponentialBackOff()
	if c.cfg.InitialInterval > 0 {
		eb.InitialInterval = c.cfg.InitialInterval
	}
	if c.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
		eb.MaxElapsedTime = c.cfg.Deadline
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(c.cfg.MaxRetries, 0))), ctx)

	var predictions []model.PredictionVector
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		var err error
		predictions, err = c.predictOnce(ctx, body)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.WarnContext(ctx, "prediction backend call failed", "attempt", attempt, "err", err)
		return err
	}, policy)
	if err != nil {
		var unavailable *model.BackendUnavailableError
		var malformed *model.MalformedResponseError
		if !errors.As(err, &unavailable) && !errors.As(err, &malformed) {
			// the deadline or the caller's context ended between attempts
			err = &model.BackendUnavailableError{Cause: err}
		}
		return nil, err
	}

	batchSize := batch.Shape()[0]
	if len(predictions) != batchSize {
		return nil, &model.MalformedResponseError{
			Cause: errors.Errorf("got %d predictions for a batch of %d", len(predictions), batchSize),
		}
	}
	return predictions, nil
}

func (c *Client) predictOnce(ctx context.Context, body []byte) ([]model.PredictionVector, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &model.BackendUnavailableError{Cause: errors.Wrap(err, "create request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &model.BackendUnavailableError{Cause: errors.Wrap(err, "send request")}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &model.BackendUnavailableError{StatusCode: resp.StatusCode, Cause: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &model.BackendUnavailableError{
			StatusCode: resp.StatusCode,
			Cause:      errors.Errorf("predict returned %s: %s", resp.Status, snippet(raw)),
		}
	}

	var result model.PredictResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &model.MalformedResponseError{Cause: errors.Wrap(err, "decode response")}
	}
	if result.Predictions == nil {
		if result.Error != "" {
			return nil, &model.MalformedResponseError{Cause: errors.Errorf("backend error: %s", result.Error)}
		}
		return nil, &model.MalformedResponseError{Cause: errors.New(`response has no "predictions" key`)}
	}
	for i, vector := range result.Predictions {
		if len(vector) == 0 {
			return nil, &model.MalformedResponseError{Cause: errors.Errorf("prediction %d has no scores", i)}
		}
	}
	return result.Predictions, nil
}

// Ready checks the model status route that sits next to the predict route.
func (c *Client) Ready(ctx context.Context) error {
	statusURL := strings.TrimSuffix(c.cfg.URL, ":predict")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return errors.Wrap(err, "create status request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &model.BackendUnavailableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &model.BackendUnavailableError{StatusCode: resp.StatusCode, Cause: errors.New("model status check failed")}
	}
	return nil
}

// retryable reports transient failures: no response at all, or a gateway
// status from a proxy in front of the model server.
func retryable(err error) bool {
	var unavailable *model.BackendUnavailableError
	if !errors.As(err, &unavailable) {
		return false
	}
	switch unavailable.StatusCode {
	case 0:
		var netErr net.Error
		return errors.As(unavailable.Cause, &netErr) || errors.Is(unavailable.Cause, context.DeadlineExceeded) ||
			errors.Is(unavailable.Cause, io.ErrUnexpectedEOF) || errors.Is(unavailable.Cause, io.EOF)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
