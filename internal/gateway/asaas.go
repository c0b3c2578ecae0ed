package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/logging"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL    string        // e.g. https://api.asaas.com/v3
	APIKey     string        // sent as the access_token header
	Timeout    time.Duration // per attempt
	MaxRetries uint64        // retries after the first attempt for transient failures
}

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry

	// newBackOff is replaceable so tests don't sleep.
	newBackOff func() backoff.BackOff
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg Config, logger logrus.FieldLogger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logging.Component(logger, "gateway"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// GetSubscription fetches a subscription by id.
func (c *HTTPClient) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetPayment fetches a payment by id.
func (c *HTTPClient) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var p Payment
	if err := c.get(ctx, "/payments/"+url.PathEscape(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// get performs a GET with retries on transient failures. Not-found and
// credential errors are returned on the first attempt.
func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, path, out)
		if err == nil {
			return nil
		}
		if !apperr.TransientGateway.Has(err) {
			return backoff.Permanent(err)
		}
		c.log.WithFields(logrus.Fields{"path": path, "attempt": attempt}).WithError(err).Warn("gateway call failed")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.Retry(op, b)
}

func (c *HTTPClient) do(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("access_token", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.TransientGateway.New("http request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound.New("gateway %s", path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Authorization.New("gateway rejected credentials: %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.TransientGateway.New("api status code: %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Validation.New("api status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.TransientGateway.Wrap(fmt.Errorf("decode json failed: %w", err))
	}
	return nil
}
