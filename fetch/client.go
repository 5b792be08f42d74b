// Package fetch implements the outbound HTTP client used to reach the killmail
// APIs. Status codes are classified into retry, skip, success and failure, and
// transient failures are retried with exponential backoff up to a fixed budget.
package fetch

import (
	"context"
	"fmt"
	"io"
	"killstory/metrics"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Action determines how a response status is handled.
type Action int

const (
	ActionSuccess Action = iota
	ActionSkip
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionSkip:
		return "skip"
	case ActionRetry:
		return "retry"
	default:
		return "fail"
	}
}

// Classify maps a status code to the action taken by the client.
func Classify(status int) Action {
	switch status {
	case http.StatusNotModified, http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ActionSkip
	case 420, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ActionRetry
	}

	if status >= 200 && status < 300 {
		return ActionSuccess
	}

	return ActionFail
}

// RequestError is returned for a status code the client does not know how to handle.
type RequestError struct {
	URL        string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s returned %d", e.URL, e.StatusCode)
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	// BackoffUnit is multiplied by 2^attempt before each retry.
	BackoffUnit time.Duration
	UserAgent   string
}

// MaxAttempts bounds Config.MaxAttempts so the backoff cannot overflow.
const MaxAttempts = 16

// DefaultConfig provides the documented defaults.
var DefaultConfig = Config{
	Timeout:     10 * time.Second,
	MaxAttempts: 5,
	BackoffUnit: time.Second,
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Client struct {
	logger     zerolog.Logger
	httpClient *http.Client
	config     Config
	sleep      SleepFunc
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(logger zerolog.Logger, config Config, opts ...Option) *Client {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultConfig.MaxAttempts
	}

	if config.MaxAttempts > MaxAttempts {
		config.MaxAttempts = MaxAttempts
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}

	if config.BackoffUnit <= 0 {
		config.BackoffUnit = DefaultConfig.BackoffUnit
	}

	c := &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
		sleep:      sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get issues a GET request. A nil response with a nil error means the request
// produced no data: a permanent client status or an exhausted retry budget.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	logger := c.logger.With().Str("url", url).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		res, err := c.do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			metrics.FetchAttempts.WithLabelValues("network_error").Inc()
			logger.Error().Err(err).Int("attempt", attempt+1).Msg("network error")
			continue
		}

		action := Classify(res.StatusCode)
		metrics.FetchAttempts.WithLabelValues(action.String()).Inc()

		switch action {
		case ActionSuccess:
			return res, nil

		case ActionSkip:
			logger.Debug().Int("status", res.StatusCode).Msg("no data for request")
			return nil, nil

		case ActionRetry:
			delay := c.config.BackoffUnit * time.Duration(1<<attempt)
			logger.Warn().Int("status", res.StatusCode).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient error, backing off")

			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		default:
			return nil, &RequestError{URL: url, StatusCode: res.StatusCode}
		}
	}

	logger.Error().Int("attempts", c.config.MaxAttempts).Msg("retry limit reached, giving up")
	return nil, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	start := time.Now()
	res, err := c.httpClient.Do(req)
	metrics.FetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
