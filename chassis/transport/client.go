package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/monkey"
)

// Config ...
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Headers     map[string]string
	RateLimit   float64
	RateBurst   int
	ErrorChance float64

	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// Client executes vendor requests. It owns the session headers, so there is
// one Client per process, passed to whoever needs it.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	chaos   *monkey.Monkey
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// New ...
func New(cfg Config, m *metrics.Metrics, log *logrus.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	var chaos *monkey.Monkey
	if cfg.ErrorChance > 0 {
		chaos = monkey.New(cfg.ErrorChance, time.Now().UnixNano())
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		chaos:   chaos,
		metrics: metrics.OrNew(m),
		log:     log,
	}
}

// PostJSON posts body and decodes the JSON answer into out, retrying
// timeouts and transient failures.
func (c *Client) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.retry(ctx, http.MethodPost, url, func(ctx context.Context) error {
		return c.postOnce(ctx, url, payload, out)
	})
}

// PostJSONOnce is PostJSON without retries. Job creation goes through here:
// a retried submission may start a second remote job.
func (c *Client) PostJSONOnce(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	err = c.postOnce(ctx, url, payload, out)
	c.count(http.MethodPost, err)
	return err
}

// Get opens a streamed GET. The caller closes the body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	err := c.retry(ctx, http.MethodGet, url, func(ctx context.Context) error {
		var err error
		resp, err = c.getOnce(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, method, url string, call func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		err := call(ctx)
		c.count(method, err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{
			"event":   "request_failed",
			"method":  method,
			"url":     url,
			"attempt": attempt,
			"of":      c.cfg.MaxAttempts,
		}).Warn(err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.metrics.Retries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("max attempts exceeded: %w", lastErr)
}

func (c *Client) postOnce(ctx context.Context, url string, payload []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	if err := c.chaos.RandomizeError(nil); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// getOnce bounds only the time to response headers; the body stream may take
// longer than the request timeout.
func (c *Client) getOnce(ctx context.Context, url string) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if err := c.chaos.RandomizeError(nil); err != nil {
		cancel()
		return nil, err
	}
	timer := time.AfterFunc(c.cfg.Timeout, cancel)
	resp, err := c.http.Do(req)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("http request: %w", errTimeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) count(method string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if isTimeout(err) {
			outcome = "timeout"
		}
	}
	c.metrics.Requests.WithLabelValues(method, outcome).Inc()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "request timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errTimeout error = timeoutError{}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports timeouts, connection failures, truncated bodies, 429
// and 5xx answers.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, monkey.ErrMonkey) || errors.Is(err, io.ErrUnexpectedEOF) || isTimeout(err) {
		return true
	}
	// *url.Error from http.Client.Do implements net.Error.
	var netErr net.Error
	return errors.As(err, &netErr)
}
