package appeears

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/smukkama/ecostress-pipeline/internal/metrics"
	"github.com/smukkama/ecostress-pipeline/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4 << 10

// Client talks to the AppEEARS API with a cached bearer token. GET requests
// are retried on network errors, 429 and 5xx responses.
type Client struct {
	cfg  config.AppEEARSConfig
	http *http.Client
	log  zerolog.Logger

	mu    sync.Mutex
	token string

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client. Connect timeout bounds dialing and the TLS
// handshake, read timeout bounds the wait for response headers and the gap
// between body reads of a download.
func New(cfg config.AppEEARSConfig, log zerolog.Logger) *Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: transport},
		log:   log.With().Str("component", "appeears").Logger(),
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path
}

// Login exchanges the configured credentials for a bearer token and caches it
func (c *Client) Login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("login"), nil)
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("login", "failure").Inc()
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamRequests.WithLabelValues("login", "failure").Inc()
		return "", fmt.Errorf("%w: %w", ErrAuthentication, statusError("login", resp))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil || lr.Token == "" {
		metrics.UpstreamRequests.WithLabelValues("login", "failure").Inc()
		return "", fmt.Errorf("%w: no token in login response", ErrAuthentication)
	}
	metrics.UpstreamRequests.WithLabelValues("login", "success").Inc()

	c.mu.Lock()
	c.token = lr.Token
	c.mu.Unlock()
	return lr.Token, nil
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	return c.Login(ctx)
}

func (c *Client) invalidate(tok string) {
	c.mu.Lock()
	if c.token == tok {
		c.token = ""
	}
	c.mu.Unlock()
}

// send performs an authenticated request. A 401 triggers one fresh login.
// Only GET requests are retried.
func (c *Client) send(ctx context.Context, endpoint, method, path string, body []byte) (*http.Response, error) {
	attempts := 1
	if method == http.MethodGet {
		attempts += c.cfg.MaxRetries
	}

	reauthed := false
	var wait time.Duration
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		wait = 0

		tok, err := c.bearer(ctx)
		if err != nil {
			return nil, err
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", endpoint, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.UpstreamRequests.WithLabelValues(endpoint, "retry").Inc()
			lastErr = err
			wait = c.backoff(attempt, "")
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			serr := statusError(endpoint, resp)
			c.invalidate(tok)
			if reauthed {
				metrics.UpstreamRequests.WithLabelValues(endpoint, "failure").Inc()
				return nil, fmt.Errorf("%w: %w", ErrAuthentication, serr)
			}
			reauthed = true
			attempt--
			continue
		}

		if method == http.MethodGet && isTransient(resp.StatusCode) {
			retryAfter := resp.Header.Get("Retry-After")
			lastErr = statusError(endpoint, resp)
			metrics.UpstreamRequests.WithLabelValues(endpoint, "retry").Inc()
			c.log.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
				Int("attempt", attempt+1).Msg("transient provider response")
			wait = c.backoff(attempt, retryAfter)
			continue
		}

		return resp, nil
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "failure").Inc()
	return nil, fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, attempts, lastErr)
}

// backoff returns the wait before the next attempt, preferring Retry-After.
// The result never exceeds MaxRetryWait.
func (c *Client) backoff(attempt int, retryAfter string) time.Duration {
	d := time.Duration(float64(c.cfg.RetryBackoff) * math.Pow(2, float64(attempt)))
	if ra := strings.TrimSpace(retryAfter); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			d = time.Duration(secs) * time.Second
		} else if when, err := http.ParseTime(ra); err == nil {
			d = max(time.Until(when), 0)
		}
	}
	if c.cfg.MaxRetryWait > 0 && d > c.cfg.MaxRetryWait {
		c.log.Warn().Dur("wait", d).Dur("cap", c.cfg.MaxRetryWait).Msg("clamping provider retry wait")
		d = c.cfg.MaxRetryWait
	}
	return d
}

// statusError drains and closes resp, keeping a bounded prefix of the body
func statusError(endpoint string, resp *http.Response) *HTTPStatusError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body)
	return &HTTPStatusError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out interface{}) error {
	resp, err := c.send(ctx, endpoint, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "failure").Inc()
		return statusError(endpoint, resp)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "failure").Inc()
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
	return nil
}

// SubmitTask submits a task and returns its id. Anything but 202 Accepted
// fails with ErrTaskSubmission.
func (c *Client) SubmitTask(ctx context.Context, task TaskRequest) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	resp, err := c.send(ctx, "task", http.MethodPost, "task", body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTaskSubmission, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		metrics.UpstreamRequests.WithLabelValues("task", "failure").Inc()
		return "", fmt.Errorf("%w: %w", ErrTaskSubmission, statusError("task", resp))
	}
	defer resp.Body.Close()

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil || sr.TaskID == "" {
		metrics.UpstreamRequests.WithLabelValues("task", "failure").Inc()
		return "", fmt.Errorf("%w: no task id in response", ErrTaskSubmission)
	}
	metrics.UpstreamRequests.WithLabelValues("task", "success").Inc()

	c.log.Info().Str("task_id", sr.TaskID).Str("task_name", task.TaskName).Msg("task submitted")
	return sr.TaskID, nil
}

// TaskStatus returns the status of one task
func (c *Client) TaskStatus(ctx context.Context, taskID string) (string, error) {
	var info TaskInfo
	if err := c.getJSON(ctx, "task_status", "task/"+taskID, &info); err != nil {
		return "", err
	}
	return info.Status, nil
}

// TaskStatuses returns the status of every task of the account, keyed by id
func (c *Client) TaskStatuses(ctx context.Context) (map[string]string, error) {
	var tasks []TaskInfo
	if err := c.getJSON(ctx, "task_list", "task", &tasks); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tasks))
	for _, t := range tasks {
		out[t.TaskID] = t.Status
	}
	return out, nil
}

// Bundle returns the file manifest of a finished task
func (c *Client) Bundle(ctx context.Context, taskID string) (*Bundle, error) {
	var b Bundle
	if err := c.getJSON(ctx, "bundle", "bundle/"+taskID, &b); err != nil {
		return nil, err
	}
	if b.TaskID == "" {
		b.TaskID = taskID
	}
	return &b, nil
}

// DownloadFile streams one bundle file to dest through a temp file in the
// same directory and returns the number of bytes written.
func (c *Client) DownloadFile(ctx context.Context, taskID, fileID, dest string) (int64, error) {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := c.send(ctx, "download", http.MethodGet, "bundle/"+taskID+"/"+fileID, nil)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamRequests.WithLabelValues("download", "failure").Inc()
		return 0, statusError("download", resp)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	body := newIdleReader(resp.Body, c.cfg.ReadTimeout, cancel)
	n, err := io.Copy(tmp, body)
	body.stop()
	if err != nil {
		tmp.Close()
		metrics.UpstreamRequests.WithLabelValues("download", "failure").Inc()
		if cause := context.Cause(ctx); errors.Is(cause, ErrReadStalled) {
			err = cause
		}
		return 0, fmt.Errorf("copy body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("finalize temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("move download into place: %w", err)
	}

	metrics.UpstreamRequests.WithLabelValues("download", "success").Inc()
	metrics.DownloadBytes.Add(float64(n))
	c.log.Debug().
		Str("task_id", taskID).
		Str("file", filepath.Base(dest)).
		Str("size", humanize.Bytes(uint64(n))).
		Dur("took", time.Since(start)).
		Msg("file downloaded")
	return n, nil
}

// idleReader cancels the request when no bytes arrive within timeout
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelCauseFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() { cancel(ErrReadStalled) })
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
