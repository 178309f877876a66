package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/sagikat/shraga/internal/model"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Client is the HTTP implementation of Store. Transient failures are retried
// with a fixed interval up to a small cap; repeated failures trip a circuit
// breaker so a dead store fails fast instead of stalling every poll cycle.
// Precondition failures (412) are never retried.
type Client struct {
	baseURL  string
	hc       *http.Client
	tokens   TokenSource
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	retryMax int
	interval time.Duration
	logger   *log.Logger
	logLevel LogLevel
}

// NewClient creates a store client. w receives client logs; pass the daemon's
// log writer.
func NewClient(cfg model.StoreConfig, tokens TokenSource, w io.Writer, logLevel string) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		hc:       &http.Client{},
		tokens:   tokens,
		timeout:  time.Duration(cfg.RequestTimeoutSec) * time.Second,
		retryMax: cfg.RetryMaxAttempts,
		interval: time.Duration(cfg.RetryIntervalMs) * time.Millisecond,
		logger:   log.New(w, "", 0),
		logLevel: parseLogLevel(logLevel),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "record_store",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log(LogLevelWarn, "breaker_state name=%s from=%s to=%s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Contention and missing records are store answers, not store
			// failures.
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	return c
}

func (c *Client) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	q := url.Values{}
	if expr := buildTaskFilter(f); expr != "" {
		q.Set("$filter", expr)
	}
	if f.OrderByCreated {
		q.Set("$orderby", "createdAt asc")
	}
	if f.Top > 0 {
		q.Set("$top", fmt.Sprintf("%d", f.Top))
	}
	body, err := c.do(ctx, http.MethodGet, "/tasks", q, nil, "")
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []model.Task `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return out.Value, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	body, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, "")
	if err != nil {
		return model.Task{}, err
	}
	var t model.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return model.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (c *Client) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	body, err := c.do(ctx, http.MethodPost, "/tasks", nil, t, "")
	if err != nil {
		return model.Task{}, err
	}
	var created model.Task
	if err := json.Unmarshal(body, &created); err != nil {
		return model.Task{}, fmt.Errorf("decode created task: %w", err)
	}
	c.log(LogLevelDebug, "task_create id=%s owner=%s", created.ID, created.Owner)
	return created, nil
}

// UpdateTask patches the given fields. A non-empty expectedVersion is sent as
// an If-Match precondition; a 412 response surfaces as ErrConflict. An empty
// expectedVersion performs an unconditioned write.
func (c *Client) UpdateTask(ctx context.Context, id string, fields Fields, expectedVersion string) (model.Task, error) {
	body, err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), nil, fields, expectedVersion)
	if err != nil {
		return model.Task{}, err
	}
	var t model.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return model.Task{}, fmt.Errorf("decode updated task %s: %w", id, err)
	}
	return t, nil
}

func (c *Client) ListHosts(ctx context.Context, f HostFilter) ([]model.ExecutionHost, error) {
	q := url.Values{}
	if expr := buildHostFilter(f); expr != "" {
		q.Set("$filter", expr)
	}
	body, err := c.do(ctx, http.MethodGet, "/hosts", q, nil, "")
	if err != nil {
		return nil, err
	}
	var out struct {
		Value []model.ExecutionHost `json:"value"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode host list: %w", err)
	}
	return out.Value, nil
}

func (c *Client) GetHost(ctx context.Context, id string) (model.ExecutionHost, error) {
	body, err := c.do(ctx, http.MethodGet, "/hosts/"+url.PathEscape(id), nil, nil, "")
	if err != nil {
		return model.ExecutionHost{}, err
	}
	var h model.ExecutionHost
	if err := json.Unmarshal(body, &h); err != nil {
		return model.ExecutionHost{}, fmt.Errorf("decode host %s: %w", id, err)
	}
	return h, nil
}

func (c *Client) UpdateHost(ctx context.Context, id string, fields Fields) (model.ExecutionHost, error) {
	body, err := c.do(ctx, http.MethodPatch, "/hosts/"+url.PathEscape(id), nil, fields, "")
	if err != nil {
		return model.ExecutionHost{}, err
	}
	var h model.ExecutionHost
	if err := json.Unmarshal(body, &h); err != nil {
		return model.ExecutionHost{}, fmt.Errorf("decode updated host %s: %w", id, err)
	}
	return h, nil
}

func (c *Client) AppendProgress(ctx context.Context, ev model.ProgressEvent) (model.ProgressEvent, error) {
	body, err := c.do(ctx, http.MethodPost, "/progressevents", nil, ev, "")
	if err != nil {
		return model.ProgressEvent{}, err
	}
	var created model.ProgressEvent
	if err := json.Unmarshal(body, &created); err != nil {
		return model.ProgressEvent{}, fmt.Errorf("decode progress event: %w", err)
	}
	return created, nil
}

// do issues one request with per-attempt timeout, retrying transient failures
// through the circuit breaker. 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload any, ifMatch string) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var respBody []byte
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		result, err := c.breaker.Execute(func() (any, error) {
			return c.attempt(ctx, method, endpoint, payload, ifMatch)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("store unavailable: %w", err))
			}
			var pe *permanentHTTPError
			if errors.As(err, &pe) {
				return backoff.Permanent(pe.err)
			}
			c.log(LogLevelWarn, "request_retry method=%s path=%s error=%v", method, path, err)
			return err
		}
		respBody = result.([]byte)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), uint64(c.retryMax)),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return respBody, nil
}

// permanentHTTPError marks responses that must not be retried. It still
// counts as a breaker failure unless the wrapped error is ErrConflict or
// ErrNotFound.
type permanentHTTPError struct {
	err error
}

func (e *permanentHTTPError) Error() string { return e.err.Error() }
func (e *permanentHTTPError) Unwrap() error { return e.err }

func (c *Client) attempt(ctx context.Context, method, endpoint string, payload any, ifMatch string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, &permanentHTTPError{err: fmt.Errorf("encode request body: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, body)
	if err != nil {
		return nil, &permanentHTTPError{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(attemptCtx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		return nil, &permanentHTTPError{err: ErrConflict}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &permanentHTTPError{err: ErrNotFound}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &permanentHTTPError{
			err: fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, truncate(raw, 200)),
		}
	default:
		return nil, fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, truncate(raw, 200))
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func buildTaskFilter(f TaskFilter) string {
	var clauses []string
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status eq '%s'", f.Status))
	}
	if f.IsMirror != nil {
		clauses = append(clauses, fmt.Sprintf("isMirror eq %t", *f.IsMirror))
	}
	if f.Owner != "" {
		clauses = append(clauses, fmt.Sprintf("owner eq '%s'", escapeValue(f.Owner)))
	}
	if f.ExcludeOwner != "" {
		clauses = append(clauses, fmt.Sprintf("owner ne '%s'", escapeValue(f.ExcludeOwner)))
	}
	if f.Unmirrored {
		clauses = append(clauses, "mirrorTaskId eq null")
	}
	if f.MirroredOnly {
		clauses = append(clauses, "mirrorTaskId ne null")
	}
	if f.MirrorOfID != "" {
		clauses = append(clauses, fmt.Sprintf("mirrorOfId eq '%s'", escapeValue(f.MirrorOfID)))
	}
	if f.AssignedHostID != "" {
		clauses = append(clauses, fmt.Sprintf("assignedHostId eq '%s'", escapeValue(f.AssignedHostID)))
	}
	if f.Unassigned {
		clauses = append(clauses, "assignedHostId eq null")
	}
	if !f.HeartbeatBefore.IsZero() {
		clauses = append(clauses, fmt.Sprintf("lastHeartbeat lt %s", f.HeartbeatBefore.UTC().Format(time.RFC3339)))
	}
	return strings.Join(clauses, " and ")
}

func buildHostFilter(f HostFilter) string {
	var clauses []string
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status eq '%s'", f.Status))
	}
	if f.OwnerUserID != "" {
		clauses = append(clauses, fmt.Sprintf("ownerUserId eq '%s'", escapeValue(f.OwnerUserID)))
	}
	if f.SharedOnly {
		clauses = append(clauses, "ownerUserId eq null")
	}
	return strings.Join(clauses, " and ")
}

// escapeValue doubles single quotes per the store's filter grammar.
func escapeValue(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (c *Client) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
