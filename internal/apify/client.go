package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// DefaultBaseURL is the public Apify API root.
const DefaultBaseURL = "https://api.apify.com/v2"

// DefaultTokenEnv names the environment variable holding the API token.
const DefaultTokenEnv = "APIFY_TOKEN"

const maxWaitForFinish = 60 * time.Second

// Run statuses reported by the actor-runs endpoint.
const (
	StatusReady     = "READY"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
	StatusTimedOut  = "TIMED-OUT"
)

// Config controls the Apify client.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	TokenEnv       string
	RequestsPerSec float64
	WaitForFinish  time.Duration
	Retry          RetryPolicy
	// LookupEnv resolves tokens; defaults to os.LookupEnv after a best-effort .env load.
	LookupEnv func(string) (string, bool)
	Logger    *zap.Logger
}

// ActorRun is the subset of run metadata the orchestrator records.
type ActorRun struct {
	ID               string     `json:"id"`
	ActID            string     `json:"actId"`
	Status           string     `json:"status"`
	DefaultDatasetID string     `json:"defaultDatasetId"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r ActorRun) Finished() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ActorOutput is the run metadata plus its default dataset items.
type ActorOutput struct {
	Run   ActorRun `json:"run"`
	Items []any    `json:"items"`
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify api status %d: %s", e.StatusCode, e.Body)
}

// Client calls actors and reads/writes datasets.
type Client struct {
	baseURL   string
	http      *http.Client
	tokenEnv  string
	limiter   *rate.Limiter
	wait      time.Duration
	retry     RetryPolicy
	lookupEnv func(string) (string, bool)
	logger    *zap.Logger
}

var dotenvOnce sync.Once

func loadDotEnvLookup(key string) (string, bool) {
	dotenvOnce.Do(func() {
		_ = godotenv.Load() //nolint:errcheck // .env is optional
	})
	return os.LookupEnv(key)
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.TokenEnv == "" {
		cfg.TokenEnv = DefaultTokenEnv
	}
	if cfg.WaitForFinish <= 0 || cfg.WaitForFinish > maxWaitForFinish {
		cfg.WaitForFinish = maxWaitForFinish
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = loadDotEnvLookup
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      cfg.HTTPClient,
		tokenEnv:  cfg.TokenEnv,
		limiter:   rate.NewLimiter(limit, 1),
		wait:      cfg.WaitForFinish,
		retry:     cfg.Retry,
		lookupEnv: cfg.LookupEnv,
		logger:    cfg.Logger,
	}
}

// Token resolves the API token from the named environment variable.
func (c *Client) Token(tokenEnv string) (string, error) {
	if tokenEnv == "" {
		tokenEnv = c.tokenEnv
	}
	token, ok := c.lookupEnv(tokenEnv)
	if !ok || strings.TrimSpace(token) == "" {
		return "", scraper.NewConfigurationError(tokenEnv, "environment variable holds no Apify token")
	}
	return strings.TrimSpace(token), nil
}

// CallActor starts an actor run, waits for it to finish within timeout and
// returns the run metadata with its default dataset items.
func (c *Client) CallActor(
	ctx context.Context,
	actorID string,
	input map[string]any,
	tokenEnv string,
	timeout time.Duration,
) (ActorOutput, error) {
	if strings.TrimSpace(actorID) == "" {
		return ActorOutput{}, scraper.NewConfigurationError("actor_id", "is required")
	}
	token, err := c.Token(tokenEnv)
	if err != nil {
		return ActorOutput{}, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.logger.Info("calling apify actor", zap.String("actor_id", actorID))

	query := url.Values{}
	query.Set("waitForFinish", strconv.Itoa(int(c.waitFor(ctx).Seconds())))
	if timeout > 0 {
		query.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	}
	var started struct {
		Data ActorRun `json:"data"`
	}
	startURL := fmt.Sprintf("%s/acts/%s/runs?%s", c.baseURL, url.PathEscape(actorPath(actorID)), query.Encode())
	if err := c.do(ctx, http.MethodPost, startURL, token, input, &started); err != nil {
		return ActorOutput{}, fmt.Errorf("start actor run: %w", err)
	}

	run, err := c.awaitRun(ctx, token, started.Data)
	if err != nil {
		return ActorOutput{Run: run}, err
	}
	if run.Status != StatusSucceeded {
		return ActorOutput{Run: run}, fmt.Errorf("actor run %s finished with status %s", run.ID, run.Status)
	}

	out := ActorOutput{Run: run, Items: []any{}}
	if run.DefaultDatasetID != "" {
		items, err := c.ListItems(ctx, token, run.DefaultDatasetID)
		if err != nil {
			return out, err
		}
		out.Items = items
	}
	c.logger.Info("apify actor completed",
		zap.String("actor_id", actorID),
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("items", len(out.Items)),
	)
	return out, nil
}

func (c *Client) awaitRun(ctx context.Context, token string, run ActorRun) (ActorRun, error) {
	for !run.Finished() {
		if run.ID == "" {
			return run, fmt.Errorf("actor run response carried no id")
		}
		query := url.Values{}
		query.Set("waitForFinish", strconv.Itoa(int(c.waitFor(ctx).Seconds())))
		var polled struct {
			Data ActorRun `json:"data"`
		}
		pollURL := fmt.Sprintf("%s/actor-runs/%s?%s", c.baseURL, url.PathEscape(run.ID), query.Encode())
		if err := c.do(ctx, http.MethodGet, pollURL, token, nil, &polled); err != nil {
			return run, fmt.Errorf("poll actor run %s: %w", run.ID, err)
		}
		run = polled.Data
	}
	return run, nil
}

// ListItems reads every item from a dataset.
func (c *Client) ListItems(ctx context.Context, token, datasetID string) ([]any, error) {
	itemsURL := fmt.Sprintf("%s/datasets/%s/items?clean=true&format=json", c.baseURL, url.PathEscape(datasetID))
	var items []any
	if err := c.do(ctx, http.MethodGet, itemsURL, token, nil, &items); err != nil {
		return nil, fmt.Errorf("list dataset %s items: %w", datasetID, err)
	}
	if items == nil {
		items = []any{}
	}
	return items, nil
}

// PushItems appends messages to a dataset using the client's default token variable.
func (c *Client) PushItems(ctx context.Context, datasetID string, items []scraper.Message) error {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return fmt.Errorf("dataset id must not be empty")
	}
	if len(items) == 0 {
		return nil
	}
	token, err := c.Token("")
	if err != nil {
		return err
	}
	pushURL := fmt.Sprintf("%s/datasets/%s/items", c.baseURL, url.PathEscape(datasetID))
	if err := c.do(ctx, http.MethodPost, pushURL, token, items, nil); err != nil {
		return fmt.Errorf("push items to dataset %s: %w", datasetID, err)
	}
	return nil
}

func (c *Client) waitFor(ctx context.Context) time.Duration {
	wait := c.wait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

func (c *Client) do(ctx context.Context, method, rawURL, token string, body any, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}
	shouldRetry := c.retry.ShouldRetry
	if method != http.MethodGet {
		// A 5xx or timeout on a POST may follow an accepted request, and
		// repeating it would start a second run or append duplicate items.
		shouldRetry = c.retry.ShouldRetryUnsafe
	}
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, rawURL, token, payload, out)
		if !shouldRetry(err, attempt) {
			return err
		}
		delay := c.retry.Backoff(attempt)
		c.logger.Warn("retrying apify request",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry wait canceled: %w", ctx.Err())
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, rawURL, token string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, redact(rawURL), err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// actorPath converts "user/actor" into the "user~actor" form used in API paths.
func actorPath(actorID string) string {
	return strings.ReplaceAll(strings.TrimSpace(actorID), "/", "~")
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "apify request"
	}
	u.RawQuery = ""
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
