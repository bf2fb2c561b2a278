package passport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loop/core/eligibility"
	looperrors "loop/core/errors"
	"loop/core/types"
)

const (
	DefaultBaseURL = "https://api.scorer.gitcoin.co"
	DefaultTimeout = 8 * time.Second
	maxBodyBytes   = 1 << 20
)

// ErrMissingAPIKey is reported by Preflight when no credential is configured.
var ErrMissingAPIKey = errors.New("passport: api key is missing")

// Config defines the HTTP client settings for the score API.
type Config struct {
	BaseURL  string
	ScorerID string
	APIKey   string
	Timeout  time.Duration
}

// Client fetches sybil-resistance scores. It implements
// eligibility.ScoreProvider.
type Client struct {
	baseURL    string
	scorerID   string
	apiKey     string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for lookups.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client. A missing API key is not an error here so
// the service can start and report the configuration problem per request.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("passport: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:  strings.TrimRight(base, "/"),
		scorerID: strings.TrimSpace(cfg.ScorerID),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Preflight reports a missing credential before any request is made.
func (c *Client) Preflight() error {
	if c == nil || c.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

type scoreResponse struct {
	Address string          `json:"address"`
	Score   json.RawMessage `json:"score"`
	Status  string          `json:"status"`
	Error   string          `json:"error"`
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (c *Client) endpoint(subject common.Address) string {
	if c.scorerID == "" {
		return fmt.Sprintf("%s/%s", c.baseURL, types.LowerHex(subject))
	}
	return fmt.Sprintf("%s/registry/score/%s/%s", c.baseURL, url.PathEscape(c.scorerID), types.LowerHex(subject))
}

// FetchScore looks up the score of subject. Unknown subjects (HTTP 400 or
// 404, or a null score) are reported as Present=false.
func (c *Client) FetchScore(ctx context.Context, subject common.Address) (eligibility.Score, error) {
	if err := c.Preflight(); err != nil {
		return eligibility.Score{}, looperrors.Wrap(looperrors.KindConfiguration, "score provider credential not configured", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(subject), nil)
	if err != nil {
		return eligibility.Score{}, upstream(fmt.Errorf("passport: request: %w", err))
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return eligibility.Score{}, upstream(fmt.Errorf("passport: call: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return eligibility.Score{}, upstream(fmt.Errorf("passport: read: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return eligibility.Score{}, nil
	case resp.StatusCode != http.StatusOK:
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		detail := strings.TrimSpace(e.Detail + " " + e.Message)
		return eligibility.Score{}, upstream(fmt.Errorf("passport: unexpected status %d %s", resp.StatusCode, detail))
	}

	var payload scoreResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return eligibility.Score{}, upstream(fmt.Errorf("passport: decode: %w", err))
	}
	if strings.EqualFold(payload.Status, "ERROR") {
		return eligibility.Score{}, upstream(fmt.Errorf("passport: scorer error: %s", payload.Error))
	}
	value, present, err := parseScore(payload.Score)
	if err != nil {
		return eligibility.Score{}, upstream(err)
	}
	return eligibility.Score{Value: value, Present: present}, nil
}

// parseScore accepts a JSON number, a numeric string or null.
func parseScore(raw json.RawMessage) (float64, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false, fmt.Errorf("passport: decode score: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false, fmt.Errorf("passport: malformed score %q", s)
		}
		return v, true, nil
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return 0, false, fmt.Errorf("passport: malformed score: %w", err)
	}
	return v, true, nil
}

func upstream(err error) error {
	return looperrors.Upstream("score provider unavailable", err)
}
