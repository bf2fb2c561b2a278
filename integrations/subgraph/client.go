package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	looperrors "loop/core/errors"
	"loop/core/types"
)

const (
	DefaultTimeout = 8 * time.Second
	maxBodyBytes   = 1 << 20
)

const membershipQuery = `query CheckMembership($community: String!, $member: String!) {
  memberCommunities(where: { registryCommunity: $community, memberAddress: $member }) {
    memberAddress
  }
}`

// Config defines the GraphQL endpoints used for membership lookups.
type Config struct {
	// Endpoints maps chain id to subgraph URL.
	Endpoints map[uint64]string
	// DefaultEndpoint serves chains without an explicit entry.
	DefaultEndpoint string
	Timeout         time.Duration
}

// Client answers membership questions from the community registry
// subgraph. It implements eligibility.MembershipOracle.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	endpoints map[uint64]string
	fallback  string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for queries.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient constructs a client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:    slog.Default(),
		endpoints: make(map[uint64]string, len(cfg.Endpoints)),
		fallback:  strings.TrimSpace(cfg.DefaultEndpoint),
	}
	for id, url := range cfg.Endpoints {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			c.endpoints[id] = trimmed
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEndpoint registers or replaces the subgraph URL for chainID.
func (c *Client) SetEndpoint(chainID uint64, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[chainID] = strings.TrimSpace(url)
}

func (c *Client) endpoint(chainID uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if url, ok := c.endpoints[chainID]; ok && url != "" {
		return url, true
	}
	return c.fallback, c.fallback != ""
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		MemberCommunities []struct {
			MemberAddress string `json:"memberAddress"`
		} `json:"memberCommunities"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// IsMember reports whether subject is registered in community on chainID.
// Any row returned by the filtered query counts as membership. GraphQL
// errors are upstream failures, never a negative answer.
func (c *Client) IsMember(ctx context.Context, chainID uint64, subject common.Address, community string) (bool, error) {
	url, ok := c.endpoint(chainID)
	if !ok {
		return false, looperrors.Configuration(fmt.Sprintf("no subgraph configured for chain %d", chainID))
	}
	body, err := json.Marshal(graphQLRequest{
		Query: membershipQuery,
		Variables: map[string]string{
			"community": strings.ToLower(strings.TrimSpace(community)),
			"member":    types.LowerHex(subject),
		},
	})
	if err != nil {
		return false, upstream(fmt.Errorf("subgraph: encode: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, upstream(fmt.Errorf("subgraph: request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, upstream(fmt.Errorf("subgraph: call: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, upstream(fmt.Errorf("subgraph: unexpected status %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, upstream(fmt.Errorf("subgraph: read: %w", err))
	}
	var payload graphQLResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, upstream(fmt.Errorf("subgraph: decode: %w", err))
	}
	if len(payload.Errors) > 0 {
		return false, upstream(fmt.Errorf("subgraph: %s", payload.Errors[0].Message))
	}
	rows := payload.Data.MemberCommunities
	if len(rows) == 0 {
		return false, nil
	}
	member := types.LowerHex(subject)
	if !strings.EqualFold(rows[0].MemberAddress, member) {
		c.logger.DebugContext(ctx, "subgraph returned a different member address",
			slog.String("subject", member),
			slog.String("returned", rows[0].MemberAddress),
			slog.Uint64("chainId", chainID),
		)
	}
	return true, nil
}

func upstream(err error) error {
	return looperrors.Upstream("membership oracle unavailable", err)
}
