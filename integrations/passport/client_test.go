package passport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	looperrors "loop/core/errors"
)

var subject = common.HexToAddress("0xa25211B64D041F690C0c818183E32f28ba9647Dd")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, ScorerID: "7", APIKey: "secret", Timeout: time.Second},
		WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestFetchScoreFormats(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		value   float64
		present bool
	}{
		{"string", `{"address":"0x","score":"23.5","status":"DONE"}`, 23.5, true},
		{"number", `{"score":20}`, 20, true},
		{"null", `{"score":null,"status":"DONE"}`, 0, false},
		{"empty string", `{"score":""}`, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var path, key string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				path, key = r.URL.Path, r.Header.Get("X-API-KEY")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})
			score, err := c.FetchScore(context.Background(), subject)
			require.NoError(t, err)
			require.Equal(t, "/registry/score/7/0xa25211b64d041f690c0c818183e32f28ba9647dd", path)
			require.Equal(t, "secret", key)
			require.Equal(t, tc.present, score.Present)
			require.InDelta(t, tc.value, score.Value, 1e-9)
		})
	}
}

func TestFetchScoreUnknownSubject(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":"Unable to get score for provided scorer."}`))
		})
		score, err := c.FetchScore(context.Background(), subject)
		require.NoError(t, err)
		require.False(t, score.Present)
	}
}

func TestFetchScoreUpstreamFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.FetchScore(context.Background(), subject)
	require.Equal(t, looperrors.KindUpstream, looperrors.KindOf(err))
	require.Equal(t, int32(1), calls.Load(), "no automatic retry")

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":"lots"}`))
	})
	_, err = c.FetchScore(context.Background(), subject)
	require.Equal(t, looperrors.KindUpstream, looperrors.KindOf(err))

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":null,"status":"ERROR","error":"rate limited"}`))
	})
	_, err = c.FetchScore(context.Background(), subject)
	require.Equal(t, looperrors.KindUpstream, looperrors.KindOf(err))
}

func TestFetchScoreTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.FetchScore(context.Background(), subject)
	require.Equal(t, looperrors.KindUpstream, looperrors.KindOf(err))
}

func TestMissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	require.ErrorIs(t, c.Preflight(), ErrMissingAPIKey)
	_, err = c.FetchScore(context.Background(), subject)
	require.Equal(t, looperrors.KindConfiguration, looperrors.KindOf(err))
	require.Zero(t, calls.Load())
}
