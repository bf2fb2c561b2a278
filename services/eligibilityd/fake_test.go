package eligibilityd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"loop/crypto"
	"loop/integrations/loopcontract"
)

var (
	subject = common.HexToAddress("0xa25211B64D041F690C0c818183E32f28ba9647Dd")
	loopID  = common.HexToAddress("0x39c3A55F68Bf9f2992776991F25Aac6813a4F1d0")
	tokenID = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

const testGroup = "0xe2396fe2169ca026962971d3b2e373ba925b6257"

// fakeChain answers contract views by ABI-encoding canned values.
type fakeChain struct {
	mu      sync.Mutex
	outputs map[string][]interface{}
	calls   map[string]int
	logs    []gethtypes.Log
	head    uint64
}

func newFakeChain(current uint64) *fakeChain {
	first := time.Now().Add(-time.Duration(current)*24*time.Hour - time.Hour).Unix()
	return &fakeChain{
		outputs: map[string][]interface{}{
			"getLoopDetails":            {tokenID, big.NewInt(86400), big.NewInt(10), big.NewInt(first)},
			"getCurrentPeriod":          {new(big.Int).SetUint64(current)},
			"getCurrentPeriodData":      {big.NewInt(3), big.NewInt(1000)},
			"getClaimerStatus":          {new(big.Int).SetUint64(current), big.NewInt(0)},
			"getPeriodIndividualPayout": {big.NewInt(333)},
		},
		calls: make(map[string]int),
		head:  1000,
	}
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := loopcontract.LoopABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.calls[method.Name]++
	values, ok := f.outputs[method.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeChain) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeChain) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// upstreams fakes the score provider and the membership subgraph.
type upstreams struct {
	score       atomic.Value
	scoreStatus atomic.Int64
	member      atomic.Bool
	scoreCalls  atomic.Int64
	memberCalls atomic.Int64

	passport *httptest.Server
	subgraph *httptest.Server
}

func newUpstreams(t *testing.T, score string, member bool) *upstreams {
	t.Helper()
	u := &upstreams{}
	u.score.Store(score)
	u.scoreStatus.Store(http.StatusOK)
	u.member.Store(member)
	u.passport = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.scoreCalls.Add(1)
		if r.Header.Get("X-API-KEY") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		status := int(u.scoreStatus.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			addr := strings.TrimPrefix(r.URL.Path, "/")
			_ = json.NewEncoder(w).Encode(map[string]any{"address": addr, "score": u.score.Load(), "status": "DONE"})
		}
	}))
	u.subgraph = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.memberCalls.Add(1)
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		members := []map[string]string{}
		if u.member.Load() {
			members = append(members, map[string]string{"memberAddress": req.Variables["member"]})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"memberCommunities": members}})
	}))
	t.Cleanup(func() {
		u.passport.Close()
		u.subgraph.Close()
	})
	return u
}

type harness struct {
	chain   *fakeChain
	up      *upstreams
	key     *crypto.PrivateKey
	svc     *Service
	server  *httptest.Server
	dialled atomic.Int64
}

func testConfig(up *upstreams) Config {
	cfg := Config{
		Policy: PolicyConfig{Group: testGroup},
		Passport: PassportConfig{
			BaseURL: up.passport.URL,
			APIKey:  "test-key",
		},
		Chains: []ChainConfig{{ID: 100, RPCURL: "fake://gnosis", SubgraphURL: up.subgraph.URL}},
	}
	applyDefaults(&cfg)
	return cfg
}

func newHarness(t *testing.T, score string, member bool, mutate func(*Config), withKey bool) *harness {
	t.Helper()
	h := &harness{chain: newFakeChain(5), up: newUpstreams(t, score, member)}
	cfg := testConfig(h.up)
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, validateConfig(cfg))
	if withKey {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		h.key = key
	}
	svc, err := Build(context.Background(), cfg, h.key, Dependencies{
		Dial: func(string) (loopcontract.LogBackend, error) {
			h.dialled.Add(1)
			return h.chain, nil
		},
	})
	require.NoError(t, err)
	h.svc = svc
	h.server = httptest.NewServer(svc.Handler)
	t.Cleanup(func() {
		h.server.Close()
		_ = svc.Close()
	})
	return h
}

func registerLog(sender common.Address, period uint64) gethtypes.Log {
	return gethtypes.Log{
		Address: loopID,
		Topics: []common.Hash{
			loopcontract.RegisterTopic,
			common.BytesToHash(sender.Bytes()),
			common.BigToHash(new(big.Int).SetUint64(period)),
		},
	}
}
