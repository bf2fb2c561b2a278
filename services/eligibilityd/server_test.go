package eligibilityd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"loop/core/attestation"
	"loop/core/types"
)

func postEligibility(t *testing.T, h *harness, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.server.URL+"/api/eligibility", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func requestBody(user, loop string, chain any) string {
	raw, _ := json.Marshal(map[string]any{"userAddress": user, "loopAddress": loop, "chainId": chain})
	return string(raw)
}

func TestEligibilityIssuesAttestationForNextPeriod(t *testing.T) {
	h := newHarness(t, "20", true, nil, true)

	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 6, body["targetPeriod"])
	require.Equal(t, h.key.PubKey().Address().Hex(), body["signer"])

	message, err := hexutil.Decode(body["message"].(string))
	require.NoError(t, err)
	require.Equal(t, attestation.PackMessage(subject, 6, loopID), message)

	digest := common.HexToHash(body["digest"].(string))
	require.Equal(t, attestation.Digest(subject, 6, loopID), digest)

	sig, err := hexutil.Decode(body["signature"].(string))
	require.NoError(t, err)
	require.Len(t, sig, attestation.SignatureLength)
	require.Contains(t, []byte{27, 28}, sig[64])
	recovered, err := attestation.Recover(digest, sig, attestation.SchemeEIP191)
	require.NoError(t, err)
	require.Equal(t, h.key.PubKey().Address(), recovered)
}

func TestEligibilityAcceptsStringChainIDAndLowercase(t *testing.T) {
	h := newHarness(t, "20", true, nil, true)
	status, body := postEligibility(t, h, requestBody(strings.ToLower(subject.Hex()), strings.ToLower(loopID.Hex()), "100"))
	require.Equal(t, http.StatusOK, status, body)
	require.EqualValues(t, 6, body["targetPeriod"])
}

func TestEligibilityMissingParametersMakesNoUpstreamCalls(t *testing.T) {
	h := newHarness(t, "20", true, nil, true)

	bodies := []string{
		requestBody("", loopID.Hex(), 100),
		requestBody(subject.Hex(), "", 100),
		requestBody(subject.Hex(), loopID.Hex(), nil),
		`{}`,
		``,
	}
	for _, b := range bodies {
		status, body := postEligibility(t, h, b)
		require.Equal(t, http.StatusBadRequest, status, b)
		require.Equal(t, false, body["success"])
		require.Equal(t, "Missing parameters", body["error"])
	}
	require.Zero(t, h.up.scoreCalls.Load())
	require.Zero(t, h.up.memberCalls.Load())
	require.Zero(t, h.chain.totalCalls())

	status, _ := postEligibility(t, h, `{"userAddress":`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEligibilityDefaultPolicyBoundary(t *testing.T) {
	h := newHarness(t, "15", true, nil, true)
	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusOK, status, body)
	require.EqualValues(t, 6, body["targetPeriod"])

	h = newHarness(t, "14", true, nil, true)
	status, body = postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "score below threshold", body["error"])
}

func TestEligibilityScoreBelowThresholdSkipsPeriodRead(t *testing.T) {
	h := newHarness(t, "0", true, nil, true)

	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "score below threshold", body["error"])
	require.Zero(t, h.up.memberCalls.Load())
	require.Zero(t, h.chain.callCount("getCurrentPeriod"))
	require.Zero(t, h.dialled.Load())
}

func TestEligibilityNotMember(t *testing.T) {
	h := newHarness(t, "30", false, nil, true)
	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "not a member", body["error"])
}

func TestEligibilityUpstreamAndConfigurationFailures(t *testing.T) {
	h := newHarness(t, "30", true, nil, true)
	h.up.scoreStatus.Store(http.StatusBadGateway)
	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "score provider unavailable", body["error"])

	noKey := newHarness(t, "30", true, nil, false)
	status, body = postEligibility(t, noKey, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, false, body["success"])
	require.Zero(t, noKey.up.scoreCalls.Load())

	resp, err := http.Get(noKey.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEligibilityUnsupportedChain(t *testing.T) {
	h := newHarness(t, "30", true, nil, true)
	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 5))
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "unsupported chain 5", body["error"])
}

func TestEligibilityRateLimited(t *testing.T) {
	h := newHarness(t, "0", true, func(cfg *Config) {
		cfg.RateLimit = map[string]RateLimitEntry{routeEligibility: {RequestsPerMinute: 1, Burst: 1}}
	}, true)
	status, _ := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusForbidden, status)
	status, body := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate limit exceeded", body["error"])
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(out), string(raw))
	return resp.StatusCode
}

func TestLoopReadEndpoints(t *testing.T) {
	h := newHarness(t, "20", true, nil, true)
	other := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	h.chain.mu.Lock()
	h.chain.logs = append(h.chain.logs, registerLog(subject, 5), registerLog(other, 5), registerLog(subject, 5))
	h.chain.mu.Unlock()
	base := h.server.URL + "/api/loops/100/" + loopID.Hex()

	var snap periodResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/period", &snap))
	require.EqualValues(t, 5, snap.CurrentPeriod)
	require.EqualValues(t, 6, snap.TargetPeriod)
	require.EqualValues(t, 86400, snap.PeriodLength)
	require.Equal(t, "3", snap.Registrations)
	require.Equal(t, "1000", snap.MaxPayout)
	require.Equal(t, "333", snap.IndividualPayout)
	require.Equal(t, types.LowerHex(tokenID), snap.Token)
	require.Equal(t, int64(snap.FirstPeriodStart+snap.PeriodLength*6), snap.NextPeriodStart)

	var claimer claimerResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/claimers/"+subject.Hex(), &claimer))
	require.True(t, claimer.CanClaim)
	require.False(t, claimer.IsRegisteredForNext)
	require.Equal(t, "claimable", claimer.State)

	var regs registrationsResponse
	require.Equal(t, http.StatusOK, getJSON(t, base+"/registrations", &regs))
	require.EqualValues(t, 5, regs.Period)
	require.Equal(t, []string{types.LowerHex(subject), types.LowerHex(other)}, regs.Users)

	var failure map[string]any
	require.Equal(t, http.StatusBadRequest, getJSON(t, h.server.URL+"/api/loops/abc/"+loopID.Hex()+"/period", &failure))
	require.Equal(t, http.StatusBadRequest, getJSON(t, base+"/claimers/0x12", &failure))
	require.Equal(t, http.StatusBadRequest, getJSON(t, h.server.URL+"/api/loops/7/"+loopID.Hex()+"/period", &failure))

	h.chain.mu.Lock()
	delete(h.chain.outputs, "getCurrentPeriodData")
	h.chain.mu.Unlock()
	require.Equal(t, http.StatusInternalServerError, getJSON(t, base+"/period", &failure))
	require.Equal(t, "contract read failed", failure["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "20", true, nil, true)
	status, _ := postEligibility(t, h, requestBody(subject.Hex(), loopID.Hex(), 100))
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "loop_eligibility_attestations_total")
	require.Contains(t, string(raw), "loop_http_requests_total")
}
