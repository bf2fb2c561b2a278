package eligibilityd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loop/core/attestation"
	looperrors "loop/core/errors"
	"loop/core/types"
)

// Client requests attestations from a running eligibilityd. It satisfies
// claimstate.AttestationSource.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets baseURL (scheme and host, no trailing path).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type clientResponse struct {
	eligibilityResponse
	Error string `json:"error"`
}

// RequestAttestation posts to /api/eligibility and decodes the signed
// attestation. Denials come back as PolicyDenied errors carrying the
// service's reason.
func (c *Client) RequestAttestation(ctx context.Context, subject, loop common.Address, chainID uint64) (attestation.Attestation, error) {
	body, err := json.Marshal(map[string]any{
		"userAddress": types.LowerHex(subject),
		"loopAddress": types.LowerHex(loop),
		"chainId":     chainID,
	})
	if err != nil {
		return attestation.Attestation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/eligibility", bytes.NewReader(body))
	if err != nil {
		return attestation.Attestation{}, looperrors.Configuration("invalid eligibility endpoint")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return attestation.Attestation{}, looperrors.Upstream("eligibility service unavailable", err)
	}
	defer resp.Body.Close()

	var decoded clientResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return attestation.Attestation{}, looperrors.Upstream("eligibility service returned malformed body", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK && decoded.Success:
	case resp.StatusCode == http.StatusForbidden:
		return attestation.Attestation{}, looperrors.Denied(decoded.Error)
	case resp.StatusCode == http.StatusBadRequest:
		return attestation.Attestation{}, looperrors.Validation(decoded.Error)
	default:
		return attestation.Attestation{}, looperrors.Upstream("eligibility service failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, decoded.Error))
	}

	sig, err := hexutil.Decode(decoded.Signature)
	if err != nil {
		return attestation.Attestation{}, looperrors.Upstream("eligibility service returned bad signature", err)
	}
	signer, err := types.ParseAddress(decoded.Signer)
	if err != nil {
		return attestation.Attestation{}, looperrors.Upstream("eligibility service returned bad signer", err)
	}
	scheme, err := attestation.ParseScheme(decoded.Scheme)
	if err != nil {
		return attestation.Attestation{}, looperrors.Upstream("eligibility service returned unknown scheme", err)
	}
	return attestation.Attestation{
		Subject:      subject,
		Loop:         loop,
		TargetPeriod: decoded.TargetPeriod,
		Digest:       common.HexToHash(decoded.Digest),
		Signature:    sig,
		Signer:       signer,
		Scheme:       scheme,
	}, nil
}
