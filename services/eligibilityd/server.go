package eligibilityd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loop/core/claimstate"
	"loop/core/eligibility"
	looperrors "loop/core/errors"
	"loop/core/period"
	"loop/core/types"
	"loop/gateway/middleware"
	"loop/observability"
)

const (
	routeEligibility   = "eligibility"
	routeLoops         = "loops"
	maxRequestBodySize = 16 << 10
)

// LoopState exposes the contract views served by the read-only endpoints.
type LoopState interface {
	ClaimerStatus(ctx context.Context, chainID uint64, loop, claimer common.Address) (types.ClaimerState, error)
	PeriodData(ctx context.Context, chainID uint64, loop common.Address) (types.PeriodData, error)
	IndividualPayout(ctx context.Context, chainID uint64, loop common.Address, period uint64) (*big.Int, error)
	RegisteredUsers(ctx context.Context, chainID uint64, loop common.Address, period uint64) ([]common.Address, error)
}

// ServerConfig carries the HTTP-facing settings.
type ServerConfig struct {
	RateLimits map[string]RateLimitEntry
	CORS       CORSConfig
}

// Server is the HTTP surface of eligibilityd.
type Server struct {
	issuer   *Issuer
	clock    *period.Clock
	state    LoopState
	logger   *slog.Logger
	registry *prometheus.Registry
	router   chi.Router
}

// NewServer assembles the router and middleware chain.
func NewServer(cfg ServerConfig, issuer *Issuer, clock *period.Clock, state LoopState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		issuer:   issuer,
		clock:    clock,
		state:    state,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, entry := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: entry.Burst}
	}
	limiter := middleware.NewRateLimiter(limits, logger)
	limiter.OnReject(observability.Eligibility().RecordThrottle)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "eligibilityd",
		LogRequests: true,
		Enabled:     true,
	}, s.registry, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, s.registry}, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.With(limiter.Middleware(routeEligibility), obs.Middleware(routeEligibility)).
			Post("/eligibility", s.handleEligibility)
		api.Route("/loops/{chainId}/{loop}", func(lr chi.Router) {
			lr.Use(limiter.Middleware(routeLoops), obs.Middleware(routeLoops))
			lr.Get("/period", s.handlePeriod)
			lr.Get("/claimers/{address}", s.handleClaimer)
			lr.Get("/registrations", s.handleRegistrations)
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// chainID accepts a JSON number or a decimal/hex string.
type chainID uint64

func (c *chainID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*c = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := parseChainID(raw)
	if err != nil {
		return err
	}
	*c = chainID(parsed)
	return nil
}

func parseChainID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return strconv.ParseUint(raw[2:], 16, 64)
	}
	return strconv.ParseUint(raw, 10, 64)
}

type eligibilityRequest struct {
	UserAddress string  `json:"userAddress"`
	LoopAddress string  `json:"loopAddress"`
	ChainID     chainID `json:"chainId"`
}

type eligibilityResponse struct {
	Success      bool   `json:"success"`
	Signature    string `json:"signature"`
	Message      string `json:"message"`
	TargetPeriod uint64 `json:"targetPeriod"`
	Digest       string `json:"digest"`
	Signer       string `json:"signer"`
	Scheme       string `json:"scheme"`
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	var body eligibilityRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, looperrors.Wrap(looperrors.KindValidation, "invalid request body", err))
		return
	}
	req, err := eligibility.ParseRequest(body.UserAddress, body.LoopAddress, uint64(body.ChainID))
	if err != nil {
		writeError(w, err)
		return
	}
	att, _, err := s.issuer.Issue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibilityResponse{
		Success:      true,
		Signature:    att.SignatureHex(),
		Message:      att.MessageHex(),
		TargetPeriod: att.TargetPeriod,
		Digest:       att.Digest.Hex(),
		Signer:       att.Signer.Hex(),
		Scheme:       string(att.Scheme),
	})
}

type periodResponse struct {
	Success          bool   `json:"success"`
	ChainID          uint64 `json:"chainId"`
	Loop             string `json:"loop"`
	Token            string `json:"token"`
	PeriodLength     uint64 `json:"periodLength"`
	PercentPerPeriod uint64 `json:"percentPerPeriod"`
	FirstPeriodStart uint64 `json:"firstPeriodStart"`
	CurrentPeriod    uint64 `json:"currentPeriod"`
	TargetPeriod     uint64 `json:"targetPeriod"`
	EstimatedPeriod  uint64 `json:"estimatedPeriod"`
	NextPeriodStart  int64  `json:"nextPeriodStart"`
	Registrations    string `json:"registrations"`
	MaxPayout        string `json:"maxPayout"`
	IndividualPayout string `json:"individualPayout"`
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	chain, loop, err := loopParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.clock.Snapshot(r.Context(), chain, loop)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.state.PeriodData(r.Context(), chain, loop)
	if err != nil {
		writeError(w, err)
		return
	}
	payout, err := s.state.IndividualPayout(r.Context(), chain, loop, snap.CurrentPeriod)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, periodResponse{
		Success:          true,
		ChainID:          chain,
		Loop:             types.LowerHex(loop),
		Token:            types.LowerHex(snap.Details.Token),
		PeriodLength:     snap.Details.PeriodLength,
		PercentPerPeriod: snap.Details.PercentPerPeriod,
		FirstPeriodStart: snap.Details.FirstPeriodStart,
		CurrentPeriod:    snap.CurrentPeriod,
		TargetPeriod:     snap.TargetPeriod,
		EstimatedPeriod:  snap.EstimatedPeriod,
		NextPeriodStart:  snap.NextPeriodStart.Unix(),
		Registrations:    bigString(data.Registrations),
		MaxPayout:        bigString(data.MaxPayout),
		IndividualPayout: bigString(payout),
	})
}

type claimerResponse struct {
	Success             bool   `json:"success"`
	Address             string `json:"address"`
	CurrentPeriod       uint64 `json:"currentPeriod"`
	RegisteredForPeriod uint64 `json:"registeredForPeriod"`
	LastClaimPeriod     uint64 `json:"lastClaimPeriod"`
	CanClaim            bool   `json:"canClaim"`
	IsRegisteredForNext bool   `json:"isRegisteredForNext"`
	State               string `json:"state"`
}

func (s *Server) handleClaimer(w http.ResponseWriter, r *http.Request) {
	chain, loop, err := loopParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	claimer, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, looperrors.Wrap(looperrors.KindValidation, "invalid address", err))
		return
	}
	current, err := s.clock.CurrentPeriod(r.Context(), chain, loop)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.state.ClaimerStatus(r.Context(), chain, loop, claimer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimerResponse{
		Success:             true,
		Address:             types.LowerHex(claimer),
		CurrentPeriod:       current,
		RegisteredForPeriod: status.RegisteredForPeriod,
		LastClaimPeriod:     status.LastClaimPeriod,
		CanClaim:            status.CanClaim(current),
		IsRegisteredForNext: status.IsRegisteredForNext(current),
		State:               claimstate.Derive(status, current).String(),
	})
}

type registrationsResponse struct {
	Success bool     `json:"success"`
	Period  uint64   `json:"period"`
	Users   []string `json:"users"`
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	chain, loop, err := loopParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	current, err := s.clock.CurrentPeriod(r.Context(), chain, loop)
	if err != nil {
		writeError(w, err)
		return
	}
	target := current
	if raw := strings.TrimSpace(r.URL.Query().Get("period")); raw != "" {
		target, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, looperrors.Wrap(looperrors.KindValidation, "invalid period", err))
			return
		}
	}
	users, err := s.state.RegisteredUsers(r.Context(), chain, loop, target)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, 0, len(users))
	for _, user := range users {
		out = append(out, types.LowerHex(user))
	}
	writeJSON(w, http.StatusOK, registrationsResponse{Success: true, Period: target, Users: out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.issuer.Ready(); err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": looperrors.ReasonOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func loopParams(r *http.Request) (uint64, common.Address, error) {
	chain, err := parseChainID(chi.URLParam(r, "chainId"))
	if err != nil || chain == 0 {
		return 0, common.Address{}, looperrors.Validation("invalid chainId")
	}
	loop, err := types.ParseAddress(chi.URLParam(r, "loop"))
	if err != nil {
		return 0, common.Address{}, looperrors.Wrap(looperrors.KindValidation, "invalid loop address", err)
	}
	return chain, loop, nil
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind looperrors.Kind) int {
	switch kind {
	case looperrors.KindValidation:
		return http.StatusBadRequest
	case looperrors.KindPolicyDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders {success:false,error}. Only the typed reason reaches the
// client; wrapped causes stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	kind := looperrors.KindOf(err)
	reason := looperrors.ReasonOf(err)
	if reason == "" || kind == looperrors.KindUnknown {
		reason = "internal error"
	}
	writeJSON(w, statusFor(kind), map[string]any{"success": false, "error": reason})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", slog.Any("error", fmt.Errorf("eligibilityd: %w", err)))
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
