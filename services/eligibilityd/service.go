package eligibilityd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"loop/core/attestation"
	"loop/core/eligibility"
	"loop/core/period"
	"loop/crypto"
	"loop/integrations/passport"
	"loop/integrations/subgraph"
	"loop/storage/paramcache"
)

// Dependencies overrides collaborators, mainly for tests. Zero values select
// the production implementations.
type Dependencies struct {
	Dial       DialFunc
	HTTPClient *http.Client
	Cache      period.DetailsCache
	Logger     *slog.Logger
}

// Service is a fully wired eligibilityd instance.
type Service struct {
	Handler http.Handler
	Signer  *attestation.Signer
	chains  *Chains
	closers []func() error
}

// Build wires configuration into a ready-to-serve handler. key may be nil.
func Build(ctx context.Context, cfg Config, key *crypto.PrivateKey, deps Dependencies) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{}

	scheme, err := attestation.ParseScheme(cfg.SignatureScheme)
	if err != nil {
		return nil, err
	}
	signer, err := attestation.NewSigner(key, scheme)
	if err != nil {
		return nil, err
	}
	svc.Signer = signer
	if key == nil {
		logger.Warn("no signing key configured; eligibility requests will fail")
	}

	chains := NewChains(cfg.Chains, deps.Dial)
	svc.chains = chains

	var scoreOpts []passport.Option
	memberOpts := []subgraph.Option{subgraph.WithLogger(logger)}
	if deps.HTTPClient != nil {
		scoreOpts = append(scoreOpts, passport.WithHTTPClient(deps.HTTPClient))
		memberOpts = append(memberOpts, subgraph.WithHTTPClient(deps.HTTPClient))
	}
	scores, err := passport.NewClient(passport.Config{
		BaseURL:  cfg.Passport.BaseURL,
		ScorerID: cfg.Passport.ScorerID,
		APIKey:   cfg.Passport.ResolveAPIKey(),
		Timeout:  cfg.UpstreamTimeout.Duration,
	}, scoreOpts...)
	if err != nil {
		return nil, err
	}
	members := subgraph.NewClient(subgraph.Config{
		Endpoints:       chains.SubgraphEndpoints(),
		DefaultEndpoint: cfg.Subgraph.DefaultEndpoint,
		Timeout:         cfg.UpstreamTimeout.Duration,
	}, memberOpts...)

	evaluator, err := eligibility.NewEvaluator(cfg.Policy.policy(), scores, chains,
		eligibility.WithMembershipOracle(members),
		eligibility.WithSigner(signer),
		eligibility.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build evaluator: %w", err)
	}

	cache := deps.Cache
	if cache == nil {
		client, err := paramcache.Dial(ctx, paramcache.Config{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout.Duration,
			ReadTimeout:  cfg.Redis.ReadTimeout.Duration,
			WriteTimeout: cfg.Redis.WriteTimeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("dial redis: %w", err)
		}
		if client != nil {
			svc.closers = append(svc.closers, client.Close)
			cache = paramcache.New(client)
			logger.Info("shared loop-details cache enabled")
		}
	}
	clockOpts := []period.ClockOption{period.WithClockLogger(logger)}
	if cache != nil {
		clockOpts = append(clockOpts, period.WithCache(cache))
	}
	clock := period.NewClock(chains, clockOpts...)

	issuer := NewIssuer(evaluator, clock, signer, logger)
	svc.Handler = NewServer(ServerConfig{RateLimits: cfg.RateLimit, CORS: cfg.CORS}, issuer, clock, chains, logger)

	policy := evaluator.Policy()
	attrs := []any{
		slog.String("mode", string(policy.Mode)),
		slog.Float64("threshold", policy.Threshold),
		slog.String("comparison", string(policy.Comparison)),
		slog.String("scheme", string(signer.Scheme())),
		slog.String("signer", signer.Address().Hex()),
		slog.Int("chains", chains.Len()),
	}
	logger.Info("eligibilityd configured", append(attrs, cfg.credentialAttrs()...)...)
	return svc, nil
}

// Close releases chain backends and the cache connection.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	if s.chains != nil {
		s.chains.Close()
	}
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
