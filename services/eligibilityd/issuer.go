package eligibilityd

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loop/core/attestation"
	"loop/core/eligibility"
	looperrors "loop/core/errors"
	"loop/core/types"
	"loop/observability"
)

// PeriodSource returns the period an attestation issued now must target.
type PeriodSource interface {
	TargetPeriod(ctx context.Context, chainID uint64, loop common.Address) (uint64, error)
}

// Issuer evaluates a request, resolves the target period and signs the
// attestation. It holds no per-request state.
type Issuer struct {
	evaluator *eligibility.Evaluator
	periods   PeriodSource
	signer    *attestation.Signer
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewIssuer wires the issuance pipeline.
func NewIssuer(evaluator *eligibility.Evaluator, periods PeriodSource, signer *attestation.Signer, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		evaluator: evaluator,
		periods:   periods,
		signer:    signer,
		tracer:    otel.Tracer("eligibilityd"),
		logger:    logger,
	}
}

// Ready reports whether requests can be served at all.
func (i *Issuer) Ready() error {
	return i.evaluator.Ready()
}

// Issue returns a signed attestation for an admitted subject. Denials are
// returned as PolicyDenied errors alongside the decision.
func (i *Issuer) Issue(ctx context.Context, req eligibility.Request) (attestation.Attestation, eligibility.Decision, error) {
	metrics := observability.Eligibility()
	ctx, span := i.tracer.Start(ctx, "eligibility.issue", trace.WithAttributes(
		attribute.String("loop.subject", types.LowerHex(req.Subject)),
		attribute.String("loop.address", types.LowerHex(req.Loop)),
		attribute.Int64("loop.chain_id", int64(req.ChainID)),
	))
	defer span.End()

	fail := func(err error) error {
		metrics.RecordFailure(looperrors.KindOf(err).String())
		span.RecordError(err)
		span.SetStatus(codes.Error, looperrors.ReasonOf(err))
		return err
	}

	start := time.Now()
	decision, err := i.evaluator.Evaluate(ctx, req)
	metrics.ObserveStage("evaluate", time.Since(start))
	if err != nil {
		i.logger.WarnContext(ctx, "eligibility evaluation failed",
			slog.String("subject", types.LowerHex(req.Subject)),
			slog.Uint64("chainId", req.ChainID),
			slog.String("kind", looperrors.KindOf(err).String()),
			slog.Any("error", err),
		)
		return attestation.Attestation{}, eligibility.Decision{}, fail(err)
	}
	metrics.RecordDecision(req.ChainID, decision.Admitted, decision.Reason)
	span.SetAttributes(attribute.Bool("loop.admitted", decision.Admitted))
	if !decision.Admitted {
		return attestation.Attestation{}, decision, decision.Err()
	}

	start = time.Now()
	target, err := i.periods.TargetPeriod(ctx, req.ChainID, req.Loop)
	metrics.ObserveStage("period", time.Since(start))
	if err != nil {
		i.logger.WarnContext(ctx, "target period unavailable",
			slog.String("loop", types.LowerHex(req.Loop)),
			slog.Uint64("chainId", req.ChainID),
			slog.Any("error", err),
		)
		return attestation.Attestation{}, decision, fail(err)
	}

	start = time.Now()
	att, err := i.signer.Sign(decision, req.Loop, target)
	metrics.ObserveStage("sign", time.Since(start))
	if err != nil {
		i.logger.ErrorContext(ctx, "attestation signing failed", slog.Any("error", err))
		return attestation.Attestation{}, decision, fail(err)
	}
	metrics.RecordAttestation(req.ChainID, string(att.Scheme))
	span.SetAttributes(attribute.Int64("loop.target_period", int64(target)))
	i.logger.InfoContext(ctx, "attestation issued",
		slog.String("subject", types.LowerHex(att.Subject)),
		slog.String("loop", types.LowerHex(att.Loop)),
		slog.Uint64("chainId", req.ChainID),
		slog.Uint64("targetPeriod", target),
		slog.String("signer", types.LowerHex(att.Signer)),
	)
	return att, decision, nil
}
