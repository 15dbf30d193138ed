// Package tokengate admits members to token-gated channels by asking an
// external ownership oracle. Every ambiguous outcome is a denial.
package tokengate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relay-access/internal/apperr"
	"relay-access/internal/metrics"
)

var tracer trace.Tracer = otel.Tracer("relay-access/tokengate")

// Oracle answers whether a wallet holds a token. Implementations may be
// network-bound and slow; Gate bounds every call.
type Oracle interface {
	VerifyOwnership(ctx context.Context, walletAddress, tokenAddress string) (bool, error)
}

// Config is the gating state of one channel.
type Config struct {
	Gated        bool
	TokenAddress string
}

type Gate struct {
	oracle  Oracle
	timeout time.Duration
}

func NewGate(oracle Oracle, timeout time.Duration) *Gate {
	return &Gate{oracle: oracle, timeout: timeout}
}

// Check returns nil when cfg is not gated or the oracle confirms ownership,
// and an error wrapping apperr.ErrAccessDenied otherwise.
func (g *Gate) Check(ctx context.Context, cfg Config, walletAddress string) error {
	if !cfg.Gated {
		return nil
	}

	ctx, span := tracer.Start(ctx, "tokengate.Check")
	defer span.End()
	span.SetAttributes(attribute.String("token.address", cfg.TokenAddress))

	err := g.check(ctx, cfg, strings.TrimSpace(walletAddress))
	metrics.ObserveGateCheck(err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Gate) check(ctx context.Context, cfg Config, wallet string) error {
	if g == nil || g.oracle == nil {
		return fmt.Errorf("no ownership oracle configured: %w", apperr.ErrAccessDenied)
	}
	if wallet == "" {
		return fmt.Errorf("wallet address required: %w", apperr.ErrAccessDenied)
	}
	if cfg.TokenAddress == "" {
		return fmt.Errorf("channel has no token address: %w", apperr.ErrAccessDenied)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type answer struct {
		owns bool
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		owns, err := g.oracle.VerifyOwnership(ctx, wallet, cfg.TokenAddress)
		done <- answer{owns, err}
	}()

	// An oracle that ignores ctx still cannot hold the caller past the deadline.
	select {
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{"wallet": wallet, "token": cfg.TokenAddress}).
			Warn("Token ownership check timed out")
		return fmt.Errorf("ownership check: %v: %w", ctx.Err(), apperr.ErrAccessDenied)
	case a := <-done:
		if a.err != nil {
			logrus.WithError(a.err).WithField("wallet", wallet).Warn("Token ownership check failed")
			return fmt.Errorf("ownership check: %v: %w", a.err, apperr.ErrAccessDenied)
		}
		if !a.owns {
			return fmt.Errorf("wallet %s does not hold %s: %w", wallet, cfg.TokenAddress, apperr.ErrAccessDenied)
		}
		return nil
	}
}
