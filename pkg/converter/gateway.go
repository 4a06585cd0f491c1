// Package converter sends documents to a conversion backend and applies
// the probe-based retry policy that separates broken documents from
// converter outages.
package converter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Backend performs one conversion attempt.
type Backend interface {
	Name() string
	// Convert writes src converted to format at dest.
	Convert(ctx context.Context, src, dest, format string) error
	// Probe checks backend health.
	Probe(ctx context.Context) error
}

// Config configures a Gateway.
type Config struct {
	// Timeout is the hard limit of one conversion attempt. The attempt is
	// cancelled when it expires.
	// Default: 30s
	Timeout time.Duration

	// ProbeAttempts bounds health probes after a failed attempt.
	// Default: 5
	ProbeAttempts int

	// ProbeDelay separates consecutive probes.
	// Default: 2s
	ProbeDelay time.Duration

	// ProbeTimeout bounds one probe.
	// Default: 10s
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		ProbeAttempts: 5,
		ProbeDelay:    2 * time.Second,
		ProbeTimeout:  10 * time.Second,
	}
}

// Result describes the outcome of Gateway.Convert.
type Result struct {
	// OK is true when dest holds the converted document.
	OK bool

	// Tries is the number of conversion attempts made (1 or 2).
	Tries int

	// Dest is the output path.
	Dest string

	// Outage is true when the backend never recovered: the failure says
	// nothing about the document.
	Outage bool

	// Elapsed covers attempts and probes.
	Elapsed time.Duration

	// Err is the failure, nil when OK.
	Err error
}

// Gateway wraps a Backend with the retry policy:
//
//   - the first probe succeeds: the document is at fault; no retry
//   - a later probe succeeds: the backend had a transient fault; retry once
//   - no probe succeeds: outage-class failure
//
// Gateway is safe for concurrent use when the Backend is.
type Gateway struct {
	backend Backend
	cfg     Config
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway. log may be nil.
func NewGateway(b Backend, cfg Config, log *zap.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.ProbeDelay < 0 {
		cfg.ProbeDelay = def.ProbeDelay
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		backend: b,
		cfg:     cfg,
		log:     log.With(zap.String("backend", b.Name())),
		sleep:   sleepContext,
	}
}

// Backend returns the wrapped backend.
func (g *Gateway) Backend() Backend {
	return g.backend
}

// Healthy probes the backend once.
func (g *Gateway) Healthy(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()
	return g.backend.Probe(pctx)
}

// Convert converts src to format at dest.
func (g *Gateway) Convert(ctx context.Context, src, dest, format string) Result {
	start := time.Now()
	res := Result{Dest: dest, Tries: 1}
	finish := func() Result {
		res.Elapsed = time.Since(start)
		res.OK = res.Err == nil
		return res
	}

	res.Err = g.attempt(ctx, src, dest, format)
	if res.Err == nil || ctx.Err() != nil {
		return finish()
	}

	recoveredAt := g.probe(ctx)
	switch {
	case ctx.Err() != nil:
		return finish()
	case recoveredAt == 0:
		res.Outage = true
		res.Err = fmt.Errorf("%w after %d probes: %w", ErrOutage, g.cfg.ProbeAttempts, res.Err)
		g.log.Error("Converter outage",
			zap.String("file", src),
			zap.String("failure_class", "outage"),
			zap.Error(res.Err))
	case recoveredAt == 1 && !IsInterrupted(res.Err):
		// Healthy right away: the document itself failed.
	default:
		g.log.Info("Converter recovered, retrying",
			zap.String("file", src),
			zap.Int("probe", recoveredAt))
		res.Tries = 2
		res.Err = g.attempt(ctx, src, dest, format)
		if res.Err == nil {
			g.log.Warn("Conversion passed after retry",
				zap.String("file", src),
				zap.Int("tries", res.Tries))
		}
	}
	return finish()
}

func (g *Gateway) attempt(ctx context.Context, src, dest, format string) error {
	actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	err := g.backend.Convert(actx, src, dest, format)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, g.cfg.Timeout, err)
	}
	return err
}

// probe returns the 1-based index of the first healthy probe, or 0.
func (g *Gateway) probe(ctx context.Context) int {
	for i := 1; i <= g.cfg.ProbeAttempts; i++ {
		pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
		err := g.backend.Probe(pctx)
		cancel()
		if err == nil {
			return i
		}
		g.log.Debug("Converter probe failed", zap.Int("probe", i), zap.Error(err))
		if i < g.cfg.ProbeAttempts {
			if err := g.sleep(ctx, g.cfg.ProbeDelay); err != nil {
				return 0
			}
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
