// Package reporter implements a generic periodic publisher: it resolves
// a target URI, fetches a payload from a producer, sends it through a
// transport, and invokes a failure hook on any non-success outcome.
package reporter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport sends one payload to uri. A non-nil error is treated as a
// tick failure and triggers the Reporter's OnFailure hook.
type Transport[P any] interface {
	Send(ctx context.Context, uri string, payload P) error
}

// Config parameterises a Reporter over payload type P.
type Config[P any] struct {
	// Name is a diagnostic label used in log lines.
	Name string
	// ResolveURI returns the current target URI; called before every send
	// so the endpoint can move between ticks.
	ResolveURI func(ctx context.Context) (string, error)
	// Hold is the delay before the first send.
	Hold time.Duration
	// Interval is the delay between the end of one tick and the start of
	// the next. Reporters never double up ticks and never back-pressure.
	Interval time.Duration
	// Fetch produces the payload for one tick.
	Fetch func() (P, error)
	// OnFailure is invoked once per tick that fails to resolve, fetch
	// (rare — fetch failures are logged and treated as a failure too),
	// or send successfully. A tick cut short by Stop does not count.
	OnFailure func()
	Transport  Transport[P]
	Logger     *zap.Logger
}

// Reporter runs Config's tick loop on a dedicated goroutine until Stop is
// called. A single Reporter instance is strictly sequential: a new tick
// never starts before the previous one has fully completed.
type Reporter[P any] struct {
	cfg Config[P]

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a Reporter. It does not start the worker; call Start.
func New[P any](cfg Config[P]) *Reporter[P] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reporter[P]{cfg: cfg}
}

// Start launches the worker goroutine. Idempotent: calling Start more than
// once on the same Reporter has no additional effect.
func (r *Reporter[P]) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.run(ctx)
	})
}

// Stop signals cancellation and waits for the worker to exit. Safe to call
// even if Start was never called.
func (r *Reporter[P]) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reporter[P]) run(ctx context.Context) {
	defer close(r.done)

	logger := r.cfg.Logger.With(zap.String("reporter", r.cfg.Name))

	if r.cfg.Hold > 0 {
		select {
		case <-time.After(r.cfg.Hold):
		case <-ctx.Done():
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		r.tick(ctx, logger)

		select {
		case <-time.After(r.cfg.Interval):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter[P]) tick(ctx context.Context, logger *zap.Logger) {
	uri, err := r.cfg.ResolveURI(ctx)
	if err != nil {
		logger.Warn("resolve uri failed", zap.Error(err))
		r.fail(ctx)
		return
	}

	payload, err := r.cfg.Fetch()
	if err != nil {
		logger.Warn("fetch payload failed", zap.Error(err))
		r.fail(ctx)
		return
	}

	if err := r.cfg.Transport.Send(ctx, uri, payload); err != nil {
		logger.Warn("send failed", zap.String("uri", uri), zap.Error(err))
		r.fail(ctx)
		return
	}

	logger.Debug("tick ok", zap.String("uri", uri))
}

func (r *Reporter[P]) fail(ctx context.Context) {
	if ctx.Err() != nil {
		// cancelled by Stop, not a delivery failure
		return
	}
	if r.cfg.OnFailure != nil {
		r.cfg.OnFailure()
	}
}
