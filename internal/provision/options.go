package provision

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firefly-engineering/nest-ctl/internal/credential"
	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/infra"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/port"
)

// Settings are the run parameters taken from configuration.
type Settings struct {
	ListenMode    network.ListenMode
	ListenAddress string

	Image hypervisor.ImageSource
	Ports port.Plan
	Poll  health.PollOptions

	ForwardRetries int
	Parallelism    int
	FailFast       bool
}

// Resolver picks the listen address.
type Resolver interface {
	Resolve(ctx context.Context, mode network.ListenMode, explicit string) (netip.Addr, error)
}

// Finalizer persists the manifest of a finished run.
type Finalizer interface {
	Finalize(ctx context.Context, m *manifest.Manifest) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, m *manifest.Manifest) error

// Finalize calls f(ctx, m).
func (f FinalizerFunc) Finalize(ctx context.Context, m *manifest.Manifest) error {
	return f(ctx, m)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBootstrapper replaces the default infrastructure bootstrapper.
func WithBootstrapper(b *infra.Bootstrapper) Option {
	return func(c *Coordinator) {
		c.bootstrapper = b
	}
}

// WithIssuer replaces the RSA key generator.
func WithIssuer(i credential.Issuer) Option {
	return func(c *Coordinator) {
		c.issuer = i
	}
}

// WithResolver replaces the listen address resolver.
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) {
		c.resolver = r
	}
}

// WithObserver sets the transition observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithFinalizer sets the finalizer invoked once at the end of the run.
func WithFinalizer(f Finalizer) Option {
	return func(c *Coordinator) {
		c.finalizer = f
	}
}

// WithLogger sets the base logger; the run ID is added to it.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithForwardBackOff sets the wait policy between forward table retries.
func WithForwardBackOff(f func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		c.forwardBackOff = f
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}
