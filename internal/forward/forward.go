// Package forward registers port forwards in the shared forward table.
//
// The table for a (network, listen address) pair can only be replaced as a
// whole. Allocator reads it together with its ETag, appends the new rules
// and writes it back conditioned on that ETag. When another writer got
// there first the write is rejected and the cycle starts again from a fresh
// read, so a concurrent writer's rules are never overwritten.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

// DefaultMaxRetries is the number of rewrites attempted after a lost race.
const DefaultMaxRetries = 8

// Allocator adds rules to one forward table.
type Allocator struct {
	client        hypervisor.ForwardTables
	network       string
	listenAddress string
	maxRetries    int
	newBackOff    func() backoff.BackOff
	logger        *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxRetries sets how many times a rejected write is retried.
func WithMaxRetries(n int) Option {
	return func(a *Allocator) {
		if n >= 0 {
			a.maxRetries = n
		}
	}
}

// WithBackOff sets the wait policy between retries. f is called once per
// Allocate call.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(a *Allocator) {
		a.newBackOff = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = l
	}
}

// NewAllocator returns an Allocator for the table of network at listenAddress.
func NewAllocator(client hypervisor.ForwardTables, network, listenAddress string, opts ...Option) *Allocator {
	a := &Allocator{
		client:        client,
		network:       network,
		listenAddress: listenAddress,
		maxRetries:    DefaultMaxRetries,
		newBackOff:    defaultBackOff,
		logger:        logging.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Available reports a ForwardConflict for the first of ports that a rule
// in the table already claims. It is a read-only check; AllocateAll still
// decides under the conditioned write.
func (a *Allocator) Available(ctx context.Context, ports ...int) error {
	table, _, err := a.client.GetForwardTable(ctx, a.network, a.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to read forward table %s on %s: %w", a.listenAddress, a.network, err)
	}
	for _, port := range ports {
		if table.HasListenPort(port) {
			return errors.ForwardConflict(a.listenAddress, port)
		}
	}
	return nil
}

// Allocate adds one rule to the table.
func (a *Allocator) Allocate(ctx context.Context, rule hypervisor.ForwardRule) error {
	return a.AllocateAll(ctx, rule)
}

// AllocateAll adds rules to the table in a single conditional write. It
// fails with ForwardConflict if any listen port is already registered and
// with ForwardStale when every retry lost a race to another writer.
func (a *Allocator) AllocateAll(ctx context.Context, rules ...hypervisor.ForwardRule) error {
	if len(rules) == 0 {
		return nil
	}
	rules = append([]hypervisor.ForwardRule(nil), rules...)
	for i := range rules {
		if rules[i].Protocol == "" {
			rules[i].Protocol = "tcp"
		}
	}

	attempts := 0
	operation := func() error {
		attempts++

		table, etag, err := a.client.GetForwardTable(ctx, a.network, a.listenAddress)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read forward table %s on %s: %w", a.listenAddress, a.network, err))
		}

		next := table.Clone()
		for _, r := range rules {
			if next.HasListenPort(r.ListenPort) {
				a.logger.Error("listen port already forwarded",
					"listen", a.listenAddress, "port", r.ListenPort, "target", r.TargetAddress)
				return backoff.Permanent(errors.ForwardConflict(a.listenAddress, r.ListenPort))
			}
			next.Rules = append(next.Rules, r)
		}

		err = a.client.ReplaceForwardTable(ctx, next, etag)
		if err == nil {
			return nil
		}
		if errors.Is(err, hypervisor.ErrPreconditionFailed) {
			a.logger.Debug("forward table changed underneath, retrying",
				"listen", a.listenAddress, "port", rules[0].ListenPort, "attempt", attempts)
			return err
		}
		return backoff.Permanent(fmt.Errorf("failed to write forward table %s on %s: %w", a.listenAddress, a.network, err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), uint64(a.maxRetries)), ctx)
	err := backoff.Retry(operation, b)
	switch {
	case err == nil:
		a.logger.Debug("forward rules registered", "listen", a.listenAddress, "rules", len(rules), "attempts", attempts)
		return nil
	case errors.Is(err, hypervisor.ErrPreconditionFailed):
		return errors.ForwardStale(a.listenAddress, rules[0].ListenPort, attempts, err)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return errors.Canceled(err)
	default:
		return err
	}
}

// Rules returns the rules currently in the table.
func (a *Allocator) Rules(ctx context.Context) ([]hypervisor.ForwardRule, error) {
	table, _, err := a.client.GetForwardTable(ctx, a.network, a.listenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to read forward table %s on %s: %w", a.listenAddress, a.network, err)
	}
	return table.Rules, nil
}
