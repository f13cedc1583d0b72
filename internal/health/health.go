package health

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

const (
	// DefaultPollInterval is the wait between state queries.
	DefaultPollInterval = time.Second

	// DefaultPollAttempts bounds the number of state queries.
	DefaultPollAttempts = 60
)

// PollOptions controls WaitForAddress.
type PollOptions struct {
	Interface   string
	Family      string
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollOptions waits up to a minute for an IPv4 address on eth0.
func DefaultPollOptions() PollOptions {
	return PollOptions{
		Interface:   "eth0",
		Family:      "inet",
		Interval:    DefaultPollInterval,
		MaxAttempts: DefaultPollAttempts,
	}
}

func (o PollOptions) withDefaults() PollOptions {
	d := DefaultPollOptions()
	if o.Interface == "" {
		o.Interface = d.Interface
	}
	if o.Family == "" {
		o.Family = d.Family
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	return o
}

var errNoAddress = fmt.Errorf("no address reported yet")

// WaitForAddress polls the instance state until the interface reports an
// address of the requested family. It gives up with an AddressTimeout after
// MaxAttempts queries; query errors count as attempts.
func WaitForAddress(ctx context.Context, client hypervisor.InstanceStater, name string, opts PollOptions) (netip.Addr, error) {
	opts = opts.withDefaults()

	var (
		addr     netip.Addr
		attempts int
		lastErr  error
	)

	operation := func() error {
		attempts++
		state, err := client.InstanceState(ctx, name)
		if err != nil {
			lastErr = err
			logging.Debug("instance state query failed", "container", name, "attempt", attempts, "error", err)
			return err
		}
		a, ok := FindAddress(state, opts.Interface, opts.Family)
		if !ok {
			lastErr = nil
			return errNoAddress
		}
		addr = a
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		if ctx.Err() != nil {
			return netip.Addr{}, errors.Canceled(ctx.Err())
		}
		return netip.Addr{}, errors.AddressTimeout(name, attempts, lastErr)
	}

	logging.Debug("instance address resolved", "container", name, "address", addr, "attempts", attempts)
	return addr, nil
}

// FindAddress returns the first address of family on iface whose scope is
// not link-local.
func FindAddress(state *hypervisor.InstanceState, iface, family string) (netip.Addr, bool) {
	if state == nil {
		return netip.Addr{}, false
	}
	for _, a := range state.Interfaces[iface] {
		if a.Family != family || a.Scope == "link" {
			continue
		}
		addr, err := netip.ParseAddr(a.Address)
		if err != nil {
			continue
		}
		if family == "inet" && !addr.Is4() {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// FormatDuration renders d compactly for status output.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, mins)
}
