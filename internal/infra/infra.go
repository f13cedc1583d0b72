// Package infra reconciles the shared host resources every participant
// container depends on.
package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/network"
)

// Action describes what Ensure did with a resource.
type Action string

const (
	ActionCreated  Action = "created"
	ActionExisting Action = "existing"
)

// Handle identifies a reconciled resource.
type Handle struct {
	Kind   string
	Name   string
	Action Action
}

func (h Handle) String() string {
	return fmt.Sprintf("%s %s (%s)", h.Kind, h.Name, h.Action)
}

// Report is the outcome of a full bootstrap.
type Report struct {
	Network      Handle
	ForwardTable Handle
	Profile      Handle
}

// Created reports whether any resource was created.
func (r *Report) Created() bool {
	return r.Network.Action == ActionCreated ||
		r.ForwardTable.Action == ActionCreated ||
		r.Profile.Action == ActionCreated
}

// Bootstrapper ensures the bridge network, its forward table and the
// participant profile exist. Every method is safe to call repeatedly.
type Bootstrapper struct {
	client  hypervisor.Client
	network hypervisor.NetworkSpec
	profile hypervisor.ProfileSpec
	logger  *slog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the logger used for reconciliation messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) {
		b.logger = l
	}
}

// WithNetwork overrides the bridge network definition.
func WithNetwork(spec hypervisor.NetworkSpec) Option {
	return func(b *Bootstrapper) {
		b.network = spec
	}
}

// WithProfile overrides the participant profile definition.
func WithProfile(spec hypervisor.ProfileSpec) Option {
	return func(b *Bootstrapper) {
		b.profile = spec
	}
}

// New creates a Bootstrapper using the default nestbr0/nestpr0 definitions.
func New(client hypervisor.Client, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		client:  client,
		network: network.BridgeSpec(),
		profile: network.ProfileSpec(network.DefaultProfileLimits()),
		logger:  logging.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NetworkName returns the name of the managed bridge.
func (b *Bootstrapper) NetworkName() string {
	return b.network.Name
}

// ProfileName returns the name of the managed profile.
func (b *Bootstrapper) ProfileName() string {
	return b.profile.Name
}

// Bootstrap ensures the network, the forward table for listenAddress and
// the profile, in that order. Any failure is an InfrastructureError.
func (b *Bootstrapper) Bootstrap(ctx context.Context, listenAddress string) (*Report, error) {
	netHandle, err := b.EnsureNetwork(ctx)
	if err != nil {
		return nil, err
	}
	tableHandle, err := b.EnsureForwardTable(ctx, listenAddress)
	if err != nil {
		return nil, err
	}
	profHandle, err := b.EnsureProfile(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{Network: netHandle, ForwardTable: tableHandle, Profile: profHandle}, nil
}

// EnsureNetwork creates the bridge network unless one with the same name
// exists. An existing network is left untouched even if its config differs.
func (b *Bootstrapper) EnsureNetwork(ctx context.Context) (Handle, error) {
	h := Handle{Kind: "network", Name: b.network.Name}

	exists, err := b.client.NetworkExists(ctx, b.network.Name)
	if err != nil {
		return h, errors.InfrastructureError("network lookup", err)
	}
	if exists {
		b.logger.Info("network already exists, skipping", "network", b.network.Name)
		h.Action = ActionExisting
		return h, nil
	}

	if err := b.client.CreateNetwork(ctx, b.network); err != nil {
		if errors.Is(err, hypervisor.ErrAlreadyExists) {
			h.Action = ActionExisting
			return h, nil
		}
		return h, errors.InfrastructureError("network create", err)
	}
	b.logger.Info("created network", "network", b.network.Name)
	h.Action = ActionCreated
	return h, nil
}

// EnsureForwardTable creates an empty forward table for listenAddress on the
// bridge unless one exists. An existing table and its rules are reused.
func (b *Bootstrapper) EnsureForwardTable(ctx context.Context, listenAddress string) (Handle, error) {
	h := Handle{Kind: "forward table", Name: fmt.Sprintf("%s@%s", listenAddress, b.network.Name)}

	_, _, err := b.client.GetForwardTable(ctx, b.network.Name, listenAddress)
	switch {
	case err == nil:
		b.logger.Info("forward table already exists, reusing", "network", b.network.Name, "listen", listenAddress)
		h.Action = ActionExisting
		return h, nil
	case !errors.Is(err, hypervisor.ErrNotFound):
		return h, errors.InfrastructureError("forward table lookup", err)
	}

	desc := fmt.Sprintf("Nest forwards on %s", listenAddress)
	if err := b.client.CreateForwardTable(ctx, b.network.Name, listenAddress, desc); err != nil {
		if errors.Is(err, hypervisor.ErrAlreadyExists) {
			h.Action = ActionExisting
			return h, nil
		}
		return h, errors.InfrastructureError("forward table create", err)
	}
	b.logger.Info("created forward table", "network", b.network.Name, "listen", listenAddress)
	h.Action = ActionCreated
	return h, nil
}

// EnsureProfile creates the participant profile unless one with the same
// name exists.
func (b *Bootstrapper) EnsureProfile(ctx context.Context) (Handle, error) {
	h := Handle{Kind: "profile", Name: b.profile.Name}

	exists, err := b.client.ProfileExists(ctx, b.profile.Name)
	if err != nil {
		return h, errors.InfrastructureError("profile lookup", err)
	}
	if exists {
		b.logger.Info("profile already exists, skipping", "profile", b.profile.Name)
		h.Action = ActionExisting
		return h, nil
	}

	if err := b.client.CreateProfile(ctx, b.profile); err != nil {
		if errors.Is(err, hypervisor.ErrAlreadyExists) {
			h.Action = ActionExisting
			return h, nil
		}
		return h, errors.InfrastructureError("profile create", err)
	}
	b.logger.Info("created profile", "profile", b.profile.Name)
	h.Action = ActionCreated
	return h, nil
}
