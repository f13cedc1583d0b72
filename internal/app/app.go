// Package app provides the application context for nest-ctl.
// It allows dependency injection for testing.
package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/firefly-engineering/nest-ctl/internal/config"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/infra"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
)

// Connector opens a hypervisor client.
type Connector func(ctx context.Context, opts hypervisor.LXDOptions) (hypervisor.Client, error)

// ConnectLXD is the production Connector.
func ConnectLXD(ctx context.Context, opts hypervisor.LXDOptions) (hypervisor.Client, error) {
	return hypervisor.ConnectLXD(ctx, opts)
}

// App holds the application dependencies
type App struct {
	// Config is the effective configuration
	Config *config.Config

	// Logger is the base structured logger
	Logger *slog.Logger

	connect Connector

	mu     sync.Mutex
	client hypervisor.Client
}

// Option is a function that configures the App
type Option func(*App)

// WithConfig sets the configuration
func WithConfig(cfg *config.Config) Option {
	return func(a *App) {
		a.Config = cfg
	}
}

// WithClient sets a ready hypervisor client; no connection is attempted.
func WithClient(c hypervisor.Client) Option {
	return func(a *App) {
		a.client = c
	}
}

// WithConnector replaces the LXD connector
func WithConnector(c Connector) Option {
	return func(a *App) {
		a.connect = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.Logger = l
	}
}

// New creates a new App with the given options.
// The hypervisor connection is opened lazily by Client.
func New(opts ...Option) *App {
	app := &App{
		Config:  config.Default(),
		connect: ConnectLXD,
	}

	for _, opt := range opts {
		opt(app)
	}

	if app.Logger == nil {
		app.Logger = logging.Logger
	}
	return app
}

// Client returns the hypervisor client, connecting on first use.
func (a *App) Client(ctx context.Context) (hypervisor.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	c, err := a.connect(ctx, a.Config.LXDOptions())
	if err != nil {
		return nil, errors.ConnectionError(err)
	}
	logging.Debug("connected to hypervisor", "backend", c.Name())
	a.client = c
	return c, nil
}

// Bootstrapper returns the infrastructure bootstrapper for the configured
// profile limits.
func (a *App) Bootstrapper(ctx context.Context) (*infra.Bootstrapper, error) {
	client, err := a.Client(ctx)
	if err != nil {
		return nil, err
	}
	return infra.New(client,
		infra.WithLogger(a.Logger),
		infra.WithProfile(network.ProfileSpec(a.Config.ProfileLimits())),
	), nil
}

// Settings converts the configuration into coordinator settings.
func (a *App) Settings() provision.Settings {
	cfg := a.Config
	return provision.Settings{
		ListenMode:     cfg.Mode(),
		ListenAddress:  cfg.ListenAddress,
		Image:          cfg.ImageSource(),
		Ports:          cfg.PortPlan(),
		Poll:           cfg.PollOptions(),
		ForwardRetries: cfg.ForwardRetries,
		Parallelism:    cfg.Parallelism,
		FailFast:       cfg.FailFast,
	}
}

// Coordinator builds a provisioning coordinator wired to the app's client,
// bootstrapper and logger. opts are applied last.
func (a *App) Coordinator(ctx context.Context, opts ...provision.Option) (*provision.Coordinator, error) {
	client, err := a.Client(ctx)
	if err != nil {
		return nil, err
	}
	b, err := a.Bootstrapper(ctx)
	if err != nil {
		return nil, err
	}
	base := []provision.Option{
		provision.WithBootstrapper(b),
		provision.WithLogger(a.Logger),
	}
	return provision.New(client, a.Settings(), append(base, opts...)...), nil
}

// Default is the default application instance
var Default = New()

// SetDefault sets the default application instance (used for testing)
func SetDefault(app *App) {
	Default = app
}

// ResetDefault resets to the default application instance
func ResetDefault() {
	Default = New()
}
