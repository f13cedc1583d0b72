// Package app provides the application context for nest-ctl.
//
// This package manages application-wide dependencies using the functional
// options pattern, enabling easy testing through dependency injection.
//
// # App Context
//
// The App struct holds the effective configuration, the base logger and a
// lazily opened hypervisor client:
//
//	type App struct {
//	    Config *config.Config // Merged configuration
//	    Logger *slog.Logger   // Base structured logger
//	}
//
// # Creating an App
//
// Use New with functional options:
//
//	// Production usage
//	a := app.New(app.WithConfig(cfg))
//
//	// Testing with an in-memory hypervisor
//	a := app.New(
//	    app.WithConfig(cfg),
//	    app.WithClient(hypervisor.NewMockClient()),
//	)
//
// # Available Options
//
//	WithConfig(cfg)       // Effective configuration
//	WithClient(client)    // Ready hypervisor client
//	WithConnector(fn)     // Custom connection function
//	WithLogger(logger)    // Base logger
//
// # Wiring
//
// Coordinator assembles a provision.Coordinator from the configuration:
// the port plan, poll options, image source and the nestpr0 profile limits.
package app
