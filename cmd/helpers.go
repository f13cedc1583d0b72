package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/pflag"

	"github.com/firefly-engineering/nest-ctl/internal/app"
	"github.com/firefly-engineering/nest-ctl/internal/archive"
	"github.com/firefly-engineering/nest-ctl/internal/config"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/port"
)

// addListenFlags registers the listen address selection flags.
func addListenFlags(f *pflag.FlagSet) {
	f.String("listen-mode", string(network.ListenLocal), "Listen address mode: explicit, external or local")
	f.StringP("listen-address", "l", "", "Listen address (implies --listen-mode explicit)")
	f.BoolP("external", "e", false, "Use the external address reported by checkip (implies --listen-mode external)")
}

// addHypervisorFlags registers the LXD connection flags.
func addHypervisorFlags(f *pflag.FlagSet) {
	f.String("lxd-socket", "", "LXD unix socket (default: snap socket, then $LXD_DIR)")
	f.String("lxd-project", "", "LXD project")
	f.Float64("api-rate", 0, "Maximum LXD API requests per second (0 = unlimited)")
}

// addProfileFlags registers the participant profile limits.
func addProfileFlags(f *pflag.FlagSet) {
	limits := network.DefaultProfileLimits()
	f.String("limits-cpu", limits.CPU, "CPU limit per container")
	f.String("limits-memory", limits.Memory, "Memory limit per container")
	f.String("root-size", limits.RootSize, "Root disk size per container")
	f.String("storage-pool", limits.StoragePool, "Storage pool for root disks")
}

// addProvisionFlags registers every flag of the provision command. The
// short flags follow the original nest script.
func addProvisionFlags(f *pflag.FlagSet) {
	poll := health.DefaultPollOptions()
	formats := make([]string, 0, len(archive.Formats()))
	for _, format := range archive.Formats() {
		formats = append(formats, string(format))
	}

	f.BoolP("key-files", "o", false, "Also write one PEM key file per participant")
	f.BoolP("package", "p", false, "Package the run directory into a single archive")
	f.StringP("package-format", "f", string(archive.Tar), "Archive format: "+strings.Join(formats, ", "))
	f.IntP("ssh-port-start", "s", port.DefaultSSHStart, "First forwarded SSH port")
	f.IntP("web-port-start", "w", port.DefaultWebStart, "First forwarded web port")
	f.StringP("image", "u", config.DefaultImage, "Ubuntu release alias")
	f.String("image-server", config.DefaultImageServer, "Simplestreams image server")
	f.String("output-dir", config.DefaultOutputDir, "Directory for run output")
	f.IntP("parallel", "j", 1, "Participants provisioned at the same time")
	f.Bool("fail-fast", false, "Stop starting participants after the first failure")
	f.Duration("poll-interval", poll.Interval, "Interval between address polls")
	f.Int("poll-attempts", poll.MaxAttempts, "Address polls before giving up on a container")
	f.Int("forward-retries", 8, "Retries of a forward table write after a concurrent change")
	addListenFlags(f)
	addHypervisorFlags(f)
	addProfileFlags(f)
}

// loadConfig merges the config file, NEST_* environment and the flags in
// f, then validates the result.
func loadConfig(f *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configFile, f)
	if err != nil {
		return nil, errors.ConfigError("failed to load configuration", err)
	}
	applyListenFlags(f, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigError("invalid configuration", err)
	}
	if cfg.ListenAddress != "" && cfg.Mode() != network.ListenExplicit {
		logging.Warn("listen-address ignored", "address", cfg.ListenAddress, "listen_mode", cfg.ListenMode)
	}
	return cfg, nil
}

// applyListenFlags maps the -e and -l shorthands onto the listen mode
// unless --listen-mode was given explicitly.
func applyListenFlags(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("listen-mode") {
		return
	}
	if external, err := f.GetBool("external"); err == nil && external {
		cfg.ListenMode = string(network.ListenExternal)
		return
	}
	if f.Changed("listen-address") {
		cfg.ListenMode = string(network.ListenExplicit)
	}
}

// currentApp installs cfg on the default application.
func currentApp(cfg *config.Config) *app.App {
	app.Default.Config = cfg
	return app.Default
}

// resolveListen picks the listen address for cfg.
func resolveListen(ctx context.Context, cfg *config.Config) (netip.Addr, error) {
	addr, err := network.NewResolver().Resolve(ctx, cfg.Mode(), cfg.ListenAddress)
	if err != nil {
		return netip.Addr{}, errors.InfrastructureError("listen address resolution", err)
	}
	return addr, nil
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
