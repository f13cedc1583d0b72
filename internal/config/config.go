package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/firefly-engineering/nest-ctl/internal/archive"
	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/port"
)

const (
	// EnvPrefix prefixes every environment override, e.g. NEST_SSH_PORT_START.
	EnvPrefix = "NEST"

	// FileName is the config file looked up when none is given.
	FileName = "nest"

	DefaultImage       = "focal"
	DefaultImageServer = "https://cloud-images.ubuntu.com/releases"
	DefaultOutputDir   = "output"
)

// Config is the effective configuration of one run.
type Config struct {
	ListenMode    string `mapstructure:"listen-mode"`
	ListenAddress string `mapstructure:"listen-address"`

	SSHPortStart int `mapstructure:"ssh-port-start"`
	WebPortStart int `mapstructure:"web-port-start"`

	Image       string `mapstructure:"image"`
	ImageServer string `mapstructure:"image-server"`

	OutputDir     string `mapstructure:"output-dir"`
	KeyFiles      bool   `mapstructure:"key-files"`
	Package       bool   `mapstructure:"package"`
	PackageFormat string `mapstructure:"package-format"`

	Parallelism    int           `mapstructure:"parallelism"`
	PollInterval   time.Duration `mapstructure:"poll-interval"`
	PollAttempts   int           `mapstructure:"poll-attempts"`
	ForwardRetries int           `mapstructure:"forward-retries"`
	FailFast       bool          `mapstructure:"fail-fast"`

	LXDSocket  string  `mapstructure:"lxd-socket"`
	LXDProject string  `mapstructure:"lxd-project"`
	APIRate    float64 `mapstructure:"api-rate"`

	LimitsCPU    string `mapstructure:"limits-cpu"`
	LimitsMemory string `mapstructure:"limits-memory"`
	RootSize     string `mapstructure:"root-size"`
	StoragePool  string `mapstructure:"storage-pool"`
}

// Keys lists every configuration key.
var Keys = []string{
	"listen-mode", "listen-address",
	"ssh-port-start", "web-port-start",
	"image", "image-server",
	"output-dir", "key-files", "package", "package-format",
	"parallelism", "poll-interval", "poll-attempts", "forward-retries", "fail-fast",
	"lxd-socket", "lxd-project", "api-rate",
	"limits-cpu", "limits-memory", "root-size", "storage-pool",
}

// flagNames maps keys to CLI flags whose name differs from the key.
var flagNames = map[string]string{
	"parallelism": "parallel",
}

func setDefaults(v *viper.Viper) {
	limits := network.DefaultProfileLimits()
	poll := health.DefaultPollOptions()

	v.SetDefault("listen-mode", string(network.ListenLocal))
	v.SetDefault("listen-address", "")
	v.SetDefault("ssh-port-start", port.DefaultSSHStart)
	v.SetDefault("web-port-start", port.DefaultWebStart)
	v.SetDefault("image", DefaultImage)
	v.SetDefault("image-server", DefaultImageServer)
	v.SetDefault("output-dir", DefaultOutputDir)
	v.SetDefault("key-files", false)
	v.SetDefault("package", false)
	v.SetDefault("package-format", string(archive.Tar))
	v.SetDefault("parallelism", 1)
	v.SetDefault("poll-interval", poll.Interval)
	v.SetDefault("poll-attempts", poll.MaxAttempts)
	v.SetDefault("forward-retries", 8)
	v.SetDefault("fail-fast", false)
	v.SetDefault("lxd-socket", "")
	v.SetDefault("lxd-project", "")
	v.SetDefault("api-rate", 0)
	v.SetDefault("limits-cpu", limits.CPU)
	v.SetDefault("limits-memory", limits.Memory)
	v.SetDefault("root-size", limits.RootSize)
	v.SetDefault("storage-pool", limits.StoragePool)
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg) //nolint:errcheck // defaults always decode
	return cfg
}

// Load merges defaults, the TOML config file, NEST_* environment variables
// and the flags in fs, in increasing order of precedence. A listen-address
// from any source selects explicit mode unless listen-mode is set too. An empty path
// looks for nest.toml in the working directory and ~/.config/nest-ctl;
// a missing default file is not an error.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/nest-ctl")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, key := range Keys {
			name := key
			if alias, ok := flagNames[key]; ok {
				name = alias
			}
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.ListenAddress != "" && !modeGiven(v, fs) {
		cfg.ListenMode = string(network.ListenExplicit)
	}
	return cfg, nil
}

// modeGiven reports whether listen-mode was set by the config file, the
// environment or a flag, as opposed to its default.
func modeGiven(v *viper.Viper, fs *pflag.FlagSet) bool {
	if v.InConfig("listen-mode") {
		return true
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_LISTEN_MODE"); ok {
		return true
	}
	if fs != nil {
		if f := fs.Lookup("listen-mode"); f != nil && f.Changed {
			return true
		}
	}
	return false
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	mode, err := network.ParseListenMode(c.ListenMode)
	if err != nil {
		return err
	}
	if mode == network.ListenExplicit {
		if c.ListenAddress == "" {
			return fmt.Errorf("listen-address is required in explicit listen mode")
		}
		if _, err := netip.ParseAddr(c.ListenAddress); err != nil {
			return fmt.Errorf("listen-address %q is not an IP address", c.ListenAddress)
		}
	}

	if err := c.PortPlan().Validate(1); err != nil {
		return err
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output-dir is required")
	}
	if c.Package {
		if _, err := archive.ParseFormat(c.PackageFormat); err != nil {
			return err
		}
	}

	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1 (got %d)", c.Parallelism)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive (got %s)", c.PollInterval)
	}
	if c.PollAttempts < 1 {
		return fmt.Errorf("poll-attempts must be at least 1 (got %d)", c.PollAttempts)
	}
	if c.ForwardRetries < 0 {
		return fmt.Errorf("forward-retries cannot be negative (got %d)", c.ForwardRetries)
	}
	if c.APIRate < 0 {
		return fmt.Errorf("api-rate cannot be negative (got %g)", c.APIRate)
	}
	return nil
}

// Mode returns the parsed listen mode. Call Validate first.
func (c *Config) Mode() network.ListenMode {
	return network.ListenMode(c.ListenMode)
}

// PortPlan returns the port assignment for the run.
func (c *Config) PortPlan() port.Plan {
	return port.Plan{SSHStart: c.SSHPortStart, WebStart: c.WebPortStart}
}

// PollOptions returns the address polling bounds.
func (c *Config) PollOptions() health.PollOptions {
	opts := health.DefaultPollOptions()
	opts.Interval = c.PollInterval
	opts.MaxAttempts = c.PollAttempts
	return opts
}

// ProfileLimits returns the resource limits for the participant profile.
func (c *Config) ProfileLimits() network.ProfileLimits {
	limits := network.DefaultProfileLimits()
	limits.CPU = c.LimitsCPU
	limits.Memory = c.LimitsMemory
	limits.RootSize = c.RootSize
	limits.StoragePool = c.StoragePool
	return limits
}

// ImageSource returns the image participant containers boot from.
func (c *Config) ImageSource() hypervisor.ImageSource {
	return hypervisor.ImageSource{
		Alias:    c.Image,
		Server:   c.ImageServer,
		Protocol: "simplestreams",
	}
}

// LXDOptions returns the hypervisor connection settings.
func (c *Config) LXDOptions() hypervisor.LXDOptions {
	return hypervisor.LXDOptions{
		Socket:            c.LXDSocket,
		Project:           c.LXDProject,
		RequestsPerSecond: c.APIRate,
	}
}
