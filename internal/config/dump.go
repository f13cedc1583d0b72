package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors Config in the config file layout. Durations are kept
// as strings so the file stays readable.
type fileConfig struct {
	ListenMode     string  `toml:"listen-mode"`
	ListenAddress  string  `toml:"listen-address,omitempty"`
	SSHPortStart   int     `toml:"ssh-port-start"`
	WebPortStart   int     `toml:"web-port-start"`
	Image          string  `toml:"image"`
	ImageServer    string  `toml:"image-server"`
	OutputDir      string  `toml:"output-dir"`
	KeyFiles       bool    `toml:"key-files"`
	Package        bool    `toml:"package"`
	PackageFormat  string  `toml:"package-format"`
	Parallelism    int     `toml:"parallelism"`
	PollInterval   string  `toml:"poll-interval"`
	PollAttempts   int     `toml:"poll-attempts"`
	ForwardRetries int     `toml:"forward-retries"`
	FailFast       bool    `toml:"fail-fast"`
	LXDSocket      string  `toml:"lxd-socket,omitempty"`
	LXDProject     string  `toml:"lxd-project,omitempty"`
	APIRate        float64 `toml:"api-rate"`
	LimitsCPU      string  `toml:"limits-cpu"`
	LimitsMemory   string  `toml:"limits-memory"`
	RootSize       string  `toml:"root-size"`
	StoragePool    string  `toml:"storage-pool"`
}

// WriteTOML writes c in the config file format, so a run can be repeated
// with --config.
func (c *Config) WriteTOML(w io.Writer) error {
	f := fileConfig{
		ListenMode:     c.ListenMode,
		ListenAddress:  c.ListenAddress,
		SSHPortStart:   c.SSHPortStart,
		WebPortStart:   c.WebPortStart,
		Image:          c.Image,
		ImageServer:    c.ImageServer,
		OutputDir:      c.OutputDir,
		KeyFiles:       c.KeyFiles,
		Package:        c.Package,
		PackageFormat:  c.PackageFormat,
		Parallelism:    c.Parallelism,
		PollInterval:   c.PollInterval.String(),
		PollAttempts:   c.PollAttempts,
		ForwardRetries: c.ForwardRetries,
		FailFast:       c.FailFast,
		LXDSocket:      c.LXDSocket,
		LXDProject:     c.LXDProject,
		APIRate:        c.APIRate,
		LimitsCPU:      c.LimitsCPU,
		LimitsMemory:   c.LimitsMemory,
		RootSize:       c.RootSize,
		StoragePool:    c.StoragePool,
	}
	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
