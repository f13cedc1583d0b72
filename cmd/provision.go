package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/nest-ctl/internal/app"
	"github.com/firefly-engineering/nest-ctl/internal/archive"
	"github.com/firefly-engineering/nest-ctl/internal/audit"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
	"github.com/firefly-engineering/nest-ctl/internal/ssh"
	"github.com/firefly-engineering/nest-ctl/internal/tui"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <roster.csv>",
	Short: "Create one container per participant and write the access list",
	Long: `Provision reads a roster with the columns First_Name, Last_Name and
E_Mail and creates one container per participant.

Participant n (counting from 0) is reachable on ssh-port-start+n and
web-port-start+n of the listen address. The access list nested_list.csv
(container, ports, user, e-mail and base64 private key) is written to
output/nest_<unix time>/, together with failures.csv when participants
failed and run.toml with the effective configuration.

Exit status 3 means some participants could not be provisioned.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

var provisionProgress bool

func init() {
	addProvisionFlags(provisionCmd.Flags())
	provisionCmd.Flags().BoolVar(&provisionProgress, "progress", true, "Show live progress when attached to a terminal")
	rootCmd.AddCommand(provisionCmd)
}

// runOptions controls how a provisioning run is presented.
type runOptions struct {
	out       io.Writer
	progress  bool
	interrupt func()

	// coordinator options applied after the app's own.
	coordinator []provision.Option
}

// runReport is what a finished run leaves behind.
type runReport struct {
	Result  *provision.Result
	RunDir  *manifest.RunDir
	Archive string

	// KeyFiles is set when keys/<container>.pem were written.
	KeyFiles bool
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	participants, err := roster.Load(args[0])
	if err != nil {
		return err
	}
	logging.Debug("roster loaded", "path", args[0], "participants", len(participants))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := provisionRun(ctx, currentApp(cfg), participants, runOptions{
		out:       cmd.OutOrStdout(),
		progress:  provisionProgress && !jsonOutput && tui.Interactive(),
		interrupt: stop,
	})
	if report == nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), report)
	if err != nil {
		return err
	}
	if n := len(report.Result.Failures); n > 0 {
		return errors.PartialFailure(n, len(participants))
	}
	return nil
}

// provisionRun creates the run directory and runs the coordinator with the
// audit journal and the manifest writer attached. A nil report means the
// run aborted before any participant was attempted.
func provisionRun(ctx context.Context, a *app.App, participants []roster.Participant, opts runOptions) (*runReport, error) {
	cfg := a.Config
	format := archive.Tar
	if cfg.Package {
		f, err := archive.ParseFormat(cfg.PackageFormat)
		if err != nil {
			return nil, errors.ConfigError("invalid package format", err)
		}
		format = f
	}

	runDir, err := manifest.NewRunDir(cfg.OutputDir, time.Now())
	if err != nil {
		return nil, err
	}
	journal, err := audit.NewLogger(runDir.Path)
	if err != nil {
		return nil, errors.OutputError("open event journal", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logging.Warn("event journal incomplete", "path", journal.Path(), "error", err)
		}
	}()

	writer := &manifest.Writer{
		Dir:      runDir,
		KeyFiles: cfg.KeyFiles,
		Package:  cfg.Package,
		Format:   format,
		Config:   cfg,
	}

	run := func(obs provision.Observer) (*provision.Result, error) {
		coordOpts := append([]provision.Option{
			provision.WithObserver(provision.Observers(journal, obs)),
			provision.WithFinalizer(writer),
		}, opts.coordinator...)
		c, err := a.Coordinator(ctx, coordOpts...)
		if err != nil {
			return nil, err
		}
		return c.Run(ctx, participants)
	}

	var result *provision.Result
	if opts.progress {
		result, err = tui.RunProgress(opts.out, participants, opts.interrupt, run)
	} else {
		result, err = run(nil)
	}
	if result == nil {
		logging.Debug("run aborted", "run_dir", runDir.Path, "error", err)
		return nil, err
	}
	return &runReport{Result: result, RunDir: runDir, Archive: writer.ArchivePath, KeyFiles: cfg.KeyFiles}, err
}

func printSummary(out io.Writer, r *runReport) {
	m := r.Result.Manifest

	if r.Result.Canceled {
		logWarning("Run canceled: participants not yet started were skipped")
	}
	logSuccess("Provisioned %d of %s on %s in %s", len(m.Records), plural(m.Total, "participant"),
		r.Result.ListenAddress, health.FormatDuration(m.FinishedAt.Sub(m.StartedAt)))

	if len(m.Records) > 0 {
		fmt.Fprintln(out, tui.RecordsTable(m.Records))
	}
	if len(m.Failures) > 0 {
		logWarning("%s failed", plural(len(m.Failures), "participant"))
		fmt.Fprintln(out, tui.FailuresTable(m.Failures))
	}

	logInfo("Access list: %s", filepath.Join(r.RunDir.Path, manifest.ListFile))
	logInfo("Event journal: %s", filepath.Join(r.RunDir.Path, audit.FileName))

	if r.KeyFiles && len(m.Records) > 0 {
		rec := m.Records[0]
		keyPath, err := manifest.KeyPath(filepath.Join(r.RunDir.Path, manifest.KeysDir), rec.ContainerName)
		if err == nil {
			logInfo("Connect: %s", ssh.DefaultOptions(r.Result.ListenAddress, rec.SSHPort, rec.User).WithIdentity(keyPath).Command())
		}
	}

	if r.Archive != "" {
		path, err := filepath.Abs(r.Archive)
		if err != nil {
			path = r.Archive
		}
		logInfo("Package: %s", path)
		logInfo("Fetch it with: %s", ssh.SCPCommand(ssh.OperatorUser(), r.Result.ListenAddress, path, "."))
	}
}
