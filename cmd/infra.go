package cmd

import (
	"github.com/spf13/cobra"

	"github.com/firefly-engineering/nest-ctl/internal/infra"
)

var infraCmd = &cobra.Command{
	Use:   "infra",
	Short: "Create the shared network, forward table and profile",
	Long: `Infra runs only the bootstrap step of a provisioning run: it makes sure
the bridge network, its forward table on the listen address and the
participant profile exist. Existing resources are reused, never modified.`,
	Args: cobra.NoArgs,
	RunE: runInfra,
}

func init() {
	addListenFlags(infraCmd.Flags())
	addHypervisorFlags(infraCmd.Flags())
	addProfileFlags(infraCmd.Flags())
	rootCmd.AddCommand(infraCmd)
}

func runInfra(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	listen, err := resolveListen(ctx, cfg)
	if err != nil {
		return err
	}

	b, err := currentApp(cfg).Bootstrapper(ctx)
	if err != nil {
		return err
	}
	report, err := b.Bootstrap(ctx, listen.String())
	if err != nil {
		return err
	}

	for _, h := range []infra.Handle{report.Network, report.ForwardTable, report.Profile} {
		logSuccess("%s", h)
	}
	return nil
}
