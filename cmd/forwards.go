package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/forward"
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/network"
	"github.com/firefly-engineering/nest-ctl/internal/tui"
)

var forwardsCmd = &cobra.Command{
	Use:   "forwards",
	Short: "List the port forwards on the listen address",
	Args:  cobra.NoArgs,
	RunE:  runForwards,
}

func init() {
	addListenFlags(forwardsCmd.Flags())
	addHypervisorFlags(forwardsCmd.Flags())
	rootCmd.AddCommand(forwardsCmd)
}

func runForwards(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	listen, err := resolveListen(ctx, cfg)
	if err != nil {
		return err
	}
	client, err := currentApp(cfg).Client(ctx)
	if err != nil {
		return err
	}

	rules, err := forward.NewAllocator(client, network.BridgeName, listen.String()).Rules(ctx)
	if errors.Is(err, hypervisor.ErrNotFound) {
		logInfo("No forward table on %s yet", listen)
		return nil
	}
	if err != nil {
		return errors.InfrastructureError("list forwards", err)
	}

	if len(rules) == 0 {
		logInfo("No forwards on %s", listen)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), tui.ForwardsTable(rules))
	return nil
}
