package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

var (
	verbose    bool
	jsonOutput bool
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "nest-ctl",
	Short: "Per-participant LXD lab provisioner",
	Long: `nest-ctl provisions one isolated LXD container per participant of a
training roster.

Each participant gets:
  - A container named Nest-<first two letters>-<last name>
  - A sudo user with a freshly generated SSH key
  - An SSH port and a web port forwarded from the listen address

The shared bridge network (nestbr0), its forward table and the participant
profile (nestpr0) are created on first use and reused afterwards.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose, jsonOutput, os.Stderr)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default ./nest.toml or ~/.config/nest-ctl/nest.toml)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Helper aliases for user-facing output (delegates to logging package)
var (
	logInfo    = logging.UserInfo
	logSuccess = logging.UserSuccess
	logWarning = logging.UserWarning
)
