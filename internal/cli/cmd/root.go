package cmd

import (
	"fmt"
	"os"

	"github.com/berrythewa/meshplay/internal/config"
	"github.com/spf13/cobra"
)

// skipSetup marks commands that run without loading the config or logger
const skipSetup = "skip-setup"

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshplay",
		Short: "Synchronized playback over a local peer mesh",
		Long: `meshplay keeps media playback in step across nearby devices:
  • Host a room or join one by its code
  • Peers relay messages so the room does not need a full mesh
  • Clocks are synchronized against the room host
  • Playback drift is corrected by seeking or nudging the speed`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}

			loaded, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := SetupLogger(loaded)
			if err != nil {
				return err
			}

			cfg = loaded
			zapLogger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if zapLogger != nil {
				_ = zapLogger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $MESHPLAY_CONFIG_DIR/config.yaml)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "only log warnings and errors")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newHostCmd(),
		newJoinCmd(),
		newLibraryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree and exits non-zero on failure
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
