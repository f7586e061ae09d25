// Command enetcat opens ENet connections from the command line. It can
// listen and print what peers send, or connect and send lines read from
// standard input.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	enet "github.com/opd-ai/go-enet"
	"github.com/opd-ai/go-enet/internal/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalOptions struct {
	configPath string
	debug      bool
}

// loadConfig returns the configuration file named by --config, or the
// defaults when none was given.
func (o *globalOptions) loadConfig() (enet.Config, error) {
	if o.configPath == "" {
		return enet.DefaultConfig(), nil
	}
	return enet.LoadConfig(o.configPath)
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "enetcat",
		Short: "Send and receive ENet packets",
		Long: `enetcat is a small ENet client and server.

  enetcat listen --addr :7777 --echo
  enetcat connect localhost:7777`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				os.Setenv("ENET_LOG_LEVEL", "debug")
				logger.ResetConfig()
				logger.SetGlobalLevel(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		listenCmd(opts),
		connectCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "enetcat %s (%s)\n", version, commit)
		},
	}
}
