package main

import (
	"fmt"
	"os"

	"github.com/palminsight/palminsight/config"
	"github.com/palminsight/palminsight/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "palminsight",
	Short: "Palm Insight authentication gateway",
	Long: `palminsight signs users in against a GoTrue or OpenID Connect provider.

"serve" runs the HTTP gateway: login, signup, password reset and the
callback that finishes email and OAuth redirects. The "auth" commands run
the same flows from a terminal, keeping their state in a local file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	config.InitFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd, verifierCmd, authCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.GetVersionInfo())
	},
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.InitLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
