package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Chat-platform bridge for opencode",
		Long:          "bridge connects QQ and Telegram conversations to an opencode backend, one session per conversation.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: CONFIG_PATH env or ./config.toml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bridge %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}
