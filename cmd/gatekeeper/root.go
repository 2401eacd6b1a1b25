package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent command line flags.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "API request gatekeeper and dispatcher",
		Long: `gatekeeper admits requests per endpoint (concurrency, content type,
body size, rate) and runs each endpoint synchronously or as a tracked
background task.

Running without a subcommand is the same as "gatekeeper serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"path to configuration file (default $GATEKEEPER_CONFIG_PATH or configs/gatekeeper.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "",
		"log format override (json, console)")

	root.AddCommand(newServeCmd(opts), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	var extended bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gatekeeper %s\n", version)
			if extended {
				fmt.Fprintf(out, "Commit: %s\n", gitCommit)
				fmt.Fprintf(out, "Built: %s\n", buildTime)
				fmt.Fprintf(out, "Go: %s\n", runtime.Version())
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	return cmd
}
