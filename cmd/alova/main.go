// Command alova drives the request library from the shell: single sends,
// YAML batch plans and a local echo server to point them at.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Aaminly/alova"
)

var configPath string

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alova",
		Short: "Request strategy toolkit: caching, sharing and invalidation",
		Long: color.CyanString(`alova - request lifecycle management

Sends requests through an alova instance so that identical in-flight
requests are shared, responses are cached per method key, and successful
writes invalidate dependent cache entries.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./alova.yaml)")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewSendCommand())
	rootCmd.AddCommand(NewBatchCommand())
	rootCmd.AddCommand(NewServeCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), alova.GetVersion())
		},
	}
}

// newInstance builds an instance from the config file plus extra options.
// The returned function releases any storage opened for it.
func newInstance(extra ...alova.Option) (*alova.Instance, func() error, error) {
	cfg, err := alova.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	options, closeFn, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	options = append(options, alova.WithResponded(alova.JSONResponded()))
	options = append(options, extra...)

	inst := alova.New(options...)
	if !inst.IsValid() {
		_ = closeFn()
		return nil, nil, inst.ValidationError()
	}
	return inst, closeFn, nil
}
