package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aaminly/alova"
	"github.com/Aaminly/alova/internal/batch"
)

var (
	batchBaseURLFlag string
	batchMetricsFlag bool
)

// NewBatchCommand creates the batch command
func NewBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <plan.yaml>",
		Short: "Run a YAML request plan",
		Long: `Run every request of a plan file. Requests of the same stage run
concurrently and stages run in ascending order, so a later stage observes
the cache and invalidation effects of earlier ones.

Example plan:
  baseURL: http://localhost:8080
  requests:
    - name: todos
      url: /todos
      cache: 5m
      repeat: 3
    - name: create
      verb: POST
      url: /todos
      body: {title: x}
      hitSource: [todos]
      stage: 1`,
		Args: cobra.ExactArgs(1),
		RunE: runBatch,
	}

	cmd.Flags().StringVar(&batchBaseURLFlag, "base-url", "", "Override the plan's baseURL")
	cmd.Flags().BoolVar(&batchMetricsFlag, "metrics", false, "Print request metrics afterwards")

	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	successColor := color.New(color.FgGreen, color.Bold)
	errorColor := color.New(color.FgRed, color.Bold)
	infoColor := color.New(color.FgCyan)

	plan, err := batch.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	registry := prometheus.NewRegistry()
	options := []alova.Option{alova.WithMetricsRegistry(registry)}
	switch {
	case batchBaseURLFlag != "":
		options = append(options, alova.WithBaseURL(batchBaseURLFlag))
	case plan.BaseURL != "":
		options = append(options, alova.WithBaseURL(plan.BaseURL))
	}

	inst, closeFn, err := newInstance(options...)
	if err != nil {
		return err
	}
	defer closeFn()

	outcomes := batch.Run(cmd.Context(), inst, plan)

	failed := 0
	stage := -1
	for i, o := range outcomes {
		if i == 0 || o.Stage != stage {
			stage = o.Stage
			infoColor.Fprintf(out, "stage %d\n", stage)
		}
		if o.Err != nil {
			failed++
			errorColor.Fprintf(out, "  ✗ %s #%d %v\n", o.Name, o.Attempt, o.Err)
			continue
		}
		source := "network"
		if o.FromCache {
			source = "cache"
		}
		successColor.Fprintf(out, "  ✓ %s #%d %s %s\n", o.Name, o.Attempt, source, o.Duration.Round(time.Millisecond))
	}

	if batchMetricsFlag {
		if err := printMetrics(out, registry); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(outcomes))
	}
	return nil
}
