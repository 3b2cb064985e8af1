package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aaminly/alova"
)

var (
	sendVerbFlag    string
	sendDataFlag    string
	sendParamFlags  []string
	sendHeaderFlags []string
	sendRepeatFlag  int
	sendTimeoutFlag time.Duration
	sendForceFlag   bool
	sendMetricsFlag bool
)

// NewSendCommand creates the send command
func NewSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <url>",
		Short: "Send one request, optionally several times concurrently",
		Long: `Send a request through an alova instance and print the decoded response.

With --repeat the same method is sent concurrently; identical requests
share a single round trip.

Examples:
  alova send http://localhost:8080/todos -p page=1
  alova send -X POST -d '{"title":"x"}' http://localhost:8080/todos
  alova send -n 5 --metrics http://localhost:8080/slow -p delay=200ms`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}

	cmd.Flags().StringVarP(&sendVerbFlag, "verb", "X", "GET", "Request verb")
	cmd.Flags().StringVarP(&sendDataFlag, "data", "d", "", "Request body (JSON, or sent as text)")
	cmd.Flags().StringArrayVarP(&sendParamFlags, "param", "p", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&sendHeaderFlags, "header", "H", nil, "Header 'Name: value' (repeatable)")
	cmd.Flags().IntVarP(&sendRepeatFlag, "repeat", "n", 1, "Number of concurrent sends")
	cmd.Flags().DurationVar(&sendTimeoutFlag, "timeout", 0, "Request timeout (0 uses the config value)")
	cmd.Flags().BoolVarP(&sendForceFlag, "force", "f", false, "Bypass the response cache")
	cmd.Flags().BoolVar(&sendMetricsFlag, "metrics", false, "Print request metrics afterwards")

	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	successColor := color.New(color.FgGreen, color.Bold)
	errorColor := color.New(color.FgRed, color.Bold)
	infoColor := color.New(color.FgCyan)

	config, err := methodConfig(sendParamFlags, sendHeaderFlags)
	if err != nil {
		return err
	}
	config.Timeout = sendTimeoutFlag
	if sendRepeatFlag < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	registry := prometheus.NewRegistry()
	inst, closeFn, err := newInstance(alova.WithMetricsRegistry(registry))
	if err != nil {
		return err
	}
	defer closeFn()

	var body any
	if sendDataFlag != "" {
		if err := json.Unmarshal([]byte(sendDataFlag), &body); err != nil {
			body = sendDataFlag
		}
	}

	m, err := buildMethod(inst, sendVerbFlag, args[0], body, config)
	if err != nil {
		return err
	}
	infoColor.Fprintf(out, "→ %s %s (key %s)\n", m.Verb(), m.FullURL(), shortKey(m.Key()))

	results := make([]*alova.Result, sendRepeatFlag)
	errs := make([]error, sendRepeatFlag)
	var wg sync.WaitGroup
	for i := 0; i < sendRepeatFlag; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Send(cmd.Context(), sendForceFlag)
		}(i)
	}
	wg.Wait()

	failed := 0
	for i := range results {
		if errs[i] != nil {
			failed++
			errorColor.Fprintf(out, "✗ [%d] %v\n", i, errs[i])
			continue
		}
		source := "network"
		if results[i].FromCache {
			source = "cache"
		}
		successColor.Fprintf(out, "✓ [%d] %s\n", i, source)
		if i == 0 || sendRepeatFlag == 1 {
			if err := printJSON(out, results[i].Data); err != nil {
				return err
			}
		}
	}

	if sendMetricsFlag {
		if err := printMetrics(out, registry); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sends failed", failed, sendRepeatFlag)
	}
	return nil
}

func methodConfig(params, headers []string) (alova.MethodConfig, error) {
	var config alova.MethodConfig
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return config, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		if config.Params == nil {
			config.Params = map[string]any{}
		}
		config.Params[k] = v
	}
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return config, fmt.Errorf("invalid --header %q, expected 'Name: value'", h)
		}
		if config.Headers == nil {
			config.Headers = map[string]string{}
		}
		config.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return config, nil
}

func buildMethod(inst *alova.Instance, verb, url string, body any, config alova.MethodConfig) (*alova.Method, error) {
	switch alova.Verb(strings.ToUpper(verb)) {
	case alova.VerbGet:
		return inst.Get(url, config), nil
	case alova.VerbHead:
		return inst.Head(url, config), nil
	case alova.VerbOptions:
		return inst.Options(url, config), nil
	case alova.VerbPost:
		return inst.Post(url, body, config), nil
	case alova.VerbPut:
		return inst.Put(url, body, config), nil
	case alova.VerbPatch:
		return inst.Patch(url, body, config), nil
	case alova.VerbDelete:
		return inst.Delete(url, body, config), nil
	default:
		return nil, fmt.Errorf("unsupported verb %q", verb)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// printMetrics writes every alova_* sample in the registry, one per line.
func printMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var lines []string
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "alova_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value float64
			switch {
			case metric.GetCounter() != nil:
				value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				value = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				value = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			lines = append(lines, fmt.Sprintf("  %s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)

	color.New(color.FgYellow).Fprintln(w, "metrics:")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
