// Command netsan benchmarks and sanity-checks the network
// between a set of processes.
//
// Every process of a run executes "netsan run" with the
// same address list and its own rank; "netsan launch"
// starts such a run on the local machine. "netsan sim"
// runs the benchmark over a simulated cluster instead.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unixpickle/netsan/observability"
	"github.com/unixpickle/netsan/sanitizer"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var (
	logLevel string

	benchOpts     = sanitizer.DefaultOptions()
	configPath    string
	metricsAddr   string
	traceEnabled  bool
	traceEndpoint string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "netsan:", err)
		if sanitizer.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "netsan",
	Short:         "Network sanitizer for clusters of processes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, simCmd, launchCmd)
}

// addBenchFlags registers the benchmark options shared by
// every command that runs a benchmark.
func addBenchFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&benchOpts.Servers, "servers", "s", benchOpts.Servers,
		"Number of server ranks (0 runs an all-to-all exchange)")
	fs.IntVarP(&benchOpts.Iterations, "iterations", "n", benchOpts.Iterations, "Iterations per test")
	fs.IntVarP(&benchOpts.Depth, "depth", "f", benchOpts.Depth, "Operations each client keeps in flight")
	fs.IntVar(&benchOpts.ServerDepth, "server-depth", benchOpts.ServerDepth, "Requests each server serves at once")
	fs.IntVarP(&benchOpts.BlockSize, "bsize", "b", benchOpts.BlockSize,
		"Test only this data size (negative sweeps start-size to end-size)")
	fs.IntVar(&benchOpts.StartSize, "start-size", benchOpts.StartSize, "First data size of the sweep")
	fs.IntVar(&benchOpts.EndSize, "end-size", benchOpts.EndSize, "Last data size of the sweep")
	fs.BoolVarP(&benchOpts.Sequential, "sequential", "S", false, "Measure all-to-all pairs one at a time")
	fs.BoolVarP(&benchOpts.Verbose, "verbose", "v", false, "Print one line per process instead of reduced results")
	fs.BoolVarP(&benchOpts.Hostnames, "hostnames", "H", false, "Label verbose lines with host names")
	fs.BoolVar(&benchOpts.LegacyLatency, "legacy-latency", false, "Report latency with the scale of older releases")
	fs.StringVarP(&configPath, "config", "c", "", "YAML file with benchmark options; flags take precedence")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&traceEnabled, "trace", false, "Export OpenTelemetry spans for every test")
	fs.StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP HTTP endpoint (host:port); spans go to stderr if empty")
}

// benchFlagNames lists the flags that map onto
// sanitizer.Options.
var benchFlagNames = []string{
	"servers", "iterations", "depth", "server-depth", "bsize", "start-size", "end-size",
	"sequential", "verbose", "hostnames", "legacy-latency",
}

// resolveOptions applies the config file, if any, beneath
// the flags given on the command line.
func resolveOptions(cmd *cobra.Command) (sanitizer.Options, error) {
	if configPath == "" {
		return benchOpts, nil
	}
	fs := cmd.Flags()
	explicit := map[string]string{}
	for _, name := range benchFlagNames {
		if f := fs.Lookup(name); f != nil && f.Changed {
			explicit[name] = f.Value.String()
		}
	}
	if err := sanitizer.LoadOptions(configPath, &benchOpts); err != nil {
		return benchOpts, err
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return benchOpts, fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return benchOpts, nil
}

// startMetrics serves metrics in the background when an
// address was given. The returned function stops serving.
func startMetrics(metrics *observability.Metrics, log *zap.Logger) func() {
	if metricsAddr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := metrics.Serve(ctx, metricsAddr, log); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return cancel
}

// startTracing installs a tracer provider for the run and
// points b at it. The returned function flushes spans.
func startTracing(b *sanitizer.BenchmarkContext) (func(), error) {
	shutdown, err := observability.InitTracer(observability.TraceConfig{
		Enabled:  traceEnabled,
		Endpoint: traceEndpoint,
		Service:  "netsan",
		RunID:    b.RunID,
		Rank:     b.World.Rank(),
	}, b.Log)
	if err != nil {
		return nil, err
	}
	b.Tracer = otel.Tracer(observability.TracerName)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			b.Log.Warn("flush spans", zap.Error(err))
		}
	}, nil
}

func splitList(s string) []string {
	var res []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			res = append(res, item)
		}
	}
	return res
}
