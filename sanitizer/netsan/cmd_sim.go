package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/unixpickle/netsan/fabric"
	"github.com/unixpickle/netsan/observability"
	"github.com/unixpickle/netsan/procgroup"
	"github.com/unixpickle/netsan/sanitizer"
	"go.uber.org/zap"
)

var (
	simRanks        int
	simRanksPerHost int
	simRate         float64
	simLatency      float64
	simNetwork      string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a benchmark over a simulated cluster",
	Long: "Run every rank of a benchmark in this process, over a simulated network\n" +
		"with one NIC per host. Reported times are simulated seconds.",
	Args: cobra.NoArgs,
	RunE: runSim,
}

func init() {
	simCmd.Flags().IntVar(&simRanks, "ranks", 8, "Number of ranks")
	simCmd.Flags().IntVar(&simRanksPerHost, "ranks-per-host", 1, "Ranks sharing each simulated host")
	simCmd.Flags().Float64Var(&simRate, "rate", 1.25e9, "Port rate of each host in bytes per second")
	simCmd.Flags().Float64Var(&simLatency, "latency", 1e-6, "One-way latency in seconds")
	simCmd.Flags().StringVar(&simNetwork, "network", "switched",
		"Network model: switched (shared switch ports), jitter (random latency) or serial (per-host queues)")
	addBenchFlags(simCmd.Flags())
}

func runSim(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}
	if simRanks < 1 || simRanksPerHost < 1 {
		return fmt.Errorf("rank counts must be positive")
	}
	log, err := observability.NewLogger(logLevel, -1)
	if err != nil {
		return err
	}
	defer log.Sync()

	numHosts := (simRanks + simRanksPerHost - 1) / simRanksPerHost
	hosts, network, err := buildNetwork(simNetwork, numHosts, simRate, simLatency)
	if err != nil {
		return err
	}
	rankHosts := make([]*fabric.Host, simRanks)
	for i := range rankHosts {
		rankHosts[i] = hosts[i/simRanksPerHost]
	}
	log.Info("simulating cluster", zap.Int("ranks", simRanks), zap.Int("hosts", numHosts),
		zap.String("network", simNetwork), zap.Float64("rate", simRate), zap.Float64("latency", simLatency))

	metrics := observability.NewMetrics()
	stopMetrics := startMetrics(metrics, log)
	defer stopMetrics()

	shutdownTracer, err := observability.InitTracer(observability.TraceConfig{
		Enabled:  traceEnabled,
		Endpoint: traceEndpoint,
		Service:  "netsan-sim",
		RunID:    "sim",
		Rank:     -1,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("flush spans", zap.Error(err))
		}
	}()

	loop := fabric.NewEventLoop()
	err = procgroup.RunSim(loop, network, rankHosts, func(c *procgroup.Comm) error {
		b, err := sanitizer.NewBenchmarkContext(c, opts, log.With(zap.Int("rank", c.Rank())))
		if err != nil {
			return err
		}
		b.Metrics = metrics
		return sanitizer.NewDriver(b).Run(context.Background())
	})
	if err != nil {
		if sanitizer.IsConfigError(err) {
			return err
		}
		return fmt.Errorf("simulation failed: %w", err)
	}
	log.Info("simulation finished", zap.Float64("virtual_time", loop.Time()))
	return nil
}

// buildNetwork creates numHosts hosts joined by the named
// network model.
func buildNetwork(kind string, numHosts int, rate, latency float64) ([]*fabric.Host, fabric.Network, error) {
	hosts, switched := fabric.NewCluster(numHosts, rate, latency)
	switch kind {
	case "switched":
		return hosts, switched, nil
	case "jitter":
		return hosts, fabric.JitterNetwork{MaxLatency: latency}, nil
	case "serial":
		return hosts, fabric.NewSerialNetwork(rate, latency), nil
	}
	return nil, nil, &sanitizer.ConfigError{Msg: fmt.Sprintf("unknown network model %q", kind)}
}
