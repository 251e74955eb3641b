package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/unixpickle/netsan/observability"
	"github.com/unixpickle/netsan/procgroup"
	"github.com/unixpickle/netsan/sanitizer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	runAddrs   string
	runRank    int
	runToken   string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one rank of a benchmark over TCP",
	Long: "Run one rank of a benchmark. Every process of the run must be given\n" +
		"the same --addrs list and options, and a distinct --rank.",
	Args: cobra.NoArgs,
	RunE: runBenchRank,
}

func init() {
	runCmd.Flags().StringVar(&runAddrs, "addrs", "", "Comma separated listen addresses of every rank, in rank order")
	runCmd.Flags().IntVar(&runRank, "rank", -1, "Index of this process in --addrs")
	runCmd.Flags().StringVar(&runToken, "token", "", "Secret shared by the processes of one run")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", time.Minute, "How long to wait for the other ranks")
	addBenchFlags(runCmd.Flags())
}

func runBenchRank(cmd *cobra.Command, args []string) (err error) {
	opts, err := resolveOptions(cmd)
	if err != nil {
		return err
	}
	addrs := splitList(runAddrs)
	if len(addrs) == 0 {
		return fmt.Errorf("--addrs is required")
	}

	log, err := observability.NewLogger(logLevel, runRank)
	if err != nil {
		return err
	}
	defer log.Sync()

	comm, err := procgroup.DialTCP(procgroup.TCPConfig{
		Addrs:   addrs,
		Rank:    runRank,
		Token:   runToken,
		Timeout: runTimeout,
		Log:     log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			// Peers see the dropped connections and abort.
			err = multierr.Append(err, comm.Close())
		} else {
			err = comm.Finalize()
		}
	}()

	b, err := sanitizer.NewBenchmarkContext(comm, opts, log)
	if err != nil {
		return err
	}
	b.Metrics = observability.NewMetrics()
	stopMetrics := startMetrics(b.Metrics, b.Log)
	defer stopMetrics()

	flush, err := startTracing(b)
	if err != nil {
		return err
	}
	defer flush()

	if err := sanitizer.NewDriver(b).Run(context.Background()); err != nil {
		b.Log.Error("benchmark failed", zap.Error(err))
		return err
	}
	return nil
}
