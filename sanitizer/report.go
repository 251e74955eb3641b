package sanitizer

import (
	"fmt"
	"strings"

	"github.com/unixpickle/netsan/stats"
)

const (
	configHeader  = "Dir size(B)"
	resultsHeader = "   time(s)   bw(MB/s) lat(us)       iops"
	reducedBanner = "                                  SUM" +
		"                                     MIN" +
		"                                      MAX                    "
	verboseHeader = "#             src             dest "
)

func formatConfig(config TestConfig) string {
	return fmt.Sprintf("%3s %7d", config.Direction, config.DataSize)
}

func formatSample(s stats.Sample) string {
	return fmt.Sprintf("%10.1f %10.0f %7.2f %10.0f", s.ExecTime, s.BandwidthMBps, s.LatencyUs, s.IOPS)
}

// derive computes this rank's sample for a test.
func (b *BenchmarkContext) derive(config TestConfig, peers int, execTime float64) stats.Sample {
	scale := stats.Microseconds
	if b.Options.LegacyLatency {
		scale = stats.LegacyLatencyScale
	}
	return stats.Derive(config.DataSize, peers, config.Iterations, execTime, scale)
}

// reportRunHeader prints the parameters of the run.
func (b *BenchmarkContext) reportRunHeader() {
	start, end := b.Options.Sizes()
	sequential := 0
	if b.Options.Sequential {
		sequential = 1
	}
	fmt.Fprintf(b.Out, "#nservers=%d nclients=%d niters=%d nflight=%d sequential=%d ssize=%d, esize=%d\n",
		b.Options.Servers, b.NumClients(), b.Options.Iterations, b.Options.Depth,
		sequential, start, end)
}

// reportReduced prints one row of the reduced table,
// preceded by the table header for the first test of a
// sweep.
func (b *BenchmarkContext) reportReduced(config TestConfig, agg *stats.AggregatedSample) {
	if config.Index == 0 {
		fmt.Fprintln(b.Out, reducedBanner)
		fmt.Fprintln(b.Out, strings.Join([]string{configHeader, resultsHeader, resultsHeader,
			resultsHeader}, " "))
	}
	fields := []string{formatConfig(config)}
	for _, op := range stats.Ops {
		fields = append(fields, formatSample(agg.Get(op)))
	}
	fmt.Fprintln(b.Out, strings.Join(fields, " "))
}

// reportVerboseHeader prints the header of per-process
// lines, once per test, from the first client.
func (b *BenchmarkContext) reportVerboseHeader(config TestConfig) {
	if config.Warmup || b.Clients == nil || b.Clients.Rank() != 0 {
		return
	}
	fmt.Fprintln(b.Out, verboseHeader+configHeader+" "+resultsHeader)
}

// reportVerbose prints one per-process line.
func (b *BenchmarkContext) reportVerbose(config TestConfig, src, dst string, s stats.Sample) {
	fmt.Fprintf(b.Out, " %16s %16s %s %s\n", src, dst, formatConfig(config), formatSample(s))
}
