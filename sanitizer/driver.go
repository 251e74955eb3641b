package sanitizer

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/procgroup"
	"github.com/unixpickle/netsan/stats"
	"github.com/unixpickle/netsan/topology"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// clientServerBarriers is the number of world barriers
// run before every client/server test, so that every rank
// starts from a quiet network.
const clientServerBarriers = 3

// A Driver runs every test of a benchmark on one rank.
type Driver struct {
	b *BenchmarkContext
}

// NewDriver creates a Driver for a rank.
func NewDriver(b *BenchmarkContext) *Driver {
	return &Driver{b: b}
}

// Run performs the whole benchmark. With servers, it
// sweeps every data size with puts and then with gets;
// without, it sweeps an all-to-all exchange.
//
// Run must be called on every rank, and ends with a world
// barrier so that transports can be closed right after.
func (d *Driver) Run(ctx context.Context) error {
	b := d.b
	if b.World.Rank() == 0 {
		b.reportRunHeader()
	}
	start, end := b.Options.Sizes()
	b.Log.Info("starting benchmark",
		zap.Int("servers", b.Options.Servers),
		zap.Int("clients", b.NumClients()),
		zap.String("start_size", humanize.IBytes(uint64(start))),
		zap.String("end_size", humanize.IBytes(uint64(end))))

	if b.Options.Servers == 0 {
		if err := d.allToAllSweep(ctx); err != nil {
			return err
		}
	} else {
		for _, dir := range []Direction{DirPut, DirGet} {
			if err := d.clientServerSweep(ctx, dir); err != nil {
				return err
			}
		}
	}

	b.Log.Info("benchmark finished")
	return essentials.AddCtx("final barrier", b.World.Barrier())
}

func (d *Driver) startSpan(ctx context.Context, name string, config TestConfig) (context.Context, trace.Span) {
	return d.b.Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("pattern", config.Pattern.String()),
		attribute.String("direction", config.Direction.String()),
		attribute.Int("size", config.DataSize),
		attribute.Int("iterations", config.Iterations),
		attribute.Bool("warmup", config.Warmup),
		attribute.Int("rank", d.b.World.Rank()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// sweep runs a warmup and then one test per size, from
// the start size to the end size, doubling each time.
func (d *Driver) sweep(ctx context.Context, pattern Pattern, dir Direction,
	runTest func(ctx context.Context, config TestConfig) (float64, error),
	peers int) (err error) {
	b := d.b
	start, end := b.Options.Sizes()

	ctx, span := d.startSpan(ctx, "sweep", TestConfig{Pattern: pattern, Direction: dir})
	defer func() {
		endSpan(span, err)
	}()

	b.Log.Debug("warmup", zap.Stringer("pattern", pattern), zap.Stringer("direction", dir))
	if _, err := runTest(ctx, warmupConfig(pattern, b.Options.Depth, dir)); err != nil {
		return essentials.AddCtx("warmup", err)
	}

	index := 0
	for size := start; size <= end; size *= 2 {
		config := TestConfig{
			Pattern:    pattern,
			DataSize:   size,
			Iterations: b.Options.Iterations,
			Depth:      b.Options.Depth,
			Direction:  dir,
			Index:      index,
		}
		index++
		execTime, err := runTest(ctx, config)
		if err != nil {
			return essentials.AddCtx(humanize.IBytes(uint64(size))+" test", err)
		}
		b.Log.Debug("test done", zap.Stringer("pattern", pattern), zap.Stringer("direction", dir),
			zap.Int("size", size), zap.Float64("exec_time", execTime))
		if !b.Options.Verbose {
			if err := d.reduceAndReport(config, b.derive(config, peers, execTime)); err != nil {
				return err
			}
		}
	}
	b.Log.Info("sweep finished", zap.Stringer("pattern", pattern), zap.Stringer("direction", dir))
	return nil
}

func (d *Driver) reduceAndReport(config TestConfig, sample stats.Sample) error {
	if d.b.Clients == nil {
		return nil
	}
	agg, err := stats.Aggregate(d.b.Clients, sample)
	if err != nil {
		return err
	}
	if agg != nil {
		d.b.reportReduced(config, agg)
	}
	return nil
}

func (d *Driver) clientServerSweep(ctx context.Context, dir Direction) error {
	b := d.b
	_, end := b.Options.Sizes()

	depth := b.Options.Depth
	peers := b.Options.Servers
	if b.IsServer() {
		depth = b.Options.ServerDepth
		peers = b.NumClients()
	}
	win, err := b.World.WinAllocate(end*depth, end)
	if err != nil {
		return essentials.AddCtx("allocate window", err)
	}

	err = d.sweep(ctx, ClientServer, dir, func(ctx context.Context, config TestConfig) (float64, error) {
		return d.runClientServer(ctx, win, config)
	}, peers)
	if err != nil {
		return err
	}
	return essentials.AddCtx("free window", win.Free())
}

func (d *Driver) runClientServer(ctx context.Context, win *procgroup.Window,
	config TestConfig) (execTime float64, err error) {
	b := d.b
	_, span := d.startSpan(ctx, "test", config)
	defer func() {
		endSpan(span, err)
	}()

	for i := 0; i < clientServerBarriers; i++ {
		if err := b.World.Barrier(); err != nil {
			return 0, err
		}
	}
	if b.IsServer() {
		execTime, err = d.serve(win, config)
	} else {
		execTime, err = d.issue(config)
	}
	if err == nil {
		b.Metrics.TestDone(config.Pattern.String(), config.Direction.String(), config.Warmup, execTime)
	}
	return execTime, err
}

func (d *Driver) serve(win *procgroup.Window, config TestConfig) (float64, error) {
	b := d.b
	engine := NewProgressEngine(b.World, win, config, b.NumClients(), b.Options.ServerDepth)
	if err := engine.Start(); err != nil {
		return 0, err
	}
	if err := win.LockAll(); err != nil {
		return 0, err
	}
	start := b.World.Now()
	if err := engine.RunToCompletion(); err != nil {
		return 0, err
	}
	if err := win.UnlockAll(); err != nil {
		return 0, err
	}
	execTime := b.World.Now() - start

	b.Metrics.RequestsDone(engine.Completed())
	b.Metrics.BytesMoved(ClientServer.String(), engine.Completed()*config.DataSize)
	return execTime, nil
}

func (d *Driver) issue(config TestConfig) (float64, error) {
	b := d.b
	if b.Options.Verbose {
		b.reportVerboseHeader(config)
	}
	if err := b.Clients.Barrier(); err != nil {
		return 0, err
	}
	issuer := NewIssuer(b.World, b.Options.Servers, config)
	start := b.World.Now()
	if err := issuer.Run(); err != nil {
		return 0, err
	}
	execTime := b.World.Now() - start

	if b.Options.Verbose && !config.Warmup {
		sample := b.derive(config, b.Options.Servers, execTime)
		b.reportVerbose(config, b.clientLabel(b.Clients.Rank()), b.peerLabel(-1), sample)
	}
	return execTime, nil
}

func (d *Driver) allToAllSweep(ctx context.Context) error {
	b := d.b
	schedule, err := topology.Schedule(b.World.Rank(), b.World.Size())
	if err != nil {
		return &ConfigError{Msg: err.Error()}
	}
	return d.sweep(ctx, AllToAll, DirNone, func(ctx context.Context, config TestConfig) (float64, error) {
		return d.runAllToAll(ctx, schedule, config)
	}, b.NumClients()-1)
}

func (d *Driver) runAllToAll(ctx context.Context, schedule []topology.Peer,
	config TestConfig) (execTime float64, err error) {
	b := d.b
	_, span := d.startSpan(ctx, "test", config)
	defer func() {
		endSpan(span, err)
	}()

	if b.Options.Verbose {
		b.reportVerboseHeader(config)
	}
	execTime, err = NewAllToAllTest(b, schedule, config).Run()
	if err == nil {
		b.Metrics.TestDone(config.Pattern.String(), config.Direction.String(), config.Warmup, execTime)
	}
	return execTime, err
}
