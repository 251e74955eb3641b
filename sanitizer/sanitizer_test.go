package sanitizer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/unixpickle/netsan/fabric"
	"github.com/unixpickle/netsan/observability"
	"github.com/unixpickle/netsan/procgroup"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Lines() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return strings.Split(strings.TrimRight(s.buf.String(), "\n"), "\n")
}

// runBench runs f on every rank of a simulated cluster.
func runBench(t *testing.T, numRanks int, opts Options, out *syncBuffer, metrics *observability.Metrics,
	f func(b *BenchmarkContext) error) {
	loop := fabric.NewEventLoop()
	hosts, network := fabric.NewCluster(numRanks, 1e8, 1e-5)
	err := procgroup.RunSim(loop, network, hosts, func(c *procgroup.Comm) error {
		b, err := NewBenchmarkContext(c, opts, zap.NewNop())
		if err != nil {
			return err
		}
		b.Out = out
		b.Metrics = metrics
		return f(b)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func scenarioOptions() Options {
	opts := DefaultOptions()
	opts.Servers = 2
	opts.Iterations = 10
	opts.Depth = 2
	opts.BlockSize = 64
	return opts
}

func TestClientServerScenario(t *testing.T) {
	legal := map[[2]SlotState]bool{
		{Idle, ReqPosted}:       true,
		{ReqPosted, RmaPosted}:  true,
		{RmaPosted, RespPosted}: true,
		{RespPosted, ReqPosted}: true,
		{RespPosted, Idle}:      true,
	}
	for _, dir := range []Direction{DirPut, DirGet} {
		t.Run(dir.String(), func(t *testing.T) {
			opts := scenarioOptions()
			runBench(t, 4, opts, &syncBuffer{}, nil, func(b *BenchmarkContext) error {
				const size = 64
				depth := opts.Depth
				if b.IsServer() {
					depth = opts.ServerDepth
				}
				win, err := b.World.WinAllocate(size*depth, size)
				if err != nil {
					return err
				}
				fill := byte('c')
				if b.IsServer() {
					fill = byte('s')
				}
				for i := range win.Bytes() {
					win.Bytes()[i] = fill
				}
				if err := b.World.Barrier(); err != nil {
					return err
				}
				config := TestConfig{
					Pattern:    ClientServer,
					DataSize:   size,
					Iterations: opts.Iterations,
					Depth:      opts.Depth,
					Direction:  dir,
				}

				if b.IsServer() {
					engine := NewProgressEngine(b.World, win, config, b.NumClients(), opts.ServerDepth)
					var badTransition error
					engine.onTransition = func(slot int, from, to SlotState) {
						if !legal[[2]SlotState{from, to}] && badTransition == nil {
							badTransition = fmt.Errorf("slot %d: illegal transition %v -> %v", slot, from, to)
						}
					}
					if engine.NumSlots() != 20 {
						return fmt.Errorf("expected 20 slots, got %d", engine.NumSlots())
					}
					if err := engine.Start(); err != nil {
						return err
					}
					if err := win.LockAll(); err != nil {
						return err
					}
					if err := engine.RunToCompletion(); err != nil {
						return err
					}
					if err := win.UnlockAll(); err != nil {
						return err
					}
					if badTransition != nil {
						return badTransition
					}
					if engine.Completed() != 20 {
						return fmt.Errorf("server completed %d requests", engine.Completed())
					}
					if dir == DirGet && win.Bytes()[0] != 'c' {
						return fmt.Errorf("get did not fetch client data")
					}
				} else {
					issuer := NewIssuer(b.World, opts.Servers, config)
					if err := b.Clients.Barrier(); err != nil {
						return err
					}
					start := b.World.Now()
					if err := issuer.Run(); err != nil {
						return err
					}
					execTime := b.World.Now() - start
					if issuer.Completed() != 20 {
						return fmt.Errorf("client completed %d pairs", issuer.Completed())
					}
					if issuer.PeakOutstanding() > 2*opts.Depth {
						return fmt.Errorf("%d operations outstanding", issuer.PeakOutstanding())
					}
					if execTime <= 0 {
						return fmt.Errorf("bad exec time %f", execTime)
					}
					sample := b.derive(config, opts.Servers, execTime)
					if math.Abs(sample.IOPS-20/execTime) > 1e-6*sample.IOPS {
						return fmt.Errorf("iops %f for exec time %f", sample.IOPS, execTime)
					}
				}
				if err := b.World.Barrier(); err != nil {
					return err
				}
				if dir == DirPut && !b.IsServer() {
					for k := 0; k < opts.Depth; k++ {
						if win.Bytes()[k*size] != 's' {
							return fmt.Errorf("slot %d of client window not written", k)
						}
					}
				}
				return win.Free()
			})
		})
	}
}

func TestIssuerOutstandingBound(t *testing.T) {
	for _, depth := range []int{1, 3, 7, 50} {
		t.Run(fmt.Sprintf("Depth=%d", depth), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Servers = 1
			opts.Iterations = 10
			opts.Depth = depth
			opts.BlockSize = 8
			runBench(t, 3, opts, &syncBuffer{}, nil, func(b *BenchmarkContext) error {
				winDepth := depth
				if b.IsServer() {
					winDepth = opts.ServerDepth
				}
				win, err := b.World.WinAllocate(8*winDepth, 8)
				if err != nil {
					return err
				}
				config := TestConfig{DataSize: 8, Iterations: 10, Depth: depth, Direction: DirPut}
				if b.IsServer() {
					engine := NewProgressEngine(b.World, win, config, b.NumClients(), opts.ServerDepth)
					if err := engine.Start(); err != nil {
						return err
					}
					if err := win.LockAll(); err != nil {
						return err
					}
					if err := engine.RunToCompletion(); err != nil {
						return err
					}
					if err := win.UnlockAll(); err != nil {
						return err
					}
				} else {
					issuer := NewIssuer(b.World, opts.Servers, config)
					if err := issuer.Run(); err != nil {
						return err
					}
					expected := 2 * depth
					if depth > 10 {
						expected = 20
					}
					if issuer.PeakOutstanding() != expected {
						return fmt.Errorf("peak outstanding %d, expected %d", issuer.PeakOutstanding(), expected)
					}
				}
				return win.Free()
			})
		})
	}
}

func TestProtocolViolation(t *testing.T) {
	defer func() {
		r := recover()
		if _, ok := r.(*ProtocolViolation); !ok {
			t.Errorf("expected a protocol violation but got %v", r)
		}
	}()
	e := &ProgressEngine{slots: []Slot{{State: Idle, req: &procgroup.Request{}}}}
	e.PollOnce()
}

func countPrefix(lines []string, prefix string) int {
	var n int
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestDriverClientServer(t *testing.T) {
	opts := DefaultOptions()
	opts.Servers = 1
	opts.Iterations = 4
	opts.Depth = 2
	opts.StartSize = 1
	opts.EndSize = 1024

	const numRanks = 4
	out := &syncBuffer{}
	metrics := observability.NewMetrics()
	runBench(t, numRanks, opts, out, metrics, func(b *BenchmarkContext) error {
		return NewDriver(b).Run(context.Background())
	})

	lines := out.Lines()
	if !strings.HasPrefix(lines[0], "#nservers=1 nclients=3 niters=4 nflight=2 sequential=0 ssize=1, esize=1024") {
		t.Errorf("unexpected run header %q", lines[0])
	}
	for _, dir := range []string{"Put", "Get"} {
		if n := countPrefix(lines, dir+" "); n != 11 {
			t.Errorf("%s: expected 11 rows, got %d", dir, n)
		}
		if n := metrics.TestCount("client-server", dir, true); n != numRanks {
			t.Errorf("%s: expected %d warmups, got %f", dir, numRanks, n)
		}
		if n := metrics.TestCount("client-server", dir, false); n != 11*numRanks {
			t.Errorf("%s: expected %d tests, got %f", dir, 11*numRanks, n)
		}
	}
	if n := countPrefix(lines, "Dir size(B)"); n != 2 {
		t.Errorf("expected 2 table headers, got %d", n)
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "Put ") || strings.HasPrefix(line, "Get ") {
			if len(strings.Fields(line)) != 2+3*4 {
				t.Errorf("malformed row %q", line)
			}
		}
	}
}

func TestDriverAllToAll(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		t.Run(fmt.Sprintf("Sequential=%v", sequential), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Iterations = 5
			opts.Depth = 2
			opts.StartSize = 16
			opts.EndSize = 128
			opts.Sequential = sequential

			const numRanks = 4
			out := &syncBuffer{}
			metrics := observability.NewMetrics()
			runBench(t, numRanks, opts, out, metrics, func(b *BenchmarkContext) error {
				return NewDriver(b).Run(context.Background())
			})
			lines := out.Lines()
			if n := countPrefix(lines, "Und "); n != 4 {
				t.Errorf("expected 4 rows, got %d", n)
			}
			if n := metrics.TestCount("all-to-all", "Und", true); n != numRanks {
				t.Errorf("expected %d warmups, got %f", numRanks, n)
			}
		})
	}
}

func TestDriverVerboseHostnames(t *testing.T) {
	opts := DefaultOptions()
	opts.Iterations = 3
	opts.Depth = 2
	opts.BlockSize = 32
	opts.Verbose = true
	opts.Hostnames = true

	const numRanks = 4
	out := &syncBuffer{}
	runBench(t, numRanks, opts, out, nil, func(b *BenchmarkContext) error {
		return NewDriver(b).Run(context.Background())
	})
	lines := out.Lines()
	if n := countPrefix(lines, "#             src"); n != 1 {
		t.Errorf("expected 1 verbose header, got %d", n)
	}
	var rows int
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 8 && strings.HasPrefix(fields[0], "host") {
			rows++
			if !strings.HasPrefix(fields[1], "host") {
				t.Errorf("unlabeled destination in %q", line)
			}
		}
	}
	if rows != numRanks*(numRanks-1) {
		t.Errorf("expected %d verbose rows, got %d", numRanks*(numRanks-1), rows)
	}
}

func TestNewBenchmarkContextRejects(t *testing.T) {
	opts := DefaultOptions()
	loop := fabric.NewEventLoop()
	hosts, network := fabric.NewCluster(3, 1e8, 1e-5)
	err := procgroup.RunSim(loop, network, hosts, func(c *procgroup.Comm) error {
		_, err := NewBenchmarkContext(c, opts, zap.NewNop())
		if !IsConfigError(err) {
			return fmt.Errorf("expected config error but got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOptionsValidate(t *testing.T) {
	valid := DefaultOptions()
	valid.Servers = 1
	if err := valid.Validate(4); err != nil {
		t.Fatal(err)
	}
	cases := map[string]func(o *Options){
		"OddAllToAll":   func(o *Options) { o.Servers = 0; o.Iterations = 1 },
		"NoClients":     func(o *Options) { o.Servers = 4 },
		"NegServers":    func(o *Options) { o.Servers = -1 },
		"ZeroDepth":     func(o *Options) { o.Depth = 0 },
		"ZeroIters":     func(o *Options) { o.Iterations = 0 },
		"ZeroBlock":     func(o *Options) { o.BlockSize = 0 },
		"StartAfterEnd": func(o *Options) { o.StartSize = 64; o.EndSize = 32 },
		"HugeEndSize":   func(o *Options) { o.EndSize = MaxDataSize + 1 },
		"HugeWindow":    func(o *Options) { o.EndSize = 1 << 30; o.ServerDepth = math.MaxInt / 1024 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := valid
			mutate(&o)
			size := 4
			if name == "OddAllToAll" {
				size = 5
			}
			if err := o.Validate(size); !IsConfigError(err) {
				t.Errorf("expected config error but got %v", err)
			}
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsan.yaml")
	data := "servers: 2\niterations: 64\nsequential: true\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	if err := LoadOptions(path, &opts); err != nil {
		t.Fatal(err)
	}
	if opts.Servers != 2 || opts.Iterations != 64 || !opts.Sequential {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Depth != DefaultDepth {
		t.Errorf("depth changed to %d", opts.Depth)
	}

	if err := os.WriteFile(path, []byte("servers: [1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadOptions(path, &opts); !IsConfigError(err) {
		t.Errorf("expected config error but got %v", err)
	}
}

func TestHostLabel(t *testing.T) {
	if l := hostLabel("node7", 3); l != "node7-3" {
		t.Errorf("got %q", l)
	}
	if l := hostLabel("a-very-long-hostname", 12); len(l) != HostLabelSize-1 {
		t.Errorf("label %q not truncated", l)
	}
}

func TestDriverSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	opts := DefaultOptions()
	opts.Servers = 1
	opts.Iterations = 2
	opts.Depth = 1
	opts.StartSize = 4
	opts.EndSize = 8

	const numRanks = 3
	runBench(t, numRanks, opts, &syncBuffer{}, nil, func(b *BenchmarkContext) error {
		b.Tracer = provider.Tracer("test")
		return NewDriver(b).Run(context.Background())
	})

	var sweeps, tests int
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "sweep":
			sweeps++
		case "test":
			tests++
		}
	}
	if sweeps != 2*numRanks {
		t.Errorf("expected %d sweep spans, got %d", 2*numRanks, sweeps)
	}
	// One warmup and two sizes per direction.
	if tests != 2*3*numRanks {
		t.Errorf("expected %d test spans, got %d", 2*3*numRanks, tests)
	}
}
