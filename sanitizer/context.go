package sanitizer

import (
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/observability"
	"github.com/unixpickle/netsan/procgroup"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HostLabelSize caps the length of host labels.
const HostLabelSize = 16

// A BenchmarkContext is one rank's view of a run. It is
// passed explicitly to every component; nothing about a
// run is stored globally.
type BenchmarkContext struct {
	World procgroup.Group

	// Clients spans the client ranks, in world rank order.
	// It is nil on servers.
	Clients procgroup.Group

	Options Options
	RunID   string

	Log     *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	// Out receives the result table.
	Out io.Writer

	// hosts holds one label per world rank when hostname
	// resolution is enabled.
	hosts []string
}

// NewBenchmarkContext validates opts against the world
// and sets up the client subgroup. It is collective over
// the world.
//
// The returned context logs to log, writes results to
// stdout and traces with the global tracer provider; the
// caller may replace any of these before running.
func NewBenchmarkContext(world procgroup.Group, opts Options, log *zap.Logger) (*BenchmarkContext, error) {
	if err := opts.Validate(world.Size()); err != nil {
		return nil, err
	}

	var runID []byte
	if world.Rank() == 0 {
		runID = []byte(uuid.NewString())
	}
	runID, err := world.Bcast(runID)
	if err != nil {
		return nil, essentials.AddCtx("share run id", err)
	}

	members := make([]int, 0, world.Size()-opts.Servers)
	for i := opts.Servers; i < world.Size(); i++ {
		members = append(members, i)
	}
	clients, err := world.Split(members)
	if err != nil {
		return nil, essentials.AddCtx("create client group", err)
	}

	b := &BenchmarkContext{
		World:   world,
		Clients: clients,
		Options: opts,
		RunID:   string(runID),
		Log:     log.With(zap.String("run", string(runID))),
		Tracer:  otel.Tracer(observability.TracerName),
		Out:     os.Stdout,
	}
	if opts.Hostnames {
		if err := b.exchangeHostnames(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// IsServer checks if this rank is a server.
func (b *BenchmarkContext) IsServer() bool {
	return b.World.Rank() < b.Options.Servers
}

// NumClients is the number of client ranks.
func (b *BenchmarkContext) NumClients() int {
	return b.Options.Clients(b.World.Size())
}

// exchangeHostnames shares "<host>-<local rank>" labels,
// where the local rank is the rank among servers or among
// clients.
func (b *BenchmarkContext) exchangeHostnames() error {
	localRank := b.World.Rank()
	if b.Clients != nil {
		localRank = b.Clients.Rank()
	}
	label := hostLabel(b.World.Hostname(), localRank)
	all, err := b.World.Allgather([]byte(label))
	if err != nil {
		return essentials.AddCtx("exchange hostnames", err)
	}
	b.hosts = make([]string, len(all))
	for i, data := range all {
		b.hosts[i] = string(data)
	}
	return nil
}

func hostLabel(host string, localRank int) string {
	label := host + "-" + strconv.Itoa(localRank)
	if len(label) >= HostLabelSize {
		label = label[:HostLabelSize-1]
	}
	return label
}

// clientLabel names a client by its client rank, or every
// client for -1.
func (b *BenchmarkContext) clientLabel(clientRank int) string {
	return b.rankLabel(clientRank, b.Options.Servers)
}

// peerLabel names a rank by its world rank, or every peer
// for -1.
func (b *BenchmarkContext) peerLabel(worldRank int) string {
	return b.rankLabel(worldRank, 0)
}

func (b *BenchmarkContext) rankLabel(rank, offset int) string {
	if b.hosts == nil {
		return strconv.Itoa(rank)
	} else if rank < 0 {
		return "all"
	}
	return b.hosts[rank+offset]
}
