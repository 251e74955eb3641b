package sanitizer

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/procgroup"
	"github.com/unixpickle/netsan/topology"
)

const (
	pairDataTag = 0
	pairAckTag  = 42
	pairAck     = 'o'
)

// A PairExchange streams data from one rank of a pair to
// the other.
//
// The sender keeps up to Depth messages in flight, then
// waits for them along with an acknowledgement from the
// receiver, so every window is fully delivered before the
// next one starts.
type PairExchange struct {
	world  procgroup.Group
	config TestConfig

	// Buffers of config.Depth messages each.
	sendBuf []byte
	recvBuf []byte
}

// NewPairExchange allocates the buffers for a test.
func NewPairExchange(world procgroup.Group, config TestConfig) *PairExchange {
	return &PairExchange{
		world:   world,
		config:  config,
		sendBuf: make([]byte, config.DataSize*config.Depth),
		recvBuf: make([]byte, config.DataSize*config.Depth),
	}
}

// Run exchanges config.Iterations messages with peer and
// returns the time from the start until the last window
// was acknowledged.
func (p *PairExchange) Run(peer int, role topology.Role) (float64, error) {
	size := p.config.DataSize
	reqs := make([]*procgroup.Request, 0, p.config.Depth+1)
	ack := []byte{'x'}

	start := p.world.Now()
	end := start
	for j := 0; j < p.config.Iterations; j++ {
		k := len(reqs)
		var req *procgroup.Request
		var err error
		if role == topology.Recv {
			req, err = p.world.Irecv(peer, pairDataTag, p.recvBuf[size*k:size*(k+1)])
		} else {
			req, err = p.world.Isend(peer, pairDataTag, p.sendBuf[size*k:size*(k+1)])
		}
		if err != nil {
			return 0, essentials.AddCtx(fmt.Sprintf("exchange with rank %d", peer), err)
		}
		reqs = append(reqs, req)

		if len(reqs) < p.config.Depth && j < p.config.Iterations-1 {
			continue
		}
		if role == topology.Recv {
			ack[0] = pairAck
			req, err = p.world.Isend(peer, pairAckTag, ack)
		} else {
			ack[0] = 'x'
			req, err = p.world.Irecv(peer, pairAckTag, ack)
		}
		if err != nil {
			return 0, essentials.AddCtx(fmt.Sprintf("acknowledge with rank %d", peer), err)
		}
		reqs = append(reqs, req)
		if err := p.world.Waitall(reqs...); err != nil {
			return 0, essentials.AddCtx(fmt.Sprintf("exchange with rank %d", peer), err)
		}
		if ack[0] != pairAck {
			return 0, fmt.Errorf("rank %d sent acknowledgement %q", peer, ack[0])
		}
		end = p.world.Now()
		reqs = reqs[:0]
	}
	return end - start, nil
}

// AllToAllTest runs one all-to-all test: every round of
// the schedule, separated by barriers.
type AllToAllTest struct {
	bench    *BenchmarkContext
	schedule []topology.Peer
	pair     *PairExchange

	// StepTimes holds the time of every round.
	StepTimes []float64
}

// NewAllToAllTest prepares a test. The schedule must come
// from topology.Schedule for this rank.
func NewAllToAllTest(b *BenchmarkContext, schedule []topology.Peer, config TestConfig) *AllToAllTest {
	return &AllToAllTest{
		bench:    b,
		schedule: schedule,
		pair:     NewPairExchange(b.World, config),
	}
}

// Run executes every round and returns the total time.
func (a *AllToAllTest) Run() (float64, error) {
	world := a.bench.World
	config := a.pair.config
	var total float64
	for _, peer := range a.schedule {
		if err := world.Barrier(); err != nil {
			return 0, err
		}
		var stepTime float64
		if a.bench.Options.Sequential {
			for i := 0; i < world.Size(); i++ {
				if err := world.Barrier(); err != nil {
					return 0, err
				}
				var err error
				if i == peer.Rank {
					stepTime, err = a.pair.Run(peer.Rank, topology.Send)
				} else if i == world.Rank() {
					stepTime, err = a.pair.Run(peer.Rank, topology.Recv)
				}
				if err != nil {
					return 0, err
				}
			}
		} else {
			var err error
			stepTime, err = a.pair.Run(peer.Rank, peer.Role)
			if err != nil {
				return 0, err
			}
		}
		total += stepTime
		a.StepTimes = append(a.StepTimes, stepTime)
		a.bench.Metrics.BytesMoved(AllToAll.String(), config.DataSize*config.Iterations)

		if a.bench.Options.Verbose && !config.Warmup {
			sample := a.bench.derive(config, 1, stepTime)
			a.bench.reportVerbose(config, a.bench.clientLabel(a.bench.Clients.Rank()),
				a.bench.peerLabel(peer.Rank), sample)
		}
	}
	return total, nil
}
