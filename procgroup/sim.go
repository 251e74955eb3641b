package procgroup

import (
	"fmt"
	"sync"

	"github.com/unixpickle/netsan/fabric"
	"go.uber.org/multierr"
)

// frameOverhead is the number of header bytes a simulated
// frame occupies on the wire besides its payload.
const frameOverhead = 64

type simTransport struct {
	h       *fabric.Handle
	nic     *fabric.NIC
	nics    []*fabric.NIC
	network fabric.Network
}

func (s *simTransport) send(dst int, f *Frame) error {
	s.network.Send(s.h, &fabric.Packet{
		Src:     s.nic,
		Dst:     s.nics[dst],
		Payload: f,
		Size:    float64(len(f.Payload) + frameOverhead),
	})
	return nil
}

func (s *simTransport) recv(block bool) (*Frame, error) {
	var pkt *fabric.Packet
	if block {
		pkt = s.nic.Recv(s.h)
	} else {
		pkt = s.nic.TryRecv(s.h)
	}
	if pkt == nil {
		return nil, nil
	}
	return pkt.Payload.(*Frame), nil
}

func (s *simTransport) now() float64 {
	return s.h.Time()
}

func (s *simTransport) hostname() string {
	return s.nic.Host.Name
}

func (s *simTransport) finish() error {
	return nil
}

func (s *simTransport) close() error {
	return nil
}

// RunSim runs one rank per entry of hosts on the event
// loop, each calling f with its world communicator, and
// waits for all of them to return.
//
// Several ranks may share a Host. The returned error
// combines the failures of every rank with the loop's
// deadlock error, if any.
func RunSim(loop *fabric.EventLoop, network fabric.Network, hosts []*fabric.Host,
	f func(c *Comm) error) error {
	nics := make([]*fabric.NIC, len(hosts))
	for i, host := range hosts {
		nics[i] = host.NIC(loop)
	}

	var lock sync.Mutex
	var errs error
	for i := range hosts {
		rank := i
		loop.Go(func(h *fabric.Handle) {
			tr := &simTransport{
				h:       h,
				nic:     nics[rank],
				nics:    nics,
				network: network,
			}
			c := newWorld(newEndpoint(rank, len(hosts), tr))
			if err := f(c); err != nil {
				lock.Lock()
				errs = multierr.Append(errs, fmt.Errorf("rank %d: %w", rank, err))
				lock.Unlock()
			}
		})
	}
	loopErr := loop.Run()

	lock.Lock()
	defer lock.Unlock()
	return multierr.Append(errs, loopErr)
}
