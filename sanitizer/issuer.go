package sanitizer

import (
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/procgroup"
)

// An Issuer runs the client side of a client/server test.
//
// For every iteration it sends one request to each server,
// tagged with the window displacement the server should
// access, and posts a receive for the answer. Once Depth
// requests are in flight it waits for all of them, so no
// more than 2*Depth operations are ever outstanding.
type Issuer struct {
	world   procgroup.Group
	servers int
	config  TestConfig

	sendBuf []byte
	recvBuf []byte
	reqs    []*procgroup.Request

	completed   int
	outstanding int
	peak        int
}

// NewIssuer creates an Issuer for a world whose first
// servers ranks are servers.
func NewIssuer(world procgroup.Group, servers int, config TestConfig) *Issuer {
	return &Issuer{
		world:   world,
		servers: servers,
		config:  config,
		sendBuf: make([]byte, config.Depth),
		recvBuf: make([]byte, config.Depth),
		reqs:    make([]*procgroup.Request, 0, 2*config.Depth),
	}
}

// Run issues every request and waits for every answer.
func (i *Issuer) Run() error {
	k := 0
	for j := 0; j < i.config.Iterations; j++ {
		for peer := 0; peer < i.servers; peer++ {
			recv, err := i.world.Irecv(peer, responseTag, i.recvBuf[k:k+1])
			if err != nil {
				return essentials.AddCtx("post response receive", err)
			}
			send, err := i.world.Isend(peer, k, i.sendBuf[k:k+1])
			if err != nil {
				return essentials.AddCtx("send request", err)
			}
			i.reqs = append(i.reqs, recv, send)
			i.outstanding += 2
			if i.outstanding > i.peak {
				i.peak = i.outstanding
			}
			k++
			if k == i.config.Depth {
				if err := i.wait(); err != nil {
					return err
				}
				k = 0
			}
		}
	}
	return i.wait()
}

func (i *Issuer) wait() error {
	if err := i.world.Waitall(i.reqs...); err != nil {
		return essentials.AddCtx("wait for responses", err)
	}
	i.completed += len(i.reqs) / 2
	i.outstanding = 0
	i.reqs = i.reqs[:0]
	return nil
}

// Completed is the number of answered requests.
func (i *Issuer) Completed() int {
	return i.completed
}

// PeakOutstanding is the largest number of operations
// that were in flight at once.
func (i *Issuer) PeakOutstanding() int {
	return i.peak
}
