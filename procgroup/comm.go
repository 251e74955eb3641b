package procgroup

import (
	"fmt"

	"github.com/unixpickle/essentials"
)

// Comm is the Group implementation shared by every
// transport.
type Comm struct {
	ep *endpoint

	// ranks maps communicator ranks to world ranks.
	ranks []int
	rank  int

	// Point-to-point traffic uses ctx and collectives use
	// ctx+1, so the two never match each other.
	ctx int
	seq int
}

func newWorld(ep *endpoint) *Comm {
	ranks := make([]int, ep.size)
	for i := range ranks {
		ranks[i] = i
	}
	return &Comm{ep: ep, ranks: ranks, rank: ep.rank}
}

// Rank is this process's rank in the communicator.
func (c *Comm) Rank() int {
	return c.rank
}

// Size is the number of processes in the communicator.
func (c *Comm) Size() int {
	return len(c.ranks)
}

// WorldRank translates a communicator rank to a rank in
// the world communicator.
func (c *Comm) WorldRank(rank int) int {
	return c.ranks[rank]
}

// Now returns the transport's clock in seconds.
func (c *Comm) Now() float64 {
	return c.ep.tr.now()
}

// Hostname is the name of the machine running this rank.
func (c *Comm) Hostname() string {
	return c.ep.tr.hostname()
}

// Finalize waits for every member at a barrier, then
// closes the world communicator cleanly.
//
// A rank that calls Close without Finalize, for instance
// after an error, is seen by its peers as failed.
func (c *Comm) Finalize() error {
	if err := c.Barrier(); err != nil {
		c.Close()
		return essentials.AddCtx("finalize", err)
	}
	if err := c.ep.tr.finish(); err != nil {
		c.Close()
		return &TransportError{Op: "finalize", Err: err}
	}
	return c.Close()
}

// Close shuts the transport down immediately. Ranks that
// have not finished see the disconnection as a transport
// error; use Finalize after a successful run.
func (c *Comm) Close() error {
	if c.ep.err == errClosed {
		return nil
	}
	c.ep.err = errClosed
	return c.ep.tr.close()
}

func (c *Comm) indexOf(worldRank int) int {
	for i, r := range c.ranks {
		if r == worldRank {
			return i
		}
	}
	return -1
}

func (c *Comm) checkRank(op string, rank int, wildcard bool) error {
	if wildcard && rank == AnySource {
		return nil
	}
	if rank < 0 || rank >= len(c.ranks) {
		return &TransportError{Op: op, Err: fmt.Errorf("rank %d out of range [0, %d)", rank, len(c.ranks))}
	}
	return nil
}

// Isend sends a copy of data to dst. The transport is
// eager, so the returned request is already complete.
func (c *Comm) Isend(dst, tag int, data []byte) (*Request, error) {
	return c.isend(dst, tag, c.ctx, data)
}

func (c *Comm) isend(dst, tag, ctx int, data []byte) (*Request, error) {
	if err := c.checkRank("isend", dst, false); err != nil {
		return nil, err
	}
	err := c.ep.send(c.ranks[dst], &Frame{
		Kind:    frameMsg,
		Ctx:     ctx,
		Tag:     tag,
		Payload: append([]byte{}, data...),
	})
	if err != nil {
		return nil, err
	}
	return &Request{kind: requestSend, done: true}, nil
}

// Irecv posts a receive into buf.
func (c *Comm) Irecv(src, tag int, buf []byte) (*Request, error) {
	return c.irecv(src, tag, c.ctx, buf, false)
}

func (c *Comm) irecv(src, tag, ctx int, buf []byte, sizeAny bool) (*Request, error) {
	if err := c.checkRank("irecv", src, true); err != nil {
		return nil, err
	}
	worldSrc := AnySource
	if src != AnySource {
		worldSrc = c.ranks[src]
	}
	r := &Request{
		kind:    requestRecv,
		buf:     buf,
		src:     worldSrc,
		tag:     tag,
		ctx:     ctx,
		sizeAny: sizeAny,
		comm:    c,
	}
	if err := c.ep.post(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Test checks r for completion without blocking.
func (c *Comm) Test(r *Request) (bool, error) {
	return c.ep.test(r)
}

// Waitall blocks until every request has completed.
func (c *Comm) Waitall(reqs ...*Request) error {
	return c.ep.waitall(reqs)
}

// Progress handles at least one incoming frame.
func (c *Comm) Progress() error {
	_, err := c.ep.progress(true)
	return err
}

// Split creates a sub-communicator; see Group.Split.
func (c *Comm) Split(members []int) (Group, error) {
	ctx := c.ep.nextCtx
	c.ep.nextCtx += 2

	seen := map[int]bool{}
	ranks := make([]int, len(members))
	myRank := -1
	for i, m := range members {
		if err := c.checkRank("split", m, false); err != nil {
			return nil, err
		}
		if seen[m] {
			return nil, &TransportError{Op: "split", Err: fmt.Errorf("duplicate member %d", m)}
		}
		seen[m] = true
		ranks[i] = c.ranks[m]
		if m == c.rank {
			myRank = i
		}
	}
	if myRank < 0 {
		return nil, nil
	}
	return &Comm{ep: c.ep, ranks: ranks, rank: myRank, ctx: ctx}, nil
}
