package procgroup

import (
	"github.com/unixpickle/essentials"
)

// nextTag gives every collective call its own tag, so
// messages of back-to-back collectives never mix.
func (c *Comm) nextTag() int {
	c.seq++
	return c.seq
}

func (c *Comm) collCtx() int {
	return c.ctx + 1
}

// treePosition arranges ranks in a binary tree rooted at
// rank 0 and returns the parent (-1 for the root) and
// children of idx.
func treePosition(idx, size int) (parent int, children []int) {
	parent = -1
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = rowIdx/2 + (rowSize/2 - 1)
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < size {
				children = append(children, firstChild+i)
			}
		}
		return
	}
	panic("unreachable")
}

// gatherChildren receives one message from each child.
func (c *Comm) gatherChildren(children []int, tag int) ([][]byte, error) {
	reqs := make([]*Request, len(children))
	for i, child := range children {
		r, err := c.irecv(child, tag, c.collCtx(), nil, true)
		if err != nil {
			return nil, err
		}
		reqs[i] = r
	}
	if err := c.Waitall(reqs...); err != nil {
		return nil, err
	}
	payloads := make([][]byte, len(reqs))
	for i, r := range reqs {
		payloads[i] = r.Payload()
	}
	return payloads, nil
}

func (c *Comm) recvParent(parent, tag int) ([]byte, error) {
	r, err := c.irecv(parent, tag, c.collCtx(), nil, true)
	if err != nil {
		return nil, err
	}
	if err := c.Waitall(r); err != nil {
		return nil, err
	}
	return r.Payload(), nil
}

func (c *Comm) sendAll(dsts []int, tag int, data []byte) error {
	for _, dst := range dsts {
		if _, err := c.isend(dst, tag, c.collCtx(), data); err != nil {
			return err
		}
	}
	return nil
}

// Barrier gathers an empty message up the tree and then
// releases every member from the root down.
func (c *Comm) Barrier() error {
	tag := c.nextTag()
	parent, children := treePosition(c.rank, c.Size())
	if _, err := c.gatherChildren(children, tag); err != nil {
		return essentials.AddCtx("barrier", err)
	}
	if parent >= 0 {
		if err := c.sendAll([]int{parent}, tag, nil); err != nil {
			return essentials.AddCtx("barrier", err)
		}
		if _, err := c.recvParent(parent, tag); err != nil {
			return essentials.AddCtx("barrier", err)
		}
	}
	return essentials.AddCtx("barrier", c.sendAll(children, tag, nil))
}

// Reduce combines every member's vector up the tree; see
// Group.Reduce.
func (c *Comm) Reduce(data []float64, fn ReduceFn) ([]float64, error) {
	tag := c.nextTag()
	parent, children := treePosition(c.rank, c.Size())
	payloads, err := c.gatherChildren(children, tag)
	if err != nil {
		return nil, essentials.AddCtx("reduce", err)
	}
	vecs := [][]float64{data}
	for _, p := range payloads {
		vec, err := decodeFloats(p)
		if err != nil {
			return nil, &TransportError{Op: "reduce", Err: err}
		}
		vecs = append(vecs, vec)
	}
	result := fn(vecs...)
	if parent >= 0 {
		if err := c.sendAll([]int{parent}, tag, encodeFloats(result)); err != nil {
			return nil, essentials.AddCtx("reduce", err)
		}
		return nil, nil
	}
	return result, nil
}

// Bcast distributes data from rank 0 to every member and
// returns it. The argument is ignored on other ranks.
func (c *Comm) Bcast(data []byte) ([]byte, error) {
	tag := c.nextTag()
	parent, children := treePosition(c.rank, c.Size())
	if parent >= 0 {
		var err error
		data, err = c.recvParent(parent, tag)
		if err != nil {
			return nil, essentials.AddCtx("bcast", err)
		}
	}
	if err := c.sendAll(children, tag, data); err != nil {
		return nil, essentials.AddCtx("bcast", err)
	}
	return data, nil
}

// Allgather sends data directly to every other member.
func (c *Comm) Allgather(data []byte) ([][]byte, error) {
	tag := c.nextTag()
	var others []int
	for i := 0; i < c.Size(); i++ {
		if i != c.rank {
			others = append(others, i)
		}
	}
	if err := c.sendAll(others, tag, data); err != nil {
		return nil, essentials.AddCtx("allgather", err)
	}
	payloads, err := c.gatherChildren(others, tag)
	if err != nil {
		return nil, essentials.AddCtx("allgather", err)
	}
	res := make([][]byte, c.Size())
	res[c.rank] = append([]byte{}, data...)
	for i, other := range others {
		res[other] = payloads[i]
	}
	return res, nil
}
