package procgroup

import (
	"errors"
	"fmt"

	"github.com/unixpickle/essentials"
)

// A transport moves frames between the endpoints of one
// world. Frames to the local rank never reach it.
type transport interface {
	send(dst int, f *Frame) error

	// recv returns the next incoming frame. Without block
	// it returns nil when nothing has arrived yet.
	recv(block bool) (*Frame, error)

	now() float64
	hostname() string

	// finish tells every peer that this rank is done, so
	// that its disconnection is not taken as a failure.
	finish() error
	close() error
}

// An endpoint holds the per-process state shared by every
// communicator of one rank.
type endpoint struct {
	rank int
	size int
	tr   transport

	posted     []*Request
	unexpected []*Frame

	rma       map[uint64]*Request
	nextReqID uint64

	windows map[int]*Window
	nextWin int
	nextCtx int

	sendSeq []uint64
	recvSeq []uint64
	held    []map[uint64]*Frame

	err error
}

func newEndpoint(rank, size int, tr transport) *endpoint {
	return &endpoint{
		rank:    rank,
		size:    size,
		tr:      tr,
		rma:     map[uint64]*Request{},
		windows: map[int]*Window{},
		nextCtx: 2,
		sendSeq: make([]uint64, size),
		recvSeq: make([]uint64, size),
		held:    make([]map[uint64]*Frame, size),
	}
}

func (e *endpoint) fail(op string, err error) error {
	if e.err == nil {
		e.err = &TransportError{Op: op, Err: err}
	}
	return e.err
}

func (e *endpoint) send(dst int, f *Frame) error {
	if e.err != nil {
		return e.err
	}
	if dst < 0 || dst >= e.size {
		return e.fail("send", fmt.Errorf("destination rank %d out of range", dst))
	}
	f.Src = e.rank
	f.Seq = e.sendSeq[dst]
	e.sendSeq[dst]++
	if dst == e.rank {
		return e.deliver(f)
	}
	if err := e.tr.send(dst, f); err != nil {
		return e.fail("send", err)
	}
	return nil
}

// deliver accepts an incoming frame, holding it back if
// frames sent before it by the same rank are missing.
func (e *endpoint) deliver(f *Frame) error {
	if f.Src < 0 || f.Src >= e.size {
		return e.fail("deliver", fmt.Errorf("source rank %d out of range", f.Src))
	}
	src := f.Src
	if f.Seq < e.recvSeq[src] {
		return e.fail("deliver", fmt.Errorf("duplicate frame %d from rank %d", f.Seq, src))
	} else if f.Seq > e.recvSeq[src] {
		if e.held[src] == nil {
			e.held[src] = map[uint64]*Frame{}
		}
		e.held[src][f.Seq] = f
		return nil
	}
	for {
		e.recvSeq[src]++
		if err := e.dispatch(f); err != nil {
			return e.fail("deliver "+f.Kind.String(), err)
		}
		next, ok := e.held[src][e.recvSeq[src]]
		if !ok {
			return nil
		}
		delete(e.held[src], e.recvSeq[src])
		f = next
	}
}

func (e *endpoint) dispatch(f *Frame) error {
	switch f.Kind {
	case frameMsg:
		for i, r := range e.posted {
			if r.matches(f) {
				essentials.OrderedDelete(&e.posted, i)
				return r.complete(f)
			}
		}
		e.unexpected = append(e.unexpected, f)
	case framePut:
		region, err := e.region(f.Win, f.Disp, len(f.Payload))
		if err != nil {
			return err
		}
		copy(region, f.Payload)
		return e.send(f.Src, &Frame{Kind: framePutAck, ReqID: f.ReqID})
	case frameGet:
		region, err := e.region(f.Win, f.Disp, f.Length)
		if err != nil {
			return err
		}
		return e.send(f.Src, &Frame{
			Kind:    frameGetReply,
			ReqID:   f.ReqID,
			Payload: append([]byte(nil), region...),
		})
	case framePutAck, frameGetReply:
		r, ok := e.rma[f.ReqID]
		if !ok {
			return fmt.Errorf("unknown one-sided request %d", f.ReqID)
		}
		delete(e.rma, f.ReqID)
		if r.kind == requestGet {
			if len(f.Payload) != len(r.buf) {
				return fmt.Errorf("get returned %d bytes, expected %d", len(f.Payload), len(r.buf))
			}
			copy(r.buf, f.Payload)
		}
		r.done = true
		r.win.outstanding--
	default:
		return fmt.Errorf("unknown frame kind %v", f.Kind)
	}
	return nil
}

func (e *endpoint) region(win, disp, length int) ([]byte, error) {
	w, ok := e.windows[win]
	if !ok {
		return nil, fmt.Errorf("unknown window %d", win)
	}
	return w.region(disp, length)
}

// post registers a receive, matching it against messages
// that arrived before it.
func (e *endpoint) post(r *Request) error {
	if e.err != nil {
		return e.err
	}
	for i, f := range e.unexpected {
		if r.matches(f) {
			essentials.OrderedDelete(&e.unexpected, i)
			if err := r.complete(f); err != nil {
				return e.fail("recv", err)
			}
			return nil
		}
	}
	e.posted = append(e.posted, r)
	return nil
}

// startRMA sends a one-sided request frame and tracks its
// completion.
func (e *endpoint) startRMA(r *Request, target int, f *Frame) error {
	f.ReqID = e.nextReqID
	e.nextReqID++
	e.rma[f.ReqID] = r
	r.win.outstanding++
	return e.send(target, f)
}

// progress handles at most one incoming frame, waiting for
// it if block is set.
func (e *endpoint) progress(block bool) (bool, error) {
	if e.err != nil {
		return false, e.err
	}
	f, err := e.tr.recv(block)
	if err != nil {
		return false, e.fail("recv", err)
	} else if f == nil {
		return false, nil
	}
	return true, e.deliver(f)
}

// drain handles every frame that has already arrived.
func (e *endpoint) drain() error {
	for {
		ok, err := e.progress(false)
		if err != nil || !ok {
			return err
		}
	}
}

func (e *endpoint) test(r *Request) (bool, error) {
	if r.done {
		return true, nil
	}
	if err := e.drain(); err != nil {
		return false, err
	}
	return r.done, nil
}

func (e *endpoint) waitall(reqs []*Request) error {
	if err := e.drain(); err != nil {
		return err
	}
	for _, r := range reqs {
		for !r.done {
			if _, err := e.progress(true); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitFor makes progress until cond holds.
func (e *endpoint) waitFor(cond func() bool) error {
	if err := e.drain(); err != nil {
		return err
	}
	for !cond() {
		if _, err := e.progress(true); err != nil {
			return err
		}
	}
	return nil
}

var errClosed = errors.New("group is closed")
