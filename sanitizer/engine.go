package sanitizer

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/procgroup"
)

// A SlotState is the stage of the request a server slot
// is serving.
type SlotState int

const (
	Idle SlotState = iota
	ReqPosted
	RmaPosted
	RespPosted
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReqPosted:
		return "req posted"
	case RmaPosted:
		return "rma posted"
	case RespPosted:
		return "resp posted"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// responseTag is the tag of the message telling a client
// that its request has been served.
const responseTag = 0

// A Slot serves one client request at a time.
type Slot struct {
	State SlotState

	// Peer is the world rank of the client being served,
	// or -1 while waiting for a request.
	Peer int

	// Offset locates the slot's buffer in the server's
	// window.
	Offset int

	req *procgroup.Request
}

// A ProgressEngine runs the server side of a
// client/server test.
//
// Each slot waits for a one-byte request, performs a
// one-sided operation against the requesting client at
// the displacement carried in the request tag, and then
// answers the client. Slots are polled round-robin so
// that no client is starved.
type ProgressEngine struct {
	world  procgroup.Group
	win    *procgroup.Window
	config TestConfig

	expected  int
	completed int
	done      bool

	slots   []Slot
	reqBuf  []byte
	respBuf []byte

	// onTransition, if set, observes every state change.
	onTransition func(slot int, from, to SlotState)
}

// NewProgressEngine creates an engine that serves
// config.Iterations requests from each of numClients
// clients, keeping at most maxSlots of them in flight.
//
// win must be open for access (see Window.LockAll) while
// the engine runs, and must hold at least maxSlots buffers
// of config.DataSize bytes.
func NewProgressEngine(world procgroup.Group, win *procgroup.Window, config TestConfig,
	numClients, maxSlots int) *ProgressEngine {
	expected := numClients * config.Iterations
	numSlots := essentials.MinInt(maxSlots, expected)
	e := &ProgressEngine{
		world:    world,
		win:      win,
		config:   config,
		expected: expected,
		slots:    make([]Slot, numSlots),
		reqBuf:   make([]byte, numSlots),
		respBuf:  make([]byte, numSlots),
	}
	if config.Direction != DirPut && config.Direction != DirGet {
		panic(fmt.Sprintf("no one-sided operation for direction %v", config.Direction))
	}
	return e
}

// Start posts a request receive on every slot.
func (e *ProgressEngine) Start() error {
	for i := range e.slots {
		e.slots[i].Offset = i * e.config.DataSize
		if err := e.postRecv(i); err != nil {
			return err
		}
	}
	return nil
}

// Completed is the number of requests served so far.
func (e *ProgressEngine) Completed() int {
	return e.completed
}

// Done reports whether every expected request has been
// served.
func (e *ProgressEngine) Done() bool {
	return e.done
}

// NumSlots is the number of requests served concurrently.
func (e *ProgressEngine) NumSlots() int {
	return len(e.slots)
}

// PollOnce visits every slot once, advancing those whose
// pending operation has completed. It reports whether any
// slot advanced.
func (e *ProgressEngine) PollOnce() (bool, error) {
	var progressed bool
	for i := range e.slots {
		slot := &e.slots[i]
		if slot.State == Idle {
			if slot.req != nil {
				panic(&ProtocolViolation{Slot: i, State: slot.State, Msg: "idle slot has a pending operation"})
			}
			continue
		}
		done, err := e.world.Test(slot.req)
		if err != nil {
			return progressed, err
		} else if !done {
			continue
		}
		progressed = true
		if err := e.advance(i); err != nil {
			return progressed, err
		}
		if e.done {
			return progressed, nil
		}
	}
	return progressed, nil
}

// RunToCompletion polls until every expected request has
// been served, letting the transport block whenever a
// full pass over the slots makes no progress.
func (e *ProgressEngine) RunToCompletion() error {
	for !e.done {
		progressed, err := e.PollOnce()
		if err != nil {
			return err
		}
		if !progressed && !e.done && !e.anyCompleted() {
			if err := e.world.Progress(); err != nil {
				return err
			}
		}
	}
	return nil
}

// anyCompleted checks for slots whose operation finished
// after they were visited, while a later slot's Test
// handled incoming frames.
func (e *ProgressEngine) anyCompleted() bool {
	for i := range e.slots {
		slot := &e.slots[i]
		if slot.State != Idle && slot.req.Done() {
			return true
		}
	}
	return false
}

func (e *ProgressEngine) advance(i int) error {
	slot := &e.slots[i]
	switch slot.State {
	case ReqPosted:
		status := slot.req.Status()
		if status.Source < 0 || status.Source >= e.world.Size() {
			panic(&ProtocolViolation{Slot: i, State: slot.State,
				Msg: fmt.Sprintf("request from invalid rank %d", status.Source)})
		}
		slot.Peer = status.Source
		origin := e.win.Bytes()[slot.Offset : slot.Offset+e.config.DataSize]
		req, err := e.startRMA(origin, slot.Peer, status.Tag)
		if err != nil {
			return essentials.AddCtx(fmt.Sprintf("%v to rank %d", e.config.Direction, slot.Peer), err)
		}
		slot.req = req
		e.transition(i, RmaPosted)
	case RmaPosted:
		req, err := e.world.Isend(slot.Peer, responseTag, e.respBuf[i:i+1])
		if err != nil {
			return essentials.AddCtx("send response", err)
		}
		slot.req = req
		e.transition(i, RespPosted)
	case RespPosted:
		e.completed++
		slot.Peer = -1
		if e.completed+len(e.slots) <= e.expected {
			if err := e.postRecv(i); err != nil {
				return err
			}
		} else {
			slot.req = nil
			e.transition(i, Idle)
			if e.completed == e.expected {
				e.done = true
			}
		}
	default:
		panic(&ProtocolViolation{Slot: i, State: slot.State, Msg: "completion in unknown state"})
	}
	return nil
}

func (e *ProgressEngine) startRMA(origin []byte, peer, disp int) (*procgroup.Request, error) {
	switch e.config.Direction {
	case DirPut:
		return e.win.Put(origin, peer, disp)
	case DirGet:
		return e.win.Get(origin, peer, disp)
	}
	panic(&ProtocolViolation{Slot: -1, State: RmaPosted,
		Msg: fmt.Sprintf("no one-sided operation for direction %v", e.config.Direction)})
}

func (e *ProgressEngine) postRecv(i int) error {
	req, err := e.world.Irecv(procgroup.AnySource, procgroup.AnyTag, e.reqBuf[i:i+1])
	if err != nil {
		return essentials.AddCtx("post request receive", err)
	}
	e.slots[i].req = req
	e.slots[i].Peer = -1
	e.transition(i, ReqPosted)
	return nil
}

func (e *ProgressEngine) transition(i int, to SlotState) {
	from := e.slots[i].State
	e.slots[i].State = to
	if e.onTransition != nil {
		e.onTransition(i, from, to)
	}
}
