package procgroup

import (
	"errors"
	"fmt"
)

// A Window is a region of local memory that every member
// of a communicator can read and write remotely.
type Window struct {
	comm     *Comm
	id       int
	mem      []byte
	dispUnit int

	locked      bool
	outstanding int
}

// WinAllocate creates a window on every member; see
// Group.WinAllocate.
func (c *Comm) WinAllocate(size, dispUnit int) (*Window, error) {
	if size < 0 || dispUnit < 1 {
		return nil, &TransportError{
			Op:  "win allocate",
			Err: fmt.Errorf("invalid window size %d with unit %d", size, dispUnit),
		}
	}
	w := &Window{
		comm:     c,
		id:       c.ep.nextWin,
		mem:      make([]byte, size),
		dispUnit: dispUnit,
	}
	c.ep.nextWin++
	c.ep.windows[w.id] = w
	if err := c.Barrier(); err != nil {
		delete(c.ep.windows, w.id)
		return nil, err
	}
	return w, nil
}

// Bytes returns the local memory of the window.
func (w *Window) Bytes() []byte {
	return w.mem
}

// LockAll opens a passive-target access epoch to every
// member.
func (w *Window) LockAll() error {
	if w.locked {
		return errors.New("window already locked")
	}
	w.locked = true
	return nil
}

// UnlockAll waits for every Put and Get started in the
// epoch to complete remotely, then closes the epoch.
func (w *Window) UnlockAll() error {
	if !w.locked {
		return errors.New("window is not locked")
	}
	err := w.comm.ep.waitFor(func() bool {
		return w.outstanding == 0
	})
	w.locked = false
	return err
}

// Put writes origin into target's window at disp.
func (w *Window) Put(origin []byte, target, disp int) (*Request, error) {
	if err := w.checkAccess("put", target); err != nil {
		return nil, err
	}
	r := &Request{kind: requestPut, win: w}
	err := w.comm.ep.startRMA(r, w.comm.ranks[target], &Frame{
		Kind:    framePut,
		Win:     w.id,
		Disp:    disp,
		Payload: append([]byte{}, origin...),
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Get reads len(origin) bytes of target's window at disp
// into origin.
func (w *Window) Get(origin []byte, target, disp int) (*Request, error) {
	if err := w.checkAccess("get", target); err != nil {
		return nil, err
	}
	r := &Request{kind: requestGet, buf: origin, win: w}
	err := w.comm.ep.startRMA(r, w.comm.ranks[target], &Frame{
		Kind:   frameGet,
		Win:    w.id,
		Disp:   disp,
		Length: len(origin),
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Free collectively destroys the window.
func (w *Window) Free() error {
	if w.locked {
		return errors.New("free of a locked window")
	}
	err := w.comm.Barrier()
	delete(w.comm.ep.windows, w.id)
	return err
}

func (w *Window) checkAccess(op string, target int) error {
	if !w.locked {
		return fmt.Errorf("%s outside of an access epoch", op)
	}
	return w.comm.checkRank(op, target, false)
}

func (w *Window) region(disp, length int) ([]byte, error) {
	start := disp * w.dispUnit
	if disp < 0 || length < 0 || start+length > len(w.mem) {
		return nil, fmt.Errorf("access of %d bytes at displacement %d exceeds window of %d bytes",
			length, disp, len(w.mem))
	}
	return w.mem[start : start+length], nil
}
