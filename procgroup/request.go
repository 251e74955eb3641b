package procgroup

import "fmt"

type requestKind int

const (
	requestSend requestKind = iota
	requestRecv
	requestPut
	requestGet
)

// A Request tracks one non-blocking operation.
type Request struct {
	kind   requestKind
	done   bool
	status Status

	buf []byte

	// Receive matching, with src as a world rank. A nil
	// buf on a receive accepts a payload of any size.
	src     int
	tag     int
	ctx     int
	sizeAny bool
	comm    *Comm

	win *Window
}

// Done reports whether the request has completed. It
// does not make progress; use Group.Test for that.
func (r *Request) Done() bool {
	return r.done
}

// Status describes a completed receive.
func (r *Request) Status() Status {
	return r.status
}

// Payload returns the received bytes.
func (r *Request) Payload() []byte {
	return r.buf[:r.status.Count]
}

func (r *Request) matches(f *Frame) bool {
	return r.ctx == f.Ctx &&
		(r.src == AnySource || r.src == f.Src) &&
		(r.tag == AnyTag || r.tag == f.Tag)
}

func (r *Request) complete(f *Frame) error {
	if r.sizeAny {
		r.buf = f.Payload
	} else if len(f.Payload) > len(r.buf) {
		return fmt.Errorf("message truncated: %d bytes into a %d byte buffer",
			len(f.Payload), len(r.buf))
	}
	n := copy(r.buf, f.Payload)
	r.status = Status{Source: r.comm.indexOf(f.Src), Tag: f.Tag, Count: n}
	r.done = true
	return nil
}
