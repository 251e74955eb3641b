// Package procgroup is a small message-passing layer for
// benchmark processes: ranks, communicators, barriers,
// non-blocking point-to-point messages, one-sided memory
// windows and reductions.
//
// The same Group runs on two transports. RunSim places
// every rank on a simulated fabric inside one process,
// while DialTCP joins a real process to a full TCP mesh.
//
// Like MPI, the package favors speed over robustness: it
// assumes a reliable transport and reports any failure as
// a TransportError that the caller is expected to treat as
// fatal.
package procgroup

import (
	"errors"
	"fmt"
)

const (
	// AnySource matches a message from any rank.
	AnySource = -1

	// AnyTag matches a message with any tag.
	AnyTag = -1
)

// Status describes a completed receive.
type Status struct {
	// Source is the sender's rank in the communicator the
	// receive was posted on.
	Source int

	Tag int

	// Count is the number of bytes received.
	Count int
}

// A ReduceFn combines vectors of equal length into one
// new vector. It must be associative and commutative and
// must not modify its arguments.
type ReduceFn func(vecs ...[]float64) []float64

// A Group is one rank's view of a communicator.
//
// A Group is not safe for concurrent use; each rank drives
// its Group from a single Goroutine.
type Group interface {
	// Rank is this process's index in the group.
	Rank() int

	// Size is the number of processes in the group.
	Size() int

	// Now returns a monotonic clock reading in seconds.
	Now() float64

	// Hostname is the name of the machine running this
	// rank.
	Hostname() string

	// Barrier blocks until every member has entered it.
	Barrier() error

	// Isend starts sending a copy of data to dst.
	Isend(dst, tag int, data []byte) (*Request, error)

	// Irecv starts receiving a message from src (or
	// AnySource) with the given tag (or AnyTag) into buf.
	Irecv(src, tag int, buf []byte) (*Request, error)

	// Test checks whether r has completed without
	// blocking, making transport progress on the way.
	Test(r *Request) (bool, error)

	// Waitall blocks until every request completes.
	Waitall(reqs ...*Request) error

	// Progress handles incoming traffic, blocking until at
	// least one message has arrived.
	Progress() error

	// Reduce combines one vector per member with fn. The
	// result is returned on rank 0 and nil elsewhere.
	Reduce(data []float64, fn ReduceFn) ([]float64, error)

	// Bcast returns rank 0's data on every member.
	Bcast(data []byte) ([]byte, error)

	// Allgather returns every member's data, indexed by
	// rank.
	Allgather(data []byte) ([][]byte, error)

	// Split creates a communicator over a subset of the
	// members, given by their ranks in this group. Every
	// member must call Split with the same arguments;
	// callers outside the subset get a nil Group.
	Split(members []int) (Group, error)

	// WinAllocate collectively exposes size bytes of local
	// memory for one-sided access, addressed in units of
	// dispUnit bytes.
	WinAllocate(size, dispUnit int) (*Window, error)
}

// A TransportError reports a failure of the underlying
// transport or a violation of its wire protocol.
type TransportError struct {
	Op  string
	Err error
}

func (t *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", t.Op, t.Err)
}

func (t *TransportError) Unwrap() error {
	return t.Err
}

// IsTransportError checks if err is or wraps a
// TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
