// Package topology computes which rank talks to which in
// every round of an all-to-all exchange.
package topology

import "fmt"

// Role says which side of a pair a rank plays in a round.
type Role int

const (
	Send Role = iota
	Recv
)

func (r Role) String() string {
	switch r {
	case Send:
		return "send"
	case Recv:
		return "recv"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// A Peer is one round of a rank's schedule.
type Peer struct {
	Rank int
	Role Role
}

// Schedule computes size-1 rounds in which every rank is
// paired with exactly one other rank, such that over all
// rounds every pair meets exactly once.
//
// It uses the circle method: rank 0 stays fixed while the
// other ranks rotate around it. In each pair, the first
// rank receives and the second sends.
func Schedule(rank, size int) ([]Peer, error) {
	if size < 2 || size%2 != 0 {
		return nil, fmt.Errorf("schedule: need an even number of ranks, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("schedule: rank %d out of range [0, %d)", rank, size)
	}
	half := size / 2
	res := make([]Peer, 0, size-1)
	for s := 0; s < size-1; s++ {
		for p := 0; p < half-1; p++ {
			from := wrap(half-p, s, size)
			to := wrap(half+1+p, s, size)
			if peer, ok := pairRole(rank, from, to); ok {
				res = append(res, peer)
			}
		}
		if peer, ok := pairRole(rank, 0, wrap(1, s, size)); ok {
			res = append(res, peer)
		}
	}
	return res, nil
}

// wrap rotates position k of the circle by s steps. Ranks
// 1 through n-1 sit on the circle.
func wrap(k, s, n int) int {
	return (k-1-s+(n-1))%(n-1) + 1
}

func pairRole(rank, from, to int) (Peer, bool) {
	if from == rank {
		return Peer{Rank: to, Role: Recv}, true
	} else if to == rank {
		return Peer{Rank: from, Role: Send}, true
	}
	return Peer{}, false
}
