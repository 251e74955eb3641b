package procgroup

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func freeAddrs(t *testing.T, n int) []string {
	var addrs []string
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, l.Addr().String())
		l.Close()
	}
	return addrs
}

func runTCP(t *testing.T, addrs []string, tokens []string, f func(c *Comm) error) []error {
	errs := make([]error, len(addrs))
	var wg sync.WaitGroup
	for i := range addrs {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			c, err := DialTCP(TCPConfig{
				Addrs:   addrs,
				Rank:    rank,
				Token:   tokens[rank],
				Timeout: 5 * time.Second,
				Log:     zap.NewNop(),
			})
			if err != nil {
				errs[rank] = err
				return
			}
			if err := f(c); err != nil {
				errs[rank] = err
				c.Close()
				return
			}
			errs[rank] = c.Finalize()
		}(i)
	}
	wg.Wait()
	return errs
}

func TestTCPMesh(t *testing.T) {
	const numRanks = 4
	addrs := freeAddrs(t, numRanks)
	tokens := []string{"run", "run", "run", "run"}
	errs := runTCP(t, addrs, tokens, func(c *Comm) error {
		all, err := c.Allgather([]byte(fmt.Sprintf("r%d", c.Rank())))
		if err != nil {
			return err
		}
		for i, data := range all {
			if string(data) != fmt.Sprintf("r%d", i) {
				return fmt.Errorf("entry %d is %q", i, data)
			}
		}

		win, err := c.WinAllocate(c.Size(), 1)
		if err != nil {
			return err
		}
		if err := win.LockAll(); err != nil {
			return err
		}
		for target := 0; target < c.Size(); target++ {
			if _, err := win.Put([]byte{byte(c.Rank())}, target, c.Rank()); err != nil {
				return err
			}
		}
		if err := win.UnlockAll(); err != nil {
			return err
		}

		res, err := c.Reduce([]float64{1}, func(vecs ...[]float64) []float64 {
			var s float64
			for _, v := range vecs {
				s += v[0]
			}
			return []float64{s}
		})
		if err != nil {
			return err
		}
		if c.Rank() == 0 && res[0] != numRanks {
			return fmt.Errorf("bad reduction %v", res)
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		for i, b := range win.Bytes() {
			if int(b) != i {
				return fmt.Errorf("window holds %v", win.Bytes())
			}
		}
		return c.Barrier()
	})
	for rank, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}
}

func TestTCPTokenMismatch(t *testing.T) {
	addrs := freeAddrs(t, 2)
	errs := runTCP(t, addrs, []string{"a", "b"}, func(c *Comm) error {
		return nil
	})
	for rank, err := range errs {
		if !IsTransportError(err) {
			t.Errorf("rank %d: expected transport error but got %v", rank, err)
		}
	}
}

func TestTCPPeerFailure(t *testing.T) {
	addrs := freeAddrs(t, 3)
	failure := errors.New("benchmark failed")
	done := make(chan []error, 1)
	go func() {
		done <- runTCP(t, addrs, []string{"run", "run", "run"}, func(c *Comm) error {
			if c.Rank() == 2 {
				return failure
			}
			return c.Barrier()
		})
	}()

	select {
	case errs := <-done:
		if errs[2] != failure {
			t.Errorf("rank 2: expected %v but got %v", failure, errs[2])
		}
		for rank := 0; rank < 2; rank++ {
			if errs[rank] == nil || !strings.Contains(errs[rank].Error(), "disconnected before finishing") {
				t.Errorf("rank %d: expected disconnection error but got %v", rank, errs[rank])
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("surviving ranks did not notice the failed rank")
	}
}

func TestTCPFinalizeAfterUnevenWork(t *testing.T) {
	addrs := freeAddrs(t, 4)
	errs := runTCP(t, addrs, []string{"x", "x", "x", "x"}, func(c *Comm) error {
		// Rank 0 finishes long before the others stop
		// talking to each other.
		if c.Rank() == 0 {
			return nil
		}
		buf := make([]byte, 1)
		for i := 0; i < 50; i++ {
			peer := 1 + (c.Rank()-1+1)%3
			if _, err := c.Isend(peer, 0, []byte{byte(i)}); err != nil {
				return err
			}
			from := 1 + (c.Rank()-1+2)%3
			r, err := c.Irecv(from, 0, buf)
			if err != nil {
				return err
			}
			if err := c.Waitall(r); err != nil {
				return err
			}
		}
		return nil
	})
	for rank, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	}
}
