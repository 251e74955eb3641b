package fabric

import "testing"

func TestSwitchedNetworkSinglePacket(t *testing.T) {
	loop := NewEventLoop()

	host1, host2 := NewHost("a"), NewHost("b")
	nic1, nic2 := host1.NIC(loop), host2.NIC(loop)
	network := NewSwitchedNetwork(NewFairShareSwitch(2, 2.0), []*Host{host1, host2}, 3.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Packet{Src: nic1, Dst: nic2, Payload: "hi b", Size: 124.0})
		if val := nic1.Recv(h).Payload; val != "hi a" {
			t.Errorf("unexpected payload: %v", val)
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h, &Packet{Src: nic2, Dst: nic1, Payload: "hi a", Size: 124.0})
		if val := nic2.Recv(h).Payload; val != "hi b" {
			t.Errorf("unexpected payload: %v", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 124.0/2.0 + 3.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

func TestSwitchedNetworkOversubscribed(t *testing.T) {
	loop := NewEventLoop()

	rate := 4.0
	host1, host2 := NewHost("a"), NewHost("b")
	nic1, nic2 := host1.NIC(loop), host2.NIC(loop)
	network := NewSwitchedNetwork(NewFairShareSwitch(2, rate), []*Host{host1, host2}, 2.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Packet{Src: nic1, Dst: nic2, Payload: "first", Size: 123.0})
		network.Send(h, &Packet{Src: nic1, Dst: nic2, Payload: "second", Size: 124.0})
		if val := nic1.Recv(h).Payload; val != "reply" {
			t.Errorf("unexpected payload: %v", val)
		}
		expectedTime := 1.0 + 2.0 + 124.0/rate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
	})

	loop.Go(func(h *Handle) {
		// Let the other packets get in flight first, so
		// that this send has to re-plan them.
		h.Sleep(1)

		network.Send(h, &Packet{Src: nic2, Dst: nic1, Payload: "reply", Size: 124.0})
		if val := nic2.Recv(h).Payload; val != "first" {
			t.Errorf("unexpected payload: %v", val)
		}
		expectedTime := 2.0 + 2.0*123.0/rate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
		if val := nic2.Recv(h).Payload; val != "second" {
			t.Errorf("unexpected payload: %v", val)
		}
		expectedTime += 1.0 / rate
		if h.Time() != expectedTime {
			t.Errorf("expected time %f but got %f", expectedTime, h.Time())
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 2.0 + 2.0*123.0/rate + 1.0/rate
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}

	// No stray packets may be left behind.
	for _, nic := range []*NIC{nic1, nic2} {
		loop.Go(func(h *Handle) {
			h.Poll(nic.Incoming)
		})
		if loop.Run() == nil {
			t.Error("expected deadlock error")
		}
	}
}

func TestSerialNetworkOrdering(t *testing.T) {
	loop := NewEventLoop()
	network := NewSerialNetwork(10.0, 5.0)
	src, dst := NewHost("a").NIC(loop), NewHost("b").NIC(loop)

	loop.Go(func(h *Handle) {
		var pkts []*Packet
		for i := 0; i < 20; i++ {
			pkts = append(pkts, &Packet{Src: src, Dst: dst, Payload: i, Size: float64(20 - i)})
		}
		network.Send(h, pkts...)
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < 20; i++ {
			if val := dst.Recv(h).Payload; val != i {
				t.Errorf("packet %d: got %v", i, val)
			}
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestNewCluster(t *testing.T) {
	hosts, network := NewCluster(12, 1e9, 1e-6)
	if len(hosts) != 12 {
		t.Fatalf("expected 12 hosts but got %d", len(hosts))
	}
	if hosts[11].Name != "host11" {
		t.Errorf("unexpected host name %q", hosts[11].Name)
	}
	if network.latency != 1e-6 {
		t.Errorf("unexpected latency %f", network.latency)
	}
}
