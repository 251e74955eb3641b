package fabric

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
)

// A Host is a machine attached to the fabric.
type Host struct {
	// Name is reported by hostname resolution.
	Name string
}

// NewHost creates a new, unique Host.
func NewHost(name string) *Host {
	return &Host{Name: name}
}

// NIC attaches a new network interface to the Host.
func (h *Host) NIC(loop *EventLoop) *NIC {
	return &NIC{Host: h, Incoming: loop.Stream()}
}

// A NIC is a host's point of attachment to the fabric.
// Packets are sent from NICs and received on NICs.
type NIC struct {
	Host *Host

	// A stream of *Packet objects.
	Incoming *EventStream
}

// Recv blocks until the next packet arrives.
func (n *NIC) Recv(h *Handle) *Packet {
	return h.Poll(n.Incoming).Message.(*Packet)
}

// TryRecv returns a packet that has already arrived, or
// nil.
func (n *NIC) TryRecv(h *Handle) *Packet {
	if event := h.TryPoll(n.Incoming); event != nil {
		return event.Message.(*Packet)
	}
	return nil
}

// A Packet is a unit of data crossing the fabric.
type Packet struct {
	Src     *NIC
	Dst     *NIC
	Payload interface{}

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network moves packets between NICs.
type Network interface {
	// Send hands packets to the fabric without blocking.
	// Each packet eventually shows up on its destination
	// NIC's Incoming stream.
	//
	// Passing several packets at once is preferred, since
	// some models re-plan every in-flight transfer on
	// each call.
	Send(h *Handle, pkts ...*Packet)
}

// A JitterNetwork delivers every packet after an
// independent random delay in [0, MaxLatency).
//
// It does not preserve ordering, which makes it useful to
// check that higher layers do.
type JitterNetwork struct {
	MaxLatency float64
}

// Send schedules the packets with random delays.
func (j JitterNetwork) Send(h *Handle, pkts ...*Packet) {
	maxLatency := j.MaxLatency
	if maxLatency == 0 {
		maxLatency = 1
	}
	for _, pkt := range pkts {
		h.Schedule(pkt.Dst.Incoming, pkt, rand.Float64()*maxLatency)
	}
}

// A SwitchedNetwork passes data through a Switch.
// Concurrent transfers share link capacity, so a large
// window of in-flight packets slows each of them down the
// way a real oversubscribed fabric would.
type SwitchedNetwork struct {
	lock sync.Mutex

	sw      Switch
	hosts   []*Host
	latency float64

	plan transferPlan
}

// NewSwitchedNetwork creates a SwitchedNetwork.
//
// The latency is paid by every packet before any of its
// bytes move. Latency time still counts against
// oversubscription, so congestion is slightly
// overestimated.
func NewSwitchedNetwork(sw Switch, hosts []*Host, latency float64) *SwitchedNetwork {
	return &SwitchedNetwork{
		sw:      sw,
		hosts:   hosts,
		latency: latency,
	}
}

// Send adds the packets to the in-flight set and
// re-plans delivery times.
func (s *SwitchedNetwork) Send(h *Handle, pkts ...*Packet) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state := s.stopPlan(h)
	for _, pkt := range pkts {
		state = append(state, &transfer{
			pkt:              pkt,
			remainingLatency: s.latency,
			remainingSize:    pkt.Size,
		})
	}
	s.createPlan(h, state)
}

func (s *SwitchedNetwork) stopPlan(h *Handle) []*transfer {
	var current []*transfer
	for _, seg := range s.plan {
		if h.Time() >= seg.endTime {
			// Already delivered.
			continue
		}
		if h.Time() >= seg.startTime {
			elapsed := h.Time() - seg.startTime
			for _, t := range seg.startState {
				current = append(current, t.Advance(elapsed))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return current
}

func (s *SwitchedNetwork) computeRates(state []*transfer) {
	hostIndex := map[*Host]int{}
	for i, host := range s.hosts {
		hostIndex[host] = i
	}

	mat := NewRateMatrix(len(s.hosts))
	counts := NewRateMatrix(len(s.hosts))
	for _, t := range state {
		src, dst := hostIndex[t.pkt.Src.Host], hostIndex[t.pkt.Dst.Host]
		mat.Set(src, dst, 1)
		counts.Set(src, dst, counts.Get(src, dst)+1)
	}
	s.sw.Rates(mat)
	for _, t := range state {
		src, dst := hostIndex[t.pkt.Src.Host], hostIndex[t.pkt.Dst.Host]
		t.rate = mat.Get(src, dst) / counts.Get(src, dst)
	}
}

func (s *SwitchedNetwork) createPlan(h *Handle, state []*transfer) {
	s.plan = make(transferPlan, 0, len(state))
	startTime := h.Time()
	for len(state) > 0 {
		s.computeRates(state)

		next, rest, eta := earliestTransfers(state)

		timers := make([]*Timer, len(next))
		for i, t := range next {
			delay := startTime - h.Time() + eta
			timers[i] = h.Schedule(t.pkt.Dst.Incoming, t.pkt, delay)
		}

		endTime := timers[0].Time()
		s.plan = append(s.plan, &planSegment{
			startTime:  startTime,
			endTime:    endTime,
			timers:     timers,
			startState: state,
		})

		for i, t := range rest {
			rest[i] = t.Advance(endTime - startTime)
		}
		state = rest
		startTime = endTime
	}
}

// transfer is one packet in flight on a SwitchedNetwork.
type transfer struct {
	pkt *Packet

	remainingLatency float64
	remainingSize    float64
	rate             float64
}

// ETA gets the time left until the packet arrives.
func (t *transfer) ETA() float64 {
	return math.Max(0, t.remainingLatency+t.remainingSize/t.rate)
}

// Advance returns the transfer's state after elapsed
// seconds at its current rate.
func (t *transfer) Advance(elapsed float64) *transfer {
	res := *t

	if elapsed < res.remainingLatency {
		res.remainingLatency -= elapsed
		return &res
	}

	elapsed -= res.remainingLatency
	res.remainingLatency = 0
	res.remainingSize -= res.rate * elapsed

	return &res
}

// planSegment is a period during which no transfer
// starts, ending when at least one packet is delivered.
type planSegment struct {
	startTime float64
	endTime   float64
	timers    []*Timer

	startState []*transfer
}

type transferPlan []*planSegment

func earliestTransfers(ts []*transfer) (earliest, rest []*transfer, eta float64) {
	etas := make([]float64, len(ts))
	for i, t := range ts {
		etas[i] = t.ETA()
	}
	eta = etas[0]
	for _, x := range etas {
		if x < eta {
			eta = x
		}
	}

	earliest = make([]*transfer, 0, 1)
	rest = make([]*transfer, 0, len(ts)-1)
	for i, t := range ts {
		if etas[i] == eta {
			earliest = append(earliest, t)
		} else {
			rest = append(rest, t)
		}
	}
	return earliest, rest, eta
}

// A SerialNetwork delivers packets to each destination
// one at a time, in the order they were sent, at a fixed
// rate plus a random latency.
type SerialNetwork struct {
	Rate       float64
	MaxLatency float64

	lock      sync.Mutex
	nextTimes map[*Host]float64
}

// NewSerialNetwork creates a SerialNetwork.
func NewSerialNetwork(rate, maxLatency float64) *SerialNetwork {
	return &SerialNetwork{
		Rate:       rate,
		MaxLatency: maxLatency,
		nextTimes:  map[*Host]float64{},
	}
}

// Send queues the packets behind whatever is already
// headed to each destination.
func (s *SerialNetwork) Send(h *Handle, pkts ...*Packet) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := h.Time()
	for _, pkt := range pkts {
		dst := pkt.Dst.Host
		delay := rand.Float64()*s.MaxLatency + pkt.Size/s.Rate
		if t, ok := s.nextTimes[dst]; ok && t > now {
			delay += t - now
		}
		h.Schedule(pkt.Dst.Incoming, pkt, delay)
		s.nextTimes[dst] = now + delay
	}
}

// NewCluster creates n hosts named host0..host{n-1}
// joined by a SwitchedNetwork whose NICs all run at rate
// bytes per second.
func NewCluster(n int, rate, latency float64) ([]*Host, *SwitchedNetwork) {
	hosts := make([]*Host, n)
	for i := range hosts {
		hosts[i] = NewHost(hostName(i))
	}
	sw := NewFairShareSwitch(n, rate)
	return hosts, NewSwitchedNetwork(sw, hosts, latency)
}

func hostName(i int) string {
	return "host" + strconv.Itoa(i)
}
