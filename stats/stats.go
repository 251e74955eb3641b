// Package stats turns measured execution times into
// bandwidth, latency and throughput figures and reduces
// them across processes.
package stats

import (
	"fmt"
	"math"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/netsan/procgroup"
)

const (
	// Microseconds converts seconds to microseconds in
	// Derive.
	Microseconds = 1e-6

	// LegacyLatencyScale reproduces latencies as printed
	// by older releases, which are ten times too small.
	LegacyLatencyScale = 10e-6
)

const megabyte = 1024 * 1024

// A Sample is one process's measurement of one test.
type Sample struct {
	BandwidthMBps float64
	LatencyUs     float64
	IOPS          float64
	ExecTime      float64
}

// Derive computes a Sample for a test in which each of
// peers peers saw iterations operations of dataSize bytes
// complete in execTime seconds.
//
// The latency is execTime per operation, divided by
// latencyScale (usually Microseconds).
func Derive(dataSize, peers, iterations int, execTime, latencyScale float64) Sample {
	ops := float64(peers) * float64(iterations)
	return Sample{
		BandwidthMBps: float64(dataSize) * ops / (megabyte * execTime),
		LatencyUs:     execTime / (ops * latencyScale),
		IOPS:          ops / execTime,
		ExecTime:      execTime,
	}
}

func (s Sample) vector() []float64 {
	return []float64{s.BandwidthMBps, s.LatencyUs, s.IOPS, s.ExecTime}
}

func sampleFromVector(v []float64) Sample {
	return Sample{
		BandwidthMBps: v[0],
		LatencyUs:     v[1],
		IOPS:          v[2],
		ExecTime:      v[3],
	}
}

const sampleFields = 4

// An Op combines samples field by field.
type Op int

const (
	Sum Op = iota
	Min
	Max
)

// Ops lists every Op in reporting order.
var Ops = []Op{Sum, Min, Max}

func (o Op) String() string {
	switch o {
	case Sum:
		return "SUM"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

func (o Op) apply(x, y float64) float64 {
	switch o {
	case Sum:
		return x + y
	case Min:
		return math.Min(x, y)
	case Max:
		return math.Max(x, y)
	}
	panic(fmt.Sprintf("unknown op %d", int(o)))
}

// Combine applies the Op to every field of two samples.
func (o Op) Combine(a, b Sample) Sample {
	av, bv := a.vector(), b.vector()
	for i := range av {
		av[i] = o.apply(av[i], bv[i])
	}
	return sampleFromVector(av)
}

// An AggregatedSample holds one reduced Sample per Op.
type AggregatedSample struct {
	Sum Sample
	Min Sample
	Max Sample
}

// Get returns the Sample reduced with op.
func (a *AggregatedSample) Get(op Op) Sample {
	switch op {
	case Sum:
		return a.Sum
	case Min:
		return a.Min
	case Max:
		return a.Max
	}
	panic(fmt.Sprintf("unknown op %d", int(op)))
}

// Aggregate reduces one Sample per member of g with every
// Op at once. The result is returned on rank 0 of g and is
// nil on every other rank.
func Aggregate(g procgroup.Group, s Sample) (*AggregatedSample, error) {
	var packed []float64
	for range Ops {
		packed = append(packed, s.vector()...)
	}
	res, err := g.Reduce(packed, reducePacked)
	if err != nil {
		return nil, essentials.AddCtx("aggregate samples", err)
	} else if res == nil {
		return nil, nil
	}
	return &AggregatedSample{
		Sum: sampleFromVector(res[0:sampleFields]),
		Min: sampleFromVector(res[sampleFields : 2*sampleFields]),
		Max: sampleFromVector(res[2*sampleFields:]),
	}, nil
}

// reducePacked combines vectors made of one sample per Op,
// laid out in the order of Ops.
func reducePacked(vecs ...[]float64) []float64 {
	res := append([]float64{}, vecs[0]...)
	for _, vec := range vecs[1:] {
		for i, x := range vec {
			res[i] = Ops[i/sampleFields].apply(res[i], x)
		}
	}
	return res
}
