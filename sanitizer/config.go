package sanitizer

import "fmt"

// A Direction selects the one-sided operation servers
// perform for each client request.
type Direction int

const (
	DirNone Direction = iota
	DirPut
	DirGet
)

func (d Direction) String() string {
	switch d {
	case DirNone:
		return "Und"
	case DirPut:
		return "Put"
	case DirGet:
		return "Get"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// A Pattern is a communication topology.
type Pattern int

const (
	ClientServer Pattern = iota
	AllToAll
)

func (p Pattern) String() string {
	switch p {
	case ClientServer:
		return "client-server"
	case AllToAll:
		return "all-to-all"
	}
	return fmt.Sprintf("Pattern(%d)", int(p))
}

// A TestConfig describes one test of a sweep.
type TestConfig struct {
	Pattern    Pattern
	DataSize   int
	Iterations int
	Depth      int
	Direction  Direction

	// Warmup tests are timed like the others, but their
	// results are discarded.
	Warmup bool

	// Index counts the measured tests of a sweep from 0.
	Index int
}

const (
	warmupSize               = 1
	clientServerWarmupIters  = 128
	allToAllWarmupIterations = 2
)

func warmupConfig(pattern Pattern, depth int, dir Direction) TestConfig {
	iters := clientServerWarmupIters
	if pattern == AllToAll {
		iters = allToAllWarmupIterations
	}
	return TestConfig{
		Pattern:    pattern,
		DataSize:   warmupSize,
		Iterations: iters,
		Depth:      depth,
		Direction:  dir,
		Warmup:     true,
		Index:      -1,
	}
}
