package sanitizer

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultIterations  = 128
	DefaultDepth       = 12
	DefaultServerDepth = 128
	DefaultStartSize   = 1
	DefaultEndSize     = 1 << 22

	// MaxDataSize bounds the data size of a test.
	MaxDataSize = math.MaxInt32
)

// Options configures a benchmark run. Every process of a
// run must use the same Options.
type Options struct {
	// Servers is the number of server ranks. With no
	// servers, every rank takes part in an all-to-all
	// exchange instead.
	Servers int `yaml:"servers"`

	Iterations int `yaml:"iterations"`

	// Depth bounds the operations a client (or an
	// all-to-all pair) keeps in flight.
	Depth int `yaml:"depth"`

	// ServerDepth bounds the requests a server handles at
	// once.
	ServerDepth int `yaml:"server_depth"`

	// BlockSize, if non-negative, tests that single size
	// instead of sweeping from StartSize to EndSize.
	BlockSize int `yaml:"bsize"`
	StartSize int `yaml:"start_size"`
	EndSize   int `yaml:"end_size"`

	// Sequential measures all-to-all pairs one direction
	// at a time, one rank after the other.
	Sequential bool `yaml:"sequential"`

	// Verbose prints one line per process and test instead
	// of the reduced table.
	Verbose bool `yaml:"verbose"`

	// Hostnames labels verbose lines with host names.
	Hostnames bool `yaml:"hostnames"`

	// LegacyLatency reports latencies with the scale used
	// by older releases, for comparison with old logs.
	LegacyLatency bool `yaml:"legacy_latency"`
}

// DefaultOptions returns the options used when nothing
// else is configured.
func DefaultOptions() Options {
	return Options{
		Iterations:  DefaultIterations,
		Depth:       DefaultDepth,
		ServerDepth: DefaultServerDepth,
		BlockSize:   -1,
		StartSize:   DefaultStartSize,
		EndSize:     DefaultEndSize,
	}
}

// LoadOptions reads a YAML file over opts. Fields missing
// from the file keep their values.
func LoadOptions(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return &ConfigError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return nil
}

// Sizes returns the first and last data size of a sweep.
func (o *Options) Sizes() (start, end int) {
	if o.BlockSize >= 0 {
		return o.BlockSize, o.BlockSize
	}
	return o.StartSize, o.EndSize
}

// Clients is the number of client ranks in a world of the
// given size.
func (o *Options) Clients(worldSize int) int {
	return worldSize - o.Servers
}

// Validate checks the options for a world of the given
// size, returning a *ConfigError if they cannot be run.
func (o *Options) Validate(worldSize int) error {
	start, end := o.Sizes()
	switch {
	case o.Servers < 0:
		return configErrorf("negative server count %d", o.Servers)
	case o.Servers >= worldSize:
		return configErrorf("%d servers leave no clients among %d processes", o.Servers, worldSize)
	case o.Iterations < 1:
		return configErrorf("iteration count must be positive, got %d", o.Iterations)
	case o.Depth < 1:
		return configErrorf("depth must be positive, got %d", o.Depth)
	case o.ServerDepth < 1:
		return configErrorf("server depth must be positive, got %d", o.ServerDepth)
	case start < 1:
		return configErrorf("data size must be positive, got %d", start)
	case start > end:
		return configErrorf("start size %d exceeds end size %d", start, end)
	case end > MaxDataSize:
		return configErrorf("data size %d exceeds the limit of %d", end, MaxDataSize)
	case end > math.MaxInt/o.Depth || end > math.MaxInt/o.ServerDepth:
		return configErrorf("windows of %d buffers of %d bytes are too large",
			max(o.Depth, o.ServerDepth), end)
	case o.Servers == 0 && worldSize%2 != 0:
		return configErrorf("all-to-all mode requires an even number of clients, got %d", worldSize)
	}
	return nil
}
