package memtrace

// DefaultLedgerShards is the number of independent address-map shards the
// Allocation Ledger stripes its locking across, a fixed power of two that
// keeps contention low without tuning.
const DefaultLedgerShards = 64

// DefaultMaxCallStacks is the default for the maxCallStacks setting, which
// NewLedger copies into the Ledger. Nothing reads it after that: the
// call-stack interner (callstack.go) keeps every distinct stack it sees
// and has no size limit.
const DefaultMaxCallStacks = 250000

// Config holds the engine's tunables. Zero value is invalid; use
// NewConfig to obtain one with defaults applied.
type Config struct {
	ledgerShards          int
	maxCallStacks         int
	defaultDumpPath       string
	hostVersionConstraint string
}

// Option configures a Config, following the same functional-options shape
// as CPUProfilerOption in cpuprofile.go.
type Option func(*Config)

// WithLedgerShards overrides DefaultLedgerShards.
func WithLedgerShards(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ledgerShards = n
		}
	}
}

// WithMaxCallStacks overrides DefaultMaxCallStacks.
func WithMaxCallStacks(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxCallStacks = n
		}
	}
}

// WithHostVersionConstraint declares the semver range of interpreter host
// versions this engine's struct-offset tables are valid for (version.go).
// Attaching to a host outside the range fails fast instead of silently
// misreading its internal structures.
func WithHostVersionConstraint(expr string) Option {
	return func(c *Config) { c.hostVersionConstraint = expr }
}

// NewConfig builds a Config with defaults applied, then overridden by opts
// in order.
func NewConfig(opts ...Option) Config {
	c := Config{
		ledgerShards:    DefaultLedgerShards,
		maxCallStacks:   DefaultMaxCallStacks,
		defaultDumpPath: "/tmp",
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
