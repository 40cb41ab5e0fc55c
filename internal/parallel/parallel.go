// Package parallel configures concurrent tool dispatch within one completion round.
package parallel

// Config controls parallel tool execution.
type Config struct {
	Enabled       bool
	MaxConcurrent int
}

// DefaultConfig runs up to four tool calls of one round at a time.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxConcurrent: 4,
	}
}

// Sequential returns a config that runs tool calls one after another.
func Sequential() Config {
	return Config{MaxConcurrent: 1}
}

// Limit returns the effective concurrency for n pending calls.
func (c Config) Limit(n int) int {
	if !c.Enabled || c.MaxConcurrent <= 1 || n <= 1 {
		return 1
	}
	if c.MaxConcurrent > n {
		return n
	}
	return c.MaxConcurrent
}
