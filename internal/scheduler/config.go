// Package scheduler implements workload placement for the virtforge control
// plane. It selects which node should host a workload based on ledger
// capacity, health status, placement strategy, and affinity constraints.
package scheduler

// Config holds the scheduler configuration.
type Config struct {
	// MaxReserveRetries bounds how many times a placement recomputes its
	// candidate set after losing a reservation race before surfacing the
	// conflict to the caller.
	MaxReserveRetries int `mapstructure:"max_reserve_retries"`

	// PreferredNodeBonus is added to the score of nodes named in a
	// request's preferred-nodes list.
	PreferredNodeBonus float64 `mapstructure:"preferred_node_bonus"`

	// DefaultStrategy applies when a request does not name a strategy.
	DefaultStrategy string `mapstructure:"default_strategy"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxReserveRetries:  3,
		PreferredNodeBonus: 20.0,
		DefaultStrategy:    "BALANCED",
	}
}
