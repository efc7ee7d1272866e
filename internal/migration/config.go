package migration

import "time"

// Config holds the migration orchestrator configuration.
type Config struct {
	// MaxConcurrent bounds the number of migrations executing at once
	// across the whole cluster. Excess jobs queue in the Pending stage.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// StageTimeout bounds every stage that is not a bulk data transfer.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`

	// TransferTimeout bounds the disk-copy and state-streaming stages,
	// which move workload data and can run far longer.
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`

	// ReserveRetries bounds compare-and-commit retries when reserving
	// capacity on an operator-pinned target node.
	ReserveRetries int `mapstructure:"reserve_retries"`

	// PollInterval is how often Await re-reads a job while waiting for it
	// to finish.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// BandwidthMbps caps transfer bandwidth. Zero means unlimited.
	BandwidthMbps uint64 `mapstructure:"bandwidth_mbps"`

	// Compressed enables transfer compression.
	Compressed bool `mapstructure:"compressed"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   2,
		StageTimeout:    2 * time.Minute,
		TransferTimeout: 30 * time.Minute,
		ReserveRetries:  3,
		PollInterval:    200 * time.Millisecond,
	}
}
