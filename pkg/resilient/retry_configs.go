package resilient

import (
	"time"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/pkg/retry"
)

// readRetryConfig is the default retry strategy for store reads.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "store_read",
}

// writeRetryConfig is the default retry strategy for store writes. A write
// is only retried when it never reached the backend.
var writeRetryConfig = retry.BackoffConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      1,
	OperationName:   "store_write",
}

func retryConfigs(cfg config.ResilienceConfig) (read, write retry.BackoffConfig) {
	read, write = readRetryConfig, writeRetryConfig
	if cfg.MaxRetries > 0 {
		read.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialInterval != "" {
		read.InitialInterval = cfg.GetInitialInterval()
		write.InitialInterval = cfg.GetInitialInterval()
	}
	if cfg.MaxInterval != "" {
		read.MaxInterval = cfg.GetMaxInterval()
		write.MaxInterval = cfg.GetMaxInterval()
	}
	return read, write
}
