package scheduler

import (
	"time"

	appconfig "github.com/nusalink/ispbill/internal/config"
)

// Config controls scheduler cadence, batch sizes and job selection.
type Config struct {
	RunInterval        time.Duration
	InvoiceBatchSize   int
	OutboxBatchSize    int
	LedgerSampleSize   int
	JobTimeout         time.Duration
	InvoiceJobInterval time.Duration
	DunningJobInterval time.Duration
	FupJobInterval     time.Duration
	// EnabledJobs empty means all jobs run (monolith mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        time.Minute,
		InvoiceBatchSize:   100,
		OutboxBatchSize:    50,
		LedgerSampleSize:   25,
		JobTimeout:         30 * time.Second,
		InvoiceJobInterval: 24 * time.Hour,
		DunningJobInterval: 24 * time.Hour,
		FupJobInterval:     15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.InvoiceBatchSize <= 0 {
		c.InvoiceBatchSize = defaults.InvoiceBatchSize
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	if c.LedgerSampleSize <= 0 {
		c.LedgerSampleSize = defaults.LedgerSampleSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.InvoiceJobInterval <= 0 {
		c.InvoiceJobInterval = defaults.InvoiceJobInterval
	}
	if c.DunningJobInterval <= 0 {
		c.DunningJobInterval = defaults.DunningJobInterval
	}
	if c.FupJobInterval <= 0 {
		c.FupJobInterval = defaults.FupJobInterval
	}
	return c
}

// ProvideConfig derives the scheduler config from the app environment.
func ProvideConfig(cfg appconfig.Config) Config {
	out := DefaultConfig()
	out.EnabledJobs = cfg.EnabledJobs
	return out
}
