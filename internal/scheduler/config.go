package scheduler

import "time"

// IntervalFloor is the operator-advised minimum export interval.
// Shorter intervals are honored but logged, since sub-hourly cycles
// mostly re-scan windows that are not yet complete.
const IntervalFloor = time.Hour

// Config controls the export scheduler's cadence and scan depth.
type Config struct {
	// Interval between scheduled export cycles.
	Interval time.Duration
	// Lookback bounds how far behind the scheduler scans for unsent
	// windows.
	Lookback time.Duration
	// Timezone aligns window boundaries to local-time hours.
	Timezone *time.Location
	// BatchLimit caps records pulled per window. Zero means no cap.
	BatchLimit int
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		Lookback: 24 * time.Hour,
		Timezone: time.UTC,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Lookback <= 0 {
		c.Lookback = defaults.Lookback
	}
	if c.Timezone == nil {
		c.Timezone = defaults.Timezone
	}
	return c
}
