// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package platform

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized option from spec.md §6. Field names
// match the spec's option names; nested groups (reconnect.*, state.*)
// become nested structs, matching the teacher's convention of grouping
// config by owning subsystem (seen in its per-package Config types).
type Config struct {
	EventIntakeQueueCapacity int `toml:"eventIntakeQueueCapacity"`

	Throttle7MaxBytes   int `toml:"throttle7maxBytes"`
	Throttle7Extra      int `toml:"throttle7extra"`
	Throttle7Threshold  int `toml:"throttle7threshold"`

	MaxIncomingSyncsInc int `toml:"maxIncomingSyncsInc"`
	MaxOutgoingSyncs    int `toml:"maxOutgoingSyncs"`

	// TransactionThrottle paces self-authored event synthesis after a
	// clean sync round (spec.md §4.3 step 8). Rate is events/sec; zero
	// disables synthesis, leaving this node replay-only.
	TransactionThrottleRate  float64 `toml:"transactionThrottleRate"`
	TransactionThrottleBurst int     `toml:"transactionThrottleBurst"`
	MaxTransactionsPerEvent  int     `toml:"maxTransactionsPerEvent"`

	SleepHeartbeat          Duration `toml:"sleepHeartbeat"`
	TimeoutSyncClientSocket Duration `toml:"timeoutSyncClientSocket"`
	WaitListenerRead        Duration `toml:"waitListenerRead"`

	Reconnect ReconnectConfig `toml:"reconnect"`
	State     StateConfig     `toml:"state"`

	EnableEventStreaming  bool `toml:"enableEventStreaming"`
	EventsLogPeriod       Duration `toml:"eventsLogPeriod"`
	EventStreamQueueCapacity int   `toml:"eventStreamQueueCapacity"`

	DataDir    string `toml:"dataDir"`
	MetricsAddr string `toml:"metricsAddr"`
}

// ReconnectConfig groups the reconnect.* options.
type ReconnectConfig struct {
	Active                               bool     `toml:"active"`
	FallenBehindThreshold                float64  `toml:"fallenBehindThreshold"`
	MaximumReconnectFailuresBeforeShutdown int    `toml:"maximumReconnectFailuresBeforeShutdown"`
	AsyncStreamTimeoutMilliseconds       Duration `toml:"asyncStreamTimeoutMilliseconds"`
}

// StateConfig groups the state.* options.
type StateConfig struct {
	SaveStatePeriod Duration `toml:"saveStatePeriod"`
	RoundsStale     uint64   `toml:"roundsStale"`
	RoundsExpired   uint64   `toml:"roundsExpired"`
}

// Duration is a TOML-friendly wrapper so config files write "5s"/"200ms"
// instead of raw nanosecond integers.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the option defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		EventIntakeQueueCapacity: 10_000,
		Throttle7MaxBytes:        4096,
		Throttle7Extra:           100,
		Throttle7Threshold:       50,
		MaxIncomingSyncsInc:      4,
		MaxOutgoingSyncs:         2,
		TransactionThrottleRate:  20,
		TransactionThrottleBurst: 1,
		MaxTransactionsPerEvent:  100,
		SleepHeartbeat:           Duration{500 * time.Millisecond},
		TimeoutSyncClientSocket:  Duration{5 * time.Second},
		WaitListenerRead:         Duration{5 * time.Second},
		Reconnect: ReconnectConfig{
			Active:                                  true,
			FallenBehindThreshold:                    0.5,
			MaximumReconnectFailuresBeforeShutdown:    10,
			AsyncStreamTimeoutMilliseconds:           Duration{5 * time.Second},
		},
		State: StateConfig{
			SaveStatePeriod: Duration{0},
			RoundsStale:     25,
			RoundsExpired:   500,
		},
		EnableEventStreaming:     false,
		EventsLogPeriod:          Duration{60 * time.Second},
		EventStreamQueueCapacity: 10_000,
		DataDir:                  "./data",
		MetricsAddr:              "127.0.0.1:9100",
	}
}

// LoadConfig reads and parses a TOML config document, starting from
// DefaultConfig so a partial file only overrides what it names.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
