// Package config loads Kestrel's engine-wide tunables from YAML, per
// SPEC_FULL.md §10. Every field maps onto a sub-package's own Config
// struct (statestore.Config, nfa.Config, lazydfa.CacheConfig/
// HotSpotThreshold, strategy.Profile) so Default here is just the
// composition of each package's own DefaultConfig/zero-value — the
// Config/DefaultConfig naming convention itself is carried from every
// configurable package in coregx-coregex (meta.Config, dfa/lazy.Config,
// literal.ExtractorConfig).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelsec/kestrel/lazydfa"
	"github.com/kestrelsec/kestrel/nfa"
	"github.com/kestrelsec/kestrel/replay"
	"github.com/kestrelsec/kestrel/statestore"
	"github.com/kestrelsec/kestrel/strategy"
)

// Config is the root engine configuration.
type Config struct {
	StateStore struct {
		ShardCount   int `yaml:"shard_count"`
		MaxPerEntity int `yaml:"max_per_entity"`
		MaxPerRule   int `yaml:"max_per_rule"`
	} `yaml:"state_store"`

	Sequences struct {
		MaxSequences int `yaml:"max_sequences"`

		// HighWaterMark/TargetFillLevel gate spec §5's LRU reclaim: above
		// HighWaterMark in-flight partial matches, Tick evicts down to
		// TargetFillLevel regardless of TTL. Zero disables the reclaim.
		HighWaterMark   int     `yaml:"high_water_mark"`
		TargetFillLevel float64 `yaml:"target_fill_level"`
	} `yaml:"sequences"`

	DFACache struct {
		MaxDFAs                 int     `yaml:"max_dfas"`
		MaxTotalMemoryBytes     uint64  `yaml:"max_total_memory_bytes"`
		MemoryEvictionThreshold float64 `yaml:"memory_eviction_threshold"`
		// MaxProcessRSSBytes bounds actual process RSS rather than the
		// cache's own per-entry accounting; zero disables the check.
		MaxProcessRSSBytes uint64 `yaml:"max_process_rss_bytes"`
	} `yaml:"dfa_cache"`

	HotSpot struct {
		MinTotalMatches     uint64  `yaml:"min_total_matches"`
		MinSuccessRate      float64 `yaml:"min_success_rate"`
		MinMatchesPerMinute float64 `yaml:"min_matches_per_minute"`
	} `yaml:"hot_spot"`

	Calibration string `yaml:"calibration"` // "conservative" | "default" | "aggressive"

	TickInterval time.Duration `yaml:"tick_interval"`

	Replay struct {
		LiveSpeed       bool    `yaml:"live_speed"`
		SpeedMultiplier float64 `yaml:"speed_multiplier"`
		StopOnError     bool    `yaml:"stop_on_error"`
	} `yaml:"replay"`
}

// Default returns a Config assembled from every sub-package's own
// defaults.
func Default() Config {
	var c Config
	ss := statestore.DefaultConfig()
	c.StateStore.ShardCount = ss.ShardCount
	c.StateStore.MaxPerEntity = ss.MaxPerEntity
	c.StateStore.MaxPerRule = ss.MaxPerRule

	nc := nfa.DefaultConfig()
	c.Sequences.MaxSequences = nc.MaxSequences
	c.Sequences.HighWaterMark = nc.HighWaterMark
	c.Sequences.TargetFillLevel = nc.TargetFillLevel

	dc := lazydfa.DefaultCacheConfig()
	c.DFACache.MaxDFAs = dc.MaxDFAs
	c.DFACache.MaxTotalMemoryBytes = dc.MaxTotalMemoryBytes
	c.DFACache.MemoryEvictionThreshold = dc.MemoryEvictionThreshold
	c.DFACache.MaxProcessRSSBytes = dc.MaxProcessRSSBytes

	hs := lazydfa.DefaultHotSpotThreshold()
	c.HotSpot.MinTotalMatches = hs.MinTotalMatches
	c.HotSpot.MinSuccessRate = hs.MinSuccessRate
	c.HotSpot.MinMatchesPerMinute = hs.MinMatchesPerMinute

	c.Calibration = string(strategy.ProfileDefault)
	c.TickInterval = time.Second

	rc := replay.DefaultPlayerConfig()
	c.Replay.LiveSpeed = rc.LiveSpeed
	c.Replay.SpeedMultiplier = rc.SpeedMultiplier
	c.Replay.StopOnError = rc.StopOnError
	return c
}

// Load reads and parses a YAML config file, filling any field the file
// omits from Default().
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) StateStoreConfig() statestore.Config {
	return statestore.Config{
		ShardCount:   c.StateStore.ShardCount,
		MaxPerEntity: c.StateStore.MaxPerEntity,
		MaxPerRule:   c.StateStore.MaxPerRule,
	}
}

func (c Config) NFAConfig() nfa.Config {
	return nfa.Config{
		MaxSequences:    c.Sequences.MaxSequences,
		HighWaterMark:   c.Sequences.HighWaterMark,
		TargetFillLevel: c.Sequences.TargetFillLevel,
	}
}

func (c Config) DFACacheConfig() lazydfa.CacheConfig {
	return lazydfa.CacheConfig{
		MaxDFAs:                 c.DFACache.MaxDFAs,
		MaxTotalMemoryBytes:     c.DFACache.MaxTotalMemoryBytes,
		MemoryEvictionThreshold: c.DFACache.MemoryEvictionThreshold,
		MaxProcessRSSBytes:      c.DFACache.MaxProcessRSSBytes,
	}
}

func (c Config) HotSpotThreshold() lazydfa.HotSpotThreshold {
	return lazydfa.HotSpotThreshold{
		MinTotalMatches:     c.HotSpot.MinTotalMatches,
		MinSuccessRate:      c.HotSpot.MinSuccessRate,
		MinMatchesPerMinute: c.HotSpot.MinMatchesPerMinute,
	}
}

func (c Config) StrategyWeights() strategy.Weights {
	return strategy.WeightsForProfile(strategy.Profile(c.Calibration))
}

func (c Config) ReplayConfig() replay.PlayerConfig {
	return replay.PlayerConfig{
		LiveSpeed:       c.Replay.LiveSpeed,
		SpeedMultiplier: c.Replay.SpeedMultiplier,
		StopOnError:     c.Replay.StopOnError,
	}
}
