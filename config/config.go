// Package config loads the runtime's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kilnengine/kiln/arena"
)

// Duration decodes TOML strings like "30s" or "5m" into a
// time.Duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Std().String() }

// Config is the root of the TOML configuration file.
type Config struct {
	Memory MemoryConfig `toml:"memory"`
	Events EventsConfig `toml:"events"`
	Tick   TickConfig   `toml:"tick"`
}

// MemoryConfig sizes the arena's category pools, in bytes.
type MemoryConfig struct {
	General  PoolConfig `toml:"general"`
	Graphics PoolConfig `toml:"graphics"`
	Audio    PoolConfig `toml:"audio"`
	Physics  PoolConfig `toml:"physics"`
	Script   PoolConfig `toml:"script"`
	Temp     PoolConfig `toml:"temp"`
}

// PoolConfig sizes one arena pool.
type PoolConfig struct {
	Capacity int  `toml:"capacity"`
	Growable bool `toml:"growable"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	// CleanupInterval is the minimum time between expiry sweeps of
	// subscriptions with timeouts.
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// TickConfig drives the host loop of the demo programs.
type TickConfig struct {
	Rate Duration `toml:"rate"`
}

// Default returns the stock configuration.
func Default() Config {
	var cfg Config
	for cat, pc := range arena.DefaultConfig() {
		cfg.Memory.set(cat, PoolConfig{Capacity: pc.Capacity, Growable: pc.Growable})
	}
	cfg.Events.CleanupInterval = Duration(5 * time.Minute)
	cfg.Tick.Rate = Duration(time.Second / 60)
	return cfg
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	for cat, pc := range c.Memory.arenaConfig() {
		if pc.Capacity <= 0 {
			return fmt.Errorf("memory.%s: capacity must be positive, got %d", cat, pc.Capacity)
		}
	}
	if c.Events.CleanupInterval <= 0 {
		return fmt.Errorf("events.cleanup_interval must be positive, got %s", c.Events.CleanupInterval)
	}
	if c.Tick.Rate <= 0 {
		return fmt.Errorf("tick.rate must be positive, got %s", c.Tick.Rate)
	}
	return nil
}

// ArenaConfig converts the memory section into the arena's own config
// type.
func (c Config) ArenaConfig() arena.Config {
	return c.Memory.arenaConfig()
}

func (m MemoryConfig) arenaConfig() arena.Config {
	return arena.Config{
		arena.General:  {Capacity: m.General.Capacity, Growable: m.General.Growable},
		arena.Graphics: {Capacity: m.Graphics.Capacity, Growable: m.Graphics.Growable},
		arena.Audio:    {Capacity: m.Audio.Capacity, Growable: m.Audio.Growable},
		arena.Physics:  {Capacity: m.Physics.Capacity, Growable: m.Physics.Growable},
		arena.Script:   {Capacity: m.Script.Capacity, Growable: m.Script.Growable},
		arena.Temp:     {Capacity: m.Temp.Capacity, Growable: m.Temp.Growable},
	}
}

func (m *MemoryConfig) set(cat arena.Category, pc PoolConfig) {
	switch cat {
	case arena.General:
		m.General = pc
	case arena.Graphics:
		m.Graphics = pc
	case arena.Audio:
		m.Audio = pc
	case arena.Physics:
		m.Physics = pc
	case arena.Script:
		m.Script = pc
	case arena.Temp:
		m.Temp = pc
	}
}
