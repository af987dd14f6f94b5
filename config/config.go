// Package config loads runtime tuning from a TOML file, with a .env
// overlay and SHMRT_* environment variables taking precedence over the
// file.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Arena     ArenaConfig     `toml:"arena"`
	Channel   ChannelConfig   `toml:"channel"`
	Pool      PoolConfig      `toml:"pool"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ArenaConfig struct {
	// Size is the fixed byte capacity of each Shared-JSON Buffer;
	// exhaustion after compaction is a hard failure, so size for the
	// peak live set plus churn headroom.
	Size int `toml:"size"`
}

type ChannelConfig struct {
	// Capacity is the default slot count for new MPMC channels.
	Capacity int32 `toml:"capacity"`
}

type PoolConfig struct {
	Workers       int   `toml:"workers"`
	QueueCapacity int32 `toml:"queue_capacity"`
}

type TelemetryConfig struct {
	// Socket is the Unix socket path events are published to; empty
	// disables telemetry.
	Socket string `toml:"socket"`
	// BufferSize caps the number of queued events; once full, new
	// events are dropped rather than stalling the runtime.
	BufferSize int `toml:"buffer_size"`
	// FlushIntervalMS is how often a partial batch is written out.
	FlushIntervalMS int `toml:"flush_interval_ms"`
}

func Default() *Config {
	return &Config{
		Arena:     ArenaConfig{Size: 1 << 20},
		Channel:   ChannelConfig{Capacity: 32},
		Pool:      PoolConfig{Workers: 4, QueueCapacity: 32},
		Telemetry: TelemetryConfig{BufferSize: 256, FlushIntervalMS: 250},
	}
}

// Load reads path (missing file: defaults), then applies the .env overlay
// and SHMRT_* environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if b, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	godotenv.Load() // best-effort; absence of .env is not an error

	if v, ok := envInt("SHMRT_ARENA_SIZE"); ok {
		c.Arena.Size = v
	}
	if v, ok := envInt("SHMRT_CHANNEL_CAPACITY"); ok {
		c.Channel.Capacity = int32(v)
	}
	if v, ok := envInt("SHMRT_POOL_WORKERS"); ok {
		c.Pool.Workers = v
	}
	if v, ok := envInt("SHMRT_POOL_QUEUE_CAPACITY"); ok {
		c.Pool.QueueCapacity = int32(v)
	}
	if v := os.Getenv("SHMRT_TELEMETRY_SOCKET"); v != "" {
		c.Telemetry.Socket = v
	}
	return c, nil
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
