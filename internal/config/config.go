/*
Copyright (C) 2026 Skald Radio

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated process configuration, loaded from the YAML file
// named by the -c flag.
type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Playlist    PlaylistConfig    `yaml:"playlist"`
	Broadcaster BroadcasterConfig `yaml:"broadcaster"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Advanced    AdvancedConfig    `yaml:"advanced"`
}

// ServerConfig covers the two network endpoints and the stream identity.
type ServerConfig struct {
	Host           string `yaml:"host"`
	SourcePort     int    `yaml:"source_port"`
	ListenPort     int    `yaml:"listen_port"`
	SourcePassword string `yaml:"source_password"`
	MountPoint     string `yaml:"mount_point"`
}

// BufferConfig sizes the producer/broadcaster ring.
type BufferConfig struct {
	SizeMB int `yaml:"size_mb"`
}

// PlaylistConfig drives the fallback file producer.
type PlaylistConfig struct {
	Directory  string   `yaml:"directory"`
	Shuffle    bool     `yaml:"shuffle"`
	Extensions []string `yaml:"extensions"`
}

// BroadcasterConfig tunes the fan-out loop. Sleep values are seconds.
type BroadcasterConfig struct {
	ChunkSize   int     `yaml:"chunk_size"`
	QueueChunks int     `yaml:"queue_chunks"`
	SleepHigh   float64 `yaml:"sleep_high"`
	SleepMedium float64 `yaml:"sleep_medium"`
	SleepLow    float64 `yaml:"sleep_low"`
}

// MetadataConfig is the station identity advertised to listeners.
type MetadataConfig struct {
	StationName        string `yaml:"station_name"`
	StationDescription string `yaml:"station_description"`
	StationGenre       string `yaml:"station_genre"`
	StationURL         string `yaml:"station_url"`
	EnableICY          bool   `yaml:"enable_icy"`
	ICYMetaint         int    `yaml:"icy_metaint"`
}

// AdvancedConfig holds operational knobs.
type AdvancedConfig struct {
	MaxListeners   int     `yaml:"max_listeners"`
	SourceTimeout  float64 `yaml:"source_timeout"`
	VerboseLogging bool    `yaml:"verbose_logging"`
	EnableStats    bool    `yaml:"enable_stats"`
}

// Default returns a Config populated with the shipped defaults. Load starts
// from this value so an absent key keeps its default.
func Default() *Config {
	return &Config{
		Environment: getEnv("SKALD_ENV", "production"),
		Server: ServerConfig{
			Host:       "0.0.0.0",
			SourcePort: 8001,
			ListenPort: 8000,
			MountPoint: "/stream",
		},
		Buffer: BufferConfig{SizeMB: 4},
		Playlist: PlaylistConfig{
			Directory:  "./music",
			Shuffle:    true,
			Extensions: []string{".mp3", ".ogg", ".aac"},
		},
		Broadcaster: BroadcasterConfig{
			ChunkSize:   16384,
			QueueChunks: 32,
			SleepHigh:   0.0005,
			SleepMedium: 0.001,
			SleepLow:    0.002,
		},
		Metadata: MetadataConfig{
			StationName: "Skald Radio",
			EnableICY:   true,
			ICYMetaint:  16000,
		},
		Advanced: AdvancedConfig{
			MaxListeners:  0,
			SourceTimeout: 10,
			EnableStats:   true,
		},
	}
}

// DefaultPath returns the config file path used when -c is not given,
// honoring the SKALD_CONFIG override for container use.
func DefaultPath() string {
	return getEnv("SKALD_CONFIG", "skald.yml")
}

// Load reads the YAML file at path, applies defaults, and validates the
// result. Any error from Load is a configuration error and fatal at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.SourcePort < 1 || c.Server.SourcePort > 65535 {
		return fmt.Errorf("server.source_port %d out of range 1..65535", c.Server.SourcePort)
	}
	if c.Server.ListenPort < 1 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port %d out of range 1..65535", c.Server.ListenPort)
	}
	if c.Server.SourcePort == c.Server.ListenPort {
		return fmt.Errorf("server.source_port and server.listen_port must differ (both %d)", c.Server.SourcePort)
	}
	if c.Server.SourcePassword == "" {
		return fmt.Errorf("server.source_password must be set")
	}
	if !strings.HasPrefix(c.Server.MountPoint, "/") || c.Server.MountPoint == "/" {
		return fmt.Errorf("server.mount_point %q must be a non-root path starting with /", c.Server.MountPoint)
	}

	if c.Buffer.SizeMB < 1 || c.Buffer.SizeMB > 1000 {
		return fmt.Errorf("buffer.size_mb %d out of range 1..1000", c.Buffer.SizeMB)
	}

	if c.Broadcaster.ChunkSize < 1024 || c.Broadcaster.ChunkSize > 65536 {
		return fmt.Errorf("broadcaster.chunk_size %d out of range 1024..65536", c.Broadcaster.ChunkSize)
	}
	if c.Broadcaster.QueueChunks < 1 {
		return fmt.Errorf("broadcaster.queue_chunks must be at least 1")
	}
	if c.Broadcaster.SleepHigh <= 0 || c.Broadcaster.SleepMedium <= 0 || c.Broadcaster.SleepLow <= 0 {
		return fmt.Errorf("broadcaster sleep intervals must be positive")
	}
	if c.Broadcaster.SleepHigh > c.Broadcaster.SleepMedium || c.Broadcaster.SleepMedium > c.Broadcaster.SleepLow {
		return fmt.Errorf("broadcaster sleeps must satisfy sleep_high <= sleep_medium <= sleep_low")
	}

	if len(c.Playlist.Extensions) == 0 {
		return fmt.Errorf("playlist.extensions must not be empty")
	}
	for _, ext := range c.Playlist.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("playlist extension %q must start with a dot", ext)
		}
	}

	if c.Metadata.EnableICY && c.Metadata.ICYMetaint < 1 {
		return fmt.Errorf("metadata.icy_metaint must be positive when metadata.enable_icy is set")
	}

	if c.Advanced.MaxListeners < 0 {
		return fmt.Errorf("advanced.max_listeners must not be negative")
	}
	if c.Advanced.SourceTimeout <= 0 {
		return fmt.Errorf("advanced.source_timeout must be positive")
	}

	return nil
}

// BufferBytes returns the ring capacity in bytes.
func (c *Config) BufferBytes() int {
	return c.Buffer.SizeMB * 1024 * 1024
}

// SourceTimeout returns the source idle cutoff as a duration.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Advanced.SourceTimeout * float64(time.Second))
}

// SleepHigh returns the broadcaster sleep used above 80% ring fill.
func (c *Config) SleepHigh() time.Duration {
	return time.Duration(c.Broadcaster.SleepHigh * float64(time.Second))
}

// SleepMedium returns the broadcaster sleep used between 50% and 80% fill.
func (c *Config) SleepMedium() time.Duration {
	return time.Duration(c.Broadcaster.SleepMedium * float64(time.Second))
}

// SleepLow returns the broadcaster sleep used below 50% fill.
func (c *Config) SleepLow() time.Duration {
	return time.Duration(c.Broadcaster.SleepLow * float64(time.Second))
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
