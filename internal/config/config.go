// Package config loads the per-process settings for an Agora Marketplace
// Core deployment: a TOML file on disk, overridable by environment
// variables, validated the way the teacher's Options structs validate
// required fields before a component starts.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
)

// Config holds the settings from spec.md §6.
type Config struct {
	ProjectRoot               string        `toml:"project_root"`
	AgentName                 string        `toml:"agent_name"`
	StoreURI                  string        `toml:"store_uri"`
	EventRetention            time.Duration `toml:"-"`
	EventRetentionRaw         string        `toml:"event_retention"`
	SubscriberQueueSize       int           `toml:"subscriber_queue_size"`
	ReducerQueueDepth         int           `toml:"reducer_queue_depth"`
	RequestDefaultDeadline    time.Duration `toml:"-"`
	RequestDefaultDeadlineRaw string        `toml:"request_default_deadline"`
	RequestMaxDeadline        time.Duration `toml:"-"`
	RequestMaxDeadlineRaw     string        `toml:"request_max_deadline"`

	// RedisAddr and TemporalHostPort configure the domain-stack transports
	// that spec.md leaves implementation-defined (event fabric and workflow
	// step execution).
	RedisAddr        string `toml:"redis_addr"`
	TemporalHostPort string `toml:"temporal_host_port"`
}

const (
	defaultEventRetention         = 72 * time.Hour
	defaultSubscriberQueueSize    = 1024
	defaultReducerQueueDepth      = 256
	defaultRequestDefaultDeadline = 30 * time.Second
	defaultRequestMaxDeadline     = 300 * time.Second
)

// Load reads a TOML config file at path, applies AGORA_-prefixed
// environment variable overrides, then applies defaults for any field still
// unset, and validates the required fields.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode config file")
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := parseDurations(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields are present, mirroring the
// required-field checks in the teacher's Mongo client Options.
func (c Config) Validate() error {
	if c.ProjectRoot == "" {
		return agoraerr.New(agoraerr.InvalidArgument, "project_root is required")
	}
	if c.AgentName == "" {
		return agoraerr.New(agoraerr.InvalidArgument, "agent_name is required")
	}
	if c.StoreURI == "" {
		return agoraerr.New(agoraerr.InvalidArgument, "store_uri is required")
	}
	if c.SubscriberQueueSize <= 0 {
		return agoraerr.New(agoraerr.InvalidArgument, "subscriber_queue_size must be positive")
	}
	if c.ReducerQueueDepth <= 0 {
		return agoraerr.New(agoraerr.InvalidArgument, "reducer_queue_depth must be positive")
	}
	if c.RequestDefaultDeadline <= 0 || c.RequestMaxDeadline <= 0 {
		return agoraerr.New(agoraerr.InvalidArgument, "request deadlines must be positive")
	}
	if c.RequestDefaultDeadline > c.RequestMaxDeadline {
		return agoraerr.New(agoraerr.InvalidArgument, "request_default_deadline must not exceed request_max_deadline")
	}
	return nil
}

func applyDefaults(c *Config) {
	if c.EventRetentionRaw == "" {
		c.EventRetention = defaultEventRetention
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = defaultSubscriberQueueSize
	}
	if c.ReducerQueueDepth == 0 {
		c.ReducerQueueDepth = defaultReducerQueueDepth
	}
	if c.RequestDefaultDeadlineRaw == "" {
		c.RequestDefaultDeadline = defaultRequestDefaultDeadline
	}
	if c.RequestMaxDeadlineRaw == "" {
		c.RequestMaxDeadline = defaultRequestMaxDeadline
	}
}

func parseDurations(c *Config) error {
	if c.EventRetentionRaw != "" {
		d, err := time.ParseDuration(c.EventRetentionRaw)
		if err != nil {
			return agoraerr.Wrap(agoraerr.InvalidArgument, err, "parse event_retention")
		}
		c.EventRetention = d
	}
	if c.RequestDefaultDeadlineRaw != "" {
		d, err := time.ParseDuration(c.RequestDefaultDeadlineRaw)
		if err != nil {
			return agoraerr.Wrap(agoraerr.InvalidArgument, err, "parse request_default_deadline")
		}
		c.RequestDefaultDeadline = d
	}
	if c.RequestMaxDeadlineRaw != "" {
		d, err := time.ParseDuration(c.RequestMaxDeadlineRaw)
		if err != nil {
			return agoraerr.Wrap(agoraerr.InvalidArgument, err, "parse request_max_deadline")
		}
		c.RequestMaxDeadline = d
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("AGORA_PROJECT_ROOT"); v != "" {
		c.ProjectRoot = v
	}
	if v := os.Getenv("AGORA_AGENT_NAME"); v != "" {
		c.AgentName = v
	}
	if v := os.Getenv("AGORA_STORE_URI"); v != "" {
		c.StoreURI = v
	}
	if v := os.Getenv("AGORA_EVENT_RETENTION"); v != "" {
		c.EventRetentionRaw = v
	}
	if v := os.Getenv("AGORA_SUBSCRIBER_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SubscriberQueueSize = n
		}
	}
	if v := os.Getenv("AGORA_REDUCER_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReducerQueueDepth = n
		}
	}
	if v := os.Getenv("AGORA_REQUEST_DEFAULT_DEADLINE"); v != "" {
		c.RequestDefaultDeadlineRaw = v
	}
	if v := os.Getenv("AGORA_REQUEST_MAX_DEADLINE"); v != "" {
		c.RequestMaxDeadlineRaw = v
	}
	if v := os.Getenv("AGORA_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("AGORA_TEMPORAL_HOST_PORT"); v != "" {
		c.TemporalHostPort = v
	}
}
