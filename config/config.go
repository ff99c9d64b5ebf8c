// Package config loads Power Mode settings from YAML, .env files, and
// POWER_MODE_* environment variables, in that order of increasing
// precedence, and selects the messaging backend.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"goa.design/powermode/store"
	"goa.design/powermode/store/filestore"
	"goa.design/powermode/store/redisstore"
)

// Mode selects the messaging backend.
type Mode string

const (
	// ModeAuto probes the remote store and falls back to file mode.
	ModeAuto Mode = "auto"
	// ModeRemote requires the remote store.
	ModeRemote Mode = "remote"
	// ModeFile forces the single-file local store.
	ModeFile Mode = "file"
)

// probeTimeout bounds the auto-mode connectivity probe.
const probeTimeout = 2 * time.Second

// Config holds every tunable of the session core. Zero values mean "use the
// default".
type Config struct {
	// CheckinEveryNTools is the check-in cadence in tool calls.
	CheckinEveryNTools int `yaml:"checkin_every_n_tools"`
	// HeartbeatSeconds is the agent heartbeat cadence.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	// MaxParallelAgents caps concurrently active agents.
	MaxParallelAgents int `yaml:"max_parallel_agents"`
	// MaxRuntimeMinutes is the session hard cap.
	MaxRuntimeMinutes int `yaml:"max_runtime_minutes"`
	// BarrierDeadlineSeconds bounds phase barriers.
	BarrierDeadlineSeconds int `yaml:"barrier_deadline_seconds"`
	// LeaseTTLSeconds is the coordinator lease lifetime.
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	// FileLockTimeoutSeconds bounds file-mode lock acquisition.
	FileLockTimeoutSeconds int `yaml:"file_lock_timeout_seconds"`
	// FilePollIntervalMs is the file-mode subscription poll cadence.
	FilePollIntervalMs int `yaml:"file_poll_interval_ms"`
	// MaxMessagesPerChannel is the file-mode per-channel ring size.
	MaxMessagesPerChannel int `yaml:"max_messages_per_channel"`
	// BackendMode selects the store: auto, remote, or file.
	BackendMode Mode `yaml:"backend_mode"`

	// FileDir roots the file-mode state directory. Defaults to the working
	// directory.
	FileDir string `yaml:"file_dir"`

	// StoreURL and StoreToken identify the remote store. Environment only;
	// never written to YAML.
	StoreURL   string `yaml:"-"`
	StoreToken string `yaml:"-"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		CheckinEveryNTools:     5,
		HeartbeatSeconds:       15,
		MaxParallelAgents:      6,
		MaxRuntimeMinutes:      30,
		BarrierDeadlineSeconds: 120,
		LeaseTTLSeconds:        30,
		FileLockTimeoutSeconds: 5,
		FilePollIntervalMs:     100,
		MaxMessagesPerChannel:  100,
		BackendMode:            ModeAuto,
		FileDir:                ".",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or absent), then .env, then the process
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	// .env fills unset process variables; existing ones win.
	_ = godotenv.Load()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from POWER_MODE_* variables.
func (c *Config) applyEnv() {
	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envInt("POWER_MODE_CHECKIN_EVERY_N_TOOLS", &c.CheckinEveryNTools)
	envInt("POWER_MODE_HEARTBEAT_SECONDS", &c.HeartbeatSeconds)
	envInt("POWER_MODE_MAX_PARALLEL_AGENTS", &c.MaxParallelAgents)
	envInt("POWER_MODE_MAX_RUNTIME_MINUTES", &c.MaxRuntimeMinutes)
	envInt("POWER_MODE_BARRIER_DEADLINE_SECONDS", &c.BarrierDeadlineSeconds)
	envInt("POWER_MODE_LEASE_TTL_SECONDS", &c.LeaseTTLSeconds)
	envInt("POWER_MODE_FILE_LOCK_TIMEOUT_SECONDS", &c.FileLockTimeoutSeconds)
	envInt("POWER_MODE_FILE_POLL_INTERVAL_MS", &c.FilePollIntervalMs)
	envInt("POWER_MODE_MAX_MESSAGES_PER_CHANNEL", &c.MaxMessagesPerChannel)
	if v := os.Getenv("POWER_MODE_BACKEND_MODE"); v != "" {
		c.BackendMode = Mode(v)
	}
	if v := os.Getenv("POWER_MODE_FILE_DIR"); v != "" {
		c.FileDir = v
	}
	c.StoreURL = os.Getenv("POWER_MODE_STORE_URL")
	c.StoreToken = os.Getenv("POWER_MODE_STORE_TOKEN")
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	switch c.BackendMode {
	case ModeAuto, ModeRemote, ModeFile:
	default:
		return fmt.Errorf("unknown backend mode %q", c.BackendMode)
	}
	if c.CheckinEveryNTools <= 0 {
		return fmt.Errorf("checkin_every_n_tools must be positive, got %d", c.CheckinEveryNTools)
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeat_seconds must be positive, got %d", c.HeartbeatSeconds)
	}
	if c.MaxParallelAgents <= 0 {
		return fmt.Errorf("max_parallel_agents must be positive, got %d", c.MaxParallelAgents)
	}
	if c.BackendMode == ModeRemote && c.StoreURL == "" {
		return fmt.Errorf("remote backend mode requires POWER_MODE_STORE_URL")
	}
	return nil
}

// Durations converted from the integer settings.

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *Config) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeMinutes) * time.Minute
}

func (c *Config) BarrierDeadline() time.Duration {
	return time.Duration(c.BarrierDeadlineSeconds) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// OpenBackend selects and constructs the messaging backend per the
// configured mode. In auto mode a reachable remote store wins; otherwise the
// session runs on the local file store. Returns the backend and the mode it
// settled on.
func OpenBackend(ctx context.Context, cfg Config) (store.Backend, Mode, error) {
	switch cfg.BackendMode {
	case ModeRemote:
		b, err := openRemote(ctx, cfg)
		if err != nil {
			return nil, ModeRemote, err
		}
		return b, ModeRemote, nil
	case ModeFile:
		b, err := openFile(cfg)
		if err != nil {
			return nil, ModeFile, err
		}
		return b, ModeFile, nil
	default:
		if cfg.StoreURL != "" {
			if b, err := openRemote(ctx, cfg); err == nil {
				return b, ModeRemote, nil
			}
		}
		b, err := openFile(cfg)
		if err != nil {
			return nil, ModeFile, err
		}
		return b, ModeFile, nil
	}
}

func openRemote(ctx context.Context, cfg Config) (store.Backend, error) {
	client, err := redisstore.Dial(cfg.StoreURL, cfg.StoreToken)
	if err != nil {
		return nil, err
	}
	b, err := redisstore.New(redisstore.Options{Redis: client})
	if err != nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := b.Ping(probeCtx); err != nil {
		_ = b.Close(context.Background())
		return nil, fmt.Errorf("remote store unreachable: %w", err)
	}
	return b, nil
}

func openFile(cfg Config) (store.Backend, error) {
	return filestore.New(filestore.Options{
		Dir:                   cfg.FileDir,
		LockTimeout:           time.Duration(cfg.FileLockTimeoutSeconds) * time.Second,
		PollInterval:          time.Duration(cfg.FilePollIntervalMs) * time.Millisecond,
		MaxMessagesPerChannel: cfg.MaxMessagesPerChannel,
	})
}
