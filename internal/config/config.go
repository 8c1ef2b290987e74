// Package config holds the process configuration of the spool daemon: file
// system layout, chunking, kill behaviour and the optional side channels.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultChunkSize is used when the configured chunk size is outside
	// [MinChunkSize, MaxChunkSize].
	DefaultChunkSize int64 = 98304
	MinChunkSize     int64 = 1024
	MaxChunkSize     int64 = 131072

	// DefaultKillTimeout is the idle time after which a job is reaped.
	DefaultKillTimeout int64 = 300
	MaxKillTimeout     int64 = 86400

	DefaultSocketPath   = "/tmp/browser_pager2"
	DefaultSpoolDir     = "/var/tmp/opspool"
	DefaultSpoolPrefix  = "multi_"
	DefaultPidDir       = "/tmp"
	DefaultWrapperPath  = "/opt/vyatta/bin/opc"
	DefaultClientTag    = "gui2_rest"
	DefaultPollInterval = 200 * time.Millisecond
	DefaultKillAttempts = 3
	DefaultKillPause    = time.Second
)

// DefaultWrapperArgs are the fixed wrapper arguments. The command's own
// argument vector travels in the environment.
var DefaultWrapperArgs = []string{"-op", "run-from-env"}

// Config is the daemon configuration. Field tags name the YAML keys.
type Config struct {
	SocketPath  string `yaml:"socket_path"`
	SpoolDir    string `yaml:"spool_dir"`
	SpoolPrefix string `yaml:"spool_prefix"`
	PidDir      string `yaml:"pid_dir"`

	// ChunkSize is the number of bytes a single next request advances by.
	ChunkSize int64 `yaml:"chunk_size"`

	// KillTimeout is the idle time, in seconds, after which a job is
	// cancelled. Zero disables idle reaping.
	KillTimeout int64 `yaml:"kill_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	KillAttempts int           `yaml:"kill_attempts"`
	KillPause    time.Duration `yaml:"kill_pause"`

	WrapperPath string   `yaml:"wrapper_path"`
	WrapperArgs []string `yaml:"wrapper_args"`
	ClientTag   string   `yaml:"client_tag"`

	// TrustedUIDs lists peers allowed to act on behalf of any user. When
	// empty every peer is trusted.
	TrustedUIDs []uint32 `yaml:"trusted_uids"`

	CgroupRoot    string `yaml:"cgroup_root"`
	MemoryMax     int64  `yaml:"memory_max"`
	CPUMaxPercent int64  `yaml:"cpu_max_percent"`

	HealthSocket string `yaml:"health_socket"`
	MetricsAddr  string `yaml:"metrics_addr"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		SocketPath:   DefaultSocketPath,
		SpoolDir:     DefaultSpoolDir,
		SpoolPrefix:  DefaultSpoolPrefix,
		PidDir:       DefaultPidDir,
		ChunkSize:    DefaultChunkSize,
		KillTimeout:  DefaultKillTimeout,
		PollInterval: DefaultPollInterval,
		KillAttempts: DefaultKillAttempts,
		KillPause:    DefaultKillPause,
		WrapperPath:  DefaultWrapperPath,
		WrapperArgs:  append([]string(nil), DefaultWrapperArgs...),
		ClientTag:    DefaultClientTag,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Normalise clamps values into their accepted ranges. A chunk size outside
// [MinChunkSize, MaxChunkSize] falls back to DefaultChunkSize rather than to
// the nearest bound. The kill timeout is clamped to [0, MaxKillTimeout].
func (c *Config) Normalise() {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		c.ChunkSize = DefaultChunkSize
	}

	c.KillTimeout = min(max(c.KillTimeout, 0), MaxKillTimeout)

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	if c.KillAttempts < 1 {
		c.KillAttempts = DefaultKillAttempts
	}

	if c.KillPause < 0 {
		c.KillPause = DefaultKillPause
	}

	c.CPUMaxPercent = min(max(c.CPUMaxPercent, 0), 100)
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path cannot be empty")
	}

	if c.SpoolDir == "" {
		return errors.New("spool dir cannot be empty")
	}

	if c.PidDir == "" {
		return errors.New("pid dir cannot be empty")
	}

	if c.WrapperPath == "" {
		return errors.New("wrapper path cannot be empty")
	}

	if c.HealthSocket != "" && c.HealthSocket == c.SocketPath {
		return errors.New("health socket must differ from control socket")
	}

	return nil
}

// KillTimeoutDuration returns the kill timeout as a time.Duration.
func (c *Config) KillTimeoutDuration() time.Duration {
	return time.Duration(c.KillTimeout) * time.Second
}
