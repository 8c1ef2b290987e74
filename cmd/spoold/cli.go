package main

import (
	"log/slog"
	"os"

	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager/spawn"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// overrides copies a flag's value from the flag-bound config onto the
// loaded one. Only flags the user actually set are applied.
var overrides = map[string]func(dst, src *config.Config){
	"socket":          func(d, s *config.Config) { d.SocketPath = s.SocketPath },
	"spool-dir":       func(d, s *config.Config) { d.SpoolDir = s.SpoolDir },
	"spool-prefix":    func(d, s *config.Config) { d.SpoolPrefix = s.SpoolPrefix },
	"pid-dir":         func(d, s *config.Config) { d.PidDir = s.PidDir },
	"chunk-size":      func(d, s *config.Config) { d.ChunkSize = s.ChunkSize },
	"kill-timeout":    func(d, s *config.Config) { d.KillTimeout = s.KillTimeout },
	"poll-interval":   func(d, s *config.Config) { d.PollInterval = s.PollInterval },
	"wrapper":         func(d, s *config.Config) { d.WrapperPath = s.WrapperPath },
	"wrapper-arg":     func(d, s *config.Config) { d.WrapperArgs = s.WrapperArgs },
	"client-tag":      func(d, s *config.Config) { d.ClientTag = s.ClientTag },
	"cgroup-root":     func(d, s *config.Config) { d.CgroupRoot = s.CgroupRoot },
	"memory-max":      func(d, s *config.Config) { d.MemoryMax = s.MemoryMax },
	"cpu-max-percent": func(d, s *config.Config) { d.CPUMaxPercent = s.CPUMaxPercent },
	"health-socket":   func(d, s *config.Config) { d.HealthSocket = s.HealthSocket },
	"metrics-addr":    func(d, s *config.Config) { d.MetricsAddr = s.MetricsAddr },
	"debug":           func(d, s *config.Config) { d.Debug = s.Debug },
}

func rootCmd() *cobra.Command {
	cfg := config.Default()

	var configPath string

	c := &cobra.Command{
		Use:          "spoold",
		Short:        "Spool daemon running operational commands in the background",
		Example:      "  spoold --config /etc/opspool.yaml --debug",
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveConfig(cmd.Flags(), configPath, cfg)
			if err != nil {
				return err
			}

			logger := newLogger(resolved.Debug)

			return runDaemon(cmd.Context(), resolved, logger)
		},
	}

	c.CompletionOptions.HiddenDefaultCmd = true

	c.AddCommand(readerCmd())

	f := c.Flags()

	f.StringVar(&configPath, "config", "", "Path to YAML config file")
	f.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "Control socket path")
	f.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "Spool directory")
	f.StringVar(&cfg.SpoolPrefix, "spool-prefix", cfg.SpoolPrefix, "Spool file name prefix")
	f.StringVar(&cfg.PidDir, "pid-dir", cfg.PidDir, "Process-group record directory")
	f.Int64Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Bytes advanced per next request")
	f.Int64Var(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "Idle seconds before a job is cancelled (0 disables)")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Control socket poll interval")
	f.StringVar(&cfg.WrapperPath, "wrapper", cfg.WrapperPath, "Wrapper executable")
	f.StringArrayVar(&cfg.WrapperArgs, "wrapper-arg", cfg.WrapperArgs, "Wrapper argument (repeatable)")
	f.StringVar(&cfg.ClientTag, "client-tag", cfg.ClientTag, "Client tag passed to the wrapper")
	f.StringVar(&cfg.CgroupRoot, "cgroup-root", "", "Cgroup v2 root for per-job limits")
	f.Int64Var(&cfg.MemoryMax, "memory-max", 0, "Per-job memory limit in bytes")
	f.Int64Var(&cfg.CPUMaxPercent, "cpu-max-percent", 0, "Per-job CPU limit in percent")
	f.StringVar(&cfg.HealthSocket, "health-socket", "", "Unix socket for the gRPC health service")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Address to serve /metrics on")
	f.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")

	return c
}

// readerCmd runs a single job. It is started by the daemon itself and its
// arguments are produced by spawn.ReaderConfig.Args.
func readerCmd() *cobra.Command {
	return &cobra.Command{
		Use:                spawn.ReaderCommand,
		Short:              "Run one job and spool its output",
		Hidden:             true,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := spawn.ParseReaderArgs(args)
			if err != nil {
				return err
			}

			return spawn.RunReader(cmd.Context(), rc, newLogger(false))
		},
	}
}

// resolveConfig layers the config file, when given, under the flags the user
// set explicitly.
func resolveConfig(
	fs *pflag.FlagSet,
	path string,
	flagged config.Config,
) (config.Config, error) {
	if path == "" {
		return flagged, nil
	}

	loaded, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply(&loaded, &flagged)
		}
	})

	return loaded, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
