package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nixpig/opspool/internal/client"
	"github.com/nixpig/opspool/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type cliConfig struct {
	configPath  string
	socketPath  string
	spoolDir    string
	spoolPrefix string
	user        string
	chunkSize   int64
	legacy      bool
	timeout     time.Duration
	debug       bool
}

type cli struct {
	client *client.Client
	user   string
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &cliConfig{}

	command := &cobra.Command{
		Use:          "spoolctl",
		Short:        "CLI for running background jobs through the spool daemon",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ccfg, err := c.clientConfig(cmd, cfg)
			if err != nil {
				return err
			}

			c.user = cfg.user
			if c.user == "" {
				u, err := user.Current()
				if err != nil {
					return fmt.Errorf("resolve current user: %w", err)
				}

				c.user = u.Username
			}

			c.client = client.New(ccfg)

			return nil
		},
	}

	command.AddCommand(
		c.submitCmd(),
		c.listCmd(),
		c.detailCmd(),
		c.nextCmd(),
		c.followCmd(),
		c.cancelCmd(),
		c.pingCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	f := command.PersistentFlags()

	f.StringVar(&cfg.configPath, "config", "", "Path to the daemon's YAML config file")
	f.StringVar(&cfg.socketPath, "socket", config.DefaultSocketPath, "Control socket path")
	f.StringVar(&cfg.spoolDir, "spool-dir", config.DefaultSpoolDir, "Spool directory")
	f.StringVar(&cfg.spoolPrefix, "spool-prefix", config.DefaultSpoolPrefix, "Spool file name prefix")
	f.StringVar(&cfg.user, "user", "", "User to act as (default current user)")
	f.Int64Var(&cfg.chunkSize, "chunk-size", config.DefaultChunkSize, "Daemon chunk size, used with --legacy")
	f.BoolVar(&cfg.legacy, "legacy", false, "Use the version 1 wire format")
	f.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Per-request timeout")
	f.BoolVar(&cfg.debug, "debug", false, "Enable debug logs")

	return command
}

// clientConfig builds the client configuration from the daemon's config
// file, when given, with explicitly set flags taking precedence.
func (c *cli) clientConfig(cmd *cobra.Command, cfg *cliConfig) (client.Config, error) {
	base := config.Default()

	if cfg.configPath != "" {
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return client.Config{}, err
		}

		base = loaded
	}

	flags := cmd.Flags()

	if cfg.configPath == "" || flags.Changed("socket") {
		base.SocketPath = cfg.socketPath
	}

	if cfg.configPath == "" || flags.Changed("spool-dir") {
		base.SpoolDir = cfg.spoolDir
	}

	if cfg.configPath == "" || flags.Changed("spool-prefix") {
		base.SpoolPrefix = cfg.spoolPrefix
	}

	if cfg.configPath == "" || flags.Changed("chunk-size") {
		base.ChunkSize = cfg.chunkSize
	}

	base.Normalise()

	ccfg := client.ConfigFrom(base)
	ccfg.Legacy = cfg.legacy
	ccfg.Timeout = cfg.timeout

	if cfg.debug {
		ccfg.Logger = slog.New(slog.NewTextHandler(
			cmd.ErrOrStderr(),
			&slog.HandlerOptions{Level: slog.LevelDebug},
		))
	}

	return ccfg, nil
}

func (c *cli) submitCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "submit [flags] COMMAND [ARGS]",
		Short:   "Start a command in the background",
		Example: "  spoolctl submit show interfaces",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.client.Submit(cmd.Context(), c.user, strings.Join(args, " "))
			if err != nil {
				return mapError(err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)

			return nil
		},
	}

	// Flags after the command belong to it, e.g. `spoolctl submit ping -c 3 host`.
	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List your jobs",
		Example: "  spoolctl list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.client.List(cmd.Context(), c.user)
			if err != nil {
				return mapError(err)
			}

			writeJobs(cmd, jobs)

			return nil
		},
	}
}

func (c *cli) detailCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "detail [flags] TOKEN",
		Short:   "Show one job",
		Example: "  spoolctl detail 9f86d081884c7d65",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.client.Detail(cmd.Context(), c.user, args[0])
			if err != nil {
				return mapError(err)
			}

			writeJobs(cmd, []client.JobSummary{job})

			return nil
		},
	}
}

func (c *cli) nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "next [flags] TOKEN",
		Short:   "Print the next chunk of a job's output",
		Example: "  spoolctl next 9f86d081884c7d65",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.client.PollNext(cmd.Context(), c.user, args[0])
			if err != nil {
				return mapError(err)
			}

			if p.Kind == client.PollChunk {
				cmd.OutOrStdout().Write(p.Data)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "%s at offset %d\n", p.Kind, p.Offset)

			return nil
		},
	}
}

func (c *cli) followCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "follow [flags] TOKEN",
		Short:   "Print a job's output until it has all been read",
		Example: "  spoolctl follow 9f86d081884c7d65",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := c.client.Follow(cmd.Context(), c.user, args[0], cmd.OutOrStdout())
			if err != nil {
				if errors.Is(err, cmd.Context().Err()) {
					return nil
				}

				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel [flags] TOKEN",
		Short:   "Stop a job and discard its output",
		Example: "  spoolctl cancel 9f86d081884c7d65",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Cancel(cmd.Context(), c.user, args[0]); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ping [flags] TOKEN",
		Short:   "Keep an idle job from being reaped",
		Example: "  spoolctl ping 9f86d081884c7d65",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Ping(cmd.Context(), c.user, args[0]); err != nil {
				return mapError(err)
			}

			return nil
		},
	}
}

func writeJobs(cmd *cobra.Command, jobs []client.JobSummary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "TOKEN\tUSER\tSTARTED\tREAD\tCOMMAND\t\n")

	for _, j := range jobs {
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\t%s\t\n",
			j.Token,
			j.User,
			j.StartTime.Format(time.DateTime),
			readState(j),
			j.Command,
		)
	}

	w.Flush()
}

func readState(j client.JobSummary) string {
	if j.Drained() {
		return "done"
	}

	return fmt.Sprintf("%d", j.ReadOffset)
}

// mapError translates client errors to human-readable messages.
func mapError(err error) error {
	switch {
	case errors.Is(err, client.ErrRegistryUnavailable):
		return errors.New("daemon unavailable")
	case errors.Is(err, client.ErrNotFound):
		return errors.New("not found")
	case errors.Is(err, client.ErrRefused):
		return errors.New("permission denied")
	default:
		return err
	}
}
