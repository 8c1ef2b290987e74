package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager/cgroups"
	"github.com/nixpig/opspool/internal/jobmanager/output"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// ReaderCommand is the subcommand of the daemon binary that runs RunReader.
const ReaderCommand = "reader"

// ReaderConfig is everything a Reader needs to run one job. It travels to
// the Reader process as command-line flags, see Args and ParseReaderArgs.
type ReaderConfig struct {
	Token   string
	User    string
	Command string

	SpoolDir    string
	SpoolPrefix string
	PidDir      string
	ChunkSize   int64

	WrapperPath string
	WrapperArgs []string
	ClientTag   string

	CgroupRoot    string
	MemoryMax     int64
	CPUMaxPercent int64
}

// ReaderConfigFrom copies the per-daemon settings out of cfg. The job fields
// are left empty.
func ReaderConfigFrom(cfg config.Config) ReaderConfig {
	return ReaderConfig{
		SpoolDir:      cfg.SpoolDir,
		SpoolPrefix:   cfg.SpoolPrefix,
		PidDir:        cfg.PidDir,
		ChunkSize:     cfg.ChunkSize,
		WrapperPath:   cfg.WrapperPath,
		WrapperArgs:   append([]string(nil), cfg.WrapperArgs...),
		ClientTag:     cfg.ClientTag,
		CgroupRoot:    cfg.CgroupRoot,
		MemoryMax:     cfg.MemoryMax,
		CPUMaxPercent: cfg.CPUMaxPercent,
	}
}

func (c *ReaderConfig) layout() output.Layout {
	return output.Layout{
		SpoolDir: c.SpoolDir,
		Prefix:   c.SpoolPrefix,
		PidDir:   c.PidDir,
	}
}

func (c *ReaderConfig) flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Token, "token", "", "Job token")
	fs.StringVar(&c.User, "user", "", "User to run the command as")
	fs.StringVar(&c.Command, "command", "", "Command to run")
	fs.StringVar(&c.SpoolDir, "spool-dir", config.DefaultSpoolDir, "Spool directory")
	fs.StringVar(&c.SpoolPrefix, "spool-prefix", config.DefaultSpoolPrefix, "Spool file prefix")
	fs.StringVar(&c.PidDir, "pid-dir", config.DefaultPidDir, "Process-group record directory")
	fs.Int64Var(&c.ChunkSize, "chunk-size", config.DefaultChunkSize, "Pipe read size")
	fs.StringVar(&c.WrapperPath, "wrapper", config.DefaultWrapperPath, "Wrapper executable")
	fs.StringArrayVar(&c.WrapperArgs, "wrapper-arg", nil, "Wrapper argument (repeatable)")
	fs.StringVar(&c.ClientTag, "client-tag", config.DefaultClientTag, "Client tag passed to the wrapper")
	fs.StringVar(&c.CgroupRoot, "cgroup-root", "", "Cgroup v2 root; empty disables cgroups")
	fs.Int64Var(&c.MemoryMax, "memory-max", 0, "Memory limit in bytes")
	fs.Int64Var(&c.CPUMaxPercent, "cpu-max-percent", 0, "CPU limit in percent")
}

// Args encodes c as flags understood by ParseReaderArgs.
func (c ReaderConfig) Args() []string {
	args := []string{
		"--token=" + c.Token,
		"--user=" + c.User,
		"--command=" + c.Command,
		"--spool-dir=" + c.SpoolDir,
		"--spool-prefix=" + c.SpoolPrefix,
		"--pid-dir=" + c.PidDir,
		"--chunk-size=" + strconv.FormatInt(c.ChunkSize, 10),
		"--wrapper=" + c.WrapperPath,
		"--client-tag=" + c.ClientTag,
	}

	for _, a := range c.WrapperArgs {
		args = append(args, "--wrapper-arg="+a)
	}

	if c.CgroupRoot != "" {
		args = append(args,
			"--cgroup-root="+c.CgroupRoot,
			"--memory-max="+strconv.FormatInt(c.MemoryMax, 10),
			"--cpu-max-percent="+strconv.FormatInt(c.CPUMaxPercent, 10),
		)
	}

	return args
}

// ParseReaderArgs decodes flags produced by ReaderConfig.Args.
func ParseReaderArgs(args []string) (ReaderConfig, error) {
	var c ReaderConfig

	fs := pflag.NewFlagSet(ReaderCommand, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c.flags(fs)

	if err := fs.Parse(args); err != nil {
		return ReaderConfig{}, fmt.Errorf("parse reader args: %w", err)
	}

	if c.Token == "" || c.User == "" || c.Command == "" {
		return ReaderConfig{}, errors.New("token, user and command are required")
	}

	if !output.ValidToken(c.Token) {
		return ReaderConfig{}, fmt.Errorf("%w: %q", output.ErrInvalidToken, c.Token)
	}

	return c, nil
}

// RunReader runs one job to completion: it starts the wrapper as the job's
// user with the command in its environment, spools the wrapper's combined
// output and writes the completion marker once the output ends.
//
// A worker that never starts still gets a completion marker, so its job is
// seen as finished with no output, unless the job was cancelled first. If
// the job was cancelled while running its spool files are removed again.
func RunReader(ctx context.Context, cfg ReaderConfig, logger *slog.Logger) error {
	if !output.ValidToken(cfg.Token) {
		return fmt.Errorf("%w: %q", output.ErrInvalidToken, cfg.Token)
	}

	layout := cfg.layout()
	logger = logger.With("token", cfg.Token, "user", cfg.User)

	started, err := runReader(ctx, cfg, layout, logger)
	if err != nil {
		logger.Error("run job", "err", err)
	}

	if started {
		return err
	}

	cancelled, clearErr := layout.ClearTombstone(cfg.Token)
	if clearErr != nil {
		logger.Warn("clear tombstone", "err", clearErr)
	}

	if cancelled {
		logger.Info("job cancelled before start")
		return err
	}

	if markErr := layout.MarkFinished(cfg.Token); markErr != nil {
		err = errors.Join(err, markErr)
	}

	return err
}

func runReader(
	ctx context.Context,
	cfg ReaderConfig,
	layout output.Layout,
	logger *slog.Logger,
) (bool, error) {
	id, err := LookupIdentity(cfg.User)
	if err != nil {
		return false, err
	}

	cred, err := dropPrivileges(id, os.Geteuid(), writeLoginUID)
	if err != nil {
		return false, err
	}

	env, err := wrapperEnv(cfg)
	if err != nil {
		return false, err
	}

	// The record is claimed before anything starts so that a cancel arriving
	// from here on either waits for the pgid or leaves a tombstone.
	record, err := layout.ClaimRecord(cfg.Token)
	if err != nil {
		if errors.Is(err, output.ErrCancelled) {
			return false, nil
		}

		return false, err
	}

	abandon := func() {
		record.Close()

		// A tombstone stays for RunReader to clear.
		if layout.Tombstoned(cfg.Token) {
			return
		}

		if _, err := layout.DropRecord(cfg.Token); err != nil {
			logger.Warn("drop process-group record", "err", err)
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		abandon()
		return false, fmt.Errorf("create pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, cfg.WrapperPath, cfg.WrapperArgs...)
	cmd.Env = env
	cmd.Dir = "/"
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: cred,
	}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	if cfg.CgroupRoot != "" {
		cg, err := cgroups.Create(cfg.CgroupRoot, cfg.Token, cgroups.Limits{
			CPUMaxPercent:  cfg.CPUMaxPercent,
			MemoryMaxBytes: cfg.MemoryMax,
		})
		if err != nil {
			pr.Close()
			pw.Close()
			abandon()
			return false, fmt.Errorf("create cgroup: %w", err)
		}

		defer func() {
			if err := cg.Destroy(); err != nil {
				logger.Warn("destroy cgroup", "cgroup", cg.Name(), "err", err)
			}
		}()

		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cg.FD().Fd())
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		abandon()
		return false, fmt.Errorf("start wrapper: %w", err)
	}

	// Only the worker holds the write end from here on, so the spooler sees
	// EOF once every process in the worker's group has let go of it.
	pw.Close()

	// Setpgid makes the worker the leader of its own group. The newline
	// completes the record.
	if _, err := fmt.Fprintf(record, "%d\n", cmd.Process.Pid); err != nil {
		logger.Warn("write process-group record", "err", err)
	}

	if err := record.Close(); err != nil {
		logger.Warn("write process-group record", "err", err)
	}

	// A cancel that gave up waiting for the pgid left a tombstone instead.
	if layout.Tombstoned(cfg.Token) {
		logger.Info("job cancelled while starting")
		_ = cmd.Cancel()
	}

	logger.Debug("worker started", "pid", cmd.Process.Pid, "argv", cfg.Command)

	spoolErr := output.NewSpooler(layout, cfg.Token, int(cfg.ChunkSize)).Run(pr)

	if err := cmd.Wait(); err != nil {
		// The exit status isn't reported anywhere beyond the log.
		logger.Debug("worker exited", "err", err)
	}

	owned, err := layout.DropRecord(cfg.Token)
	if err != nil {
		logger.Warn("drop process-group record", "err", err)
	}

	if !owned && err == nil {
		// Cancelled: the registry took the record, or tombstoned it, and may
		// already have removed the spool files before the marker above was
		// written.
		if err := layout.Remove(cfg.Token); err != nil {
			logger.Warn("remove spool files", "err", err)
		}
	}

	return true, spoolErr
}

func wrapperEnv(cfg ReaderConfig) ([]string, error) {
	args, err := json.Marshal(struct {
		Args []string `json:"args"`
	}{SplitCommand(cfg.Command)})
	if err != nil {
		return nil, fmt.Errorf("encode wrapper args: %w", err)
	}

	return []string{
		"EFFECTIVE_USER=" + cfg.User,
		"VYATTA_PROCESS_CLIENT=" + cfg.ClientTag,
		"OPC_ARGS=" + string(args),
	}, nil
}
