// Package spawn launches and runs job workers.
//
// The registry never runs a command itself. Spawn re-executes the daemon
// binary as a detached Reader process (new session, empty environment,
// working directory /). The Reader drops to the job user's identity, runs
// the command through a fixed wrapper and spools the output to disk.
package spawn

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager/output"
)

var ErrInvalidArgument = errors.New("token, command and user cannot be empty")

// Spawner starts Readers by re-executing a binary that handles the
// ReaderCommand subcommand.
type Spawner struct {
	executable string
	base       ReaderConfig
	logger     *slog.Logger
}

// NewSpawner creates a Spawner running Readers from executable. An empty
// executable means the current binary.
func NewSpawner(
	cfg config.Config,
	executable string,
	logger *slog.Logger,
) (*Spawner, error) {
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}

		executable = self
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Spawner{
		executable: executable,
		base:       ReaderConfigFrom(cfg),
		logger:     logger,
	}, nil
}

// Spawn validates the request and launches a Reader for it. It returns as
// soon as the Reader has started; a goroutine reaps it.
func (s *Spawner) Spawn(token, command, username string) error {
	if token == "" || command == "" || username == "" {
		return ErrInvalidArgument
	}

	if !output.ValidToken(token) {
		return fmt.Errorf("%w: %q", output.ErrInvalidToken, token)
	}

	if _, err := LookupIdentity(username); err != nil {
		return err
	}

	rc := s.base
	rc.Token = token
	rc.Command = command
	rc.User = username

	cmd := exec.Command(s.executable, append([]string{ReaderCommand}, rc.Args()...)...)
	cmd.Dir = "/"
	cmd.Env = []string{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start reader: %w", err)
	}

	logger := s.logger.With("token", token, "reader_pid", cmd.Process.Pid)
	logger.Debug("reader started")

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("reader exited", "err", err)
			return
		}

		logger.Debug("reader exited")
	}()

	return nil
}
