package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	"github.com/nixpig/opspool/internal/jobmanager/output"
	"golang.org/x/sys/unix"
)

type KillOutcome int

const (
	KillOutcomeUnknown KillOutcome = iota

	// KillOutcomeGone indicates there was no process-group record, so nothing
	// was signalled. A tombstone is left in the record's place so a Reader
	// that hasn't started the worker yet never does.
	KillOutcomeGone

	// KillOutcomeTerminated indicates the group exited after SIGTERM.
	KillOutcomeTerminated

	// KillOutcomeKilled indicates the group outlived every SIGTERM and was
	// sent SIGKILL.
	KillOutcomeKilled
)

var killOutcomes = []string{
	"unknown",
	"gone",
	"terminated",
	"killed",
}

func (o KillOutcome) String() string {
	if int(o) < 0 || int(o) >= len(killOutcomes) {
		return killOutcomes[0]
	}

	return killOutcomes[o]
}

// Killer terminates a job's worker process group with increasing force.
type Killer struct {
	layout output.Layout

	// Attempts is the number of SIGTERMs sent before resorting to SIGKILL.
	Attempts int

	// Pause is the time given to the group to exit after each SIGTERM.
	Pause time.Duration

	// Signal sends sig to pid. Defaults to unix.Kill.
	Signal func(pid int, sig syscall.Signal) error
}

// NewKiller creates a Killer reading process-group records from layout.
func NewKiller(layout output.Layout, attempts int, pause time.Duration) *Killer {
	return &Killer{
		layout:   layout,
		Attempts: max(attempts, 1),
		Pause:    pause,
		Signal:   unix.Kill,
	}
}

// Kill takes the job's process-group record and signals the group. A missing
// record means the group is already gone. At least one SIGTERM is always sent
// before SIGKILL. When ctx is done the remaining pauses are skipped.
func (k *Killer) Kill(ctx context.Context, token string) (KillOutcome, error) {
	pgid, err := k.takeRecord(ctx, token)
	if err != nil {
		if errors.Is(err, output.ErrCancelled) {
			return KillOutcomeGone, nil
		}

		return KillOutcomeUnknown, err
	}

	for range k.Attempts {
		if err := k.Signal(-pgid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return KillOutcomeTerminated, nil
			}

			return KillOutcomeUnknown, fmt.Errorf("terminate group %d: %w", pgid, err)
		}

		if !k.pause(ctx) {
			break
		}

		if !k.alive(pgid) {
			return KillOutcomeTerminated, nil
		}
	}

	if err := k.Signal(-pgid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return KillOutcomeTerminated, nil
		}

		return KillOutcomeUnknown, fmt.Errorf("kill group %d: %w", pgid, err)
	}

	return KillOutcomeKilled, nil
}

// takeRecord waits for the Reader to finish writing a claimed record for
// up to Attempts pauses, then gives up and tombstones it. A missing record
// is tombstoned straight away. Either way ErrCancelled is returned.
func (k *Killer) takeRecord(ctx context.Context, token string) (int, error) {
	waits := 0

	for {
		pgid, err := k.layout.TakeRecord(token)

		switch {
		case err == nil:
			return pgid, nil

		case errors.Is(err, fs.ErrNotExist):
			placed, err := k.layout.PlaceTombstone(token)
			if err != nil {
				return 0, err
			}

			if placed {
				return 0, output.ErrCancelled
			}

			// The Reader claimed the record in the meantime.

		case errors.Is(err, output.ErrRecordPending):
			if waits >= k.Attempts || !k.pause(ctx) {
				if err := k.layout.ReplaceWithTombstone(token); err != nil {
					return 0, err
				}

				return 0, output.ErrCancelled
			}

			waits++

		default:
			return 0, err
		}
	}
}

// alive checks the group with signal 0. EPERM still means it exists.
func (k *Killer) alive(pgid int) bool {
	err := k.Signal(-pgid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

func (k *Killer) pause(ctx context.Context) bool {
	if k.Pause <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(k.Pause)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
