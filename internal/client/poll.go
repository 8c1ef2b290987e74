package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nixpig/opspool/internal/jobmanager/output"
	"github.com/nixpig/opspool/internal/protocol"
)

type PollKind int

const (
	// PollChunk indicates Data holds the next piece of output.
	PollChunk PollKind = iota + 1

	// PollEmpty indicates no new output is available yet.
	PollEmpty

	// PollEnd indicates all output has been read. The job has been
	// cancelled to release it.
	PollEnd
)

var pollKinds = []string{"Unknown", "Chunk", "Empty", "End"}

func (k PollKind) String() string {
	if int(k) < 0 || int(k) >= len(pollKinds) {
		return pollKinds[0]
	}

	return pollKinds[k]
}

// Poll is the result of a single PollNext.
type Poll struct {
	Kind PollKind
	Data []byte

	// Offset is where Data starts in the job's output.
	Offset int64
}

// PollNext asks the registry to advance the job's read offset and returns
// the output in between. On PollEnd the job is cancelled, so its entry and
// spool files go away.
func (c *Client) PollNext(ctx context.Context, user, token string) (Poll, error) {
	resp, err := c.do(ctx, protocol.Request{
		Verb:  protocol.VerbNext,
		Token: token,
		User:  user,
	})
	if err != nil {
		return Poll{}, err
	}

	if err := statusError(resp); err != nil {
		return Poll{}, err
	}

	if len(resp.Records) == 0 {
		return Poll{}, fmt.Errorf("%w: next reply without record", ErrFailed)
	}

	from, to := resp.From, resp.Records[0].ReadOffset

	if to < 0 {
		if err := c.Cancel(ctx, user, token); err != nil {
			c.logger.Warn("cancel drained job", "token", token, "err", err)
		}

		return Poll{Kind: PollEnd, Offset: from}, nil
	}

	if c.version == protocol.Version1 {
		// Legacy replies carry only the offset before the update.
		to = from + c.cfg.ChunkSize
	}

	data, err := output.ReadRange(c.cfg.Layout.SpoolPath(token), from, to)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Poll{Kind: PollEmpty, Offset: from}, nil
		}

		return Poll{}, err
	}

	if len(data) == 0 {
		return Poll{Kind: PollEmpty, Offset: from}, nil
	}

	return Poll{Kind: PollChunk, Data: data, Offset: from}, nil
}

// Follow copies the job's output to w until all of it has been read. While
// there is nothing new it waits for the spool directory to change, or at
// most the poll interval.
func (c *Client) Follow(ctx context.Context, user, token string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.cfg.Layout.SpoolDir); err != nil {
		return fmt.Errorf("watch spool dir: %w", err)
	}

	spoolName := filepath.Base(c.cfg.Layout.SpoolPath(token))
	markerName := filepath.Base(c.cfg.Layout.MarkerPath(token))

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		p, err := c.PollNext(ctx, user, token)
		if err != nil {
			return err
		}

		switch p.Kind {
		case PollEnd:
			return nil

		case PollChunk:
			if _, err := w.Write(p.Data); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			continue
		}

		timer.Reset(c.cfg.PollInterval)

	wait:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-timer.C:
				break wait

			case err := <-watcher.Errors:
				c.logger.Warn("spool watcher", "err", err)

			case evt := <-watcher.Events:
				if name := filepath.Base(evt.Name); name == spoolName || name == markerName {
					break wait
				}
			}
		}
	}
}
