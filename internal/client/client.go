// Package client is the front end's side of the control socket. It encodes
// the five registry verbs, reads job output straight from the spool files
// and hides the read-offset bookkeeping behind PollNext and Follow.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager/output"
	"github.com/nixpig/opspool/internal/protocol"
)

const (
	// TokenSize is the number of random bytes in a token. Tokens are hex
	// encoded, so twice as many characters long.
	TokenSize = 8

	defaultTimeout = 10 * time.Second
)

var (
	ErrRegistryUnavailable = errors.New("registry unavailable")
	ErrNotFound            = errors.New("job not found")
	ErrRefused             = errors.New("request refused")
	ErrFailed              = errors.New("request failed")
)

// Config locates the registry and the spool files it manages.
type Config struct {
	SocketPath string
	Layout     output.Layout

	// ChunkSize is only used with Legacy, whose next replies carry a single
	// offset, to work out how much to read.
	ChunkSize int64

	// Legacy selects the version 1 wire format.
	Legacy bool

	// Timeout bounds each request. Zero means a default of 10s.
	Timeout time.Duration

	// PollInterval is the longest Follow waits between empty polls.
	PollInterval time.Duration

	Logger *slog.Logger
}

// ConfigFrom derives a client configuration from a daemon configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		SocketPath: cfg.SocketPath,
		Layout: output.Layout{
			SpoolDir: cfg.SpoolDir,
			Prefix:   cfg.SpoolPrefix,
			PidDir:   cfg.PidDir,
		},
		ChunkSize:    cfg.ChunkSize,
		PollInterval: cfg.PollInterval,
	}
}

type Client struct {
	cfg     Config
	version protocol.Version
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}

	c := &Client{cfg: cfg, version: protocol.Version2, logger: cfg.Logger}

	if cfg.Legacy {
		c.version = protocol.Version1
	}

	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	return c
}

// NewToken returns a random 16 character hex token.
func NewToken() (string, error) {
	b := make([]byte, TokenSize)

	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// JobSummary describes one of the user's jobs.
type JobSummary struct {
	Token     string
	User      string
	Command   string
	StartTime time.Time

	// ReadOffset is how far the job's output has been read, or -1 once all
	// of it has.
	ReadOffset int64
}

// Drained reports whether all of the job's output has been read.
func (s JobSummary) Drained() bool {
	return s.ReadOffset < 0
}

func summaryOf(r protocol.Record) JobSummary {
	return JobSummary{
		Token:      r.Token,
		User:       r.User,
		Command:    r.Command,
		StartTime:  time.Unix(r.StartTime, 0),
		ReadOffset: r.ReadOffset,
	}
}

// Submit starts command for user and returns the job's token.
func (c *Client) Submit(ctx context.Context, user, command string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, protocol.Request{
		Verb:    protocol.VerbSubmit,
		Token:   token,
		User:    user,
		Command: command,
	})
	if err != nil {
		return "", err
	}

	if err := statusError(resp); err != nil {
		return "", err
	}

	return token, nil
}

// Ping tells the registry the job is still wanted, so it isn't reaped as
// idle.
func (c *Client) Ping(ctx context.Context, user, token string) error {
	resp, err := c.do(ctx, protocol.Request{
		Verb:  protocol.VerbSubmit,
		Token: token,
		User:  user,
	})
	if err != nil {
		return err
	}

	return statusError(resp)
}

// List returns user's jobs, oldest first.
func (c *Client) List(ctx context.Context, user string) ([]JobSummary, error) {
	// The registry drops requests without a token; list ignores its value.
	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, protocol.Request{
		Verb:  protocol.VerbList,
		Token: token,
		User:  user,
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == protocol.StatusEmpty {
		return nil, nil
	}

	if err := statusError(resp); err != nil {
		return nil, err
	}

	jobs := make([]JobSummary, len(resp.Records))
	for i, r := range resp.Records {
		jobs[i] = summaryOf(r)
	}

	return jobs, nil
}

// Detail returns user's job with token, or ErrNotFound.
func (c *Client) Detail(ctx context.Context, user, token string) (JobSummary, error) {
	resp, err := c.do(ctx, protocol.Request{
		Verb:  protocol.VerbDetail,
		Token: token,
		User:  user,
	})
	if err != nil {
		return JobSummary{}, err
	}

	if err := statusError(resp); err != nil {
		return JobSummary{}, err
	}

	for _, r := range resp.Records {
		if r.Token == token {
			return summaryOf(r), nil
		}
	}

	return JobSummary{}, ErrNotFound
}

// Cancel stops user's job and lets the registry clean up after it.
// Cancelling an unknown token succeeds.
func (c *Client) Cancel(ctx context.Context, user, token string) error {
	resp, err := c.do(ctx, protocol.Request{
		Verb:  protocol.VerbCancel,
		Token: token,
		User:  user,
	})
	if err != nil {
		return err
	}

	return statusError(resp)
}

// do sends one request on a fresh connection and reads the reply.
func (c *Client) do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	dialer := net.Dialer{Timeout: c.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, fmt.Errorf("set deadline: %w", err)
	}

	if err := protocol.WriteRequest(conn, c.version, req); err != nil {
		return protocol.Response{}, fmt.Errorf("%s: %w", req.Verb, err)
	}

	resp, err := protocol.ReadResponse(conn, c.version, req.Verb)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%s: %w", req.Verb, err)
	}

	c.logger.Debug(
		"registry reply",
		"verb", req.Verb.String(),
		"token", req.Token,
		"status", resp.Status.String(),
	)

	return resp, nil
}

func statusError(resp protocol.Response) error {
	switch resp.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusEmpty:
		return ErrNotFound
	case protocol.StatusRefused:
		return withMessage(ErrRefused, resp.Error)
	default:
		return withMessage(ErrFailed, resp.Error)
	}
}

func withMessage(err error, msg string) error {
	if msg == "" {
		return err
	}

	return fmt.Errorf("%w: %s", err, msg)
}
