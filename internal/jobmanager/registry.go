package jobmanager

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/nixpig/opspool/internal/auth"
	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager/output"
	"github.com/nixpig/opspool/internal/metrics"
	"github.com/nixpig/opspool/internal/protocol"
)

const (
	// connTimeout bounds reading a request from and writing a response to a
	// single connection.
	connTimeout = 2 * time.Second

	socketMode = 0777
)

var ErrNotInitialised = errors.New("registry not initialised")

// Spawner launches a job's worker. Spawn must return without waiting for the
// command to finish.
type Spawner interface {
	Spawn(token, command, username string) error
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithKiller(k *Killer) Option {
	return func(r *Registry) { r.killer = k }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithPeerPolicy(p *auth.PeerPolicy) Option {
	return func(r *Registry) { r.peers = p }
}

// Registry owns the job table and serves the control socket.
type Registry struct {
	cfg     config.Config
	layout  output.Layout
	spawner Spawner
	killer  *Killer
	logger  *slog.Logger
	metrics *metrics.Metrics
	peers   *auth.PeerPolicy
	now     func() time.Time

	// NOTE: A single mutex serialises every table mutation. Dispatch is
	// already serial when driven by Serve, but the typed operations are
	// exported and may be called concurrently.
	jobs map[string]*Job
	mu   sync.Mutex

	listener *net.UnixListener
	lock     *flock.Flock
	lastReap time.Time
}

// NewRegistry creates a Registry. cfg is normalised and validated; Init must
// be called before serving.
func NewRegistry(
	cfg config.Config,
	spawner Spawner,
	opts ...Option,
) (*Registry, error) {
	if spawner == nil {
		return nil, errors.New("spawner cannot be nil")
	}

	cfg.Normalise()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	layout := output.Layout{
		SpoolDir: cfg.SpoolDir,
		Prefix:   cfg.SpoolPrefix,
		PidDir:   cfg.PidDir,
	}

	r := &Registry{
		cfg:     cfg,
		layout:  layout,
		spawner: spawner,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		jobs:    make(map[string]*Job),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.killer == nil {
		r.killer = NewKiller(layout, cfg.KillAttempts, cfg.KillPause)
	}

	return r, nil
}

// Config returns the normalised configuration.
func (r *Registry) Config() config.Config {
	return r.cfg
}

// Layout returns the on-disk layout of spool and record files.
func (r *Registry) Layout() output.Layout {
	return r.layout
}

// Init takes the single-instance lock, clears stale spool files and the
// stale socket, and listens on the control socket. Any failure is fatal.
func (r *Registry) Init() error {
	lock := flock.New(r.cfg.SocketPath + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("%s: %w", lock.Path(), ErrRegistryLocked)
	}

	if err := r.listen(); err != nil {
		lock.Unlock()
		return err
	}

	r.lock = lock

	r.logger.Info(
		"registry listening",
		"socket", r.cfg.SocketPath,
		"spool_dir", r.cfg.SpoolDir,
		"chunk_size", r.cfg.ChunkSize,
		"kill_timeout", r.cfg.KillTimeout,
	)

	return nil
}

func (r *Registry) listen() error {
	if err := r.layout.Clean(); err != nil {
		r.logger.Warn("clean spool dir", "err", err)
	}

	if err := r.layout.Prepare(); err != nil {
		return err
	}

	if err := os.Remove(r.cfg.SocketPath); err != nil &&
		!errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{
		Name: r.cfg.SocketPath,
		Net:  "unix",
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.cfg.SocketPath, err)
	}

	if err := os.Chmod(r.cfg.SocketPath, socketMode); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	r.listener = l

	return nil
}

// PollOnce waits up to the poll interval for a connection and handles the
// single request it carries. No pending connection is not an error.
func (r *Registry) PollOnce(ctx context.Context) error {
	if r.listener == nil {
		return ErrNotInitialised
	}

	if err := r.listener.SetDeadline(time.Now().Add(r.cfg.PollInterval)); err != nil {
		return fmt.Errorf("set accept deadline: %w", err)
	}

	conn, err := r.listener.AcceptUnix()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}

		return fmt.Errorf("accept: %w", err)
	}

	r.handle(ctx, conn)

	return nil
}

// Serve polls the control socket until ctx is done, reaping idle jobs every
// poll interval.
func (r *Registry) Serve(ctx context.Context) error {
	if r.listener == nil {
		return ErrNotInitialised
	}

	for ctx.Err() == nil {
		if err := r.PollOnce(ctx); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			r.logger.Warn("poll control socket", "err", err)
		}

		if now := r.now(); now.Sub(r.lastReap) >= r.cfg.PollInterval {
			r.lastReap = now
			r.ReapIdle(ctx, now)
		}
	}

	return nil
}

func (r *Registry) handle(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	logger := r.logger.With("request_id", uuid.NewString())

	if err := conn.SetDeadline(time.Now().Add(connTimeout)); err != nil {
		logger.Warn("set conn deadline", "err", err)
	}

	req, version, err := protocol.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		logger.Debug("drop request", "err", err)
		r.metrics.ObserveRequest(protocol.VerbUnknown.String(), "dropped")
		return
	}

	logger = logger.With(
		"verb", req.Verb.String(),
		"token", req.Token,
		"version", int(version),
	)

	var resp protocol.Response

	user, err := r.resolvePeer(conn, req.User)
	if err != nil {
		logger.Warn("refuse peer", "err", err)
		resp = protocol.Response{Status: protocol.StatusRefused, Error: err.Error()}
	} else {
		req.User = user

		var ok bool
		if resp, ok = r.dispatch(ctx, logger, req); !ok {
			logger.Debug("drop request", "err", protocol.ErrMalformed)
			r.metrics.ObserveRequest(req.Verb.String(), "dropped")
			return
		}
	}

	r.metrics.ObserveRequest(req.Verb.String(), resp.Status.String())

	if err := protocol.WriteResponse(conn, version, req.Verb, resp); err != nil {
		logger.Warn("write response", "err", err)
	}
}

func (r *Registry) resolvePeer(conn *net.UnixConn, requested string) (string, error) {
	if r.peers == nil {
		return requested, nil
	}

	peer, err := auth.PeerFromConn(conn)
	if err != nil {
		return "", err
	}

	return r.peers.Resolve(peer, requested)
}

// Dispatch carries out req and returns the reply. The bool is false when the
// request is malformed and nothing must be written back.
func (r *Registry) Dispatch(
	ctx context.Context,
	req protocol.Request,
) (protocol.Response, bool) {
	return r.dispatch(ctx, r.logger, req)
}

func (r *Registry) dispatch(
	ctx context.Context,
	logger *slog.Logger,
	req protocol.Request,
) (protocol.Response, bool) {
	// Tokens name files on disk, so anything but a well-formed one is
	// treated like a missing one.
	if !output.ValidToken(req.Token) {
		logger.Warn("drop request", "verb", req.Verb, "err", ErrInvalidToken)
		return protocol.Response{}, false
	}

	switch req.Verb {
	case protocol.VerbSubmit:
		if err := r.Submit(req.Token, req.User, req.Command); err != nil {
			return r.errorResponse(logger, "submit", err), true
		}

		return protocol.Response{Status: protocol.StatusOK}, true

	case protocol.VerbList:
		jobs := r.List(req.User)
		if len(jobs) == 0 {
			return protocol.Response{Status: protocol.StatusEmpty}, true
		}

		return protocol.Response{Status: protocol.StatusOK, Records: records(jobs)}, true

	case protocol.VerbDetail:
		job, err := r.Detail(req.User, req.Token)
		if err != nil {
			return r.errorResponse(logger, "detail", err), true
		}

		return protocol.Response{
			Status:  protocol.StatusOK,
			Records: []protocol.Record{job.Record()},
		}, true

	case protocol.VerbNext:
		from, job, err := r.Next(req.User, req.Token)
		if err != nil {
			return r.errorResponse(logger, "next", err), true
		}

		return protocol.Response{
			Status:  protocol.StatusOK,
			Records: []protocol.Record{job.Record()},
			From:    from,
		}, true

	case protocol.VerbCancel:
		if err := r.Cancel(ctx, req.User, req.Token); err != nil {
			return r.errorResponse(logger, "cancel", err), true
		}

		return protocol.Response{Status: protocol.StatusOK}, true

	default:
		return protocol.Response{}, false
	}
}

// errorResponse translates registry errors to a response status.
func (r *Registry) errorResponse(
	logger *slog.Logger,
	logMsg string,
	err error,
) protocol.Response {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return protocol.Response{Status: protocol.StatusEmpty}

	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrDuplicateToken):
		logger.Warn(logMsg, "err", err)
		return protocol.Response{Status: protocol.StatusRefused, Error: err.Error()}

	case errors.Is(err, ErrMissingArgument), errors.Is(err, ErrInvalidToken):
		logger.Warn(logMsg, "err", err)
		return protocol.Response{Status: protocol.StatusFailed, Error: err.Error()}

	default:
		logger.Error(logMsg, "err", err)
		return protocol.Response{Status: protocol.StatusFailed, Error: err.Error()}
	}
}

// Submit starts a job for user. A submit for a tracked token without a
// command is a liveness ping from the job's owner; with a command it is
// rejected with ErrDuplicateToken.
func (r *Registry) Submit(token, user, command string) error {
	if token == "" || user == "" {
		return fmt.Errorf("submit needs token and user: %w", ErrMissingArgument)
	}

	if !output.ValidToken(token) {
		return fmt.Errorf("submit %q: %w", token, ErrInvalidToken)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if job, exists := r.jobs[token]; exists {
		if err := auth.CheckOwner(job.Owner, user); err != nil {
			return err
		}

		if command != "" {
			return fmt.Errorf("%s: %w", token, ErrDuplicateToken)
		}

		job.LastUpdate = r.now()

		return nil
	}

	if command == "" {
		return fmt.Errorf("submit needs a command: %w", ErrMissingArgument)
	}

	// Spawn only starts the detached worker, so holding the lock here keeps a
	// concurrent submit for the same token from launching a second worker.
	if err := r.spawner.Spawn(token, command, user); err != nil {
		r.metrics.ObserveSpawnFailure()
		return &SpawnError{Token: token, Err: err}
	}

	r.jobs[token] = newJob(token, user, command, r.now())
	r.updateGauge()

	r.logger.Info("job submitted", "token", token, "user", user)

	return nil
}

// List returns copies of user's jobs ordered by start time, then token.
func (r *Registry) List(user string) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []Job

	for _, job := range r.jobs {
		if job.Owner == user {
			jobs = append(jobs, *job)
		}
	}

	slices.SortFunc(jobs, func(a, b Job) int {
		return cmp.Or(
			a.StartTime.Compare(b.StartTime),
			cmp.Compare(a.Token, b.Token),
		)
	})

	return jobs
}

// Detail returns a copy of user's job with the given token, or
// ErrJobNotFound. Other users' jobs are reported as not found.
func (r *Registry) Detail(user, token string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[token]
	if !exists || job.Owner != user {
		return Job{}, ErrJobNotFound
	}

	return *job, nil
}

// Next advances the owner's read offset by at most one chunk. It returns the
// offset before the update and a copy of the updated job; the owner may read
// [from, job.ReadOffset) from the spool file.
func (r *Registry) Next(user, token string) (int64, Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[token]
	if !exists {
		return 0, Job{}, ErrJobNotFound
	}

	if err := auth.CheckOwner(job.Owner, user); err != nil {
		return 0, Job{}, err
	}

	size, err := r.layout.Size(token)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return 0, Job{}, fmt.Errorf("stat spool file: %w", err)
		}

		// The worker hasn't written anything yet.
		size = 0
	}

	from := job.advance(size, r.layout.Finished(token), r.cfg.ChunkSize)
	job.LastUpdate = r.now()

	r.updateGauge()

	return from, *job, nil
}

// Cancel removes user's job from the table, kills its worker and deletes its
// spool files. Cancelling an unknown token does nothing. A user who doesn't
// own the job gets ErrNotOwner and nothing changes.
func (r *Registry) Cancel(ctx context.Context, user, token string) error {
	r.mu.Lock()

	job, exists := r.jobs[token]
	if !exists {
		r.mu.Unlock()
		return nil
	}

	if err := auth.CheckOwner(job.Owner, user); err != nil {
		r.mu.Unlock()
		return err
	}

	delete(r.jobs, token)
	r.updateGauge()

	r.mu.Unlock()

	return r.terminate(ctx, token)
}

// terminate kills an already removed job's worker and deletes its files.
func (r *Registry) terminate(ctx context.Context, token string) error {
	// A Reader that already finished has nobody left to read a tombstone.
	finished := r.layout.Finished(token)

	outcome, killErr := r.killer.Kill(ctx, token)
	r.metrics.ObserveKill(outcome.String())

	r.logger.Info("job cancelled", "token", token, "kill", outcome.String())

	if finished && outcome == KillOutcomeGone {
		if _, err := r.layout.ClearTombstone(token); err != nil {
			r.logger.Warn("clear tombstone", "token", token, "err", err)
		}
	}

	if err := r.layout.Remove(token); err != nil {
		return errors.Join(killErr, fmt.Errorf("remove spool files: %w", err))
	}

	return killErr
}

// ReapIdle cancels every job whose owner hasn't pinged or read it for longer
// than the kill timeout. A zero kill timeout disables reaping.
func (r *Registry) ReapIdle(ctx context.Context, now time.Time) []string {
	timeout := r.cfg.KillTimeoutDuration()
	if timeout <= 0 {
		return nil
	}

	r.mu.Lock()

	var idle []string

	for token, job := range r.jobs {
		if now.Sub(job.LastUpdate) > timeout {
			idle = append(idle, token)
			delete(r.jobs, token)
		}
	}

	r.updateGauge()

	r.mu.Unlock()

	for _, token := range idle {
		r.metrics.ObserveReaped()
		r.logger.Info("reap idle job", "token", token, "timeout", timeout)

		if err := r.terminate(ctx, token); err != nil {
			r.logger.Warn("reap idle job", "token", token, "err", err)
		}
	}

	return idle
}

// Shutdown makes a 'best effort' attempt to cancel every job, clears the
// spool directory, closes the control socket and releases the lock.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	tokens := slices.Collect(maps.Keys(r.jobs))
	clear(r.jobs)
	r.updateGauge()
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(tokens))
	)

	for i, token := range tokens {
		wg.Go(func() {
			errs[i] = r.terminate(ctx, token)
		})
	}

	wg.Wait()

	if err := r.layout.Clean(); err != nil {
		errs = append(errs, fmt.Errorf("clean spool dir: %w", err))
	}

	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}

		if err := os.Remove(r.cfg.SocketPath); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
	}

	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}

	r.logger.Info("registry shut down", "cancelled", len(tokens))

	return errors.Join(errs...)
}

// updateGauge must be called with mu held.
func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}

	var running, dead int

	for _, job := range r.jobs {
		if job.Status == JobStatusDead {
			dead++
		} else {
			running++
		}
	}

	r.metrics.SetJobs(running, dead)
}

func records(jobs []Job) []protocol.Record {
	out := make([]protocol.Record, len(jobs))

	for i := range jobs {
		out[i] = jobs[i].Record()
	}

	return out
}
