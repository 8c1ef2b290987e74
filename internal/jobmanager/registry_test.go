package jobmanager_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/opspool/internal/config"
	"github.com/nixpig/opspool/internal/jobmanager"
	"github.com/nixpig/opspool/internal/jobmanager/output"
	"github.com/nixpig/opspool/internal/protocol"
)

const (
	testToken  = "0123456789abcdef"
	testChunk  = 1024
	testOutput = 3000
)

type fakeSpawner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSpawner) Spawn(token, command, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, token+" "+username+" "+command)

	return f.err
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// signalRecorder stands in for unix.Kill. alive decides the result of
// signal 0 checks.
type signalRecorder struct {
	mu      sync.Mutex
	signals []syscall.Signal
	alive   func(checks int) bool
	checks  int
}

func (s *signalRecorder) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig == 0 {
		s.checks++

		if s.alive != nil && s.alive(s.checks) {
			return nil
		}

		return syscall.ESRCH
	}

	s.signals = append(s.signals, sig)

	return nil
}

func (s *signalRecorder) sent() []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]syscall.Signal(nil), s.signals...)
}

// shortTempDir keeps socket paths under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "opspool")
	if err != nil {
		t.Fatalf("failed to create temp dir: '%v'", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	return dir
}

func testConfig(t *testing.T) config.Config {
	t.Helper()

	dir := shortTempDir(t)

	cfg := config.Default()
	cfg.SocketPath = filepath.Join(dir, "ctl.sock")
	cfg.SpoolDir = filepath.Join(dir, "spool")
	cfg.PidDir = filepath.Join(dir, "pid")
	cfg.ChunkSize = testChunk
	cfg.KillTimeout = 0
	cfg.PollInterval = 20 * time.Millisecond
	cfg.KillPause = time.Millisecond

	return cfg
}

type testRegistry struct {
	*jobmanager.Registry

	spawner *fakeSpawner
	clock   *fakeClock
	signals *signalRecorder
	layout  output.Layout
}

func newTestRegistry(
	t *testing.T,
	cfg config.Config,
	opts ...jobmanager.Option,
) *testRegistry {
	t.Helper()

	layout := output.Layout{
		SpoolDir: cfg.SpoolDir,
		Prefix:   cfg.SpoolPrefix,
		PidDir:   cfg.PidDir,
	}

	if err := layout.Prepare(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	tr := &testRegistry{
		spawner: &fakeSpawner{},
		clock:   newFakeClock(),
		signals: &signalRecorder{},
		layout:  layout,
	}

	killer := jobmanager.NewKiller(layout, 3, time.Millisecond)
	killer.Signal = tr.signals.Signal

	opts = append([]jobmanager.Option{
		jobmanager.WithClock(tr.clock.Now),
		jobmanager.WithKiller(killer),
	}, opts...)

	r, err := jobmanager.NewRegistry(cfg, tr.spawner, opts...)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	tr.Registry = r

	return tr
}

func (tr *testRegistry) appendOutput(t *testing.T, token string, n int) {
	t.Helper()

	f, err := os.OpenFile(
		tr.layout.SpoolPath(token),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		t.Fatalf("failed to open spool file: '%v'", err)
	}
	defer f.Close()

	if _, err := f.Write(bytes.Repeat([]byte("x"), n)); err != nil {
		t.Fatalf("failed to write spool file: '%v'", err)
	}
}

func (tr *testRegistry) finish(t *testing.T, token string) {
	t.Helper()

	if err := os.WriteFile(tr.layout.MarkerPath(token), []byte("end"), 0644); err != nil {
		t.Fatalf("failed to write marker: '%v'", err)
	}
}

func testNext(
	t *testing.T,
	r *testRegistry,
	user string,
	wantFrom, wantOffset int64,
	wantStatus jobmanager.JobStatus,
) {
	t.Helper()

	from, job, err := r.Next(user, testToken)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if from != wantFrom {
		t.Errorf("expected from: got '%d', want '%d'", from, wantFrom)
	}

	if job.ReadOffset != wantOffset {
		t.Errorf("expected read offset: got '%d', want '%d'", job.ReadOffset, wantOffset)
	}

	if job.Status != wantStatus {
		t.Errorf("expected status: got '%s', want '%s'", job.Status, wantStatus)
	}
}

func TestRegistryJobLifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, testConfig(t))

	if err := r.Submit(testToken, "alice", "show version"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	job, err := r.Detail("alice", testToken)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if job.Status != jobmanager.JobStatusRunning || job.ReadOffset != 0 {
		t.Errorf(
			"expected fresh job: got status '%s' offset '%d'",
			job.Status,
			job.ReadOffset,
		)
	}

	if job.Command != "show version" || job.Owner != "alice" {
		t.Errorf("expected job fields: got '%+v'", job)
	}

	// Nothing written yet.
	testNext(t, r, "alice", 0, 0, jobmanager.JobStatusRunning)

	r.appendOutput(t, testToken, testOutput)

	testNext(t, r, "alice", 0, 1024, jobmanager.JobStatusRunning)
	testNext(t, r, "alice", 1024, 2048, jobmanager.JobStatusRunning)

	// Less than a chunk left: clamp to the spool size.
	testNext(t, r, "alice", 2048, testOutput, jobmanager.JobStatusRunning)
	testNext(t, r, "alice", testOutput, testOutput, jobmanager.JobStatusRunning)

	r.finish(t, testToken)

	testNext(t, r, "alice", testOutput, testOutput, jobmanager.JobStatusDead)
	testNext(t, r, "alice", testOutput, -1, jobmanager.JobStatusDead)
	testNext(t, r, "alice", -1, -1, jobmanager.JobStatusDead)

	if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
		t.Errorf("expected not to receive error: got '%v'", err)
	}

	if _, err := r.Detail("alice", testToken); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound: got '%v'", err)
	}

	if _, err := r.layout.Size(testToken); !os.IsNotExist(err) {
		t.Errorf("expected spool file to be removed: got '%v'", err)
	}

	if r.layout.Finished(testToken) {
		t.Errorf("expected marker to be removed")
	}
}

func TestRegistryOwnership(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, testConfig(t))

	if err := r.Submit(testToken, "alice", "show version"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	r.appendOutput(t, testToken, testOutput)
	testNext(t, r, "alice", 0, 1024, jobmanager.JobStatusRunning)

	before, _ := r.Detail("alice", testToken)

	r.clock.Advance(time.Minute)

	if _, _, err := r.Next("bob", testToken); !errors.Is(err, jobmanager.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner from next: got '%v'", err)
	}

	if err := r.Cancel(t.Context(), "bob", testToken); !errors.Is(err, jobmanager.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner from cancel: got '%v'", err)
	}

	if err := r.Submit(testToken, "bob", ""); !errors.Is(err, jobmanager.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner from ping: got '%v'", err)
	}

	if _, err := r.Detail("bob", testToken); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound from detail: got '%v'", err)
	}

	if jobs := r.List("bob"); len(jobs) != 0 {
		t.Errorf("expected bob to see no jobs: got '%d'", len(jobs))
	}

	after, err := r.Detail("alice", testToken)
	if err != nil {
		t.Fatalf("expected job to survive: got '%v'", err)
	}

	if after != before {
		t.Errorf("expected job unchanged: got '%+v', want '%+v'", after, before)
	}

	if len(r.signals.sent()) != 0 {
		t.Errorf("expected no signals: got '%v'", r.signals.sent())
	}
}

func TestRegistrySubmit(t *testing.T) {
	t.Parallel()

	t.Run("Test duplicate token is rejected", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		err := r.Submit(testToken, "alice", "show interfaces")
		if !errors.Is(err, jobmanager.ErrDuplicateToken) {
			t.Errorf("expected ErrDuplicateToken: got '%v'", err)
		}

		if r.spawner.count() != 1 {
			t.Errorf("expected a single spawn: got '%d'", r.spawner.count())
		}

		job, _ := r.Detail("alice", testToken)
		if job.Command != "show version" {
			t.Errorf("expected original command: got '%s'", job.Command)
		}
	})

	t.Run("Test ping refreshes last update", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		r.clock.Advance(time.Minute)

		if err := r.Submit(testToken, "alice", ""); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		job, _ := r.Detail("alice", testToken)
		if !job.LastUpdate.Equal(r.clock.Now()) {
			t.Errorf("expected last update: got '%v', want '%v'", job.LastUpdate, r.clock.Now())
		}

		if !job.StartTime.Equal(r.clock.Now().Add(-time.Minute)) {
			t.Errorf("expected start time unchanged: got '%v'", job.StartTime)
		}

		if r.spawner.count() != 1 {
			t.Errorf("expected a single spawn: got '%d'", r.spawner.count())
		}
	})

	t.Run("Test spawn failure inserts nothing", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))
		r.spawner.err = errors.New("no such user")

		err := r.Submit(testToken, "mallory", "show version")

		var spawnErr *jobmanager.SpawnError
		if !errors.As(err, &spawnErr) {
			t.Fatalf("expected SpawnError: got '%v'", err)
		}

		if spawnErr.Token != testToken {
			t.Errorf("expected token: got '%s'", spawnErr.Token)
		}

		if jobs := r.List("mallory"); len(jobs) != 0 {
			t.Errorf("expected no jobs: got '%d'", len(jobs))
		}
	})

	t.Run("Test missing arguments", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		scenarios := map[string][3]string{
			"No token":   {"", "alice", "show version"},
			"No user":    {testToken, "", "show version"},
			"No command": {testToken, "alice", ""},
		}

		for scenario, args := range scenarios {
			err := r.Submit(args[0], args[1], args[2])
			if !errors.Is(err, jobmanager.ErrMissingArgument) {
				t.Errorf("%s: expected ErrMissingArgument: got '%v'", scenario, err)
			}
		}

		if r.spawner.count() != 0 {
			t.Errorf("expected no spawns: got '%d'", r.spawner.count())
		}
	})

	t.Run("Test malformed tokens", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		for _, token := range []string{
			"../../../victim",
			"0123456789ABCDEF",
			"0123456789abcde",
			"0123456789abcdef0",
			"0123456789abcde/",
		} {
			err := r.Submit(token, "alice", "show version")
			if !errors.Is(err, jobmanager.ErrInvalidToken) {
				t.Errorf("%q: expected ErrInvalidToken: got '%v'", token, err)
			}
		}

		if r.spawner.count() != 0 {
			t.Errorf("expected no spawns: got '%d'", r.spawner.count())
		}
	})
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, testConfig(t))

	submissions := []struct{ token, user string }{
		{"cccccccccccccccc", "alice"},
		{"aaaaaaaaaaaaaaaa", "bob"},
		{"bbbbbbbbbbbbbbbb", "alice"},
	}

	for _, s := range submissions {
		if err := r.Submit(s.token, s.user, "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		r.clock.Advance(time.Second)
	}

	// Equal start times are ordered by token.
	for _, token := range []string{"ffffffffffffffff", "0000000000000000"} {
		if err := r.Submit(token, "alice", "show log"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
	}

	jobs := r.List("alice")

	want := []string{
		"cccccccccccccccc",
		"bbbbbbbbbbbbbbbb",
		"0000000000000000",
		"ffffffffffffffff",
	}

	if len(jobs) != len(want) {
		t.Fatalf("expected job count: got '%d', want '%d'", len(jobs), len(want))
	}

	for i, job := range jobs {
		if job.Token != want[i] {
			t.Errorf("expected token %d: got '%s', want '%s'", i, job.Token, want[i])
		}
	}
}

func TestRegistryCancel(t *testing.T) {
	t.Parallel()

	t.Run("Test unknown token is a no-op", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if len(r.signals.sent()) != 0 {
			t.Errorf("expected no signals: got '%v'", r.signals.sent())
		}
	})

	t.Run("Test entry is removed when group is already gone", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if _, err := r.Detail("alice", testToken); !errors.Is(err, jobmanager.ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound: got '%v'", err)
		}
	})

	t.Run("Test live group is signalled", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := r.layout.WriteRecord(testToken, 4242); err != nil {
			t.Fatalf("failed to write record: '%v'", err)
		}

		if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		sent := r.signals.sent()
		if len(sent) != 1 || sent[0] != syscall.SIGTERM {
			t.Errorf("expected a single SIGTERM: got '%v'", sent)
		}

		if _, err := os.Stat(r.layout.RecordPath(testToken)); !os.IsNotExist(err) {
			t.Errorf("expected record to be removed: got '%v'", err)
		}
	})

	t.Run("Test cancel before the worker records stops it starting", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if len(r.signals.sent()) != 0 {
			t.Errorf("expected no signals: got '%v'", r.signals.sent())
		}

		if _, err := r.layout.ClaimRecord(testToken); !errors.Is(err, output.ErrCancelled) {
			t.Errorf("expected ErrCancelled for a late worker: got '%v'", err)
		}
	})

	t.Run("Test cancel of a finished job leaves no tombstone", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, testConfig(t))

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		r.finish(t, testToken)

		if err := r.Cancel(t.Context(), "alice", testToken); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if _, err := os.Stat(r.layout.RecordPath(testToken)); !os.IsNotExist(err) {
			t.Errorf("expected no record or tombstone: got '%v'", err)
		}

		if r.layout.Finished(testToken) {
			t.Errorf("expected marker to be removed")
		}
	})
}

func TestRegistryReapIdle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.KillTimeout = 10

	r := newTestRegistry(t, cfg)

	if err := r.Submit("aaaaaaaaaaaaaaaa", "alice", "show version"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if err := r.Submit("bbbbbbbbbbbbbbbb", "alice", "show log"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	r.clock.Advance(8 * time.Second)

	if err := r.Submit("bbbbbbbbbbbbbbbb", "alice", ""); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	r.clock.Advance(8 * time.Second)

	reaped := r.ReapIdle(t.Context(), r.clock.Now())

	if len(reaped) != 1 || reaped[0] != "aaaaaaaaaaaaaaaa" {
		t.Errorf("expected only the idle job to be reaped: got '%v'", reaped)
	}

	if jobs := r.List("alice"); len(jobs) != 1 || jobs[0].Token != "bbbbbbbbbbbbbbbb" {
		t.Errorf("expected pinged job to remain: got '%v'", jobs)
	}

	t.Run("Test zero timeout disables reaping", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.KillTimeout = 0

		r := newTestRegistry(t, cfg)

		if err := r.Submit(testToken, "alice", "show version"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if reaped := r.ReapIdle(t.Context(), r.clock.Now().Add(48*time.Hour)); len(reaped) != 0 {
			t.Errorf("expected nothing reaped: got '%v'", reaped)
		}
	})
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, testConfig(t))

	if err := r.Submit(testToken, "alice", "show version"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	r.appendOutput(t, testToken, testOutput)

	scenarios := map[string]struct {
		req        protocol.Request
		wantReply  bool
		wantStatus protocol.Status
	}{
		"Test missing token is dropped": {
			req:       protocol.Request{Verb: protocol.VerbList, User: "alice"},
			wantReply: false,
		},
		"Test path in token is dropped": {
			req: protocol.Request{
				Verb:    protocol.VerbSubmit,
				Token:   "../../../victim",
				User:    "alice",
				Command: "show version",
			},
			wantReply: false,
		},
		"Test upper case token is dropped": {
			req:       protocol.Request{Verb: protocol.VerbList, Token: "0123456789ABCDEF", User: "alice"},
			wantReply: false,
		},
		"Test unknown verb is dropped": {
			req:       protocol.Request{Verb: protocol.VerbUnknown, Token: testToken},
			wantReply: false,
		},
		"Test detail of unknown token is empty": {
			req: protocol.Request{
				Verb:  protocol.VerbDetail,
				Token: "ffffffffffffffff",
				User:  "alice",
			},
			wantReply:  true,
			wantStatus: protocol.StatusEmpty,
		},
		"Test next by another user is refused": {
			req:        protocol.Request{Verb: protocol.VerbNext, Token: testToken, User: "bob"},
			wantReply:  true,
			wantStatus: protocol.StatusRefused,
		},
		"Test duplicate submit is refused": {
			req: protocol.Request{
				Verb:    protocol.VerbSubmit,
				Token:   testToken,
				User:    "alice",
				Command: "show log",
			},
			wantReply:  true,
			wantStatus: protocol.StatusRefused,
		},
		"Test list for owner": {
			req:        protocol.Request{Verb: protocol.VerbList, Token: testToken, User: "alice"},
			wantReply:  true,
			wantStatus: protocol.StatusOK,
		},
		"Test list for user without jobs": {
			req:        protocol.Request{Verb: protocol.VerbList, Token: testToken, User: "carol"},
			wantReply:  true,
			wantStatus: protocol.StatusEmpty,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			resp, ok := r.Dispatch(t.Context(), config.req)

			if ok != config.wantReply {
				t.Fatalf("expected reply: got '%t', want '%t'", ok, config.wantReply)
			}

			if ok && resp.Status != config.wantStatus {
				t.Errorf("expected status: got '%s', want '%s'", resp.Status, config.wantStatus)
			}
		})
	}

	t.Run("Test dropped submit never spawns", func(t *testing.T) {
		if got := r.spawner.count(); got != 1 {
			t.Errorf("expected only the first submit to spawn: got '%d'", got)
		}
	})

	t.Run("Test next carries the readable range", func(t *testing.T) {
		resp, ok := r.Dispatch(t.Context(), protocol.Request{
			Verb:  protocol.VerbNext,
			Token: testToken,
			User:  "alice",
		})
		if !ok {
			t.Fatalf("expected a reply")
		}

		if resp.From != 0 || resp.Records[0].ReadOffset != testChunk {
			t.Errorf(
				"expected range [0, %d): got [%d, %d)",
				testChunk,
				resp.From,
				resp.Records[0].ReadOffset,
			)
		}
	})
}

func TestRegistryInit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	// Stale artifacts from a previous run.
	if err := os.MkdirAll(cfg.SpoolDir, 0755); err != nil {
		t.Fatalf("failed to create spool dir: '%v'", err)
	}

	stale := filepath.Join(cfg.SpoolDir, cfg.SpoolPrefix+"stale")
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatalf("failed to write stale spool: '%v'", err)
	}

	if err := os.WriteFile(cfg.SocketPath, nil, 0644); err != nil {
		t.Fatalf("failed to write stale socket: '%v'", err)
	}

	first := newTestRegistry(t, cfg)

	if err := first.Init(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale spool to be removed: got '%v'", err)
	}

	fi, err := os.Stat(cfg.SocketPath)
	if err != nil {
		t.Fatalf("expected socket: got '%v'", err)
	}

	if fi.Mode()&os.ModeSocket == 0 || fi.Mode().Perm() != 0777 {
		t.Errorf("expected world-writable socket: got '%v'", fi.Mode())
	}

	second := newTestRegistry(t, cfg)

	if err := second.Init(); !errors.Is(err, jobmanager.ErrRegistryLocked) {
		t.Errorf("expected ErrRegistryLocked: got '%v'", err)
	}

	if err := first.Shutdown(t.Context()); err != nil {
		t.Errorf("expected not to receive error: got '%v'", err)
	}

	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Errorf("expected socket to be removed: got '%v'", err)
	}

	if err := second.Init(); err != nil {
		t.Errorf("expected lock to be released: got '%v'", err)
	}

	second.Shutdown(t.Context())
}

func TestRegistryPollOnceWithoutInit(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, testConfig(t))

	if err := r.PollOnce(t.Context()); !errors.Is(err, jobmanager.ErrNotInitialised) {
		t.Errorf("expected ErrNotInitialised: got '%v'", err)
	}
}

func TestRegistryServe(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	r := newTestRegistry(t, cfg)

	if err := r.Init(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	ctx, cancel := context.WithCancel(t.Context())

	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx) }()

	defer func() {
		cancel()

		if err := <-served; err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		r.Shutdown(context.Background())
	}()

	roundTrip := func(
		v protocol.Version,
		req protocol.Request,
	) protocol.Response {
		t.Helper()

		conn, err := net.Dial("unix", cfg.SocketPath)
		if err != nil {
			t.Fatalf("failed to dial: '%v'", err)
		}
		defer conn.Close()

		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if err := protocol.WriteRequest(conn, v, req); err != nil {
			t.Fatalf("failed to write request: '%v'", err)
		}

		resp, err := protocol.ReadResponse(conn, v, req.Verb)
		if err != nil {
			t.Fatalf("failed to read response: '%v'", err)
		}

		return resp
	}

	roundTrip(protocol.Version1, protocol.Request{
		Verb:    protocol.VerbSubmit,
		Token:   testToken,
		User:    "alice",
		Command: "show version",
	})

	if r.spawner.count() != 1 {
		t.Fatalf("expected a single spawn: got '%d'", r.spawner.count())
	}

	resp := roundTrip(protocol.Version2, protocol.Request{
		Verb:  protocol.VerbDetail,
		Token: testToken,
		User:  "alice",
	})

	if resp.Status != protocol.StatusOK || len(resp.Records) != 1 {
		t.Fatalf("expected one record: got '%+v'", resp)
	}

	if resp.Records[0].Command != "show version" {
		t.Errorf("expected command: got '%s'", resp.Records[0].Command)
	}

	resp = roundTrip(protocol.Version1, protocol.Request{
		Verb:  protocol.VerbDetail,
		Token: testToken,
		User:  "alice",
	})

	if len(resp.Records) != 1 || resp.Records[0].Token != testToken {
		t.Errorf("expected legacy detail record: got '%+v'", resp)
	}

	resp = roundTrip(protocol.Version2, protocol.Request{
		Verb:  protocol.VerbNext,
		Token: testToken,
		User:  "bob",
	})

	if resp.Status != protocol.StatusRefused {
		t.Errorf("expected refusal: got '%s'", resp.Status)
	}
}
