// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/tomtom215/applauncherd/internal/booster"
	"github.com/tomtom215/applauncherd/internal/config"
	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/protocol"
	"github.com/tomtom215/applauncherd/internal/singleinstance"
	"github.com/tomtom215/applauncherd/internal/socketmgr"
)

// fakeBooster satisfies the booster interface without ever forking.
type fakeBooster struct{}

func (fakeBooster) Type() string { return "generic" }
func (fakeBooster) Initialize([]string, int, int, *singleinstance.SingleInstance, bool) error {
	return nil
}
func (fakeBooster) Run(*socketmgr.Manager) int { return 0 }

// testHarness wires a Daemon with every process-level effect stubbed out.
type testHarness struct {
	d *Daemon

	spawned   []time.Duration
	killed    []struct{ pid, sig int }
	execs     [][]string
	exited    []int
	waitTable map[int]unix.WaitStatus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := &config.Config{
		Booster: config.BoosterConfig{Type: "generic"},
		Respawn: config.RespawnConfig{
			Delay:         2 * time.Second,
			RatePerMinute: 600,
			Burst:         100,
		},
		StateDir: t.TempDir(),
	}

	h := &testHarness{waitTable: make(map[int]unix.WaitStatus)}
	d := &Daemon{
		opts:                Options{InitialArgv: []string{"applauncherd"}},
		cfg:                 cfg,
		boosterToInvokerPid: make(map[int]int),
		boosterToInvokerFd:  make(map[int]int),
		boosterToInvocation: make(map[int]context.Context),
		booster:             fakeBooster{},
		sockets:             socketmgr.New(cfg.StateDir),
		single:              singleinstance.New(),
		executable:          "/proc/self/exe",
		stateDir:            cfg.StateDir,
		stateFile:           StateFilePath(cfg.StateDir),
		throttle:            rate.NewLimiter(rate.Inf, 1),
	}

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	d.launcherSocket = sp
	if d.sigPipe, err = newSignalPipe(); err != nil {
		t.Fatalf("signal pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(d.launcherSocket[0])
		unix.Close(d.launcherSocket[1])
		unix.Close(d.sigPipe[0])
		unix.Close(d.sigPipe[1])
	})

	nextPid := 100
	d.spawn = func(delay time.Duration) (int, error) {
		h.spawned = append(h.spawned, delay)
		nextPid++
		return nextPid, nil
	}
	d.kill = func(pid int, sig syscall.Signal) error {
		h.killed = append(h.killed, struct{ pid, sig int }{pid, int(sig)})
		return nil
	}
	d.exit = func(code int) { h.exited = append(h.exited, code) }
	d.execve = func(_ string, argv []string, _ []string) error {
		h.execs = append(h.execs, argv)
		return nil
	}
	d.wait4 = func(pid int) (bool, unix.WaitStatus) {
		status, ok := h.waitTable[pid]
		if !ok {
			return false, 0
		}
		delete(h.waitTable, pid)
		return true, status
	}

	h.d = d
	return h
}

// exitedStatus fabricates a wait status for exit(code).
func exitedStatus(code int) unix.WaitStatus {
	return unix.WaitStatus(code << 8)
}

// signaledStatus fabricates a wait status for death by signal.
func signaledStatus(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus(sig)
}

func TestForkBooster(t *testing.T) {
	t.Run("tracks the child and sets the booster pid", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.forkBooster(0)

		if len(h.d.children) != 1 {
			t.Fatalf("children = %v, want one entry", h.d.children)
		}
		if h.d.boosterPid != h.d.children[0] {
			t.Errorf("boosterPid %d != tracked child %d", h.d.boosterPid, h.d.children[0])
		}
		if len(h.spawned) != 1 {
			t.Errorf("spawn called %d times", len(h.spawned))
		}
	})

	t.Run("boot mode forces a zero respawn delay", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.opts.BootMode = true
		h.d.forkBooster(h.d.respawnDelay(2 * time.Second))

		if h.spawned[0] != 0 {
			t.Errorf("boot-mode delay = %v, want 0", h.spawned[0])
		}
	})

	t.Run("normal mode passes the requested delay through", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.forkBooster(h.d.respawnDelay(2 * time.Second))

		if h.spawned[0] != 2*time.Second {
			t.Errorf("delay = %v, want 2s", h.spawned[0])
		}
	})
}

func TestAcceptReportHandling(t *testing.T) {
	send := func(t *testing.T, h *testHarness, report protocol.AcceptReport, fd int, passFd bool) {
		t.Helper()
		if err := booster.SendAcceptReport(h.d.launcherSocket[1], report, fd, passFd); err != nil {
			t.Fatalf("send accept report: %v", err)
		}
	}

	t.Run("records mappings and forks a replacement", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.boosterPid = 42

		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer r.Close()
		defer w.Close()

		send(t, h, protocol.AcceptReport{InvokerPid: 1000, Delay: 3}, int(w.Fd()), true)
		h.d.readFromBoosterSocket()

		if got := h.d.boosterToInvokerPid[42]; got != 1000 {
			t.Errorf("invoker pid mapping = %d, want 1000", got)
		}
		if _, ok := h.d.boosterToInvokerFd[42]; !ok {
			t.Error("invoker fd mapping missing")
		}
		if len(h.spawned) != 1 || h.spawned[0] != 3*time.Second {
			t.Errorf("spawned = %v, want one fork with 3s delay", h.spawned)
		}
		// The replacement fork invalidated and re-set the booster pid.
		if h.d.boosterPid == 42 {
			t.Error("boosterPid not replaced")
		}
	})

	t.Run("zero invoker pid records nothing", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.boosterPid = 42

		send(t, h, protocol.AcceptReport{InvokerPid: 0, Delay: 0}, -1, false)
		h.d.readFromBoosterSocket()

		if len(h.d.boosterToInvokerPid) != 0 || len(h.d.boosterToInvokerFd) != 0 {
			t.Error("mappings recorded for anonymous invocation")
		}
		if len(h.spawned) != 1 {
			t.Errorf("replacement fork missing, spawned=%v", h.spawned)
		}
	})

	t.Run("datagram without descriptor records no mapping", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.boosterPid = 42

		send(t, h, protocol.AcceptReport{InvokerPid: 1000, Delay: 0}, -1, false)
		h.d.readFromBoosterSocket()

		if len(h.d.boosterToInvokerFd) != 0 {
			t.Error("fd mapping recorded without SCM_RIGHTS payload")
		}
		if len(h.d.boosterToInvokerPid) != 0 {
			t.Error("pid mapping recorded without SCM_RIGHTS payload")
		}
	})
}

func TestReapZombies(t *testing.T) {
	t.Run("exited child reports status to invoker exactly once", func(t *testing.T) {
		h := newTestHarness(t)

		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer r.Close()

		// Duplicate so the daemon owns its descriptor like after a real
		// SCM_RIGHTS receive.
		invokerFd, err := unix.Dup(int(w.Fd()))
		if err != nil {
			t.Fatalf("dup: %v", err)
		}
		w.Close()

		h.d.children = []int{10, 11}
		h.d.boosterPid = 11
		h.d.boosterToInvokerPid[11] = 2000
		h.d.boosterToInvokerFd[11] = invokerFd
		h.waitTable[11] = exitedStatus(7)

		h.d.reapZombies()

		if len(h.d.children) != 2 || h.d.children[0] != 10 {
			// child 10 still alive, plus the replacement booster
			t.Errorf("children = %v", h.d.children)
		}
		if len(h.d.boosterToInvokerPid) != 0 || len(h.d.boosterToInvokerFd) != 0 {
			t.Error("mappings not dropped after reap")
		}

		status, err := protocol.ReadExitStatus(r)
		if err != nil {
			t.Fatalf("read exit status: %v", err)
		}
		if status != 7 {
			t.Errorf("status = %d, want 7", status)
		}
		// The daemon closed its descriptor: EOF follows.
		var buf [1]byte
		if n, _ := r.Read(buf[:]); n != 0 {
			t.Error("expected EOF after exit report")
		}
	})

	t.Run("signal death closes fd silently and re-raises on invoker", func(t *testing.T) {
		h := newTestHarness(t)

		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer r.Close()
		invokerFd, err := unix.Dup(int(w.Fd()))
		if err != nil {
			t.Fatalf("dup: %v", err)
		}
		w.Close()

		h.d.children = []int{11}
		h.d.boosterPid = 11
		h.d.boosterToInvokerPid[11] = 1000
		h.d.boosterToInvokerFd[11] = invokerFd
		h.waitTable[11] = signaledStatus(syscall.SIGSEGV)

		h.d.reapZombies()

		// No bytes were written: the invoker sees a bare EOF.
		var buf [8]byte
		if n, _ := r.Read(buf[:]); n != 0 {
			t.Errorf("expected no bytes on invoker fd, got %d", n)
		}
		if len(h.killed) != 1 || h.killed[0].pid != 1000 || h.killed[0].sig != int(syscall.SIGSEGV) {
			t.Errorf("killed = %v, want SIGSEGV to 1000", h.killed)
		}
	})

	t.Run("dead booster is replaced under the mode policy", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.children = []int{11}
		h.d.boosterPid = 11
		h.waitTable[11] = exitedStatus(0)

		h.d.reapZombies()

		if len(h.spawned) != 1 || h.spawned[0] != 2*time.Second {
			t.Errorf("spawned = %v, want one fork with the 2s respawn delay", h.spawned)
		}
	})

	t.Run("drains several dead children in one pass", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.children = []int{10, 11, 12}
		h.d.boosterPid = 12
		h.waitTable[10] = exitedStatus(0)
		h.waitTable[11] = signaledStatus(syscall.SIGKILL)
		h.waitTable[12] = exitedStatus(1)

		h.d.reapZombies()

		// Only the replacement booster remains tracked.
		if len(h.d.children) != 1 || h.d.children[0] != h.d.boosterPid {
			t.Errorf("children = %v, boosterPid = %d", h.d.children, h.d.boosterPid)
		}
	})

	t.Run("non-booster child does not trigger a fork", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.children = []int{10}
		h.d.boosterPid = 11
		h.waitTable[10] = exitedStatus(0)

		h.d.reapZombies()

		if len(h.spawned) != 0 {
			t.Errorf("unexpected fork: %v", h.spawned)
		}
	})
}

func TestModeTransitions(t *testing.T) {
	t.Run("entering boot mode terminates the booster and keeps its pid", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.boosterPid = 55

		h.d.enterBootMode()

		if !h.d.opts.BootMode {
			t.Error("boot mode flag not set")
		}
		if len(h.killed) != 1 || h.killed[0].pid != 55 || h.killed[0].sig != int(syscall.SIGTERM) {
			t.Errorf("killed = %v, want SIGTERM to 55", h.killed)
		}
		if h.d.boosterPid != 55 {
			t.Error("boosterPid cleared; reap would not auto-fork")
		}
	})

	t.Run("entering boot mode twice is a no-op", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.opts.BootMode = true
		h.d.boosterPid = 55

		h.d.enterBootMode()

		if len(h.killed) != 0 {
			t.Errorf("no-op transition killed %v", h.killed)
		}
	})

	t.Run("normal mode restores the respawn delay", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.opts.BootMode = true
		h.d.boosterPid = 55

		h.d.enterNormalMode()

		if h.d.opts.BootMode {
			t.Error("boot mode flag still set")
		}
		if h.d.respawnDelay(2*time.Second) != 2*time.Second {
			t.Error("respawn delay not restored")
		}
	})

	t.Run("mode flip end to end: SIGTERM, reap, zero-delay refork", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.children = []int{55}
		h.d.boosterPid = 55

		h.d.enterBootMode()

		// The booster dies from the SIGTERM; reap sees the pid equality
		// and forks the replacement under the new policy.
		h.waitTable[55] = signaledStatus(syscall.SIGTERM)
		h.d.reapZombies()

		if len(h.spawned) != 1 || h.spawned[0] != 0 {
			t.Errorf("spawned = %v, want one zero-delay fork", h.spawned)
		}
	})
}

func TestDispatchSignalByte(t *testing.T) {
	writeByte := func(t *testing.T, h *testHarness, sig syscall.Signal) {
		t.Helper()
		b := [1]byte{byte(sig)}
		if _, err := unix.Write(h.d.sigPipe[1], b[:]); err != nil {
			t.Fatalf("write signal byte: %v", err)
		}
	}

	t.Run("SIGTERM exits with success", func(t *testing.T) {
		h := newTestHarness(t)
		writeByte(t, h, syscall.SIGTERM)
		h.d.dispatchSignalByte()
		if len(h.exited) != 1 || h.exited[0] != 0 {
			t.Errorf("exited = %v, want [0]", h.exited)
		}
	})

	t.Run("SIGUSR2 enters boot mode", func(t *testing.T) {
		h := newTestHarness(t)
		writeByte(t, h, syscall.SIGUSR2)
		h.d.dispatchSignalByte()
		if !h.d.opts.BootMode {
			t.Error("boot mode not entered")
		}
	})

	t.Run("SIGUSR1 enters normal mode", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.opts.BootMode = true
		writeByte(t, h, syscall.SIGUSR1)
		h.d.dispatchSignalByte()
		if h.d.opts.BootMode {
			t.Error("normal mode not entered")
		}
	})

	t.Run("SIGCHLD triggers a reap", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.children = []int{99}
		h.waitTable[99] = exitedStatus(0)
		writeByte(t, h, syscall.SIGCHLD)
		h.d.dispatchSignalByte()
		if len(h.d.children) != 0 {
			t.Errorf("children not reaped: %v", h.d.children)
		}
	})

	t.Run("SIGPIPE and unknown bytes are ignored", func(t *testing.T) {
		h := newTestHarness(t)
		writeByte(t, h, syscall.SIGPIPE)
		h.d.dispatchSignalByte()
		writeByte(t, h, syscall.Signal(250))
		h.d.dispatchSignalByte()
		if len(h.exited) != 0 || len(h.killed) != 0 || len(h.spawned) != 0 {
			t.Error("ignored signals had side effects")
		}
	})
}

func TestInvocationIDJoinsAcceptAndReap(t *testing.T) {
	h := newTestHarness(t)
	h.d.boosterPid = 42

	var logBuf bytes.Buffer
	logging.SetLogger(logging.NewTestLogger(&logBuf))
	defer logging.Init(logging.Config{})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	report := protocol.AcceptReport{InvokerPid: 1000, Delay: 0}
	if err := booster.SendAcceptReport(h.d.launcherSocket[1], report, int(w.Fd()), true); err != nil {
		t.Fatalf("send accept report: %v", err)
	}
	h.d.readFromBoosterSocket()

	// The booster (pid 42) execs the application and later exits.
	h.d.children = append(h.d.children, 42)
	h.waitTable[42] = exitedStatus(0)
	h.d.reapZombies()

	ids := regexp.MustCompile(`"invocation_id":"([0-9a-f]{8})"`).
		FindAllStringSubmatch(logBuf.String(), -1)
	if len(ids) < 2 {
		t.Fatalf("expected invocation_id on accept and reap records, got %d in:\n%s",
			len(ids), logBuf.String())
	}
	for _, m := range ids[1:] {
		if m[1] != ids[0][1] {
			t.Errorf("invocation IDs differ across records: %q vs %q", ids[0][1], m[1])
		}
	}
	if len(h.d.boosterToInvocation) != 0 {
		t.Error("invocation context not dropped after reap")
	}
}

func TestSnapshot(t *testing.T) {
	h := newTestHarness(t)
	h.d.children = []int{10, 11}
	h.d.boosterPid = 11
	h.d.boosterToInvokerPid[11] = 2000
	h.d.publishSnapshot()

	snap := h.d.Snapshot()
	if snap.BoosterPid != 11 || len(snap.Children) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Invokers[11] != 2000 {
		t.Errorf("snapshot invokers = %v", snap.Invokers)
	}

	// The snapshot must be a copy, not a view of the live tables.
	h.d.children[0] = 999
	if snap.Children[0] == 999 {
		t.Error("snapshot aliases the live child table")
	}
}
