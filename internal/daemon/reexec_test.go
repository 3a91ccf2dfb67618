// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEnsureStateDir(t *testing.T) {
	t.Run("creates a missing directory", func(t *testing.T) {
		h := newTestHarness(t)
		h.d.stateDir = filepath.Join(t.TempDir(), "applauncherd")

		if err := h.d.ensureStateDir(); err != nil {
			t.Fatalf("ensureStateDir: %v", err)
		}
		fi, err := os.Stat(h.d.stateDir)
		if err != nil || !fi.IsDir() {
			t.Errorf("state dir not created: %v", err)
		}
	})

	t.Run("rejects a non-directory in the way", func(t *testing.T) {
		h := newTestHarness(t)
		path := filepath.Join(t.TempDir(), "blocker")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatalf("write blocker: %v", err)
		}
		h.d.stateDir = path

		if err := h.d.ensureStateDir(); err == nil {
			t.Error("expected error for non-directory state dir")
		}
	})
}

func TestWriteStateFile(t *testing.T) {
	h := newTestHarness(t)
	h.d.children = []int{10, 11}
	h.d.boosterPid = 11
	h.d.boosterToInvokerPid[11] = 2000
	h.d.boosterToInvokerFd[11] = 7

	if err := h.d.writeStateFile(); err != nil {
		t.Fatalf("writeStateFile: %v", err)
	}

	data, err := os.ReadFile(h.d.stateFile)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	out := string(data)

	for _, record := range []string{
		"child 10", "child 11",
		"booster-invoker-pid 11 2000",
		"booster-invoker-fd 11 7",
		"booster-pid 11",
	} {
		if !strings.Contains(out, record) {
			t.Errorf("state file missing %q:\n%s", record, out)
		}
	}
	if !strings.HasSuffix(out, "end\n") {
		t.Error("state file missing end trailer")
	}
}

func TestReExec(t *testing.T) {
	t.Run("saves state, kills the booster and execs itself", func(t *testing.T) {
		h := newTestHarness(t)
		defer signal.Reset(syscall.SIGHUP)
		h.d.children = []int{55}
		h.d.boosterPid = 55

		h.d.reExec()

		if len(h.killed) != 1 || h.killed[0].pid != 55 || h.killed[0].sig != int(syscall.SIGTERM) {
			t.Errorf("killed = %v, want SIGTERM to booster 55", h.killed)
		}
		if _, err := os.Stat(h.d.stateFile); err != nil {
			t.Errorf("state file missing after re-exec: %v", err)
		}
		if len(h.execs) != 1 {
			t.Fatalf("execve called %d times, want 1", len(h.execs))
		}
		argv := h.execs[0]
		if len(argv) != 3 || argv[1] != "--re-exec" {
			t.Errorf("successor argv = %q", argv)
		}
		if strings.TrimSpace(argv[2]) != "" {
			t.Errorf("padding argument not whitespace: %q", argv[2])
		}
		if len(h.exited) != 0 {
			t.Errorf("successful re-exec must not exit, got %v", h.exited)
		}
	})

	t.Run("a second SIGHUP during re-exec is ignored", func(t *testing.T) {
		h := newTestHarness(t)
		s := installHandlers(h.d.sigPipe)
		defer s.stop()
		defer signal.Reset(syscall.SIGHUP)

		h.d.reExec()

		// The pre-exec handoff left SIGHUP ignored, exactly what the
		// successor inherits across execve.
		if !signal.Ignored(syscall.SIGHUP) {
			t.Fatal("SIGHUP not ignored after re-exec handoff")
		}

		// A storm's second SIGHUP must neither kill the process nor
		// reach the self-pipe as another re-exec request.
		if err := unix.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
			t.Fatalf("kill self: %v", err)
		}
		time.Sleep(100 * time.Millisecond)

		fds := []unix.PollFd{{Fd: int32(h.d.sigPipe[0]), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil && err != unix.EINTR {
			t.Fatalf("poll: %v", err)
		}
		if n != 0 {
			t.Error("ignored SIGHUP still reached the self-pipe")
		}
		if len(h.execs) != 1 {
			t.Errorf("execve called %d times, want exactly 1", len(h.execs))
		}
	})

	t.Run("successor maps inherited SIG_IGN for SIGHUP to SIG_DFL", func(t *testing.T) {
		// The previous generation ignores SIGHUP right before execve;
		// the successor starts with that disposition in place.
		signal.Ignore(syscall.SIGHUP)
		defer signal.Reset(syscall.SIGHUP)

		pipe, err := newSignalPipe()
		if err != nil {
			t.Fatalf("newSignalPipe: %v", err)
		}
		defer unix.Close(pipe[0])
		defer unix.Close(pipe[1])

		s := installHandlers(pipe)
		defer s.stop()

		// Boosters and launched applications must get the default
		// handler, not the inherited ignore.
		if s.savedDisposition(syscall.SIGHUP) != dispositionDefault {
			t.Error("inherited SIG_IGN for SIGHUP not replaced with SIG_DFL")
		}

		// And the successor itself handles SIGHUP again: the next one
		// arrives as a byte on the self-pipe.
		if err := unix.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
			t.Fatalf("kill self: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			fds := []unix.PollFd{{Fd: int32(pipe[0]), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, 100)
			if err != nil && err != unix.EINTR {
				t.Fatalf("poll: %v", err)
			}
			if n > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("SIGHUP never reached the self-pipe after reinstall")
			}
		}
		var buf [1]byte
		if _, err := unix.Read(pipe[0], buf[:]); err != nil {
			t.Fatalf("read: %v", err)
		}
		if syscall.Signal(buf[0]) != syscall.SIGHUP {
			t.Errorf("byte = %d, want SIGHUP", buf[0])
		}
	})
}

func TestClearCloexecOnPersisted(t *testing.T) {
	h := newTestHarness(t)

	// Descriptors created through Go carry close-on-exec; after the
	// pre-exec pass the persisted ones must not.
	h.d.clearCloexecOnPersisted()

	for _, fd := range []int{
		h.d.launcherSocket[0], h.d.launcherSocket[1],
		h.d.sigPipe[0], h.d.sigPipe[1],
	} {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("F_GETFD on %d: %v", fd, err)
		}
		if flags&unix.FD_CLOEXEC != 0 {
			t.Errorf("fd %d still close-on-exec", fd)
		}
	}
}
