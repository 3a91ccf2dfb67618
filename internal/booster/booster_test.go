// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package booster

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/protocol"
)

func TestRegistry(t *testing.T) {
	t.Run("generic booster is registered", func(t *testing.T) {
		b, err := New(GenericType)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if b.Type() != GenericType {
			t.Errorf("type = %q", b.Type())
		}
	})

	t.Run("unknown type is an error", func(t *testing.T) {
		if _, err := New("quantum"); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("later registration wins", func(t *testing.T) {
		Register("test-dup", func() Booster { return new(Generic) })
		marker := new(Generic)
		Register("test-dup", func() Booster { return marker })

		b, err := New("test-dup")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if b != marker {
			t.Error("registry kept the earlier factory")
		}
	})
}

func TestIsChildEnvVar(t *testing.T) {
	cases := []struct {
		kv   string
		want bool
	}{
		{EnvLauncherFd + "=3", true},
		{EnvListenFd + "=4", true},
		{EnvDelay + "=2", true},
		{"PATH=/usr/bin", false},
		{"APPLAUNCHERD_LOG_LEVEL=debug", false},
	}
	for _, tc := range cases {
		if got := IsChildEnvVar(tc.kv); got != tc.want {
			t.Errorf("IsChildEnvVar(%q) = %v, want %v", tc.kv, got, tc.want)
		}
	}
}

func TestSendAcceptReport(t *testing.T) {
	newPair := func(t *testing.T) (int, int) {
		t.Helper()
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
		if err != nil {
			t.Fatalf("socketpair: %v", err)
		}
		t.Cleanup(func() {
			unix.Close(fds[0])
			unix.Close(fds[1])
		})
		return fds[0], fds[1]
	}

	t.Run("datagram with descriptor", func(t *testing.T) {
		daemonEnd, boosterEnd := newPair(t)

		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer r.Close()
		defer w.Close()

		report := protocol.AcceptReport{InvokerPid: 1000, Delay: 2}
		if err := SendAcceptReport(boosterEnd, report, int(w.Fd()), true); err != nil {
			t.Fatalf("SendAcceptReport: %v", err)
		}

		buf := make([]byte, protocol.AcceptReportSize)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := unix.Recvmsg(daemonEnd, buf, oob, 0)
		if err != nil {
			t.Fatalf("recvmsg: %v", err)
		}

		got, err := protocol.DecodeAcceptReport(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != report {
			t.Errorf("report = %+v, want %+v", got, report)
		}

		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			t.Fatalf("parse control message: %v", err)
		}
		fds, err := unix.ParseUnixRights(&msgs[0])
		if err != nil || len(fds) != 1 {
			t.Fatalf("expected exactly one descriptor, got %v (%v)", fds, err)
		}

		// The passed descriptor must reach the pipe's read end.
		if _, err := unix.Write(fds[0], []byte("x")); err != nil {
			t.Fatalf("write through passed fd: %v", err)
		}
		unix.Close(fds[0])
		var b [1]byte
		if _, err := r.Read(b[:]); err != nil || b[0] != 'x' {
			t.Errorf("passed descriptor not connected: %v", err)
		}
	})

	t.Run("datagram without descriptor", func(t *testing.T) {
		daemonEnd, boosterEnd := newPair(t)

		report := protocol.AcceptReport{InvokerPid: 0, Delay: 0}
		if err := SendAcceptReport(boosterEnd, report, -1, false); err != nil {
			t.Fatalf("SendAcceptReport: %v", err)
		}

		buf := make([]byte, protocol.AcceptReportSize)
		oob := make([]byte, unix.CmsgSpace(4))
		_, oobn, _, _, err := unix.Recvmsg(daemonEnd, buf, oob, 0)
		if err != nil {
			t.Fatalf("recvmsg: %v", err)
		}
		if oobn != 0 {
			t.Errorf("unexpected ancillary data: %d bytes", oobn)
		}
	})
}

func TestFdConn(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	conn := fdConn(fds[1])

	t.Run("round trips a framed launch request", func(t *testing.T) {
		req := &protocol.LaunchRequest{
			Filename: "/usr/bin/true",
			Args:     []string{"/usr/bin/true"},
		}
		done := make(chan error, 1)
		go func() {
			other := fdConn(fds[0])
			done <- protocol.WriteLaunchRequest(&other, req)
		}()

		got, err := protocol.ReadLaunchRequest(&conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Filename != req.Filename {
			t.Errorf("filename = %q", got.Filename)
		}
		if err := <-done; err != nil {
			t.Fatalf("write: %v", err)
		}
	})

	t.Run("peer close reads as EOF", func(t *testing.T) {
		unix.Close(fds[0])
		var buf [4]byte
		if _, err := conn.Read(buf[:]); err == nil {
			t.Error("expected EOF after peer close")
		}
	})
}

func TestChildEnvHelpers(t *testing.T) {
	t.Run("missing fd env reads as -1", func(t *testing.T) {
		os.Unsetenv(EnvLauncherFd)
		if fd := fdFromEnv(EnvLauncherFd); fd != -1 {
			t.Errorf("fd = %d, want -1", fd)
		}
	})

	t.Run("valid fd env parses", func(t *testing.T) {
		t.Setenv(EnvLauncherFd, "3")
		if fd := fdFromEnv(EnvLauncherFd); fd != 3 {
			t.Errorf("fd = %d, want 3", fd)
		}
	})

	t.Run("garbage fd env reads as -1", func(t *testing.T) {
		t.Setenv(EnvLauncherFd, "three")
		if fd := fdFromEnv(EnvLauncherFd); fd != -1 {
			t.Errorf("fd = %d, want -1", fd)
		}
	})

	t.Run("delay parses seconds", func(t *testing.T) {
		t.Setenv(EnvDelay, "2")
		if d := delayFromEnv(); d.Seconds() != 2 {
			t.Errorf("delay = %v, want 2s", d)
		}
	})

	t.Run("negative delay reads as zero", func(t *testing.T) {
		t.Setenv(EnvDelay, "-5")
		if d := delayFromEnv(); d != 0 {
			t.Errorf("delay = %v, want 0", d)
		}
	})
}
