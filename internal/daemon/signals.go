// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// handledSignals are the signals the daemon serializes onto the self-pipe.
//
//	SIGCHLD - a child changed state, reap zombies
//	SIGTERM - exit the launcher
//	SIGUSR1 - enter normal mode from boot mode
//	SIGUSR2 - enter boot mode
//	SIGPIPE - broken invoker pipe, log only
//	SIGHUP  - re-exec
var handledSignals = []os.Signal{
	syscall.SIGCHLD,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGPIPE,
	syscall.SIGHUP,
}

// sigDisposition is a saved signal disposition for a handled signal.
type sigDisposition int

const (
	// dispositionDefault restores SIG_DFL in launched children.
	dispositionDefault sigDisposition = iota
	// dispositionIgnore keeps the signal ignored in launched children.
	dispositionIgnore
)

// signalState owns the self-pipe and the saved-disposition table. The
// table is captured exactly once, when the daemon installs its handlers;
// children spawned afterwards start from these dispositions because exec
// resets caught signals to their defaults while preserving ignores.
type signalState struct {
	pipe  [2]int
	ch    chan os.Signal
	saved map[os.Signal]sigDisposition
}

// newSignalPipe creates the self-pipe. Close-on-exec is set so booster
// children never see either end; the re-exec path clears it explicitly
// right before execve so the descriptors survive into the successor.
func newSignalPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}

// installHandlers captures the prior dispositions and starts routing the
// handled signals onto the self-pipe. The pump goroutine does nothing but
// write one byte, the signal number, into the write end; the write result
// is ignored on purpose. The pipe is blocking, so a full pipe (the event
// loop is behind) makes the pump wait until the loop drains it.
func installHandlers(pipe [2]int) *signalState {
	s := &signalState{
		pipe:  pipe,
		ch:    make(chan os.Signal, 16),
		saved: make(map[os.Signal]sigDisposition, len(handledSignals)),
	}

	for _, sig := range handledSignals {
		if sig == syscall.SIGHUP && signal.Ignored(sig) {
			// SIGHUP is a special case. It is set to ignored when the
			// previous generation does a re-exec, but boosters and
			// launched applications must still get the default handler.
			s.saved[sig] = dispositionDefault
			continue
		}
		if signal.Ignored(sig) {
			s.saved[sig] = dispositionIgnore
		} else {
			s.saved[sig] = dispositionDefault
		}
	}

	signal.Notify(s.ch, handledSignals...)

	go func() {
		for sig := range s.ch {
			num, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			b := [1]byte{byte(num)}
			unix.Write(pipe[1], b[:]) //nolint:errcheck // blocks on a full pipe until the loop drains it
		}
	}()

	return s
}

// stop detaches the handlers. Only used by tests; the daemon keeps its
// handlers for the life of the process.
func (s *signalState) stop() {
	signal.Stop(s.ch)
	close(s.ch)
}

// savedDisposition reports the disposition a child of the daemon starts
// with for the given signal.
func (s *signalState) savedDisposition(sig os.Signal) sigDisposition {
	return s.saved[sig]
}
