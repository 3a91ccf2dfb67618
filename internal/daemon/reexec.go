// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// argvPadding is appended to the successor's argument vector to reserve
// address space for in-place argv rewrites such as process-title changes.
var argvPadding = strings.Repeat(" ", 50)

// reExec replaces the daemon with a fresh image of itself, carrying the
// child table, the invoker mappings and every long-lived descriptor over
// through the state file. Triggered by SIGHUP.
func (d *Daemon) reExec() {
	logging.Info().Msg("re-exec requested")

	if err := d.ensureStateDir(); err != nil {
		logging.Error().Err(err).Msg("state directory unusable, re-exec failed")
		d.exit(1)
		return
	}

	if err := d.writeStateFile(); err != nil {
		logging.Error().Err(err).Msg("failed to save state, re-exec failed")
		d.exit(1)
		return
	}

	// The boosters have state that will become stale, so kill them. The
	// dead boosters are reaped when the re-execed daemon runs its first
	// reap after initialization.
	d.killBoosters()

	// Handler dispositions are reset by exec, so SIGHUP handling is lost
	// until the successor installs its own handler. Ignoring a signal IS
	// preserved over exec, so ignore SIGHUP now: a second SIGHUP arriving
	// mid-exec must not kill the successor.
	signal.Ignore(syscall.SIGHUP)

	// exec preserves descriptors only if close-on-exec is clear; Go sets
	// it on everything it creates, so clear it on all descriptors the
	// successor will adopt from the state file.
	d.clearCloexecOnPersisted()

	argv := []string{d.executable, "--re-exec", argvPadding}
	logging.Debug().Str("exe", d.executable).Msg("state saved, calling execve")

	if err := d.execve(d.executable, argv, os.Environ()); err != nil {
		// Not reached on success.
		logging.Error().Err(err).Msg("execve failed, re-exec failed")
		d.exit(1)
	}
}

// ensureStateDir makes sure the state directory exists and is a directory.
func (d *Daemon) ensureStateDir() error {
	st, err := os.Stat(d.stateDir)
	if os.IsNotExist(err) {
		logging.Debug().Str("dir", d.stateDir).Msg("creating state directory")
		if err := os.MkdirAll(d.stateDir, 0o700); err != nil {
			return err
		}
		st, err = os.Stat(d.stateDir)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if !st.IsDir() {
		return &os.PathError{Op: "stat", Path: d.stateDir, Err: syscall.ENOTDIR}
	}
	return nil
}

// writeStateFile persists the supervisor state in a single pass, flushed
// and closed before the exec proceeds.
func (d *Daemon) writeStateFile() error {
	f, err := os.OpenFile(d.stateFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := d.snapshotState().write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// clearCloexecOnPersisted clears close-on-exec on every descriptor named
// in the state file so it survives into the successor.
func (d *Daemon) clearCloexecOnPersisted() {
	fds := []int{
		d.launcherSocket[0], d.launcherSocket[1],
		d.sigPipe[0], d.sigPipe[1],
	}
	for _, fd := range d.boosterToInvokerFd {
		fds = append(fds, fd)
	}
	fds = append(fds, d.sockets.Fds()...)

	for _, fd := range fds {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
			logging.Warn().Err(err).Int("fd", fd).Msg("clearing close-on-exec failed")
		}
	}
}
