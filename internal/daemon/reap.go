// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/diag"
	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/protocol"
)

// invocationContext returns the logging context recorded when pid's
// booster accepted its launch, or a bare context when none survives
// (e.g. after a re-exec).
func (d *Daemon) invocationContext(pid int) context.Context {
	if ctx, ok := d.boosterToInvocation[pid]; ok {
		return ctx
	}
	return context.Background()
}

// reapZombies waits on every tracked child without blocking and handles
// each one that exited. SIGCHLD is edge-triggered, so a single run must
// drain everything that is ready: several children may have died before
// the event loop got to the signal byte.
func (d *Daemon) reapZombies() {
	type zombie struct {
		pid    int
		status unix.WaitStatus
	}

	// Collect first, handle after: handling a dead booster forks its
	// replacement, which appends to the child table being rebuilt here.
	var dead []zombie
	remaining := make([]int, 0, len(d.children))
	for _, pid := range d.children {
		reaped, status := d.wait4(pid)
		if !reaped {
			remaining = append(remaining, pid)
			continue
		}
		dead = append(dead, zombie{pid, status})
	}
	d.children = remaining

	for _, z := range dead {
		d.handleDeadChild(z.pid, z.status)
	}
}

// handleDeadChild propagates the fate of one reaped child to its invoker,
// if it had one, and restarts the booster when the dead pid was the
// current booster.
func (d *Daemon) handleDeadChild(pid int, status unix.WaitStatus) {
	if invokerPid, ok := d.boosterToInvokerPid[pid]; ok {
		// The invocation context minted at accept-report time ties this
		// reap record back to its launch.
		ctx := d.invocationContext(pid)

		ctxLog := logging.Ctx(ctx)
		ctxLog.Debug().Int("pid", pid).Int("invoker_pid", invokerPid).
			Msg("dead process had an invoker mapping")

		switch {
		case status.Exited():
			code := status.ExitStatus()
			ctxLog.Info().Int("pid", pid).Int("status", code).
				Msg("boosted process exited")
			diag.BoosterReaps.WithLabelValues("exited").Inc()

			if fd, ok := d.boosterToInvokerFd[pid]; ok {
				d.writeExitStatus(fd, int32(code))
				unix.Close(fd)
				delete(d.boosterToInvokerFd, pid)
			}

		case status.Signaled():
			sig := status.Signal()
			ctxLog.Info().Int("pid", pid).Int("signal", int(sig)).
				Msg("boosted process was terminated by signal")
			diag.BoosterReaps.WithLabelValues("signaled").Inc()

			// The invoker mirrors the application's death to its own
			// caller, so no bytes are written; close the connection and
			// re-raise the same signal on the invoker.
			if fd, ok := d.boosterToInvokerFd[pid]; ok {
				unix.Close(fd)
				delete(d.boosterToInvokerFd, pid)
			}
			d.killProcess(invokerPid, sig)
		}

		delete(d.boosterToInvokerPid, pid)
		delete(d.boosterToInvocation, pid)
	}

	// Restart the dead booster. boosterPid still holds the dead pid when
	// the death came from a mode flip or a plain crash.
	if pid == d.boosterPid {
		d.forkBooster(d.respawnDelay(d.cfg.Respawn.Delay))
	}
}

// writeExitStatus sends the exit-status report on the invoker descriptor.
func (d *Daemon) writeExitStatus(fd int, code int32) {
	w := fdWriter(fd)
	if err := protocol.WriteExitStatus(&w, code); err != nil {
		logging.Error().Err(err).Int("fd", fd).Msg("writing exit status to invoker failed")
	}
}

// fdWriter adapts a raw descriptor to io.Writer without transferring
// ownership to an os.File finalizer.
type fdWriter int

func (w *fdWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(int(*w), p)
	if n < 0 {
		n = 0
	}
	return n, err
}
