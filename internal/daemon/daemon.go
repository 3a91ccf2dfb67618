// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package daemon implements the supervisor process of applauncherd.
//
// The supervisor keeps one pre-initialized booster child alive per
// configured booster type. When a booster accepts a launch request from an
// invoker it reports the acceptance on a shared datagram socket pair and
// execs into the application; the supervisor forks a replacement booster
// and, when the application eventually dies, reports its exit status back
// to the invoker (or mirrors its death signal onto the invoker process).
//
// Everything runs on a single-threaded event loop blocking in poll(2) on
// exactly two descriptors: the read end of the signal self-pipe and the
// read end of the booster launcher socket. Asynchronous signal delivery is
// reduced to a one-byte write into the self-pipe, so all real work happens
// at well-defined points inside the loop.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/tomtom215/applauncherd/internal/booster"
	"github.com/tomtom215/applauncherd/internal/config"
	"github.com/tomtom215/applauncherd/internal/diag"
	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/protocol"
	"github.com/tomtom215/applauncherd/internal/singleinstance"
	"github.com/tomtom215/applauncherd/internal/socketmgr"
)

// Options carry the flag surface of the daemon binary into the supervisor.
type Options struct {
	BootMode      bool
	Daemonize     bool
	Debug         bool
	NotifySystemd bool
	ReExec        bool

	// InitialArgv is the verbatim process argument vector. It is not
	// passed to booster children, which receive only their own
	// --booster-child argument vector.
	InitialArgv []string
}

// Daemon is the supervisor. A process hosts exactly one instance; the
// signal pump is the only code that touches it from outside the event
// loop, and all it does is write a byte into the self-pipe.
type Daemon struct {
	opts Options
	cfg  *config.Config

	// children are the pids still owed a wait, in fork order.
	children []int

	// boosterPid is the latest forked booster of the managed type, or 0
	// while a replacement fork is imminent.
	boosterPid int

	// boosterToInvokerPid and boosterToInvokerFd map a booster that has
	// accepted a launch request to the invoker that asked for it and to
	// the daemon-owned socket back to that invoker.
	boosterToInvokerPid map[int]int
	boosterToInvokerFd  map[int]int

	// boosterToInvocation carries the per-invocation logging context
	// from accept-report to reap, so both records share one invocation
	// ID. Not persisted across re-exec; the successor's reap records
	// simply log without the ID.
	boosterToInvocation map[int]context.Context

	// launcherSocket is the AF_UNIX SOCK_DGRAM pair shared with all
	// boosters: the daemon reads [0], boosters write [1].
	launcherSocket [2]int

	// sigPipe is the signal self-pipe: handlers write [1], the event
	// loop reads [0].
	sigPipe [2]int

	signals *signalState

	booster booster.Booster
	sockets *socketmgr.Manager
	single  *singleinstance.SingleInstance

	throttle *rate.Limiter

	// published holds the latest diag.Snapshot, refreshed between
	// event-loop turns so the diagnostics goroutine never reads the
	// live tables.
	published atomic.Value

	executable string
	stateDir   string
	stateFile  string

	// Process-level effects are indirected so the lifecycle logic can be
	// exercised in tests without forking or killing anything.
	wait4  func(pid int) (reaped bool, status unix.WaitStatus)
	kill   func(pid int, sig syscall.Signal) error
	spawn  func(delay time.Duration) (pid int, err error)
	execve func(argv0 string, argv []string, envv []string) error
	exit   func(code int)
}

// New constructs the supervisor. Fatal setup failures (socketpair, pipe)
// are returned as errors; the caller exits with status 1.
func New(cfg *config.Config, opts Options, b booster.Booster) (*Daemon, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("daemon: resolve own executable: %w", err)
	}

	d := &Daemon{
		opts:                opts,
		cfg:                 cfg,
		boosterToInvokerPid: make(map[int]int),
		boosterToInvokerFd:  make(map[int]int),
		boosterToInvocation: make(map[int]context.Context),
		booster:             b,
		sockets:             socketmgr.New(cfg.StateDir),
		single:              singleinstance.New(),
		executable:          executable,
		stateDir:            cfg.StateDir,
		stateFile:           StateFilePath(cfg.StateDir),
	}
	d.throttle = rate.NewLimiter(rate.Limit(float64(cfg.Respawn.RatePerMinute)/60.0), cfg.Respawn.Burst)

	d.wait4 = defaultWait4
	d.kill = func(pid int, sig syscall.Signal) error { return unix.Kill(pid, sig) }
	d.spawn = d.spawnBooster
	d.execve = unix.Exec
	d.exit = os.Exit

	if opts.ReExec {
		if err := d.restoreState(); err != nil {
			// No partial restore: invoker mappings transfer fully or
			// not at all.
			logging.Error().Err(err).Msg("state restore failed")
			d.removeStateFile()
			d.exit(1)
			return nil, err
		}
	} else {
		sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("daemon: socketpair for boosters: %w", err)
		}
		d.launcherSocket = sp
		if d.sigPipe, err = newSignalPipe(); err != nil {
			return nil, fmt.Errorf("daemon: signal pipe: %w", err)
		}
	}

	d.signals = installHandlers(d.sigPipe)
	return d, nil
}

// defaultWait4 performs one non-blocking wait for the pid.
func defaultWait4(pid int) (bool, unix.WaitStatus) {
	var status unix.WaitStatus
	wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
	if err != nil || wpid == 0 {
		return false, 0
	}
	return true, status
}

// Run enters the event loop. It returns only through d.exit.
func (d *Daemon) Run() {
	// Make sure LD_BIND_NOW does not prevent the dynamic linker from
	// using lazy binding in later plugin loads.
	os.Unsetenv("LD_BIND_NOW")

	d.single.Load(d.cfg.Plugin.SingleInstancePath)

	if d.opts.ReExec {
		// Boosters of the previous generation were killed before exec;
		// reap them now and fork fresh ones. This cannot happen before
		// the booster and plugin are in place.
		d.reapZombies()
	} else {
		logging.Debug().Str("type", d.booster.Type()).Msg("initializing booster socket")
		if err := d.sockets.InitSocket(d.booster.Type()); err != nil {
			logging.Error().Err(err).Msg("booster socket init failed")
			d.exit(1)
			return
		}
		logging.Debug().Str("type", d.booster.Type()).Msg("forking first booster")
		d.forkBooster(0)
	}

	d.notifyReady()
	d.publishSnapshot()

	for {
		fds := []unix.PollFd{
			{Fd: int32(d.launcherSocket[0]), Events: unix.POLLIN},
			{Fd: int32(d.sigPipe[0]), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			logging.Error().Err(err).Msg("poll failed")
			d.exit(1)
			return
		}
		if n <= 0 {
			continue
		}

		// Booster-socket work precedes signal-pipe work within one wake.
		// The order is arbitrary but fixed so behavior is reproducible.
		if fds[0].Revents&unix.POLLIN != 0 {
			d.readFromBoosterSocket()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			d.dispatchSignalByte()
		}
		d.publishSnapshot()
	}
}

// dispatchSignalByte consumes one byte from the self-pipe and reacts to it.
func (d *Daemon) dispatchSignalByte() {
	var buf [1]byte
	n, err := unix.Read(d.sigPipe[0], buf[:])
	if err != nil || n == 0 {
		logging.Warn().Err(err).Msg("empty read from signal pipe")
		return
	}

	switch syscall.Signal(buf[0]) {
	case syscall.SIGCHLD:
		logging.Debug().Msg("SIGCHLD received")
		d.reapZombies()

	case syscall.SIGTERM:
		logging.Debug().Msg("SIGTERM received")
		d.exit(0)

	case syscall.SIGUSR1:
		logging.Debug().Msg("SIGUSR1 received")
		d.enterNormalMode()

	case syscall.SIGUSR2:
		logging.Debug().Msg("SIGUSR2 received")
		d.enterBootMode()

	case syscall.SIGPIPE:
		logging.Debug().Msg("SIGPIPE received")

	case syscall.SIGHUP:
		logging.Debug().Msg("SIGHUP received")
		d.reExec()

	default:
		// Unknown byte; ignore.
	}
}

// readFromBoosterSocket services one accept-report datagram: a booster
// has handed a launch request to an application and the daemon must
// record the invoker mapping and fork the replacement booster.
func (d *Daemon) readFromBoosterSocket() {
	buf := make([]byte, protocol.AcceptReportSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(d.launcherSocket[0], buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		// The daemon just lost its only channel for tracking accepted
		// invocations; the child table cannot be trusted any more.
		logging.Error().Err(err).Msg("nothing read from the booster socket")
		d.exit(1)
		return
	}

	report, err := protocol.DecodeAcceptReport(buf[:n])
	if err != nil {
		logging.Error().Err(err).Msg("malformed accept report")
		d.forkBooster(d.respawnDelay(0))
		return
	}

	logging.Debug().Int32("invoker_pid", report.InvokerPid).
		Int32("delay", report.Delay).Msg("accept report received")

	if report.InvokerPid != 0 && d.boosterPid != 0 {
		fd, ok := parseSingleRight(oob[:oobn])
		if ok {
			ctx := logging.ContextWithInvocationID(context.Background(), logging.NewInvocationID())
			d.boosterToInvokerPid[d.boosterPid] = int(report.InvokerPid)
			d.boosterToInvokerFd[d.boosterPid] = fd
			d.boosterToInvocation[d.boosterPid] = ctx
			diag.LaunchesAccepted.Inc()
			ctxLog := logging.Ctx(ctx)
			ctxLog.Info().
				Int("booster_pid", d.boosterPid).
				Int32("invoker_pid", report.InvokerPid).
				Msg("launch accepted")
		} else {
			logging.Warn().Int("booster_pid", d.boosterPid).
				Msg("accept report without invoker descriptor")
		}
	}

	// The delay guarantees some time for the just-launched application
	// to start up before the replacement booster initializes. Skipping
	// it would slow start-up significantly on single-core CPUs.
	d.forkBooster(d.respawnDelay(time.Duration(report.Delay) * time.Second))
}

// parseSingleRight extracts exactly one descriptor from SCM_RIGHTS
// ancillary data. Surplus descriptors are closed so they cannot leak.
func parseSingleRight(oob []byte) (int, bool) {
	if len(oob) == 0 {
		return -1, false
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, false
	}
	var fds []int
	for _, m := range msgs {
		parsed, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	if len(fds) == 0 {
		return -1, false
	}
	for _, fd := range fds[1:] {
		unix.Close(fd)
	}
	return fds[0], true
}

// killProcess sends a signal, logging but otherwise ignoring failure:
// the target may have died on its own already.
func (d *Daemon) killProcess(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	logging.Debug().Int("pid", pid).Int("signal", int(sig)).Msg("killing process")
	if err := d.kill(pid, sig); err != nil {
		logging.Error().Err(err).Int("pid", pid).Msg("kill failed")
	}
}

// publishSnapshot refreshes the immutable state view the diagnostics
// endpoint reads. Called only from the event loop.
func (d *Daemon) publishSnapshot() {
	children := make([]int, len(d.children))
	copy(children, d.children)
	invokers := make(map[int]int, len(d.boosterToInvokerPid))
	for k, v := range d.boosterToInvokerPid {
		invokers[k] = v
	}
	d.published.Store(diag.Snapshot{
		BootMode:   d.opts.BootMode,
		BoosterPid: d.boosterPid,
		Children:   children,
		Invokers:   invokers,
	})
}

// Snapshot returns the latest published state view. Safe to call from
// the diagnostics goroutine.
func (d *Daemon) Snapshot() diag.Snapshot {
	if v, ok := d.published.Load().(diag.Snapshot); ok {
		return v
	}
	return diag.Snapshot{}
}
