// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package booster

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/protocol"
	"github.com/tomtom215/applauncherd/internal/singleinstance"
	"github.com/tomtom215/applauncherd/internal/socketmgr"
)

// GenericType is the booster type hosted by default.
const GenericType = "generic"

//nolint:gochecknoinits // booster kinds self-register like plugins
func init() {
	Register(GenericType, func() Booster { return new(Generic) })
}

// Generic is the booster for plain executables: no toolkit-specific
// preloading, just a warm process ready to exec the requested image.
type Generic struct {
	request *protocol.LaunchRequest

	oldPriority   int
	oldPriorityOk bool
	bootMode      bool
}

// Type implements Booster.
func (b *Generic) Type() string { return GenericType }

// Initialize implements Booster: preload, accept one invoker request,
// report the acceptance upstream.
func (b *Generic) Initialize(argv []string, launcherFd, listenFd int,
	single *singleinstance.SingleInstance, bootMode bool) error {
	b.bootMode = bootMode

	// Run the preload niced so a busy system is not starved by cache
	// warm-up nobody asked for yet.
	b.pushPriority(10)
	if !bootMode {
		b.preload()
	}
	setProcessTitle(fmt.Sprintf("booster [%s]", b.Type()))
	b.popPriority()

	connFd, req, err := b.acceptRequest(listenFd, single)
	if err != nil {
		return err
	}
	b.request = req

	// Tell the daemon it can fork the replacement. The invoker pid and
	// the connection descriptor travel along when the invoker wants the
	// exit status reported.
	invokerPid := int32(0)
	if req.ReportExitStatus {
		if cred, err := unix.GetsockoptUcred(connFd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
			invokerPid = cred.Pid
		} else {
			logging.Warn().Err(err).Msg("peer credentials unavailable")
		}
	}
	report := protocol.AcceptReport{InvokerPid: invokerPid, Delay: req.Delay}
	if err := SendAcceptReport(launcherFd, report, connFd, req.ReportExitStatus); err != nil {
		logging.Error().Err(err).Msg("could not send accept report to daemon")
	}

	// Give the process its real name now that the request named it.
	title := req.AppName
	if title == "" {
		title = filepath.Base(req.Filename)
	}
	setProcessTitle(title)

	// The daemon holds its own copy of the invoker descriptor now.
	unix.Close(launcherFd)
	unix.Close(connFd)

	// The fate of the daemon no longer matters to this process.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, 0, 0, 0, 0); err != nil {
		logging.Warn().Err(err).Msg("clearing parent-death signal failed")
	}
	return nil
}

// acceptRequest blocks for invoker connections until one of them carries
// a request this booster should exec. Single-instance requests for an
// already-running application are answered inline and the booster keeps
// waiting.
func (b *Generic) acceptRequest(listenFd int, single *singleinstance.SingleInstance) (int, *protocol.LaunchRequest, error) {
	for {
		logging.Debug().Msg("waiting for a message from an invoker")
		connFd, _, err := unix.Accept(listenFd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return -1, nil, fmt.Errorf("booster: accept: %w", err)
		}

		conn := fdConn(connFd)
		req, err := protocol.ReadLaunchRequest(&conn)
		if err != nil {
			unix.Close(connFd)
			return -1, nil, fmt.Errorf("booster: could not read command: %w", err)
		}

		if req.SingleInstance {
			appName := req.AppName
			if appName == "" {
				appName = filepath.Base(req.Filename)
			}
			if !single.Loaded() {
				logging.Warn().Msg("single-instance launch wanted, but plugin not loaded")
			} else if !single.Lock(appName) {
				// An instance is already running; try to raise its
				// window instead of launching a second one.
				status := int32(0)
				if !single.ActivateExisting(appName) {
					logging.Warn().Str("app", appName).
						Msg("cannot activate existing application instance")
					status = 1
				}
				if err := protocol.WriteExitStatus(&conn, status); err != nil {
					logging.Warn().Err(err).Msg("answering single-instance invoker failed")
				}
				unix.Close(connFd)
				// This booster was not consumed; wait for the next
				// invoker.
				continue
			}
		}

		return connFd, req, nil
	}
}

// Run implements Booster: close the inherited sockets and exec the
// application image in place.
func (b *Generic) Run(sockets *socketmgr.Manager) int {
	if b.request == nil || b.request.Filename == "" {
		logging.Error().Msg("nothing to invoke")
		return 1
	}

	// The invoker descriptor is with the daemon already. The listening
	// sockets were inherited without close-on-exec and would otherwise
	// reach the application; close them before the image is replaced.
	if sockets != nil {
		sockets.CloseAll()
	}

	b.prepareLaunchEnvironment()

	env := b.request.Env
	if len(env) == 0 {
		env = os.Environ()
	}

	logging.Debug().Str("filename", b.request.Filename).Msg("invoking application")
	if err := syscall.Exec(b.request.Filename, b.request.Args, env); err != nil {
		logging.Error().Err(err).Str("filename", b.request.Filename).Msg("failed to invoke")
		fmt.Fprintf(os.Stderr, "Failed to invoke: %v\n", err)
		return 1
	}
	return 0 // not reached
}

// prepareLaunchEnvironment applies the request's process settings before
// exec: nice value, out-of-memory adjustment, working directory.
func (b *Generic) prepareLaunchEnvironment() {
	req := b.request

	if cur, err := unix.Getpriority(unix.PRIO_PROCESS, 0); err == nil && cur < req.Priority {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, req.Priority); err != nil {
			logging.Warn().Err(err).Msg("setting application priority failed")
		}
	}

	// The launched application must be able to dump core, whatever
	// dumpable flag the booster process carried.
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 1, 0, 0, 0); err != nil {
		logging.Warn().Err(err).Msg("setting dumpable failed")
	}

	if !req.DisableOomAdj {
		resetOomScoreAdj()
	}

	if req.Dir != "" {
		if err := os.Chdir(req.Dir); err != nil {
			logging.Warn().Err(err).Str("dir", req.Dir).Msg("chdir failed")
		}
	}
}

// preload is the cache warm-up hook. The generic booster has no toolkit
// to initialize; toolkit boosters registered by plugins override this
// cost with real work.
func (b *Generic) preload() {}

// pushPriority lowers the process priority, remembering the old value.
func (b *Generic) pushPriority(nice int) {
	old, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		b.oldPriorityOk = false
		return
	}
	b.oldPriority = old
	b.oldPriorityOk = true
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		logging.Warn().Err(err).Msg("lowering priority failed")
	}
}

// popPriority restores the priority saved by pushPriority.
func (b *Generic) popPriority() {
	if !b.oldPriorityOk {
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, b.oldPriority); err != nil {
		logging.Warn().Err(err).Msg("restoring priority failed")
	}
}

// resetOomScoreAdj clears the inherited out-of-memory kill adjustment.
func resetOomScoreAdj() {
	const path = "/proc/self/oom_score_adj"
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("resetting oom adjustment failed")
	}
}

// setProcessTitle renames the process as seen by top and killall.
func setProcessTitle(title string) {
	name := make([]byte, len(title)+1)
	copy(name, title)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0); err != nil {
		logging.Warn().Err(err).Str("title", title).Msg("setting process name failed")
	}
}

// fdConn adapts a raw connection descriptor to io.ReadWriter.
type fdConn int

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(int(*c), p)
	if n < 0 {
		n = 0
	}
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (c *fdConn) Write(p []byte) (int, error) {
	n, err := unix.Write(int(*c), p)
	if n < 0 {
		n = 0
	}
	return n, err
}
