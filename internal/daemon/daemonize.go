// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// daemonStageEnv tracks which stage of the detachment dance this process
// is in. The classic double fork becomes a double re-exec: stage one
// leaves the original parent and becomes a session leader, stage two
// gives up session leadership so the daemon can never reacquire a
// controlling terminal.
const daemonStageEnv = "_APPLAUNCHERD_DAEMON_STAGE"

// Daemonize detaches the process from its terminal and parent. It is
// called only at initial startup, never during re-exec. On the final
// stage it returns with stdio on /dev/null, cwd at /, and umask 0; on
// earlier stages the current process exits after spawning the next one.
func Daemonize() error {
	stage := os.Getenv(daemonStageEnv)

	switch stage {
	case "":
		if err := respawnStage("1", true); err != nil {
			return fmt.Errorf("daemon: detach stage 1: %w", err)
		}
		os.Exit(0)

	case "1":
		if err := respawnStage("2", false); err != nil {
			return fmt.Errorf("daemon: detach stage 2: %w", err)
		}
		os.Exit(0)

	case "2":
		os.Unsetenv(daemonStageEnv)
		unix.Umask(0)
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("daemon: chdir /: %w", err)
		}
		return nil
	}

	return fmt.Errorf("daemon: unexpected detach stage %q", stage)
}

// respawnStage re-executes the binary with stdio redirected to /dev/null
// and the stage marker advanced.
func respawnStage(next string, setsid bool) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	env := append(os.Environ(), daemonStageEnv+"="+next)
	fd := devnull.Fd()

	_, _, err = syscall.StartProcess(exe, os.Args, &syscall.ProcAttr{
		Dir:   "/",
		Env:   env,
		Files: []uintptr{fd, fd, fd},
		Sys:   &syscall.SysProcAttr{Setsid: setsid},
	})
	return err
}
