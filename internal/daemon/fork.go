// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/applauncherd/internal/booster"
	"github.com/tomtom215/applauncherd/internal/diag"
	"github.com/tomtom215/applauncherd/internal/logging"
)

// respawnDelay applies the mode policy to a requested delay: boot mode
// always respawns immediately.
func (d *Daemon) respawnDelay(requested time.Duration) time.Duration {
	if d.opts.BootMode {
		return 0
	}
	return requested
}

// forkBooster starts a replacement booster child. The delay is observed
// by the child itself, before it begins initializing, so the supervisor
// never blocks.
//
// A crash-looping booster would otherwise turn this into a fork bomb; the
// rate throttle stretches the delay once the configured burst is used up.
func (d *Daemon) forkBooster(delay time.Duration) {
	if d.booster == nil {
		logging.Error().Msg("no booster configured, cannot fork")
		d.exit(1)
		return
	}

	// Invalidate the current booster pid; it refers to a process that
	// is now either dead or owned by an application.
	d.boosterPid = 0

	if extra := d.throttle.Reserve().Delay(); extra > 0 {
		logging.Warn().Dur("extra_delay", extra).
			Msg("booster respawning too fast, throttling")
		diag.RespawnsThrottled.Inc()
		delay += extra
	}

	pid, err := d.spawn(delay)
	if err != nil {
		logging.Error().Err(err).Msg("forking booster failed")
		d.exit(1)
		return
	}

	// Track the pid so it can be reaped, and remember which booster to
	// restart when it exits.
	d.children = append(d.children, pid)
	d.boosterPid = pid
	diag.BoosterForks.Inc()

	logging.Info().Int("pid", pid).Str("type", d.booster.Type()).
		Dur("delay", delay).Bool("boot_mode", d.opts.BootMode).
		Msg("booster forked")
}

// spawnBooster re-executes the daemon binary in booster-child mode. The
// launcher-socket write end and the type listen socket are the only
// descriptors handed down beyond stdio; in particular none of the invoker
// descriptors or the self-pipe ends reach the child, and the fresh exec
// gives it default signal dispositions in place of the daemon's handlers.
func (d *Daemon) spawnBooster(delay time.Duration) (int, error) {
	listenFd := d.sockets.FindSocket(d.booster.Type())
	if listenFd < 0 {
		return 0, fmt.Errorf("daemon: no socket for booster type %q", d.booster.Type())
	}

	env := append(environWithoutBooster(),
		booster.EnvLauncherFd+"=3",
		booster.EnvListenFd+"=4",
		booster.EnvDelay+"="+strconv.Itoa(int(delay/time.Second)),
		booster.EnvBootMode+"="+boolEnv(d.opts.BootMode),
		booster.EnvPluginPath+"="+d.cfg.Plugin.SingleInstancePath,
	)
	if d.opts.Debug {
		env = append(env, "APPLAUNCHERD_LOG_LEVEL=debug")
	}

	argv := []string{d.executable, "--booster-child", d.booster.Type()}

	pid, _, err := syscall.StartProcess(d.executable, argv, &syscall.ProcAttr{
		Dir: "/",
		Env: env,
		Files: []uintptr{
			0, 1, 2,
			uintptr(d.launcherSocket[1]),
			uintptr(listenFd),
		},
		Sys: &syscall.SysProcAttr{
			// New session, and SIGHUP on daemon death so orphaned
			// boosters do not linger.
			Setsid:    true,
			Pdeathsig: syscall.SIGHUP,
		},
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// environWithoutBooster returns the daemon environment stripped of any
// stale booster-child variables from a previous generation.
func environWithoutBooster() []string {
	env := make([]string, 0, len(booster.ChildEnvVars))
	for _, kv := range syscall.Environ() {
		if booster.IsChildEnvVar(kv) {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
