// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package booster

import (
	"os"
	"strconv"
	"time"

	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/singleinstance"
	"github.com/tomtom215/applauncherd/internal/socketmgr"
)

// RunChild is the entry point of a booster child process. The daemon
// spawned this process with the launcher-socket write end and the type
// listen socket as inherited descriptors; everything else arrives in the
// environment. RunChild never returns: the process either becomes the
// launched application via exec or exits with the booster's status.
func RunChild(boosterType string) {
	launcherFd := fdFromEnv(EnvLauncherFd)
	listenFd := fdFromEnv(EnvListenFd)
	if launcherFd < 0 || listenFd < 0 {
		logging.Error().Msg("booster child started without inherited descriptors")
		os.Exit(1)
	}

	bootMode := os.Getenv(EnvBootMode) == "1"
	delay := delayFromEnv()
	pluginPath := os.Getenv(EnvPluginPath)

	// Guarantee some time for the just-launched application to start up
	// before this replacement begins initializing. Boot mode and the
	// daemon's very first booster at startup arrive with a zero delay.
	if delay > 0 {
		time.Sleep(delay)
	}

	b, err := New(boosterType)
	if err != nil {
		logging.Error().Err(err).Msg("unknown booster type")
		os.Exit(1)
	}

	single := singleinstance.New()
	single.Load(pluginPath)

	sockets := socketmgr.New("")
	sockets.AddMapping(boosterType, listenFd)

	logging.Debug().Str("type", boosterType).Bool("boot_mode", bootMode).
		Msg("running a new booster")

	if err := b.Initialize(os.Args, launcherFd, listenFd, single, bootMode); err != nil {
		logging.Error().Err(err).Msg("booster initialization failed")
		os.Exit(1)
	}

	// Exit directly with the booster's status; no finalizers run, so
	// buffers shared with the daemon before the spawn cannot flush twice.
	os.Exit(b.Run(sockets))
}

// fdFromEnv parses a descriptor number from the environment, -1 when
// absent or malformed.
func fdFromEnv(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return -1
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return -1
	}
	return fd
}

// delayFromEnv parses the respawn delay, zero when absent.
func delayFromEnv() time.Duration {
	v := os.Getenv(EnvDelay)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
