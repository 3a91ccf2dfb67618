// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package booster implements the pre-initialized child process that turns
// a launch request into a running application.
//
// A booster is spawned by the daemon, performs its expensive runtime
// initialization up front, then blocks accepting one invoker connection on
// its type socket. The moment it has a request in hand it reports the
// acceptance to the daemon (datagram plus the invoker descriptor as
// SCM_RIGHTS) and execs into the application image, so the application
// inherits everything the booster prepared.
package booster

import (
	"fmt"
	"strings"

	"github.com/tomtom215/applauncherd/internal/singleinstance"
	"github.com/tomtom215/applauncherd/internal/socketmgr"
)

// Environment variables carrying descriptor numbers and settings into a
// freshly spawned booster child.
const (
	EnvLauncherFd = "APPLAUNCHERD_BOOSTER_LAUNCHER_FD"
	EnvListenFd   = "APPLAUNCHERD_BOOSTER_LISTEN_FD"
	EnvDelay      = "APPLAUNCHERD_BOOSTER_DELAY"
	EnvBootMode   = "APPLAUNCHERD_BOOSTER_BOOT_MODE"
	EnvPluginPath = "APPLAUNCHERD_BOOSTER_PLUGIN_PATH"
)

// ChildEnvVars lists every booster-child variable, for scrubbing the
// daemon environment before a spawn.
var ChildEnvVars = []string{
	EnvLauncherFd, EnvListenFd, EnvDelay, EnvBootMode, EnvPluginPath,
}

// IsChildEnvVar reports whether an environ entry ("KEY=value") is one of
// the booster-child variables.
func IsChildEnvVar(kv string) bool {
	for _, name := range ChildEnvVars {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}

// Booster is one hosted booster kind. The daemon keys its socket table by
// Type; Initialize runs the preload and the accept flow; Run hands the
// process over to the launched application and only returns on failure.
type Booster interface {
	// Type tags the booster; it names the listening socket.
	Type() string

	// Initialize performs preload, accepts one launch request from an
	// invoker and reports the acceptance to the daemon. argv is the
	// booster child's own argument vector (RunChild passes os.Args); the
	// daemon's initial argument vector does not reach the booster.
	Initialize(argv []string, launcherFd, listenFd int,
		single *singleinstance.SingleInstance, bootMode bool) error

	// Run replaces the process with the accepted application. The
	// returned code is the booster's exit status when exec could not
	// happen.
	Run(sockets *socketmgr.Manager) int
}

// Factory constructs a booster of one kind.
type Factory func() Booster

var registry = make(map[string]Factory)

// Register adds a booster kind. Later registrations win, mirroring how
// plugin overrides behave.
func Register(boosterType string, f Factory) {
	registry[boosterType] = f
}

// New constructs the booster for a type.
func New(boosterType string) (Booster, error) {
	f, ok := registry[boosterType]
	if !ok {
		return nil, fmt.Errorf("booster: unknown booster type %q", boosterType)
	}
	return f(), nil
}

// Types returns the registered booster types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
