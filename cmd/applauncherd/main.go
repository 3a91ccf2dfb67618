// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package main is the entry point for the applauncherd daemon.
//
// Applauncherd cuts application start-up latency by keeping a booster
// process preloaded: a child in which expensive runtime initialization has
// already happened. When an invoker asks for a launch, the waiting booster
// execs into the application immediately and the daemon forks the next
// booster.
//
// # Process Roles
//
// The same binary runs in two roles:
//
//   - supervisor (default): the long-lived daemon described above
//   - booster child (internal --booster-child flag): spawned by the
//     supervisor with the launcher socket and its type's listen socket as
//     inherited descriptors
//
// # Startup Order
//
//  1. Role dispatch: booster children branch off before anything else.
//  2. Flag parsing: the tiny surface below, parsed by hand because
//     --re-exec changes what is allowed to be initialized.
//  3. Configuration: Koanf v2 layering (defaults, optional YAML file,
//     APPLAUNCHERD_* environment variables).
//  4. Logging: zerolog, JSON by default.
//  5. Optional daemonization (never during re-exec).
//  6. Supervisor construction: socket pair, signal pipe — or, with
//     --re-exec, adoption of the predecessor's descriptors from the
//     state file.
//  7. Optional diagnostics service under a suture supervisor.
//  8. The event loop.
//
// # Signal Handling
//
//	SIGCHLD  reap zombies
//	SIGTERM  exit
//	SIGUSR1  enter normal mode
//	SIGUSR2  enter boot mode
//	SIGPIPE  logged only
//	SIGHUP   state-preserving re-exec
//
// # Example Usage
//
// Run in the foreground with debug logging:
//
//	applauncherd --debug
//
// Run as a classic daemon in boot mode, with the diagnostics socket:
//
//	export APPLAUNCHERD_DIAG_ENABLED=true
//	applauncherd -d -b
//
// Under systemd (Type=notify):
//
//	applauncherd --systemd
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/applauncherd/internal/booster"
	"github.com/tomtom215/applauncherd/internal/config"
	"github.com/tomtom215/applauncherd/internal/daemon"
	"github.com/tomtom215/applauncherd/internal/diag"
	"github.com/tomtom215/applauncherd/internal/logging"
)

func main() {
	args := os.Args

	// Booster children branch off first; they must not touch the
	// supervisor's configuration or state machinery.
	if len(args) >= 3 && args[1] == "--booster-child" {
		logging.Init(logging.Config{
			Level:  os.Getenv("APPLAUNCHERD_LOG_LEVEL"),
			Format: os.Getenv("APPLAUNCHERD_LOG_FORMAT"),
		})
		booster.RunChild(args[2])
		return // not reached
	}

	opts := parseArgs(args)

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Debug:  opts.Debug,
	})
	logging.Debug().Msg("starting")

	// Detach before any descriptor the supervisor must keep is created.
	// Never on re-exec: the process is already the daemon.
	if opts.Daemonize && !opts.ReExec {
		if err := daemon.Daemonize(); err != nil {
			logging.Fatal().Err(err).Msg("daemonizing failed")
		}
	}

	b, err := booster.New(cfg.Booster.Type)
	if err != nil {
		logging.Fatal().Err(err).Msg("no such booster type")
	}

	d, err := daemon.New(cfg, opts, b)
	if err != nil {
		logging.Fatal().Err(err).Msg("supervisor setup failed")
	}

	if cfg.Diag.Enabled {
		startDiagnostics(cfg, d)
	}

	d.Run()
}

// parseArgs handles the flag surface by hand, the way a launcher started
// by init systems and by its own previous generation has to: --re-exec
// must be recognized before any library gets a chance to misread it.
func parseArgs(args []string) daemon.Options {
	opts := daemon.Options{InitialArgv: args}

	for _, arg := range args[1:] {
		switch arg {
		case "--boot-mode", "-b":
			logging.Info().Msg("boot mode set")
			opts.BootMode = true
		case "--daemon", "-d":
			opts.Daemonize = true
		case "--debug":
			logging.SetDebug(true)
			opts.Debug = true
		case "--systemd":
			opts.NotifySystemd = true
		case "--re-exec":
			opts.ReExec = true
		case "--help", "-h":
			usage(args[0], 0)
		default:
			// The previous generation appends a whitespace padding
			// argument to reserve argv space; ignore it.
			if strings.TrimSpace(arg) != "" {
				usage(args[0], 1)
			}
		}
	}
	return opts
}

// usage prints the flag surface and exits with the given status.
func usage(name string, status int) {
	fmt.Printf("\nUsage: %s [options]\n\n"+
		"Start the application launcher daemon.\n\n"+
		"Options:\n"+
		"  -b, --boot-mode  Start %s in boot mode: boosters do not\n"+
		"                   initialize caches and the booster respawn delay\n"+
		"                   is zero. Normal mode is restored by sending\n"+
		"                   SIGUSR1 to the launcher; boot mode can also be\n"+
		"                   entered later by sending SIGUSR2.\n"+
		"  -d, --daemon     Run %s as a daemon.\n"+
		"  --systemd        Notify systemd when initialization is done.\n"+
		"  --debug          Enable debug logging.\n"+
		"  -h, --help       Print this help.\n\n",
		name, name, name)
	os.Exit(status)
}

// startDiagnostics runs the diagnostics endpoint under a suture
// supervisor so listener crashes are restarted with backoff instead of
// taking the daemon down.
func startDiagnostics(cfg *config.Config, d *daemon.Daemon) {
	handler := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	sup := suture.New("applauncherd", suture.Spec{
		EventHook: handler.MustHook(),
	})

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logging.Warn().Err(err).Msg("diagnostics state dir unavailable")
		return
	}
	socketPath := cfg.StateDir + "/" + cfg.Diag.SocketName
	sup.Add(diag.NewService(socketPath, d.Snapshot))
	sup.ServeBackground(context.Background())
}
