// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"syscall"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// enterNormalMode leaves boot mode: boosters initialize their caches
// again and the respawn delay returns to the configured value.
func (d *Daemon) enterNormalMode() {
	if !d.opts.BootMode {
		logging.Info().Msg("already in normal mode")
		return
	}
	d.opts.BootMode = false
	d.killBoosters()
	logging.Info().Msg("exited boot mode")
}

// enterBootMode is the signal-driven equivalent of --boot-mode: boosters
// skip cache initialization and respawn without delay.
func (d *Daemon) enterBootMode() {
	if d.opts.BootMode {
		logging.Info().Msg("already in boot mode")
		return
	}
	d.opts.BootMode = true
	d.killBoosters()
	logging.Info().Msg("entered boot mode")
}

// killBoosters terminates the current booster so its replacement picks up
// the new mode. boosterPid must not be cleared here: the reap path uses
// the pid equality to know it has to fork the replacement.
func (d *Daemon) killBoosters() {
	if d.boosterPid != 0 {
		d.killProcess(d.boosterPid, syscall.SIGTERM)
	}
}
