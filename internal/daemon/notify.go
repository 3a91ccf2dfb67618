// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"github.com/tomtom215/applauncherd/internal/logging"
	"github.com/tomtom215/applauncherd/internal/notify"
)

// notifyReady emits the readiness notification once initialization is
// done, when --systemd asked for it.
func (d *Daemon) notifyReady() {
	if !d.opts.NotifySystemd {
		return
	}
	logging.Debug().Msg("initialization done, notifying service manager")
	notify.Ready()
}
