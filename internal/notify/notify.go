// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package notify sends the one-shot readiness notification to the
// surrounding service manager.
package notify

import (
	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// Ready tells the service manager that initialization is done. Failure is
// logged and ignored: running outside a service manager is normal.
func Ready() {
	sent, err := sd.SdNotify(false, sd.SdNotifyReady)
	if err != nil {
		logging.Warn().Err(err).Msg("readiness notification failed")
		return
	}
	if !sent {
		logging.Debug().Msg("no notification socket, readiness not sent")
		return
	}
	logging.Debug().Msg("notified service manager: ready")
}
