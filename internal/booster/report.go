// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package booster

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/protocol"
)

// SendAcceptReport tells the daemon this booster has accepted a launch
// request. The payload is the 8-byte accept report; when the invoker
// wants the application's exit status, connFd rides along as SCM_RIGHTS
// so the daemon can answer on the invoker connection after the booster
// has already become the application.
func SendAcceptReport(launcherFd int, report protocol.AcceptReport, connFd int, passFd bool) error {
	var oob []byte
	if passFd {
		oob = unix.UnixRights(connFd)
	}
	if err := unix.Sendmsg(launcherFd, report.Encode(), oob, nil, 0); err != nil {
		return fmt.Errorf("booster: sendmsg to daemon: %w", err)
	}
	return nil
}
