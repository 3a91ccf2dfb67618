// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package protocol defines the wire formats spoken between the invoker,
// the booster and the daemon.
//
// Three channels exist:
//
//   - invoker → booster: a length-prefixed JSON launch request on the
//     booster's listening socket (LaunchRequest).
//   - booster → daemon: a single datagram on the launcher socket pair when
//     a request has been accepted: two little-endian int32 values
//     (invoker pid, respawn delay) plus exactly one file descriptor, the
//     invoker connection, carried as SCM_RIGHTS ancillary data.
//   - daemon → invoker: on normal exit of the launched application, the
//     32-bit MsgExit marker followed by the 32-bit exit status, then EOF.
//     On signal death nothing is written; the invoker is killed with the
//     same signal instead.
//
// All integers on all channels are fixed-width 32-bit little-endian, so a
// mixed-ABI booster/daemon pair cannot disagree on layout.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MsgExit marks an exit-status report on the invoker socket. The marker
// is followed by the int32 exit status of the launched application.
const MsgExit uint32 = 0xe4e70400

// AcceptReportSize is the byte size of the accept-report datagram payload.
const AcceptReportSize = 8

// AcceptReport is the payload a booster sends to the daemon at the moment
// it has accepted a launch request.
type AcceptReport struct {
	// InvokerPid is the pid of the requesting invoker, or 0 when the
	// invoker does not want exit-status reporting.
	InvokerPid int32

	// Delay is the respawn delay in seconds the daemon should apply
	// before initializing the replacement booster, so the freshly
	// launched application is not starved on single-core hardware.
	Delay int32
}

// Encode serializes the accept report into its 8-byte datagram payload.
func (r AcceptReport) Encode() []byte {
	buf := make([]byte, AcceptReportSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.InvokerPid))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Delay))
	return buf
}

// DecodeAcceptReport parses an accept-report datagram payload.
func DecodeAcceptReport(buf []byte) (AcceptReport, error) {
	if len(buf) < AcceptReportSize {
		return AcceptReport{}, fmt.Errorf("protocol: short accept report: %d bytes", len(buf))
	}
	return AcceptReport{
		InvokerPid: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Delay:      int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// WriteExitStatus writes the exit-status report for a normally exited
// application to the invoker connection.
func WriteExitStatus(w io.Writer, status int32) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], MsgExit)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(status))
	_, err := w.Write(buf)
	return err
}

// ReadExitStatus reads an exit-status report from the invoker side of the
// connection. It validates the MsgExit marker.
func ReadExitStatus(r io.Reader) (int32, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if marker := binary.LittleEndian.Uint32(buf[0:4]); marker != MsgExit {
		return 0, fmt.Errorf("protocol: bad exit marker 0x%08x", marker)
	}
	return int32(binary.LittleEndian.Uint32(buf[4:8])), nil
}
