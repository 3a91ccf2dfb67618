// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// maxLaunchRequestSize bounds the length prefix so a misbehaving invoker
// cannot make the booster allocate arbitrary memory.
const maxLaunchRequestSize = 1 << 20

// LaunchRequest is what an invoker sends to a booster to start an
// application. It travels as a little-endian uint32 length prefix followed
// by a JSON document.
type LaunchRequest struct {
	// Filename is the absolute path of the application binary.
	Filename string `json:"filename"`

	// AppName is the display name used for the process title rewrite.
	// Defaults to the basename of Filename when empty.
	AppName string `json:"app_name,omitempty"`

	// Args is the full argument vector, Args[0] included.
	Args []string `json:"args"`

	// Env is the environment for the application. Empty means inherit
	// the booster's environment.
	Env []string `json:"env,omitempty"`

	// Dir is the working directory for the application.
	Dir string `json:"dir,omitempty"`

	// Delay is the respawn delay in seconds the booster forwards to the
	// daemon with its accept report.
	Delay int32 `json:"delay"`

	// Priority is the nice value the application should run at.
	Priority int `json:"priority,omitempty"`

	// SingleInstance requests that only one instance of the application
	// may run; the booster consults the single-instance plugin.
	SingleInstance bool `json:"single_instance,omitempty"`

	// ReportExitStatus requests that the daemon report the exit status
	// of the application back on the invoker connection. When false the
	// connection is closed as soon as the request has been read.
	ReportExitStatus bool `json:"report_exit_status,omitempty"`

	// DisableOomAdj leaves the inherited oom_score_adj in place instead
	// of resetting it to zero before exec.
	DisableOomAdj bool `json:"disable_oom_adj,omitempty"`
}

// Validate checks the request for the fields the booster cannot do without.
func (r *LaunchRequest) Validate() error {
	if r.Filename == "" {
		return fmt.Errorf("protocol: launch request without filename")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("protocol: launch request without argument vector")
	}
	return nil
}

// WriteLaunchRequest frames and writes a launch request.
func WriteLaunchRequest(w io.Writer, req *LaunchRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("protocol: encode launch request: %w", err)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadLaunchRequest reads and decodes one framed launch request.
func ReadLaunchRequest(r io.Reader) (*LaunchRequest, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size == 0 || size > maxLaunchRequestSize {
		return nil, fmt.Errorf("protocol: unreasonable launch request size %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	req := new(LaunchRequest)
	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("protocol: decode launch request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
