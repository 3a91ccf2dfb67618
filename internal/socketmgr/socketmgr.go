// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package socketmgr owns the named listening sockets boosters accept
// invoker connections on, one per booster type.
//
// Sockets are plain AF_UNIX SOCK_STREAM listeners handled at the file
// descriptor level: the descriptors are inherited by booster children and
// must survive the daemon's own re-exec, which rules out net.Listener
// ownership (its finalizers close descriptors behind our back).
package socketmgr

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// listenBacklog is the accept queue length for booster sockets.
const listenBacklog = 16

// Manager maps booster types to their listening socket descriptors.
type Manager struct {
	baseDir string
	sockets map[string]int
}

// New creates a Manager that places sockets under baseDir.
func New(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		sockets: make(map[string]int),
	}
}

// Path returns the filesystem path of the socket for a booster type.
func (m *Manager) Path(boosterType string) string {
	return filepath.Join(m.baseDir, "booster-"+boosterType)
}

// InitSocket creates, binds and listens on the socket for the given
// booster type. A stale socket file from a previous run is removed first.
// Calling InitSocket twice for the same type is a no-op.
func (m *Manager) InitSocket(boosterType string) error {
	if _, ok := m.sockets[boosterType]; ok {
		return nil
	}

	if err := os.MkdirAll(m.baseDir, 0o700); err != nil {
		return fmt.Errorf("socketmgr: create socket directory: %w", err)
	}

	path := m.Path(boosterType)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("socketmgr: remove stale socket %s: %w", path, err)
	}

	// Close-on-exec keeps the listener out of processes it was not
	// explicitly handed to; the daemon clears the flag before re-exec.
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socketmgr: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketmgr: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("could not restrict socket mode")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socketmgr: listen %s: %w", path, err)
	}

	logging.Debug().Str("type", boosterType).Str("path", path).Int("fd", fd).
		Msg("booster socket initialized")
	m.sockets[boosterType] = fd
	return nil
}

// FindSocket returns the listening descriptor for a booster type, or -1
// if no socket has been initialized for it.
func (m *Manager) FindSocket(boosterType string) int {
	if fd, ok := m.sockets[boosterType]; ok {
		return fd
	}
	return -1
}

// AddMapping records an already-open descriptor for a booster type. Used
// when the re-execed daemon restores its socket table from the state file.
func (m *Manager) AddMapping(boosterType string, fd int) {
	m.sockets[boosterType] = fd
}

// State returns a copy of the type → descriptor mapping for serialization.
func (m *Manager) State() map[string]int {
	out := make(map[string]int, len(m.sockets))
	for k, v := range m.sockets {
		out[k] = v
	}
	return out
}

// Fds returns every live socket descriptor. Booster children receive these
// and the daemon clears close-on-exec on them before re-exec.
func (m *Manager) Fds() []int {
	out := make([]int, 0, len(m.sockets))
	for _, fd := range m.sockets {
		out = append(out, fd)
	}
	return out
}

// CloseAll closes every socket. A booster calls this once the launch
// request is in hand and the descriptors are no longer needed.
func (m *Manager) CloseAll() {
	for boosterType, fd := range m.sockets {
		if err := unix.Close(fd); err != nil {
			logging.Warn().Err(err).Str("type", boosterType).Int("fd", fd).
				Msg("closing booster socket failed")
		}
		delete(m.sockets, boosterType)
	}
}
