// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// Snapshot is the state view served at /state. The daemon produces it
// between event-loop turns, so readers never observe a half-updated
// child table.
type Snapshot struct {
	BootMode   bool        `json:"boot_mode"`
	BoosterPid int         `json:"booster_pid"`
	Children   []int       `json:"children"`
	Invokers   map[int]int `json:"invokers"`
}

// SnapshotFunc supplies the current snapshot.
type SnapshotFunc func() Snapshot

// Service serves /metrics, /healthz and /state on a Unix socket. It
// implements suture.Service and is safe to restart: each Serve call
// re-creates the listener.
type Service struct {
	socketPath string
	snapshot   SnapshotFunc
}

// NewService creates the diagnostics service.
func NewService(socketPath string, snapshot SnapshotFunc) *Service {
	return &Service{socketPath: socketPath, snapshot: snapshot}
}

// String names the service in supervisor logs.
func (s *Service) String() string { return "diag" }

// Serve listens until the context is canceled. Implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	// A previous generation or a crashed run may have left the socket
	// file behind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.socketPath)

	server := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	logging.Info().Str("socket", s.socketPath).Msg("diagnostics endpoint up")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx) //nolint:errcheck // best effort on the way out
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// router builds the chi route tree.
func (s *Service) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
			logging.Warn().Err(err).Msg("encoding state snapshot failed")
		}
	})

	return r
}
