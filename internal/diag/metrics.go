// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package diag exposes the daemon's observability surface: Prometheus
// collectors and a small HTTP endpoint served on a Unix-domain socket in
// the state directory. Nothing here ever listens on the network.
package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BoosterForks counts booster children spawned.
	BoosterForks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applauncherd",
		Name:      "booster_forks_total",
		Help:      "Booster children forked.",
	})

	// BoosterReaps counts reaped children by outcome (exited, signaled).
	BoosterReaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "applauncherd",
		Name:      "booster_reaps_total",
		Help:      "Children reaped, labeled by how they died.",
	}, []string{"outcome"})

	// LaunchesAccepted counts accept reports with an invoker mapping.
	LaunchesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applauncherd",
		Name:      "launches_accepted_total",
		Help:      "Launch requests accepted by boosters.",
	})

	// RespawnsThrottled counts forks delayed by the crash-loop throttle.
	RespawnsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "applauncherd",
		Name:      "respawns_throttled_total",
		Help:      "Booster respawns delayed by the rate throttle.",
	})
)
