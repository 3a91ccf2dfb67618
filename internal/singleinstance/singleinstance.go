// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package singleinstance loads and fronts the single-instance plugin.
//
// The plugin is a Go plugin shared object exporting two functions:
//
//	Lock(appName string) bool
//	ActivateExistingInstance(appName string) bool
//
// Lock acquires the per-application instance lock, returning false when
// another instance already holds it. ActivateExistingInstance raises the
// window of the running instance.
//
// Plugin load or validation failure is not fatal: invoker-side
// single-instance semantics simply degrade, and every launch proceeds as
// a normal (multi-instance) launch.
package singleinstance

import (
	"plugin"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// Symbol names the plugin must export.
const (
	lockSymbol     = "Lock"
	activateSymbol = "ActivateExistingInstance"
)

// LockFunc acquires the instance lock for an application name.
type LockFunc func(appName string) bool

// ActivateFunc raises the window of an already-running instance.
type ActivateFunc func(appName string) bool

// SingleInstance fronts the loaded plugin. The zero value behaves as
// "plugin not loaded".
type SingleInstance struct {
	lock     LockFunc
	activate ActivateFunc
	loaded   bool
}

// New returns an empty SingleInstance; call Load to attach the plugin.
func New() *SingleInstance {
	return new(SingleInstance)
}

// Load opens the plugin at path and validates its entry points. Symbols
// resolve immediately on open. Failure is logged as a warning and the
// SingleInstance stays in its degraded state.
func (s *SingleInstance) Load(path string) {
	if path == "" {
		return
	}

	p, err := plugin.Open(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("opening single-instance plugin failed")
		return
	}

	if !s.validateAndRegister(p) {
		logging.Warn().Str("path", path).Msg("invalid single-instance plugin")
		return
	}
	logging.Debug().Str("path", path).Msg("single-instance plugin loaded")
}

// validateAndRegister checks the plugin's exported symbols and wires them
// in when they have the expected shapes.
func (s *SingleInstance) validateAndRegister(p *plugin.Plugin) bool {
	lockSym, err := p.Lookup(lockSymbol)
	if err != nil {
		return false
	}
	lock, ok := lockSym.(func(string) bool)
	if !ok {
		return false
	}

	activateSym, err := p.Lookup(activateSymbol)
	if err != nil {
		return false
	}
	activate, ok := activateSym.(func(string) bool)
	if !ok {
		return false
	}

	s.lock = LockFunc(lock)
	s.activate = ActivateFunc(activate)
	s.loaded = true
	return true
}

// Loaded reports whether a valid plugin is attached.
func (s *SingleInstance) Loaded() bool {
	return s.loaded
}

// Lock acquires the instance lock for appName. Without a plugin the lock
// always succeeds, which degrades to plain multi-instance launching.
func (s *SingleInstance) Lock(appName string) bool {
	if !s.loaded {
		return true
	}
	return s.lock(appName)
}

// ActivateExisting raises the window of the running instance of appName.
// Without a plugin there is nothing to raise.
func (s *SingleInstance) ActivateExisting(appName string) bool {
	if !s.loaded {
		return false
	}
	return s.activate(appName)
}

// SetEntryPoints installs explicit entry points in place of a plugin.
// Used by tests and by embedding builds that link the single-instance
// implementation statically.
func (s *SingleInstance) SetEntryPoints(lock LockFunc, activate ActivateFunc) {
	s.lock = lock
	s.activate = activate
	s.loaded = lock != nil && activate != nil
}
