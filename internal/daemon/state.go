// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

package daemon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/applauncherd/internal/logging"
)

// stateFileName is the file the daemon leaves for its successor during
// re-exec.
const stateFileName = "saved-state"

// StateFilePath returns the state file location inside the state dir.
func StateFilePath(stateDir string) string {
	return filepath.Join(stateDir, stateFileName)
}

// persistedState is the serializable slice of the supervisor: everything
// the successor needs to take over without losing an invoker mapping or
// an open invoker descriptor. Descriptor numbers are persisted verbatim
// because exec preserves open descriptors.
type persistedState struct {
	Pid            int
	Debug          bool
	Children       []int
	InvokerPids    map[int]int
	InvokerFds     map[int]int
	BoosterPid     int
	LauncherSocket [2]int
	SigPipe        [2]int
	BootMode       bool
	Sockets        map[string]int
}

// write serializes the state as whitespace-separated token records, one
// per line. The `end` trailer tells the successor that saving completed;
// a file without it is treated as corrupt.
func (s *persistedState) write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	// The pid comes first so the successor can double-check the state
	// file is really from its own predecessor.
	fmt.Fprintf(bw, "my-pid %d\n", s.Pid)

	// Debug mode is saved right after. The reader applies it only once
	// the whole file has been parsed, so its position has no effect.
	fmt.Fprintf(bw, "debug-mode %s\n", boolToken(s.Debug))

	// Pids of dead boosters may still be listed as children; the
	// successor's reap handles them harmlessly.
	for _, pid := range s.Children {
		fmt.Fprintf(bw, "child %d\n", pid)
	}

	for _, pid := range sortedKeys(s.InvokerPids) {
		fmt.Fprintf(bw, "booster-invoker-pid %d %d\n", pid, s.InvokerPids[pid])
	}
	for _, pid := range sortedKeys(s.InvokerFds) {
		fmt.Fprintf(bw, "booster-invoker-fd %d %d\n", pid, s.InvokerFds[pid])
	}

	fmt.Fprintf(bw, "booster-pid %d\n", s.BoosterPid)
	fmt.Fprintf(bw, "launcher-socket %d %d\n", s.LauncherSocket[0], s.LauncherSocket[1])
	fmt.Fprintf(bw, "sigpipe-fd %d %d\n", s.SigPipe[0], s.SigPipe[1])
	fmt.Fprintf(bw, "boot-mode %s\n", boolToken(s.BootMode))

	types := make([]string, 0, len(s.Sockets))
	for t := range s.Sockets {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(bw, "socket-hash %s %d\n", t, s.Sockets[t])
	}

	fmt.Fprintf(bw, "end\n")
	return bw.Flush()
}

// readState parses a state file. ownPid guards against consuming a stale
// file left behind by a crashed earlier generation: the writer recorded
// its pid, and exec preserves the pid, so they must match.
func readState(r io.Reader, ownPid int) (*persistedState, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		return sc.Text(), true
	}
	nextInt := func() (int, error) {
		tok, ok := next()
		if !ok {
			return 0, fmt.Errorf("daemon: state file truncated")
		}
		var v int
		if _, err := fmt.Sscanf(tok, "%d", &v); err != nil {
			return 0, fmt.Errorf("daemon: bad integer token %q", tok)
		}
		return v, nil
	}
	nextBool := func() (bool, error) {
		v, err := nextInt()
		return v != 0, err
	}

	tok, ok := next()
	if !ok || tok != "my-pid" {
		return nil, fmt.Errorf("daemon: malformed state file: missing my-pid header")
	}
	pid, err := nextInt()
	if err != nil {
		return nil, err
	}
	if pid != ownPid {
		return nil, fmt.Errorf("daemon: stale state file: my-pid %d, own pid %d", pid, ownPid)
	}

	s := &persistedState{
		Pid:         pid,
		InvokerPids: make(map[int]int),
		InvokerFds:  make(map[int]int),
		Sockets:     make(map[string]int),
	}

	for {
		tok, ok := next()
		if !ok {
			// Ran out of tokens before the end trailer: state saving
			// did not complete and nothing in the file can be trusted.
			return nil, fmt.Errorf("daemon: state file without end trailer")
		}

		switch tok {
		case "end":
			return s, nil

		case "child":
			pid, err := nextInt()
			if err != nil {
				return nil, err
			}
			s.Children = append(s.Children, pid)
			logging.Debug().Int("pid", pid).Msg("restored child")

		case "booster-invoker-pid":
			boosterPid, err := nextInt()
			if err != nil {
				return nil, err
			}
			invokerPid, err := nextInt()
			if err != nil {
				return nil, err
			}
			s.InvokerPids[boosterPid] = invokerPid

		case "booster-invoker-fd":
			boosterPid, err := nextInt()
			if err != nil {
				return nil, err
			}
			fd, err := nextInt()
			if err != nil {
				return nil, err
			}
			s.InvokerFds[boosterPid] = fd

		case "booster-pid":
			if s.BoosterPid, err = nextInt(); err != nil {
				return nil, err
			}

		case "launcher-socket":
			if s.LauncherSocket[0], err = nextInt(); err != nil {
				return nil, err
			}
			if s.LauncherSocket[1], err = nextInt(); err != nil {
				return nil, err
			}

		case "sigpipe-fd":
			if s.SigPipe[0], err = nextInt(); err != nil {
				return nil, err
			}
			if s.SigPipe[1], err = nextInt(); err != nil {
				return nil, err
			}

		case "boot-mode":
			if s.BootMode, err = nextBool(); err != nil {
				return nil, err
			}

		case "debug-mode":
			if s.Debug, err = nextBool(); err != nil {
				return nil, err
			}

		case "socket-hash":
			boosterType, ok := next()
			if !ok {
				return nil, fmt.Errorf("daemon: state file truncated")
			}
			fd, err := nextInt()
			if err != nil {
				return nil, err
			}
			s.Sockets[boosterType] = fd

		default:
			return nil, fmt.Errorf("daemon: unknown state token %q", tok)
		}
	}
}

// snapshotState captures the serializable state of the daemon.
func (d *Daemon) snapshotState() *persistedState {
	return &persistedState{
		Pid:            os.Getpid(),
		Debug:          d.opts.Debug,
		Children:       append([]int(nil), d.children...),
		InvokerPids:    copyIntMap(d.boosterToInvokerPid),
		InvokerFds:     copyIntMap(d.boosterToInvokerFd),
		BoosterPid:     d.boosterPid,
		LauncherSocket: d.launcherSocket,
		SigPipe:        d.sigPipe,
		BootMode:       d.opts.BootMode,
		Sockets:        d.sockets.State(),
	}
}

// restoreState loads the predecessor's state file and adopts its
// descriptors and child table. On success the file is deleted unless
// debug mode keeps it around for inspection.
func (d *Daemon) restoreState() error {
	f, err := os.Open(d.stateFile)
	if err != nil {
		return fmt.Errorf("daemon: open state file: %w", err)
	}
	defer f.Close()

	s, err := readState(f, os.Getpid())
	if err != nil {
		return err
	}

	// Restore debug mode first so everything after logs at the restored
	// verbosity.
	d.opts.Debug = s.Debug
	logging.SetDebug(s.Debug)

	d.children = s.Children
	d.boosterToInvokerPid = s.InvokerPids
	d.boosterToInvokerFd = s.InvokerFds
	d.boosterPid = s.BoosterPid
	d.launcherSocket = s.LauncherSocket
	d.sigPipe = s.SigPipe
	d.opts.BootMode = s.BootMode
	for boosterType, fd := range s.Sockets {
		d.sockets.AddMapping(boosterType, fd)
	}

	// The predecessor cleared close-on-exec so these descriptors could
	// cross the exec; re-arm it so booster children spawned from now on
	// do not inherit them.
	d.rearmCloexecOnPersisted()

	d.removeStateFile()
	logging.Debug().Msg("state restore completed")
	return nil
}

// rearmCloexecOnPersisted restores close-on-exec on every adopted
// descriptor.
func (d *Daemon) rearmCloexecOnPersisted() {
	fds := []int{
		d.launcherSocket[0], d.launcherSocket[1],
		d.sigPipe[0], d.sigPipe[1],
	}
	for _, fd := range d.boosterToInvokerFd {
		fds = append(fds, fd)
	}
	fds = append(fds, d.sockets.Fds()...)

	for _, fd := range fds {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			logging.Warn().Err(err).Int("fd", fd).Msg("setting close-on-exec failed")
		}
	}
}

// removeStateFile deletes the state file, unless debug mode wants it kept
// for inspection.
func (d *Daemon) removeStateFile() {
	if d.opts.Debug {
		return
	}
	if err := os.Remove(d.stateFile); err != nil && !os.IsNotExist(err) {
		logging.Error().Err(err).Str("path", d.stateFile).Msg("could not remove state file")
	}
}

func boolToken(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func copyIntMap(m map[int]int) map[int]int {
	out := make(map[int]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
