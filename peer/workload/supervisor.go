// Package workload implements the Workload Supervisor (spec.md §4.7): runs
// the game server subprocess in world_root, derives "ready"/"saved" events
// from its log stream, and drives the graceful-stop sequence the State
// Machine's relinquish path depends on.
package workload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/procspawn"
	"github.com/chouwzi/peerhost/peer/proctrack"
)

// trackerKey is the stable Process Tracker key spec.md §4.7 names for the
// hosted workload, alongside peer/tunnel's "tunnel_host"/"tunnel_access".
const trackerKey = "workload"

const (
	// stopWriteDeadline bounds delivering the shutdown command over stdin.
	stopWriteDeadline = 5 * time.Second
	// T1: timeout waiting for the "saved" log marker after stop is issued.
	savedTimeout = 15 * time.Second
	// T2: timeout waiting for the process to exit after saved is observed.
	exitTimeout = 15 * time.Second
)

// defaultReadyMarkers and defaultSavedMarkers match the log lines a vanilla
// Minecraft server prints; a line must contain every string in the group to
// fire the corresponding event, the same "Done" + "For help, type" pairing
// the original implementation's log monitor requires before calling a
// server ready. Distributions with a different log format (Forge, Paper,
// modpacks) supply their own groups via Config.
var (
	defaultReadyMarkers = []string{"Done", "For help, type"}
	defaultSavedMarkers = []string{"All dimensions are saved"}
)

// Config bundles one workload's static configuration. ReadyMarkers and
// SavedMarkers are each a set of substrings that must all appear on a
// single log line before the corresponding event fires; empty selects the
// vanilla-server defaults.
type Config struct {
	Command      string
	Args         []string
	WorldRoot    string
	ReadyMarkers []string
	SavedMarkers []string
}

// Supervisor owns one running workload subprocess.
type Supervisor struct {
	Command   string
	Args      []string
	WorldRoot string

	readyMarkers []string
	savedMarkers []string

	spawner procspawn.Spawner
	tracker *proctrack.Tracker
	log     log.Logger

	mu                   sync.Mutex
	handle               procspawn.Handle
	ready                chan struct{}
	saved                chan struct{}
	readyOnce, savedOnce sync.Once
}

// New builds a Supervisor from a Config built with only Command, Args, and
// WorldRoot set, using the vanilla-server markers. Use NewWithConfig to
// supply a distribution-specific marker set.
func New(command string, args []string, worldRoot string, spawner procspawn.Spawner, tracker *proctrack.Tracker, logger log.Logger) *Supervisor {
	return NewWithConfig(Config{Command: command, Args: args, WorldRoot: worldRoot}, spawner, tracker, logger)
}

// NewWithConfig builds a Supervisor from a fully specified Config.
func NewWithConfig(cfg Config, spawner procspawn.Spawner, tracker *proctrack.Tracker, logger log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Root()
	}
	ready := cfg.ReadyMarkers
	if len(ready) == 0 {
		ready = defaultReadyMarkers
	}
	saved := cfg.SavedMarkers
	if len(saved) == 0 {
		saved = defaultSavedMarkers
	}
	return &Supervisor{
		Command:      cfg.Command,
		Args:         cfg.Args,
		WorldRoot:    cfg.WorldRoot,
		readyMarkers: ready,
		savedMarkers: saved,
		spawner:      spawner,
		tracker:      tracker,
		log:          logger,
	}
}

// Start spawns the workload. onExit, if non-nil, is called once from an
// internal goroutine when the process exits for any reason.
func (s *Supervisor) Start(ctx context.Context, onExit func(error)) (procspawn.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = make(chan struct{})
	s.saved = make(chan struct{})
	s.readyOnce = sync.Once{}
	s.savedOnce = sync.Once{}

	argv := append([]string{s.Command}, s.Args...)
	handle, err := s.spawner.Spawn(ctx, procspawn.Options{
		Dir:      s.WorldRoot,
		Args:     argv,
		OnStdout: s.onLine,
		OnStderr: s.onLine,
	})
	if err != nil {
		return nil, fmt.Errorf("workload: spawn failed: %w", err)
	}
	s.handle = handle

	if s.tracker != nil {
		if err := s.tracker.Register(trackerKey, handle.PID(), filepath.Base(s.Command)); err != nil {
			s.log.Warn("failed to register workload process", "err", err)
		}
	}

	if onExit != nil {
		go func() {
			err := handle.Wait()
			onExit(err)
		}()
	}
	return handle, nil
}

func (s *Supervisor) onLine(line string) {
	if containsAll(line, s.readyMarkers) {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if containsAll(line, s.savedMarkers) {
		s.savedOnce.Do(func() { close(s.saved) })
	}
}

// containsAll reports whether line contains every marker, so a group like
// {"Done", "For help, type"} only fires once all of its substrings appear
// together on the same line.
func containsAll(line string, markers []string) bool {
	for _, marker := range markers {
		if !strings.Contains(line, marker) {
			return false
		}
	}
	return len(markers) > 0
}

// WaitReady blocks until a log line contains every ready marker or ctx is
// done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs the graceful-stop sequence (spec.md §4.7): write "stop\n" to
// stdin, await the saved marker (T1), await process exit (T2), force-kill
// the tree on either timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil
	}
	defer func() {
		if s.tracker != nil {
			if err := s.tracker.Unregister(trackerKey); err != nil {
				s.log.Warn("failed to unregister workload process", "err", err)
			}
		}
	}()

	writeCtx, cancel := context.WithTimeout(ctx, stopWriteDeadline)
	defer cancel()
	stdin := handle.Stdin()
	if stdin != nil {
		done := make(chan error, 1)
		go func() { _, err := stdin.Write([]byte("stop\n")); done <- err }()
		select {
		case err := <-done:
			if err != nil {
				s.log.Warn("failed writing stop command", "err", err)
			}
		case <-writeCtx.Done():
			s.log.Warn("timed out writing stop command")
		}
	}

	savedCtx, cancel2 := context.WithTimeout(ctx, savedTimeout)
	defer cancel2()
	select {
	case <-s.saved:
	case <-savedCtx.Done():
		s.log.Warn("timed out waiting for saved marker, forcing kill")
		return handle.Kill()
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- handle.Wait() }()
	exitCtx, cancel3 := context.WithTimeout(ctx, exitTimeout)
	defer cancel3()
	select {
	case <-exitCh:
		return nil
	case <-exitCtx.Done():
		s.log.Warn("timed out waiting for process exit, forcing kill")
		return handle.Kill()
	}
}
