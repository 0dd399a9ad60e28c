// Package procspawn abstracts subprocess creation behind the capability
// spec.md §9 asks for: the Windows-specific quirks of the original
// implementation (CREATE_NEW_CONSOLE, taskkill /T, hidden windows) are
// isolated behind one interface so the Workload Supervisor and Tunnel
// Client never branch on GOOS themselves. Only the POSIX implementation is
// built here, since this module targets POSIX hosts; a second
// implementation can be dropped in behind the same interface without
// touching any caller.
package procspawn

import "context"

// Handle is a live, spawned child process.
type Handle interface {
	// PID returns the process's OS identifier.
	PID() int
	// Stdin returns a writer connected to the child's standard input.
	Stdin() WriteCloser
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
	// Signal asks the process to terminate gracefully (SIGTERM on POSIX).
	Signal() error
	// Kill force-terminates the process and, where supported, its whole
	// process tree.
	Kill() error
}

// WriteCloser is the narrow interface Stdin() exposes; callers write
// commands (e.g. "stop\n") and close when done.
type WriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

// Options configures a spawned process.
type Options struct {
	// Dir is the working directory for the child.
	Dir string
	// Args are the full argv, Args[0] is the executable.
	Args []string
	// Env, if non-nil, replaces the child's environment entirely.
	Env []string
	// OnStdout/OnStderr, if set, are called once per line of output.
	OnStdout func(line string)
	OnStderr func(line string)
}

// Spawner starts and supervises child processes.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (Handle, error)
	// FindProcess reports whether a process with the given PID is alive
	// and, if so, whether its executable base name matches expected. Used
	// by the Process Tracker's orphan-reclamation sweep.
	FindProcess(pid int, expectedExecutable string) (alive bool, err error)
	// KillTree force-terminates the process tree rooted at pid.
	KillTree(pid int) error
}
