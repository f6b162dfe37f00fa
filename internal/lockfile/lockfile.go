// Package lockfile guards a state directory against a second ConsultPipe process.
//
// Turn serialisation per participant is in-process only, so two processes sharing
// one SQLite database or whatsmeow session could interleave turns. The lock is an
// flock on a file in the state directory and is released by the kernel when the
// process exits, however it exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "consultpipe.lock"

// Owner describes the process holding a lock, as recorded in the lock file.
type Owner struct {
	PID     int
	Started time.Time
	Addr    string
}

func (o Owner) encode() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\naddr=%s\n", o.PID, o.Started.UTC().Format(time.RFC3339), o.Addr)
}

// parseOwner reads the key=value lines written by encode. Unknown lines are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "started":
			o.Started, _ = time.Parse(time.RFC3339, val)
		case "addr":
			o.Addr = val
		}
	}
	return o
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if needed.
// addr is recorded so a conflicting process can be identified.
func Acquire(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the owner record of a running holder, so truncate only once locked.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := readOwner(lockPath)
		slog.Error("Lockfile.Acquire: state directory is locked", "lock_path", lockPath, "owner_pid", owner.PID, "owner_addr", owner.Addr)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	me := Owner{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(me.encode()), 0)
		if err != nil {
			slog.Warn("Lockfile.Acquire: failed to record owner", "error", err, "lock_path", lockPath)
		}
	}
	_ = file.Sync()

	slog.Info("Lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", me.PID)
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees our record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// LockError reports that another process holds the lock.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ConsultPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner.PID > 0 {
		state := "running"
		if !processRunning(e.Owner.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; held by pid %d (%s)", e.Owner.PID, state)
		if e.Owner.Addr != "" {
			fmt.Fprintf(&b, " serving %s", e.Owner.Addr)
		}
		if !e.Owner.Started.IsZero() {
			fmt.Fprintf(&b, " since %s", e.Owner.Started.Format(time.RFC3339))
		}
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

// processRunning checks pid with signal 0.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
