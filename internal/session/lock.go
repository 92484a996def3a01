package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockHeldError reports that another daemon already owns a session. PID and
// Since come from the holder's lock file when it is readable.
type LockHeldError struct {
	Session string
	PID     int
	Since   time.Time
	Path    string
}

func (e *LockHeldError) Error() string {
	msg := fmt.Sprintf("session %q already has a running daemon", e.Session)
	if e.PID > 0 {
		msg += fmt.Sprintf(" (pid %d", e.PID)
		if !e.Since.IsZero() {
			msg += ", since " + e.Since.UTC().Format(time.RFC3339)
		}
		msg += ")"
	}
	return msg
}

// Lock is an acquired session lock file. One daemon per session: the lock
// keeps two engines from mutating the same local store. The flock is tied to
// the process, so a crashed holder never leaves the session wedged.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock at lockPath, normally LockPath(name).
// Returns LockHeldError when another process already holds it.
func AcquireLock(lockPath string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readLockInfo(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{
			Session: sessionLabel(lockPath),
			PID:     holder.pid,
			Since:   holder.since,
			Path:    lockPath,
		}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	stamp := fmt.Sprintf("pid=%d\nsince=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(stamp); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale lock file is left behind.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// sessionLabel recovers the session name from the sessions/<name>/LOCK
// layout.
func sessionLabel(lockPath string) string {
	return filepath.Base(filepath.Dir(lockPath))
}

type lockInfo struct {
	pid   int
	since time.Time
}

func readLockInfo(path string) lockInfo {
	var info lockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.pid, _ = strconv.Atoi(val)
		case "since":
			info.since, _ = time.Parse(time.RFC3339, val)
		}
	}
	return info
}
