package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Roles recorded in the run lock file.
const (
	lockRoleDaemon  = "serve"
	lockRoleArchive = "archive"
	lockRoleVerify  = "verify"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// errRunActive is returned when another pkgsync process holds the run lock.
var errRunActive = errors.New("another pkgsync run is active")

// lockHolder is the process recorded in the run lock file.
type lockHolder struct {
	PID  int
	Role string
}

func (h lockHolder) String() string {
	if h.Role == "" {
		return fmt.Sprintf("pkgsync (PID %d)", h.PID)
	}

	return fmt.Sprintf("pkgsync %s (PID %d)", h.Role, h.PID)
}

// acquireRunLock takes the exclusive flock on path and records the current
// PID and role in the file. The daemon holds it for its lifetime and manual
// archive and verify runs for one run, so no two of them overlap. The
// returned release removes the file and drops the lock.
func acquireRunLock(path, role string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("run lock path is empty; set schedule.pid_file")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating run lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening run lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if holder, readErr := readRunLock(path); readErr == nil {
			return nil, fmt.Errorf("%w: %s holds %s", errRunActive, holder, path)
		}

		return nil, fmt.Errorf("%w: could not lock %s", errRunActive, path)
	}

	if err := writeLockHolder(f, lockHolder{PID: os.Getpid(), Role: role}); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing run lock %s: %w", path, err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

func writeLockHolder(f *os.File, h lockHolder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}

	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n%s\n", h.PID, h.Role)), 0); err != nil {
		return err
	}

	return f.Sync()
}

// readRunLock parses the lock file: a PID line followed by an optional role.
func readRunLock(path string) (lockHolder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockHolder{}, fmt.Errorf("reading run lock: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return lockHolder{}, fmt.Errorf("run lock %s is empty", path)
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return lockHolder{}, fmt.Errorf("invalid PID %q in %s", fields[0], path)
	}

	h := lockHolder{PID: pid}
	if len(fields) > 1 {
		h.Role = fields[1]
	}

	return h, nil
}

// lockHeld reports whether any process, this one included, holds the flock
// on path. flock locks belong to open file descriptions, so a second open in
// the holder's own process still conflicts.
func lockHeld(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("opening run lock: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return true, nil
		}

		return false, fmt.Errorf("checking run lock %s: %w", path, err)
	}

	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return false, nil
}

// sendSIGHUP asks the daemon holding the run lock to reload its config. A
// lock file nobody holds is stale and removed. A manual run holding the lock
// is refused: SIGHUP would terminate it instead of reloading.
func sendSIGHUP(path string) error {
	holder, err := readRunLock(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no running daemon found (no run lock at %s)", path)
		}

		return err
	}

	held, err := lockHeld(path)
	if err != nil {
		return err
	}

	if !held {
		os.Remove(path)

		return fmt.Errorf("%s is not running (stale run lock removed)", holder)
	}

	if holder.Role != lockRoleDaemon {
		return fmt.Errorf("%s holds %s; only the daemon can reload", holder, path)
	}

	proc, err := os.FindProcess(holder.PID)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", holder.PID, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to %s: %w", holder, err)
	}

	return nil
}
