// Package pidfile marks a jobs directory as owned by a running daemon so
// offline edits from the CLI don't race the scheduler's writes.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/postpulse/errors"
)

// Name is the lock file inside the jobs directory; the job store ignores it.
const Name = ".postpulse.pid"

// ErrLocked is returned when a live daemon owns the directory
var ErrLocked = errors.Wrap(errors.ErrConflict, "jobs directory is owned by a running daemon")

// pidExists is replaceable in tests
var pidExists = func(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

// Path returns the lock path for dir
func Path(dir string) string {
	return filepath.Join(dir, Name)
}

// Owner returns the PID of the live daemon owning dir, or 0. A file left
// by a dead process is reported as free.
func Owner(dir string) (int, error) {
	data, err := os.ReadFile(Path(dir))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", Path(dir))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	alive, err := pidExists(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to check process %d", pid)
	}
	if !alive {
		return 0, nil
	}
	return pid, nil
}

// Acquire writes the current PID into dir. It fails with ErrLocked when
// another live process holds it; a stale file is taken over.
func Acquire(dir string) (release func() error, err error) {
	return acquire(dir, os.Getpid())
}

// acquire publishes the lock with a hard link from a fully written temp
// file, so the lock appears atomically with its PID in it and only one
// contender can create it.
func acquire(dir string, self int) (func() error, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", dir)
	}
	path := Path(dir)
	release := func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", path)
		}
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		created, err := createExclusive(dir, self)
		if err != nil {
			return nil, err
		}
		if created {
			return release, nil
		}

		pid, err := Owner(dir)
		if err != nil {
			return nil, err
		}
		switch {
		case pid == self:
			return release, nil
		case pid != 0:
			return nil, errors.WithDetailf(ErrLocked, "pid %d", pid)
		}
		if err := breakStale(dir); err != nil {
			return nil, err
		}
	}
	return nil, errors.WithDetail(ErrLocked, "lock file kept changing while acquiring")
}

// createExclusive links a temp file holding self's PID to the lock path. It
// reports false when the lock file already exists.
func createExclusive(dir string, self int) (bool, error) {
	tmp, err := os.CreateTemp(dir, Name+".*.tmp")
	if err != nil {
		return false, errors.Wrapf(err, "failed to create lock in %s", dir)
	}
	defer os.Remove(tmp.Name())

	_, werr := tmp.WriteString(strconv.Itoa(self) + "\n")
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return false, errors.Wrapf(werr, "failed to write %s", tmp.Name())
	}

	if err := os.Link(tmp.Name(), Path(dir)); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to create %s", Path(dir))
	}
	return true, nil
}

// takeoverTTL bounds how long an abandoned takeover guard blocks others
const takeoverTTL = 30 * time.Second

// breakStale removes a dead owner's lock. Removal happens only under an
// exclusive takeover guard, so a lock created by a live contender is never
// deleted: its file cannot change while the guard is held.
func breakStale(dir string) error {
	guard := Path(dir) + ".takeover"
	f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return errors.Wrapf(err, "failed to create %s", guard)
		}
		if info, serr := os.Stat(guard); serr == nil && time.Since(info.ModTime()) > takeoverTTL {
			os.Remove(guard)
		}
		return nil
	}
	f.Close()
	defer os.Remove(guard)

	pid, err := Owner(dir)
	if err != nil {
		return err
	}
	if pid != 0 {
		return nil
	}
	if err := os.Remove(Path(dir)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove stale %s", Path(dir))
	}
	return nil
}

// EnsureFree returns ErrLocked (with a hint) when a daemon owns dir
func EnsureFree(dir string) error {
	pid, err := Owner(dir)
	if err != nil {
		return err
	}
	if pid != 0 {
		return errors.WithHint(errors.WithDetailf(ErrLocked, "pid %d", pid),
			"stop the daemon (Ctrl+C on postpulse pulse start) before editing jobs")
	}
	return nil
}
