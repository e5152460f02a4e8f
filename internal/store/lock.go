package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var ErrInstanceLocked = errors.New("instance lock held")

const lockFileName = ".spot-grid.lock"

// LockOwner is the record written into the lock file by the holder.
type LockOwner struct {
	InstanceID string    `json:"instance_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
}

func (o LockOwner) String() string {
	parts := make([]string, 0, 3)
	if o.InstanceID != "" {
		parts = append(parts, "instance_id="+o.InstanceID)
	}
	if o.Symbol != "" {
		parts = append(parts, "symbol="+o.Symbol)
	}
	if o.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", o.PID))
	}
	return strings.Join(parts, " ")
}

// InstanceLock keeps two processes from driving the same state directory.
type InstanceLock struct {
	path  string
	file  *os.File
	owner LockOwner
}

type LockOptions struct {
	InstanceID string
	Symbol     string
	// TakeoverEnabled allows replacing a lock whose owner is gone, or one
	// without a pid that is older than StaleAfter.
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

// LockedError carries the current holder when acquisition fails.
type LockedError struct {
	Path   string
	Owner  LockOwner
	Reason string
}

func (e *LockedError) Error() string {
	msg := ErrInstanceLocked.Error() + ": " + e.Path
	if owner := e.Owner.String(); owner != "" {
		msg += " (" + owner + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *LockedError) Unwrap() error { return ErrInstanceLocked }

func AcquireInstanceLock(root, instanceID string) (*InstanceLock, error) {
	return AcquireInstanceLockWithOptions(root, LockOptions{InstanceID: instanceID})
}

func AcquireInstanceLockWithOptions(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFileName)
	owner := LockOwner{
		InstanceID: opts.InstanceID,
		Symbol:     opts.Symbol,
		PID:        os.Getpid(),
		StartedAt:  now().UTC(),
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeOwner(f, owner); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &InstanceLock{path: path, file: f, owner: owner}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		held, err := ReadLockOwner(root)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &LockedError{Path: path, Reason: "unreadable lock: " + err.Error()}
		}
		if !opts.TakeoverEnabled {
			return nil, &LockedError{Path: path, Owner: held}
		}
		if reason, ok := takeoverAllowed(held, now().UTC(), opts.StaleAfter); !ok {
			return nil, &LockedError{Path: path, Owner: held, Reason: reason}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, &LockedError{Path: path, Reason: "lock kept reappearing"}
}

// ReadLockOwner returns the record of the current lock holder under root.
func ReadLockOwner(root string) (LockOwner, error) {
	data, err := os.ReadFile(filepath.Join(root, lockFileName))
	if err != nil {
		return LockOwner{}, err
	}
	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return LockOwner{}, fmt.Errorf("decode lock owner: %w", err)
	}
	return owner, nil
}

func writeOwner(f *os.File, owner LockOwner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func takeoverAllowed(held LockOwner, now time.Time, staleAfter time.Duration) (string, bool) {
	if held.PID > 0 {
		if processAlive(held.PID) {
			return "owner_process_running", false
		}
		return "owner_process_not_running", true
	}
	if held.StartedAt.IsZero() {
		return "missing_lock_owner_info", false
	}
	if staleAfter > 0 && now.Sub(held.StartedAt) >= staleAfter {
		return "lock_age_exceeded", true
	}
	return "lock_not_stale", false
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

func (l *InstanceLock) Owner() LockOwner {
	if l == nil {
		return LockOwner{}
	}
	return l.owner
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
