// Package lease implements a cross-process mutual exclusion lease on a
// directory. Acquisition is an exclusive mkdir; the owner record inside the
// directory carries an expiry so a lease left behind by a crashed holder can
// be broken.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const ownerFile = "owner.json"

// ErrHeld means another live holder owns the lease.
var ErrHeld = errors.New("lease held")

// Owner describes the current holder.
type Owner struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	Host        string `json:"host"`
	AcquiredAt  int64  `json:"acquired_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Expired reports whether the owner's lease has lapsed at now.
func (o Owner) Expired(now time.Time) bool {
	return now.UnixMilli() >= o.ExpiresAtMs
}

// Manager acquires leases on one directory path.
type Manager struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// New returns a Manager for the lease directory dir. Leases expire ttl after
// acquisition.
func New(dir string, ttl time.Duration) *Manager {
	return &Manager{dir: dir, ttl: ttl, now: time.Now}
}

// Lease is a held lease.
type Lease struct {
	manager *Manager
	owner   Owner
}

// Owner returns the record written for this lease.
func (l *Lease) Owner() Owner {
	return l.owner
}

// TryAcquire takes the lease without waiting. An expired lease is broken and
// retaken; a live one yields ErrHeld.
func (m *Manager) TryAcquire() (*Lease, error) {
	lease, err := m.create()
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return lease, err
	}

	expiredID, stale, err := m.isStale()
	if err != nil {
		return nil, err
	}
	if !stale {
		return nil, ErrHeld
	}
	if err := m.breakLease(expiredID); err != nil {
		return nil, err
	}

	lease, err = m.create()
	if errors.Is(err, fs.ErrExist) {
		return nil, ErrHeld
	}
	return lease, err
}

// Holder returns the current owner record, if any.
func (m *Manager) Holder() (Owner, bool, error) {
	owner, err := m.readOwner()
	if errors.Is(err, fs.ErrNotExist) {
		return Owner{}, false, nil
	}
	if err != nil {
		return Owner{}, false, err
	}
	return owner, true, nil
}

// Release gives up the lease. It does nothing when the lease was broken and
// taken by someone else in the meantime.
func (l *Lease) Release() error {
	current, err := l.manager.readOwner()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && current.ID != l.owner.ID {
		return nil
	}
	err = l.manager.breakLease(l.owner.ID)
	if errors.Is(err, ErrHeld) {
		return nil
	}
	return err
}

func (m *Manager) create() (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(m.dir), 0o755); err != nil {
		return nil, fmt.Errorf("create lease parent: %w", err)
	}
	if err := os.Mkdir(m.dir, 0o755); err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	now := m.now()
	owner := Owner{
		ID:          uuid.NewString(),
		PID:         os.Getpid(),
		Host:        host,
		AcquiredAt:  now.UnixMilli(),
		ExpiresAtMs: now.Add(m.ttl).UnixMilli(),
	}
	if err := m.writeOwner(owner); err != nil {
		// Only an empty directory is removed; one holding another owner's
		// record is left alone.
		_ = os.Remove(m.dir)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrExist) {
			return nil, ErrHeld
		}
		return nil, err
	}
	return &Lease{manager: m, owner: owner}, nil
}

// writeOwner publishes the owner record with a hard link so that it never
// replaces a record another holder already wrote into the same directory.
func (m *Manager) writeOwner(owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("encode lease owner: %w", err)
	}
	tmp := filepath.Join(m.dir, fmt.Sprintf("%s.%s.tmp", ownerFile, owner.ID))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lease owner: %w", err)
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, filepath.Join(m.dir, ownerFile)); err != nil {
		return fmt.Errorf("commit lease owner: %w", err)
	}
	return nil
}

func (m *Manager) readOwner() (Owner, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, ownerFile))
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("decode lease owner: %w", err)
	}
	return owner, nil
}

// isStale decides whether an existing lease directory may be broken and
// returns the ID of the owner it judged. Without a readable owner record, the
// directory's own mtime plus ttl is the expiry and the ID is empty.
func (m *Manager) isStale() (string, bool, error) {
	owner, err := m.readOwner()
	if err == nil {
		return owner.ID, owner.Expired(m.now()), nil
	}
	info, statErr := os.Stat(m.dir)
	if errors.Is(statErr, fs.ErrNotExist) {
		return "", true, nil
	}
	if statErr != nil {
		return "", false, fmt.Errorf("stat lease: %w", statErr)
	}
	return "", !m.now().Before(info.ModTime().Add(m.ttl)), nil
}

// breakLease moves the directory aside to a unique tombstone and deletes it,
// but only when the tombstone still carries the owner expectedID. The lease
// may have been broken and retaken between the staleness check and the
// rename; that newer lease is moved back and ErrHeld returned.
func (m *Manager) breakLease(expectedID string) error {
	tombstone := fmt.Sprintf("%s.broken-%s", m.dir, uuid.NewString())
	if err := os.Rename(m.dir, tombstone); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("break lease: %w", err)
	}
	if id := tombstoneOwnerID(tombstone); id != expectedID {
		if err := os.Rename(tombstone, m.dir); err != nil {
			// The path was claimed again in the meantime; the moved lease is
			// lost either way.
			_ = os.RemoveAll(tombstone)
		}
		return ErrHeld
	}
	if err := os.RemoveAll(tombstone); err != nil {
		return fmt.Errorf("remove broken lease: %w", err)
	}
	return nil
}

func tombstoneOwnerID(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err != nil {
		return ""
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return ""
	}
	return owner.ID
}
