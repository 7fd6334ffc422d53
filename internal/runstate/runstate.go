// Package runstate persists the worker's auxiliary records in the run
// directory: the identity of the live worker, its heartbeat, and the
// supervisor's health cache. Every write is a temp file plus rename, so a
// reader sees either the previous value or the new one.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	identityFile  = "worker.id"
	heartbeatFile = "worker.heartbeat"
	healthFile    = "health.cache"
)

// ErrMissing means the requested record does not exist.
var ErrMissing = errors.New("run record missing")

// Identity describes one worker instance.
type Identity struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
}

// NewIdentity describes the current process.
func NewIdentity() Identity {
	host, _ := os.Hostname()
	return Identity{
		ID:        uuid.NewString(),
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UTC(),
	}
}

// Store reads and writes the records under one run directory.
type Store struct {
	dir string
	now func() time.Time
}

// New returns a Store for dir.
func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the run directory.
func (s *Store) Dir() string {
	return s.dir
}

// WriteIdentity publishes id as the live worker.
func (s *Store) WriteIdentity(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	return s.writeFile(identityFile, data)
}

// ReadIdentity returns the published worker identity.
func (s *Store) ReadIdentity() (Identity, error) {
	data, err := s.readFile(identityFile)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if id.ID == "" || id.PID <= 0 {
		return Identity{}, errors.New("decode identity: missing id or pid")
	}
	return id, nil
}

// Beat records a heartbeat at the current time.
func (s *Store) Beat() error {
	return s.writeTimestamp(heartbeatFile, s.now())
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Store) LastHeartbeat() (time.Time, error) {
	return s.readTimestamp(heartbeatFile)
}

// MarkHealthy records a successful full health check.
func (s *Store) MarkHealthy() error {
	return s.writeTimestamp(healthFile, s.now())
}

// LastHealthy returns the time of the last successful full health check.
func (s *Store) LastHealthy() (time.Time, error) {
	return s.readTimestamp(healthFile)
}

// HealthyWithin reports whether a successful full check happened less than
// ttl ago. Any read problem counts as a miss.
func (s *Store) HealthyWithin(ttl time.Duration) bool {
	ts, err := s.LastHealthy()
	if err != nil {
		return false
	}
	age := s.now().Sub(ts)
	return age >= 0 && age < ttl
}

// ClearHealth removes the health cache only.
func (s *Store) ClearHealth() error {
	return s.remove(healthFile)
}

// Clear removes identity, heartbeat, and health cache.
func (s *Store) Clear() error {
	var errs []error
	for _, name := range []string{healthFile, heartbeatFile, identityFile} {
		if err := s.remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearIfOwner clears the records only when the published identity is id, so
// an exiting worker never erases a successor's records.
func (s *Store) ClearIfOwner(id string) error {
	current, err := s.ReadIdentity()
	if errors.Is(err, ErrMissing) {
		return s.ClearHealth()
	}
	if err == nil && current.ID != id {
		return nil
	}
	return s.Clear()
}

func (s *Store) writeTimestamp(name string, ts time.Time) error {
	return s.writeFile(name, []byte(ts.UTC().Format(time.RFC3339Nano)))
}

func (s *Store) readTimestamp(name string) (time.Time, error) {
	data, err := s.readFile(name)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return ts, nil
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (s *Store) readFile(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) remove(name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}
