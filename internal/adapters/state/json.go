package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cloudtether/tether/internal/core"
)

// snapshot is the on-disk layout of the JSON store.
type snapshot struct {
	Version  int                 `json:"version"`
	Sessions []*core.Session     `json:"sessions"`
	Metrics  []core.MetricRecord `json:"metrics,omitempty"`
}

const snapshotVersion = 1

// maxJSONMetrics bounds the metric tail kept in the snapshot file. SQLite is
// the backend for anything long-lived; the JSON store is for small installs.
const maxJSONMetrics = 1000

// JSONStore implements core.Store with a single JSON snapshot file written
// atomically on every mutation.
type JSONStore struct {
	path string

	mu       sync.Mutex
	sessions map[string]*core.Session
	metrics  []core.MetricRecord
}

// NewJSONStore opens (creating if needed) the snapshot file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &JSONStore{
		path:     path,
		sessions: make(map[string]*core.Session),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing snapshot %s: %w", s.path, err)
	}
	for _, sess := range snap.Sessions {
		s.sessions[sess.ID] = sess
	}
	s.metrics = snap.Metrics
	return nil
}

// flush writes the snapshot atomically. Callers hold the mutex.
func (s *JSONStore) flush() error {
	snap := snapshot{
		Version:  snapshotVersion,
		Sessions: make([]*core.Session, 0, len(s.sessions)),
		Metrics:  s.metrics,
	}
	for _, sess := range s.sessions {
		snap.Sessions = append(snap.Sessions, sess)
	}
	// Stable file contents for diffing and tests.
	sort.Slice(snap.Sessions, func(i, j int) bool {
		return snap.Sessions[i].ID < snap.Sessions[j].ID
	})

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// SaveSession stores a copy of the session and flushes.
func (s *JSONStore) SaveSession(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return s.flush()
}

// LoadSession retrieves a session by id. Returns nil, nil when absent.
func (s *JSONStore) LoadSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// ListSessions returns all sessions sorted by creation time, newest first.
func (s *JSONStore) ListSessions(_ context.Context) ([]*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSession removes a session and its metrics.
func (s *JSONStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	kept := s.metrics[:0]
	for _, m := range s.metrics {
		if m.SessionID != id {
			kept = append(kept, m)
		}
	}
	s.metrics = kept
	return s.flush()
}

// SaveMetric appends a metric snapshot, trimming the oldest past the cap.
func (s *JSONStore) SaveMetric(_ context.Context, m core.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
	if len(s.metrics) > maxJSONMetrics {
		s.metrics = s.metrics[len(s.metrics)-maxJSONMetrics:]
	}
	return s.flush()
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONStore) Close() error { return nil }

var _ core.Store = (*JSONStore)(nil)
