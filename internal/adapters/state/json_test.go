package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudtether/tether/internal/core"
)

func openTestJSON(t *testing.T) (*JSONStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore() error = %v", err)
	}
	return store, path
}

func TestJSONStore_RoundTrip(t *testing.T) {
	store, path := openTestJSON(t)
	ctx := context.Background()
	sess := newTestSession()

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// Snapshot must be valid JSON on disk after every write.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.Version != snapshotVersion {
		t.Errorf("snapshot version = %d, want %d", snap.Version, snapshotVersion)
	}

	got, err := store.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if got == nil || got.TargetID != sess.TargetID || got.Priority != sess.Priority {
		t.Errorf("loaded session differs: %+v", got)
	}
}

func TestJSONStore_LoadReturnsCopy(t *testing.T) {
	store, _ := openTestJSON(t)
	ctx := context.Background()
	sess := newTestSession()

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	first, _ := store.LoadSession(ctx, sess.ID)
	first.Status = core.StatusTerminated
	first.Tags["env"] = "mutated"

	second, _ := store.LoadSession(ctx, sess.ID)
	if second.Status != core.StatusActive {
		t.Error("mutating a loaded session leaked into the store")
	}
	if second.Tags["env"] != "staging" {
		t.Error("mutating loaded tags leaked into the store")
	}
}

func TestJSONStore_PersistsAcrossReopen(t *testing.T) {
	store, path := openTestJSON(t)
	ctx := context.Background()
	sess := newTestSession()

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.SaveMetric(ctx, core.MetricRecord{
		SessionID:  sess.ID,
		RecordedAt: time.Now(),
		BytesTotal: 123,
		Healthy:    true,
	}); err != nil {
		t.Fatalf("SaveMetric() error = %v", err)
	}

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	got, err := reopened.LoadSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LoadSession() after reopen error = %v", err)
	}
	if got == nil {
		t.Fatal("session lost across reopen")
	}
	if len(reopened.metrics) != 1 {
		t.Errorf("metrics lost across reopen: %d", len(reopened.metrics))
	}
}

func TestJSONStore_DeleteRemovesSessionAndMetrics(t *testing.T) {
	store, _ := openTestJSON(t)
	ctx := context.Background()
	sess := newTestSession()

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.SaveMetric(ctx, core.MetricRecord{SessionID: sess.ID, RecordedAt: time.Now()}); err != nil {
		t.Fatalf("SaveMetric() error = %v", err)
	}
	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	got, _ := store.LoadSession(ctx, sess.ID)
	if got != nil {
		t.Error("session still present after delete")
	}
	if len(store.metrics) != 0 {
		t.Errorf("metrics not removed with session: %d left", len(store.metrics))
	}
}

func TestJSONStore_ListNewestFirst(t *testing.T) {
	store, _ := openTestJSON(t)
	ctx := context.Background()

	older := newTestSession()
	older.ID = "older"
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestSession()
	newer.ID = "newer"
	newer.CreatedAt = time.Now()

	for _, s := range []*core.Session{older, newer} {
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "newer" {
		t.Errorf("unexpected order: %v, %v", sessions[0].ID, sessions[1].ID)
	}
}

func TestOpen_DriverSelection(t *testing.T) {
	dir := t.TempDir()

	sqlite, err := Open(DriverSQLite, filepath.Join(dir, "s.db"))
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	defer sqlite.Close()
	if _, ok := sqlite.(*SQLiteStore); !ok {
		t.Errorf("Open(sqlite) = %T", sqlite)
	}

	js, err := Open(DriverJSON, filepath.Join(dir, "s.json"))
	if err != nil {
		t.Fatalf("Open(json) error = %v", err)
	}
	if _, ok := js.(*JSONStore); !ok {
		t.Errorf("Open(json) = %T", js)
	}

	nop, err := Open(DriverNone, "")
	if err != nil {
		t.Fatalf("Open(none) error = %v", err)
	}
	if _, ok := nop.(NopStore); !ok {
		t.Errorf("Open(none) = %T", nop)
	}

	if _, err := Open("bolt", ""); err == nil {
		t.Error("Open with unknown driver should fail")
	}
}
