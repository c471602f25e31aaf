package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tutu-network/immunet/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakePool struct {
	closed bool
	size   int
}

func (p *fakePool) Closed() bool { return p.closed }
func (p *fakePool) Size() int    { return p.size }

type failingPinger struct{}

func (failingPinger) Ping() error { return errors.New("database is locked") }

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), &fakePool{size: 1})
	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
}

func TestChecker_RunOnceHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), &fakePool{size: 2})
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), &fakePool{size: 1})

	// No statuses yet: vacuously healthy.
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run")
	}
}

func TestChecker_SQLiteFailure(t *testing.T) {
	c := NewChecker(failingPinger{}, t.TempDir(), &fakePool{size: 1})
	c.RunOnce(context.Background())

	s := statusOf(t, c, "sqlite")
	if s.Healthy {
		t.Error("sqlite check should fail")
	}
	if s.Error == "" {
		t.Error("failed check should carry an error")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_PersistenceDirRecovers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "detectors")
	c := NewChecker(newTestDB(t), dir, &fakePool{size: 1})
	c.RunOnce(context.Background())

	if s := statusOf(t, c, "persistence_dir"); !s.Healthy {
		t.Errorf("persistence_dir should recover, got error: %s", s.Error)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("recovery should create %s: %v", dir, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestChecker_PersistencePathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewChecker(newTestDB(t), file, &fakePool{size: 1})
	c.RunOnce(context.Background())

	if s := statusOf(t, c, "persistence_dir"); s.Healthy {
		t.Error("a regular file is not a persistence dir")
	}
}

func TestCheckPool(t *testing.T) {
	tests := []struct {
		name string
		pool Pool
		ok   bool
	}{
		{"running", &fakePool{size: 1}, true},
		{"closed", &fakePool{closed: true, size: 1}, false},
		{"empty", &fakePool{}, false},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPool(tt.pool)
			if (err == nil) != tt.ok {
				t.Errorf("checkPool() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), &fakePool{size: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if len(c.Statuses()) != 3 {
		t.Error("Run should complete one round before waiting")
	}
}

func TestChecker_Add(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), &fakePool{size: 1})
	c.Add(Check{
		Name:    "report_store",
		CheckFn: func(ctx context.Context) error { return errors.New("breaker OPEN") },
	})
	c.RunOnce(context.Background())

	s := statusOf(t, c, "report_store")
	if s.Healthy {
		t.Error("added check should be unhealthy")
	}
	if s.Error != "breaker OPEN" {
		t.Errorf("Error = %q", s.Error)
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() = true with a failing added check")
	}
}
