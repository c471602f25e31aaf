package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/immunet/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := db.SaveSnapshot(domain.SnapshotInfo{Data: []byte{1}}); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	if _, err := db.LatestSnapshot(); err != nil {
		t.Errorf("LatestSnapshot() after reopen error: %v", err)
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo(t *testing.T) {
	db := newTestDB(t)

	v, err := db.GetNodeInfo("node_id")
	if err != nil || v != "" {
		t.Fatalf("GetNodeInfo(missing) = %q, %v; want empty", v, err)
	}
	if err := db.SetNodeInfo("node_id", "a"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeInfo("node_id", "b"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetNodeInfo("node_id"); v != "b" {
		t.Errorf("GetNodeInfo() = %q, want %q", v, "b")
	}
}

// ─── Snapshots ──────────────────────────────────────────────────────────────

func TestLatestSnapshot_Empty(t *testing.T) {
	db := newTestDB(t)
	_, err := db.LatestSnapshot()
	if !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("LatestSnapshot() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSaveSnapshot_LatestWins(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)

	first, err := db.SaveSnapshot(domain.SnapshotInfo{
		Elapsed: 30 * time.Minute, StatCount: 1, DetectorCount: 2,
		Data: []byte("first"), CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}
	if first.ID == "" {
		t.Error("SaveSnapshot() should assign an ID")
	}
	second, err := db.SaveSnapshot(domain.SnapshotInfo{
		Elapsed: 90 * time.Minute, Path: "/tmp/detectors [0 d. 1 h. 30 m.].db",
		Data: []byte("second"), CreatedAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}

	got, err := db.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot() error: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("LatestSnapshot().ID = %q, want %q", got.ID, second.ID)
	}
	if string(got.Data) != "second" {
		t.Errorf("LatestSnapshot().Data = %q, want %q", got.Data, "second")
	}
	if got.Elapsed != 90*time.Minute {
		t.Errorf("Elapsed = %v, want 1h30m", got.Elapsed)
	}
	if got.Size != len("second") {
		t.Errorf("Size = %d, want %d", got.Size, len("second"))
	}

	byID, err := db.GetSnapshot(first.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error: %v", err)
	}
	if byID.StatCount != 1 || byID.DetectorCount != 2 {
		t.Errorf("GetSnapshot() counts = %d/%d, want 1/2", byID.StatCount, byID.DetectorCount)
	}

	list, err := db.ListSnapshots(10)
	if err != nil {
		t.Fatalf("ListSnapshots() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("ListSnapshots() = %+v, want newest first", list)
	}
	if list[0].Data != nil {
		t.Error("ListSnapshots() should not load data")
	}
}

func TestPruneSnapshots(t *testing.T) {
	db := newTestDB(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := db.SaveSnapshot(domain.SnapshotInfo{Data: []byte{byte(i)}, CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := db.PruneSnapshots(2)
	if err != nil {
		t.Fatalf("PruneSnapshots() error: %v", err)
	}
	if n != 3 {
		t.Errorf("PruneSnapshots() removed %d, want 3", n)
	}
	latest, _ := db.LatestSnapshot()
	if latest.Data[0] != 4 {
		t.Errorf("newest snapshot was pruned")
	}
}

// ─── Anomalies ──────────────────────────────────────────────────────────────

func TestPackAnomalies(t *testing.T) {
	db := newTestDB(t)
	a, err := db.InsertPackAnomaly(domain.PackAnomaly{
		Interface: "eth0", Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: "TCP",
		Pattern: []byte("abcde"), Detector: []byte("abcdf"), Length: 120, Distance: 1,
	})
	if err != nil {
		t.Fatalf("InsertPackAnomaly() error: %v", err)
	}
	if a.ID == "" || a.DetectedAt.IsZero() {
		t.Error("InsertPackAnomaly() should fill ID and DetectedAt")
	}

	list, err := db.ListPackAnomalies(0)
	if err != nil {
		t.Fatalf("ListPackAnomalies() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListPackAnomalies() = %d rows, want 1", len(list))
	}
	got := list[0]
	if got.ID != a.ID || string(got.Pattern) != "abcde" || string(got.Detector) != "abcdf" || got.Length != 120 {
		t.Errorf("ListPackAnomalies()[0] = %+v", got)
	}
}

func TestStatAnomalies(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.InsertStatAnomaly(domain.StatAnomaly{
		Kind: domain.OutOfSpace, Value: 900, Dimension: 0, K: 2, Space: []uint16{0, 0, 10, 10},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertStatAnomaly(domain.StatAnomaly{
		Kind: domain.InGap, Value: 50, Dimension: 1, K: 2,
		LeftRange: []uint16{1, 1, 2, 2}, RightRange: []uint16{90, 90, 95, 95},
		DetectedAt: time.Now().Add(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListStatAnomalies(10)
	if err != nil {
		t.Fatalf("ListStatAnomalies() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListStatAnomalies() = %d rows, want 2", len(list))
	}
	gap, out := list[0], list[1]
	if gap.Kind != domain.InGap || gap.Value != 50 || gap.RightRange[0] != 90 || gap.Space != nil {
		t.Errorf("in-gap row = %+v", gap)
	}
	if out.Kind != domain.OutOfSpace || out.Space[3] != 10 || out.LeftRange != nil {
		t.Errorf("out-of-space row = %+v", out)
	}

	pack, stat, err := db.CountAnomalies()
	if err != nil || pack != 0 || stat != 2 {
		t.Errorf("CountAnomalies() = %d, %d, %v; want 0, 2, nil", pack, stat, err)
	}
}

// ─── Statistics ─────────────────────────────────────────────────────────────

func TestStatSnapshots(t *testing.T) {
	db := newTestDB(t)
	var s domain.NBStats
	s.Inc(domain.StatTCP)
	s.Inc(domain.StatTCP)
	s.Inc(domain.StatHalfOpen)

	if err := db.InsertStatSnapshot(domain.StatSnapshot{Stats: s, Anomalous: true}); err != nil {
		t.Fatalf("InsertStatSnapshot() error: %v", err)
	}
	list, err := db.ListStatSnapshots(5)
	if err != nil {
		t.Fatalf("ListStatSnapshots() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListStatSnapshots() = %d rows, want 1", len(list))
	}
	if list[0].Stats != s || !list[0].Anomalous {
		t.Errorf("ListStatSnapshots()[0] = %+v, want %+v", list[0], s)
	}
}
