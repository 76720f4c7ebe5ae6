package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
)

func openTestStore(t *testing.T, autoPrune bool) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"), autoPrune)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyInsertThenUpdateAccess(t *testing.T) {
	s := openTestStore(t, false)

	if err := s.Apply("/home/alice/.config/app/config.toml", "myapp", "myapp", false, false, 1000); err != nil {
		t.Fatalf("Apply insert: %v", err)
	}

	rec, ok, err := s.Get("/home/alice/.config/app/config.toml")
	if err != nil || !ok {
		t.Fatalf("Get after insert: ok=%v err=%v", ok, err)
	}
	if rec.CreatedByPackage != "myapp" || rec.CreatedAt != 1000 || rec.LastAccessedAt != 1000 {
		t.Fatalf("unexpected record after insert: %+v", rec)
	}

	if err := s.Apply("/home/alice/.config/app/config.toml", "otherapp", "otherapp", false, false, 2000); err != nil {
		t.Fatalf("Apply update: %v", err)
	}

	rec, ok, err = s.Get("/home/alice/.config/app/config.toml")
	if err != nil || !ok {
		t.Fatalf("Get after update: ok=%v err=%v", ok, err)
	}
	if rec.CreatedByPackage != "myapp" {
		t.Errorf("created_by_package must not change on update, got %s", rec.CreatedByPackage)
	}
	if rec.LastAccessedByPackage != "otherapp" || rec.LastAccessedAt != 2000 {
		t.Errorf("unexpected record after update: %+v", rec)
	}
}

func TestApplyIgnoredPackageDrops(t *testing.T) {
	s := openTestStore(t, false)

	if err := s.Apply("/home/alice/.cache/evil/thing", "evilpkg", "evilproc", false, true, 1000); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	_, ok, err := s.Get("/home/alice/.cache/evil/thing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected no record written for an ignored package")
	}
}

func TestApplyIgnoredProcessStampsUnknownCreator(t *testing.T) {
	s := openTestStore(t, false)

	if err := s.Apply("/home/alice/.bash_history", "coreutils", "cat", true, false, 1000); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	rec, ok, err := s.Get("/home/alice/.bash_history")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if rec.CreatedByPackage != "unknown" {
		t.Errorf("expected created_by_package = unknown, got %s", rec.CreatedByPackage)
	}
	if rec.LastAccessedByPackage != "coreutils" {
		t.Errorf("expected last_accessed_by_package = coreutils, got %s", rec.LastAccessedByPackage)
	}
}

func TestUpdateAccessTimestampNeverGoesBackwards(t *testing.T) {
	s := openTestStore(t, false)

	if err := s.Apply("/home/alice/.cache/x", "myapp", "myapp", false, false, 5000); err != nil {
		t.Fatalf("Apply insert: %v", err)
	}
	// A later-committed event with an earlier timestamp (out-of-order
	// delivery across CPUs) must not move last_accessed_at backwards.
	if err := s.Apply("/home/alice/.cache/x", "myapp", "myapp", false, false, 4000); err != nil {
		t.Fatalf("Apply stale update: %v", err)
	}

	rec, _, err := s.Get("/home/alice/.cache/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.LastAccessedAt != 5000 {
		t.Errorf("expected last_accessed_at to stay at 5000, got %d", rec.LastAccessedAt)
	}
}

func TestListFilter(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/app/a.toml", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.config/other/b.toml", "other", "other", 1000)

	all, _, err := s.List("")
	if err != nil || len(all) != 2 {
		t.Fatalf("List(\"\"): got %d records, err=%v", len(all), err)
	}

	filtered, _, err := s.List("app")
	if err != nil || len(filtered) != 1 {
		t.Fatalf("List(\"app\"): got %d records, err=%v", len(filtered), err)
	}
	if filtered[0].Path != "/home/alice/.config/app/a.toml" {
		t.Errorf("unexpected filtered path: %s", filtered[0].Path)
	}
}

func TestByCreator(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/app/a.toml", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.config/app/b.toml", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.config/other/c.toml", "other", "other", 1000)

	recs, _, err := s.ByCreator("app")
	if err != nil {
		t.Fatalf("ByCreator: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records created by app, got %d", len(recs))
	}
}

func TestByCreatorUnchangedWhenAccessorChanges(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.cache/x", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.cache/x", "other", "other", 2000)

	byOther, _, err := s.ByCreator("other")
	if err != nil {
		t.Fatalf("ByCreator: %v", err)
	}
	// created_by_package is still "app"; "other" only touched last_accessed.
	if len(byOther) != 0 {
		t.Errorf("expected 0 records created by other, got %d", len(byOther))
	}
}

func TestByPathPrefix(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/app/a.toml", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.local/share/app/b.toml", "app", "app", 1000)

	recs, _, err := s.ByPathPrefix("/home/alice/.config/")
	if err != nil {
		t.Fatalf("ByPathPrefix: %v", err)
	}
	if len(recs) != 1 || recs[0].Path != "/home/alice/.config/app/a.toml" {
		t.Fatalf("unexpected results: %+v", recs)
	}
}

type fakeExistence struct {
	installed map[string]bool
}

func (f *fakeExistence) InstalledSet(_ context.Context) (map[string]bool, error) {
	return f.installed, nil
}

func TestOrphans(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/gone/a.toml", "removedpkg", "removedpkg", 1000)
	mustApply(t, s, "/home/alice/.config/here/b.toml", "keptpkg", "keptpkg", 1000)
	mustApply(t, s, "/home/alice/.bash_history", "coreutils", "cat", 1000)

	adapter := &fakeExistence{installed: map[string]bool{"keptpkg": true}}
	orphans, _, err := s.Orphans(context.Background(), adapter)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphans (removedpkg + coreutils, both uninstalled), got %d", len(orphans))
	}
}

func TestOrphansExcludesUnknown(t *testing.T) {
	s := openTestStore(t, false)
	if err := s.Apply("/home/alice/.bash_history", "coreutils", "cat", true, false, 1000); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	adapter := &fakeExistence{installed: map[string]bool{}}
	orphans, _, err := s.Orphans(context.Background(), adapter)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("records stamped unknown must never be reported as orphans, got %d", len(orphans))
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/app/a.toml", "app", "app", 1000)
	mustApply(t, s, "/home/alice/.config/app/b.toml", "app", "app", 1000)
	if err := s.Apply("/home/alice/.bash_history", "coreutils", "cat", true, false, 1000); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	stats, _, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRecords != 3 {
		t.Errorf("expected 3 total records, got %d", stats.TotalRecords)
	}
	if stats.UnknownCount != 1 {
		t.Errorf("expected 1 unknown record, got %d", stats.UnknownCount)
	}
	if stats.PerPackage["app"] != 2 {
		t.Errorf("expected 2 records for app, got %d", stats.PerPackage["app"])
	}
	if len(stats.TopPackages) == 0 || stats.TopPackages[0].Package != "app" {
		t.Errorf("expected app to rank first in TopPackages, got %+v", stats.TopPackages)
	}
}

func TestPruneRemovesVanishedPaths(t *testing.T) {
	s := openTestStore(t, false)

	dir := t.TempDir()
	keepPath := filepath.Join(dir, "keep")
	if err := os.WriteFile(keepPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write keep file: %v", err)
	}
	vanishedPath := filepath.Join(dir, "vanished")

	mustApply(t, s, keepPath, "app", "app", 1000)
	mustApply(t, s, vanishedPath, "app", "app", 1000)

	n, err := s.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record pruned, got %d", n)
	}

	if _, ok, _ := s.Get(vanishedPath); ok {
		t.Error("vanished record should have been pruned")
	}
	if _, ok, _ := s.Get(keepPath); !ok {
		t.Error("existing record should survive prune")
	}
}

func TestAutoPruneRunsOnQuery(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"), true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	vanishedPath := filepath.Join(dir, "vanished")
	mustApply(t, s, vanishedPath, "app", "app", 1000)

	recs, pruned, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected List to report 1 auto-pruned record, got %d", pruned)
	}
	if len(recs) != 0 {
		t.Errorf("expected 0 records after auto-prune, got %d", len(recs))
	}
}

func TestCleanOrphans(t *testing.T) {
	s := openTestStore(t, false)
	mustApply(t, s, "/home/alice/.config/gone/a.toml", "removedpkg", "removedpkg", 1000)
	mustApply(t, s, "/home/alice/.config/here/b.toml", "keptpkg", "keptpkg", 1000)

	adapter := &fakeExistence{installed: map[string]bool{"keptpkg": true}}
	n, err := s.CleanOrphans(context.Background(), adapter)
	if err != nil {
		t.Fatalf("CleanOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan cleaned, got %d", n)
	}

	if _, ok, _ := s.Get("/home/alice/.config/gone/a.toml"); ok {
		t.Error("orphaned record should have been removed")
	}
	if _, ok, _ := s.Get("/home/alice/.config/here/b.toml"); !ok {
		t.Error("non-orphaned record should survive")
	}
}

func TestMigrateSchemaFromLegacy(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("pebble.Open: %v", err)
	}
	legacyPath := "/home/alice/.config/legacyapp/settings.ini"
	if err := db.Set([]byte(prefixLegacy+legacyPath), []byte(`{"package":"legacyapp","process":"legacyapp"}`), pebble.Sync); err != nil {
		t.Fatalf("seed legacy record: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed db: %v", err)
	}

	s, err := Open(dbPath, false)
	if err != nil {
		t.Fatalf("Open (should migrate): %v", err)
	}
	defer s.Close()

	rec, ok, err := s.Get(legacyPath)
	if err != nil || !ok {
		t.Fatalf("Get migrated record: ok=%v err=%v", ok, err)
	}
	if rec.CreatedByPackage != "legacyapp" || rec.LastAccessedByPackage != "legacyapp" {
		t.Errorf("unexpected migrated record: %+v", rec)
	}

	// Re-opening must be a no-op, not a re-migration that duplicates work.
	s.Close()
	s2, err := Open(dbPath, false)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()
	recs, _, err := s2.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 record after idempotent re-migration, got %d", len(recs))
	}
}

func mustApply(t *testing.T, s *Store, path, pkg, process string, now int64) {
	t.Helper()
	if err := s.Apply(path, pkg, process, false, false, now); err != nil {
		t.Fatalf("Apply(%s): %v", path, err)
	}
}
