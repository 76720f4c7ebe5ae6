// Package store implements the durable attribution store: schema and
// migration, the transactional commit path, and the query surfaces
// consumed by an external CLI (spec.md §4.7). It is built on
// github.com/cockroachdb/pebble, an embedded ordered key-value store, with
// string-prefixed keys standing in for SQL tables and indexes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/adelmonte/hdas/internal/metrics"
	"github.com/adelmonte/hdas/pkg/policy"
)

const (
	prefixRecord    = "r:"
	prefixIdxCreate = "ic:"
	prefixIdxAccess = "ia:"
	prefixLegacy    = "legacy:"

	schemaVersionKey    = "schema:version"
	currentSchemaVer    = "2"
	indexKeySeparator   = "\x00"
	unknownPackageValue = "unknown"
)

// Record is one stored attribution, keyed by canonical path (spec §3).
type Record struct {
	Path                  string `json:"path"`
	CreatedByPackage      string `json:"created_by_package"`
	CreatedByProcess      string `json:"created_by_process"`
	CreatedAt             int64  `json:"created_at"`
	LastAccessedByPackage string `json:"last_accessed_by_package"`
	LastAccessedByProcess string `json:"last_accessed_by_process"`
	LastAccessedAt        int64  `json:"last_accessed_at"`
}

// legacyRecord models the pre-migration schema: a single package/process
// pair with no creator/accessor distinction.
type legacyRecord struct {
	Package string `json:"package"`
	Process string `json:"process"`
}

// PackageExistence is the subset of *pkgmanager.Adapter the orphan query
// needs. Factored out as an interface so the store package does not import
// pkgmanager and so tests can substitute a fake.
type PackageExistence interface {
	InstalledSet(ctx context.Context) (map[string]bool, error)
}

// Store owns the on-disk attribution database.
type Store struct {
	db        *pebble.DB
	autoPrune bool
	statFunc  func(string) error
}

// Open opens (creating if necessary) the attribution store at path,
// running schema migration if needed.
func Open(path string, autoPrune bool) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open attribution store %s: %w", path, err)
	}

	s := &Store{
		db:        db,
		autoPrune: autoPrune,
		statFunc: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}

	if err := s.migrateSchema(time.Now().Unix()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate attribution store schema: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrateSchema detects the legacy package/process-only schema and, in one
// transaction, copies those values into both created_by_* and
// last_accessed_by_* (spec §4.7 "Open"). Running it again on an
// already-migrated store is a no-op.
func (s *Store) migrateSchema(now int64) error {
	version, closer, err := s.db.Get([]byte(schemaVersionKey))
	if err == nil {
		closer.Close()
		if string(version) == currentSchemaVer {
			return nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	iter, err := prefixIter(s.db, prefixLegacy)
	if err != nil {
		return err
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		path := stripPrefix(iter.Key(), prefixLegacy)

		var legacy legacyRecord
		if err := json.Unmarshal(iter.Value(), &legacy); err != nil {
			return fmt.Errorf("unmarshal legacy record %s: %w", path, err)
		}

		rec := Record{
			Path:                  path,
			CreatedByPackage:      legacy.Package,
			CreatedByProcess:      legacy.Process,
			CreatedAt:             now,
			LastAccessedByPackage: legacy.Package,
			LastAccessedByProcess: legacy.Process,
			LastAccessedAt:        now,
		}

		if err := putRecord(batch, rec); err != nil {
			return err
		}
		if err := batch.Set(idxCreatorKey(rec.CreatedByPackage, rec.Path), nil, nil); err != nil {
			return err
		}
		if err := batch.Set(idxAccessorKey(rec.LastAccessedByPackage, rec.Path), nil, nil); err != nil {
			return err
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if err := batch.Set([]byte(schemaVersionKey), []byte(currentSchemaVer), nil); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// Exists reports whether a record is already present for path.
func (s *Store) Exists(path string) (bool, error) {
	_, closer, err := s.db.Get(recordKey(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Get returns the record stored for path, if any.
func (s *Store) Get(path string) (Record, bool, error) {
	val, closer, err := s.db.Get(recordKey(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal record %s: %w", path, err)
	}
	return rec, true, nil
}

// Apply runs the attribution policy for one resolved event against the
// current store state and commits the result in a single transaction
// (spec §4.6, §4.7 "Commit path"). now is the wall-clock commit time in
// Unix seconds.
func (s *Store) Apply(path, pkg, process string, ignoredProcess, ignoredPackage bool, now int64) error {
	exists, err := s.Exists(path)
	if err != nil {
		return err
	}

	decision := policy.Decide(exists, pkg, process, ignoredProcess, ignoredPackage)
	metrics.ObserveAttributionCommit(decision.Action.String())

	switch decision.Action {
	case policy.Drop:
		return nil
	case policy.Insert:
		return s.commitInsert(path, decision, now)
	case policy.UpdateAccess:
		return s.commitUpdateAccess(path, decision, now)
	default:
		return fmt.Errorf("unhandled policy action %v", decision.Action)
	}
}

func (s *Store) commitInsert(path string, d policy.Decision, now int64) error {
	rec := Record{
		Path:                  path,
		CreatedByPackage:      d.CreatedByPackage,
		CreatedByProcess:      d.CreatedByProcess,
		CreatedAt:             now,
		LastAccessedByPackage: d.LastAccessedByPackage,
		LastAccessedByProcess: d.LastAccessedByProcess,
		LastAccessedAt:        now,
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := putRecord(batch, rec); err != nil {
		return err
	}
	if err := batch.Set(idxCreatorKey(rec.CreatedByPackage, rec.Path), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(idxAccessorKey(rec.LastAccessedByPackage, rec.Path), nil, nil); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

func (s *Store) commitUpdateAccess(path string, d policy.Decision, now int64) error {
	existing, ok, err := s.Get(path)
	if err != nil {
		return err
	}
	if !ok {
		// Record vanished between Exists() and here (e.g. concurrent
		// explicit prune); treat as nothing to update.
		return nil
	}

	updated := existing
	updated.LastAccessedByPackage = d.LastAccessedByPackage
	updated.LastAccessedByProcess = d.LastAccessedByProcess
	// Cross-CPU ordering (spec §9): monotonicity is enforced by taking the
	// max of the existing and new timestamps rather than assuming a single
	// committer.
	if now > updated.LastAccessedAt {
		updated.LastAccessedAt = now
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if existing.LastAccessedByPackage != updated.LastAccessedByPackage {
		if err := batch.Delete(idxAccessorKey(existing.LastAccessedByPackage, path), nil); err != nil {
			return err
		}
		if err := batch.Set(idxAccessorKey(updated.LastAccessedByPackage, path), nil, nil); err != nil {
			return err
		}
	}

	if err := putRecord(batch, updated); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// List enumerates all records, optionally filtered by a substring of path.
// When auto-prune is enabled, vanished records are removed first and the
// count removed is returned alongside the results (spec §4.7).
func (s *Store) List(filter string) ([]Record, int, error) {
	pruned, err := s.maybeAutoPrune()
	if err != nil {
		return nil, pruned, err
	}

	iter, err := prefixIter(s.db, prefixRecord)
	if err != nil {
		return nil, pruned, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, pruned, err
		}
		if filter == "" || strings.Contains(rec.Path, filter) {
			out = append(out, rec)
		}
	}
	return out, pruned, iter.Error()
}

// ByCreator enumerates records whose created_by_package equals pkg.
func (s *Store) ByCreator(pkg string) ([]Record, int, error) {
	pruned, err := s.maybeAutoPrune()
	if err != nil {
		return nil, pruned, err
	}

	iter, err := prefixIter(s.db, prefixIdxCreate+pkg+indexKeySeparator)
	if err != nil {
		return nil, pruned, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		path := stripPrefix(iter.Key(), prefixIdxCreate+pkg+indexKeySeparator)
		rec, ok, err := s.Get(path)
		if err != nil {
			return nil, pruned, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, pruned, iter.Error()
}

// ByPathPrefix enumerates records whose canonical path lies under dir. The
// primary key is itself path-ordered, so this scans the primary index
// directly rather than maintaining a separate one.
func (s *Store) ByPathPrefix(dir string) ([]Record, int, error) {
	pruned, err := s.maybeAutoPrune()
	if err != nil {
		return nil, pruned, err
	}

	iter, err := prefixIter(s.db, prefixRecord+dir)
	if err != nil {
		return nil, pruned, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, pruned, err
		}
		out = append(out, rec)
	}
	return out, pruned, iter.Error()
}

// Orphans enumerates records whose created_by_package is neither "unknown"
// nor currently installed, per adapter's existence check (spec §4.7, §9
// "Package existence check for orphans" — decided: one bulk enumeration
// per invocation).
func (s *Store) Orphans(ctx context.Context, adapter PackageExistence) ([]Record, int, error) {
	pruned, err := s.maybeAutoPrune()
	if err != nil {
		return nil, pruned, err
	}

	installed, err := adapter.InstalledSet(ctx)
	if err != nil {
		return nil, pruned, fmt.Errorf("enumerate installed packages: %w", err)
	}

	iter, err := prefixIter(s.db, prefixRecord)
	if err != nil {
		return nil, pruned, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, pruned, err
		}
		if rec.CreatedByPackage == unknownPackageValue {
			continue
		}
		if !installed[rec.CreatedByPackage] {
			out = append(out, rec)
		}
	}
	return out, pruned, iter.Error()
}

// Stats is the aggregate statistics query surface (spec §4.7), expanded
// with a top-N by package count and a day-bucketed unknown ratio trend.
type Stats struct {
	TotalRecords int
	UnknownCount int
	UnknownRatio float64
	PerPackage   map[string]int
	TopPackages  []PackageCount
	UnknownByDay map[int64]int // day (unix seconds / 86400) -> unknown count that day
	RecordsByDay map[int64]int
}

// PackageCount pairs a package name with its record count, used by the
// top-N ranking in Stats.
type PackageCount struct {
	Package string
	Count   int
}

// Stats computes aggregate counts across all records.
func (s *Store) Stats() (Stats, int, error) {
	pruned, err := s.maybeAutoPrune()
	if err != nil {
		return Stats{}, pruned, err
	}

	stats := Stats{
		PerPackage:   make(map[string]int),
		UnknownByDay: make(map[int64]int),
		RecordsByDay: make(map[int64]int),
	}

	iter, err := prefixIter(s.db, prefixRecord)
	if err != nil {
		return stats, pruned, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return stats, pruned, err
		}
		stats.TotalRecords++
		stats.PerPackage[rec.CreatedByPackage]++
		day := rec.CreatedAt / 86400
		stats.RecordsByDay[day]++
		if rec.CreatedByPackage == unknownPackageValue {
			stats.UnknownCount++
			stats.UnknownByDay[day]++
		}
	}
	if err := iter.Error(); err != nil {
		return stats, pruned, err
	}

	if stats.TotalRecords > 0 {
		stats.UnknownRatio = float64(stats.UnknownCount) / float64(stats.TotalRecords)
	}
	stats.TopPackages = topPackages(stats.PerPackage, 10)

	return stats, pruned, nil
}

func topPackages(counts map[string]int, n int) []PackageCount {
	out := make([]PackageCount, 0, len(counts))
	for pkg, count := range counts {
		out = append(out, PackageCount{Package: pkg, Count: count})
	}
	// Simple insertion sort descending by count; package lists here are
	// small (tens to low hundreds of distinct packages per user).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Prune removes records whose path no longer exists on disk, regardless of
// the auto_prune configuration flag. This backs both the auto-prune check
// on queries and the external "explicit prune" admin operation (spec
// §4.7, "not subject to the ignored-packages filter").
func (s *Store) Prune() (int, error) {
	iter, err := prefixIter(s.db, prefixRecord)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var toRemove []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Close()
			return 0, err
		}
		if s.statFunc(rec.Path) != nil {
			toRemove = append(toRemove, rec)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	iter.Close()

	if len(toRemove) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range toRemove {
		if err := deleteRecord(batch, rec); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}

	return len(toRemove), nil
}

// CleanOrphans removes every orphaned record (spec §4.7, §8 scenario 6).
func (s *Store) CleanOrphans(ctx context.Context, adapter PackageExistence) (int, error) {
	orphans, _, err := s.Orphans(ctx, adapter)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range orphans {
		if err := deleteRecord(batch, rec); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	metrics.AddOrphansCleaned(len(orphans))
	return len(orphans), nil
}

func (s *Store) maybeAutoPrune() (int, error) {
	if !s.autoPrune {
		return 0, nil
	}
	n, err := s.Prune()
	if err != nil {
		return n, err
	}
	metrics.AddAutoPruneRemoved(n)
	return n, nil
}

func putRecord(batch *pebble.Batch, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Path, err)
	}
	return batch.Set(recordKey(rec.Path), data, nil)
}

func deleteRecord(batch *pebble.Batch, rec Record) error {
	if err := batch.Delete(recordKey(rec.Path), nil); err != nil {
		return err
	}
	if err := batch.Delete(idxCreatorKey(rec.CreatedByPackage, rec.Path), nil); err != nil {
		return err
	}
	return batch.Delete(idxAccessorKey(rec.LastAccessedByPackage, rec.Path), nil)
}

func recordKey(path string) []byte {
	return []byte(prefixRecord + path)
}

func idxCreatorKey(pkg, path string) []byte {
	return []byte(prefixIdxCreate + pkg + indexKeySeparator + path)
}

func idxAccessorKey(pkg, path string) []byte {
	return []byte(prefixIdxAccess + pkg + indexKeySeparator + path)
}

func prefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func stripPrefix(key []byte, prefix string) string {
	k := append([]byte(nil), key...)
	return strings.TrimPrefix(string(k), prefix)
}
