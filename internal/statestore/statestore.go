// Package statestore implements C2, the durable per-task state record: an
// embedded BoltDB-backed store with per-record locking, append-only
// history, and retention-driven archival/pruning.
//
// Grounded on the teacher's services/orchestrator/persistence.go
// WorkflowStore (bbolt buckets, JSON-marshaled records, a memory cache
// warmed at startup, read/write latency histograms), adapted from
// per-workflow/per-execution records to one record per task instance plus
// an append-only History slice standing in for the teacher's version
// bucket.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/model"
)

var (
	bucketTasks    = []byte("tasks")
	bucketArchives = []byte("archives")
)

// HistoryEntry is one append-only record of a state transition. PrevHash
// and Hash are populated only when the Store is opened WithIntegrity,
// chaining each entry to the one before it (audit-trail style
// tamper-evidence); the zero value keeps plain spec.md-shaped history.
type HistoryEntry struct {
	At       time.Time     `json:"at"`
	Status   model.Status  `json:"status"`
	Attempt  int           `json:"attempt"`
	Note     string        `json:"note,omitempty"`
	Result   *model.Result `json:"result,omitempty"`
	PrevHash string        `json:"prev_hash,omitempty"`
	Hash     string        `json:"hash,omitempty"`
}

// entryHash computes the SHA-256 hash of an entry's fields chained to
// prevHash, so altering any past entry invalidates every hash after it.
func entryHash(prevHash string, e HistoryEntry) string {
	e.Hash = ""
	payload, _ := json.Marshal(e)
	sum := sha256.Sum256(append([]byte(prevHash), payload...))
	return hex.EncodeToString(sum[:])
}

// VerifyHistory reports whether every chained entry's Hash matches its
// recomputed value, given the PrevHash/Hash fields integrity mode wrote.
// Records written without integrity mode (empty Hash throughout) always
// verify true, since there is nothing to check.
func VerifyHistory(history []HistoryEntry) bool {
	for _, e := range history {
		if e.Hash == "" {
			continue
		}
		if entryHash(e.PrevHash, e) != e.Hash {
			return false
		}
	}
	return true
}

// Record is the durable per-task state the store persists.
type Record struct {
	TaskID     string         `json:"task_id"`
	TaskType   string         `json:"task_type"`
	Status     model.Status   `json:"status"`
	Progress   float64        `json:"progress"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	LastResult *model.Result  `json:"last_result,omitempty"`
	History    []HistoryEntry `json:"history"`
}

// Delta is a partial update applied to a Record by Update.
type Delta struct {
	Status     *model.Status
	Progress   *float64
	Attempts   *int
	LastResult *model.Result
	Note       string
}

// Summary is the lightweight projection List returns.
type Summary struct {
	TaskID    string
	Status    model.Status
	Attempts  int
	UpdatedAt time.Time
}

// RetentionPolicy decides what happens to a record untouched for
// RetentionDays, keyed on its last status.
type RetentionPolicy struct {
	RetentionDays int
	// Strategy maps a status bucket name ("running", "completed", "failed",
	// "other") to one of "skip", "archive", "delete".
	Strategy map[string]string
}

// DefaultRetentionPolicy mirrors spec.md §4.7's defaults.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		RetentionDays: 30,
		Strategy: map[string]string{
			"running":   "skip",
			"completed": "archive",
			"failed":    "archive",
			"other":     "delete",
		},
	}
}

func statusBucket(s model.Status) string {
	switch s.ReadyEquivalent() {
	case model.StatusRunning:
		return "running"
	case model.StatusCompleted:
		return "completed"
	case model.StatusFailed, model.StatusCancelled:
		return "failed"
	default:
		return "other"
	}
}

// Store wraps a bbolt database with one lock per record to serialize
// concurrent writers without blocking unrelated records.
type Store struct {
	db *bbolt.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	integrity bool

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenOption configures a Store at Open time.
type OpenOption func(*Store)

// WithIntegrity enables hash-chained history entries (see HistoryEntry).
// Off by default so the plain path matches spec.md's history shape exactly.
func WithIntegrity() OpenOption {
	return func(s *Store) { s.integrity = true }
}

// Open opens (creating if needed) the BoltDB file at path and ensures both
// buckets exist.
func Open(path string, meter metric.Meter, opts ...OpenOption) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open statestore: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketArchives} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create statestore buckets: %w", err)
	}

	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	for _, o := range opts {
		o(s)
	}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("taskcore_statestore_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("taskcore_statestore_write_ms")
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create admits a new record for id, failing if one already exists.
func (s *Store) Create(ctx context.Context, id, taskType string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	defer s.observe(ctx, s.writeLatency, time.Now(), "create")

	if _, ok, err := s.loadLocked(id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("statestore: record %q already exists", id)
	}

	now := time.Now()
	rec := Record{
		TaskID:    id,
		TaskType:  taskType,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.writeLocked(rec)
}

// Load returns a copy of the record for id, if present.
func (s *Store) Load(ctx context.Context, id string) (Record, bool, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	defer s.observe(ctx, s.readLatency, time.Now(), "load")
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

func (s *Store) writeLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", rec.TaskID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(rec.TaskID), data)
	})
}

// Update applies delta atomically to id's record; when appendHistory is
// true, a HistoryEntry snapshotting the post-update status/attempt/result
// is appended. Returns false if the record does not exist.
func (s *Store) Update(ctx context.Context, id string, delta Delta, appendHistory bool) (bool, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	defer s.observe(ctx, s.writeLatency, time.Now(), "update")

	rec, ok, err := s.loadLocked(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if delta.Status != nil {
		rec.Status = *delta.Status
	}
	if delta.Progress != nil {
		rec.Progress = *delta.Progress
	}
	if delta.Attempts != nil {
		rec.Attempts = *delta.Attempts
	}
	if delta.LastResult != nil {
		rec.LastResult = delta.LastResult
	}
	rec.UpdatedAt = time.Now()

	if appendHistory {
		entry := HistoryEntry{
			At:      rec.UpdatedAt,
			Status:  rec.Status,
			Attempt: rec.Attempts,
			Note:    delta.Note,
			Result:  rec.LastResult,
		}
		if s.integrity {
			if n := len(rec.History); n > 0 {
				entry.PrevHash = rec.History[n-1].Hash
			}
			entry.Hash = entryHash(entry.PrevHash, entry)
		}
		rec.History = append(rec.History, entry)
	}

	if err := s.writeLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes id's record entirely (no archival).
func (s *Store) Delete(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// List returns a summary for every stored record.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, Summary{TaskID: rec.TaskID, Status: rec.Status, Attempts: rec.Attempts, UpdatedAt: rec.UpdatedAt})
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, err
}

// RunningIDs returns the set of task ids whose last persisted status
// occupies the single-instance slot (RUNNING or REVIEWING).
func (s *Store) RunningIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Status.IsRunningLike() {
				ids[rec.TaskID] = true
			}
			return nil
		})
	})
	return ids, err
}

// Archive copies id's current record into the dated archive bucket and
// removes it from the live bucket.
func (s *Store) Archive(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, ok, err := s.loadLocked(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archived record %q: %w", id, err)
	}
	key := fmt.Sprintf("%04d/%02d/%s", rec.UpdatedAt.Year(), rec.UpdatedAt.Month(), id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArchives).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// Prune applies policy to every record whose UpdatedAt is older than
// RetentionDays from now, and returns the number of records acted on.
func (s *Store) Prune(ctx context.Context, now time.Time, policy RetentionPolicy) (int, error) {
	cutoff := now.AddDate(0, 0, -policy.RetentionDays)

	var toArchive, toDelete []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.UpdatedAt.After(cutoff) {
				return nil
			}
			switch policy.Strategy[statusBucket(rec.Status)] {
			case "archive":
				toArchive = append(toArchive, rec.TaskID)
			case "delete":
				toDelete = append(toDelete, rec.TaskID)
			case "skip", "":
				// never touch
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range toArchive {
		if err := s.Archive(ctx, id); err != nil {
			return count, err
		}
		count++
	}
	for _, id := range toDelete {
		if err := s.Delete(ctx, id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) observe(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attribute.String("op", op)))
}
