// Package escalation persists human-decision requests and signals parked
// runs when they are answered.
package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conductor/internal/fsutil"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// ErrNotFound is returned for an unknown escalation id.
	ErrNotFound = errors.New("escalation not found")
	// ErrAlreadyResolved is returned when responding to a resolved escalation.
	ErrAlreadyResolved = errors.New("escalation already resolved")
	// ErrInvalidState is returned when an escalation cannot make the
	// requested transition, such as responding to a cancelled one.
	ErrInvalidState = errors.New("escalation is not pending")
)

const (
	recordsDir = "records"
	indexFile  = "index.db"

	// claimGrace is how long a claim may go without its record being
	// written before it is considered abandoned.
	claimGrace = 30 * time.Second
)

// Store keeps one JSON record per escalation under <dir>/records and a
// SQLite index beside it.
type Store struct {
	dir   string
	index *Index
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore opens the store rooted at dir. An empty index is rebuilt from
// the record files.
func OpenStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, recordsDir), 0755); err != nil {
		return nil, fmt.Errorf("create escalation directory: %w", err)
	}

	index, err := OpenIndex(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:   dir,
		index: index,
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*idLock),
	}
	for _, opt := range opts {
		opt(s)
	}

	n, err := index.Count()
	if err != nil {
		index.Close()
		return nil, err
	}
	if n == 0 {
		if _, err := s.Reindex(); err != nil {
			index.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.Close()
}

// RecordsDir returns the directory holding the JSON records.
func (s *Store) RecordsDir() string {
	return filepath.Join(s.dir, recordsDir)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.RecordsDir(), id+".json")
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Create persists esc as a new pending escalation. The id and creation
// time are assigned when empty. The record is on disk before Create
// returns.
func (s *Store) Create(esc *models.Escalation) error {
	if esc.WorkflowRunID == "" {
		return fmt.Errorf("escalation requires a workflow run id")
	}
	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = s.now()
	}
	esc.Status = models.EscalationPending

	unlock := s.lock(esc.ID)
	defer unlock()

	if _, err := os.Stat(s.path(esc.ID)); err == nil {
		return fmt.Errorf("escalation %s already exists", esc.ID)
	}
	if err := s.write(esc); err != nil {
		return err
	}
	if err := s.index.Upsert(esc); err != nil {
		os.Remove(s.path(esc.ID))
		return err
	}
	return nil
}

// Get returns the escalation with id or ErrNotFound.
func (s *Store) Get(id string) (*models.Escalation, error) {
	return s.read(id)
}

// Resolve records response on a pending escalation. A second response is
// rejected with ErrAlreadyResolved and leaves the stored response intact.
func (s *Store) Resolve(id string, response models.Value) (*models.Escalation, error) {
	unlock := s.lock(id)
	defer unlock()

	esc, err := s.read(id)
	if err != nil {
		return nil, err
	}
	switch esc.Status {
	case models.EscalationResolved:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	case models.EscalationCancelled:
		return nil, fmt.Errorf("%w: %s is cancelled", ErrInvalidState, id)
	}

	resolvedAt := s.now()
	if resolvedAt.Before(esc.CreatedAt) {
		resolvedAt = esc.CreatedAt
	}
	ms := resolvedAt.Sub(esc.CreatedAt).Milliseconds()

	if err := s.claim(esc, models.EscalationResolved, resolvedAt, &ms); err != nil {
		return nil, err
	}

	esc.Status = models.EscalationResolved
	esc.ResolvedAt = &resolvedAt
	esc.Response = &response
	esc.ResolutionTimeMs = &ms

	if err := s.write(esc); err != nil {
		if rerr := s.index.Release(id); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	return esc, nil
}

// Cancel withdraws a pending escalation. Cancelling an already cancelled
// escalation is a no-op; a resolved one returns ErrAlreadyResolved.
func (s *Store) Cancel(id, reason string) (*models.Escalation, error) {
	unlock := s.lock(id)
	defer unlock()

	esc, err := s.read(id)
	if err != nil {
		return nil, err
	}
	switch esc.Status {
	case models.EscalationCancelled:
		return esc, nil
	case models.EscalationResolved:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	at := s.now()
	if err := s.claim(esc, models.EscalationCancelled, at, nil); err != nil {
		return nil, err
	}

	esc.Status = models.EscalationCancelled
	esc.CancelledAt = &at
	esc.CancelReason = reason

	if err := s.write(esc); err != nil {
		if rerr := s.index.Release(id); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}
	return esc, nil
}

// claim wins the pending->status transition in the index. esc is the
// record as read under the id lock. When the index lost its row (e.g.
// after a manual copy of record files) it is restored from the record
// first. A claim older than claimGrace on a record that is still pending
// was abandoned by a process that died before writing it, and is
// released.
func (s *Store) claim(esc *models.Escalation, status models.EscalationStatus, at time.Time, ms *int64) error {
	ok, err := s.index.Claim(esc.ID, status, at, ms)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, err := s.index.Status(esc.ID)
	if err != nil {
		return err
	}
	if current != "" && current != models.EscalationPending && esc.Status == models.EscalationPending {
		released, err := s.index.ReleaseStale(esc.ID, s.now().Add(-claimGrace))
		if err != nil {
			return err
		}
		if released {
			if ok, err = s.index.Claim(esc.ID, status, at, ms); err != nil {
				return err
			}
			if ok {
				return nil
			}
			current, _ = s.index.Status(esc.ID)
		}
	}
	if current == "" {
		if err := s.index.Upsert(esc); err != nil {
			return err
		}
		if ok, err = s.index.Claim(esc.ID, status, at, ms); err != nil {
			return err
		}
		if ok {
			return nil
		}
		current, _ = s.index.Status(esc.ID)
	}

	// Another process won the race.
	if current == models.EscalationResolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, esc.ID)
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidState, esc.ID, current)
}

// List returns escalations matching filter, oldest first. Only matching
// records are read from disk.
func (s *Store) List(filter models.EscalationFilter) ([]*models.Escalation, error) {
	ids, err := s.index.IDs(filter)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Escalation, 0, len(ids))
	for _, id := range ids {
		esc, err := s.read(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

// Metrics aggregates all stored escalations.
func (s *Store) Metrics() (models.EscalationMetrics, error) {
	return s.index.Metrics()
}

// Reindex brings the index in line with the record files and returns the
// number of records indexed. Rows without a readable record are removed.
func (s *Store) Reindex() (int, error) {
	entries, err := os.ReadDir(s.RecordsDir())
	if err != nil {
		return 0, fmt.Errorf("read records: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !isRecordName(e.Name()) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)

	indexed, err := s.index.IDs(models.EscalationFilter{})
	if err != nil {
		return 0, err
	}

	kept := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := s.reindexOne(id); err != nil {
			if errors.Is(err, errUnreadable) {
				continue
			}
			return len(kept), err
		}
		kept[id] = true
	}
	for _, id := range indexed {
		if kept[id] {
			continue
		}
		if err := s.index.Delete(id); err != nil {
			return len(kept), err
		}
	}
	return len(kept), nil
}

var errUnreadable = errors.New("unreadable record")

func (s *Store) reindexOne(id string) error {
	unlock := s.lock(id)
	defer unlock()

	esc, err := s.read(id)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnreadable, err)
	}
	return s.index.Upsert(esc)
}

func isRecordName(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (s *Store) read(id string) (*models.Escalation, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read escalation %s: %w", id, err)
	}

	var esc models.Escalation
	if err := json.Unmarshal(data, &esc); err != nil {
		return nil, fmt.Errorf("decode escalation %s: %w", id, err)
	}
	return &esc, nil
}

func (s *Store) write(esc *models.Escalation) error {
	data, err := json.MarshalIndent(esc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode escalation %s: %w", esc.ID, err)
	}
	if err := fsutil.WriteFileAtomic(s.path(esc.ID), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write escalation %s: %w", esc.ID, err)
	}
	return nil
}
