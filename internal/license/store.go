package license

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
)

// Persister loads and saves the whole key collection. Save always receives
// the complete collection and must replace what was stored before.
type Persister interface {
	Load(ctx context.Context) ([]KeyRecord, error)
	Save(ctx context.Context, records []KeyRecord) error
}

// Store owns the key collection. All mutations serialize on one mutex and are
// committed to memory only after the persister accepted the new collection.
type Store struct {
	mu        sync.RWMutex
	records   map[string]KeyRecord
	order     []string
	persister Persister
	logger    *slog.Logger
}

// NewStore creates an empty store. Call Load to read persisted state.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:   make(map[string]KeyRecord),
		persister: persister,
		logger:    logger.With(slog.String("component", "key_store")),
	}
}

// Load replaces the in-memory collection with the persisted one and returns
// the number of records loaded. A missing or unreadable medium leaves the
// store empty; Load never fails.
func (s *Store) Load(ctx context.Context) int {
	records, err := s.persister.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]KeyRecord, len(records))
	s.order = s.order[:0]

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.InfoContext(ctx, "no persisted key store found, starting empty")
		} else {
			s.logger.WarnContext(ctx, "persisted key store unreadable, starting empty",
				slog.String("error", err.Error()))
		}
		return 0
	}

	for _, rec := range records {
		if rec.Key == "" {
			s.logger.WarnContext(ctx, "skipping persisted record without key")
			continue
		}
		if _, dup := s.records[rec.Key]; dup {
			s.logger.WarnContext(ctx, "skipping duplicate persisted record",
				slog.String("key", MaskKey(rec.Key)))
			continue
		}
		if rec.UsageCount < 0 {
			s.logger.WarnContext(ctx, "negative usage count in persisted record, clamping to zero",
				slog.String("key", MaskKey(rec.Key)),
				slog.Int("usage_count", rec.UsageCount))
			rec.UsageCount = 0
		}
		s.records[rec.Key] = rec
		s.order = append(s.order, rec.Key)
	}

	s.logger.InfoContext(ctx, "key store loaded", slog.Int("records", len(s.order)))
	return len(s.order)
}

// Find returns a copy of the record for key.
func (s *Store) Find(key string) (KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%s: %w", MaskKey(key), ErrNotFound)
	}
	return rec, nil
}

// Insert adds a new record and persists the collection.
func (s *Store) Insert(ctx context.Context, rec KeyRecord) error {
	if rec.Key == "" {
		return fmt.Errorf("insert record: %w", ErrMissingParameter)
	}
	if rec.UsageCount != 0 {
		return fmt.Errorf("insert record %s: usage count must start at zero", MaskKey(rec.Key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Key]; exists {
		return fmt.Errorf("%s: %w", MaskKey(rec.Key), ErrDuplicateKey)
	}

	snapshot := append(s.snapshotLocked(), rec)
	if err := s.persister.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist new key: %w", err)
	}

	s.records[rec.Key] = rec
	s.order = append(s.order, rec.Key)
	return nil
}

// IncrementUsage adds one unit of usage to key and persists the collection.
// It is the only code path that changes UsageCount.
func (s *Store) IncrementUsage(ctx context.Context, key string) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%s: %w", MaskKey(key), ErrNotFound)
	}
	rec.UsageCount++

	snapshot := s.snapshotLocked()
	for i := range snapshot {
		if snapshot[i].Key == key {
			snapshot[i] = rec
			break
		}
	}
	if err := s.persister.Save(ctx, snapshot); err != nil {
		return KeyRecord{}, fmt.Errorf("failed to persist usage: %w", err)
	}

	s.records[key] = rec
	return rec, nil
}

// Snapshot returns copies of all records in issuance order.
func (s *Store) Snapshot() []KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) snapshotLocked() []KeyRecord {
	out := make([]KeyRecord, 0, len(s.order)+1)
	for _, key := range s.order {
		out = append(out, s.records[key])
	}
	return out
}
