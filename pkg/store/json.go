package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore keeps records in memory and, when a data path is set, mirrors
// them to records.json after every write.
type JSONStore struct {
	mu sync.RWMutex

	Tables   map[Table][]Record `json:"tables"`
	dataPath string
}

// NewJSONStore creates a store. An empty dataPath keeps it in memory only.
func NewJSONStore(dataPath string) *JSONStore {
	return &JSONStore{
		Tables:   make(map[Table][]Record),
		dataPath: dataPath,
	}
}

// Insert appends a record to table.
func (s *JSONStore) Insert(ctx context.Context, table Table, rec Record) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("insert", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Tables[table] = append(s.Tables[table], rec.Clone())
	return wrapErr("insert", table, s.saveLocked())
}

// Select returns copies of the records matching filter, in insertion order.
func (s *JSONStore) Select(ctx context.Context, table Table, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("select", table, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Record, 0)
	for _, rec := range s.Tables[table] {
		if matches(rec, filter) {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}

// Update sets fields on every record matching filter.
func (s *JSONStore) Update(ctx context.Context, table Table, filter Filter, fields Record) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("update", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.Tables[table] {
		if !matches(rec, filter) {
			continue
		}
		for k, v := range fields {
			rec[k] = v
		}
	}
	return wrapErr("update", table, s.saveLocked())
}

// Save persists the store to disk.
func (s *JSONStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *JSONStore) saveLocked() error {
	if s.dataPath == "" {
		return nil
	}
	if err := os.MkdirAll(s.dataPath, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(s.dataPath, "records.json"), data, 0644)
}

// Load loads the store from disk.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataPath == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dataPath, "records.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	if s.Tables == nil {
		s.Tables = make(map[Table][]Record)
	}
	return nil
}
