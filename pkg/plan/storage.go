package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	DefaultStorageFileName = ".ca-engine-requests.json"
)

// Storage handles persistence of journal records
type Storage struct {
	filePath string
	mu       sync.RWMutex
	records  map[string]*Record
}

// RecordStorage represents the JSON structure for storage
type RecordStorage struct {
	Records map[string]*Record `json:"records"`
}

// NewStorage creates a new storage instance
func NewStorage(filePath string) (*Storage, error) {
	if filePath == "" {
		// Default to home directory
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		filePath = filepath.Join(home, DefaultStorageFileName)
	}

	storage := &Storage{
		filePath: filePath,
		records:  make(map[string]*Record),
	}

	if err := storage.load(); err != nil {
		// A missing file is created on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load records: %w", err)
		}
	}

	return storage, nil
}

// load reads records from the storage file
func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var stored RecordStorage
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal records: %w", err)
	}

	s.records = stored.Records
	if s.records == nil {
		s.records = make(map[string]*Record)
	}

	return nil
}

// saveLocked writes records to the storage file. The caller holds s.mu.
func (s *Storage) saveLocked() error {
	data, err := json.MarshalIndent(RecordStorage{Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to temporary file first, then rename for atomic write
	tempFile := s.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	if err := os.Rename(tempFile, s.filePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Create adds a new record to storage
func (s *Storage) Create(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("record '%s' already exists", r.ID)
	}

	s.records[r.ID] = r
	return s.saveLocked()
}

// Get retrieves a record by journal id or settlement request id
func (s *Storage) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, exists := s.records[id]; exists {
		return r, nil
	}
	for _, r := range s.records {
		if r.RequestID != "" && r.RequestID == id {
			return r, nil
		}
	}

	return nil, fmt.Errorf("record '%s' not found", id)
}

// Update modifies an existing record
func (s *Storage) Update(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; !exists {
		return fmt.Errorf("record '%s' not found", r.ID)
	}

	s.records[r.ID] = r
	return s.saveLocked()
}

// Delete removes a record from storage
func (s *Storage) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return fmt.Errorf("record '%s' not found", id)
	}

	delete(s.records, id)
	return s.saveLocked()
}

// List returns all records, newest first
func (s *Storage) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sortNewestFirst(records)

	return records
}

// ListByStatus returns records filtered by status, newest first
func (s *Storage) ListByStatus(status RecordStatus) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0)
	for _, r := range s.records {
		if r.Status == status {
			records = append(records, r)
		}
	}
	sortNewestFirst(records)

	return records
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.After(records[j].Created)
	})
}

// Count returns the total number of records
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// GetFilePath returns the storage file path
func (s *Storage) GetFilePath() string {
	return s.filePath
}
