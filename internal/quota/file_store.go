package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/google/uuid"
)

// FileStore keeps one JSON record per account on local disk. It is the
// degraded-mode backend used while postgres is unreachable; records written
// here are reconciled back once the database returns.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create quota fallback dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(accountID uuid.UUID) string {
	return filepath.Join(s.dir, accountID.String()+".json")
}

func (s *FileStore) Load(_ context.Context, accountID uuid.UUID) (*models.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(accountID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record models.QuotaRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt quota record for %s: %w", accountID, err)
	}

	return &record, nil
}

func (s *FileStore) Save(_ context.Context, record *models.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash cannot leave a half-written record
	tmp := s.path(record.AccountID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, s.path(record.AccountID))
}

// Accounts lists every account with a record on disk.
func (s *FileStore) Accounts() ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Remove deletes the on-disk record for an account after reconciliation.
func (s *FileStore) Remove(accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(accountID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
