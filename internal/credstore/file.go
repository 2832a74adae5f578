package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/moralrecordings/mrstream/internal/domain"
)

type fileDocument struct {
	Services map[string]domain.CredentialRecord `json:"services"`
	Defaults domain.BroadcastDefaults           `json:"defaults"`
}

// FileStore is the single-user default backend. Each Put rewrites the whole
// document through a temp file and rename, so readers never see a partial write.
type FileStore struct {
	path  string
	clock clockwork.Clock
	mu    sync.Mutex
}

func NewFileStore(path string, clock clockwork.Clock) *FileStore {
	return &FileStore{path: path, clock: clock}
}

func (s *FileStore) GetAll(_ context.Context) (map[string]domain.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Services, nil
}

func (s *FileStore) Get(_ context.Context, name string) (domain.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return domain.CredentialRecord{}, err
	}
	record, ok := doc.Services[name]
	if !ok {
		return domain.CredentialRecord{}, fmt.Errorf("%q: %w", name, domain.ErrServiceNotFound)
	}
	return record, nil
}

func (s *FileStore) Put(_ context.Context, record domain.CredentialRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	record.UpdatedAt = s.clock.Now().UTC().Truncate(time.Second)
	doc.Services[record.Name] = record
	return s.save(doc)
}

func (s *FileStore) GetDefaults(_ context.Context) (domain.BroadcastDefaults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return domain.BroadcastDefaults{}, err
	}
	return doc.Defaults, nil
}

func (s *FileStore) PutDefaults(_ context.Context, defaults domain.BroadcastDefaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Defaults = defaults
	return s.save(doc)
}

func (s *FileStore) Close() error { return nil }

// load reads the document. A missing file is an empty store.
func (s *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Services: map[string]domain.CredentialRecord{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read credential file: %w", err)
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse credential file %s: %w", s.path, err)
	}
	if doc.Services == nil {
		doc.Services = map[string]domain.CredentialRecord{}
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
