package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SharedFile is one entry of the persisted share manifest.
type SharedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ShareStore maps shared-file ids to on-disk paths and persists the mapping
// as a JSON file rewritten on every share. The manifest only has to survive
// process restarts for the download-by-URL path; in-flight transfers are
// never persisted.
type ShareStore struct {
	path string

	mu    sync.Mutex
	files map[string]SharedFile
}

// OpenShareStore loads the manifest at path, or starts empty when the file
// does not exist yet.
func OpenShareStore(path string) (*ShareStore, error) {
	s := &ShareStore{
		path:  path,
		files: make(map[string]SharedFile),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading share manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.files); err != nil {
		return nil, fmt.Errorf("parsing share manifest %s: %w", path, err)
	}
	return s, nil
}

// Add registers filePath as shareable and returns its id. The manifest is
// rewritten before Add returns.
func (s *ShareStore) Add(filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("resolving shared path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("stat shared file: %w", err)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.files[id] = SharedFile{Name: filepath.Base(abs), Path: abs}
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return id, nil
}

// Remove forgets id and rewrites the manifest. Unknown ids are a no-op.
func (s *ShareStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return nil
	}
	delete(s.files, id)
	return s.saveLocked()
}

// Lookup resolves id to its manifest entry.
func (s *ShareStore) Lookup(id string) (SharedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	return f, ok
}

// List returns a copy of every entry keyed by id. Callers that need a
// stable display order should iterate via IDs.
func (s *ShareStore) List() map[string]SharedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SharedFile, len(s.files))
	for id, f := range s.files {
		out[id] = f
	}
	return out
}

// IDs returns the manifest ids sorted by file name.
func (s *ShareStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.files[ids[i]].Name < s.files[ids[j]].Name
	})
	return ids
}

func (s *ShareStore) saveLocked() error {
	data, err := json.MarshalIndent(s.files, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding share manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing share manifest: %w", err)
	}
	return nil
}
