package credential

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rohanthewiz/serr"
)

// FileStore persists credentials as a single JSON array. Writes are atomic
// (temp file + rename) and the file is created with 0600 since it holds
// refresh tokens.
type FileStore struct {
	mu    sync.Mutex
	path  string
	creds []*Credential
}

// NewFileStore creates a file-backed persister at path, creating the parent
// directory when needed.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, serr.Wrap(err, "failed to create credentials directory", "dir", dir)
		}
	}
	return &FileStore{path: path}, nil
}

// LoadAll reads the credentials file. A missing file yields an empty pool.
func (fs *FileStore) LoadAll() ([]*Credential, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			fs.creds = nil
			return nil, nil
		}
		return nil, serr.Wrap(err, "failed to read credentials file", "path", fs.path)
	}

	var creds []*Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, serr.Wrap(err, "failed to parse credentials file", "path", fs.path)
	}

	fs.creds = creds
	out := make([]*Credential, len(creds))
	for i, c := range creds {
		out[i] = c.clone()
	}
	return out, nil
}

// Save upserts one credential and rewrites the file.
func (fs *FileStore) Save(c *Credential) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	replaced := false
	for i, cc := range fs.creds {
		if cc.ID == c.ID {
			fs.creds[i] = c.clone()
			replaced = true
			break
		}
	}
	if !replaced {
		fs.creds = append(fs.creds, c.clone())
	}
	return fs.writeLocked()
}

// Remove deletes one credential and rewrites the file.
func (fs *FileStore) Remove(id int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i, cc := range fs.creds {
		if cc.ID == id {
			fs.creds = append(fs.creds[:i], fs.creds[i+1:]...)
			break
		}
	}
	return fs.writeLocked()
}

func (fs *FileStore) writeLocked() error {
	creds := fs.creds
	if creds == nil {
		creds = []*Credential{}
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return serr.Wrap(err, "failed to marshal credentials")
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), ".credentials-*.json")
	if err != nil {
		return serr.Wrap(err, "failed to create temp credentials file")
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return serr.Wrap(err, "failed to chmod temp credentials file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return serr.Wrap(err, "failed to write temp credentials file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return serr.Wrap(err, "failed to close temp credentials file")
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return serr.Wrap(err, "failed to replace credentials file", "path", fs.path)
	}
	return nil
}
