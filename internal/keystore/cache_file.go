package keystore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileCache persists entries as one JSON document per kid so restarts keep warm keys.
type FileCache struct {
	dir string
	now func() time.Time
}

type fileItem struct {
	Entry     Entry     `json:"entry"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileCache creates dir if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("keystore: file cache dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create cache dir: %w", err)
	}
	return &FileCache{dir: dir, now: time.Now}, nil
}

func (c *FileCache) path(kid string) string {
	return filepath.Join(c.dir, hex.EncodeToString([]byte(kid))+".json")
}

func (c *FileCache) Get(_ context.Context, kid string) (Entry, bool, error) {
	data, err := os.ReadFile(c.path(kid))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var item fileItem
	if err := json.Unmarshal(data, &item); err != nil {
		// A torn or foreign file is a miss; the next Set overwrites it.
		return Entry{}, false, nil
	}
	if !item.ExpiresAt.IsZero() && !c.now().Before(item.ExpiresAt) {
		_ = os.Remove(c.path(kid))
		return Entry{}, false, nil
	}
	return item.Entry, true, nil
}

func (c *FileCache) Set(_ context.Context, kid string, e Entry, ttl time.Duration) error {
	item := fileItem{Entry: e}
	if ttl > 0 {
		item.ExpiresAt = c.now().Add(ttl).UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".jwk-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(kid))
}

func (c *FileCache) Delete(_ context.Context, kid string) error {
	err := os.Remove(c.path(kid))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
