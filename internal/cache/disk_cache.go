package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const tmpSuffix = ".tmp"

// DiskCache implements Cache with one file per key under cacheDir
type DiskCache struct {
	cacheDir string
}

// NewDisk creates a new disk cache
func NewDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		cacheDir: filepath.Clean(cacheDir),
	}
}

func (d *DiskCache) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.cacheDir, filepath.FromSlash(key)), nil
}

// Get reads the file stored for key
func (d *DiskCache) Get(key string) ([]byte, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set writes the file for key through a temporary file so readers never see partial data
func (d *DiskCache) Set(key string, data []byte) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}

	// Ensure directory exists. A concurrent Delete may prune it in between, so retry once.
	dir := filepath.Dir(cachePath)
	var tmp *os.File
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		tmp, err = os.CreateTemp(dir, filepath.Base(cachePath)+"-*"+tmpSuffix)
		if err == nil {
			break
		}
		if attempt > 0 || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
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
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached data: %s", cachePath)
	return nil
}

// Delete removes the file for key and the directories it leaves empty
func (d *DiskCache) Delete(key string) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	for dir := filepath.Dir(cachePath); dir != d.cacheDir && strings.HasPrefix(dir, d.cacheDir); dir = filepath.Dir(dir) {
		// Fails on the first non-empty directory
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Keys walks the cache directory and returns every key starting with prefix
func (d *DiskCache) Keys(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(d.cacheDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(d.cacheDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

// Close is a no-op for disk caches
func (d *DiskCache) Close() error {
	return nil
}
