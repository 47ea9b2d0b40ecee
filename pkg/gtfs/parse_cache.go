package gtfs

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	cacheFilePrefix = "gtfs_parsed_"
	cacheFileSuffix = ".gob.gz"
)

// ParseCache stores parse results on disk keyed by a fingerprint of the
// feed bytes and the requested trips. Only the newest Keep entries survive
// a Prune.
type ParseCache struct {
	Dir  string
	Keep int
}

// NewParseCache uses GTFS_CACHE_DIR, or a directory under os.TempDir.
func NewParseCache() *ParseCache {
	dir := os.Getenv("GTFS_CACHE_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "crowdbus-gtfs-cache")
	}
	return &ParseCache{Dir: dir, Keep: 3}
}

// DataFingerprint identifies a parse of data restricted to tripIDs.
func DataFingerprint(data []byte, tripIDs []string) string {
	ids := append([]string(nil), tripIDs...)
	sort.Strings(ids)

	h := sha256.New()
	h.Write(data)
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ParseCache) path(fingerprint string) string {
	return filepath.Join(c.Dir, cacheFilePrefix+fingerprint+cacheFileSuffix)
}

// Load returns the cached result for fingerprint. A missing or unreadable
// entry is an error; callers fall back to parsing.
func (c *ParseCache) Load(fingerprint string) (*ParseResult, error) {
	f, err := os.Open(c.path(fingerprint))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open parsed cache: %w", err)
	}
	defer zr.Close()

	var result ParseResult
	if err := gob.NewDecoder(zr).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode parsed cache: %w", err)
	}
	if result.Trips == nil || result.TripStopTimes == nil || result.Stops == nil {
		return nil, errors.New("parsed cache is incomplete")
	}
	return &result, nil
}

// Save writes result atomically and returns the entry path.
func (c *ParseCache) Save(fingerprint string, result *ParseResult) (string, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", err
	}

	path := c.path(fingerprint)
	tmp, err := os.CreateTemp(c.Dir, cacheFilePrefix+"*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	err = writeGob(tmp, result)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return path, nil
}

func writeGob(f *os.File, v any) error {
	zw, err := gzip.NewWriterLevel(f, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(v); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Prune removes all but the Keep most recently written entries and returns
// how many were deleted.
func (c *ParseCache) Prune() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	type cached struct {
		name    string
		modUnix int64
	}
	var files []cached
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, cacheFilePrefix) || !strings.HasSuffix(name, cacheFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cached{name: name, modUnix: info.ModTime().UnixNano()})
	}
	if len(files) <= c.Keep {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modUnix > files[j].modUnix })
	removed := 0
	for _, f := range files[c.Keep:] {
		if err := os.Remove(filepath.Join(c.Dir, f.name)); err == nil {
			removed++
		}
	}
	return removed, nil
}
