// Package blob is the path-addressed storage used for archives.
//
// A Store is rooted at one directory (the public or the local area) and
// addresses everything by forward-slash relative keys such as
// "mundos_pendientes/world_Ab3xYz9KqP.zip". Keys that would escape the
// root are rejected.
package blob

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/teranos/mundo/errors"
)

// Well-known key prefixes
const (
	PendingPrefix   = "mundos_pendientes"
	ProcessedPrefix = "mundos_procesados"
	ChunksPrefix    = "chunks"
	ExtractPrefix   = "extract"
	OutputPrefix    = "output"
)

// ErrNotExist is returned for keys that do not resolve to a blob
var ErrNotExist = errors.Mark(errors.New("blob does not exist"), errors.ErrNotFound)

// Info describes a stored blob or directory
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Store is a key-addressed blob area backed by an afero filesystem
type Store struct {
	fs   afero.Fs
	root string // absolute root on the OS filesystem, empty for in-memory stores
}

// NewDiskStore returns a Store rooted at dir, creating dir if needed
func NewDiskStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve storage root %s", dir)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create storage root %s", abs)
	}
	return &Store{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), abs),
		root: abs,
	}, nil
}

// NewMemStore returns an in-memory Store. LocalPath is unavailable on it.
func NewMemStore() *Store {
	return &Store{fs: afero.NewMemMapFs()}
}

// Root returns the absolute OS directory backing the store, or "" for memory stores
func (s *Store) Root() string {
	return s.root
}

// Join builds a key from parts using forward slashes
func Join(parts ...string) string {
	return path.Join(parts...)
}

// clean normalizes a key and rejects keys outside the root
func clean(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty blob key")
	}
	k := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	switch {
	case path.IsAbs(k):
		return "", errors.Newf("blob key %q must be relative", key)
	case k == ".":
		return "", errors.Newf("blob key %q resolves to the root", key)
	case k == ".." || strings.HasPrefix(k, "../"):
		return "", errors.Newf("blob key %q escapes the storage root", key)
	}
	return k, nil
}

// Exists reports whether key names an existing file or directory
func (s *Store) Exists(key string) (bool, error) {
	k, err := clean(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, k)
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %s", k)
	}
	return ok, nil
}

// Put streams r into key, creating parent directories.
// The content is written to a temporary sibling and renamed into place so
// readers never observe a partial blob. Returns the number of bytes written.
func (s *Store) Put(key string, r io.Reader) (int64, error) {
	k, err := clean(key)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(path.Dir(k), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create parent of %s", k)
	}

	tmp := k + ".partial"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", tmp)
	}

	n, copyErr := io.Copy(f, r)
	if copyErr == nil {
		copyErr = f.Sync()
	}
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		s.fs.Remove(tmp)
		return n, errors.Wrapf(copyErr, "failed to write %s", k)
	}

	if err := s.fs.Rename(tmp, k); err != nil {
		s.fs.Remove(tmp)
		return n, errors.Wrapf(err, "failed to move %s into place", k)
	}
	return n, nil
}

// Open opens key for reading
func (s *Store) Open(key string) (afero.File, error) {
	k, err := clean(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(k)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithDetailf(ErrNotExist, "key: %s", k)
		}
		return nil, errors.Wrapf(err, "failed to open %s", k)
	}
	return f, nil
}

// Stat describes key
func (s *Store) Stat(key string) (*Info, error) {
	k, err := clean(key)
	if err != nil {
		return nil, err
	}
	fi, err := s.fs.Stat(k)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithDetailf(ErrNotExist, "key: %s", k)
		}
		return nil, errors.Wrapf(err, "failed to stat %s", k)
	}
	return &Info{Key: k, Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

// Delete removes a single blob. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	k, err := clean(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(k); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %s", k)
	}
	return nil
}

// DeleteDir removes a directory tree. A missing directory is not an error.
func (s *Store) DeleteDir(key string) error {
	k, err := clean(key)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(k); err != nil {
		return errors.Wrapf(err, "failed to delete directory %s", k)
	}
	return nil
}

// MkdirAll creates a directory key and its parents
func (s *Store) MkdirAll(key string) error {
	k, err := clean(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(k, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", k)
	}
	return nil
}

// List returns the direct children of a directory key sorted by name.
// A missing directory yields an empty list.
func (s *Store) List(dir string) ([]Info, error) {
	k, err := clean(dir)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, k)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list %s", k)
	}

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		out = append(out, Info{
			Key:     path.Join(k, e.Name()),
			Size:    e.Size(),
			ModTime: e.ModTime(),
			IsDir:   e.IsDir(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// LocalPath returns the OS path for key so codecs and external tools can
// work on real files. Only disk stores support it.
func (s *Store) LocalPath(key string) (string, error) {
	if s.root == "" {
		return "", errors.New("store has no local filesystem root")
	}
	k, err := clean(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

// Fs exposes the underlying filesystem for read-only helpers
func (s *Store) Fs() afero.Fs {
	return s.fs
}
