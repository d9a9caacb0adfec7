// Package store performs the file operations behind each protocol command
// directly on the storage root. There is no index: every call looks at the
// filesystem as it is right now.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"cloudbox/internal/fsutil"
	"cloudbox/internal/wire"
)

var (
	// ErrNotFound means the path does not name a regular file under the root.
	ErrNotFound = errors.New("not found")
	// ErrReserved means the path lies inside the staging directory.
	ErrReserved = errors.New("reserved path")
)

// StagingDir is the directory under the root that holds uploads in flight.
// Finished uploads are renamed out of it. Walk skips it, no command can
// name a path inside it, and New empties it.
const StagingDir = ".cloudbox-staging"

const partPattern = "*.part"

type Entry struct {
	Path string // slash-separated, relative to the root
	Size int64
}

type Store struct {
	root      string
	staging   string
	chunkSize int
}

// New opens (creating if needed) the storage root. Uploads left in the
// staging directory by an earlier process are removed.
func New(root string, chunkSize int) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", abs, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	staging := filepath.Join(abs, StagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("sweep %s: %w", staging, err)
	}
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", staging, err)
	}
	if chunkSize <= 0 {
		chunkSize = wire.DefaultChunkSize
	}
	return &Store{root: abs, staging: staging, chunkSize: chunkSize}, nil
}

func (s *Store) Root() string { return s.root }

// Walk calls fn for every regular file below the root in directory order.
// Order across calls is whatever the filesystem returns.
func (s *Store) Walk(ctx context.Context, fn func(Entry) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			// unreadable subtree
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p == s.staging {
				return fs.SkipDir
			}
			return nil
		}
		info, err := s.regular(p, d)
		if err != nil {
			return nil
		}
		rel, err := fsutil.Rel(s.root, p)
		if err != nil {
			return nil
		}
		return fn(Entry{Path: rel, Size: info.Size()})
	})
}

// regular resolves symlinks and reports only regular files.
func (s *Store) regular(p string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, ErrNotFound
		}
		return info, nil
	}
	if !d.Type().IsRegular() {
		return nil, ErrNotFound
	}
	return d.Info()
}

// Put stores up to size bytes from r at rel, replacing any existing file.
// Parent directories are created. If r ends early the shorter file is kept;
// the returned count tells the caller how much arrived.
func (s *Store) Put(rel string, r io.Reader, size int64) (int64, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fmt.Errorf("create dirs for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(s.staging, partPattern)
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", rel, err)
	}
	tmpName := tmp.Name()

	n, err := wire.Stream(tmp, r, size, s.chunkSize, nil)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return n, fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("close temp for %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return n, fmt.Errorf("rename temp to %s: %w", rel, err)
	}
	return n, nil
}

// Open returns the file at rel and its current length.
func (s *Store) Open(rel string) (*os.File, int64, error) {
	abs, err := s.existing(rel)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open %s: %w", rel, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", rel, err)
	}
	return f, info.Size(), nil
}

// Delete removes the file at rel. A missing file is not an error; removed
// reports whether anything was deleted.
func (s *Store) Delete(rel string) (removed bool, err error) {
	abs, err := s.existing(rel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", rel, err)
	}
	return true, nil
}

// Rename moves the file at from to to, replacing whatever file is there and
// creating to's parent directories. moved is false when from does not exist.
func (s *Store) Rename(from, to string) (moved bool, err error) {
	fromAbs, err := s.existing(from)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	toAbs, err := s.resolve(to)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return false, fmt.Errorf("create dirs for %s: %w", to, err)
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		return false, fmt.Errorf("rename %s -> %s: %w", from, to, err)
	}
	return true, nil
}

// resolve maps rel to an absolute path under the root, outside staging.
func (s *Store) resolve(rel string) (string, error) {
	abs, err := fsutil.JoinWithinRoot(s.root, rel)
	if err != nil {
		return "", err
	}
	if abs == s.staging || strings.HasPrefix(abs, s.staging+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrReserved, rel)
	}
	return abs, nil
}

// existing resolves rel and requires it to be a regular file.
func (s *Store) existing(rel string) (string, error) {
	abs, err := s.resolve(rel)
	if errors.Is(err, fsutil.ErrEmptyPath) || errors.Is(err, ErrReserved) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		// ENOTDIR when a path component is a file
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return abs, nil
}
