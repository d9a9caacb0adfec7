package fsutil

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath = errors.New("empty path")
	ErrEscape    = errors.New("path escape")
)

// Sanitize defangs a client-supplied path before it touches the filesystem:
// every ".." is removed, leading "/" and "\" are stripped and the remaining
// separators become "/". It is a purely textual transform; symlinks inside
// the root are followed like any other entry.
func Sanitize(p string) string {
	p = strings.ReplaceAll(p, "..", "")
	p = strings.TrimLeft(p, `/\`)
	return strings.ReplaceAll(p, `\`, "/")
}

// JoinWithinRoot sanitizes rel and returns the absolute filesystem path under
// rootAbs. The root itself is never a valid target.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = Sanitize(rel)
	if strings.Contains(rel, "\x00") {
		return "", errors.New("invalid path")
	}
	abs := filepath.Join(rootAbs, filepath.FromSlash(rel))
	rootClean := filepath.Clean(rootAbs)
	if abs == rootClean {
		return "", ErrEmptyPath
	}
	prefix := rootClean
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(abs, prefix) {
		return "", ErrEscape
	}
	return abs, nil
}

// Rel is the inverse of JoinWithinRoot for listing: a slash-separated path
// relative to rootAbs.
func Rel(rootAbs, abs string) (string, error) {
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
