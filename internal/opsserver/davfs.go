package opsserver

import (
	"context"
	"io/fs"
	"os"
	"path"
	"strings"

	"golang.org/x/net/webdav"
)

// hidingFS serves dir but pretends the top-level entry hidden does not
// exist, so uploads still in the store's staging directory stay out of the
// WebDAV view.
type hidingFS struct {
	webdav.FileSystem
	hidden string
}

func newHidingFS(dir, hidden string) webdav.FileSystem {
	return &hidingFS{FileSystem: webdav.Dir(dir), hidden: hidden}
}

func (h *hidingFS) isHidden(name string) bool {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	first, _, _ := strings.Cut(clean, "/")
	return first == h.hidden
}

func (h *hidingFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if h.isHidden(name) {
		return nil, os.ErrNotExist
	}
	f, err := h.FileSystem.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	if path.Clean("/"+name) == "/" {
		return &hidingDir{File: f, hidden: h.hidden}, nil
	}
	return f, nil
}

func (h *hidingFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if h.isHidden(name) {
		return nil, os.ErrNotExist
	}
	return h.FileSystem.Stat(ctx, name)
}

type hidingDir struct {
	webdav.File
	hidden string
}

func (d *hidingDir) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := d.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if fi.Name() != d.hidden {
			out = append(out, fi)
		}
	}
	return out, err
}
