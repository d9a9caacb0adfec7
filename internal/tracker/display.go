package tracker

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrEmptyName = errors.New("empty name")

// Icon hints for front ends.
const (
	IconFile    = "file"
	IconImage   = "image"
	IconArchive = "archive"
)

// FormatSize renders n as whole B, KB or MB, rounding down.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%d KB", n/1024)
	default:
		return fmt.Sprintf("%d MB", n/1024/1024)
	}
}

// IconFor picks an icon hint from the file extension.
func IconFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case strings.Contains(ext, "png"), strings.Contains(ext, "jpg"):
		return IconImage
	case strings.Contains(ext, "zip"), strings.Contains(ext, "rar"):
		return IconArchive
	}
	return IconFile
}

// DisplayName is the last element of a stored path.
func DisplayName(p string) string {
	p = strings.TrimRight(strings.ReplaceAll(p, `\`, "/"), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// RenameTarget turns the name a user typed into the full new path for
// oldPath: the file stays in its folder, and keeps its extension when the
// input has none.
func RenameTarget(oldPath, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrEmptyName
	}
	oldName := DisplayName(oldPath)
	if path.Ext(input) == "" {
		input += path.Ext(oldName)
	}
	folder := path.Dir(strings.ReplaceAll(oldPath, `\`, "/"))
	if folder == "." || folder == "/" {
		return input, nil
	}
	return folder + "/" + input, nil
}
