package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

// Transfer summarizes a completed file transfer. Digest is the hex
// BLAKE2b-256 of the bytes that crossed the wire.
type Transfer struct {
	Local  string
	Remote string
	Size   int64
	Digest string
}

func newHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for oversized keys
		panic(err)
	}
	return h
}

// UploadFile sends the local file to remote.
func (c *Client) UploadFile(ctx context.Context, local, remote string, progress ProgressFunc) (Transfer, error) {
	f, err := os.Open(local)
	if err != nil {
		return Transfer{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Transfer{}, err
	}
	if !info.Mode().IsRegular() {
		return Transfer{}, fmt.Errorf("upload %s: not a regular file", local)
	}

	h := newHash()
	if err := c.Upload(ctx, remote, io.TeeReader(f, h), info.Size(), progress); err != nil {
		return Transfer{}, err
	}
	return Transfer{
		Local:  local,
		Remote: remote,
		Size:   info.Size(),
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// DownloadFile saves remote at local. The file appears only once every
// byte has arrived; a failed download leaves any existing file untouched.
func (c *Client) DownloadFile(ctx context.Context, remote, local string, progress ProgressFunc) (Transfer, error) {
	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Transfer{}, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(local)+".*.download")
	if err != nil {
		return Transfer{}, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	h := newHash()
	n, err := c.Download(ctx, remote, io.MultiWriter(tmp, h), progress)
	if err != nil {
		cleanup()
		return Transfer{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Transfer{}, err
	}
	if err := os.Rename(tmpName, local); err != nil {
		os.Remove(tmpName)
		return Transfer{}, err
	}
	return Transfer{
		Local:  local,
		Remote: remote,
		Size:   n,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
