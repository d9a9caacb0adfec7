package tracker

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/zap"

	"cloudbox/internal/client"
	"cloudbox/internal/logging"
)

var ErrNotConnected = errors.New("not connected")

// Workspace runs client operations in the background and keeps a Tracker
// in step with them. Each method returns at once; the channel yields the
// operation's result and is then closed.
type Workspace struct {
	client  *client.Client
	tracker *Tracker
	wg      sync.WaitGroup
}

func NewWorkspace(c *client.Client, t *Tracker) *Workspace {
	return &Workspace{client: c, tracker: t}
}

func (w *Workspace) Tracker() *Tracker { return w.tracker }

// Wait blocks until every started operation has finished.
func (w *Workspace) Wait() { w.wg.Wait() }

func (w *Workspace) run(fn func() error) <-chan error {
	ch := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(ch)
		ch <- fn()
	}()
	return ch
}

func (w *Workspace) connected(fn func() error) <-chan error {
	if !w.tracker.State().Connected {
		ch := make(chan error, 1)
		ch <- ErrNotConnected
		close(ch)
		return ch
	}
	return w.run(fn)
}

// Connect probes the server and loads the listing when it answers.
func (w *Workspace) Connect(ctx context.Context) <-chan error {
	return w.run(func() error {
		if !w.client.Probe(ctx) {
			w.tracker.SetConnected(false, "server unreachable")
			return &client.OpError{Op: "connect", Kind: client.ErrConnectFailed}
		}
		w.tracker.SetConnected(true, "")
		logging.Info("connected", zap.String("addr", w.client.Addr))
		return w.refresh(ctx)
	})
}

// Disconnect drops the listing and marks the workspace offline.
func (w *Workspace) Disconnect(reason string) {
	w.tracker.SetConnected(false, reason)
	w.tracker.Clear()
}

func (w *Workspace) Refresh(ctx context.Context) <-chan error {
	return w.connected(func() error { return w.refresh(ctx) })
}

func (w *Workspace) refresh(ctx context.Context) error {
	files, err := w.client.List(ctx)
	w.tracker.Observe("list", err)
	if err != nil {
		return err
	}
	w.tracker.Replace(files)
	return nil
}

// Upload sends a local file to remote, then refreshes the listing.
func (w *Workspace) Upload(ctx context.Context, local, remote string) <-chan error {
	return w.connected(func() error {
		var size int64
		if info, err := os.Stat(local); err == nil {
			size = info.Size()
		}
		w.tracker.Begin(remote, size, StatusUploading)
		_, err := w.client.UploadFile(ctx, local, remote, func(done, total int64) {
			w.tracker.Progress(remote, done, total)
		})
		w.tracker.Finish(remote, err)
		w.tracker.Observe("upload", err)
		if err != nil {
			logging.Warn("upload failed", zap.String("remote", remote), zap.Error(err))
			return err
		}
		return w.refresh(ctx)
	})
}

// Download saves remote at local.
func (w *Workspace) Download(ctx context.Context, remote, local string) <-chan error {
	return w.connected(func() error {
		var size int64
		for _, r := range w.tracker.Records() {
			if r.Path == remote {
				size = r.Size
			}
		}
		w.tracker.Begin(remote, size, StatusDownloading)
		_, err := w.client.DownloadFile(ctx, remote, local, func(done, total int64) {
			w.tracker.Progress(remote, done, total)
		})
		w.tracker.Finish(remote, err)
		w.tracker.Observe("download", err)
		if err != nil {
			logging.Warn("download failed", zap.String("remote", remote), zap.Error(err))
		}
		return err
	})
}

func (w *Workspace) Delete(ctx context.Context, remote string) <-chan error {
	return w.connected(func() error {
		err := w.client.Delete(ctx, remote)
		w.tracker.Observe("delete", err)
		if err != nil {
			return err
		}
		return w.refresh(ctx)
	})
}

// Rename gives remote the name the user typed, keeping folder and
// extension (see RenameTarget).
func (w *Workspace) Rename(ctx context.Context, remote, input string) <-chan error {
	target, err := RenameTarget(remote, input)
	if err != nil {
		ch := make(chan error, 1)
		ch <- err
		close(ch)
		return ch
	}
	return w.connected(func() error {
		err := w.client.Rename(ctx, remote, target)
		w.tracker.Observe("rename", err)
		if err != nil {
			return err
		}
		logging.Info("renamed", zap.String("from", remote), zap.String("to", target))
		return w.refresh(ctx)
	})
}
