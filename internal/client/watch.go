package client

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"cloudbox/internal/logging"
)

type WatchOptions struct {
	Dir    string
	Prefix string // remote folder the files are uploaded into
	// Settle is how long a file must go without events before it is sent.
	Settle time.Duration
	// Existing uploads the files already in Dir before watching.
	Existing bool
	// OnUpload is called after every attempt. It may be nil.
	OnUpload func(Transfer, error)
}

// Watch uploads regular files created or written in Dir (not its
// subdirectories) until ctx is done. Dotfiles are skipped.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Dir == "" {
		return errors.New("watch: directory is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(opts.Dir); err != nil {
		return err
	}
	logging.Info("watching directory", zap.String("dir", opts.Dir), zap.String("prefix", opts.Prefix))

	send := func(local string) {
		if ctx.Err() != nil {
			return
		}
		info, err := os.Stat(local)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		remote := path.Join(opts.Prefix, filepath.Base(local))
		tr, err := c.UploadFile(ctx, local, remote, nil)
		if err != nil {
			logging.Warn("watch upload failed", zap.String("file", local), zap.Error(err))
		} else {
			logging.Info("watch uploaded", zap.String("file", local), zap.String("remote", remote), zap.Int64("bytes", tr.Size))
		}
		if opts.OnUpload != nil {
			opts.OnUpload(tr, err)
		}
	}
	d := newDebouncer(opts.Settle, send)
	defer d.stop()
	schedule := func(local string) {
		if strings.HasPrefix(filepath.Base(local), ".") {
			return
		}
		d.schedule(local)
	}

	if opts.Existing {
		entries, err := os.ReadDir(opts.Dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				schedule(filepath.Join(opts.Dir, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				schedule(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watcher error", zap.Error(err))
		}
	}
}

// debouncer runs fire for a key once it has gone settle without being
// scheduled again.
type debouncer struct {
	settle time.Duration
	fire   func(key string)

	mu      sync.Mutex
	pending map[string]*pendingFire
	wg      sync.WaitGroup
}

type pendingFire struct {
	t *time.Timer
}

func newDebouncer(settle time.Duration, fire func(string)) *debouncer {
	return &debouncer{settle: settle, fire: fire, pending: map[string]*pendingFire{}}
}

func (d *debouncer) schedule(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok && p.t.Stop() {
		// the stopped timer never ran, so its wg slot is reused
		p.t.Reset(d.settle)
		return
	}
	p := &pendingFire{}
	d.wg.Add(1)
	d.pending[key] = p
	p.t = time.AfterFunc(d.settle, func() { d.fired(key, p) })
}

// fired runs on the timer goroutine. A newer entry scheduled for the same
// key after p's timer went off stays in pending.
func (d *debouncer) fired(key string, p *pendingFire) {
	defer d.wg.Done()
	d.mu.Lock()
	if d.pending[key] == p {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	d.fire(key)
}

// stop cancels every timer that has not gone off and waits for the rest.
func (d *debouncer) stop() {
	d.mu.Lock()
	for key, p := range d.pending {
		if p.t.Stop() {
			d.wg.Done()
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
