// Package client drives cloudbox operations: each call opens its own
// connection, sends one command and consumes the reply.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"cloudbox/internal/wire"
)

var (
	ErrConnectFailed  = errors.New("connect failed")
	ErrConnectionLost = errors.New("connection lost")
	ErrNotFound       = errors.New("not found")
	ErrProtocol       = errors.New("protocol violation")
)

// OpError describes a failed operation. Kind is one of the Err* values above;
// ErrConnectFailed and ErrProtocol also match ErrConnectionLost, since either
// way the server is no longer reachable for this operation.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind == ErrConnectFailed || e.Kind == ErrProtocol {
		errs = append(errs, ErrConnectionLost)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// File is one entry of a listing.
type File struct {
	Path string
	Size int64
}

// ProgressFunc receives bytes transferred so far out of total.
type ProgressFunc func(done, total int64)

// Percent is the whole-number completion, 100 for empty transfers.
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	return int(done * 100 / total)
}

type Client struct {
	Addr         string
	DialTimeout  time.Duration
	ProbeTimeout time.Duration
	ChunkSize    int
}

func New(addr string) *Client {
	return &Client{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ProbeTimeout: 2 * time.Second,
		ChunkSize:    wire.DefaultChunkSize,
	}
}

type conn struct {
	net.Conn
	r    *bufio.Reader
	stop func() bool
}

func (c *Client) dial(ctx context.Context, op string, timeout time.Duration) (*conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, &OpError{Op: op, Kind: ErrConnectFailed, Err: err}
	}
	// cancelling ctx unblocks any pending read or write
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	return &conn{Conn: nc, r: bufio.NewReaderSize(nc, c.chunkSize()), stop: stop}, nil
}

func (cn *conn) Close() error {
	cn.stop()
	return cn.Conn.Close()
}

// finish half-closes the connection and waits for the server to close its
// side, which it does only after the command has taken effect.
func (cn *conn) finish() error {
	if hc, ok := cn.Conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return err
		}
	}
	_, err := io.Copy(io.Discard, cn.r)
	return err
}

func (c *Client) chunkSize() int {
	if c.ChunkSize <= 0 {
		return wire.DefaultChunkSize
	}
	return c.ChunkSize
}

// lost classifies a transport failure, preferring the context error when
// cancellation is what broke the connection.
func lost(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return &OpError{Op: op, Kind: ErrConnectionLost, Err: err}
}

// encode renders cmd and rejects paths a single command line cannot carry.
// Callers run it before dialing.
func encode(op string, cmd wire.Command) (string, error) {
	line := cmd.String()
	if err := wire.CheckLine(line); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return line, nil
}

// Probe reports whether a connection to the server can be opened.
func (c *Client) Probe(ctx context.Context) bool {
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cn, err := c.dial(ctx, "probe", timeout)
	if err != nil {
		return false
	}
	cn.Close()
	return true
}

// List returns every file stored on the server.
func (c *Client) List(ctx context.Context) ([]File, error) {
	const op = "list"
	cmd, err := encode(op, wire.List())
	if err != nil {
		return nil, err
	}
	cn, err := c.dial(ctx, op, c.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	if err := wire.WriteLine(cn, cmd); err != nil {
		return nil, lost(ctx, op, err)
	}
	files := []File{}
	for {
		line, err := wire.ReadLine(cn.r)
		if err != nil {
			return nil, lost(ctx, op, err)
		}
		resp, err := wire.ParseResponse(line)
		if err != nil {
			return nil, &OpError{Op: op, Kind: ErrProtocol, Err: err}
		}
		switch resp.Kind {
		case wire.KindFile:
			files = append(files, File{Path: resp.Path, Size: resp.Size})
		case wire.KindEnd:
			return files, nil
		default:
			return nil, &OpError{Op: op, Kind: ErrProtocol, Err: fmt.Errorf("unexpected %q in listing", line)}
		}
	}
}

// Upload sends size bytes from src to remote. It returns once the server has
// stored the file. progress may be nil.
func (c *Client) Upload(ctx context.Context, remote string, src io.Reader, size int64, progress ProgressFunc) error {
	const op = "upload"
	if size < 0 {
		return fmt.Errorf("upload %s: negative size %d", remote, size)
	}
	cmd, err := encode(op, wire.Upload(remote, size))
	if err != nil {
		return err
	}
	cn, err := c.dial(ctx, op, c.DialTimeout)
	if err != nil {
		return err
	}
	defer cn.Close()

	w := bufio.NewWriterSize(cn, c.chunkSize())
	if err := wire.WriteLine(w, cmd); err != nil {
		return lost(ctx, op, err)
	}
	if progress != nil {
		progress(0, size)
	}
	src = &sourceReader{r: src}
	n, err := wire.Stream(w, src, size, c.chunkSize(), func(done int64) {
		if progress != nil {
			progress(done, size)
		}
	})
	if err != nil {
		var se *sourceError
		if errors.As(err, &se) {
			return fmt.Errorf("upload %s: read source: %w", remote, se.err)
		}
		return lost(ctx, op, err)
	}
	if err := w.Flush(); err != nil {
		return lost(ctx, op, err)
	}
	if n < size {
		// the server keeps the n bytes it received
		return fmt.Errorf("upload %s: source ended after %d of %d bytes: %w", remote, n, size, io.ErrUnexpectedEOF)
	}
	if err := cn.finish(); err != nil {
		return lost(ctx, op, err)
	}
	return nil
}

// Download streams remote into dst and returns the byte count.
func (c *Client) Download(ctx context.Context, remote string, dst io.Writer, progress ProgressFunc) (int64, error) {
	const op = "download"
	cmd, err := encode(op, wire.Download(remote))
	if err != nil {
		return 0, err
	}
	cn, err := c.dial(ctx, op, c.DialTimeout)
	if err != nil {
		return 0, err
	}
	defer cn.Close()

	if err := wire.WriteLine(cn, cmd); err != nil {
		return 0, lost(ctx, op, err)
	}
	line, err := wire.ReadLine(cn.r)
	if err != nil {
		return 0, lost(ctx, op, err)
	}
	resp, err := wire.ParseResponse(line)
	if err != nil {
		return 0, &OpError{Op: op, Kind: ErrProtocol, Err: err}
	}
	switch resp.Kind {
	case wire.KindData:
	case wire.KindError:
		if resp.Reason == wire.ReasonNotFound {
			return 0, &OpError{Op: op, Kind: ErrNotFound, Err: errors.New(remote)}
		}
		return 0, &OpError{Op: op, Kind: ErrProtocol, Err: fmt.Errorf("server error %q", resp.Reason)}
	default:
		return 0, &OpError{Op: op, Kind: ErrProtocol, Err: fmt.Errorf("unexpected %q", line)}
	}

	size := resp.Size
	if progress != nil {
		progress(0, size)
	}
	sink := &sinkWriter{w: dst}
	n, err := wire.Stream(sink, cn.r, size, c.chunkSize(), func(done int64) {
		if progress != nil {
			progress(done, size)
		}
	})
	if err != nil {
		if sink.err != nil {
			return n, fmt.Errorf("download %s: write: %w", remote, sink.err)
		}
		return n, lost(ctx, op, err)
	}
	if n < size {
		return n, lost(ctx, op, fmt.Errorf("got %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF))
	}
	return n, nil
}

// Delete removes remote. Deleting a missing file succeeds.
func (c *Client) Delete(ctx context.Context, remote string) error {
	return c.oneShot(ctx, "delete", wire.Delete(remote))
}

// Rename moves from to to. A missing source is silently ignored by the
// server; List afterwards shows the outcome.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.oneShot(ctx, "rename", wire.Rename(from, to))
}

func (c *Client) oneShot(ctx context.Context, op string, cmd wire.Command) error {
	line, err := encode(op, cmd)
	if err != nil {
		return err
	}
	cn, err := c.dial(ctx, op, c.DialTimeout)
	if err != nil {
		return err
	}
	defer cn.Close()
	if err := wire.WriteLine(cn, line); err != nil {
		return lost(ctx, op, err)
	}
	if err := cn.finish(); err != nil {
		return lost(ctx, op, err)
	}
	return nil
}

// sourceReader and sinkWriter tag errors from the caller's side of a copy so
// they are not mistaken for a lost connection.
type sourceError struct{ err error }

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

type sourceReader struct{ r io.Reader }

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &sourceError{err: err}
	}
	return n, err
}

type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}
