package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"cloudbox/internal/logging"
	"cloudbox/internal/metrics"
	"cloudbox/internal/store"
	"cloudbox/internal/wire"
)

type sessionState int

const (
	awaitCommand sessionState = iota
	executing
	closed
)

func (st sessionState) String() string {
	switch st {
	case awaitCommand:
		return "await_command"
	case executing:
		return "executing"
	case closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// session serves exactly one command on one connection.
type session struct {
	conn  net.Conn
	store *store.Store
	chunk int
	log   *zap.Logger

	r     *bufio.Reader
	w     *bufio.Writer
	state sessionState
}

func (s *Server) newSession(conn net.Conn) *session {
	id := s.nextID.Add(1)
	return &session{
		conn:  conn,
		store: s.opts.Store,
		chunk: s.opts.ChunkSize,
		log:   logging.ForSession(conn.RemoteAddr().String(), id),
		r:     bufio.NewReaderSize(conn, s.opts.ChunkSize),
		w:     bufio.NewWriterSize(conn, s.opts.ChunkSize),
		state: awaitCommand,
	}
}

func (ss *session) run() {
	start := time.Now()
	metrics.SessionOpened()

	var (
		command string
		status  = metrics.StatusError
	)
	defer func() {
		if r := recover(); r != nil {
			ss.log.Error("session panic", zap.Any("panic", r), zap.Stack("stack"))
			status = metrics.StatusError
		}
		ss.state = closed
		if err := ss.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			ss.log.Debug("close", zap.Error(err))
		}
		metrics.SessionClosed(command, status, time.Since(start))
		ss.log.Debug("session closed",
			zap.String("command", command),
			zap.String("status", status),
			zap.Duration("elapsed", time.Since(start)))
	}()

	line, err := wire.ReadLine(ss.r)
	if err != nil {
		if errors.Is(err, wire.ErrConnectionClosed) {
			ss.log.Debug("peer closed before sending a command")
		} else {
			ss.log.Warn("read command", zap.Error(err))
		}
		return
	}
	cmd, err := wire.ParseCommand(line)
	if err != nil {
		ss.log.Warn("bad command", zap.String("line", line), zap.Error(err))
		return
	}

	command = string(cmd.Verb)
	ss.state = executing
	status, err = ss.execute(cmd)
	if err != nil {
		ss.log.Warn("command failed", zap.String("command", command), zap.Error(err))
		status = metrics.StatusError
	}
}

func (ss *session) execute(cmd wire.Command) (string, error) {
	switch cmd.Verb {
	case wire.VerbList:
		return ss.list()
	case wire.VerbUpload:
		return ss.upload(cmd.Path, cmd.Size)
	case wire.VerbDownload:
		return ss.download(cmd.Path)
	case wire.VerbDelete:
		return ss.delete(cmd.Path)
	case wire.VerbRename:
		return ss.rename(cmd.Path, cmd.NewPath)
	}
	return metrics.StatusError, fmt.Errorf("%w: %s", wire.ErrUnknownCommand, cmd.Verb)
}

func (ss *session) list() (string, error) {
	n := 0
	err := ss.store.Walk(context.Background(), func(e store.Entry) error {
		n++
		return wire.WriteLine(ss.w, wire.FileEntry(e.Path, e.Size).String())
	})
	if err != nil {
		return metrics.StatusError, fmt.Errorf("list: %w", err)
	}
	if err := wire.WriteLine(ss.w, wire.End().String()); err != nil {
		return metrics.StatusError, err
	}
	if err := ss.w.Flush(); err != nil {
		return metrics.StatusError, err
	}
	metrics.SetStoredFiles(n)
	ss.log.Debug("listed", zap.Int("files", n))
	return metrics.StatusOK, nil
}

func (ss *session) upload(path string, size int64) (string, error) {
	// the reader may already hold payload bytes read alongside the command
	n, err := ss.store.Put(path, ss.r, size)
	metrics.RecordUpload(n, size)
	if err != nil {
		return metrics.StatusError, err
	}
	if n < size {
		ss.log.Warn("upload ended early, kept partial file",
			zap.String("path", path), zap.Int64("declared", size), zap.Int64("received", n))
		return metrics.StatusOK, nil
	}
	ss.log.Info("saved", zap.String("path", path), zap.Int64("bytes", n))
	return metrics.StatusOK, nil
}

func (ss *session) download(path string) (string, error) {
	f, size, err := ss.store.Open(path)
	if errors.Is(err, store.ErrNotFound) {
		ss.log.Info("download of missing file", zap.String("path", path))
		if err := wire.WriteLine(ss.w, wire.Error(wire.ReasonNotFound).String()); err != nil {
			return metrics.StatusError, err
		}
		if err := ss.w.Flush(); err != nil {
			return metrics.StatusError, err
		}
		return metrics.StatusNotFound, nil
	}
	if err != nil {
		return metrics.StatusError, err
	}
	defer f.Close()

	if err := wire.WriteLine(ss.w, wire.Data(size).String()); err != nil {
		return metrics.StatusError, err
	}
	sent, err := wire.Stream(ss.w, f, size, ss.chunk, nil)
	metrics.RecordDownload(sent)
	if err != nil {
		return metrics.StatusError, fmt.Errorf("send %s: %w", path, err)
	}
	if err := ss.w.Flush(); err != nil {
		return metrics.StatusError, err
	}
	if sent < size {
		ss.log.Warn("file shrank while sending",
			zap.String("path", path), zap.Int64("announced", size), zap.Int64("sent", sent))
	} else {
		ss.log.Info("sent", zap.String("path", path), zap.Int64("bytes", sent))
	}
	return metrics.StatusOK, nil
}

func (ss *session) delete(path string) (string, error) {
	removed, err := ss.store.Delete(path)
	if err != nil {
		return metrics.StatusError, err
	}
	if !removed {
		ss.log.Info("delete of missing file", zap.String("path", path))
		return metrics.StatusNotFound, nil
	}
	ss.log.Info("deleted", zap.String("path", path))
	return metrics.StatusOK, nil
}

func (ss *session) rename(from, to string) (string, error) {
	moved, err := ss.store.Rename(from, to)
	if err != nil {
		return metrics.StatusError, err
	}
	if !moved {
		ss.log.Warn("rename source missing", zap.String("from", from), zap.String("to", to))
		return metrics.StatusNotFound, nil
	}
	ss.log.Info("renamed", zap.String("from", from), zap.String("to", to))
	return metrics.StatusOK, nil
}
