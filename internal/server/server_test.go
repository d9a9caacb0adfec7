package server

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cloudbox/internal/logging"
	"cloudbox/internal/store"
	"cloudbox/internal/wire"
)

func TestMain(m *testing.M) {
	logging.Replace(zap.NewNop())
	os.Exit(m.Run())
}

type harness struct {
	srv   *Server
	store *store.Store
	addr  string
	done  chan error
}

func start(t *testing.T, maxConns int) *harness {
	t.Helper()
	st, err := store.New(t.TempDir(), 0)
	require.NoError(t, err)
	srv, err := New(Options{Addr: "127.0.0.1:0", Store: st, MaxConns: maxConns})
	require.NoError(t, err)
	addr, err := srv.Listen()
	require.NoError(t, err)

	h := &harness{srv: srv, store: st, addr: addr.String(), done: make(chan error, 1)}
	go func() { h.done <- srv.Serve() }()
	t.Cleanup(func() {
		_ = srv.Stop()
		srv.Wait()
	})
	return h
}

func (h *harness) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c.(*net.TCPConn)
}

// exchange sends one command plus payload, half-closes and returns
// everything the server sent before closing.
func (h *harness) exchange(t *testing.T, line string, payload []byte) []byte {
	t.Helper()
	c := h.dial(t)
	_, err := c.Write(append([]byte(line+"\n"), payload...))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	return out
}

func (h *harness) upload(t *testing.T, path string, data []byte) {
	t.Helper()
	out := h.exchange(t, wire.Upload(path, int64(len(data))).String(), data)
	assert.Empty(t, out)
}

func (h *harness) list(t *testing.T) []wire.Response {
	t.Helper()
	out := h.exchange(t, wire.List().String(), nil)
	r := bufio.NewReader(bytes.NewReader(out))
	var entries []wire.Response
	for {
		line, err := wire.ReadLine(r)
		require.NoError(t, err, "listing must end with END")
		resp, err := wire.ParseResponse(line)
		require.NoError(t, err)
		if resp.Kind == wire.KindEnd {
			break
		}
		require.Equal(t, wire.KindFile, resp.Kind)
		entries = append(entries, resp)
	}
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "nothing after END")
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func (h *harness) download(t *testing.T, path string) (wire.Response, []byte) {
	t.Helper()
	out := h.exchange(t, wire.Download(path).String(), nil)
	r := bufio.NewReader(bytes.NewReader(out))
	line, err := wire.ReadLine(r)
	require.NoError(t, err)
	resp, err := wire.ParseResponse(line)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	return resp, body
}

func TestNewValidates(t *testing.T) {
	st, err := store.New(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = New(Options{Addr: ":0"})
	assert.Error(t, err)
	_, err = New(Options{Store: st})
	assert.Error(t, err)
	_, err = New(Options{Addr: ":0", Store: st, MaxConns: -1})
	assert.Error(t, err)
}

func TestListEmpty(t *testing.T) {
	h := start(t, 0)
	out := h.exchange(t, "LIST", nil)
	assert.Equal(t, "END\n", string(out))
}

func TestUploadThenList(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "a/b.txt", []byte("0123456789"))

	assert.Equal(t, []wire.Response{wire.FileEntry("a/b.txt", 10)}, h.list(t))
}

func TestRoundTripSizes(t *testing.T) {
	h := start(t, 0)
	for _, n := range []int{0, 1, 4095, 4096, 4097, 1048577} {
		data := make([]byte, n)
		_, err := rand.Read(data)
		require.NoError(t, err)

		name := filepath.ToSlash(filepath.Join("sizes", strings.Repeat("x", 1+n%5)+".bin"))
		h.upload(t, name, data)
		resp, body := h.download(t, name)
		require.Equal(t, wire.Data(int64(n)), resp, "size %d", n)
		require.True(t, bytes.Equal(data, body), "size %d differs", n)
	}
}

func TestUploadPayloadInSameSegment(t *testing.T) {
	h := start(t, 0)
	// header and payload in one write so the server reads both at once
	out := h.exchange(t, "UPLOAD|one.txt|3", []byte("abc"))
	assert.Empty(t, out)

	resp, body := h.download(t, "one.txt")
	assert.Equal(t, wire.Data(3), resp)
	assert.Equal(t, "abc", string(body))
}

func TestUploadOverwrites(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "f", []byte("first version"))
	h.upload(t, "f", []byte("second"))

	_, body := h.download(t, "f")
	assert.Equal(t, "second", string(body))
	assert.Equal(t, []wire.Response{wire.FileEntry("f", 6)}, h.list(t))
}

func TestShortUploadKeepsPartialFile(t *testing.T) {
	h := start(t, 0)
	out := h.exchange(t, "UPLOAD|short.bin|100", []byte("only ten b"))
	assert.Empty(t, out)
	assert.Equal(t, []wire.Response{wire.FileEntry("short.bin", 10)}, h.list(t))
}

func TestUploadTraversalStaysInRoot(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "../../escape.txt", []byte("x"))
	h.upload(t, `\\server\share.txt`, []byte("y"))

	assert.Equal(t, []wire.Response{
		wire.FileEntry("escape.txt", 1),
		wire.FileEntry("server/share.txt", 1),
	}, h.list(t))
	assert.FileExists(t, filepath.Join(h.store.Root(), "escape.txt"))
}

func TestDownloadMissing(t *testing.T) {
	h := start(t, 0)
	out := h.exchange(t, "DOWNLOAD|nope.txt", nil)
	assert.Equal(t, "ERROR|NOT_FOUND\n", string(out))
}

func TestDownloadDirectoryIsNotFound(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "dir/file", []byte("x"))
	out := h.exchange(t, "DOWNLOAD|dir", nil)
	assert.Equal(t, "ERROR|NOT_FOUND\n", string(out))
}

func TestDelete(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "docs/a.txt", []byte("x"))
	h.upload(t, "docs/b.txt", []byte("y"))

	assert.Empty(t, h.exchange(t, "DELETE|docs/a.txt", nil))
	assert.Equal(t, []wire.Response{wire.FileEntry("docs/b.txt", 1)}, h.list(t))
}

func TestDeleteMissingRepeatedly(t *testing.T) {
	h := start(t, 0)
	for i := 0; i < 3; i++ {
		assert.Empty(t, h.exchange(t, "DELETE|ghost", nil))
	}
	assert.Empty(t, h.list(t))
}

func TestRename(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "a.txt", []byte("hello"))

	assert.Empty(t, h.exchange(t, "RENAME|a.txt|sub/b.txt", nil))
	assert.Equal(t, []wire.Response{wire.FileEntry("sub/b.txt", 5)}, h.list(t))
	_, body := h.download(t, "sub/b.txt")
	assert.Equal(t, "hello", string(body))
}

func TestRenameOverwritesTarget(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "a", []byte("A"))
	h.upload(t, "b", []byte("BBBB"))

	assert.Empty(t, h.exchange(t, "RENAME|a|b", nil))
	assert.Equal(t, []wire.Response{wire.FileEntry("b", 1)}, h.list(t))
}

func TestRenameMissingSource(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "keep", []byte("k"))

	assert.Empty(t, h.exchange(t, "RENAME|missing|other", nil))
	assert.Equal(t, []wire.Response{wire.FileEntry("keep", 1)}, h.list(t))
}

func TestMalformedCommandClosesConnection(t *testing.T) {
	h := start(t, 0)
	for _, line := range []string{"HELLO", "UPLOAD|x", "UPLOAD|x|-1", "RENAME|only", ""} {
		assert.Empty(t, h.exchange(t, line, nil), "%q", line)
	}
	// server still serving
	assert.Empty(t, h.list(t))
}

func TestPeerHangsUpWithoutCommand(t *testing.T) {
	h := start(t, 0)
	c := h.dial(t)
	require.NoError(t, c.Close())
	assert.Empty(t, h.list(t))
}

func TestListDuringInFlightUpload(t *testing.T) {
	h := start(t, 0)
	h.upload(t, "existing", []byte("123"))

	c := h.dial(t)
	_, err := c.Write([]byte("UPLOAD|big.bin|10000\n"))
	require.NoError(t, err)
	_, err = c.Write(bytes.Repeat([]byte{'z'}, 5000))
	require.NoError(t, err)

	// the partial upload is never listed
	assert.Equal(t, []wire.Response{wire.FileEntry("existing", 3)}, h.list(t))

	_, err = c.Write(bytes.Repeat([]byte{'z'}, 5000))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())
	_, err = io.ReadAll(c)
	require.NoError(t, err)

	assert.Equal(t, []wire.Response{
		wire.FileEntry("big.bin", 10000),
		wire.FileEntry("existing", 3),
	}, h.list(t))
}

func TestUploadTempLikeNameIsListed(t *testing.T) {
	h := start(t, 0)
	h.upload(t, ".cloudbox-notes.part", []byte("hello"))
	assert.Equal(t, []wire.Response{wire.FileEntry(".cloudbox-notes.part", 5)}, h.list(t))
	resp, body := h.download(t, ".cloudbox-notes.part")
	assert.Equal(t, wire.Data(5), resp)
	assert.Equal(t, "hello", string(body))
}

func TestUploadIntoStagingIsRefused(t *testing.T) {
	h := start(t, 0)
	h.upload(t, store.StagingDir+"/x.txt", nil)
	assert.Empty(t, h.list(t))
	assert.NoFileExists(t, filepath.Join(h.store.Root(), store.StagingDir, "x.txt"))
}

func TestStopLetsInFlightSessionFinish(t *testing.T) {
	h := start(t, 0)

	c := h.dial(t)
	_, err := c.Write([]byte("UPLOAD|late.txt|4\nab"))
	require.NoError(t, err)
	// make sure the session has been accepted before stopping
	require.Eventually(t, func() bool {
		entries, _ := os.ReadDir(filepath.Join(h.store.Root(), store.StagingDir))
		return len(entries) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.srv.Stop())
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}

	_, err = net.DialTimeout("tcp", h.addr, 500*time.Millisecond)
	assert.Error(t, err, "listener should be released")

	_, err = c.Write([]byte("cd"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())
	_, err = io.ReadAll(c)
	require.NoError(t, err)
	h.srv.Wait()

	b, err := os.ReadFile(filepath.Join(h.store.Root(), "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(b))
	assert.NoError(t, h.srv.Stop(), "second Stop is a no-op")
}

func TestMaxConnsQueuesExtraConnections(t *testing.T) {
	h := start(t, 1)

	idle := h.dial(t)
	_, err := idle.Write([]byte("UPLOAD|slow|1\n"))
	require.NoError(t, err)

	c := h.dial(t)
	_, err = c.Write([]byte("LIST\n"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = c.Read(buf)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "second session should wait for a slot")

	_, err = idle.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, idle.CloseWrite())
	_, _ = io.ReadAll(idle)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "FILE|slow|1\nEND\n", string(out))
}

func TestAddr(t *testing.T) {
	st, err := store.New(t.TempDir(), 0)
	require.NoError(t, err)
	srv, err := New(Options{Addr: "127.0.0.1:0", Store: st})
	require.NoError(t, err)
	assert.Nil(t, srv.Addr())
	assert.Error(t, srv.Serve())

	addr, err := srv.Listen()
	require.NoError(t, err)
	assert.Equal(t, addr.String(), srv.Addr().String())
	require.NoError(t, srv.Stop())
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "await_command", awaitCommand.String())
	assert.Equal(t, "executing", executing.String())
	assert.Equal(t, "closed", closed.String())
}

func TestStopAndWaitDuringConnectionBurst(t *testing.T) {
	h := start(t, 0)

	stop := make(chan struct{})
	var dialers sync.WaitGroup
	for i := 0; i < 8; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
				if err != nil {
					continue
				}
				c.Close()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	waited := make(chan struct{})
	go func() {
		assert.NoError(t, h.srv.Stop())
		h.srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.ErrorIs(t, <-h.done, ErrServerClosed)
	close(stop)
	dialers.Wait()
}
