package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudbox/internal/client"
)

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestReplace(t *testing.T) {
	tr := New()
	ch := tr.Subscribe()

	tr.Replace([]client.File{{Path: "docs/a.png", Size: 2048}, {Path: "b", Size: 3}})

	recs := tr.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, Record{
		Path: "docs/a.png", Name: "a.png", SizeText: "2 KB", Icon: IconImage,
		Size: 2048, Status: StatusStored, Progress: 100,
	}, recs[0])

	evs := drain(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, EventRecords, evs[0].Kind)
	assert.Equal(t, recs, evs[0].Records)
}

func TestRecordsReturnsCopy(t *testing.T) {
	tr := New()
	tr.Replace([]client.File{{Path: "a", Size: 1}})
	recs := tr.Records()
	recs[0].Name = "changed"
	assert.Equal(t, "a", tr.Records()[0].Name)
}

func TestTransferLifecycle(t *testing.T) {
	tr := New()
	ch := tr.Subscribe()

	tr.Begin("up.bin", 1000, StatusUploading)
	tr.Progress("up.bin", 0, 1000)   // unchanged, no event
	tr.Progress("up.bin", 4, 1000)   // still 0%
	tr.Progress("up.bin", 500, 1000) // 50%
	tr.Progress("up.bin", 509, 1000) // still 50%
	tr.Progress("missing", 1, 2)     // unknown path ignored
	tr.Finish("up.bin", nil)

	evs := drain(ch)
	require.Len(t, evs, 3)
	assert.Equal(t, StatusUploading, evs[0].Record.Status)
	assert.Equal(t, 0, evs[0].Record.Progress)
	assert.Equal(t, 50, evs[1].Record.Progress)
	assert.Equal(t, StatusDone, evs[2].Record.Status)
	assert.Equal(t, 100, evs[2].Record.Progress)

	recs := tr.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "1000 B", recs[0].SizeText)
}

func TestFinishFailedKeepsProgress(t *testing.T) {
	tr := New()
	tr.Begin("f", 10, StatusDownloading)
	tr.Progress("f", 3, 10)
	tr.Finish("f", errors.New("nope"))

	r := tr.Records()[0]
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 30, r.Progress)
}

func TestSetConnected(t *testing.T) {
	tr := New()
	ch := tr.Subscribe()

	tr.SetConnected(true, "ignored")
	tr.SetConnected(true, "")
	tr.SetConnected(false, "bye")

	evs := drain(ch)
	require.Len(t, evs, 2)
	assert.Equal(t, State{Connected: true}, evs[0].State)
	assert.Equal(t, State{Reason: "bye"}, evs[1].State)
	assert.Equal(t, State{Reason: "bye"}, tr.State())
}

func TestObserveDisconnectsOnce(t *testing.T) {
	tr := New()
	tr.SetConnected(true, "")
	ch := tr.Subscribe()

	lost := &client.OpError{Op: "list", Kind: client.ErrConnectionLost}
	tr.Observe("list", nil)
	tr.Observe("download", &client.OpError{Op: "download", Kind: client.ErrNotFound})
	tr.Observe("upload", fmt.Errorf("upload: %w", lost))
	tr.Observe("list", lost)

	evs := drain(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, EventState, evs[0].Kind)
	assert.Equal(t, State{Reason: "server lost during upload"}, tr.State())
}

func TestObserveIgnoresCancellation(t *testing.T) {
	tr := New()
	tr.SetConnected(true, "")
	tr.Observe("list", &client.OpError{Op: "list", Kind: client.ErrConnectionLost, Err: context.Canceled})
	assert.True(t, tr.State().Connected)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	tr := New()
	slow := tr.Subscribe()
	for i := 0; i < subscriberBuffer*3; i++ {
		tr.Begin(fmt.Sprintf("f%d", i), int64(i), StatusUploading)
	}
	assert.Len(t, drain(slow), subscriberBuffer)
	assert.Len(t, tr.Records(), subscriberBuffer*3)
}

func TestUnsubscribe(t *testing.T) {
	tr := New()
	ch := tr.Subscribe()
	tr.Unsubscribe(ch)
	tr.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
	tr.Replace(nil) // no send on closed channel
}
