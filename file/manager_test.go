package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(ft *mockTransfer) *Manager {
	return NewManager(ft, Options{Dispatch: syncDispatch})
}

func TestUploadProgressIsTerminalOnce(t *testing.T) {
	ft := &mockTransfer{}
	m := newTestManager(ft)

	var events []Progress
	id, err := m.Upload(context.Background(), File{Name: "a.txt", Type: "text", Contents: []byte("hello")}, []byte{1}, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("t-1"), id)
	assert.Equal(t, 1000, ft.periodMS)
	assert.Equal(t, "a.txt", ft.lastFile.Name)

	ft.sentCB.Callback(sentJSON(false, 50, 0, 100), nil)
	ft.sentCB.Callback(sentJSON(false, 100, 80, 100), nil)
	ft.sentCB.Callback(sentJSON(true, 100, 100, 100), nil)
	ft.sentCB.Callback(sentJSON(true, 100, 100, 100), nil)
	ft.sentCB.Callback(nil, errors.New("late failure"))

	require.Len(t, events, 3)
	completed := 0
	for _, e := range events {
		if e.Completed {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.True(t, events[2].Completed)
	assert.Equal(t, 80, events[1].Arrived)
	assert.Equal(t, [][]byte{[]byte("t-1")}, ft.closed)
}

func TestUploadErrorIsTerminal(t *testing.T) {
	ft := &mockTransfer{}
	m := newTestManager(ft)

	var events []Progress
	id, err := m.Upload(context.Background(), File{Name: "a"}, []byte{1}, func(p Progress) { events = append(events, p) })
	require.NoError(t, err)
	_, ok := m.Transfer(id)
	assert.True(t, ok)

	ft.sentCB.Callback(nil, errors.New("transfer failed"))
	ft.sentCB.Callback(sentJSON(true, 1, 1, 1), nil)

	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)
	assert.Equal(t, []byte("t-1"), events[0].TransferID)
	assert.Empty(t, ft.closed)
	_, ok = m.Transfer(id)
	assert.False(t, ok, "failed uploads are forgotten")
}

func TestUploadCompletedBeforeSendReturns(t *testing.T) {
	ft := &mockTransfer{earlyProgress: sentJSON(true, 5, 5, 5)}
	m := newTestManager(ft)

	var events []Progress
	id, err := m.Upload(context.Background(), File{Name: "a"}, []byte{1}, func(p Progress) { events = append(events, p) })
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.True(t, events[0].Completed)
	assert.Equal(t, [][]byte{[]byte("t-1")}, ft.closed)
	_, ok := m.Transfer(id)
	assert.False(t, ok)
}

func TestUploadCompletionRacingRegistrationClosesOnce(t *testing.T) {
	for i := 0; i < 100; i++ {
		ft := &mockTransfer{earlyProgress: sentJSON(true, 5, 5, 5), async: true}
		logger, hook := test.NewNullLogger()
		m := NewManager(ft, Options{Dispatch: syncDispatch, Logger: logger})

		_, err := m.Upload(context.Background(), File{Name: "a"}, []byte{1}, nil)
		require.NoError(t, err)
		ft.wg.Wait()

		require.Len(t, ft.closedIDs(), 1, "iteration %d", i)
		for _, e := range hook.AllEntries() {
			assert.NotEqual(t, logrus.WarnLevel, e.Level, e.Message)
		}
	}
}

func TestUploadRejectedByEngine(t *testing.T) {
	m := newTestManager(&mockTransfer{sendErr: errors.New("no partner")})
	_, err := m.Upload(context.Background(), File{Name: "a"}, []byte{1}, nil)
	assert.EqualError(t, err, "no partner")
}

func TestUploadLimits(t *testing.T) {
	m := newTestManager(&mockTransfer{})
	_, err := m.Upload(context.Background(), File{Name: strings.Repeat("x", MaxFileNameLength+1)}, nil, nil)
	assert.ErrorIs(t, err, ErrFileNameTooLong)

	_, err = m.Upload(context.Background(), File{Name: "big", Contents: make([]byte, MaxFileSize+1)}, nil, nil)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestOfferDownloadReceive(t *testing.T) {
	ft := &mockTransfer{payload: []byte("data")}
	m := newTestManager(ft)

	tr := m.HandleOffer(engine.FileOffer{TransferID: []byte("t-2"), SenderID: []byte{4}, Name: "pic.png", Type: "image", Size: 4})
	assert.True(t, tr.IsIncoming)
	assert.Equal(t, "pic.png", tr.FileName)

	var events []Progress
	require.NoError(t, m.Download(context.Background(), []byte("t-2"), func(p Progress) { events = append(events, p) }))
	ft.receivedCB.Callback(receivedJSON(false, 2, 4), nil)
	ft.receivedCB.Callback(receivedJSON(true, 4, 4), nil)
	ft.receivedCB.Callback(receivedJSON(true, 4, 4), nil)

	require.Len(t, events, 2)
	assert.True(t, events[1].Completed)
	assert.Equal(t, 4, events[1].Transferred)

	data, err := m.Receive([]byte("t-2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
	_, ok := m.Transfer([]byte("t-2"))
	assert.False(t, ok)
}

func TestDownloadUnknownTransfer(t *testing.T) {
	m := newTestManager(&mockTransfer{})
	assert.ErrorIs(t, m.Download(context.Background(), []byte("nope"), nil), ErrUnknownTransfer)
}

func TestCancelledContextStopsForwarding(t *testing.T) {
	ft := &mockTransfer{}
	m := newTestManager(ft)
	ctx, cancel := context.WithCancel(context.Background())

	var events int
	_, err := m.Upload(ctx, File{Name: "a"}, []byte{1}, func(Progress) { events++ })
	require.NoError(t, err)
	ft.sentCB.Callback(sentJSON(false, 1, 0, 2), nil)
	cancel()
	ft.sentCB.Callback(sentJSON(true, 2, 2, 2), nil)

	assert.Equal(t, 1, events)
}

func TestValidatePath(t *testing.T) {
	_, err := ValidatePath("../etc/passwd")
	assert.ErrorIs(t, err, ErrDirectoryTraversal)

	p, err := ValidatePath("dir/./file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("dir", "file.txt"), p)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o600))

	f, err := Load(path, "text")
	require.NoError(t, err)
	assert.Equal(t, "note.txt", f.Name)
	assert.Equal(t, []byte("hi"), f.Contents)
}
