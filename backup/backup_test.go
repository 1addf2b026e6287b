package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey("correct horse", salt)

	blob, err := Seal(key, salt, []byte("state"))
	require.NoError(t, err)
	assert.Equal(t, byte(1), blob[0])

	plain, err := Open(key, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), plain)

	plain, err = Decrypt("correct horse", blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), plain)

	_, err = Decrypt("wrong", blob)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey("pw", salt)
	blob, err := Seal(key, salt, []byte("x"))
	require.NoError(t, err)

	blob[1] ^= 0xFF
	_, err = Open(key, blob)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = Open(key, []byte{9, 9})
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

func TestInitializeStoresKeyAndStreamsUpdates(t *testing.T) {
	eng, keys := &mockEngine{}, &memKeys{}
	m := NewManager(eng, keys, nil)

	h, err := m.Initialize("pw")
	require.NoError(t, err)
	require.NotNil(t, keys.params)
	assert.Equal(t, eng.key, keys.params.Key)
	assert.Len(t, keys.params.Salt, SaltBytes)
	assert.True(t, h.IsRunning())

	var blobs [][]byte
	h.Updates().Subscribe(func(b []byte) { blobs = append(blobs, b) })
	eng.cb.UpdateBackup([]byte("one"))
	eng.cb.UpdateBackup([]byte("two"))

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, blobs)
	assert.Equal(t, []byte("two"), h.Latest())

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
}

func TestInitializeReDerivesKey(t *testing.T) {
	eng, keys := &mockEngine{}, &memKeys{}
	m := NewManager(eng, keys, nil)

	_, err := m.Initialize("pw")
	require.NoError(t, err)
	first := keys.params.Key
	_, err = m.Initialize("pw")
	require.NoError(t, err)
	assert.NotEqual(t, first, keys.params.Key, "fresh salt yields a fresh key")
}

func TestInitializeErrors(t *testing.T) {
	m := NewManager(&mockEngine{}, &memKeys{}, nil)
	_, err := m.Initialize("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	keys := &memKeys{}
	m = NewManager(&mockEngine{initErr: errors.New("boom")}, keys, nil)
	_, err = m.Initialize("pw")
	require.Error(t, err)
	assert.Nil(t, keys.params)
}

func TestInitializeSaveFailureStopsBackup(t *testing.T) {
	eng, keys := &mockEngine{}, &memKeys{saveErr: errors.New("disk full")}
	m := NewManager(eng, keys, nil)

	h, err := m.Initialize("pw")
	require.Error(t, err)
	assert.Nil(t, h)
	require.NotNil(t, eng.started)
	assert.False(t, eng.started.IsRunning(), "backup started before the failed save is stopped")
	assert.Equal(t, make([]byte, len(eng.key)), eng.key, "derived key is wiped")
	assert.Nil(t, keys.params)
}

func TestResume(t *testing.T) {
	eng, keys := &mockEngine{}, &memKeys{}
	m := NewManager(eng, keys, nil)

	_, err := m.Resume()
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = m.Initialize("pw")
	require.NoError(t, err)
	h, err := m.Resume()
	require.NoError(t, err)
	assert.True(t, h.IsRunning())
}

func TestRestoreReportsAfterEveryID(t *testing.T) {
	saver := &memSaver{fail: map[string]bool{"c": true}}
	r := NewRestorer(saver, 1000, nil)
	lookup := func(_ context.Context, id []byte) (engine.ContactRecord, error) {
		if string(id) == "b" {
			return engine.ContactRecord{}, errors.New("not found")
		}
		return engine.ContactRecord{ID: id, Marshaled: id}, nil
	}

	var progress []bridge.RestoreProgress
	var lookups []LookupEvent
	rep, err := r.Restore(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, lookup,
		func(ev LookupEvent) { lookups = append(lookups, ev) },
		bridge.New(nil).RestoreProgress(func(p bridge.RestoreProgress) { progress = append(progress, p) }))
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 3, rep.NumFound)
	assert.Equal(t, 2, rep.NumRestored)
	assert.Len(t, rep.Failed, 2)
	assert.Len(t, lookups, 4)

	require.Len(t, progress, 4)
	assert.Equal(t, bridge.RestoreProgress{NumFound: 1, NumRestored: 1, Total: 4}, progress[0])
	assert.Equal(t, 1, progress[1].NumFound)
	assert.Contains(t, progress[1].Err, "not found")
	assert.Equal(t, 3, progress[3].NumFound)
	assert.Equal(t, 2, progress[3].NumRestored)
}

func TestRestoreCancelled(t *testing.T) {
	r := NewRestorer(&memSaver{}, 1000, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Restore(ctx, [][]byte{[]byte("a")}, func(context.Context, []byte) (engine.ContactRecord, error) {
		return engine.ContactRecord{}, nil
	}, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
