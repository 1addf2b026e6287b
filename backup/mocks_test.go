package backup

import (
	"errors"
	"sync"

	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/engine"
)

type memKeys struct {
	params  *Params
	saveErr error
}

func (m *memKeys) BackupParams() (Params, error) {
	if m.params == nil {
		return Params{}, ErrNoKey
	}
	return *m.params, nil
}

func (m *memKeys) SaveBackupParams(p Params) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.params = &p
	return nil
}

type mockBackup struct{ running bool }

func (b *mockBackup) Stop() error     { b.running = false; return nil }
func (b *mockBackup) IsRunning() bool { return b.running }

// mockEngine keeps the update callback so tests can fire it.
type mockEngine struct {
	cb      engine.BackupUpdateCallback
	key     []byte
	salt    []byte
	initErr error
	started *mockBackup
}

func (e *mockEngine) InitializeBackup(key, salt []byte, cb engine.BackupUpdateCallback) (engine.Backup, error) {
	if e.initErr != nil {
		return nil, e.initErr
	}
	e.key, e.salt, e.cb = key, salt, cb
	e.started = &mockBackup{running: true}
	return e.started, nil
}

func (e *mockEngine) ResumeBackup(cb engine.BackupUpdateCallback) (engine.Backup, error) {
	e.cb = cb
	return &mockBackup{running: true}, nil
}

type memSaver struct {
	mu    sync.Mutex
	saved []*contact.Contact
	fail  map[string]bool
}

func (s *memSaver) Upsert(c *contact.Contact) (*contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[string(c.ID)] {
		return nil, errors.New("disk full")
	}
	c.AuthStatus = contact.Friend
	s.saved = append(s.saved, c)
	return c, nil
}
