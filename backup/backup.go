// Package backup manages the engine's encrypted backup and the contact
// restore that follows a backup import.
//
// Initialize derives a fresh key from a passphrase and hands it to the
// engine; Resume restarts the engine's backup with the stored key. Either
// returns a Handle whose Updates hub fires with a new encrypted blob every
// time the engine re-encrypts its state.
package backup

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/stream"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoKey is returned by Resume when no backup was initialized.
	ErrNoKey = errors.New("no backup key stored")
	// ErrEmptyPassphrase is returned by Initialize.
	ErrEmptyPassphrase = errors.New("backup passphrase is empty")
)

// Params is the persisted backup key.
type Params struct {
	Key  []byte
	Salt []byte
}

// KeyStore persists Params.
type KeyStore interface {
	// BackupParams returns ErrNoKey when nothing is stored.
	BackupParams() (Params, error)
	SaveBackupParams(p Params) error
}

// Engine is the subset of engine.Engine that starts backups.
type Engine interface {
	InitializeBackup(key, salt []byte, cb engine.BackupUpdateCallback) (engine.Backup, error)
	ResumeBackup(cb engine.BackupUpdateCallback) (engine.Backup, error)
}

// Handle is a running backup.
type Handle struct {
	updates stream.Hub[[]byte]

	mu     sync.Mutex
	backup engine.Backup
	latest []byte
}

func (h *Handle) publish(blob []byte) {
	cp := append([]byte(nil), blob...)
	h.mu.Lock()
	h.latest = cp
	h.mu.Unlock()
	h.updates.Publish(cp)
}

// Updates is the stream of encrypted blobs, one per engine update.
func (h *Handle) Updates() *stream.Hub[[]byte] { return &h.updates }

// Latest returns the most recent blob, or nil before the first update.
func (h *Handle) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Stop stops the engine backup.
func (h *Handle) Stop() error {
	h.mu.Lock()
	b := h.backup
	h.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Stop()
}

// IsRunning reports whether the engine backup is running.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	b := h.backup
	h.mu.Unlock()
	return b != nil && b.IsRunning()
}

// Manager starts backups.
type Manager struct {
	engine Engine
	keys   KeyStore
	bridge *bridge.Bridge
	log    logrus.FieldLogger
}

// NewManager returns a Manager.
func NewManager(eng Engine, keys KeyStore, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{engine: eng, keys: keys, bridge: bridge.New(log), log: log}
}

// Initialize derives a new key from passphrase, stores it and starts the
// engine backup.
func (m *Manager) Initialize(passphrase string) (*Handle, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	params := Params{Key: DeriveKey(passphrase, salt), Salt: salt}

	h := &Handle{}
	b, err := m.engine.InitializeBackup(params.Key, params.Salt, m.bridge.BackupUpdate(h.publish))
	if err != nil {
		zero(params.Key)
		return nil, fmt.Errorf("initialize backup: %w", err)
	}
	if err := m.keys.SaveBackupParams(params); err != nil {
		// No Handle will own b.
		if serr := b.Stop(); serr != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Initialize",
				"error":    serr.Error(),
			}).Warn("Failed to stop orphaned backup")
		}
		zero(params.Key)
		return nil, fmt.Errorf("save backup key: %w", err)
	}
	h.mu.Lock()
	h.backup = b
	h.mu.Unlock()

	m.log.WithField("function", "Initialize").Info("Backup initialized")
	return h, nil
}

// Resume restarts the engine backup with the stored key.
func (m *Manager) Resume() (*Handle, error) {
	if _, err := m.keys.BackupParams(); err != nil {
		if errors.Is(err, ErrNoKey) {
			return nil, err
		}
		return nil, fmt.Errorf("load backup key: %w", err)
	}

	h := &Handle{}
	b, err := m.engine.ResumeBackup(m.bridge.BackupUpdate(h.publish))
	if err != nil {
		return nil, fmt.Errorf("resume backup: %w", err)
	}
	h.mu.Lock()
	h.backup = b
	h.mu.Unlock()

	m.log.WithField("function", "Resume").Info("Backup resumed")
	return h, nil
}
