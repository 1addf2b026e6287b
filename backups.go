package mixsession

import (
	"context"
	"errors"

	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/engine"
)

// InitializeBackup starts an encrypted backup under a key derived from
// passphrase. The handle's update stream fires on every re-encryption.
func (s *Session) InitializeBackup(passphrase string) (*backup.Handle, error) {
	h, err := s.backups.Initialize(passphrase)
	return h, s.backupError("InitializeBackup", err)
}

// ResumeBackup restarts the backup with the stored key.
func (s *Session) ResumeBackup() (*backup.Handle, error) {
	h, err := s.backups.Resume()
	return h, s.backupError("ResumeBackup", err)
}

// backupError translates engine errors and leaves local ones alone.
func (s *Session) backupError(op string, err error) error {
	if err == nil || errors.Is(err, backup.ErrEmptyPassphrase) || errors.Is(err, backup.ErrNoKey) {
		return err
	}
	return s.translate.Translate(op, err)
}

// RestoreContacts looks up every id in User Discovery and stores each found
// contact as a friend. onLookup sees every lookup result; onProgress receives
// the running totals after every id. Lookups are paced at restore_rate per
// second.
func (s *Session) RestoreContacts(ctx context.Context, ids [][]byte, onLookup func(backup.LookupEvent), onProgress engine.RestoreProgressCallback) (backup.Report, error) {
	return s.restorer.Restore(ctx, ids, s.ud.LookupRecord, onLookup, onProgress)
}
