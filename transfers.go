package mixsession

import (
	"context"

	"github.com/opd-ai/mixsession/file"
)

// Upload sends f to recipient and returns the transfer id. onProgress is
// called about once a second and exactly once with a terminal event.
func (s *Session) Upload(ctx context.Context, f file.File, recipient []byte, onProgress func(file.Progress)) ([]byte, error) {
	files, err := s.fileManager()
	if err != nil {
		return nil, err
	}
	return call(ctx, s, func() ([]byte, error) {
		return files.Upload(ctx, f, recipient, onProgress)
	})
}

// Download starts pulling an offered transfer. When onProgress reports
// completion, Receive returns the file contents.
func (s *Session) Download(ctx context.Context, transferID []byte, onProgress func(file.Progress)) error {
	files, err := s.fileManager()
	if err != nil {
		return err
	}
	return files.Download(ctx, transferID, onProgress)
}

// Receive returns the contents of a completed download.
func (s *Session) Receive(transferID []byte) ([]byte, error) {
	files, err := s.fileManager()
	if err != nil {
		return nil, err
	}
	return files.Receive(transferID)
}

// SetDummyTraffic turns cover traffic on or off.
func (s *Session) SetDummyTraffic(enabled bool) error {
	s.mu.RLock()
	dummy := s.dummy
	s.mu.RUnlock()
	if dummy == nil {
		return ErrNotStarted
	}
	return s.translate.Translate("SetDummyTraffic", dummy.SetStatus(enabled))
}

// DummyTrafficEnabled reports whether cover traffic is on.
func (s *Session) DummyTrafficEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dummy != nil && s.dummy.GetStatus()
}
