package file

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/sirupsen/logrus"
)

// ProgressPeriod is how often the engine reports progress.
const ProgressPeriod = time.Second

// DefaultRetry is the fraction of parts the engine may resend.
const DefaultRetry float32 = 0.5

// Dispatcher runs fn off the engine's callback thread.
type Dispatcher func(fn func())

// Translator maps engine errors to user-facing ones.
type Translator interface {
	Translate(op string, err error) error
}

type passthrough struct{}

func (passthrough) Translate(_ string, err error) error { return err }

type tracked struct {
	transfer  Transfer
	direction TransferDirection
	gate      *progressGate

	// Upload bookkeeping, guarded by Manager.mu. An upload is released
	// once it is both registered and terminal, by whichever side sees that
	// second.
	registered bool
	done       bool
	failed     bool
	released   bool
}

// Manager coordinates transfers with the engine's transfer manager.
type Manager struct {
	ft        engine.FileTransfer
	bridge    *bridge.Bridge
	translate Translator
	dispatch  Dispatcher
	log       logrus.FieldLogger

	mu        sync.RWMutex
	transfers map[string]*tracked
}

// Options configures a Manager.
type Options struct {
	Translator Translator
	// Dispatch runs CloseSend after an upload completes. Defaults to a new
	// goroutine.
	Dispatch Dispatcher
	Logger   logrus.FieldLogger
}

// NewManager returns a Manager over ft.
func NewManager(ft engine.FileTransfer, opts Options) *Manager {
	if opts.Translator == nil {
		opts.Translator = passthrough{}
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { go fn() }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		ft:        ft,
		bridge:    bridge.New(opts.Logger),
		translate: opts.Translator,
		dispatch:  opts.Dispatch,
		log:       opts.Logger,
		transfers: make(map[string]*tracked),
	}
}

func key(id []byte) string { return hex.EncodeToString(id) }

// Upload sends f to recipient and returns the transfer id. onProgress
// receives every update up to and including the terminal one.
func (m *Manager) Upload(ctx context.Context, f File, recipient []byte, onProgress func(Progress)) ([]byte, error) {
	if len(f.Name) > MaxFileNameLength {
		return nil, ErrFileNameTooLong
	}
	if len(f.Contents) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := json.Marshal(engine.FileSpec{Name: f.Name, Type: f.Type, Preview: f.Preview, Contents: f.Contents})
	if err != nil {
		return nil, fmt.Errorf("marshal file: %w", err)
	}

	t := &tracked{direction: TransferDirectionOutgoing}
	t.gate = newProgressGate(func(p Progress) {
		if ctx.Err() == nil && onProgress != nil {
			onProgress(p)
		}
	})

	cb := m.bridge.SentProgress(func(r bridge.Result[engine.SentProgress]) {
		m.onSent(t, r)
	})

	m.log.WithFields(logrus.Fields{
		"function":  "Upload",
		"file_name": f.Name,
		"file_size": len(f.Contents),
	}).Info("Starting upload")

	// The engine may report progress before Send returns, so the record is
	// registered under the id as soon as it is known.
	id, err := m.ft.Send(spec, recipient, DefaultRetry, cb, int(ProgressPeriod.Milliseconds()))
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function":  "Upload",
			"file_name": f.Name,
			"error":     err.Error(),
		}).Error("Engine refused upload")
		return nil, m.translate.Translate("Upload", err)
	}

	m.mu.Lock()
	t.transfer = Transfer{
		TransferID: append([]byte(nil), id...),
		ContactID:  append([]byte(nil), recipient...),
		FileName:   f.Name,
		FileType:   f.Type,
		Size:       len(f.Contents),
		Preview:    f.Preview,
	}
	m.transfers[key(id)] = t
	t.registered = true
	m.mu.Unlock()

	m.release(t)
	return id, nil
}

func (m *Manager) onSent(t *tracked, r bridge.Result[engine.SentProgress]) {
	p := Progress{
		TransferID:  r.Value.TransferID,
		Completed:   r.Value.Completed,
		Transferred: r.Value.Sent,
		Arrived:     r.Value.Arrived,
		Total:       r.Value.Total,
		Err:         r.Err,
	}
	if len(p.TransferID) == 0 {
		m.mu.RLock()
		p.TransferID = t.transfer.TransferID
		m.mu.RUnlock()
	}
	delivered, terminal := t.gate.forward(p)
	if !delivered {
		m.log.WithFields(logrus.Fields{
			"function":    "onSent",
			"transfer_id": shortID(p.TransferID),
		}).Debug("Dropping progress after terminal update")
		return
	}
	if !terminal {
		return
	}
	m.finished(TransferDirectionOutgoing, p)

	m.mu.Lock()
	t.done = true
	t.failed = p.Err != nil
	m.mu.Unlock()
	m.release(t)
}

// release closes a completed upload or forgets a failed one, at most once.
func (m *Manager) release(t *tracked) {
	m.mu.Lock()
	if t.released || !t.registered || !t.done {
		m.mu.Unlock()
		return
	}
	t.released = true
	id := t.transfer.TransferID
	failed := t.failed
	if failed {
		delete(m.transfers, key(id))
	}
	m.mu.Unlock()

	if !failed {
		m.closeSend(id)
	}
}

func (m *Manager) closeSend(id []byte) {
	m.dispatch(func() {
		if err := m.CloseSend(id); err != nil {
			m.log.WithFields(logrus.Fields{
				"function":    "closeSend",
				"transfer_id": shortID(id),
				"error":       err.Error(),
			}).Warn("Failed to close completed upload")
		}
	})
}

// CloseSend releases a completed upload.
func (m *Manager) CloseSend(id []byte) error {
	m.mu.Lock()
	_, ok := m.transfers[key(id)]
	delete(m.transfers, key(id))
	m.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}
	return m.ft.CloseSend(id)
}

// HandleOffer records an incoming offer.
func (m *Manager) HandleOffer(offer engine.FileOffer) Transfer {
	t := Transfer{
		TransferID: append([]byte(nil), offer.TransferID...),
		ContactID:  append([]byte(nil), offer.SenderID...),
		FileName:   offer.Name,
		FileType:   offer.Type,
		Size:       offer.Size,
		Preview:    offer.Preview,
		IsIncoming: true,
	}
	m.mu.Lock()
	m.transfers[key(offer.TransferID)] = &tracked{
		transfer:  t,
		direction: TransferDirectionIncoming,
		gate:      newProgressGate(nil),
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function":    "HandleOffer",
		"transfer_id": shortID(offer.TransferID),
		"sender_id":   shortID(offer.SenderID),
		"file_name":   offer.Name,
		"file_size":   offer.Size,
	}).Info("Incoming transfer offered")
	return t
}

// Download follows the pull of an offered transfer.
func (m *Manager) Download(ctx context.Context, id []byte, onProgress func(Progress)) error {
	gate := newProgressGate(func(p Progress) {
		if ctx.Err() == nil && onProgress != nil {
			onProgress(p)
		}
	})
	m.mu.Lock()
	t, ok := m.transfers[key(id)]
	if ok && t.direction == TransferDirectionIncoming {
		t.gate = gate
	}
	m.mu.Unlock()
	if !ok || t.direction != TransferDirectionIncoming {
		return ErrUnknownTransfer
	}

	cb := m.bridge.ReceivedProgress(func(r bridge.Result[engine.ReceivedProgress]) {
		p := Progress{
			TransferID:  id,
			Completed:   r.Value.Completed,
			Transferred: r.Value.Received,
			Total:       r.Value.Total,
			Err:         r.Err,
		}
		if delivered, terminal := gate.forward(p); delivered && terminal {
			m.finished(TransferDirectionIncoming, p)
		}
	})
	if err := m.ft.RegisterReceivedProgressCallback(id, cb, int(ProgressPeriod.Milliseconds())); err != nil {
		return m.translate.Translate("Download", err)
	}
	return nil
}

// Receive returns the payload of a completed incoming transfer.
func (m *Manager) Receive(id []byte) ([]byte, error) {
	data, err := m.ft.Receive(id)
	if err != nil {
		return nil, m.translate.Translate("Receive", err)
	}
	m.mu.Lock()
	delete(m.transfers, key(id))
	m.mu.Unlock()
	return data, nil
}

// Transfer returns a known transfer.
func (m *Manager) Transfer(id []byte) (Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[key(id)]
	if !ok {
		return Transfer{}, false
	}
	return t.transfer, true
}

func (m *Manager) finished(dir TransferDirection, p Progress) {
	result := "completed"
	if p.Err != nil {
		result = "error"
	}
	metrics.TransfersCompleted.WithLabelValues(dir.String(), result).Inc()
	m.log.WithFields(logrus.Fields{
		"function":    "finished",
		"transfer_id": shortID(p.TransferID),
		"direction":   dir.String(),
		"result":      result,
	}).Info("Transfer finished")
}

func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return key(id)
}
