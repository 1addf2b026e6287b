// Package ud wraps the engine's User Discovery client: fact registration,
// search and lookups.
//
// Search and Lookup are asynchronous. They run on the dispatcher the Manager
// was built with and stop forwarding results once their context is done; the
// engine call itself is never interrupted. MultiLookup partitions a batch into
// found contacts and per-id failures and never fails the batch because some
// ids could not be resolved.
package ud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/opd-ai/mixsession/retry"
	"github.com/sirupsen/logrus"
)

// Defaults for instantiation and lookups.
const (
	DefaultRetries       = 3
	DefaultRetryDelay    = time.Second
	DefaultLookupTimeout = 50 * time.Second
)

var (
	// ErrNotStarted is returned before Start succeeded.
	ErrNotStarted = errors.New("user discovery not started")
	// ErrNoConfirmation is returned when the engine did not issue a
	// confirmation id for an email or phone registration.
	ErrNoConfirmation = errors.New("no confirmation id issued")
	// ErrLookupTimeout is returned when the engine never answered a lookup.
	ErrLookupTimeout = errors.New("lookup timed out")
	// ErrWrongContact is returned when a lookup answered for another id.
	ErrWrongContact = errors.New("lookup returned a different contact")
)

// Factory creates the engine's User Discovery client.
type Factory func() (engine.UserDiscovery, error)

// Dispatcher runs fn off the calling goroutine.
type Dispatcher func(fn func())

// Translator maps engine errors to user-facing ones.
type Translator interface {
	Translate(op string, err error) error
}

type passthrough struct{}

func (passthrough) Translate(_ string, err error) error { return err }

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Retries       int
	RetryDelay    time.Duration
	LookupTimeout time.Duration
	Sleep         retry.Sleeper
	Dispatch      Dispatcher
	Translator    Translator
	Logger        logrus.FieldLogger
}

// FailedLookup is one id a lookup could not resolve.
type FailedLookup struct {
	ID  []byte
	Err string
}

// LookupResult partitions a multi-lookup.
type LookupResult struct {
	Found  []*contact.Contact
	Failed []FailedLookup
}

// Manager drives User Discovery.
type Manager struct {
	factory   Factory
	bridge    *bridge.Bridge
	translate Translator
	dispatch  Dispatcher
	policy    retry.Policy
	timeout   time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	mu     sync.RWMutex
	client engine.UserDiscovery
}

// NewManager returns a Manager that builds its client with factory on Start.
func NewManager(factory Factory, opts Options) *Manager {
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { go fn() }
	}
	if opts.Translator == nil {
		opts.Translator = passthrough{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		factory:   factory,
		bridge:    bridge.New(opts.Logger),
		translate: opts.Translator,
		dispatch:  opts.Dispatch,
		timeout:   opts.LookupTimeout,
		log:       opts.Logger,
		now:       time.Now,
		policy: retry.Policy{
			Name:     "ud",
			Attempts: opts.Retries,
			Delay:    opts.RetryDelay,
			Sleep:    opts.Sleep,
			OnRetry:  metrics.RetryObserver("ud"),
			Logger:   opts.Logger,
		},
	}
}

// Start instantiates the engine client, retrying a bounded number of times.
// It is a no-op once a client exists.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	err := m.policy.Do(ctx, func(attempt int) error {
		c, err := m.factory()
		if err != nil {
			return err
		}
		m.client = c
		return nil
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Error("Failed to start user discovery")
		return m.translate.Translate("StartUserDiscovery", err)
	}
	m.log.WithField("function", "Start").Info("User discovery started")
	return nil
}

func (m *Manager) ud() (engine.UserDiscovery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotStarted
	}
	return m.client, nil
}

func (m *Manager) timeoutMS() int { return int(m.timeout.Milliseconds()) }

// Register registers f. Email and phone return the confirmation id to pass
// to Confirm with the received code; usernames return "".
func (m *Manager) Register(ctx context.Context, f Fact) (string, error) {
	if err := validate(f); err != nil {
		return "", err
	}
	client, err := m.ud()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(f.Record())
	if err != nil {
		return "", fmt.Errorf("marshal fact: %w", err)
	}

	confirmationID, err := client.SendRegisterFact(raw)
	if err != nil {
		return "", m.translate.Translate("RegisterFact", err)
	}
	if !f.needsConfirmation() {
		return "", nil
	}
	if confirmationID == "" {
		return "", ErrNoConfirmation
	}
	m.log.WithFields(logrus.Fields{
		"function":  "Register",
		"fact_type": int(f.Record().Type),
	}).Info("Fact registration awaiting confirmation")
	return confirmationID, nil
}

// Confirm completes an email or phone registration.
func (m *Manager) Confirm(ctx context.Context, confirmationID, code string) error {
	client, err := m.ud()
	if err != nil {
		return err
	}
	if err := client.ConfirmFact(confirmationID, code); err != nil {
		return m.translate.Translate("ConfirmFact", err)
	}
	return nil
}

// Remove unregisters f.
func (m *Manager) Remove(ctx context.Context, f Fact) error {
	if err := validate(f); err != nil {
		return err
	}
	client, err := m.ud()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f.Record())
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}
	if err := client.RemoveFact(raw); err != nil {
		return m.translate.Translate("RemoveFact", err)
	}
	return nil
}

// Search finds contacts registered with f. cb is called once, from an engine
// thread or the dispatcher, unless ctx is done first. An engine that stays
// silent past the lookup timeout yields ErrLookupTimeout.
func (m *Manager) Search(ctx context.Context, f Fact, cb func([]*contact.Contact, error)) error {
	if err := validate(f); err != nil {
		return err
	}
	client, err := m.ud()
	if err != nil {
		return err
	}
	raw, err := json.Marshal([]engine.Fact{f.Record()})
	if err != nil {
		return fmt.Errorf("marshal fact: %w", err)
	}

	var once sync.Once
	reply := func(found []*contact.Contact, err error) {
		once.Do(func() {
			if ctx.Err() != nil {
				return
			}
			cb(found, err)
		})
	}

	m.dispatch(func() {
		timer := time.AfterFunc(m.timeout, func() {
			reply(nil, m.translate.Translate("Search", ErrLookupTimeout))
		})
		scb := m.bridge.Search(func(r bridge.Result[[]engine.ContactRecord]) {
			timer.Stop()
			if r.Err != nil {
				reply(nil, m.translate.Translate("Search", r.Err))
				return
			}
			found := make([]*contact.Contact, 0, len(r.Value))
			for _, rec := range r.Value {
				found = append(found, contact.FromRecord(rec, m.now()))
			}
			reply(found, nil)
		})
		if err := client.Search(raw, scb, m.timeoutMS()); err != nil {
			timer.Stop()
			reply(nil, m.translate.Translate("Search", err))
		}
	})
	return nil
}

// Lookup resolves one id asynchronously. cb is called once unless ctx is
// done first. The dispatched job only issues the engine call; the answer is
// delivered from the engine callback, or as ErrLookupTimeout when the engine
// stays silent past the lookup timeout.
func (m *Manager) Lookup(ctx context.Context, id []byte, cb func(*contact.Contact, error)) error {
	client, err := m.ud()
	if err != nil {
		return err
	}
	var once sync.Once
	reply := func(c *contact.Contact, err error) {
		once.Do(func() {
			if ctx.Err() != nil {
				return
			}
			cb(c, err)
		})
	}
	m.dispatch(func() {
		timer := time.AfterFunc(m.timeout, func() {
			reply(nil, m.translate.Translate("Lookup", ErrLookupTimeout))
		})
		lcb := m.bridge.Lookup(func(r bridge.Result[engine.ContactRecord]) {
			timer.Stop()
			rec, err := matchLookup(r, id)
			if err != nil {
				reply(nil, m.translate.Translate("Lookup", err))
				return
			}
			reply(contact.FromRecord(rec, m.now()), nil)
		})
		if err := client.Lookup(id, lcb, m.timeoutMS()); err != nil {
			timer.Stop()
			reply(nil, m.translate.Translate("Lookup", err))
		}
	})
	return nil
}

// LookupRecord resolves id, retrying failed lookups a bounded number of
// times. It blocks until a result arrives or ctx is done.
func (m *Manager) LookupRecord(ctx context.Context, id []byte) (engine.ContactRecord, error) {
	client, err := m.ud()
	if err != nil {
		return engine.ContactRecord{}, err
	}
	var rec engine.ContactRecord
	err = m.policy.Do(ctx, func(int) error {
		var lerr error
		rec, lerr = m.lookupOnce(ctx, client, id)
		if errors.Is(lerr, context.Canceled) || errors.Is(lerr, context.DeadlineExceeded) {
			return retry.Permanent(lerr)
		}
		return lerr
	})
	if err != nil {
		return engine.ContactRecord{}, m.translate.Translate("Lookup", err)
	}
	return rec, nil
}

// lookupOnce waits for the engine's answer for at most the lookup timeout so
// a lost callback never pins the caller.
func (m *Manager) lookupOnce(ctx context.Context, client engine.UserDiscovery, id []byte) (engine.ContactRecord, error) {
	results := make(chan bridge.Result[engine.ContactRecord], 1)
	lcb := m.bridge.Lookup(func(r bridge.Result[engine.ContactRecord]) {
		select {
		case results <- r:
		default:
		}
	})
	if err := client.Lookup(id, lcb, m.timeoutMS()); err != nil {
		return engine.ContactRecord{}, err
	}
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case r := <-results:
		return matchLookup(r, id)
	case <-timer.C:
		return engine.ContactRecord{}, ErrLookupTimeout
	case <-ctx.Done():
		return engine.ContactRecord{}, ctx.Err()
	}
}

func matchLookup(r bridge.Result[engine.ContactRecord], id []byte) (engine.ContactRecord, error) {
	if r.Err != nil {
		return engine.ContactRecord{}, r.Err
	}
	if !bytes.Equal(r.Value.ID, id) {
		return r.Value, ErrWrongContact
	}
	return r.Value, nil
}

// MultiLookup resolves ids in one batch. Duplicate ids are looked up once,
// and every distinct id ends up in exactly one of Found or Failed. The error
// is only set when the engine refused the batch, never answered within the
// lookup timeout, or ctx is done.
func (m *Manager) MultiLookup(ctx context.Context, ids [][]byte) (LookupResult, error) {
	ids = distinct(ids)
	if len(ids) == 0 {
		return LookupResult{}, nil
	}
	client, err := m.ud()
	if err != nil {
		return LookupResult{}, err
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return LookupResult{}, fmt.Errorf("marshal ids: %w", err)
	}

	results := make(chan bridge.Result[bridge.MultiLookup], 1)
	mcb := m.bridge.MultiLookup(func(r bridge.Result[bridge.MultiLookup]) {
		select {
		case results <- r:
		default:
		}
	})
	if err := client.MultiLookup(raw, mcb, m.timeoutMS()); err != nil {
		return LookupResult{}, m.translate.Translate("MultiLookup", err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return LookupResult{}, m.translate.Translate("MultiLookup", ErrLookupTimeout)
	case r := <-results:
		res := partition(ids, r, m.now())
		m.log.WithFields(logrus.Fields{
			"function":  "MultiLookup",
			"requested": len(ids),
			"found":     len(res.Found),
			"failed":    len(res.Failed),
		}).Info("Multi-lookup finished")
		return res, nil
	case <-ctx.Done():
		return LookupResult{}, ctx.Err()
	}
}

func distinct(ids [][]byte) [][]byte {
	seen := make(map[string]bool, len(ids))
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		k := contact.Key(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, id)
	}
	return out
}

// partition assigns every requested id to Found or Failed.
func partition(ids [][]byte, r bridge.Result[bridge.MultiLookup], now time.Time) LookupResult {
	var res LookupResult
	seen := make(map[string]bool, len(ids))
	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[contact.Key(id)] = true
	}

	for _, rec := range r.Value.Found {
		k := contact.Key(rec.ID)
		if !requested[k] || seen[k] {
			continue
		}
		seen[k] = true
		res.Found = append(res.Found, contact.FromRecord(rec, now))
	}
	for _, f := range r.Value.Failed {
		k := contact.Key(f.ID)
		if !requested[k] || seen[k] {
			continue
		}
		seen[k] = true
		res.Failed = append(res.Failed, FailedLookup{ID: append([]byte(nil), f.ID...), Err: f.Error})
	}

	reason := "not found"
	if r.Err != nil {
		reason = r.Err.Error()
	}
	for _, id := range ids {
		k := contact.Key(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		res.Failed = append(res.Failed, FailedLookup{ID: append([]byte(nil), id...), Err: reason})
	}
	return res
}

// OwnContact returns the local user's marshaled contact as UD knows it.
func (m *Manager) OwnContact() ([]byte, error) {
	client, err := m.ud()
	if err != nil {
		return nil, err
	}
	return client.GetContact()
}
