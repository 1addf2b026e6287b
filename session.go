package mixsession

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/config"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/delivery"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/file"
	"github.com/opd-ai/mixsession/friendly"
	"github.com/opd-ai/mixsession/group"
	"github.com/opd-ai/mixsession/health"
	"github.com/opd-ai/mixsession/metrics"
	"github.com/opd-ai/mixsession/retry"
	"github.com/opd-ai/mixsession/sharedkv"
	"github.com/opd-ai/mixsession/store"
	"github.com/opd-ai/mixsession/stream"
	"github.com/opd-ai/mixsession/ud"
	"github.com/opd-ai/mixsession/worker"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	// ErrInvalidSession is returned by New when the engine handle or the
	// local identity is missing. The session cannot function without them.
	ErrInvalidSession = errors.New("invalid session")
	// ErrNotStarted is returned by operations called before Start or after
	// Stop.
	ErrNotStarted = errors.New("session not started")
)

// Session wraps one engine instance.
type Session struct {
	eng       engine.Engine
	cfg       config.Config
	log       logrus.FieldLogger
	bridge    *bridge.Bridge
	translate *friendly.Translator
	store     Store
	shared    sharedkv.Store
	sleep     retry.Sleeper
	queue     *worker.Queue

	health   *health.Checker
	tracker  *delivery.Tracker
	contacts *contact.Protocol
	ud       *ud.Manager
	backups  *backup.Manager
	restorer *backup.Restorer

	registered atomic.Bool
	running    atomic.Bool
	// starting serializes Start so concurrent callers start the follower once.
	starting sync.Mutex

	mu     sync.RWMutex
	groups *group.Protocol
	files  *file.Manager
	dummy  engine.DummyTraffic

	networkStatus     stream.Hub[bool]
	messages          stream.Hub[Message]
	groupMessages     stream.Hub[GroupMessage]
	requests          stream.Hub[*contact.Contact]
	confirmations     stream.Hub[*contact.Contact]
	resets            stream.Hub[*contact.Contact]
	groupRequests     stream.Hub[*group.Group]
	incomingTransfers stream.Hub[file.Transfer]
	backendEvents     stream.Hub[bridge.ClientError]
	preimages         stream.Hub[[]engine.Preimage]
}

// New creates a Session over eng. A nil options selects NewOptions().
func New(eng engine.Engine, options *Options) (*Session, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidSession)
	}
	if len(eng.ReceptionID()) == 0 {
		return nil, fmt.Errorf("%w: engine has no reception identity", ErrInvalidSession)
	}
	if options == nil {
		options = NewOptions()
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	log := options.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	st := options.Store
	if st == nil {
		st = store.NewMemory()
	}
	shared := options.Shared
	if shared == nil {
		shared = sharedkv.NewMemoryStore()
	}

	cfg := options.Config
	tr := friendly.NewTranslator(options.Catalog, options.CrashReporter, log)
	queue := worker.New(log)

	checker := health.NewChecker(eng, health.Options{
		Threshold:  cfg.HealthThreshold,
		Retries:    retries(cfg.HealthRetries),
		RetryDelay: cfg.HealthRetryDelay.Duration,
		Sleep:      options.Sleep,
		Logger:     log,
	})
	contacts := contact.NewProtocol(contact.Config{
		Engine:     eng,
		Store:      st,
		Health:     checker,
		Translator: tr,
		Logger:     log,
	})
	username := options.Username
	discovery := ud.NewManager(func() (engine.UserDiscovery, error) {
		return eng.NewUserDiscovery(username)
	}, ud.Options{
		Retries:       retries(cfg.UDRetries),
		RetryDelay:    cfg.UDRetryDelay.Duration,
		LookupTimeout: cfg.LookupTimeout.Duration,
		Sleep:         options.Sleep,
		Dispatch:      queue.Go,
		Translator:    tr,
		Logger:        log,
	})

	s := &Session{
		eng:       eng,
		cfg:       cfg,
		log:       log,
		bridge:    bridge.New(log),
		translate: tr,
		store:     st,
		shared:    shared,
		sleep:     options.Sleep,
		queue:     queue,
		health:    checker,
		tracker:   delivery.NewTracker(eng, log),
		contacts:  contacts,
		ud:        discovery,
		backups:   backup.NewManager(eng, st, log),
		restorer:  backup.NewRestorer(contacts, cfg.RestoreRate, log),
	}

	log.WithFields(logrus.Fields{
		"function":     "New",
		"reception_id": shortID(eng.ReceptionID()),
	}).Info("Session created")
	return s, nil
}

// retries maps a configured count to the sub-manager convention, where zero
// selects the default and a negative value disables retries.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Start registers the engine callbacks, instantiates User Discovery, the
// group manager, the transfer manager and cover traffic, then starts the
// network follower. The follower start is retried every
// follower_retry_delay for as long as the engine reports it is not ready;
// ctx bounds the wait between attempts only. Concurrent calls are
// serialized; the later ones return nil once the first has started.
func (s *Session) Start(ctx context.Context) error {
	s.starting.Lock()
	defer s.starting.Unlock()
	if s.running.Load() {
		return nil
	}
	log := s.log.WithField("function", "Start")
	s.queue.Start()

	if err := s.registerCallbacks(); err != nil {
		return err
	}
	if err := s.ud.Start(ctx); err != nil {
		log.WithField("error", err.Error()).Error("User Discovery unavailable")
		if ctx.Err() != nil {
			return err
		}
		return s.translate.Translate("Start", err)
	}
	if err := s.startManagers(); err != nil {
		return err
	}

	attempts := 0
	err := retry.Forever(ctx, s.cfg.FollowerRetryDelay.Duration, s.sleep,
		func(err error) bool { return errors.Is(err, engine.ErrNotReady) },
		func() error {
			attempts++
			err := s.eng.StartNetworkFollower(s.cfg.FollowerTimeoutMS)
			if errors.Is(err, engine.ErrNotReady) {
				metrics.Retries.WithLabelValues("network_follower").Inc()
				log.WithField("attempt", attempts).Debug("Network follower not ready, retrying")
			}
			return err
		})
	if err != nil {
		log.WithFields(logrus.Fields{
			"attempts": attempts,
			"error":    err.Error(),
		}).Error("Network follower did not start")
		if ctx.Err() != nil {
			return err
		}
		return s.translate.Translate("Start", err)
	}

	s.running.Store(true)
	log.WithField("attempts", attempts).Info("Network follower started")
	return nil
}

// registerCallbacks hooks the session into the engine exactly once.
func (s *Session) registerCallbacks() error {
	if !s.registered.CompareAndSwap(false, true) {
		s.log.WithField("function", "registerCallbacks").Debug("Callbacks already registered")
		return nil
	}
	b := s.bridge

	s.eng.RegisterNetworkHealthCallback(b.NetworkHealth(s.onNetworkHealth))
	if err := s.eng.RegisterListener(nil, engine.MessageTypeText, b.Listener(s.onMessage)); err != nil {
		s.registered.Store(false)
		return s.translate.Translate("RegisterListener", err)
	}
	if err := s.eng.RegisterAuthCallbacks(
		b.AuthRequest(s.onRequest),
		b.AuthConfirm(s.onConfirmation),
		b.AuthReset(s.onReset),
	); err != nil {
		s.registered.Store(false)
		return s.translate.Translate("RegisterAuthCallbacks", err)
	}
	s.eng.RegisterClientErrorCallback(b.ClientError(s.onClientError))
	s.eng.TrackServices(b.Preimages(s.onPreimages))
	return nil
}

func (s *Session) startManagers() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups == nil {
		chat, err := s.eng.NewGroupChat(s.bridge.GroupRequest(s.onGroupRequest), s.bridge.GroupMessages(s.onGroupMessage))
		if err != nil {
			return s.translate.Translate("NewGroupChat", err)
		}
		s.groups = group.NewProtocol(chat, s.store, s.translate, s.log)
	}
	if s.files == nil {
		ft, err := s.eng.NewFileTransfer(s.bridge.ReceiveFile(s.onTransferOffer))
		if err != nil {
			return s.translate.Translate("NewFileTransfer", err)
		}
		s.files = file.NewManager(ft, file.Options{
			Translator: s.translate,
			Dispatch:   s.queue.Go,
			Logger:     s.log,
		})
	}
	if s.dummy == nil {
		d := s.cfg.DummyTraffic
		dummy, err := s.eng.NewDummyTraffic(d.MaxMessages, d.AvgSendDelta.Duration, d.RandomRange.Duration)
		if err != nil {
			return s.translate.Translate("NewDummyTraffic", err)
		}
		if err := dummy.SetStatus(d.Enabled); err != nil {
			return s.translate.Translate("SetDummyTraffic", err)
		}
		s.dummy = dummy
	}
	return nil
}

// Stop stops the network follower and the worker. It blocks until the
// engine threads have unwound and cannot be cancelled.
func (s *Session) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		s.queue.Stop()
		return nil
	}
	log := s.log.WithField("function", "Stop")

	s.mu.RLock()
	dummy := s.dummy
	s.mu.RUnlock()
	if dummy != nil && dummy.GetStatus() {
		if err := dummy.SetStatus(false); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to stop cover traffic")
		}
	}

	err := s.eng.StopNetworkFollower()
	s.queue.Stop()
	if err != nil {
		log.WithField("error", err.Error()).Error("Network follower did not stop cleanly")
		return s.translate.Translate("Stop", err)
	}
	log.Info("Session stopped")
	return nil
}

// IsRunning reports whether the network follower was started and not
// stopped.
func (s *Session) IsRunning() bool { return s.running.Load() }

// IsNetworkHealthy asks the engine whether the network is healthy.
func (s *Session) IsNetworkHealthy() bool { return s.eng.IsNetworkHealthy() }

// CheckNetwork runs the node-registration health check.
func (s *Session) CheckNetwork(ctx context.Context) error {
	return s.translate.Translate("CheckNetwork", s.health.Check(ctx))
}

// ReceptionID returns the local reception identity.
func (s *Session) ReceptionID() []byte { return s.eng.ReceptionID() }

// NetworkStatus streams network health changes.
func (s *Session) NetworkStatus() *stream.Hub[bool] { return &s.networkStatus }

// Messages streams inbound direct messages.
func (s *Session) Messages() *stream.Hub[Message] { return &s.messages }

// GroupMessages streams inbound group messages.
func (s *Session) GroupMessages() *stream.Hub[GroupMessage] { return &s.groupMessages }

// Requests streams new incoming contact requests.
func (s *Session) Requests() *stream.Hub[*contact.Contact] { return &s.requests }

// Confirmations streams contacts that confirmed our request.
func (s *Session) Confirmations() *stream.Hub[*contact.Contact] { return &s.confirmations }

// Resets streams contacts that reset their channel with us.
func (s *Session) Resets() *stream.Hub[*contact.Contact] { return &s.resets }

// GroupRequests streams group invitations.
func (s *Session) GroupRequests() *stream.Hub[*group.Group] { return &s.groupRequests }

// IncomingTransfers streams incoming file offers.
func (s *Session) IncomingTransfers() *stream.Hub[file.Transfer] { return &s.incomingTransfers }

// BackendEvents streams errors raised inside engine threads.
func (s *Session) BackendEvents() *stream.Hub[bridge.ClientError] { return &s.backendEvents }

// Preimages streams notification preimage refreshes.
func (s *Session) Preimages() *stream.Hub[[]engine.Preimage] { return &s.preimages }

func publish[T any](hub *stream.Hub[T], name string, v T) {
	metrics.EventsPublished.WithLabelValues(name).Inc()
	hub.Publish(v)
}

func (s *Session) onNetworkHealth(healthy bool) {
	if healthy {
		metrics.NetworkHealthy.Set(1)
	} else {
		metrics.NetworkHealthy.Set(0)
	}
	s.log.WithFields(logrus.Fields{
		"function": "onNetworkHealth",
		"healthy":  healthy,
	}).Info("Network health changed")
	publish(&s.networkStatus, "network_status", healthy)
}

func (s *Session) onMessage(m engine.ReceivedMessage) {
	msg, err := messageFrom(m)
	if err != nil {
		s.dropped("onMessage", m.ID, err)
		return
	}
	publish(&s.messages, "messages", msg)
}

func (s *Session) onGroupMessage(m engine.GroupMessage) {
	msg, err := groupMessageFrom(m)
	if err != nil {
		s.dropped("onGroupMessage", m.MessageID, err)
		return
	}
	publish(&s.groupMessages, "group_messages", msg)
}

func (s *Session) onRequest(ev bridge.AuthEvent) {
	c, ok, err := s.contacts.HandleRequest(ev)
	if err != nil {
		s.dropped("onRequest", ev.Contact.ID, err)
		return
	}
	if ok {
		publish(&s.requests, "requests", c)
	}
}

func (s *Session) onConfirmation(ev bridge.AuthEvent) {
	c, ok, err := s.contacts.HandleConfirmation(ev)
	if err != nil {
		s.dropped("onConfirmation", ev.Contact.ID, err)
		return
	}
	if ok {
		publish(&s.confirmations, "confirmations", c)
	}
}

func (s *Session) onReset(ev bridge.AuthEvent) {
	c, ok, err := s.contacts.HandleReset(ev)
	if err != nil {
		s.dropped("onReset", ev.Contact.ID, err)
		return
	}
	if ok {
		publish(&s.resets, "resets", c)
	}
}

func (s *Session) onGroupRequest(req engine.GroupRequest) {
	groups, err := s.groupProtocol()
	if err != nil {
		s.dropped("onGroupRequest", req.ID, err)
		return
	}
	g, ok, err := groups.HandleRequest(req)
	if err != nil {
		s.dropped("onGroupRequest", req.ID, err)
		return
	}
	if ok {
		publish(&s.groupRequests, "group_requests", g)
	}
}

func (s *Session) onTransferOffer(offer engine.FileOffer) {
	files, err := s.fileManager()
	if err != nil {
		s.dropped("onTransferOffer", offer.TransferID, err)
		return
	}
	publish(&s.incomingTransfers, "incoming_transfers", files.HandleOffer(offer))
}

func (s *Session) onClientError(ev bridge.ClientError) {
	s.log.WithFields(logrus.Fields{
		"function": "onClientError",
		"source":   ev.Source,
		"message":  ev.Message,
	}).Error("Engine reported an error")
	publish(&s.backendEvents, "backend_events", ev)
}

func (s *Session) onPreimages(list []engine.Preimage) {
	publish(&s.preimages, "preimages", list)
	if err := sharedkv.WriteNotificationState(context.Background(), s.shared, s.eng.ReceptionID(), list); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "onPreimages",
			"error":    err.Error(),
		}).Error("Failed to write notification state")
	}
}

func (s *Session) dropped(function string, id []byte, err error) {
	metrics.EventsDropped.WithLabelValues(function).Inc()
	s.log.WithFields(logrus.Fields{
		"function": function,
		"id":       shortID(id),
		"error":    err.Error(),
	}).Warn("Dropping engine event")
}

func (s *Session) groupProtocol() (*group.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.groups == nil {
		return nil, ErrNotStarted
	}
	return s.groups, nil
}

func (s *Session) fileManager() (*file.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.files == nil {
		return nil, ErrNotStarted
	}
	return s.files, nil
}

// call runs fn on the worker and waits for its result. When ctx is done
// first the result is discarded; fn still runs to completion.
func call[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	done := make(chan result, 1)
	if err := s.queue.Dispatch(func() {
		v, err := fn()
		done <- result{v, err}
	}); err != nil {
		return zero, ErrNotStarted
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func shortID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return hex.EncodeToString(id)
}
