package simulation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// Config scripts the simulated engine.
type Config struct {
	// ReceptionID is the local identity. A random one is used when empty.
	ReceptionID []byte
	// NotReadyStarts is the number of StartNetworkFollower calls that
	// return engine.ErrNotReady before one succeeds.
	NotReadyStarts int
	// Registered and Total are reported by NodeRegistrationStatus.
	Registered int
	Total      int
	// GroupStatus and ResendStatus are reported by MakeGroup and ResendRequest.
	GroupStatus  int
	ResendStatus int
	// Async makes the engine answer deliveries, requests and uploads on its
	// own goroutines after Latency.
	Async   bool
	Latency time.Duration
	Logger  logrus.FieldLogger
}

type listener struct {
	sender      []byte
	messageType int
	l           engine.Listener
}

// Engine is a simulated engine.Engine.
type Engine struct {
	cfg Config
	log logrus.FieldLogger

	mu            sync.Mutex
	calls         []string
	starts        int
	following     bool
	healthy       bool
	round         int64
	healthCBs     []engine.NetworkHealthCallback
	listeners     []listener
	authRequest   engine.AuthRequestCallback
	authConfirm   engine.AuthConfirmCallback
	authReset     engine.AuthResetCallback
	clientErrors  []engine.ClientErrorCallback
	preimageCBs   []engine.PreimageCallback
	deliveries    []engine.MessageDeliveryCallback
	roundWaits    []engine.RoundCompletionCallback
	requested     [][]byte
	confirmed     [][]byte
	resets        [][]byte
	ownership     bool
	sent          []Sent
	ud            *UserDiscovery
	groups        *GroupChat
	transfers     *FileTransfer
	dummy         *DummyTraffic
	backupKey     []byte
	backupSalt    []byte
	backupCB      engine.BackupUpdateCallback
	backupRunning bool
}

// NewContact returns a contact record whose Marshaled form is understood by
// the simulated engine.
func NewContact(id []byte, facts ...engine.Fact) engine.ContactRecord {
	rec := engine.ContactRecord{ID: id, Facts: facts}
	rec.Marshaled, _ = json.Marshal(engine.ContactRecord{ID: id, Facts: facts})
	return rec
}

// Sent records one SendE2E call.
type Sent struct {
	MessageType int
	Recipient   []byte
	Payload     []byte
	Report      engine.SendReport
}

// NewEngine returns a simulated engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if len(cfg.ReceptionID) == 0 {
		id := uuid.New()
		cfg.ReceptionID = id[:]
	}
	cfg.Logger.WithFields(logrus.Fields{
		"function":   "NewEngine",
		"registered": cfg.Registered,
		"total":      cfg.Total,
		"async":      cfg.Async,
	}).Warn("SIMULATED ENGINE - NOT A REAL NETWORK")

	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		ownership: true,
		ud:        newUserDiscovery(),
	}
}

func (e *Engine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

// Calls returns the names of the engine methods called so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CallCount returns how often method was called.
func (e *Engine) CallCount(method string) int {
	n := 0
	for _, c := range e.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (e *Engine) later(fn func()) {
	if !e.cfg.Async {
		return
	}
	go func() {
		if e.cfg.Latency > 0 {
			time.Sleep(e.cfg.Latency)
		}
		fn()
	}()
}

// ReceptionID implements engine.Engine.
func (e *Engine) ReceptionID() []byte { return append([]byte(nil), e.cfg.ReceptionID...) }

// StartNetworkFollower implements engine.Engine.
func (e *Engine) StartNetworkFollower(timeoutMS int) error {
	e.record("StartNetworkFollower")
	e.mu.Lock()
	e.starts++
	if e.starts <= e.cfg.NotReadyStarts {
		e.mu.Unlock()
		return engine.ErrNotReady
	}
	e.following = true
	e.mu.Unlock()

	e.SetHealthy(true)
	return nil
}

// StopNetworkFollower implements engine.Engine.
func (e *Engine) StopNetworkFollower() error {
	e.record("StopNetworkFollower")
	e.mu.Lock()
	e.following = false
	e.mu.Unlock()
	e.SetHealthy(false)
	return nil
}

// NetworkFollowerStatus implements engine.Engine: 0 stopped, 2 running.
func (e *Engine) NetworkFollowerStatus() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.following {
		return 2
	}
	return 0
}

// IsNetworkHealthy implements engine.Engine.
func (e *Engine) IsNetworkHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// NodeRegistrationStatus implements engine.Engine.
func (e *Engine) NodeRegistrationStatus() ([]byte, error) {
	e.record("NodeRegistrationStatus")
	e.mu.Lock()
	r := engine.NodeRegistrationReport{Registered: e.cfg.Registered, Total: e.cfg.Total}
	e.mu.Unlock()
	return json.Marshal(r)
}

// SetNodeRegistration changes the reported node registration.
func (e *Engine) SetNodeRegistration(registered, total int) {
	e.mu.Lock()
	e.cfg.Registered, e.cfg.Total = registered, total
	e.mu.Unlock()
}

// RegisterNetworkHealthCallback implements engine.Engine.
func (e *Engine) RegisterNetworkHealthCallback(cb engine.NetworkHealthCallback) int64 {
	e.record("RegisterNetworkHealthCallback")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthCBs = append(e.healthCBs, cb)
	return int64(len(e.healthCBs))
}

// SetHealthy fires the network health callbacks.
func (e *Engine) SetHealthy(healthy bool) {
	e.mu.Lock()
	e.healthy = healthy
	cbs := append([]engine.NetworkHealthCallback(nil), e.healthCBs...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb.Callback(healthy)
	}
}

// RegisterListener implements engine.Engine.
func (e *Engine) RegisterListener(senderID []byte, messageType int, l engine.Listener) error {
	e.record("RegisterListener")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener{sender: senderID, messageType: messageType, l: l})
	return nil
}

// DeliverMessage fires the listeners registered for m's type.
func (e *Engine) DeliverMessage(m engine.ReceivedMessage) {
	raw, _ := json.Marshal(m)
	e.DeliverRaw(m.MessageType, raw)
}

// DeliverRaw fires the listeners for messageType with an arbitrary payload.
func (e *Engine) DeliverRaw(messageType int, raw []byte) {
	e.mu.Lock()
	var targets []engine.Listener
	for _, l := range e.listeners {
		if l.messageType == messageType {
			targets = append(targets, l.l)
		}
	}
	e.mu.Unlock()
	for _, l := range targets {
		l.Hear(raw)
	}
}

// RegisterAuthCallbacks implements engine.Engine.
func (e *Engine) RegisterAuthCallbacks(req engine.AuthRequestCallback, conf engine.AuthConfirmCallback, reset engine.AuthResetCallback) error {
	e.record("RegisterAuthCallbacks")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authRequest, e.authConfirm, e.authReset = req, conf, reset
	return nil
}

func (e *Engine) nextRound() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.round++
	return e.round
}

// IncomingRequest fires the auth request callback.
func (e *Engine) IncomingRequest(c engine.ContactRecord) {
	e.mu.Lock()
	cb := e.authRequest
	e.mu.Unlock()
	if cb != nil {
		raw, _ := json.Marshal(c)
		cb.Request(raw, e.ReceptionID(), 0, e.nextRound())
	}
}

// IncomingConfirmation fires the auth confirm callback.
func (e *Engine) IncomingConfirmation(c engine.ContactRecord) {
	e.mu.Lock()
	cb := e.authConfirm
	e.mu.Unlock()
	if cb != nil {
		raw, _ := json.Marshal(c)
		cb.Confirm(raw, e.ReceptionID(), 0, e.nextRound())
	}
}

// IncomingReset fires the auth reset callback.
func (e *Engine) IncomingReset(c engine.ContactRecord) {
	e.mu.Lock()
	cb := e.authReset
	e.mu.Unlock()
	if cb != nil {
		raw, _ := json.Marshal(c)
		cb.Reset(raw, e.ReceptionID(), 0, e.nextRound())
	}
}

// RegisterClientErrorCallback implements engine.Engine.
func (e *Engine) RegisterClientErrorCallback(cb engine.ClientErrorCallback) {
	e.record("RegisterClientErrorCallback")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clientErrors = append(e.clientErrors, cb)
}

// RaiseClientError fires the client error callbacks.
func (e *Engine) RaiseClientError(source, message, trace string) {
	e.mu.Lock()
	cbs := append([]engine.ClientErrorCallback(nil), e.clientErrors...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb.Report(source, message, trace)
	}
}

// TrackServices implements engine.Engine.
func (e *Engine) TrackServices(cb engine.PreimageCallback) {
	e.record("TrackServices")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preimageCBs = append(e.preimageCBs, cb)
}

// RefreshPreimages fires the preimage callbacks.
func (e *Engine) RefreshPreimages(list []engine.Preimage) {
	raw, _ := json.Marshal(list)
	e.mu.Lock()
	cbs := append([]engine.PreimageCallback(nil), e.preimageCBs...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb.Callback(raw, nil)
	}
}

// SendE2E implements engine.Engine.
func (e *Engine) SendE2E(messageType int, recipientID, payload []byte) ([]byte, error) {
	e.record("SendE2E")
	if len(recipientID) == 0 {
		return nil, fmt.Errorf("invalid recipient id")
	}
	round := e.nextRound()
	msgID := make([]byte, 8)
	binary.BigEndian.PutUint64(msgID, uint64(round))
	report := engine.SendReport{
		RoundList: []int64{round},
		RoundURL:  fmt.Sprintf("https://dashboard.example/rounds/%d", round),
		MessageID: msgID,
		Timestamp: time.Now().UnixNano(),
	}
	e.mu.Lock()
	e.sent = append(e.sent, Sent{MessageType: messageType, Recipient: recipientID, Payload: payload, Report: report})
	e.mu.Unlock()
	return json.Marshal(report)
}

// SentMessages returns every SendE2E call.
func (e *Engine) SentMessages() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.sent...)
}

// WaitForMessageDelivery implements engine.Engine. In Async mode the message
// is reported delivered after Latency.
func (e *Engine) WaitForMessageDelivery(sendReport []byte, cb engine.MessageDeliveryCallback, timeoutMS int) error {
	e.record("WaitForMessageDelivery")
	var r engine.SendReport
	if err := json.Unmarshal(sendReport, &r); err != nil {
		return fmt.Errorf("invalid send report: %w", err)
	}
	e.mu.Lock()
	e.deliveries = append(e.deliveries, cb)
	e.mu.Unlock()
	e.later(func() { cb.EventCallback(true, false, []byte(`{}`)) })
	return nil
}

// CompleteDelivery fires the oldest pending delivery callback.
func (e *Engine) CompleteDelivery(delivered, timedOut bool) bool {
	e.mu.Lock()
	if len(e.deliveries) == 0 {
		e.mu.Unlock()
		return false
	}
	cb := e.deliveries[0]
	e.deliveries = e.deliveries[1:]
	e.mu.Unlock()
	cb.EventCallback(delivered, timedOut, []byte(`{}`))
	return true
}

// WaitForRoundResult implements engine.Engine.
func (e *Engine) WaitForRoundResult(roundList []byte, cb engine.RoundCompletionCallback, timeoutMS int) error {
	e.record("WaitForRoundResult")
	var rounds []int64
	if err := json.Unmarshal(roundList, &rounds); err != nil {
		return fmt.Errorf("invalid round list: %w", err)
	}
	e.mu.Lock()
	e.roundWaits = append(e.roundWaits, cb)
	e.mu.Unlock()
	if len(rounds) > 0 {
		last := rounds[len(rounds)-1]
		e.later(func() { cb.EventCallback(last, true, false) })
	}
	return nil
}

// CompleteRound fires the oldest pending round callback.
func (e *Engine) CompleteRound(roundID int64, succeeded, timedOut bool) bool {
	e.mu.Lock()
	if len(e.roundWaits) == 0 {
		e.mu.Unlock()
		return false
	}
	cb := e.roundWaits[0]
	e.roundWaits = e.roundWaits[1:]
	e.mu.Unlock()
	cb.EventCallback(roundID, succeeded, timedOut)
	return true
}

// RequestAuthenticatedChannel implements engine.Engine. In Async mode the
// partner confirms after Latency.
func (e *Engine) RequestAuthenticatedChannel(partner, myFacts []byte) (int64, error) {
	e.record("RequestAuthenticatedChannel")
	var rec engine.ContactRecord
	if err := json.Unmarshal(partner, &rec); err != nil || len(rec.ID) == 0 {
		return 0, fmt.Errorf("invalid contact")
	}
	rec = NewContact(rec.ID, rec.Facts...)
	e.mu.Lock()
	e.requested = append(e.requested, partner)
	e.mu.Unlock()
	e.later(func() { e.IncomingConfirmation(rec) })
	return e.nextRound(), nil
}

// ConfirmAuthenticatedChannel implements engine.Engine.
func (e *Engine) ConfirmAuthenticatedChannel(partner []byte) (int64, error) {
	e.record("ConfirmAuthenticatedChannel")
	e.mu.Lock()
	e.confirmed = append(e.confirmed, partner)
	e.mu.Unlock()
	return e.nextRound(), nil
}

// ResetAuthenticatedChannel implements engine.Engine.
func (e *Engine) ResetAuthenticatedChannel(partner []byte) (int64, error) {
	e.record("ResetAuthenticatedChannel")
	e.mu.Lock()
	e.resets = append(e.resets, partner)
	e.mu.Unlock()
	return e.nextRound(), nil
}

// SetOwnershipVerified scripts VerifyOwnership.
func (e *Engine) SetOwnershipVerified(ok bool) {
	e.mu.Lock()
	e.ownership = ok
	e.mu.Unlock()
}

// VerifyOwnership implements engine.Engine.
func (e *Engine) VerifyOwnership(received, verified []byte) (bool, error) {
	e.record("VerifyOwnership")
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownership, nil
}

// Requested returns the marshaled partners of every channel request.
func (e *Engine) Requested() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.requested...)
}
