package simulation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// ErrNoBackup is returned by ResumeBackup before InitializeBackup ran.
var ErrNoBackup = errors.New("no backup initialized")

// UserDiscovery is a simulated directory.
type UserDiscovery struct {
	mu         sync.Mutex
	users      []engine.ContactRecord
	registered []engine.Fact
	pending    map[string]engine.Fact
	own        engine.ContactRecord
	reply      []byte
	silent     bool
}

func newUserDiscovery() *UserDiscovery {
	return &UserDiscovery{pending: make(map[string]engine.Fact)}
}

// AddUser publishes rec in the simulated directory.
func (e *Engine) AddUser(rec engine.ContactRecord) {
	e.ud.mu.Lock()
	defer e.ud.mu.Unlock()
	e.ud.users = append(e.ud.users, rec)
}

// Directory returns the simulated UD client, valid before NewUserDiscovery.
func (e *Engine) Directory() *UserDiscovery { return e.ud }

// NewUserDiscovery implements engine.Engine.
func (e *Engine) NewUserDiscovery(username string) (engine.UserDiscovery, error) {
	e.record("NewUserDiscovery")
	e.ud.mu.Lock()
	defer e.ud.mu.Unlock()
	e.ud.own = engine.ContactRecord{
		ID:        e.ReceptionID(),
		Marshaled: e.ReceptionID(),
	}
	if username != "" {
		e.ud.own.Facts = []engine.Fact{{Type: engine.FactUsername, Value: username}}
	}
	return e.ud, nil
}

// SetLookupReply makes every later Lookup answer with raw verbatim, which
// lets tests feed malformed records through the callback. nil restores the
// directory answers.
func (u *UserDiscovery) SetLookupReply(raw []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reply = raw
}

// SetSilent makes Search, Lookup and MultiLookup accept the request and never
// call back.
func (u *UserDiscovery) SetSilent(silent bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.silent = silent
}

// Registered returns the confirmed facts.
func (u *UserDiscovery) Registered() []engine.Fact {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]engine.Fact(nil), u.registered...)
}

// SendRegisterFact implements engine.UserDiscovery. Usernames register
// immediately; other facts wait for ConfirmFact with any non-empty code.
func (u *UserDiscovery) SendRegisterFact(raw []byte) (string, error) {
	var f engine.Fact
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("invalid fact: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if f.Type == engine.FactUsername {
		u.registered = append(u.registered, f)
		return "", nil
	}
	id := uuid.NewString()
	u.pending[id] = f
	return id, nil
}

// ConfirmFact implements engine.UserDiscovery.
func (u *UserDiscovery) ConfirmFact(confirmationID, code string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	f, ok := u.pending[confirmationID]
	if !ok {
		return fmt.Errorf("unknown confirmation id %q", confirmationID)
	}
	if code == "" {
		return errors.New("invalid confirmation code")
	}
	delete(u.pending, confirmationID)
	u.registered = append(u.registered, f)
	return nil
}

// RemoveFact implements engine.UserDiscovery.
func (u *UserDiscovery) RemoveFact(raw []byte) error {
	var f engine.Fact
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("invalid fact: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, r := range u.registered {
		if r == f {
			u.registered = append(u.registered[:i], u.registered[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("fact %q not registered", f.Value)
}

// Search implements engine.UserDiscovery. A user matches when any of its
// facts equals any searched fact, case-insensitively.
func (u *UserDiscovery) Search(factList []byte, cb engine.UdSearchCallback, timeoutMS int) error {
	var facts []engine.Fact
	if err := json.Unmarshal(factList, &facts); err != nil {
		return fmt.Errorf("invalid fact list: %w", err)
	}
	u.mu.Lock()
	if u.silent {
		u.mu.Unlock()
		return nil
	}
	var found []engine.ContactRecord
	for _, rec := range u.users {
		if matches(rec, facts) {
			found = append(found, rec)
		}
	}
	u.mu.Unlock()

	if len(found) == 0 {
		cb.Callback(nil, errors.New("no contacts found in search"))
		return nil
	}
	raw, _ := json.Marshal(found)
	cb.Callback(raw, nil)
	return nil
}

func matches(rec engine.ContactRecord, facts []engine.Fact) bool {
	for _, have := range rec.Facts {
		for _, want := range facts {
			if have.Type == want.Type && strings.EqualFold(have.Value, want.Value) {
				return true
			}
		}
	}
	return false
}

func (u *UserDiscovery) find(id []byte) (engine.ContactRecord, bool) {
	for _, rec := range u.users {
		if bytes.Equal(rec.ID, id) {
			return rec, true
		}
	}
	return engine.ContactRecord{}, false
}

// Lookup implements engine.UserDiscovery.
func (u *UserDiscovery) Lookup(userID []byte, cb engine.UdLookupCallback, timeoutMS int) error {
	u.mu.Lock()
	rec, ok := u.find(userID)
	reply, silent := u.reply, u.silent
	u.mu.Unlock()
	switch {
	case silent:
		return nil
	case reply != nil:
		cb.Callback(reply, nil)
		return nil
	}
	if !ok {
		cb.Callback(nil, errors.New("user not found"))
		return nil
	}
	raw, _ := json.Marshal(rec)
	cb.Callback(raw, nil)
	return nil
}

// MultiLookup implements engine.UserDiscovery.
func (u *UserDiscovery) MultiLookup(idList []byte, cb engine.UdMultiLookupCallback, timeoutMS int) error {
	var ids [][]byte
	if err := json.Unmarshal(idList, &ids); err != nil {
		return fmt.Errorf("invalid id list: %w", err)
	}
	found := []engine.ContactRecord{}
	failed := []engine.FailedLookupRecord{}
	u.mu.Lock()
	if u.silent {
		u.mu.Unlock()
		return nil
	}
	for _, id := range ids {
		if rec, ok := u.find(id); ok {
			found = append(found, rec)
		} else {
			failed = append(failed, engine.FailedLookupRecord{ID: id, Error: "user not found"})
		}
	}
	u.mu.Unlock()
	rawFound, _ := json.Marshal(found)
	rawFailed, _ := json.Marshal(failed)
	cb.Callback(rawFound, rawFailed, nil)
	return nil
}

// GetContact implements engine.UserDiscovery.
func (u *UserDiscovery) GetContact() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return json.Marshal(u.own)
}

// GroupChat is a simulated group manager.
type GroupChat struct {
	e         *Engine
	requests  engine.GroupRequestCallback
	processor engine.GroupMessageProcessor

	mu      sync.Mutex
	groups  map[string]engine.GroupRequest
	joined  map[string]bool
	resends int
	sent    []engine.GroupMessage
}

// NewGroupChat implements engine.Engine.
func (e *Engine) NewGroupChat(requests engine.GroupRequestCallback, processor engine.GroupMessageProcessor) (engine.GroupChat, error) {
	e.record("NewGroupChat")
	g := &GroupChat{
		e:         e,
		requests:  requests,
		processor: processor,
		groups:    make(map[string]engine.GroupRequest),
		joined:    make(map[string]bool),
	}
	e.mu.Lock()
	e.groups = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) groupChat() *GroupChat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups
}

// InviteToGroup fires the group request callback.
func (e *Engine) InviteToGroup(req engine.GroupRequest) error {
	g := e.groupChat()
	if g == nil {
		return errors.New("group chat not started")
	}
	g.mu.Lock()
	g.groups[string(req.ID)] = req
	g.mu.Unlock()
	raw, _ := json.Marshal(req)
	g.requests.Callback(raw)
	return nil
}

// DeliverGroupMessage fires the group message processor.
func (e *Engine) DeliverGroupMessage(m engine.GroupMessage, err error) error {
	g := e.groupChat()
	if g == nil {
		return errors.New("group chat not started")
	}
	raw, _ := json.Marshal(m)
	g.processor.Process(raw, err)
	return nil
}

// Resends returns how often ResendRequest was called.
func (g *GroupChat) Resends() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resends
}

// Joined reports whether JoinGroup accepted the group with this id.
func (g *GroupChat) Joined(id []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.joined[string(id)]
}

// MakeGroup implements engine.GroupChat.
func (g *GroupChat) MakeGroup(membership []byte, name, description []byte) ([]byte, error) {
	g.e.record("MakeGroup")
	var members [][]byte
	if err := json.Unmarshal(membership, &members); err != nil {
		return nil, fmt.Errorf("invalid membership: %w", err)
	}
	id := uuid.New()
	req := engine.GroupRequest{
		ID:       id[:],
		Name:     name,
		LeaderID: g.e.ReceptionID(),
		Members:  members,
		Welcome:  description,
		Created:  time.Now().UnixNano(),
	}
	req.Serialized, _ = json.Marshal(req)

	g.mu.Lock()
	g.groups[string(req.ID)] = req
	g.joined[string(req.ID)] = true
	g.mu.Unlock()

	g.e.mu.Lock()
	status := g.e.cfg.GroupStatus
	g.e.mu.Unlock()
	return json.Marshal(engine.GroupReport{
		ID:         req.ID,
		RoundList:  []int64{g.e.nextRound()},
		Status:     status,
		Serialized: req.Serialized,
	})
}

// ResendRequest implements engine.GroupChat.
func (g *GroupChat) ResendRequest(groupID []byte) ([]byte, error) {
	g.e.record("ResendRequest")
	g.mu.Lock()
	req, ok := g.groups[string(groupID)]
	g.resends++
	g.mu.Unlock()
	if !ok {
		return nil, errors.New("group not found")
	}
	g.e.mu.Lock()
	status := g.e.cfg.ResendStatus
	g.e.mu.Unlock()
	return json.Marshal(engine.GroupReport{
		ID:         req.ID,
		RoundList:  []int64{g.e.nextRound()},
		Status:     status,
		Serialized: req.Serialized,
	})
}

// JoinGroup implements engine.GroupChat.
func (g *GroupChat) JoinGroup(serialized []byte) error {
	g.e.record("JoinGroup")
	var req engine.GroupRequest
	if err := json.Unmarshal(serialized, &req); err != nil {
		return fmt.Errorf("invalid serialized group: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joined[string(req.ID)] = true
	return nil
}

// LeaveGroup implements engine.GroupChat.
func (g *GroupChat) LeaveGroup(groupID []byte) error {
	g.e.record("LeaveGroup")
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.joined[string(groupID)] {
		return errors.New("not a member of group")
	}
	delete(g.joined, string(groupID))
	return nil
}

// Send implements engine.GroupChat. In Async mode the message is echoed back
// through the processor as if another member relayed it.
func (g *GroupChat) Send(groupID, message []byte) ([]byte, error) {
	g.e.record("GroupSend")
	g.mu.Lock()
	joined := g.joined[string(groupID)]
	g.mu.Unlock()
	if !joined {
		return nil, errors.New("not a member of group")
	}
	round := g.e.nextRound()
	msgID := uuid.New()
	msg := engine.GroupMessage{
		GroupID:   groupID,
		MessageID: msgID[:],
		SenderID:  g.e.ReceptionID(),
		Payload:   message,
		Timestamp: time.Now().UnixNano(),
		RoundID:   round,
	}
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	g.e.later(func() { _ = g.e.DeliverGroupMessage(msg, nil) })

	return json.Marshal(engine.GroupReport{ID: groupID, RoundList: []int64{round}, Status: engine.GroupAllSucceeded})
}

type incoming struct {
	offer    engine.FileOffer
	contents []byte
	cb       engine.FileReceiveProgressCallback
}

// FileTransfer is a simulated file transfer manager.
type FileTransfer struct {
	e       *Engine
	receive engine.ReceiveFileCallback

	mu       sync.Mutex
	outgoing map[string]engine.FileSentProgressCallback
	incoming map[string]*incoming
	closed   map[string]bool
	uploads  []engine.FileSpec
}

// NewFileTransfer implements engine.Engine.
func (e *Engine) NewFileTransfer(receive engine.ReceiveFileCallback) (engine.FileTransfer, error) {
	e.record("NewFileTransfer")
	ft := &FileTransfer{
		e:        e,
		receive:  receive,
		outgoing: make(map[string]engine.FileSentProgressCallback),
		incoming: make(map[string]*incoming),
		closed:   make(map[string]bool),
	}
	e.mu.Lock()
	e.transfers = ft
	e.mu.Unlock()
	return ft, nil
}

// Transfers returns the simulated file transfer manager once created.
func (e *Engine) Transfers() *FileTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers
}

// OfferFile announces an incoming file whose body is contents.
func (e *Engine) OfferFile(sender []byte, name, fileType string, contents []byte) ([]byte, error) {
	ft := e.Transfers()
	if ft == nil {
		return nil, errors.New("file transfer not started")
	}
	id := uuid.New()
	offer := engine.FileOffer{
		TransferID: id[:],
		SenderID:   sender,
		Name:       name,
		Type:       fileType,
		Size:       len(contents),
	}
	ft.mu.Lock()
	ft.incoming[string(offer.TransferID)] = &incoming{offer: offer, contents: contents}
	ft.mu.Unlock()
	raw, _ := json.Marshal(offer)
	ft.receive.Callback(raw, nil)
	return offer.TransferID, nil
}

// Uploads returns the files handed to Send.
func (ft *FileTransfer) Uploads() []engine.FileSpec {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]engine.FileSpec(nil), ft.uploads...)
}

// Closed reports whether CloseSend ran for id.
func (ft *FileTransfer) Closed(id []byte) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed[string(id)]
}

// Send implements engine.FileTransfer. In Async mode the upload reports
// half the parts sent, then arrival of all parts.
func (ft *FileTransfer) Send(file []byte, recipientID []byte, retry float32, cb engine.FileSentProgressCallback, periodMS int) ([]byte, error) {
	ft.e.record("FileSend")
	var spec engine.FileSpec
	if err := json.Unmarshal(file, &spec); err != nil {
		return nil, fmt.Errorf("invalid file: %w", err)
	}
	id := uuid.New()
	ft.mu.Lock()
	ft.outgoing[string(id[:])] = cb
	ft.uploads = append(ft.uploads, spec)
	ft.mu.Unlock()

	total := len(spec.Contents)
	ft.e.later(func() {
		ft.Progress(id[:], false, total/2, 0, total)
		ft.Progress(id[:], true, total, total, total)
	})
	return id[:], nil
}

// Progress fires the sent progress callback of an upload.
func (ft *FileTransfer) Progress(id []byte, completed bool, sent, arrived, total int) bool {
	ft.mu.Lock()
	cb, ok := ft.outgoing[string(id)]
	ft.mu.Unlock()
	if !ok {
		return false
	}
	raw, _ := json.Marshal(engine.SentProgress{
		TransferID: id,
		Completed:  completed,
		Sent:       sent,
		Arrived:    arrived,
		Total:      total,
	})
	cb.Callback(raw, nil)
	return true
}

// Fail fires an error on the sent progress callback of an upload.
func (ft *FileTransfer) Fail(id []byte, err error) bool {
	ft.mu.Lock()
	cb, ok := ft.outgoing[string(id)]
	ft.mu.Unlock()
	if !ok {
		return false
	}
	cb.Callback(nil, err)
	return true
}

// Receive implements engine.FileTransfer.
func (ft *FileTransfer) Receive(transferID []byte) ([]byte, error) {
	ft.e.record("FileReceive")
	ft.mu.Lock()
	defer ft.mu.Unlock()
	in, ok := ft.incoming[string(transferID)]
	if !ok {
		return nil, errors.New("unknown transfer")
	}
	return in.contents, nil
}

// RegisterReceivedProgressCallback implements engine.FileTransfer. In Async
// mode the download completes after Latency.
func (ft *FileTransfer) RegisterReceivedProgressCallback(transferID []byte, cb engine.FileReceiveProgressCallback, periodMS int) error {
	ft.e.record("RegisterReceivedProgressCallback")
	ft.mu.Lock()
	in, ok := ft.incoming[string(transferID)]
	if ok {
		in.cb = cb
	}
	ft.mu.Unlock()
	if !ok {
		return errors.New("unknown transfer")
	}
	ft.e.later(func() { ft.Arrive(transferID) })
	return nil
}

// Arrive reports every part of an incoming transfer as received.
func (ft *FileTransfer) Arrive(transferID []byte) bool {
	ft.mu.Lock()
	in, ok := ft.incoming[string(transferID)]
	ft.mu.Unlock()
	if !ok || in.cb == nil {
		return false
	}
	raw, _ := json.Marshal(engine.ReceivedProgress{
		TransferID: transferID,
		Completed:  true,
		Received:   in.offer.Size,
		Total:      in.offer.Size,
	})
	in.cb.Callback(raw, nil)
	return true
}

// CloseSend implements engine.FileTransfer.
func (ft *FileTransfer) CloseSend(transferID []byte) error {
	ft.e.record("CloseSend")
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if _, ok := ft.outgoing[string(transferID)]; !ok {
		return errors.New("unknown transfer")
	}
	delete(ft.outgoing, string(transferID))
	ft.closed[string(transferID)] = true
	return nil
}

// DummyTraffic is a simulated cover traffic generator.
type DummyTraffic struct {
	mu      sync.Mutex
	enabled bool
	Max     int
	Avg     time.Duration
	Range   time.Duration
}

// NewDummyTraffic implements engine.Engine.
func (e *Engine) NewDummyTraffic(maxMessages int, avgSendDelta, randomRange time.Duration) (engine.DummyTraffic, error) {
	e.record("NewDummyTraffic")
	if maxMessages <= 0 {
		return nil, errors.New("max messages must be positive")
	}
	d := &DummyTraffic{Max: maxMessages, Avg: avgSendDelta, Range: randomRange}
	e.mu.Lock()
	e.dummy = d
	e.mu.Unlock()
	return d, nil
}

// SetStatus implements engine.DummyTraffic.
func (d *DummyTraffic) SetStatus(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	return nil
}

// GetStatus implements engine.DummyTraffic.
func (d *DummyTraffic) GetStatus() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

type simBackup struct{ e *Engine }

func (b simBackup) Stop() error {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	b.e.backupRunning = false
	return nil
}

func (b simBackup) IsRunning() bool {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	return b.e.backupRunning
}

// InitializeBackup implements engine.Engine.
func (e *Engine) InitializeBackup(key, salt []byte, cb engine.BackupUpdateCallback) (engine.Backup, error) {
	e.record("InitializeBackup")
	if len(key) == 0 || len(salt) != backup.SaltBytes {
		return nil, errors.New("invalid backup key or salt")
	}
	e.mu.Lock()
	e.backupKey = append([]byte(nil), key...)
	e.backupSalt = append([]byte(nil), salt...)
	e.backupCB = cb
	e.backupRunning = true
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{
		"function": "InitializeBackup",
	}).Info("Simulated backup initialized")
	return simBackup{e: e}, nil
}

// ResumeBackup implements engine.Engine.
func (e *Engine) ResumeBackup(cb engine.BackupUpdateCallback) (engine.Backup, error) {
	e.record("ResumeBackup")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backupKey == nil {
		return nil, ErrNoBackup
	}
	e.backupCB = cb
	e.backupRunning = true
	return simBackup{e: e}, nil
}

// ChangeState encrypts state with the registered backup key and fires the
// backup update callback.
func (e *Engine) ChangeState(state []byte) error {
	e.mu.Lock()
	key, salt, cb, running := e.backupKey, e.backupSalt, e.backupCB, e.backupRunning
	e.mu.Unlock()
	if !running || cb == nil {
		return ErrNoBackup
	}
	blob, err := backup.Seal(key, salt, state)
	if err != nil {
		return err
	}
	cb.UpdateBackup(blob)
	return nil
}

// Dummy returns the simulated cover traffic generator once created.
func (e *Engine) Dummy() *DummyTraffic {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dummy
}
