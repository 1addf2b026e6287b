package mixsession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/bridge"
	"github.com/opd-ai/mixsession/config"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/delivery"
	"github.com/opd-ai/mixsession/engine"
	"github.com/opd-ai/mixsession/file"
	"github.com/opd-ai/mixsession/friendly"
	"github.com/opd-ai/mixsession/group"
	"github.com/opd-ai/mixsession/sharedkv"
	"github.com/opd-ai/mixsession/simulation"
	"github.com/opd-ai/mixsession/store"
	"github.com/opd-ai/mixsession/ud"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type harness struct {
	sim     *simulation.Engine
	session *Session
	store   *store.Memory
	shared  *sharedkv.MemoryStore
	crashes []error
	mu      sync.Mutex
}

func newHarness(t *testing.T, cfg simulation.Config, tweaks ...func(*Options)) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	if cfg.Registered == 0 && cfg.Total == 0 {
		cfg.Registered, cfg.Total = 90, 100
	}
	if cfg.GroupStatus == 0 && cfg.ResendStatus == 0 {
		cfg.GroupStatus = engine.GroupAllSucceeded
	}
	cfg.Logger = log

	h := &harness{
		sim:    simulation.NewEngine(cfg),
		store:  store.NewMemory(),
		shared: sharedkv.NewMemoryStore(),
	}
	options := NewOptions()
	options.Logger = log
	options.Store = h.store
	options.Shared = h.shared
	options.Sleep = noSleep
	options.Username = "me"
	options.Config.RestoreRate = 1000
	options.CrashReporter = friendly.CrashReporterFunc(func(err error, _ map[string]string) {
		h.mu.Lock()
		h.crashes = append(h.crashes, err)
		h.mu.Unlock()
	})
	for _, tweak := range tweaks {
		tweak(options)
	}

	s, err := New(h.sim, options)
	require.NoError(t, err)
	h.session = s
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	t.Cleanup(func() { _ = h.session.Stop() })
}

func bob() engine.ContactRecord {
	return simulation.NewContact([]byte("bob-id"), engine.Fact{Type: engine.FactUsername, Value: "bob"})
}

type noIdentity struct{ *simulation.Engine }

func (noIdentity) ReceptionID() []byte { return nil }

func TestNewRejectsInvalidSession(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = New(noIdentity{simulation.NewEngine(simulation.Config{})}, nil)
	assert.ErrorIs(t, err, ErrInvalidSession)

	options := NewOptions()
	options.Config.HealthThreshold = 2
	_, err = New(simulation.NewEngine(simulation.Config{}), options)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestStartRetriesUntilReady(t *testing.T) {
	h := newHarness(t, simulation.Config{NotReadyStarts: 3})
	var health []bool
	h.session.NetworkStatus().Subscribe(func(b bool) { health = append(health, b) })

	h.start(t)
	assert.Equal(t, 4, h.sim.CallCount("StartNetworkFollower"))
	assert.True(t, h.session.IsRunning())
	assert.True(t, h.session.IsNetworkHealthy())
	assert.Equal(t, []bool{true}, health)
}

func TestConcurrentStartStartsFollowerOnce(t *testing.T) {
	h := newHarness(t, simulation.Config{NotReadyStarts: 2})
	t.Cleanup(func() { _ = h.session.Stop() })

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.session.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, h.sim.CallCount("StartNetworkFollower"))
	assert.Equal(t, 1, h.sim.CallCount("NewGroupChat"))
	assert.True(t, h.session.IsRunning())
}

func TestStartCancelledWhileNotReady(t *testing.T) {
	h := newHarness(t, simulation.Config{NotReadyStarts: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t.Cleanup(func() { _ = h.session.Stop() })

	err := h.session.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.session.IsRunning())
}

func TestCallbacksRegisteredOnce(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, 1, h.sim.CallCount("RegisterListener"))
	assert.Equal(t, 1, h.sim.CallCount("RegisterAuthCallbacks"))
	assert.Equal(t, 1, h.sim.CallCount("NewGroupChat"))

	var got []Message
	h.session.Messages().Subscribe(func(m Message) { got = append(got, m) })
	body, err := encodePayload("hello", nil)
	require.NoError(t, err)
	h.sim.DeliverMessage(engine.ReceivedMessage{
		MessageType: engine.MessageTypeText,
		ID:          []byte("m1"),
		Sender:      []byte("bob-id"),
		Payload:     body,
	})
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}

func TestMalformedMessageIsDropped(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var got []Message
	h.session.Messages().Subscribe(func(m Message) { got = append(got, m) })

	h.sim.DeliverMessage(engine.ReceivedMessage{
		MessageType: engine.MessageTypeText,
		ID:          []byte("m1"),
		Sender:      []byte("bob-id"),
		Payload:     []byte("not json"),
	})
	h.sim.DeliverRaw(engine.MessageTypeText, []byte(`{"ID":"bTE="}`))
	assert.Empty(t, got)
}

func TestMessagesKeepEngineOrder(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var got []string
	h.session.Messages().Subscribe(func(m Message) { got = append(got, m.Text) })

	for _, text := range []string{"one", "two", "three"} {
		body, _ := encodePayload(text, nil)
		h.sim.DeliverMessage(engine.ReceivedMessage{
			MessageType: engine.MessageTypeText,
			ID:          []byte(text),
			Sender:      []byte("bob-id"),
			Payload:     body,
		})
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSendAndListenDeliveryTimedOut(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)

	report, err := h.session.Send(context.Background(), []byte("bob-id"), "hi", []byte("earlier"))
	require.NoError(t, err)
	require.Len(t, report.RoundList, 1)

	sent := h.sim.SentMessages()
	require.Len(t, sent, 1)
	p, err := decodePayload(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", p.Text)
	assert.Equal(t, []byte("earlier"), p.ReplyTo)

	ch := h.session.ListenDelivery(report)
	require.True(t, h.sim.CompleteDelivery(false, true))
	r := <-ch
	assert.Equal(t, delivery.TimedOut, r.Outcome)
	assert.False(t, r.Delivered)
	_, open := <-ch
	assert.False(t, open)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)

	_, err := h.session.Send(context.Background(), []byte("bob-id"), "", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.session.Send(context.Background(), nil, "hi", nil)
	var ferr *friendly.Error
	require.ErrorAs(t, err, &ferr)
	assert.False(t, ferr.Known)
	assert.Len(t, h.crashes, 1)
}

func TestWaitForRound(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)

	ch := h.session.WaitForRound([]int64{7})
	require.True(t, h.sim.CompleteRound(7, true, false))
	r := <-ch
	assert.True(t, r.Succeeded)
	assert.Equal(t, int64(7), r.RoundID)
}

func TestAddContactUntilFriend(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var confirmed []*contact.Contact
	h.session.Confirmations().Subscribe(func(c *contact.Contact) { confirmed = append(confirmed, c) })

	c, err := h.session.AddContact(context.Background(), contact.FromRecord(bob(), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, contact.Requested, c.AuthStatus)

	again, err := h.session.Resend(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, contact.Requested, again.AuthStatus)
	assert.Len(t, h.sim.Requested(), 2)

	h.sim.IncomingConfirmation(bob())
	h.sim.IncomingConfirmation(bob())
	require.Len(t, confirmed, 1)
	assert.Equal(t, contact.Friend, confirmed[0].AuthStatus)

	stored, err := h.store.Contact(bob().ID)
	require.NoError(t, err)
	assert.Equal(t, contact.Friend, stored.AuthStatus)
}

func TestAddContactWhileNetworkStabilizing(t *testing.T) {
	h := newHarness(t, simulation.Config{Registered: 70, Total: 100})
	h.start(t)

	c, err := h.session.AddContact(context.Background(), contact.FromRecord(bob(), time.Now()))
	var ferr *friendly.Error
	require.ErrorAs(t, err, &ferr)
	assert.True(t, ferr.Known)
	assert.Equal(t, contact.Stranger, c.AuthStatus)
	assert.Equal(t, 5, h.sim.CallCount("NodeRegistrationStatus"))
	assert.Empty(t, h.sim.Requested())
}

func TestIncomingRequestVerifyConfirm(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.sim.AddUser(bob())
	h.start(t)
	var requests []*contact.Contact
	h.session.Requests().Subscribe(func(c *contact.Contact) { requests = append(requests, c) })

	h.sim.IncomingRequest(bob())
	require.Len(t, requests, 1)
	assert.Equal(t, contact.VerificationInProgress, requests[0].AuthStatus)

	c, err := h.session.VerifyContact(context.Background(), requests[0])
	require.NoError(t, err)
	assert.Equal(t, contact.Verified, c.AuthStatus)

	c, err = h.session.ConfirmContact(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, contact.Friend, c.AuthStatus)

	var resets []*contact.Contact
	h.session.Resets().Subscribe(func(c *contact.Contact) { resets = append(resets, c) })
	h.sim.IncomingReset(bob())
	require.Len(t, resets, 1)
	assert.Equal(t, contact.Stranger, resets[0].AuthStatus)
}

func TestCreateGroupResendsOnce(t *testing.T) {
	h := newHarness(t, simulation.Config{GroupStatus: engine.GroupPartialSent, ResendStatus: engine.GroupAllSucceeded})
	h.start(t)

	g, err := h.session.CreateGroup(context.Background(), []byte("friends"), []byte("welcome"), [][]byte{[]byte("bob-id")})
	require.NoError(t, err)
	assert.Equal(t, group.Participating, g.AuthStatus)
	assert.Equal(t, 1, h.sim.CallCount("ResendRequest"))
}

func TestCreateGroupPartialFailure(t *testing.T) {
	h := newHarness(t, simulation.Config{GroupStatus: engine.GroupAllFail, ResendStatus: engine.GroupAllFail})
	h.start(t)

	g, err := h.session.CreateGroup(context.Background(), []byte("friends"), nil, [][]byte{[]byte("bob-id")})
	var partial *group.PartialFailureError
	require.ErrorAs(t, err, &partial)
	require.NotNil(t, g)
	assert.Equal(t, 1, h.sim.CallCount("ResendRequest"))
}

func TestGroupInvitationAndMessages(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var invites []*group.Group
	h.session.GroupRequests().Subscribe(func(g *group.Group) { invites = append(invites, g) })
	var msgs []GroupMessage
	h.session.GroupMessages().Subscribe(func(m GroupMessage) { msgs = append(msgs, m) })

	req := engine.GroupRequest{ID: []byte("g1"), Name: []byte("club"), LeaderID: []byte("bob-id")}
	req.Serialized, _ = json.Marshal(req)
	require.NoError(t, h.sim.InviteToGroup(req))
	require.Len(t, invites, 1)
	assert.Equal(t, group.Pending, invites[0].AuthStatus)

	g, err := h.session.JoinGroup(context.Background(), invites[0])
	require.NoError(t, err)
	assert.Equal(t, group.Participating, g.AuthStatus)

	_, err = h.session.SendGroup(context.Background(), g.ID, "hello all", nil)
	require.NoError(t, err)

	body, _ := encodePayload("hi", nil)
	require.NoError(t, h.sim.DeliverGroupMessage(engine.GroupMessage{
		GroupID: g.ID, MessageID: []byte("gm1"), SenderID: []byte("bob-id"), Payload: body,
	}, nil))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)

	require.NoError(t, h.session.LeaveGroup(context.Background(), g.ID))
	stored, err := h.store.Group(g.ID)
	require.NoError(t, err)
	assert.Equal(t, group.Hidden, stored.AuthStatus)
}

func TestFactsAndLookups(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.sim.AddUser(bob())
	h.sim.AddUser(simulation.NewContact([]byte("carol-id")))
	h.start(t)
	ctx := context.Background()

	id, err := h.session.RegisterFact(ctx, ud.Username("me"))
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = h.session.RegisterFact(ctx, ud.Email("me@example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, h.session.ConfirmFact(ctx, id, "1234"))
	assert.Len(t, h.sim.Directory().Registered(), 2)
	require.NoError(t, h.session.RemoveFact(ctx, ud.Email("me@example.com")))

	found := make(chan []*contact.Contact, 1)
	require.NoError(t, h.session.Search(ctx, ud.Username("BOB"), func(c []*contact.Contact, err error) {
		assert.NoError(t, err)
		found <- c
	}))
	select {
	case c := <-found:
		require.Len(t, c, 1)
		assert.Equal(t, []byte("bob-id"), c[0].ID)
	case <-time.After(time.Second):
		t.Fatal("search did not report")
	}

	ids := [][]byte{[]byte("bob-id"), []byte("x"), []byte("carol-id"), []byte("y"), []byte("z")}
	res, err := h.session.MultiLookup(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, res.Found, 2)
	assert.Len(t, res.Failed, 3)
}

func TestUploadAndDownload(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	ctx := context.Background()

	var progress []file.Progress
	var mu sync.Mutex
	id, err := h.session.Upload(ctx, file.File{Name: "a.txt", Type: "text", Contents: []byte("0123456789")}, []byte("bob-id"), func(p file.Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	ft := h.sim.Transfers()
	ft.Progress(id, false, 5, 0, 10)
	ft.Progress(id, false, 10, 8, 10)
	ft.Progress(id, true, 10, 10, 10)
	ft.Progress(id, true, 10, 10, 10)
	mu.Lock()
	completed := 0
	for _, p := range progress {
		if p.Completed {
			completed++
		}
	}
	mu.Unlock()
	assert.Equal(t, 1, completed)
	assert.Eventually(t, func() bool { return ft.Closed(id) }, time.Second, 5*time.Millisecond)

	var offers []file.Transfer
	h.session.IncomingTransfers().Subscribe(func(tr file.Transfer) { offers = append(offers, tr) })
	tid, err := h.sim.OfferFile([]byte("carol-id"), "b.txt", "text", []byte("payload"))
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "b.txt", offers[0].FileName)

	done := make(chan file.Progress, 1)
	require.NoError(t, h.session.Download(ctx, tid, func(p file.Progress) {
		if p.Completed {
			done <- p
		}
	}))
	require.True(t, ft.Arrive(tid))
	<-done
	body, err := h.session.Receive(tid)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)
}

func TestBackupAndRestore(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.sim.AddUser(bob())
	h.start(t)

	_, err := h.session.InitializeBackup("")
	assert.ErrorIs(t, err, backup.ErrEmptyPassphrase)

	handle, err := h.session.InitializeBackup("hunter2")
	require.NoError(t, err)
	var blobs [][]byte
	handle.Updates().Subscribe(func(b []byte) { blobs = append(blobs, b) })
	require.NoError(t, h.sim.ChangeState([]byte("contacts")))
	require.Len(t, blobs, 1)
	plain, err := backup.Decrypt("hunter2", blobs[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("contacts"), plain)

	resumed, err := h.session.ResumeBackup()
	require.NoError(t, err)
	assert.True(t, resumed.IsRunning())

	var progress []bridge.RestoreProgress
	rep, err := h.session.RestoreContacts(context.Background(),
		[][]byte{bob().ID, []byte("ghost")},
		nil,
		bridge.New(nil).RestoreProgress(func(p bridge.RestoreProgress) { progress = append(progress, p) }),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NumFound)
	assert.Equal(t, 1, rep.NumRestored)
	require.Len(t, progress, 2)
	assert.NotEmpty(t, progress[1].Err)

	stored, err := h.store.Contact(bob().ID)
	require.NoError(t, err)
	assert.Equal(t, contact.Friend, stored.AuthStatus)
}

func TestPreimagesWriteSharedState(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var seen int
	h.session.Preimages().Subscribe(func([]engine.Preimage) { seen++ })

	h.sim.RefreshPreimages([]engine.Preimage{{Data: []byte("d"), Type: "default", Source: []byte("s")}})
	assert.Equal(t, 1, seen)

	id, err := h.shared.Get(context.Background(), sharedkv.KeyReceptionID)
	require.NoError(t, err)
	assert.Equal(t, h.session.ReceptionID(), id)
	pre, err := sharedkv.ReadPreimages(context.Background(), h.shared)
	require.NoError(t, err)
	assert.Len(t, pre, 1)
}

func TestBackendEvents(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	var events []bridge.ClientError
	h.session.BackendEvents().Subscribe(func(e bridge.ClientError) { events = append(events, e) })

	h.sim.RaiseClientError("follower", "lost connection", "")
	require.Len(t, events, 1)
	assert.Equal(t, "follower", events[0].Source)
}

func TestDummyTraffic(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	assert.ErrorIs(t, h.session.SetDummyTraffic(true), ErrNotStarted)
	h.start(t)

	assert.False(t, h.session.DummyTrafficEnabled())
	require.NoError(t, h.session.SetDummyTraffic(true))
	assert.True(t, h.session.DummyTrafficEnabled())
}

func stopWithin(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(d):
		t.Fatal("Stop did not return")
	}
}

func TestMalformedLookupReplyKeepsWorkerFree(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	h.sim.Directory().SetLookupReply([]byte(`{"Facts":[]}`))

	looked := make(chan error, 1)
	require.NoError(t, h.session.Lookup(context.Background(), []byte("bob-id"), func(c *contact.Contact, err error) {
		assert.Nil(t, c)
		looked <- err
	}))
	select {
	case err := <-looked:
		assert.ErrorIs(t, err, bridge.ErrMalformedReply)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never answered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.session.Send(ctx, []byte("bob-id"), "still here", nil)
	require.NoError(t, err)

	var requests []*contact.Contact
	h.session.Requests().Subscribe(func(c *contact.Contact) { requests = append(requests, c) })
	h.sim.IncomingRequest(bob())
	require.Len(t, requests, 1)
	c, err := h.session.VerifyContact(ctx, requests[0])
	assert.ErrorIs(t, err, bridge.ErrMalformedReply)
	require.NotNil(t, c)
	assert.Equal(t, contact.VerificationFailed, c.AuthStatus)

	stopWithin(t, h.session, 2*time.Second)
}

func TestSilentDirectoryKeepsWorkerFree(t *testing.T) {
	h := newHarness(t, simulation.Config{}, func(o *Options) {
		o.Config.LookupTimeout = config.Duration{Duration: 20 * time.Millisecond}
		o.Config.UDRetries = 0
	})
	h.start(t)
	h.sim.Directory().SetSilent(true)

	looked := make(chan error, 1)
	require.NoError(t, h.session.Lookup(context.Background(), []byte("bob-id"), func(_ *contact.Contact, err error) {
		looked <- err
	}))
	_, err := h.session.MultiLookup(context.Background(), [][]byte{[]byte("bob-id")})
	assert.ErrorIs(t, err, ud.ErrLookupTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.session.Send(ctx, []byte("bob-id"), "still here", nil)
	require.NoError(t, err)

	select {
	case err := <-looked:
		assert.ErrorIs(t, err, ud.ErrLookupTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never answered")
	}
	stopWithin(t, h.session, 2*time.Second)
}

func TestStopEndsOperations(t *testing.T) {
	h := newHarness(t, simulation.Config{})
	h.start(t)
	require.NoError(t, h.session.Stop())
	assert.False(t, h.session.IsRunning())
	assert.Equal(t, 0, h.sim.NetworkFollowerStatus())

	_, err := h.session.Send(context.Background(), []byte("bob-id"), "hi", nil)
	assert.True(t, errors.Is(err, ErrNotStarted))
	require.NoError(t, h.session.Stop())
}

func TestPayloadCodec(t *testing.T) {
	_, err := encodePayload(string(make([]byte, MaxTextLength+1)), nil)
	assert.ErrorIs(t, err, ErrMessageTooLong)

	raw, err := encodePayload("hey", []byte("r"))
	require.NoError(t, err)
	p, err := decodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, payload{Text: "hey", ReplyTo: []byte("r")}, p)

	_, err = decodePayload([]byte(`{"text":""}`))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
