package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// NetworkHealthFunc implements engine.NetworkHealthCallback.
type NetworkHealthFunc func(healthy bool)

// Callback implements engine.NetworkHealthCallback.
func (f NetworkHealthFunc) Callback(healthy bool) { f(healthy) }

// RoundCompletionFunc implements engine.RoundCompletionCallback.
type RoundCompletionFunc func(roundID int64, succeeded, timedOut bool)

// EventCallback implements engine.RoundCompletionCallback.
func (f RoundCompletionFunc) EventCallback(roundID int64, succeeded, timedOut bool) {
	f(roundID, succeeded, timedOut)
}

// MessageDeliveryFunc implements engine.MessageDeliveryCallback.
type MessageDeliveryFunc func(delivered, timedOut bool, roundResults []byte)

// EventCallback implements engine.MessageDeliveryCallback.
func (f MessageDeliveryFunc) EventCallback(delivered, timedOut bool, roundResults []byte) {
	f(delivered, timedOut, roundResults)
}

// BackupUpdateFunc implements engine.BackupUpdateCallback.
type BackupUpdateFunc func(encryptedBackup []byte)

// UpdateBackup implements engine.BackupUpdateCallback.
func (f BackupUpdateFunc) UpdateBackup(encryptedBackup []byte) { f(encryptedBackup) }

// RestoreProgressFunc implements engine.RestoreProgressCallback.
type RestoreProgressFunc func(numFound, numRestored, total int, err string)

// Callback implements engine.RestoreProgressCallback.
func (f RestoreProgressFunc) Callback(numFound, numRestored, total int, err string) {
	f(numFound, numRestored, total, err)
}

// ClientErrorFunc implements engine.ClientErrorCallback.
type ClientErrorFunc func(source, message, trace string)

// Report implements engine.ClientErrorCallback.
func (f ClientErrorFunc) Report(source, message, trace string) { f(source, message, trace) }

// NetworkHealth wraps handler, guarding it against panics.
func (b *Bridge) NetworkHealth(handler func(healthy bool)) engine.NetworkHealthCallback {
	return NetworkHealthFunc(func(healthy bool) {
		b.guard("NetworkHealth", func() { handler(healthy) })
	})
}

// RoundCompletion wraps handler, guarding it against panics.
func (b *Bridge) RoundCompletion(handler func(roundID int64, succeeded, timedOut bool)) engine.RoundCompletionCallback {
	return RoundCompletionFunc(func(roundID int64, succeeded, timedOut bool) {
		b.guard("RoundCompletion", func() { handler(roundID, succeeded, timedOut) })
	})
}

// MessageDelivery wraps handler, guarding it against panics.
func (b *Bridge) MessageDelivery(handler func(delivered, timedOut bool, roundResults []byte)) engine.MessageDeliveryCallback {
	return MessageDeliveryFunc(func(delivered, timedOut bool, roundResults []byte) {
		b.guard("MessageDelivery", func() { handler(delivered, timedOut, roundResults) })
	})
}

// BackupUpdate wraps handler, guarding it against panics. Empty blobs are
// dropped.
func (b *Bridge) BackupUpdate(handler func(encryptedBackup []byte)) engine.BackupUpdateCallback {
	return BackupUpdateFunc(func(blob []byte) {
		if len(blob) == 0 {
			b.drop("BackupUpdate", blob, errors.New("empty backup blob"))
			return
		}
		b.guard("BackupUpdate", func() { handler(blob) })
	})
}

// RestoreProgress wraps handler, guarding it against panics.
func (b *Bridge) RestoreProgress(handler func(RestoreProgress)) engine.RestoreProgressCallback {
	return RestoreProgressFunc(func(numFound, numRestored, total int, err string) {
		b.guard("RestoreProgress", func() {
			handler(RestoreProgress{NumFound: numFound, NumRestored: numRestored, Total: total, Err: err})
		})
	})
}

// ClientError wraps handler, guarding it against panics.
func (b *Bridge) ClientError(handler func(ClientError)) engine.ClientErrorCallback {
	return ClientErrorFunc(func(source, message, trace string) {
		b.guard("ClientError", func() {
			handler(ClientError{Source: source, Message: message, Trace: trace})
		})
	})
}

type listener struct {
	b       *Bridge
	handler func(engine.ReceivedMessage)
}

// Listener adapts handler to engine.Listener.
func (b *Bridge) Listener(handler func(engine.ReceivedMessage)) engine.Listener {
	return &listener{b: b, handler: handler}
}

func (l *listener) Hear(item []byte) {
	msg, err := decode(item, validateMessage)
	if err != nil {
		l.b.drop("Listener", item, err)
		return
	}
	l.b.guard("Listener", func() { l.handler(msg) })
}

type authCallback struct {
	b       *Bridge
	name    string
	handler func(AuthEvent)
}

func (a *authCallback) deliver(contact, receptionID []byte, ephemeralID, roundID int64) {
	rec, err := decode(contact, validateContact)
	if err != nil {
		a.b.drop(a.name, contact, err)
		return
	}
	a.b.log.WithFields(logrus.Fields{
		"function":   a.name,
		"contact_id": shortID(rec.ID),
		"round_id":   roundID,
	}).Debug("Auth callback received")

	a.b.guard(a.name, func() {
		a.handler(AuthEvent{
			Contact:     rec,
			ReceptionID: receptionID,
			EphemeralID: ephemeralID,
			RoundID:     roundID,
		})
	})
}

type authRequest struct{ authCallback }

func (a *authRequest) Request(contact, receptionID []byte, ephemeralID, roundID int64) {
	a.deliver(contact, receptionID, ephemeralID, roundID)
}

type authConfirm struct{ authCallback }

func (a *authConfirm) Confirm(contact, receptionID []byte, ephemeralID, roundID int64) {
	a.deliver(contact, receptionID, ephemeralID, roundID)
}

type authReset struct{ authCallback }

func (a *authReset) Reset(contact, receptionID []byte, ephemeralID, roundID int64) {
	a.deliver(contact, receptionID, ephemeralID, roundID)
}

// AuthRequest adapts handler to engine.AuthRequestCallback.
func (b *Bridge) AuthRequest(handler func(AuthEvent)) engine.AuthRequestCallback {
	return &authRequest{authCallback{b: b, name: "AuthRequest", handler: handler}}
}

// AuthConfirm adapts handler to engine.AuthConfirmCallback.
func (b *Bridge) AuthConfirm(handler func(AuthEvent)) engine.AuthConfirmCallback {
	return &authConfirm{authCallback{b: b, name: "AuthConfirm", handler: handler}}
}

// AuthReset adapts handler to engine.AuthResetCallback.
func (b *Bridge) AuthReset(handler func(AuthEvent)) engine.AuthResetCallback {
	return &authReset{authCallback{b: b, name: "AuthReset", handler: handler}}
}

type groupRequest struct {
	b       *Bridge
	handler func(engine.GroupRequest)
}

// GroupRequest adapts handler to engine.GroupRequestCallback.
func (b *Bridge) GroupRequest(handler func(engine.GroupRequest)) engine.GroupRequestCallback {
	return &groupRequest{b: b, handler: handler}
}

func (g *groupRequest) Callback(request []byte) {
	req, err := decode(request, validateGroupRequest)
	if err != nil {
		g.b.drop("GroupRequest", request, err)
		return
	}
	g.b.guard("GroupRequest", func() { g.handler(req) })
}

type groupProcessor struct {
	b       *Bridge
	handler func(engine.GroupMessage)
}

// GroupMessages adapts handler to engine.GroupMessageProcessor. Messages the
// engine failed to decrypt are logged and dropped.
func (b *Bridge) GroupMessages(handler func(engine.GroupMessage)) engine.GroupMessageProcessor {
	return &groupProcessor{b: b, handler: handler}
}

func (g *groupProcessor) Process(decrypted []byte, err error) {
	if err != nil {
		g.b.drop("GroupMessages", decrypted, err)
		return
	}
	msg, err := decode(decrypted, validateGroupMessage)
	if err != nil {
		g.b.drop("GroupMessages", decrypted, err)
		return
	}
	g.b.guard("GroupMessages", func() { g.handler(msg) })
}

type udSearch struct {
	b       *Bridge
	handler func(Result[[]engine.ContactRecord])
}

// Search adapts handler to engine.UdSearchCallback. Engine errors and
// undecodable replies are forwarded in the Result; a search always gets its
// answer.
func (b *Bridge) Search(handler func(Result[[]engine.ContactRecord])) engine.UdSearchCallback {
	return &udSearch{b: b, handler: handler}
}

func (s *udSearch) Callback(contactList []byte, err error) {
	var res Result[[]engine.ContactRecord]
	if err != nil {
		res.Err = err
	} else if res.Value, res.Err = decode(contactList, validateContacts); res.Err != nil {
		s.b.drop("Search", contactList, res.Err)
		res = Result[[]engine.ContactRecord]{Err: fmt.Errorf("%w: %v", ErrMalformedReply, res.Err)}
	}
	s.b.guard("Search", func() { s.handler(res) })
}

type udLookup struct {
	b       *Bridge
	handler func(Result[engine.ContactRecord])
}

// Lookup adapts handler to engine.UdLookupCallback. Engine errors and
// undecodable replies are forwarded in the Result.
func (b *Bridge) Lookup(handler func(Result[engine.ContactRecord])) engine.UdLookupCallback {
	return &udLookup{b: b, handler: handler}
}

func (l *udLookup) Callback(contact []byte, err error) {
	var res Result[engine.ContactRecord]
	if err != nil {
		res.Err = err
	} else if res.Value, res.Err = decode(contact, validateContact); res.Err != nil {
		l.b.drop("Lookup", contact, res.Err)
		res = Result[engine.ContactRecord]{Err: fmt.Errorf("%w: %v", ErrMalformedReply, res.Err)}
	}
	l.b.guard("Lookup", func() { l.handler(res) })
}

type udMultiLookup struct {
	b       *Bridge
	handler func(Result[MultiLookup])
}

// MultiLookup adapts handler to engine.UdMultiLookupCallback. A native error
// alongside partial results is forwarded with whatever did decode; individual
// malformed records are skipped rather than failing the batch.
func (b *Bridge) MultiLookup(handler func(Result[MultiLookup])) engine.UdMultiLookupCallback {
	return &udMultiLookup{b: b, handler: handler}
}

func (m *udMultiLookup) Callback(contactList, failedIDs []byte, err error) {
	res := Result[MultiLookup]{Err: err}

	if len(contactList) > 0 {
		var raw []json.RawMessage
		if jerr := json.Unmarshal(contactList, &raw); jerr != nil {
			m.b.drop("MultiLookup", contactList, jerr)
		}
		for _, item := range raw {
			rec, derr := decode(item, validateContact)
			if derr != nil {
				m.b.drop("MultiLookup", item, derr)
				continue
			}
			res.Value.Found = append(res.Value.Found, rec)
		}
	}
	if len(failedIDs) > 0 {
		if jerr := json.Unmarshal(failedIDs, &res.Value.Failed); jerr != nil {
			m.b.drop("MultiLookup", failedIDs, jerr)
		}
	}

	m.b.guard("MultiLookup", func() { m.handler(res) })
}

type preimages struct {
	b       *Bridge
	handler func([]engine.Preimage)
}

// Preimages adapts handler to engine.PreimageCallback.
func (b *Bridge) Preimages(handler func([]engine.Preimage)) engine.PreimageCallback {
	return &preimages{b: b, handler: handler}
}

func (p *preimages) Callback(list []byte, err error) {
	if err != nil {
		p.b.drop("Preimages", list, err)
		return
	}
	v, err := decode[[]engine.Preimage](list, nil)
	if err != nil {
		p.b.drop("Preimages", list, err)
		return
	}
	p.b.guard("Preimages", func() { p.handler(v) })
}

type sentProgress struct {
	b       *Bridge
	handler func(Result[engine.SentProgress])
}

// SentProgress adapts handler to engine.FileSentProgressCallback. A
// transfer error is forwarded in the Result.
func (b *Bridge) SentProgress(handler func(Result[engine.SentProgress])) engine.FileSentProgressCallback {
	return &sentProgress{b: b, handler: handler}
}

func (s *sentProgress) Callback(progress []byte, err error) {
	res := Result[engine.SentProgress]{Err: err}
	if err == nil {
		if res.Value, res.Err = decode[engine.SentProgress](progress, nil); res.Err != nil {
			s.b.drop("SentProgress", progress, res.Err)
			return
		}
	}
	s.b.guard("SentProgress", func() { s.handler(res) })
}

type receivedProgress struct {
	b       *Bridge
	handler func(Result[engine.ReceivedProgress])
}

// ReceivedProgress adapts handler to engine.FileReceiveProgressCallback.
func (b *Bridge) ReceivedProgress(handler func(Result[engine.ReceivedProgress])) engine.FileReceiveProgressCallback {
	return &receivedProgress{b: b, handler: handler}
}

func (r *receivedProgress) Callback(progress []byte, err error) {
	res := Result[engine.ReceivedProgress]{Err: err}
	if err == nil {
		if res.Value, res.Err = decode[engine.ReceivedProgress](progress, nil); res.Err != nil {
			r.b.drop("ReceivedProgress", progress, res.Err)
			return
		}
	}
	r.b.guard("ReceivedProgress", func() { r.handler(res) })
}

type receiveFile struct {
	b       *Bridge
	handler func(engine.FileOffer)
}

// ReceiveFile adapts handler to engine.ReceiveFileCallback.
func (b *Bridge) ReceiveFile(handler func(engine.FileOffer)) engine.ReceiveFileCallback {
	return &receiveFile{b: b, handler: handler}
}

func (r *receiveFile) Callback(offer []byte, err error) {
	if err != nil {
		r.b.drop("ReceiveFile", offer, err)
		return
	}
	o, err := decode(offer, validateOffer)
	if err != nil {
		r.b.drop("ReceiveFile", offer, err)
		return
	}
	r.b.guard("ReceiveFile", func() { r.handler(o) })
}
