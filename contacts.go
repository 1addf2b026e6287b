package mixsession

import (
	"context"
	"encoding/json"

	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/engine"
	"github.com/sirupsen/logrus"
)

// AddContact requests an authenticated channel with c, sharing the facts
// registered with User Discovery. The first request of a session waits for
// the node-registration health check. Failures are returned as friendly
// errors and are not retried; the contact is left RequestFailed so the
// caller can offer Resend.
func (s *Session) AddContact(ctx context.Context, c *contact.Contact) (*contact.Contact, error) {
	return call(ctx, s, func() (*contact.Contact, error) {
		return s.contacts.Request(ctx, c, s.ownFacts())
	})
}

// Resend repeats the channel request for c. Calling it repeatedly ends in the
// same state as calling it once.
func (s *Session) Resend(ctx context.Context, c *contact.Contact) (*contact.Contact, error) {
	return call(ctx, s, func() (*contact.Contact, error) {
		return s.contacts.Resend(ctx, c, s.ownFacts())
	})
}

// VerifyContact checks an incoming request against the identity User
// Discovery holds for the sender.
func (s *Session) VerifyContact(ctx context.Context, c *contact.Contact) (*contact.Contact, error) {
	return call(ctx, s, func() (*contact.Contact, error) {
		return s.contacts.Verify(ctx, c, s.ud.LookupRecord)
	})
}

// ConfirmContact accepts an incoming request.
func (s *Session) ConfirmContact(ctx context.Context, c *contact.Contact) (*contact.Contact, error) {
	return call(ctx, s, func() (*contact.Contact, error) {
		return s.contacts.Confirm(ctx, c)
	})
}

// ResetContact re-keys the channel with a friend.
func (s *Session) ResetContact(ctx context.Context, c *contact.Contact) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.contacts.Reset(ctx, c)
	})
	return err
}

// ownFacts returns the facts User Discovery publishes for the local user.
func (s *Session) ownFacts() []engine.Fact {
	raw, err := s.ud.OwnContact()
	if err != nil {
		return nil
	}
	var rec engine.ContactRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "ownFacts",
			"error":    err.Error(),
		}).Warn("Own contact is malformed, sending no facts")
		return nil
	}
	return rec.Facts
}
