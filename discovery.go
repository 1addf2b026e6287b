package mixsession

import (
	"context"

	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/ud"
)

// RegisterFact registers f with User Discovery. Usernames register
// immediately and return an empty id; emails and phone numbers return the
// confirmation id to pass to ConfirmFact with the code the user received.
func (s *Session) RegisterFact(ctx context.Context, f ud.Fact) (string, error) {
	return call(ctx, s, func() (string, error) {
		return s.ud.Register(ctx, f)
	})
}

// ConfirmFact completes the registration started by RegisterFact.
func (s *Session) ConfirmFact(ctx context.Context, confirmationID, code string) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.ud.Confirm(ctx, confirmationID, code)
	})
	return err
}

// RemoveFact unregisters f.
func (s *Session) RemoveFact(ctx context.Context, f ud.Fact) error {
	_, err := call(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.ud.Remove(ctx, f)
	})
	return err
}

// Search finds users who registered f. cb is called once from an engine
// thread, or with ud.ErrLookupTimeout when the engine stays silent past
// lookup_timeout, unless ctx is done first.
func (s *Session) Search(ctx context.Context, f ud.Fact, cb func([]*contact.Contact, error)) error {
	return s.ud.Search(ctx, f, cb)
}

// Lookup resolves one user id. cb is called once unless ctx is done first;
// a malformed answer arrives as an error wrapping bridge.ErrMalformedReply.
func (s *Session) Lookup(ctx context.Context, id []byte, cb func(*contact.Contact, error)) error {
	return s.ud.Lookup(ctx, id, cb)
}

// MultiLookup resolves ids in one batch. Ids that could not be resolved are
// reported in the result's Failed list; they never fail the batch.
func (s *Session) MultiLookup(ctx context.Context, ids [][]byte) (ud.LookupResult, error) {
	return call(ctx, s, func() (ud.LookupResult, error) {
		return s.ud.MultiLookup(ctx, ids)
	})
}
