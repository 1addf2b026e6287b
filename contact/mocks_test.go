package contact

import (
	"context"
	"errors"
	"sync"
)

type mockStore struct {
	mu       sync.Mutex
	contacts map[string]*Contact
	saves    []AuthStatus
}

func newMockStore() *mockStore {
	return &mockStore{contacts: make(map[string]*Contact)}
}

func (s *mockStore) Contact(id []byte) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[Key(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *mockStore) SaveContact(c *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.Key()] = c.Clone()
	s.saves = append(s.saves, c.AuthStatus)
	return nil
}

func (s *mockStore) status(id []byte) AuthStatus {
	c, err := s.Contact(id)
	if err != nil {
		return Stranger
	}
	return c.AuthStatus
}

type mockEngine struct {
	mu          sync.Mutex
	requests    int
	confirms    int
	resets      int
	requestErr  error
	confirmErr  error
	ownershipOK bool
	lastFacts   []byte
}

func (e *mockEngine) RequestAuthenticatedChannel(_, myFacts []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests++
	e.lastFacts = myFacts
	return 7, e.requestErr
}

func (e *mockEngine) ConfirmAuthenticatedChannel(_ []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirms++
	return 8, e.confirmErr
}

func (e *mockEngine) ResetAuthenticatedChannel(_ []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	return 9, nil
}

func (e *mockEngine) VerifyOwnership(_, _ []byte) (bool, error) {
	return e.ownershipOK, nil
}

type mockHealth struct {
	calls int
	errs  []error
}

func (h *mockHealth) Check(context.Context) error {
	i := h.calls
	h.calls++
	if i < len(h.errs) {
		return h.errs[i]
	}
	return nil
}

var errStabilizing = errors.New("network still stabilizing")
