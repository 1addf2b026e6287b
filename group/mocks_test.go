package group

import (
	"encoding/json"
	"sync"
)

type mockStore struct {
	mu     sync.Mutex
	groups map[string]*Group
}

func newMockStore() *mockStore { return &mockStore{groups: make(map[string]*Group)} }

func (s *mockStore) Group(id []byte) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[Key(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (s *mockStore) SaveGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[Key(g.ID)] = g.Clone()
	return nil
}

// mockChat reports makeStatus from MakeGroup and resendStatus from
// ResendRequest.
type mockChat struct {
	makeStatus   int
	resendStatus int
	makeErr      error
	resendErr    error
	joinErr      error

	resends []string
	joined  [][]byte
	left    [][]byte
}

func report(id []byte, status int) []byte {
	raw, _ := json.Marshal(map[string]any{"Id": id, "Rounds": []int64{1}, "Status": status, "Serialized": []byte("ser")})
	return raw
}

func (c *mockChat) MakeGroup(_, _, _ []byte) ([]byte, error) {
	if c.makeErr != nil {
		return nil, c.makeErr
	}
	return report([]byte{0xAA}, c.makeStatus), nil
}

func (c *mockChat) ResendRequest(groupID []byte) ([]byte, error) {
	c.resends = append(c.resends, Key(groupID))
	if c.resendErr != nil {
		return nil, c.resendErr
	}
	return report(groupID, c.resendStatus), nil
}

func (c *mockChat) JoinGroup(serialized []byte) error {
	c.joined = append(c.joined, serialized)
	return c.joinErr
}

func (c *mockChat) LeaveGroup(groupID []byte) error {
	c.left = append(c.left, groupID)
	return nil
}

func (c *mockChat) Send(groupID, _ []byte) ([]byte, error) {
	return report(groupID, 3), nil
}
