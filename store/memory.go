// Package store provides the in-memory local store used by the CLI and
// tests. Applications supply their own persistent implementation of the
// contact.Store, group.Store and backup.KeyStore interfaces.
package store

import (
	"sort"
	"sync"

	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/contact"
	"github.com/opd-ai/mixsession/group"
)

// Memory implements contact.Store, group.Store and backup.KeyStore.
type Memory struct {
	mu       sync.RWMutex
	contacts map[string]*contact.Contact
	groups   map[string]*group.Group
	params   *backup.Params
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		contacts: make(map[string]*contact.Contact),
		groups:   make(map[string]*group.Group),
	}
}

// Contact implements contact.Store.
func (m *Memory) Contact(id []byte) (*contact.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[contact.Key(id)]
	if !ok {
		return nil, contact.ErrNotFound
	}
	return c.Clone(), nil
}

// SaveContact implements contact.Store.
func (m *Memory) SaveContact(c *contact.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.Key()] = c.Clone()
	return nil
}

// Contacts returns every contact with status, ordered by creation time.
func (m *Memory) Contacts(status contact.AuthStatus) []*contact.Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contact.Contact
	for _, c := range m.contacts {
		if c.AuthStatus == status {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Group implements group.Store.
func (m *Memory) Group(id []byte) (*group.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[group.Key(id)]
	if !ok {
		return nil, group.ErrNotFound
	}
	return g.Clone(), nil
}

// SaveGroup implements group.Store.
func (m *Memory) SaveGroup(g *group.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.Key(g.ID)] = g.Clone()
	return nil
}

// BackupParams implements backup.KeyStore.
func (m *Memory) BackupParams() (backup.Params, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.params == nil {
		return backup.Params{}, backup.ErrNoKey
	}
	return backup.Params{
		Key:  append([]byte(nil), m.params.Key...),
		Salt: append([]byte(nil), m.params.Salt...),
	}, nil
}

// SaveBackupParams implements backup.KeyStore.
func (m *Memory) SaveBackupParams(p backup.Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = &backup.Params{
		Key:  append([]byte(nil), p.Key...),
		Salt: append([]byte(nil), p.Salt...),
	}
	return nil
}
