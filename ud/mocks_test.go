package ud

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/opd-ai/mixsession/engine"
)

// mockUD answers lookups from a table of known contacts.
type mockUD struct {
	mu          sync.Mutex
	known       map[string]engine.ContactRecord
	registered  []engine.Fact
	removed     []engine.Fact
	confirmed   map[string]string
	lookupCalls int
	lookupFails int
	multiErr    error
	searchErr   error
	// lookupReply, when set, is sent verbatim instead of the known record.
	lookupReply []byte
	// silent engines accept calls and never answer them.
	silent      bool
	multiIDs    [][]byte
}

func newMockUD(records ...engine.ContactRecord) *mockUD {
	m := &mockUD{known: make(map[string]engine.ContactRecord), confirmed: make(map[string]string)}
	for _, r := range records {
		m.known[string(r.ID)] = r
	}
	return m
}

func (m *mockUD) SendRegisterFact(raw []byte) (string, error) {
	var f engine.Fact
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.registered = append(m.registered, f)
	m.mu.Unlock()
	if f.Type == engine.FactUsername {
		return "", nil
	}
	return "confirm-" + f.Value, nil
}

func (m *mockUD) ConfirmFact(id, code string) error {
	if code != "1234" {
		return errors.New("invalid confirmation code")
	}
	m.confirmed[id] = code
	return nil
}

func (m *mockUD) RemoveFact(raw []byte) error {
	var f engine.Fact
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	m.removed = append(m.removed, f)
	return nil
}

func (m *mockUD) Search(raw []byte, cb engine.UdSearchCallback, _ int) error {
	if m.silent {
		return nil
	}
	if m.searchErr != nil {
		cb.Callback(nil, m.searchErr)
		return nil
	}
	var facts []engine.Fact
	if err := json.Unmarshal(raw, &facts); err != nil {
		return err
	}
	var out []engine.ContactRecord
	for _, rec := range m.known {
		for _, f := range rec.Facts {
			if f == facts[0] {
				out = append(out, rec)
			}
		}
	}
	payload, _ := json.Marshal(out)
	cb.Callback(payload, nil)
	return nil
}

func (m *mockUD) Lookup(id []byte, cb engine.UdLookupCallback, _ int) error {
	m.mu.Lock()
	m.lookupCalls++
	fail := m.lookupCalls <= m.lookupFails
	rec, ok := m.known[string(id)]
	reply, silent := m.lookupReply, m.silent
	m.mu.Unlock()

	switch {
	case silent:
		return nil
	case reply != nil:
		cb.Callback(reply, nil)
		return nil
	}
	if fail || !ok {
		cb.Callback(nil, errors.New("lookup timed out"))
		return nil
	}
	payload, _ := json.Marshal(rec)
	cb.Callback(payload, nil)
	return nil
}

func (m *mockUD) MultiLookup(raw []byte, cb engine.UdMultiLookupCallback, _ int) error {
	var ids [][]byte
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}
	m.mu.Lock()
	m.multiIDs = ids
	silent := m.silent
	m.mu.Unlock()
	if silent {
		return nil
	}
	var found []engine.ContactRecord
	var failed []engine.FailedLookupRecord
	for _, id := range ids {
		if rec, ok := m.known[string(id)]; ok {
			found = append(found, rec)
		} else if m.multiErr == nil {
			failed = append(failed, engine.FailedLookupRecord{ID: id, Error: "no such user"})
		}
	}
	f, _ := json.Marshal(found)
	x, _ := json.Marshal(failed)
	cb.Callback(f, x, m.multiErr)
	return nil
}

func (m *mockUD) GetContact() ([]byte, error) { return []byte("me"), nil }

func syncDispatch(fn func()) { fn() }
