package file

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opd-ai/mixsession/engine"
)

// mockTransfer records calls and keeps the progress callbacks so tests can
// fire them.
type mockTransfer struct {
	mu         sync.Mutex
	sendErr    error
	sentCB     engine.FileSentProgressCallback
	receivedCB engine.FileReceiveProgressCallback
	periodMS   int
	lastFile   engine.FileSpec
	closed     [][]byte
	payload    []byte

	earlyProgress []byte
	async         bool
	wg            sync.WaitGroup
}

func (m *mockTransfer) Send(file []byte, _ []byte, _ float32, cb engine.FileSentProgressCallback, periodMS int) ([]byte, error) {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return nil, m.sendErr
	}
	if err := json.Unmarshal(file, &m.lastFile); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sentCB = cb
	m.periodMS = periodMS
	early, async := m.earlyProgress, m.async
	m.mu.Unlock()

	// Progress the engine reports before Send has returned the id.
	if early != nil {
		if async {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				cb.Callback(early, nil)
			}()
		} else {
			cb.Callback(early, nil)
		}
	}
	return []byte("t-1"), nil
}

func (m *mockTransfer) closedIDs() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.closed...)
}

func (m *mockTransfer) Receive(transferID []byte) ([]byte, error) {
	if m.payload == nil {
		return nil, fmt.Errorf("transfer %s incomplete", transferID)
	}
	return m.payload, nil
}

func (m *mockTransfer) RegisterReceivedProgressCallback(_ []byte, cb engine.FileReceiveProgressCallback, periodMS int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivedCB = cb
	m.periodMS = periodMS
	return nil
}

func (m *mockTransfer) CloseSend(transferID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, transferID)
	return nil
}

func sentJSON(completed bool, sent, arrived, total int) []byte {
	raw, _ := json.Marshal(engine.SentProgress{TransferID: []byte("t-1"), Completed: completed, Sent: sent, Arrived: arrived, Total: total})
	return raw
}

func receivedJSON(completed bool, received, total int) []byte {
	raw, _ := json.Marshal(engine.ReceivedProgress{TransferID: []byte("t-2"), Completed: completed, Received: received, Total: total})
	return raw
}

func syncDispatch(fn func()) { fn() }
