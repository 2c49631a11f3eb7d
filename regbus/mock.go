package regbus

import (
	"errors"
	"sync"
)

// Mock is a scripted in-memory Transport. Responses are consumed in the
// order they were queued, every call is recorded, and hooks allow tests to
// block or fail individual transactions. It also tracks how many
// transactions were in flight at once so serialization can be asserted.
type Mock struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	writeErr    error
	readErr     error
	writeHook   func(addr uint16, data []byte) error
	readHook    func(addr uint16, quantity uint16) ([]byte, error)
	responses   [][]byte
	writes      [][]byte
	calls       []string
	connects    int
	closes      int
	inflight    int
	maxInflight int
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.connected = false
	return nil
}

func (m *Mock) WriteRegisters(addr uint16, data []byte) error {
	m.enter("write", data)
	defer m.exit()

	m.mu.Lock()
	hook := m.writeHook
	err := m.writeErr
	m.mu.Unlock()

	if hook != nil {
		return hook(addr, data)
	}
	return err
}

func (m *Mock) ReadRegisters(addr uint16, quantity uint16) ([]byte, error) {
	m.enter("read", nil)
	defer m.exit()

	m.mu.Lock()
	hook := m.readHook
	m.mu.Unlock()

	if hook != nil {
		return hook(addr, quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mock: no scripted response left")
	}
	frame := m.responses[0]
	m.responses = m.responses[1:]

	// pad or truncate to the requested width, like a real register read
	out := make([]byte, quantity*2)
	copy(out, frame)
	return out, nil
}

// QueueResponse appends a frame to be returned by a later ReadRegisters.
func (m *Mock) QueueResponse(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, append([]byte(nil), frame...))
}

// SetConnectErr makes subsequent Connect calls fail until cleared.
func (m *Mock) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetWriteErr makes subsequent WriteRegisters calls fail until cleared.
func (m *Mock) SetWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetReadErr makes subsequent ReadRegisters calls fail until cleared.
func (m *Mock) SetReadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteHook replaces the write behaviour entirely. The hook runs outside
// the mock's lock so it may block.
func (m *Mock) SetWriteHook(hook func(addr uint16, data []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = hook
}

// SetReadHook replaces the read behaviour entirely. The hook runs outside
// the mock's lock so it may block.
func (m *Mock) SetReadHook(hook func(addr uint16, quantity uint16) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readHook = hook
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Writes returns a copy of every frame passed to WriteRegisters, in order.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// Calls returns the transaction sequence as "write"/"read" markers.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MaxInflight returns the largest number of transactions that were ever
// outstanding at the same time.
func (m *Mock) MaxInflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

func (m *Mock) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Mock) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Mock) enter(call string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if data != nil {
		m.writes = append(m.writes, append([]byte(nil), data...))
	}
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
}

func (m *Mock) exit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
}
