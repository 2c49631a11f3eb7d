// Package regbus moves raw register frames to and from the unit's Modbus TCP
// gateway. It hides the underlying open source modbus library behind a small
// transport interface so the link logic can be exercised against a scripted
// mock.
package regbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/modbus"
)

// Transport is one persistent register-level session to the unit. The
// session supports a single outstanding transaction: WriteRegisters and
// ReadRegisters must only ever be called from one goroutine at a time, which
// the link's single dispatch worker guarantees.
type Transport interface {
	Connect() error
	Close() error
	WriteRegisters(addr uint16, data []byte) error
	ReadRegisters(addr uint16, quantity uint16) ([]byte, error)
}

// ErrNotOpen is returned by transactions issued before Connect or after
// Close.
var ErrNotOpen = errors.New("transport session is not open")

// TCP is the Modbus TCP implementation of Transport. Connect builds a fresh
// handler each time, so a Close followed by a Connect fully replaces a stale
// socket.
type TCP struct {
	host    string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func NewTCP(host string, timeout time.Duration, logger *slog.Logger) *TCP {
	return &TCP{
		host:    host,
		timeout: timeout,
		logger:  logger,
	}
}

func (t *TCP) Connect() error {
	handler := modbus.NewTCPClientHandler(t.host)
	handler.Timeout = t.timeout
	handler.SlaveID = 0x01

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", t.host, err)
	}

	t.mu.Lock()
	t.handler = handler
	t.client = modbus.NewClient(handler)
	t.mu.Unlock()

	t.logger.Info("Connected to unit gateway", "host", t.host)

	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	handler := t.handler
	t.handler = nil
	t.client = nil
	t.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler.Close()
}

func (t *TCP) WriteRegisters(addr uint16, data []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return ErrNotOpen
	}

	quantity := uint16(len(data) / 2)
	if _, err := client.WriteMultipleRegisters(addr, quantity, data); err != nil {
		return fmt.Errorf("write %d registers at %d: %w", quantity, addr, err)
	}
	return nil
}

func (t *TCP) ReadRegisters(addr uint16, quantity uint16) ([]byte, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, ErrNotOpen
	}

	data, err := client.ReadHoldingRegisters(addr, quantity)
	if err != nil {
		return nil, fmt.Errorf("read %d registers at %d: %w", quantity, addr, err)
	}
	if len(data) != int(quantity)*2 {
		return nil, fmt.Errorf("read %d registers at %d: got %d bytes, expected %d", quantity, addr, len(data), int(quantity)*2)
	}
	return data, nil
}
