// Package unitsim emulates an air-handling unit behind a Modbus TCP server,
// speaking the same mailbox protocol the real hardware does: a written frame
// containing `=` stores a value, a written frame without one stages the
// response for the next read. It exists so the whole bridge can run end to
// end with no hardware on the bench.
package unitsim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hartwell/airbridge/kvframe"
	"github.com/simonvetter/modbus"
)

// Sim is one simulated unit. Values live in memory, keyed by device key.
type Sim struct {
	listen string
	logger *slog.Logger
	server *modbus.ModbusServer

	mu     sync.Mutex
	values map[string]string
	staged []byte // response frame for the next read
}

func New(listen string, logger *slog.Logger) *Sim {
	return &Sim{
		listen: listen,
		logger: logger,
		values: make(map[string]string),
	}
}

// SetValue seeds or overwrites the value behind a device key.
func (s *Sim) SetValue(key string, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Value returns the current value behind a device key.
func (s *Sim) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

// Start brings the Modbus TCP server up. It returns once the listener is
// accepting; connections are then served in the background until Stop.
func (s *Sim) Start() error {
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://%s", s.listen),
		Timeout:    30 * time.Second,
		MaxClients: 5,
	}, s)
	if err != nil {
		return fmt.Errorf("create modbus server: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start modbus server: %w", err)
	}

	s.server = server
	s.logger.Info("Unit simulator listening", "listen", s.listen)

	return nil
}

func (s *Sim) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// HandleHoldingRegisters implements the unit's mailbox at the fixed request
// address. Everything else on the register map is an illegal address, like
// the real units.
func (s *Sim) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.Addr != kvframe.REQUEST_ADDRESS {
		return nil, modbus.ErrIllegalDataAddress
	}

	if req.IsWrite {
		s.handleFrame(wordsToBytes(req.Args))
		return req.Args, nil
	}

	s.mu.Lock()
	out := make([]byte, int(req.Quantity)*2)
	copy(out, s.staged)
	s.mu.Unlock()

	return bytesToWords(out), nil
}

// handleFrame interprets one written frame: `key=value` stores, a bare key
// stages the percent-encoded response for the next read.
func (s *Sim) handleFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := string(frame)
	if key, _, found := strings.Cut(text, "="); found {
		value := ""
		if len(frame) > kvframe.VALUE_OFFSET {
			value = strings.Trim(string(frame[kvframe.VALUE_OFFSET:]), "\x00")
		}
		s.values[key] = value
		s.logger.Debug("Simulator stored value", "key", key, "value", value)
		return
	}

	key := strings.Trim(text, "\x00")
	s.staged = []byte(key + "=" + url.PathEscape(s.values[key]))
	s.logger.Debug("Simulator staged response", "key", key)
}

func (s *Sim) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (s *Sim) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (s *Sim) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

// Each register is a uint16; the ASCII protocol deals in the equivalent
// big-endian byte stream.
func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, word := range words {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], word)
	}
	return out
}

func bytesToWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}
