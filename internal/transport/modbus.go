// Package transport performs the actual Modbus TCP reads for the poller.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	mb "github.com/goburrow/modbus"

	"meter-gateway/internal/meter"
)

// Kind classifies a transport failure.
type Kind int

const (
	ConnectionFailed Kind = iota
	Timeout
	ProtocolError
	InvalidResponseLength
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol error"
	case InvalidResponseLength:
		return "invalid response length"
	}
	return "unknown"
}

// Error is a classified transport failure. The message ends up verbatim in
// the meter's Status field, so it names the device it came from.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Modbus reads registers over Modbus TCP. Each read opens its own
// connection and closes it after, matching the one-shot access pattern of
// slow field meters; the handler timeout bounds a read against a dead
// device.
type Modbus struct {
	Timeout time.Duration
}

const defaultTimeout = 5 * time.Second

// Read performs one device read described by the definition and returns the
// raw register bytes, two per word.
func (m *Modbus) Read(def meter.Definition) ([]byte, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	h := mb.NewTCPClientHandler(def.Address())
	h.Timeout = timeout
	h.SlaveId = def.SlaveID
	if err := h.Connect(); err != nil {
		return nil, classify(err, ConnectionFailed, "connect %s: %v", def.Address(), err)
	}
	defer h.Close()

	client := mb.NewClient(h)
	var (
		data []byte
		err  error
	)
	switch def.Function {
	case 3:
		data, err = client.ReadHoldingRegisters(def.Register, uint16(def.WordCount))
	case 4:
		data, err = client.ReadInputRegisters(def.Register, uint16(def.WordCount))
	default:
		return nil, &Error{Kind: ProtocolError, Message: fmt.Sprintf("unsupported function code %d", def.Function)}
	}
	if err != nil {
		return nil, classify(err, ProtocolError, "read %s register %d: %v", def.Address(), def.Register, err)
	}
	if len(data) != def.WordCount*2 {
		return nil, &Error{
			Kind:    InvalidResponseLength,
			Message: fmt.Sprintf("read %s register %d: got %d bytes, want %d", def.Address(), def.Register, len(data), def.WordCount*2),
		}
	}
	return data, nil
}

// classify maps library and network errors onto the transport taxonomy.
func classify(err error, fallback Kind, format string, args ...any) *Error {
	kind := fallback
	var netErr net.Error
	var mbErr *mb.ModbusError
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	case errors.As(err, &mbErr):
		kind = ProtocolError
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
