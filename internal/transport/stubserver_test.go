package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
)

// stubDevice is a minimal in-process Modbus TCP slave for exercising the
// transport against real wire frames. It answers holding and input
// register reads and raises illegal-function exceptions for anything else.
type stubDevice struct {
	listener net.Listener
	quit     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	holding []uint16
	input   []uint16
	silent  bool // accept connections but never answer
}

func newStubDevice(t *testing.T) *stubDevice {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &stubDevice{
		listener: l,
		quit:     make(chan struct{}),
		holding:  make([]uint16, 1024),
		input:    make([]uint16, 1024),
	}
	d.wg.Add(1)
	go d.accept()
	t.Cleanup(d.close)
	return d
}

func (d *stubDevice) addr() string { return d.listener.Addr().String() }

func (d *stubDevice) setHolding(addr uint16, words ...uint16) {
	d.mu.Lock()
	copy(d.holding[addr:], words)
	d.mu.Unlock()
}

func (d *stubDevice) setInput(addr uint16, words ...uint16) {
	d.mu.Lock()
	copy(d.input[addr:], words)
	d.mu.Unlock()
}

func (d *stubDevice) goSilent() {
	d.mu.Lock()
	d.silent = true
	d.mu.Unlock()
}

func (d *stubDevice) close() {
	d.once.Do(func() {
		close(d.quit)
		d.listener.Close()
	})
	d.wg.Wait()
}

func (d *stubDevice) accept() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				continue
			}
		}
		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *stubDevice) serve(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		d.mu.RLock()
		silent := d.silent
		d.mu.RUnlock()
		if silent {
			continue
		}

		resp := d.handlePDU(pdu)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(resp)+1))
		if _, err := conn.Write(header); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (d *stubDevice) handlePDU(pdu []byte) []byte {
	if len(pdu) < 5 {
		return []byte{0x80, 0x03}
	}
	fn := pdu[0]
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])

	var source []uint16
	switch fn {
	case 0x03:
		source = d.holding
	case 0x04:
		source = d.input
	default:
		return []byte{fn | 0x80, 0x01} // illegal function
	}
	if quantity == 0 || quantity > 125 || int(start)+int(quantity) > len(source) {
		return []byte{fn | 0x80, 0x02} // illegal data address
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, 2+quantity*2)
	out[0] = fn
	out[1] = byte(quantity * 2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(out[2+i*2:], source[int(start)+i])
	}
	return out
}
