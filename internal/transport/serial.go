package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultSerialBaud = 115200
	serialReadBufSize = 256
)

// SerialPort is the part of serial.Port the transport uses.
type SerialPort interface {
	io.ReadWriteCloser
	Drain() error
	SetRTS(rts bool) error
}

// SerialOpener opens a port; tests substitute a pipe.
type SerialOpener func(device string, baud int) (SerialPort, error)

// OpenSerial opens device at baud, 8N1.
func OpenSerial(device string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	return port, nil
}

// SerialTransport is the direct UART link. Once begun it is always
// connected until the port fails.
type SerialTransport struct {
	device string
	baud   int
	open   SerialOpener
	log    *zap.Logger

	port SerialPort
	rx   *rxQueue
	dead chan struct{}
	wg   sync.WaitGroup
}

func NewSerialTransport(device string, baud int, open SerialOpener, log *zap.Logger) *SerialTransport {
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	if open == nil {
		open = OpenSerial
	}
	return &SerialTransport{
		device: device,
		baud:   baud,
		open:   open,
		log:    log,
		rx:     newRxQueue(rxQueueLimit),
	}
}

func (t *SerialTransport) Kind() Kind { return KindSerial }

// Begin opens the port. Calling it again on a live port is a no-op; after
// a port failure it reopens.
func (t *SerialTransport) Begin() bool {
	if t.IsConnected() {
		return true
	}
	t.release()

	port, err := t.open(t.device, t.baud)
	if err != nil {
		t.log.Error("serial: port unavailable",
			zap.String("device", t.device), zap.Int("baud", t.baud), zap.Error(err))
		return false
	}
	t.log.Info("serial: opened", zap.String("device", t.device), zap.Int("baud", t.baud))
	t.port = port
	t.dead = make(chan struct{})
	t.wg.Add(1)
	go t.readLoop(port, t.dead)
	return true
}

func (t *SerialTransport) Loop() {}

func (t *SerialTransport) IsConnected() bool {
	if t.port == nil {
		return false
	}
	select {
	case <-t.dead:
		return false
	default:
		return true
	}
}

// SendLine terminates with CRLF and drains the output buffer.
func (t *SerialTransport) SendLine(line string, _ time.Duration) {
	if line == "" || !t.IsConnected() {
		return
	}
	if _, err := io.WriteString(t.port, line+"\r\n"); err != nil {
		t.log.Warn("serial: write", zap.Error(err))
		return
	}
	t.port.Drain() //nolint:errcheck
}

func (t *SerialTransport) SendRT(c byte) { t.PutChar(c) }

func (t *SerialTransport) GetChar() (byte, bool) { return t.rx.pop() }

func (t *SerialTransport) PutChar(c byte) {
	if !t.IsConnected() {
		return
	}
	if _, err := t.port.Write([]byte{c}); err != nil {
		t.log.Warn("serial: write", zap.Error(err))
	}
}

// ResetFlowControl sends XON and forces RTS high.
func (t *SerialTransport) ResetFlowControl() {
	if !t.IsConnected() {
		return
	}
	t.PutChar(XON)
	if err := t.port.SetRTS(true); err != nil {
		t.log.Debug("serial: set rts", zap.Error(err))
	}
}

func (t *SerialTransport) Close() error {
	err := t.release()
	t.rx.reset()
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *SerialTransport) release() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.wg.Wait()
	return err
}

func (t *SerialTransport) readLoop(port SerialPort, dead chan struct{}) {
	defer t.wg.Done()
	defer close(dead)

	buf := make([]byte, serialReadBufSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if dropped := t.rx.push(buf[:n]); dropped > 0 {
				t.log.Warn("serial: receive buffer full, dropping bytes", zap.Int("dropped", dropped))
			}
		}
		if err != nil {
			t.log.Debug("serial: read", zap.Error(err))
			return
		}
	}
}
