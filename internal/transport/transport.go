// Package transport provides the Transport interface and the serial, TCP
// (telnet-style) and WebSocket links to a FluidNC controller.
//
// Transports are driven cooperatively: the owner calls Loop once per tick
// from a single goroutine and Loop never blocks. Blocking I/O (dial, socket
// read, serial read) happens in background goroutines whose results are
// applied inside Loop.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a concrete transport.
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
	KindWebSocket
)

const (
	DefaultTCPPort       = 23
	DefaultWebSocketPort = 81

	// DefaultLineTimeout bounds one SendLine write.
	DefaultLineTimeout = 2 * time.Second
)

// Realtime control bytes understood by FluidNC.
const (
	StatusReport byte = '?'
	CycleStart   byte = '~'
	FeedHold     byte = '!'
	Reset        byte = 0x18
	JogCancel    byte = 0x85
	XON          byte = 0x11
	XOFF         byte = 0x13
)

var ErrUnknownKind = errors.New("transport: unknown kind")

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindWebSocket:
		return "ws"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultPort is the controller's stock port for k, 0 for serial.
func (k Kind) DefaultPort() int {
	switch k {
	case KindTCP:
		return DefaultTCPPort
	case KindWebSocket:
		return DefaultWebSocketPort
	}
	return 0
}

// Wireless reports whether k needs the WiFi link.
func (k Kind) Wireless() bool { return k == KindTCP || k == KindWebSocket }

// ParseKind accepts the persisted spellings and the legacy aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serial", "uart":
		return KindSerial, nil
	case "tcp", "telnet":
		return KindTCP, nil
	case "ws", "websocket":
		return KindWebSocket, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Endpoint is a network controller address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Port >= 1 && e.Port <= 65535
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Address() }

// Transport is one byte-stream link to the controller. Implementations are
// not safe for concurrent use; a single owner drives them.
type Transport interface {
	Kind() Kind
	// Begin allocates resources and starts the first connection attempt.
	// It returns false only when setup cannot succeed (no network, port
	// unavailable); an attempt still in flight is not a failure.
	Begin() bool
	// Loop advances reconnect timers and drains inbound data. Non-blocking.
	Loop()
	IsConnected() bool
	// SendLine writes line plus one terminator. An empty line or a
	// disconnected link is a no-op.
	SendLine(line string, timeout time.Duration)
	// SendRT writes a single unframed realtime byte.
	SendRT(c byte)
	// GetChar pops the next received byte.
	GetChar() (byte, bool)
	PutChar(c byte)
	// ResetFlowControl re-asserts XON.
	ResetFlowControl()
	// Close releases every resource and joins background goroutines.
	Close() error
}

// Network reports whether the WiFi link is up. Transports query it; they
// never advance its state.
type Network interface {
	Connected() bool
}

// NetworkFunc adapts a func to Network.
type NetworkFunc func() bool

func (f NetworkFunc) Connected() bool { return f() }

// AlwaysOnline is the Network of a host with wired connectivity.
var AlwaysOnline Network = NetworkFunc(func() bool { return true })
