package transport

import (
	"time"

	"go.uber.org/zap"
)

// Factory builds transports with shared collaborators. It never begins
// what it builds.
type Factory struct {
	Log      *zap.Logger
	Network  Network
	Resolver Resolver
	Dialer   Dialer
	Now      func() time.Time

	TCPInitialBackoff time.Duration
	TCPMaxBackoff     time.Duration
	WSInitialBackoff  time.Duration
	WSMaxBackoff      time.Duration
	DialTimeout       time.Duration

	SerialDevice string
	SerialBaud   int
	OpenSerial   SerialOpener
}

// Create returns a transport of kind for host:port, or nil for an unknown
// kind. Serial ignores host and port.
func (f *Factory) Create(kind Kind, host string, port int) Transport {
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}
	ep := Endpoint{Host: host, Port: port}
	switch kind {
	case KindSerial:
		return NewSerialTransport(f.SerialDevice, f.SerialBaud, f.OpenSerial, log.Named("serial"))
	case KindTCP:
		return NewTCPTransport(ep, log.Named("tcp"), TCPOptions{
			Network:        f.Network,
			Resolver:       f.Resolver,
			Dialer:         f.Dialer,
			Now:            f.Now,
			InitialBackoff: f.TCPInitialBackoff,
			MaxBackoff:     f.TCPMaxBackoff,
			DialTimeout:    f.DialTimeout,
		})
	case KindWebSocket:
		return NewWebSocketTransport(ep, log.Named("ws"), WebSocketOptions{
			Network:          f.Network,
			Resolver:         f.Resolver,
			Dialer:           f.Dialer,
			Now:              f.Now,
			InitialBackoff:   f.WSInitialBackoff,
			MaxBackoff:       f.WSMaxBackoff,
			HandshakeTimeout: f.DialTimeout,
		})
	}
	log.Warn("transport: unknown kind", zap.Stringer("kind", kind))
	return nil
}
