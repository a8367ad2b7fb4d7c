package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProbeTimeout bounds a connection test when the caller sets no deadline.
const ProbeTimeout = 3 * time.Second

// Prober checks whether a controller answers at an endpoint. It opens its
// own connection and never touches an active transport.
type Prober struct {
	Log      *zap.Logger
	Resolver Resolver
	Dialer   Dialer
}

// Probe connects once with kind to ep and closes again. TCP succeeds on
// connect; WebSocket needs a completed handshake.
func (p *Prober) Probe(ctx context.Context, kind Kind, ep Endpoint) error {
	if !kind.Wireless() {
		return fmt.Errorf("probe: %w: %s", ErrUnknownKind, kind)
	}
	if !ep.Valid() {
		return fmt.Errorf("probe: invalid endpoint %q", ep.Address())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ProbeTimeout)
		defer cancel()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	var d Dialer = p.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	dial := resolvingDial(p.Resolver, d, log)

	switch kind {
	case KindTCP:
		conn, err := dial(ctx, "tcp", ep.Address())
		if err != nil {
			return fmt.Errorf("probe: tcp %s: %w", ep, err)
		}
		return conn.Close()
	default:
		wd := &websocket.Dialer{NetDialContext: dial}
		conn, _, err := wd.DialContext(ctx, fmt.Sprintf("ws://%s%s", ep.Address(), wsPath), nil)
		if err != nil {
			return fmt.Errorf("probe: ws %s: %w", ep, err)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		return conn.Close()
	}
}
