package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/backoff"
)

const (
	wsInitialBackoff   = 1500 * time.Millisecond
	wsMaxBackoff       = 5 * time.Second
	wsHandshakeTimeout = 3 * time.Second
	wsChunkSize        = 4096
	wsEventQueueSize   = 256
	wsMaxEventsPerLoop = 64
	wsPath             = "/"
)

type wsEventType int

const (
	wsConnected wsEventType = iota
	wsDisconnected
	wsError
	wsText
	wsBinary
	wsFragmentTextStart
	wsFragmentBinaryStart
	wsFragment
	wsFragmentFin
)

func (e wsEventType) String() string {
	return [...]string{
		"connected", "disconnected", "error", "text", "binary",
		"fragment_text_start", "fragment_bin_start", "fragment", "fragment_fin",
	}[e]
}

// wsEvent is posted by a session goroutine and applied by Loop.
type wsEvent struct {
	typ     wsEventType
	session uint64
	conn    *websocket.Conn
	data    []byte
	err     error
}

// WebSocketTransport talks to FluidNC's WebSocket port. Inbound traffic
// arrives as events on a queue that Loop drains, so all state changes and
// all writes happen on the owner's goroutine.
type WebSocketTransport struct {
	ep      Endpoint
	url     string
	log     *zap.Logger
	net     Network
	dialer  *websocket.Dialer
	now     func() time.Time
	backoff *backoff.Backoff

	state   ConnectionState
	session uint64
	conn    *websocket.Conn
	events  chan wsEvent
	rx      *rxQueue

	frag       []byte
	fragBinary bool
	fragActive bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WebSocketOptions carries the collaborators of a WebSocketTransport.
type WebSocketOptions struct {
	Network          Network
	Resolver         Resolver
	Dialer           Dialer
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

func NewWebSocketTransport(ep Endpoint, log *zap.Logger, opts WebSocketOptions) *WebSocketTransport {
	if opts.Network == nil {
		opts.Network = AlwaysOnline
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = wsInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = wsMaxBackoff
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = wsHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketTransport{
		ep:  ep,
		url: fmt.Sprintf("ws://%s%s", ep.Address(), wsPath),
		log: log,
		net: opts.Network,
		dialer: &websocket.Dialer{
			NetDialContext:   resolvingDial(opts.Resolver, opts.Dialer, log),
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   wsChunkSize,
			WriteBufferSize:  1024,
		},
		now:     opts.Now,
		backoff: backoff.New(opts.InitialBackoff, opts.MaxBackoff),
		events:  make(chan wsEvent, wsEventQueueSize),
		rx:      newRxQueue(rxQueueLimit),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

// Begin opens the first session immediately.
func (t *WebSocketTransport) Begin() bool {
	if !t.net.Connected() {
		t.log.Warn("ws: network not connected", zap.String("url", t.url))
		return false
	}
	if !t.ep.Valid() {
		t.log.Warn("ws: invalid endpoint", zap.Stringer("addr", t.ep))
		return false
	}
	now := t.now()
	t.backoff.Arm(now)
	t.open(now)
	return true
}

func (t *WebSocketTransport) Loop() {
drain:
	for i := 0; i < wsMaxEventsPerLoop; i++ {
		select {
		case ev := <-t.events:
			t.handle(ev)
		default:
			break drain
		}
	}
	if t.state == StateDisconnected && t.ctx.Err() == nil && t.net.Connected() {
		if now := t.now(); t.backoff.Due(now) {
			t.open(now)
		}
	}
}

func (t *WebSocketTransport) IsConnected() bool {
	return t.state == StateConnected && t.net.Connected()
}

func (t *WebSocketTransport) State() ConnectionState { return t.state }

func (t *WebSocketTransport) RetryIn() time.Duration { return t.backoff.Delay() }

func (t *WebSocketTransport) SendLine(line string, timeout time.Duration) {
	if line == "" || !t.IsConnected() {
		return
	}
	if timeout <= 0 {
		timeout = DefaultLineTimeout
	}
	t.write(websocket.TextMessage, []byte(line+"\n"), timeout)
}

func (t *WebSocketTransport) SendRT(c byte) {
	if !t.IsConnected() {
		return
	}
	t.write(websocket.BinaryMessage, []byte{c}, DefaultLineTimeout)
}

func (t *WebSocketTransport) GetChar() (byte, bool) { return t.rx.pop() }

func (t *WebSocketTransport) PutChar(c byte) { t.SendRT(c) }

func (t *WebSocketTransport) ResetFlowControl() { t.SendRT(XON) }

func (t *WebSocketTransport) Close() error {
	t.cancel()
	var err error
	if t.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		err = t.conn.Close()
		t.conn = nil
	}
	t.wg.Wait()
	for {
		select {
		case ev := <-t.events:
			if ev.conn != nil {
				ev.conn.Close()
			}
		default:
			t.state = StateDisconnected
			return err
		}
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *WebSocketTransport) open(now time.Time) {
	t.backoff.Start(now)
	t.session++
	t.state = StateConnecting
	t.resetFragment()
	t.log.Debug("ws: connecting", zap.String("url", t.url), zap.Uint64("session", t.session))

	t.wg.Add(1)
	go t.run(t.ctx, t.session)
}

// run owns one session: dial, then read until the connection ends.
func (t *WebSocketTransport) run(ctx context.Context, session uint64) {
	defer t.wg.Done()

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.post(ctx, wsEvent{typ: wsDisconnected, session: session, err: err})
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if !t.post(ctx, wsEvent{typ: wsConnected, session: session, conn: conn}) {
		conn.Close()
		return
	}

	for {
		mt, r, err := conn.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				t.post(ctx, wsEvent{typ: wsError, session: session, err: err})
			}
			t.post(ctx, wsEvent{typ: wsDisconnected, session: session, err: err})
			return
		}
		if err := t.readMessage(ctx, session, mt == websocket.BinaryMessage, r); err != nil {
			t.post(ctx, wsEvent{typ: wsError, session: session, err: err})
			t.post(ctx, wsEvent{typ: wsDisconnected, session: session, err: err})
			return
		}
	}
}

// readMessage posts a message that fits one chunk as a single event and a
// longer one as a start/continue/fin fragment sequence.
func (t *WebSocketTransport) readMessage(ctx context.Context, session uint64, binary bool, r io.Reader) error {
	first := true
	for {
		buf := make([]byte, wsChunkSize)
		n, err := io.ReadFull(r, buf)
		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return err
		}
		ev := wsEvent{session: session, data: buf[:n]}
		switch {
		case first && last:
			ev.typ = wsText
			if binary {
				ev.typ = wsBinary
			}
		case first:
			ev.typ = wsFragmentTextStart
			if binary {
				ev.typ = wsFragmentBinaryStart
			}
		case last:
			ev.typ = wsFragmentFin
		default:
			ev.typ = wsFragment
		}
		if !t.post(ctx, ev) {
			return ctx.Err()
		}
		if last {
			return nil
		}
		first = false
	}
}

func (t *WebSocketTransport) post(ctx context.Context, ev wsEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle is the state machine. Events from superseded sessions are dropped.
func (t *WebSocketTransport) handle(ev wsEvent) {
	if ev.session != t.session {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	switch ev.typ {
	case wsConnected:
		t.conn = ev.conn
		t.state = StateConnected
		t.backoff.Succeed()
		t.log.Info("ws: connected", zap.String("url", t.url))
	case wsDisconnected:
		if t.state == StateConnecting {
			t.backoff.Fail(t.now())
			t.log.Warn("ws: dial failed",
				zap.String("url", t.url),
				zap.Duration("retry_in", t.backoff.Delay()),
				zap.Error(ev.err),
			)
		} else {
			t.backoff.Cancel()
			t.log.Info("ws: connection lost, reconnecting", zap.String("url", t.url), zap.Error(ev.err))
		}
		t.closeConn()
	case wsError:
		t.log.Warn("ws: error", zap.String("url", t.url), zap.Error(ev.err))
	case wsText:
		t.deliver(ev.data, false)
	case wsBinary:
		t.deliver(ev.data, true)
	case wsFragmentTextStart, wsFragmentBinaryStart:
		t.frag = append(t.frag[:0], ev.data...)
		t.fragBinary = ev.typ == wsFragmentBinaryStart
		t.fragActive = true
	case wsFragment:
		if t.fragActive {
			t.frag = append(t.frag, ev.data...)
		}
	case wsFragmentFin:
		if !t.fragActive {
			return
		}
		t.frag = append(t.frag, ev.data...)
		t.deliver(t.frag, t.fragBinary)
		t.resetFragment()
	}
}

// deliver queues a complete message. A one-byte binary frame is a realtime
// byte from the controller; both kinds reach GetChar.
func (t *WebSocketTransport) deliver(p []byte, binary bool) {
	if binary && len(p) == 1 {
		t.log.Debug("ws: realtime byte", zap.Uint8("byte", p[0]))
	}
	if dropped := t.rx.push(p); dropped > 0 {
		t.log.Warn("ws: receive buffer full, dropping bytes", zap.Int("dropped", dropped))
	}
}

func (t *WebSocketTransport) write(mt int, p []byte, timeout time.Duration) {
	t.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
	if err := t.conn.WriteMessage(mt, p); err != nil {
		t.log.Warn("ws: write", zap.String("url", t.url), zap.Error(err))
		// The reader of this session will report too; bump the session so
		// that report is ignored.
		t.session++
		t.closeConn()
	}
}

func (t *WebSocketTransport) closeConn() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.state = StateDisconnected
	t.resetFragment()
}

func (t *WebSocketTransport) resetFragment() {
	t.frag = t.frag[:0]
	t.fragBinary = false
	t.fragActive = false
}
