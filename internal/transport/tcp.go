package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/backoff"
)

const (
	tcpInitialBackoff = 1500 * time.Millisecond
	tcpMaxBackoff     = 5 * time.Second
	tcpDialTimeout    = 3 * time.Second
	tcpReadBufSize    = 4096
	tcpWriteBufSize   = 512
)

// TCPTransport speaks FluidNC's telnet-style line stream. Dials run in a
// goroutine; Loop applies their outcome and paces retries with a doubling
// backoff.
type TCPTransport struct {
	ep          Endpoint
	log         *zap.Logger
	net         Network
	dial        func(ctx context.Context, network, addr string) (net.Conn, error)
	now         func() time.Time
	backoff     *backoff.Backoff
	dialTimeout time.Duration

	state   ConnectionState
	conn    net.Conn
	w       *bufio.Writer
	rx      *rxQueue
	lost    chan struct{}
	results chan dialResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type dialResult struct {
	conn net.Conn
	err  error
}

// TCPOptions carries the collaborators of a TCPTransport. Zero values pick
// the defaults.
type TCPOptions struct {
	Network        Network
	Resolver       Resolver
	Dialer         Dialer
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
}

// NewTCPTransport constructs a TCPTransport. No connection is attempted
// before Begin.
func NewTCPTransport(ep Endpoint, log *zap.Logger, opts TCPOptions) *TCPTransport {
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
		opts.InitialBackoff = tcpInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = tcpMaxBackoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = tcpDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		ep:          ep,
		log:         log,
		net:         opts.Network,
		dial:        resolvingDial(opts.Resolver, opts.Dialer, log),
		now:         opts.Now,
		backoff:     backoff.New(opts.InitialBackoff, opts.MaxBackoff),
		dialTimeout: opts.DialTimeout,
		rx:          newRxQueue(rxQueueLimit),
		results:     make(chan dialResult, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *TCPTransport) Kind() Kind { return KindTCP }

func (t *TCPTransport) Begin() bool {
	if !t.net.Connected() {
		t.log.Warn("tcp: network not connected", zap.Stringer("addr", t.ep))
		return false
	}
	if !t.ep.Valid() {
		t.log.Warn("tcp: invalid endpoint", zap.Stringer("addr", t.ep))
		return false
	}
	t.backoff.Arm(t.now())
	t.attemptReconnect()
	return true
}

func (t *TCPTransport) Loop() {
	t.collect()
	if t.state == StateConnected {
		select {
		case <-t.lost:
			t.dropConn("connection lost")
		default:
			t.flush()
		}
	}
	if t.state == StateDisconnected {
		t.attemptReconnect()
	}
}

// IsConnected also requires the WiFi link to be up.
func (t *TCPTransport) IsConnected() bool {
	if t.state != StateConnected || !t.net.Connected() {
		return false
	}
	select {
	case <-t.lost:
		return false
	default:
		return true
	}
}

// State is the connection state as of the last Loop.
func (t *TCPTransport) State() ConnectionState { return t.state }

// RetryIn is the current reconnect delay.
func (t *TCPTransport) RetryIn() time.Duration { return t.backoff.Delay() }

func (t *TCPTransport) SendLine(line string, timeout time.Duration) {
	if line == "" || !t.IsConnected() {
		return
	}
	if timeout <= 0 {
		timeout = DefaultLineTimeout
	}
	t.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
	t.w.WriteString(line)                            //nolint:errcheck
	t.w.WriteByte('\n')                              //nolint:errcheck
	t.flush()
}

func (t *TCPTransport) SendRT(c byte) {
	if !t.IsConnected() {
		return
	}
	t.conn.SetWriteDeadline(time.Now().Add(DefaultLineTimeout)) //nolint:errcheck
	t.w.WriteByte(c)                                            //nolint:errcheck
	t.flush()
}

func (t *TCPTransport) GetChar() (byte, bool) { return t.rx.pop() }

// PutChar buffers c; the next Loop or send flushes it.
func (t *TCPTransport) PutChar(c byte) {
	if !t.IsConnected() {
		return
	}
	if t.w.Available() == 0 {
		t.flush()
		if t.state != StateConnected {
			return
		}
	}
	t.w.WriteByte(c) //nolint:errcheck
}

func (t *TCPTransport) ResetFlowControl() { t.SendRT(XON) }

func (t *TCPTransport) Close() error {
	t.cancel()
	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	t.wg.Wait()
	select {
	case res := <-t.results:
		if res.conn != nil {
			res.conn.Close()
		}
	default:
	}
	t.state = StateDisconnected
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (t *TCPTransport) attemptReconnect() {
	if t.ctx.Err() != nil || !t.net.Connected() {
		return
	}
	now := t.now()
	if !t.backoff.Due(now) {
		return
	}
	t.backoff.Start(now)
	t.state = StateConnecting
	t.log.Debug("tcp: connecting", zap.Stringer("addr", t.ep))

	t.wg.Add(1)
	go func(ctx context.Context, addr string) {
		defer t.wg.Done()
		dctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
		conn, err := t.dial(dctx, "tcp", addr)
		t.results <- dialResult{conn: conn, err: err}
	}(t.ctx, t.ep.Address())
}

// collect applies a finished dial, if any.
func (t *TCPTransport) collect() {
	select {
	case res := <-t.results:
		if res.err != nil {
			t.backoff.Fail(t.now())
			t.state = StateDisconnected
			t.log.Warn("tcp: dial failed",
				zap.Stringer("addr", t.ep),
				zap.Duration("retry_in", t.backoff.Delay()),
				zap.Error(res.err),
			)
			return
		}
		t.backoff.Succeed()
		t.attach(res.conn)
		t.log.Info("tcp: connected", zap.Stringer("addr", t.ep))
	default:
	}
}

func (t *TCPTransport) attach(conn net.Conn) {
	t.conn = conn
	t.w = bufio.NewWriterSize(conn, tcpWriteBufSize)
	t.lost = make(chan struct{})
	t.state = StateConnected

	t.wg.Add(1)
	go t.readLoop(conn, t.lost)
}

func (t *TCPTransport) readLoop(conn net.Conn, lost chan struct{}) {
	defer t.wg.Done()
	defer close(lost)

	buf := make([]byte, tcpReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if dropped := t.rx.push(buf[:n]); dropped > 0 {
				t.log.Warn("tcp: receive buffer full, dropping bytes", zap.Int("dropped", dropped))
			}
		}
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Debug("tcp: read", zap.Error(err))
			}
			return
		}
	}
}

func (t *TCPTransport) flush() {
	if t.w == nil || t.w.Buffered() == 0 {
		return
	}
	if err := t.w.Flush(); err != nil {
		t.log.Warn("tcp: write", zap.Stringer("addr", t.ep), zap.Error(err))
		t.dropConn("write failed")
		return
	}
	t.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
}

// dropConn returns to Disconnected. The last attempt started long ago, so
// the next gated retry is normally due at once.
func (t *TCPTransport) dropConn(reason string) {
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.w = nil
	t.state = StateDisconnected
	t.log.Info("tcp: "+reason+", reconnecting",
		zap.Stringer("addr", t.ep),
		zap.Duration("backoff", t.backoff.Delay()))
}
