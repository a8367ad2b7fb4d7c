package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func endpointOf(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}

func drain(tr Transport) []byte {
	var out []byte
	for {
		c, ok := tr.GetChar()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	big := strings.Repeat("x", 3*wsChunkSize+17)
	received := make(chan string, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte("Grbl 3.7 [FluidNC]\n"))
		c.WriteMessage(websocket.TextMessage, []byte(big))
		c.WriteMessage(websocket.BinaryMessage, []byte{'!'})
		for {
			mt, p, err := c.ReadMessage()
			if err != nil {
				return
			}
			received <- fmt.Sprintf("%d:%s", mt, p)
		}
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(endpointOf(t, srv), zaptest.NewLogger(t), WebSocketOptions{})
	defer tr.Close()
	if !tr.Begin() {
		t.Fatalf("Begin = false")
	}

	want := "Grbl 3.7 [FluidNC]\n" + big + "!"
	var got []byte
	waitFor(t, "inbound messages", func() bool {
		tr.Loop()
		got = append(got, drain(tr)...)
		return len(got) >= len(want)
	})
	if string(got) != want {
		t.Fatalf("received %d bytes, want %d (prefix %q)", len(got), len(want), got[:min(len(got), 40)])
	}
	if !tr.IsConnected() {
		t.Fatalf("not connected after receiving")
	}

	tr.SendLine("G0 X1", time.Second)
	tr.SendRT(StatusReport)
	tr.ResetFlowControl()
	for _, w := range []string{
		fmt.Sprintf("%d:G0 X1\n", websocket.TextMessage),
		fmt.Sprintf("%d:?", websocket.BinaryMessage),
		fmt.Sprintf("%d:\x11", websocket.BinaryMessage),
	} {
		select {
		case m := <-received:
			if m != w {
				t.Fatalf("server got %q, want %q", m, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("server did not receive %q", w)
		}
	}
}

func TestWebSocketSendsRequireWiFi(t *testing.T) {
	received := make(chan []byte, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, p, err := c.ReadMessage()
			if err != nil {
				return
			}
			received <- p
		}
	}))
	defer srv.Close()

	var up atomic.Bool
	up.Store(true)
	tr := NewWebSocketTransport(endpointOf(t, srv), zaptest.NewLogger(t), WebSocketOptions{
		Network: NetworkFunc(up.Load),
	})
	defer tr.Close()
	if !tr.Begin() {
		t.Fatalf("Begin = false")
	}
	waitFor(t, "connect", func() bool {
		tr.Loop()
		return tr.IsConnected()
	})

	up.Store(false)
	tr.SendLine("G0 X1", time.Second)
	tr.SendRT(StatusReport)
	up.Store(true)
	tr.SendLine("$I", time.Second)

	select {
	case p := <-received:
		if string(p) != "$I\n" {
			t.Fatalf("server got %q, want only the line sent with WiFi up", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server received nothing")
	}
	select {
	case p := <-received:
		t.Fatalf("unexpected extra message %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketReconnectsAfterServerClose(t *testing.T) {
	conns := make(chan struct{}, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- struct{}{}
		c.Close()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(endpointOf(t, srv), zaptest.NewLogger(t), WebSocketOptions{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	defer tr.Close()
	tr.Begin()
	waitFor(t, "second session", func() bool {
		tr.Loop()
		return len(conns) >= 2
	})
}

func newFSM(t *testing.T, clk *fakeClock) *WebSocketTransport {
	tr := NewWebSocketTransport(Endpoint{Host: "fluidnc.local", Port: 81}, zaptest.NewLogger(t), WebSocketOptions{
		Now:            clk.Now,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
	})
	tr.session = 1
	tr.state = StateConnecting
	tr.backoff.Start(clk.Now())
	return tr
}

func TestWebSocketFSMReassemblesFragments(t *testing.T) {
	tr := newFSM(t, newFakeClock())
	tr.handle(wsEvent{typ: wsConnected, session: 1})
	if !tr.IsConnected() {
		t.Fatalf("not connected after Connected event")
	}
	tr.handle(wsEvent{typ: wsFragmentTextStart, session: 1, data: []byte("<Idle|MPos:")})
	tr.handle(wsEvent{typ: wsFragment, session: 1, data: []byte("0.000,0.000,")})
	if got := drain(tr); len(got) != 0 {
		t.Fatalf("partial fragment delivered: %q", got)
	}
	tr.handle(wsEvent{typ: wsFragmentFin, session: 1, data: []byte("0.000>\n")})
	if got := string(drain(tr)); got != "<Idle|MPos:0.000,0.000,0.000>\n" {
		t.Fatalf("reassembled %q", got)
	}

	tr.handle(wsEvent{typ: wsFragment, session: 1, data: []byte("orphan")})
	tr.handle(wsEvent{typ: wsFragmentFin, session: 1, data: []byte("!")})
	if got := drain(tr); len(got) != 0 {
		t.Fatalf("orphan fragments delivered: %q", got)
	}
}

func TestWebSocketFSMIgnoresStaleSessions(t *testing.T) {
	tr := newFSM(t, newFakeClock())
	tr.handle(wsEvent{typ: wsConnected, session: 0})
	tr.handle(wsEvent{typ: wsText, session: 0, data: []byte("stale")})
	if tr.IsConnected() {
		t.Fatalf("stale Connected event applied")
	}
	if got := drain(tr); len(got) != 0 {
		t.Fatalf("stale data delivered: %q", got)
	}
}

func TestWebSocketFSMBackoff(t *testing.T) {
	clk := newFakeClock()
	tr := newFSM(t, clk)
	tr.handle(wsEvent{typ: wsDisconnected, session: 1, err: errors.New("refused")})
	if tr.State() != StateDisconnected || tr.RetryIn() != 2*time.Second {
		t.Fatalf("after failed dial: state=%v retry=%v", tr.State(), tr.RetryIn())
	}

	tr.session, tr.state = 2, StateConnecting
	tr.backoff.Start(clk.Now())
	tr.handle(wsEvent{typ: wsConnected, session: 2})
	if tr.RetryIn() != time.Second {
		t.Fatalf("backoff not reset on connect: %v", tr.RetryIn())
	}
	tr.handle(wsEvent{typ: wsBinary, session: 2, data: []byte{'?'}})
	if c, ok := tr.GetChar(); !ok || c != '?' {
		t.Fatalf("realtime byte not queued: %q %v", c, ok)
	}
	tr.handle(wsEvent{typ: wsDisconnected, session: 2})
	if tr.IsConnected() || tr.RetryIn() != time.Second {
		t.Fatalf("after loss: connected=%v retry=%v", tr.IsConnected(), tr.RetryIn())
	}
}
