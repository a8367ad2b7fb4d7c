package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// waitFor polls cond until it holds or five seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"serial":    KindSerial,
		"tcp":       KindTCP,
		"Telnet":    KindTCP,
		"ws":        KindWebSocket,
		"WebSocket": KindWebSocket,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("bluetooth"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ParseKind(bluetooth) err = %v, want ErrUnknownKind", err)
	}
}

func TestFactoryCreatesDisconnectedTransports(t *testing.T) {
	f := &Factory{
		Log:        zaptest.NewLogger(t),
		OpenSerial: func(string, int) (SerialPort, error) { return nil, errors.New("no port") },
	}
	for _, k := range []Kind{KindSerial, KindTCP, KindWebSocket} {
		tr := f.Create(k, "fluidnc.local", k.DefaultPort())
		if tr == nil {
			t.Fatalf("Create(%v) = nil", k)
		}
		if tr.Kind() != k {
			t.Fatalf("Create(%v).Kind() = %v", k, tr.Kind())
		}
		if tr.IsConnected() {
			t.Fatalf("Create(%v) connected before Begin", k)
		}
		if _, ok := tr.GetChar(); ok {
			t.Fatalf("Create(%v) has data before Begin", k)
		}
		if err := tr.Close(); err != nil {
			t.Fatalf("Close(%v): %v", k, err)
		}
	}
	if tr := f.Create(Kind(42), "h", 1); tr != nil {
		t.Fatalf("Create(unknown) = %v, want nil", tr)
	}
}

func TestEndpointValid(t *testing.T) {
	for _, tc := range []struct {
		ep   Endpoint
		want bool
	}{
		{Endpoint{"fluidnc.local", 81}, true},
		{Endpoint{"", 81}, false},
		{Endpoint{"h", 0}, false},
		{Endpoint{"h", 65536}, false},
	} {
		if got := tc.ep.Valid(); got != tc.want {
			t.Fatalf("%+v.Valid() = %v, want %v", tc.ep, got, tc.want)
		}
	}
}

func TestResolvingDialFallsBackToLiteralHost(t *testing.T) {
	var dialed []string
	d := dialerFunc(func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if addr == "10.0.0.9:23" {
			return nil, errors.New("unreachable")
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	})
	res := ResolverFunc(func(context.Context, string) (string, error) { return "10.0.0.9", nil })
	dial := resolvingDial(res, d, zaptest.NewLogger(t))

	conn, err := dial(context.Background(), "tcp", "fluidnc.local:23")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if len(dialed) != 2 || dialed[0] != "10.0.0.9:23" || dialed[1] != "fluidnc.local:23" {
		t.Fatalf("dialed %v, want resolved address then literal host", dialed)
	}

	dialed = nil
	if _, err := dial(context.Background(), "tcp", "192.168.1.5:23"); err != nil {
		t.Fatalf("dial plain host: %v", err)
	}
	if len(dialed) != 1 || dialed[0] != "192.168.1.5:23" {
		t.Fatalf("plain host dialed %v", dialed)
	}
}

func TestIsLocalHost(t *testing.T) {
	if !IsLocalHost("fluidnc.local") || !IsLocalHost("FluidNC.LOCAL.") {
		t.Fatalf(".local names not detected")
	}
	if IsLocalHost("192.168.1.5") || IsLocalHost("localhost") {
		t.Fatalf("non-mDNS name detected as .local")
	}
}

func TestRxQueueDropsOldest(t *testing.T) {
	q := newRxQueue(4)
	q.push([]byte("abc"))
	if dropped := q.push([]byte("def")); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	var got []byte
	for {
		c, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, c)
	}
	if string(got) != "cdef" {
		t.Fatalf("queue = %q, want cdef", got)
	}
}
