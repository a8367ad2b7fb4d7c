package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// settle runs Loop until the in-flight dial has been applied.
func settle(t *testing.T, tr *TCPTransport) {
	t.Helper()
	waitFor(t, "dial result", func() bool {
		tr.Loop()
		return !tr.backoff.InProgress()
	})
}

func TestTCPReconnectDelaysDouble(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	var attempts []time.Time
	dialer := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		mu.Lock()
		attempts = append(attempts, clk.Now())
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	d0 := time.Second
	tr := NewTCPTransport(Endpoint{Host: "cnc", Port: 23}, zaptest.NewLogger(t), TCPOptions{
		Dialer:         dialer,
		Now:            clk.Now,
		InitialBackoff: d0,
		MaxBackoff:     30 * time.Second,
	})
	defer tr.Close()

	start := clk.Now()
	if !tr.Begin() {
		t.Fatalf("Begin = false")
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts)
	}
	for i := 0; i < 200 && count() < 3; i++ {
		clk.Advance(100 * time.Millisecond)
		tr.Loop()
		settle(t, tr)
	}
	if count() < 3 {
		t.Fatalf("only %d attempts", count())
	}

	mu.Lock()
	defer mu.Unlock()
	gaps := []time.Duration{
		attempts[0].Sub(start),
		attempts[1].Sub(attempts[0]),
		attempts[2].Sub(attempts[1]),
	}
	want := []time.Duration{d0, 2 * d0, 4 * d0}
	for i := range want {
		if gaps[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v (all: %v)", i, gaps[i], want[i], gaps)
		}
	}
	if tr.IsConnected() {
		t.Fatalf("connected after only failed dials")
	}
}

func TestTCPBeginFailsWithoutNetwork(t *testing.T) {
	tr := NewTCPTransport(Endpoint{Host: "cnc", Port: 23}, zaptest.NewLogger(t), TCPOptions{
		Network: NetworkFunc(func() bool { return false }),
	})
	defer tr.Close()
	if tr.Begin() {
		t.Fatalf("Begin = true with network down")
	}
}

func TestTCPLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	tr := NewTCPTransport(Endpoint{Host: "127.0.0.1", Port: port}, zaptest.NewLogger(t), TCPOptions{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	defer tr.Close()

	if !tr.Begin() {
		t.Fatalf("Begin = false")
	}
	waitFor(t, "connect", func() bool {
		tr.Loop()
		return tr.IsConnected()
	})
	srv := <-accepted

	tr.SendLine("", time.Second)
	tr.SendLine("$I", time.Second)
	tr.PutChar('?')
	tr.Loop()
	r := bufio.NewReader(srv)
	srv.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil || line != "$I\n" {
		t.Fatalf("server read %q, %v; want \"$I\\n\"", line, err)
	}
	if c, err := r.ReadByte(); err != nil || c != '?' {
		t.Fatalf("server read byte %q, %v; want '?'", c, err)
	}

	srv.Write([]byte("ok\n"))
	var got []byte
	waitFor(t, "reply", func() bool {
		for {
			c, ok := tr.GetChar()
			if !ok {
				break
			}
			got = append(got, c)
		}
		return string(got) == "ok\n"
	})

	srv.Close()
	select {
	case second := <-accepted:
		second.Close()
		t.Fatalf("reconnected before the loss was seen")
	default:
	}
	waitFor(t, "reconnect after loss", func() bool {
		tr.Loop()
		select {
		case c := <-accepted:
			c.Close()
			return true
		default:
			return false
		}
	})
}
