package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/mdns"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Resolver turns a host name into a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// ResolverFunc adapts a func to Resolver.
type ResolverFunc func(ctx context.Context, host string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, host string) (string, error) {
	return f(ctx, host)
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// IsLocalHost reports whether host is an mDNS name.
func IsLocalHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), ".local")
}

// MDNSResolver answers ".local" names with a multicast DNS query. Other
// names are returned unchanged for the system resolver.
type MDNSResolver struct {
	log *zap.Logger

	mu   sync.Mutex
	conn *mdns.Conn
}

func NewMDNSResolver(log *zap.Logger) *MDNSResolver {
	return &MDNSResolver{log: log}
}

func (r *MDNSResolver) Resolve(ctx context.Context, host string) (string, error) {
	if !IsLocalHost(host) {
		return host, nil
	}
	conn, err := r.open()
	if err != nil {
		return "", err
	}
	_, src, err := conn.Query(ctx, strings.TrimSuffix(host, "."))
	if err != nil {
		return "", fmt.Errorf("mdns: query %s: %w", host, err)
	}
	ip := addrIP(src)
	if ip == "" {
		return "", fmt.Errorf("mdns: query %s: no address in answer", host)
	}
	r.log.Debug("mdns: resolved", zap.String("host", host), zap.String("ip", ip))
	return ip, nil
}

func (r *MDNSResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *MDNSResolver) open() (*mdns.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return nil, fmt.Errorf("mdns: %w", err)
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: listen: %w", err)
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(l), &mdns.Config{})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("mdns: server: %w", err)
	}
	r.conn = conn
	return conn, nil
}

func addrIP(a net.Addr) string {
	switch v := a.(type) {
	case *net.IPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// resolvingDial dials addr, first resolving an mDNS host through res. When
// resolution or the resolved dial fails, the literal host is tried.
func resolvingDial(res Resolver, d Dialer, log *zap.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil || res == nil || !IsLocalHost(host) {
			return d.DialContext(ctx, network, addr)
		}
		ip, rerr := res.Resolve(ctx, host)
		if rerr == nil {
			conn, derr := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if derr == nil {
				return conn, nil
			}
			rerr = derr
		}
		if ctx.Err() != nil {
			return nil, errors.Join(rerr, ctx.Err())
		}
		log.Debug("mdns: falling back to literal host", zap.String("host", host), zap.Error(rerr))
		return d.DialContext(ctx, network, addr)
	}
}
