package wifi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const nmcliJoinTimeout = 30 * time.Second

// CommandRunner runs a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI joins networks through NetworkManager's command line client.
type NMCLI struct {
	iface string
	run   CommandRunner
	log   *zap.Logger

	mu      sync.Mutex
	status  Status
	joined  bool
	cancel  context.CancelFunc
	ipOfDev func(string) string
	// dropping is closed once the last device disconnect has finished.
	dropping chan struct{}
}

func NewNMCLI(iface string, run CommandRunner, log *zap.Logger) *NMCLI {
	if run == nil {
		run = execRunner
	}
	return &NMCLI{iface: iface, run: run, log: log, status: StatusDisconnected, ipOfDev: interfaceIPv4}
}

func (n *NMCLI) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := n.run(ctx, "nmcli", "-t", "-f", "DEVICE,TYPE", "device")
	if err != nil {
		return fmt.Errorf("wifi: nmcli: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		dev, typ, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || typ != "wifi" {
			continue
		}
		if n.iface == "" {
			n.iface = dev
		}
		if dev == n.iface {
			return nil
		}
	}
	if n.iface == "" {
		return errors.New("wifi: no wifi device")
	}
	return fmt.Errorf("wifi: device %s not found", n.iface)
}

func (n *NMCLI) Join(ssid, password string) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), nmcliJoinTimeout)
	n.cancel = cancel
	n.status = StatusIdle
	n.joined = false
	dropping := n.dropping
	n.mu.Unlock()

	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	if n.iface != "" {
		args = append(args, "ifname", n.iface)
	}
	go func() {
		defer cancel()
		if dropping != nil {
			select {
			case <-dropping:
			case <-ctx.Done():
				return
			}
		}
		out, err := n.run(ctx, "nmcli", args...)
		st := StatusConnected
		if err != nil {
			st = classify(out)
			n.log.Debug("nmcli: join failed", zap.String("ssid", ssid),
				zap.ByteString("output", bytes.TrimSpace(out)), zap.Error(err))
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if ctx.Err() == context.Canceled {
			return
		}
		n.status = st
		n.joined = st == StatusConnected
	}()
	return nil
}

// Status folds the live address state into the last join outcome: a joined
// interface that loses its address reports StatusConnectionLost.
func (n *NMCLI) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.joined {
		return n.status
	}
	if n.ipOfDev(n.iface) == "" {
		n.joined = false
		n.status = StatusConnectionLost
	}
	return n.status
}

// Disconnect marks the radio disconnected at once and drops the device in
// the background; a later Join waits for the drop to finish.
func (n *NMCLI) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.status = StatusDisconnected
	n.joined = false
	if n.iface == "" {
		return nil
	}

	prev, done := n.dropping, make(chan struct{})
	n.dropping = done
	go func(iface string) {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if out, err := n.run(ctx, "nmcli", "device", "disconnect", iface); err != nil {
			n.log.Debug("nmcli: disconnect failed", zap.String("iface", iface),
				zap.ByteString("output", bytes.TrimSpace(out)), zap.Error(err))
		}
	}(n.iface)
	return nil
}

func (n *NMCLI) LocalIP() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.joined {
		return ""
	}
	return n.ipOfDev(n.iface)
}

// classify maps nmcli's error text onto a Status.
func classify(out []byte) Status {
	s := strings.ToLower(string(out))
	switch {
	case strings.Contains(s, "no network with ssid"):
		return StatusNoSSID
	case strings.Contains(s, "secrets were required"),
		strings.Contains(s, "802-11-wireless-security"),
		strings.Contains(s, "invalid passphrase"):
		return StatusAuthFailed
	}
	return StatusConnectFailed
}
