// Package wifi manages the pendant's WiFi station link: credentials,
// non-blocking joins, and rejoin attempts paced by a doubling backoff.
//
// Ready is the only method that advances the state machine and is meant to
// be polled once per tick by the run loop. Connected is a pure query for
// transports and the selector.
package wifi

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/backoff"
	"github.com/fluiddial/pendant/internal/netstore"
)

const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultJoinTimeout    = 20 * time.Second

	unknownIP = "0.0.0.0"
)

var (
	ErrEmptySSID = errors.New("wifi: empty ssid")
	ErrDisabled  = errors.New("wifi: disabled")
)

// CredentialStore is the part of netstore.Store the manager uses.
type CredentialStore interface {
	Load() (netstore.Settings, bool, error)
	SaveWifiCredentials(ssid, password string) error
}

// Options tune a Manager. Zero values pick the defaults.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JoinTimeout    time.Duration
	Now            func() time.Time
}

// Manager is owned by the run loop and is not safe for concurrent use.
type Manager struct {
	radio       Radio
	store       CredentialStore
	log         *zap.Logger
	now         func() time.Time
	backoff     *backoff.Backoff
	joinTimeout time.Duration

	initDone    bool
	enabled     bool
	ssid        string
	password    string
	connecting  bool
	joinStarted time.Time
	last        Status
	connected   bool
}

func NewManager(radio Radio, store CredentialStore, log *zap.Logger, opts Options) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		radio:       radio,
		store:       store,
		log:         log,
		now:         opts.Now,
		backoff:     backoff.New(opts.InitialBackoff, opts.MaxBackoff),
		joinTimeout: opts.JoinTimeout,
		last:        StatusDisconnected,
	}
}

// Init brings the radio up and loads stored credentials. On failure WiFi
// stays disabled and the pendant runs serial-only.
func (m *Manager) Init() bool {
	if m.initDone {
		return m.enabled
	}
	m.initDone = true
	if err := m.radio.Init(); err != nil {
		m.log.Error("wifi: radio unavailable, running serial-only", zap.Error(err))
		return false
	}
	rec, found, err := m.store.Load()
	if err != nil {
		m.log.Error("wifi: credentials unavailable, running serial-only", zap.Error(err))
		return false
	}
	if found {
		m.ssid, m.password = rec.SSID, rec.Password
	}
	m.enabled = true
	m.log.Info("wifi: initialised", zap.Bool("configured", m.ssid != ""))
	return true
}

func (m *Manager) Enabled() bool { return m.enabled }

// ConnectAsync stores new credentials and starts joining them.
func (m *Manager) ConnectAsync(ssid, password string) error {
	if !m.enabled {
		return ErrDisabled
	}
	if ssid == "" {
		return ErrEmptySSID
	}
	if err := m.store.SaveWifiCredentials(ssid, password); err != nil {
		return fmt.Errorf("wifi: save credentials: %w", err)
	}
	m.ssid, m.password = ssid, password
	m.backoff.Reset()
	m.join(m.now())
	return nil
}

// Reconnect rejoins with the stored credentials. It returns false when
// there are none or WiFi is disabled.
func (m *Manager) Reconnect() bool {
	if !m.enabled {
		return false
	}
	if m.ssid == "" {
		if rec, found, err := m.store.Load(); err == nil && found {
			m.ssid, m.password = rec.SSID, rec.Password
		}
	}
	if m.ssid == "" {
		return false
	}
	m.backoff.Reset()
	m.join(m.now())
	return true
}

// Ready polls the radio, applies one transition per status change and,
// while disconnected, rejoins when the backoff allows.
func (m *Manager) Ready() bool {
	if !m.enabled {
		return false
	}
	now := m.now()
	st := m.radio.Status()

	if m.connecting && st != StatusConnected && now.Sub(m.joinStarted) >= m.joinTimeout {
		m.connecting = false
		m.backoff.Fail(now)
		m.log.Warn("wifi: join timed out",
			zap.String("ssid", m.ssid),
			zap.Duration("retry_in", m.backoff.Delay()))
		if err := m.radio.Disconnect(); err != nil {
			m.log.Debug("wifi: abort join", zap.Error(err))
		}
		st = m.radio.Status()
		m.last = st
	}

	if st != m.last {
		m.transition(now, m.last, st)
		m.last = st
	}
	m.connected = st == StatusConnected

	if !m.connected && !m.connecting && m.ssid != "" && m.backoff.Due(now) {
		m.join(now)
	}
	return m.connected
}

// Connected reports the state seen by the last Ready.
func (m *Manager) Connected() bool { return m.enabled && m.connected }

func (m *Manager) Disconnect() {
	m.connecting = false
	m.connected = false
	m.backoff.Cancel()
	if err := m.radio.Disconnect(); err != nil {
		m.log.Warn("wifi: disconnect", zap.Error(err))
	}
	m.last = StatusDisconnected
}

// StatusText is a short human-readable state for the UI.
func (m *Manager) StatusText() string {
	switch {
	case !m.enabled:
		return "WiFi Disabled"
	case m.ssid == "":
		return "Not configured"
	case m.connected:
		return "Connected"
	case m.connecting:
		return "Connecting..."
	}
	switch m.last {
	case StatusAuthFailed:
		return "Auth failed"
	case StatusNoSSID:
		return "SSID not found"
	case StatusConnectionLost:
		return "Connection lost"
	case StatusConnectFailed:
		return "Connect failed"
	}
	return "Disconnected"
}

// LocalIP is the station address, "0.0.0.0" while disconnected.
func (m *Manager) LocalIP() string {
	if !m.Connected() {
		return unknownIP
	}
	if ip := m.radio.LocalIP(); ip != "" {
		return ip
	}
	return unknownIP
}

// SSID is the configured network name.
func (m *Manager) SSID() string { return m.ssid }

// RetryIn is the current rejoin delay.
func (m *Manager) RetryIn() time.Duration { return m.backoff.Delay() }

// ── internal ──────────────────────────────────────────────────────────────

func (m *Manager) join(now time.Time) {
	m.backoff.Start(now)
	m.connecting = true
	m.joinStarted = now
	m.last = StatusIdle
	m.log.Info("wifi: joining", zap.String("ssid", m.ssid))
	if err := m.radio.Join(m.ssid, m.password); err != nil {
		m.connecting = false
		m.backoff.Fail(now)
		m.log.Warn("wifi: join failed",
			zap.String("ssid", m.ssid),
			zap.Duration("retry_in", m.backoff.Delay()),
			zap.Error(err))
	}
}

func (m *Manager) transition(now time.Time, from, to Status) {
	switch {
	case to == StatusConnected:
		m.connecting = false
		m.backoff.Succeed()
		m.log.Info("wifi: connected", zap.String("ssid", m.ssid), zap.String("ip", m.radio.LocalIP()))
	case to.failure():
		m.connecting = false
		m.backoff.Fail(now)
		m.log.Warn("wifi: link down",
			zap.String("ssid", m.ssid),
			zap.Stringer("status", to),
			zap.Duration("retry_in", m.backoff.Delay()))
	default:
		m.log.Debug("wifi: status", zap.Stringer("from", from), zap.Stringer("to", to))
	}
}
