// Package selector decides which transport carries controller traffic:
// the permanent serial fallback or a WiFi-backed TCP/WebSocket link, under
// either automatic selection or an explicit user choice.
//
// The Selector owns the active transport. Callers send and receive through
// the Selector and never hold the transport itself, so a swap cannot leave
// them with a closed object.
package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/backoff"
	"github.com/fluiddial/pendant/internal/transport"
)

const (
	DefaultConnectWait  = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	upgradeInitialBackoff = 2 * time.Second
	upgradeMaxBackoff     = 30 * time.Second
	serialInitialBackoff  = time.Second
	serialMaxBackoff      = 30 * time.Second
)

// Choice is the user's explicit connection type. ChoiceAuto means none.
type Choice int

const (
	ChoiceAuto Choice = iota
	ChoiceSerial
	ChoiceWiFi
)

func (c Choice) String() string {
	switch c {
	case ChoiceSerial:
		return "Serial"
	case ChoiceWiFi:
		return "WiFi"
	}
	return ""
}

// ParseChoice accepts "", "auto", "serial" and "wifi" in any case.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ChoiceAuto, nil
	case "serial":
		return ChoiceSerial, nil
	case "wifi":
		return ChoiceWiFi, nil
	}
	return ChoiceAuto, fmt.Errorf("selector: unknown connection type %q", s)
}

// Outcome reports what a forced reconnect by type achieved.
type Outcome int

const (
	OutcomeSerial Outcome = iota
	OutcomeConnected
	OutcomePending
	OutcomeWiFiUnavailable
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSerial:
		return "serial"
	case OutcomeConnected:
		return "connected"
	case OutcomePending:
		return "pending"
	case OutcomeWiFiUnavailable:
		return "wifi_unavailable"
	default:
		return "failed"
	}
}

// Factory builds transports; *transport.Factory satisfies it.
type Factory interface {
	Create(kind transport.Kind, host string, port int) transport.Transport
}

// Config supplies the WiFi transport parameters; *transport.Config
// satisfies it.
type Config interface {
	Kind() transport.Kind
	Endpoint() transport.Endpoint
}

// Options tune a Selector. Zero values pick the defaults.
type Options struct {
	ConnectWait  time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Selector is owned by the run loop and is not safe for concurrent use.
type Selector struct {
	factory Factory
	cfg     Config
	wifi    transport.Network
	log     *zap.Logger
	now     func() time.Time

	connectWait  time.Duration
	pollInterval time.Duration

	serial      transport.Transport
	serialRetry *backoff.Backoff
	upgrade     *backoff.Backoff
	active      transport.Transport
	choice      Choice
}

// New builds a Selector. wifi is queried, never advanced.
func New(factory Factory, cfg Config, wifi transport.Network, log *zap.Logger, opts Options) *Selector {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = DefaultConnectWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Selector{
		factory:      factory,
		cfg:          cfg,
		wifi:         wifi,
		log:          log,
		now:          opts.Now,
		connectWait:  opts.ConnectWait,
		pollInterval: opts.PollInterval,
		serialRetry:  backoff.New(serialInitialBackoff, serialMaxBackoff),
		upgrade:      backoff.New(upgradeInitialBackoff, upgradeMaxBackoff),
	}
}

// Select applies the selection policy once. Called every tick after the
// WiFi manager has been polled.
func (s *Selector) Select() {
	wifiReady := s.wifi.Connected()
	a := s.active

	// An explicit choice that is already in place stays, connected or not,
	// unless WiFi came up under a disconnected WiFi transport. A chosen
	// serial port that dropped is reopened on its retry backoff.
	if s.choice != ChoiceAuto && a != nil && s.matchesChoice(a) && (a.IsConnected() || !wifiReady) {
		if a == s.serial && !a.IsConnected() {
			s.ensureSerial()
		}
		return
	}

	if a != nil && a.IsConnected() && !s.upgradeFromSerial(a, wifiReady) {
		return
	}

	if wifiReady && s.choice != ChoiceSerial {
		// A WiFi transport reconnects on its own backoff; replacing it
		// every tick would reset that.
		if a != nil && a != s.serial {
			return
		}
		if s.tryWiFi() {
			return
		}
	}

	s.ensureSerial()
}

// ForceReconnect drops the active WiFi transport and selects afresh, even
// when the old one is connected. Used after the endpoint settings change.
func (s *Selector) ForceReconnect() {
	s.discardActive()
	if s.choice == ChoiceSerial {
		s.reopenSerial()
		return
	}
	s.upgrade.Reset()
	if s.wifi.Connected() && s.tryWiFi() {
		return
	}
	s.ensureSerial()
}

// ForceReconnectByType records choice as the explicit selection and
// reconnects accordingly. For WiFi it waits, polling the new transport's
// Loop, until it connects, the connect wait elapses or ctx ends; a session
// still pending at that point stays active.
func (s *Selector) ForceReconnectByType(ctx context.Context, choice Choice) Outcome {
	s.choice = choice
	s.log.Info("selector: connection type chosen", zap.Stringer("choice", choice))

	switch choice {
	case ChoiceSerial:
		s.discardActive()
		s.reopenSerial()
		return OutcomeSerial
	case ChoiceWiFi:
		s.discardActive()
		if !s.wifi.Connected() {
			s.log.Warn("selector: WiFi chosen but not ready, using serial until it is")
			s.ensureSerial()
			return OutcomeWiFiUnavailable
		}
		s.upgrade.Reset()
		if !s.tryWiFi() {
			s.ensureSerial()
			return OutcomeFailed
		}
		return s.waitConnected(ctx)
	default:
		s.ForceReconnect()
		if s.active != nil && s.active != s.serial {
			return s.waitConnected(ctx)
		}
		return OutcomeSerial
	}
}

// SetChoice restores a persisted choice without reconnecting.
func (s *Selector) SetChoice(c Choice) { s.choice = c }

func (s *Selector) Choice() Choice { return s.choice }

// LoopActive services the active transport.
func (s *Selector) LoopActive() {
	if s.active != nil {
		s.active.Loop()
	}
}

// ActiveKind reports the kind of the active transport.
func (s *Selector) ActiveKind() (transport.Kind, bool) {
	if s.active == nil {
		return 0, false
	}
	return s.active.Kind(), true
}

func (s *Selector) IsConnected() bool {
	return s.active != nil && s.active.IsConnected()
}

func (s *Selector) SendLine(line string, timeout time.Duration) {
	if s.active != nil {
		s.active.SendLine(line, timeout)
	}
}

func (s *Selector) SendRT(c byte) {
	if s.active != nil {
		s.active.SendRT(c)
	}
}

func (s *Selector) PutChar(c byte) {
	if s.active != nil {
		s.active.PutChar(c)
	}
}

func (s *Selector) GetChar() (byte, bool) {
	if s.active == nil {
		return 0, false
	}
	return s.active.GetChar()
}

func (s *Selector) ResetFlowControl() {
	if s.active != nil {
		s.active.ResetFlowControl()
	}
}

// Close releases the active transport and the serial fallback.
func (s *Selector) Close() error {
	var err error
	if s.active != nil && s.active != s.serial {
		err = multierr.Append(err, s.active.Close())
	}
	if s.serial != nil {
		err = multierr.Append(err, s.serial.Close())
	}
	s.active = nil
	return err
}

// ── internal ──────────────────────────────────────────────────────────────

func (s *Selector) matchesChoice(t transport.Transport) bool {
	if s.choice == ChoiceSerial {
		return t == s.serial
	}
	return t != s.serial
}

// upgradeFromSerial reports whether a connected serial fallback should give
// way to WiFi.
func (s *Selector) upgradeFromSerial(a transport.Transport, wifiReady bool) bool {
	return wifiReady && a == s.serial && s.choice != ChoiceSerial
}

// tryWiFi builds and begins a WiFi transport from the current config. The
// upgrade backoff paces repeated failures.
func (s *Selector) tryWiFi() bool {
	now := s.now()
	if !s.upgrade.Due(now) {
		return false
	}
	s.upgrade.Start(now)

	kind, ep := s.cfg.Kind(), s.cfg.Endpoint()
	t := s.factory.Create(kind, ep.Host, ep.Port)
	if t == nil {
		s.upgrade.Fail(now)
		s.log.Warn("selector: no transport for kind", zap.Stringer("kind", kind))
		return false
	}
	if !t.Begin() {
		if err := t.Close(); err != nil {
			s.log.Debug("selector: close half-built transport", zap.Error(err))
		}
		s.upgrade.Fail(now)
		s.log.Warn("selector: WiFi transport failed to start",
			zap.Stringer("kind", kind),
			zap.Stringer("endpoint", ep),
			zap.Duration("retry_in", s.upgrade.Delay()))
		return false
	}
	s.upgrade.Succeed()
	s.swap(t)
	s.log.Info("selector: using WiFi transport", zap.Stringer("kind", kind), zap.Stringer("endpoint", ep))
	return true
}

func (s *Selector) ensureSerial() {
	if s.serial == nil {
		s.serial = s.factory.Create(transport.KindSerial, "", 0)
		if s.serial == nil {
			return
		}
	}
	if !s.serial.IsConnected() {
		now := s.now()
		if s.serialRetry.Due(now) {
			s.serialRetry.Start(now)
			if s.serial.Begin() {
				s.serialRetry.Succeed()
			} else {
				s.serialRetry.Fail(now)
			}
		}
	}
	if s.active != s.serial {
		s.swap(s.serial)
		s.log.Info("selector: using serial transport")
	}
}

// reopenSerial closes and begins the serial port again.
func (s *Selector) reopenSerial() {
	if s.serial != nil {
		if err := s.serial.Close(); err != nil {
			s.log.Debug("selector: close serial", zap.Error(err))
		}
	}
	s.serialRetry.Reset()
	s.ensureSerial()
}

func (s *Selector) swap(t transport.Transport) {
	old := s.active
	s.active = t
	if old != nil && old != t && old != s.serial {
		if err := old.Close(); err != nil {
			s.log.Debug("selector: close superseded transport", zap.Error(err))
		}
	}
}

// discardActive closes the active WiFi transport; the serial fallback is
// never closed here.
func (s *Selector) discardActive() {
	if s.active != nil && s.active != s.serial {
		if err := s.active.Close(); err != nil {
			s.log.Debug("selector: close transport", zap.Error(err))
		}
	}
	s.active = nil
}

func (s *Selector) waitConnected(ctx context.Context) Outcome {
	t := s.active
	timer := time.NewTimer(s.connectWait)
	defer timer.Stop()
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		t.Loop()
		if t.IsConnected() {
			s.log.Info("selector: WiFi transport connected")
			return OutcomeConnected
		}
		select {
		case <-ctx.Done():
			return OutcomePending
		case <-timer.C:
			s.log.Warn("selector: WiFi transport still connecting", zap.Duration("waited", s.connectWait))
			return OutcomePending
		case <-tick.C:
		}
	}
}
