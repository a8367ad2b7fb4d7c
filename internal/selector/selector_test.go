package selector

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/fluiddial/pendant/internal/transport"
)

type fakeTransport struct {
	kind      transport.Kind
	beginOK   bool
	begins    int
	closed    bool
	connected bool
	// connectAfter makes Loop report connected after that many calls; 0
	// connects on Begin, negative never connects.
	connectAfter int
	loops        int
	lines        []string
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Begin() bool {
	f.begins++
	f.closed = false
	if f.beginOK && f.connectAfter == 0 {
		f.connected = true
	}
	return f.beginOK
}

func (f *fakeTransport) Loop() {
	f.loops++
	if f.connectAfter > 0 && f.loops >= f.connectAfter {
		f.connected = true
	}
}

func (f *fakeTransport) IsConnected() bool { return f.connected && !f.closed }

func (f *fakeTransport) SendLine(line string, _ time.Duration) {
	if f.IsConnected() {
		f.lines = append(f.lines, line)
	}
}

func (f *fakeTransport) SendRT(byte)           {}
func (f *fakeTransport) GetChar() (byte, bool) { return 0, false }
func (f *fakeTransport) PutChar(byte)          {}
func (f *fakeTransport) ResetFlowControl()     {}

func (f *fakeTransport) Close() error {
	f.closed = true
	f.connected = false
	return nil
}

type fakeFactory struct {
	serial       *fakeTransport
	wifiBeginOK  bool
	connectAfter int
	created      []*fakeTransport
}

func (f *fakeFactory) Create(kind transport.Kind, _ string, _ int) transport.Transport {
	if kind == transport.KindSerial {
		return f.serial
	}
	t := &fakeTransport{kind: kind, beginOK: f.wifiBeginOK, connectAfter: f.connectAfter}
	f.created = append(f.created, t)
	return t
}

type fakeConfig struct{}

func (fakeConfig) Kind() transport.Kind { return transport.KindWebSocket }

func (fakeConfig) Endpoint() transport.Endpoint {
	return transport.Endpoint{Host: "fluidnc.local", Port: 81}
}

type fakeNet struct{ up bool }

func (n *fakeNet) Connected() bool { return n.up }

type fixture struct {
	sel     *Selector
	factory *fakeFactory
	net     *fakeNet
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{
		factory: &fakeFactory{
			serial:      &fakeTransport{kind: transport.KindSerial, beginOK: true},
			wifiBeginOK: true,
		},
		net: &fakeNet{},
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	fx.sel = New(fx.factory, fakeConfig{}, fx.net, zaptest.NewLogger(t), Options{
		ConnectWait:  200 * time.Millisecond,
		PollInterval: time.Millisecond,
		Now:          func() time.Time { return fx.now },
	})
	return fx
}

// tick mirrors the run loop order after the WiFi poll.
func (fx *fixture) tick() {
	fx.now = fx.now.Add(10 * time.Millisecond)
	fx.sel.Select()
	fx.sel.LoopActive()
}

func (fx *fixture) activeIsSerial() bool {
	k, ok := fx.sel.ActiveKind()
	return ok && k == transport.KindSerial
}

func TestBootWithoutWiFiUsesSerial(t *testing.T) {
	fx := newFixture(t)
	fx.tick()
	if !fx.activeIsSerial() || !fx.sel.IsConnected() {
		t.Fatalf("serial not active after boot without WiFi")
	}
	if fx.factory.serial.begins != 1 {
		t.Fatalf("serial begun %d times", fx.factory.serial.begins)
	}
}

func TestAutoUpgradesToWiFiAndKeepsSerialOpen(t *testing.T) {
	fx := newFixture(t)
	fx.tick()
	fx.net.up = true
	fx.tick()
	if fx.activeIsSerial() {
		t.Fatalf("still on serial with WiFi ready")
	}
	if len(fx.factory.created) != 1 {
		t.Fatalf("created %d WiFi transports", len(fx.factory.created))
	}
	if fx.factory.serial.closed {
		t.Fatalf("serial fallback closed on upgrade")
	}
	fx.sel.SendLine("$I", time.Second)
	if got := fx.factory.created[0].lines; len(got) != 1 || got[0] != "$I" {
		t.Fatalf("line not routed to WiFi transport: %v", got)
	}
}

func TestExplicitSerialNeverUpgrades(t *testing.T) {
	fx := newFixture(t)
	if out := fx.sel.ForceReconnectByType(context.Background(), ChoiceSerial); out != OutcomeSerial {
		t.Fatalf("outcome = %v", out)
	}
	fx.net.up = true
	for i := 0; i < 500; i++ {
		fx.tick()
		if !fx.activeIsSerial() {
			t.Fatalf("tick %d: switched away from explicit serial", i)
		}
	}
	if len(fx.factory.created) != 0 {
		t.Fatalf("built %d WiFi transports under explicit serial", len(fx.factory.created))
	}
	fx.sel.ForceReconnect()
	if !fx.activeIsSerial() {
		t.Fatalf("ForceReconnect ignored explicit serial")
	}
}

func TestExplicitSerialReopensFailedPort(t *testing.T) {
	fx := newFixture(t)
	serial := fx.factory.serial
	serial.beginOK = false
	fx.sel.SetChoice(ChoiceSerial)
	fx.tick()
	if !fx.activeIsSerial() || fx.sel.IsConnected() {
		t.Fatalf("serial should be active and down after a failed open")
	}

	serial.beginOK = true
	fx.tick()
	if serial.begins != 1 {
		t.Fatalf("reopened before the retry backoff: begins=%d", serial.begins)
	}
	for i := 0; i < 1000 && !fx.sel.IsConnected(); i++ {
		fx.tick()
	}
	if !fx.sel.IsConnected() || serial.begins != 2 {
		t.Fatalf("serial begins=%d connected=%v", serial.begins, fx.sel.IsConnected())
	}

	// Unplugged later: the port is reopened again.
	serial.connected = false
	for i := 0; i < 1000 && !fx.sel.IsConnected(); i++ {
		fx.tick()
	}
	if !fx.sel.IsConnected() || serial.begins != 3 {
		t.Fatalf("after unplug: begins=%d connected=%v", serial.begins, fx.sel.IsConnected())
	}
}

func TestDisconnectedWiFiTransportIsKeptWhileWiFiUp(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.tick()
	first := fx.factory.created[0]
	first.connected = false
	for i := 0; i < 10; i++ {
		fx.tick()
	}
	if len(fx.factory.created) != 1 || first.closed {
		t.Fatalf("WiFi transport replaced while reconnecting: created=%d closed=%v",
			len(fx.factory.created), first.closed)
	}
}

func TestWiFiLossFallsBackToSerial(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.tick()
	wifiT := fx.factory.created[0]
	fx.net.up = false
	wifiT.connected = false
	fx.tick()
	if !fx.activeIsSerial() {
		t.Fatalf("not on serial after WiFi loss")
	}
	if !wifiT.closed {
		t.Fatalf("superseded WiFi transport not closed")
	}
}

func TestForceReconnectReplacesConnectedTransport(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.tick()
	old := fx.factory.created[0]
	fx.sel.ForceReconnect()
	if !old.closed {
		t.Fatalf("old transport not closed")
	}
	if len(fx.factory.created) != 2 || fx.activeIsSerial() {
		t.Fatalf("no fresh WiFi transport: created=%d", len(fx.factory.created))
	}
}

func TestForceReconnectByTypeWiFiWaitsForConnection(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.factory.connectAfter = 3
	out := fx.sel.ForceReconnectByType(context.Background(), ChoiceWiFi)
	if out != OutcomeConnected {
		t.Fatalf("outcome = %v, want connected", out)
	}
	if fx.sel.Choice() != ChoiceWiFi {
		t.Fatalf("choice = %v", fx.sel.Choice())
	}
}

func TestForceReconnectByTypeWiFiTimesOutPending(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.factory.connectAfter = -1
	start := time.Now()
	out := fx.sel.ForceReconnectByType(context.Background(), ChoiceWiFi)
	if out != OutcomePending {
		t.Fatalf("outcome = %v, want pending", out)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wait not bounded")
	}
	if fx.activeIsSerial() {
		t.Fatalf("silently reverted to serial")
	}
	fx.tick()
	if fx.activeIsSerial() || len(fx.factory.created) != 1 {
		t.Fatalf("pending WiFi transport not retained")
	}
}

func TestForceReconnectByTypeHonoursContext(t *testing.T) {
	fx := newFixture(t)
	fx.net.up = true
	fx.factory.connectAfter = -1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := fx.sel.ForceReconnectByType(ctx, ChoiceWiFi); out != OutcomePending {
		t.Fatalf("outcome = %v, want pending", out)
	}
}

func TestWiFiChosenButUnavailableUpgradesLater(t *testing.T) {
	fx := newFixture(t)
	if out := fx.sel.ForceReconnectByType(context.Background(), ChoiceWiFi); out != OutcomeWiFiUnavailable {
		t.Fatalf("outcome = %v, want wifi_unavailable", out)
	}
	if !fx.activeIsSerial() {
		t.Fatalf("serial not used while WiFi unavailable")
	}
	fx.net.up = true
	fx.tick()
	if fx.activeIsSerial() {
		t.Fatalf("did not move to WiFi once ready")
	}
}

func TestFailedBeginIsClosedAndPaced(t *testing.T) {
	fx := newFixture(t)
	fx.factory.wifiBeginOK = false
	fx.net.up = true
	fx.tick()
	if !fx.activeIsSerial() {
		t.Fatalf("serial not used after WiFi begin failure")
	}
	if len(fx.factory.created) != 1 || !fx.factory.created[0].closed {
		t.Fatalf("half-built transport not closed")
	}
	fx.tick()
	if len(fx.factory.created) != 1 {
		t.Fatalf("retried before the upgrade backoff elapsed")
	}
	fx.now = fx.now.Add(upgradeMaxBackoff)
	fx.tick()
	if len(fx.factory.created) != 2 {
		t.Fatalf("no retry after backoff: created=%d", len(fx.factory.created))
	}
}

func TestParseChoice(t *testing.T) {
	for in, want := range map[string]Choice{"": ChoiceAuto, "Serial": ChoiceSerial, "wifi": ChoiceWiFi} {
		got, err := ParseChoice(in)
		if err != nil || got != want {
			t.Fatalf("ParseChoice(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseChoice("usb"); err == nil {
		t.Fatalf("ParseChoice(usb) accepted")
	}
}
