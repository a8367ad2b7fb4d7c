package pendant

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/netstore"
	"github.com/fluiddial/pendant/internal/selector"
	"github.com/fluiddial/pendant/internal/transport"
)

// Status is a snapshot for status displays.
type Status struct {
	WiFi        string             `json:"wifi"`
	WiFiReady   bool               `json:"wifi_ready"`
	SSID        string             `json:"ssid"`
	LocalIP     string             `json:"local_ip"`
	WiFiRetryMS int64              `json:"wifi_retry_in_ms"`
	Transport   string             `json:"transport"`
	Connected   bool               `json:"connected"`
	Choice      string             `json:"choice"`
	Network     string             `json:"network_transport"`
	Endpoint    transport.Endpoint `json:"endpoint"`
}

func (r *Runner) Status(ctx context.Context) (Status, error) {
	return call(ctx, r, func() (Status, error) {
		st := Status{
			WiFi:        r.wifi.StatusText(),
			WiFiReady:   r.wifi.Connected(),
			SSID:        r.wifi.SSID(),
			LocalIP:     r.wifi.LocalIP(),
			WiFiRetryMS: r.wifi.RetryIn().Milliseconds(),
			Connected:   r.sel.IsConnected(),
			Choice:      r.sel.Choice().String(),
			Network:     r.cfg.Kind().String(),
			Endpoint:    r.cfg.Endpoint(),
		}
		if k, ok := r.sel.ActiveKind(); ok {
			st.Transport = k.String()
		}
		return st, nil
	})
}

// Settings returns the persisted record.
func (r *Runner) Settings(ctx context.Context) (netstore.Settings, error) {
	return call(ctx, r, func() (netstore.Settings, error) {
		rec, _, err := r.store.Load()
		return rec, err
	})
}

// SaveAndApply persists s and makes it take effect: the transport config is
// reloaded, WiFi rejoins when the credentials changed, and the transport
// is rebuilt even if the current one is connected.
func (r *Runner) SaveAndApply(ctx context.Context, s netstore.Settings) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		prev, _, _ := r.store.Load()
		if err := r.store.Save(s); err != nil {
			return struct{}{}, err
		}
		cur, _, err := r.store.Load()
		if err != nil {
			return struct{}{}, err
		}
		r.cfg.Invalidate()

		if cur.SSID != prev.SSID || cur.Password != prev.Password {
			if cur.SSID == "" {
				r.wifi.Disconnect()
			} else if cerr := r.wifi.ConnectAsync(cur.SSID, cur.Password); cerr != nil {
				r.log.Warn("pendant: rejoin after settings change", zap.Error(cerr))
			}
		}
		if c, perr := selector.ParseChoice(cur.ConnectionType); perr == nil {
			r.sel.SetChoice(c)
		}
		r.sel.ForceReconnect()
		r.log.Info("pendant: settings applied",
			zap.String("transport", cur.Transport),
			zap.String("host", cur.Host),
			zap.Int("port", cur.Port))
		return struct{}{}, nil
	})
	return err
}

// ChooseConnectionType persists c and reconnects by it. For WiFi this
// holds the loop for up to the selector's connect wait. When ctx ends
// first the outcome is unknown and only ctx's error is returned.
func (r *Runner) ChooseConnectionType(ctx context.Context, c selector.Choice) (selector.Outcome, error) {
	return call(ctx, r, func() (selector.Outcome, error) {
		if err := r.store.SaveConnectionType(c.String()); err != nil {
			return selector.OutcomeFailed, err
		}
		return r.sel.ForceReconnectByType(ctx, c), nil
	})
}

// ConnectWiFi stores credentials and starts a join.
func (r *Runner) ConnectWiFi(ctx context.Context, ssid, password string) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.wifi.ConnectAsync(ssid, password)
	})
	return err
}

// TestConnection probes host:port with kind on its own connection. The
// active transport is not touched, so it runs off the loop.
func (r *Runner) TestConnection(ctx context.Context, kind transport.Kind, host string, port int) error {
	if err := r.prober.Probe(ctx, kind, transport.Endpoint{Host: host, Port: port}); err != nil {
		return fmt.Errorf("pendant: test connection: %w", err)
	}
	return nil
}

func (r *Runner) SendLine(ctx context.Context, line string) error {
	return r.Do(ctx, func() { r.sel.SendLine(line, transport.DefaultLineTimeout) })
}

func (r *Runner) SendRT(ctx context.Context, c byte) error {
	return r.Do(ctx, func() { r.sel.SendRT(c) })
}
