package transport

import (
	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/netstore"
)

// SettingsStore is the part of netstore.Store that Config reads and writes.
type SettingsStore interface {
	Load() (netstore.Settings, bool, error)
	SaveTransport(transport, host string, port int) error
}

// Config is a cached view of the persisted network transport choice. It
// loads lazily on first access and again after Invalidate. Owned by the
// run loop; not safe for concurrent use.
type Config struct {
	store SettingsStore
	log   *zap.Logger

	loaded bool
	kind   Kind
	ep     Endpoint
}

func NewConfig(store SettingsStore, log *zap.Logger) *Config {
	return &Config{store: store, log: log}
}

// Loaded is false between construction or Invalidate and the next access.
func (c *Config) Loaded() bool { return c.loaded }

// Invalidate drops the cache; the next access reloads.
func (c *Config) Invalidate() { c.loaded = false }

func (c *Config) Kind() Kind {
	c.ensure()
	return c.kind
}

func (c *Config) Endpoint() Endpoint {
	c.ensure()
	return c.ep
}

// SetKind changes the network kind. A port still at the previous kind's
// default follows to the new kind's default.
func (c *Config) SetKind(k Kind) {
	c.ensure()
	if !k.Wireless() || k == c.kind {
		return
	}
	if c.ep.Port == c.kind.DefaultPort() {
		c.ep.Port = k.DefaultPort()
	}
	c.kind = k
}

func (c *Config) SetEndpoint(host string, port int) {
	c.ensure()
	c.ep = Endpoint{Host: host, Port: port}
}

// Save writes kind, host and port; credentials are untouched.
func (c *Config) Save() error {
	c.ensure()
	return c.store.SaveTransport(c.kind.String(), c.ep.Host, c.ep.Port)
}

func (c *Config) ensure() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.kind = KindWebSocket
	c.ep = Endpoint{Host: netstore.DefaultHost, Port: netstore.DefaultPort}

	rec, _, err := c.store.Load()
	if err != nil {
		c.log.Warn("transport config: load failed, using defaults", zap.Error(err))
		return
	}
	kind, err := ParseKind(rec.Transport)
	if err != nil || !kind.Wireless() {
		c.log.Warn("transport config: invalid transport, using ws", zap.String("transport", rec.Transport))
		kind = KindWebSocket
	}
	c.kind = kind
	ep := Endpoint{Host: rec.Host, Port: rec.Port}
	if !ep.Valid() {
		c.log.Warn("transport config: invalid endpoint, using defaults", zap.Stringer("endpoint", ep))
		ep = Endpoint{Host: netstore.DefaultHost, Port: kind.DefaultPort()}
	}
	c.ep = ep
}
