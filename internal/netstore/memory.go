package netstore

import "sync"

// Memory is a process-local Store. It backs the pendant when the database
// cannot be opened, and the tests.
type Memory struct {
	mu  sync.Mutex
	rec *Settings
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load() (Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Defaults(), false, nil
	}
	rec, _ := repair(*m.rec)
	return rec, true, nil
}

func (m *Memory) Save(rec Settings) error {
	rec = withDefaults(rec)
	if err := validate(rec); err != nil {
		return err
	}
	rec.Transport, _ = normalizeTransport(rec.Transport)
	rec.ConnectionType, _ = normalizeConnectionType(rec.ConnectionType)
	m.update(func(cur *Settings) { *cur = rec })
	return nil
}

func (m *Memory) SaveWifiCredentials(ssid, password string) error {
	if err := validateCredentials(ssid, password); err != nil {
		return err
	}
	m.update(func(cur *Settings) {
		cur.SSID = ssid
		cur.Password = password
	})
	return nil
}

func (m *Memory) SaveHost(host string, port int) error {
	if host == "" {
		host = DefaultHost
	}
	if err := validateHost(host); err != nil {
		return err
	}
	if err := validatePort(port); err != nil {
		return err
	}
	m.update(func(cur *Settings) {
		cur.Host = host
		cur.Port = port
	})
	return nil
}

func (m *Memory) SaveTransport(transport, host string, port int) error {
	t, err := normalizeTransport(transport)
	if err != nil {
		return err
	}
	if err := m.SaveHost(host, port); err != nil {
		return err
	}
	m.update(func(cur *Settings) { cur.Transport = t })
	return nil
}

func (m *Memory) SaveConnectionType(connectionType string) error {
	ct, err := normalizeConnectionType(connectionType)
	if err != nil {
		return err
	}
	m.update(func(cur *Settings) { cur.ConnectionType = ct })
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.rec = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) update(fn func(cur *Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		d := Defaults()
		m.rec = &d
	}
	fn(m.rec)
}
