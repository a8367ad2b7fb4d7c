package wifi

// Host treats the machine's existing network as the WiFi link, for bench
// setups where the OS already manages connectivity. Credentials are kept
// but not used.
type Host struct {
	iface  string
	ipOf   func(string) string
	joined bool
}

func NewHost(iface string) *Host {
	return &Host{iface: iface, ipOf: interfaceIPv4}
}

func (h *Host) Init() error { return nil }

func (h *Host) Join(string, string) error {
	h.joined = true
	return nil
}

func (h *Host) Status() Status {
	if !h.joined {
		return StatusDisconnected
	}
	if h.ipOf(h.iface) == "" {
		return StatusConnectionLost
	}
	return StatusConnected
}

func (h *Host) Disconnect() error {
	h.joined = false
	return nil
}

func (h *Host) LocalIP() string {
	if !h.joined {
		return ""
	}
	return h.ipOf(h.iface)
}

// Off is the radio of a pendant built without WiFi. Init fails, so the
// manager stays disabled and the pendant runs serial-only.
type Off struct{}

func (Off) Init() error               { return ErrDisabled }
func (Off) Join(string, string) error { return ErrDisabled }
func (Off) Status() Status            { return StatusDisconnected }
func (Off) Disconnect() error         { return nil }
func (Off) LocalIP() string           { return "" }
