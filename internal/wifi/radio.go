package wifi

import "net"

// Status is the radio's link state, modelled on the ESP32 station states.
type Status int

const (
	StatusIdle Status = iota
	StatusNoSSID
	StatusConnected
	StatusConnectFailed
	StatusAuthFailed
	StatusConnectionLost
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusNoSSID:
		return "no_ssid"
	case StatusConnected:
		return "connected"
	case StatusConnectFailed:
		return "connect_failed"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusConnectionLost:
		return "connection_lost"
	default:
		return "disconnected"
	}
}

// failure reports whether s ends a join attempt unsuccessfully.
func (s Status) failure() bool {
	switch s {
	case StatusNoSSID, StatusConnectFailed, StatusAuthFailed, StatusConnectionLost:
		return true
	}
	return false
}

// Radio drives the station interface.
type Radio interface {
	Init() error
	// Join starts an association without waiting for it. Status reads
	// StatusIdle until the attempt resolves.
	Join(ssid, password string) error
	Status() Status
	Disconnect() error
	// LocalIP is the station address, "" when there is none.
	LocalIP() string
}

// interfaceIPv4 returns the first IPv4 address of iface, or of any up,
// non-loopback interface when iface is empty.
func interfaceIPv4(iface string) string {
	var ifaces []net.Interface
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return ""
		}
		ifaces = []net.Interface{*ifi}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return ""
		}
		ifaces = all
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
					return ip4.String()
				}
			}
		}
	}
	return ""
}
