// Package netstore persists the pendant's network settings record: WiFi
// credentials, the controller endpoint, the network transport and the
// user's explicit connection type.
//
// Every partial save reads and merges, so saving credentials never disturbs
// the host settings and the other way round. A missing record is not an
// error: Load reports the defaults with found == false.
package netstore

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultHost      = "fluidnc.local"
	DefaultPort      = 81
	DefaultTransport = "ws"

	// MaxFieldLen bounds SSID, password and host (802.11 passphrase limit).
	MaxFieldLen = 63
)

var (
	ErrFieldTooLong      = errors.New("netstore: field too long")
	ErrInvalidPort       = errors.New("netstore: invalid port")
	ErrInvalidTransport  = errors.New("netstore: invalid transport")
	ErrInvalidConnection = errors.New("netstore: invalid connection type")
)

// Settings is the persisted record.
type Settings struct {
	SSID           string `json:"ssid"`
	Password       string `json:"password"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Transport      string `json:"transport"`       // "ws" | "tcp"
	ConnectionType string `json:"connection_type"` // "" | "Serial" | "WiFi"
}

// Defaults returns the factory record.
func Defaults() Settings {
	return Settings{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Transport: DefaultTransport,
	}
}

// HasCredentials reports whether a WiFi join can be attempted.
func (s Settings) HasCredentials() bool { return s.SSID != "" }

// Store is implemented by SQLite and Memory.
type Store interface {
	Load() (Settings, bool, error)
	Save(s Settings) error
	SaveWifiCredentials(ssid, password string) error
	SaveHost(host string, port int) error
	SaveTransport(transport, host string, port int) error
	SaveConnectionType(connectionType string) error
	Clear() error
}

// withDefaults fills empty fields the way a fresh save expects.
func withDefaults(s Settings) Settings {
	if strings.TrimSpace(s.Host) == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Transport == "" {
		s.Transport = DefaultTransport
	}
	return s
}

// repair replaces invalid stored values with defaults and names what it
// replaced.
func repair(s Settings) (Settings, []string) {
	var fixed []string
	if s.Host == "" || len(s.Host) > MaxFieldLen {
		s.Host = DefaultHost
		fixed = append(fixed, "host")
	}
	if validatePort(s.Port) != nil {
		s.Port = DefaultPort
		fixed = append(fixed, "port")
	}
	if t, err := normalizeTransport(s.Transport); err != nil {
		s.Transport = DefaultTransport
		fixed = append(fixed, "transport")
	} else {
		s.Transport = t
	}
	if ct, err := normalizeConnectionType(s.ConnectionType); err != nil {
		s.ConnectionType = ""
		fixed = append(fixed, "connection_type")
	} else {
		s.ConnectionType = ct
	}
	if len(s.SSID) > MaxFieldLen || len(s.Password) > MaxFieldLen {
		s.SSID, s.Password = "", ""
		fixed = append(fixed, "credentials")
	}
	return s, fixed
}

func validate(s Settings) error {
	if err := validateCredentials(s.SSID, s.Password); err != nil {
		return err
	}
	if err := validateHost(s.Host); err != nil {
		return err
	}
	if err := validatePort(s.Port); err != nil {
		return err
	}
	if _, err := normalizeTransport(s.Transport); err != nil {
		return err
	}
	_, err := normalizeConnectionType(s.ConnectionType)
	return err
}

func validateCredentials(ssid, password string) error {
	if len(ssid) > MaxFieldLen {
		return fmt.Errorf("%w: ssid is %d bytes (max %d)", ErrFieldTooLong, len(ssid), MaxFieldLen)
	}
	if len(password) > MaxFieldLen {
		return fmt.Errorf("%w: password is %d bytes (max %d)", ErrFieldTooLong, len(password), MaxFieldLen)
	}
	return nil
}

func validateHost(host string) error {
	if len(host) > MaxFieldLen {
		return fmt.Errorf("%w: host is %d bytes (max %d)", ErrFieldTooLong, len(host), MaxFieldLen)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// normalizeTransport maps the accepted spellings onto "ws" and "tcp".
func normalizeTransport(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "ws", "websocket":
		return "ws", nil
	case "tcp", "telnet":
		return "tcp", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransport, t)
}

func normalizeConnectionType(ct string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "", "auto":
		return "", nil
	case "serial":
		return "Serial", nil
	case "wifi":
		return "WiFi", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidConnection, ct)
}
