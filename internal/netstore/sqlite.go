package netstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/store"
)

// SQLite keeps the record as the single row of net_settings.
type SQLite struct {
	db  *store.DB
	log *zap.Logger
}

// NewSQLite expects db to be migrated.
func NewSQLite(db *store.DB, log *zap.Logger) *SQLite {
	return &SQLite{db: db, log: log}
}

func (s *SQLite) Load() (Settings, bool, error) {
	var rec Settings
	err := s.db.QueryRow(`
		SELECT ssid, password, host, port, transport, connection_type
		FROM net_settings WHERE id = 1`,
	).Scan(&rec.SSID, &rec.Password, &rec.Host, &rec.Port, &rec.Transport, &rec.ConnectionType)
	if errors.Is(err, sql.ErrNoRows) {
		return Defaults(), false, nil
	}
	if err != nil {
		return Defaults(), false, fmt.Errorf("netstore: load: %w", err)
	}
	rec, fixed := repair(rec)
	if len(fixed) > 0 {
		s.log.Warn("netstore: invalid stored values replaced by defaults",
			zap.Strings("fields", fixed))
	}
	return rec, true, nil
}

func (s *SQLite) Save(rec Settings) error {
	rec = withDefaults(rec)
	if err := validate(rec); err != nil {
		return err
	}
	rec.Transport, _ = normalizeTransport(rec.Transport)
	rec.ConnectionType, _ = normalizeConnectionType(rec.ConnectionType)
	return s.upsert("save",
		[]string{"ssid", "password", "host", "port", "transport", "connection_type"},
		rec.SSID, rec.Password, rec.Host, rec.Port, rec.Transport, rec.ConnectionType)
}

func (s *SQLite) SaveWifiCredentials(ssid, password string) error {
	if err := validateCredentials(ssid, password); err != nil {
		return err
	}
	return s.upsert("save credentials", []string{"ssid", "password"}, ssid, password)
}

func (s *SQLite) SaveHost(host string, port int) error {
	if host == "" {
		host = DefaultHost
	}
	if err := validateHost(host); err != nil {
		return err
	}
	if err := validatePort(port); err != nil {
		return err
	}
	return s.upsert("save host", []string{"host", "port"}, host, port)
}

func (s *SQLite) SaveTransport(transport, host string, port int) error {
	t, err := normalizeTransport(transport)
	if err != nil {
		return err
	}
	if host == "" {
		host = DefaultHost
	}
	if err := validateHost(host); err != nil {
		return err
	}
	if err := validatePort(port); err != nil {
		return err
	}
	return s.upsert("save transport", []string{"transport", "host", "port"}, t, host, port)
}

func (s *SQLite) SaveConnectionType(connectionType string) error {
	ct, err := normalizeConnectionType(connectionType)
	if err != nil {
		return err
	}
	return s.upsert("save connection type", []string{"connection_type"}, ct)
}

func (s *SQLite) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM net_settings WHERE id = 1`); err != nil {
		return fmt.Errorf("netstore: clear: %w", err)
	}
	return nil
}

// ── internal ──────────────────────────────────────────────────────────────

// upsert writes only cols; columns it does not name keep their stored value
// or, for a fresh row, their schema default.
func (s *SQLite) upsert(op string, cols []string, args ...any) error {
	sets := make([]string, 0, len(cols)+1)
	marks := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		marks = append(marks, "?")
	}
	sets = append(sets, "updated_at = excluded.updated_at")
	marks = append(marks, "?")
	args = append(args, time.Now().Unix())

	q := fmt.Sprintf(
		`INSERT INTO net_settings (id, %s, updated_at) VALUES (1, %s)
		 ON CONFLICT(id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "),
	)
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("netstore: %s: %w", op, err)
	}
	return nil
}
