// Package api implements the pendant's HTTP control surface.
//
// Routes:
//
//	GET  /api/v1/status           - WiFi and transport snapshot
//	GET  /api/v1/settings         - Stored network settings, password redacted
//	PUT  /api/v1/settings         - Merge, save and apply network settings
//	POST /api/v1/wifi/connect     - Store credentials and join
//	POST /api/v1/connection/test  - Probe an endpoint on a separate connection
//	POST /api/v1/connection/type  - Choose Auto, Serial or WiFi and reconnect
//	POST /api/v1/line             - Send one line to the controller
//	POST /api/v1/realtime         - Send one realtime command byte
//	GET  /api/v1/console          - WebSocket console stream
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/netstore"
	"github.com/fluiddial/pendant/internal/pendant"
	"github.com/fluiddial/pendant/internal/selector"
	"github.com/fluiddial/pendant/internal/transport"
	"github.com/fluiddial/pendant/internal/wifi"
)

const consolePingInterval = 20 * time.Second

// Controller is the part of pendant.Runner the API drives.
type Controller interface {
	Status(ctx context.Context) (pendant.Status, error)
	Settings(ctx context.Context) (netstore.Settings, error)
	SaveAndApply(ctx context.Context, s netstore.Settings) error
	ConnectWiFi(ctx context.Context, ssid, password string) error
	ChooseConnectionType(ctx context.Context, c selector.Choice) (selector.Outcome, error)
	TestConnection(ctx context.Context, kind transport.Kind, host string, port int) error
	SendLine(ctx context.Context, line string) error
	SendRT(ctx context.Context, c byte) error
}

// SubscribeFunc registers a console client; the returned function
// unsubscribes it.
type SubscribeFunc func() (<-chan pendant.ConsoleChunk, func())

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// realtimeCommands names the realtime bytes a client may send.
var realtimeCommands = map[string]byte{
	"status":     transport.StatusReport,
	"resume":     transport.CycleStart,
	"hold":       transport.FeedHold,
	"reset":      transport.Reset,
	"jog_cancel": transport.JogCancel,
}

type Server struct {
	ctrl        Controller
	subscribeFn SubscribeFunc
	log         *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(ctrl Controller, subFn SubscribeFunc, log *zap.Logger) http.Handler {
	s := &Server{ctrl: ctrl, subscribeFn: subFn, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	mux.HandleFunc("GET /api/v1/settings", s.getSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.putSettings)
	mux.HandleFunc("POST /api/v1/wifi/connect", s.connectWiFi)

	mux.HandleFunc("POST /api/v1/connection/test", s.testConnection)
	mux.HandleFunc("POST /api/v1/connection/type", s.connectionType)

	mux.HandleFunc("POST /api/v1/line", s.sendLine)
	mux.HandleFunc("POST /api/v1/realtime", s.sendRealtime)

	mux.HandleFunc("GET /api/v1/console", s.console)

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ── Settings ──────────────────────────────────────────────────────────────

type settingsView struct {
	SSID           string `json:"ssid"`
	PasswordSet    bool   `json:"password_set"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Transport      string `json:"transport"`
	ConnectionType string `json:"connection_type"`
}

func viewOf(rec netstore.Settings) settingsView {
	return settingsView{
		SSID:           rec.SSID,
		PasswordSet:    rec.Password != "",
		Host:           rec.Host,
		Port:           rec.Port,
		Transport:      rec.Transport,
		ConnectionType: rec.ConnectionType,
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.Settings(r.Context())
	if err != nil {
		s.fail(w, "settings", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// putSettings decodes over the stored record, so absent fields keep their
// current values.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ctrl.Settings(r.Context())
	if err != nil {
		s.fail(w, "settings", err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SaveAndApply(r.Context(), rec); err != nil {
		s.fail(w, "save settings", err)
		return
	}
	if rec, err = s.ctrl.Settings(r.Context()); err != nil {
		s.fail(w, "settings", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (s *Server) connectWiFi(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.ConnectWiFi(r.Context(), req.SSID, req.Password); err != nil {
		s.fail(w, "wifi connect", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ssid": req.SSID, "status": "joining"})
}

// ── Connection ────────────────────────────────────────────────────────────

type testRequest struct {
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	kind, err := transport.ParseKind(req.Transport)
	if err != nil || !kind.Wireless() {
		http.Error(w, "transport must be ws or tcp", http.StatusBadRequest)
		return
	}
	if req.Port == 0 {
		req.Port = kind.DefaultPort()
	}
	if strings.TrimSpace(req.Host) == "" {
		http.Error(w, "host required", http.StatusBadRequest)
		return
	}
	resp := map[string]interface{}{"ok": true, "transport": kind.String(), "host": req.Host, "port": req.Port}
	if err := s.ctrl.TestConnection(r.Context(), kind, req.Host, req.Port); err != nil {
		resp["ok"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type typeRequest struct {
	ConnectionType string `json:"connection_type"`
}

func (s *Server) connectionType(w http.ResponseWriter, r *http.Request) {
	var req typeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	c, err := selector.ParseChoice(req.ConnectionType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.ctrl.ChooseConnectionType(r.Context(), c)
	if err != nil {
		s.fail(w, "connection type", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_type": c.String(),
		"outcome":         out.String(),
	})
}

// ── Controller I/O ────────────────────────────────────────────────────────

type lineRequest struct {
	Line string `json:"line"`
}

func (s *Server) sendLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	line := strings.TrimRight(req.Line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		http.Error(w, "line must not contain line breaks", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SendLine(r.Context(), line); err != nil {
		s.fail(w, "send line", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "sent"})
}

type realtimeRequest struct {
	Command string `json:"command"`
}

func (s *Server) sendRealtime(w http.ResponseWriter, r *http.Request) {
	var req realtimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	c, ok := realtimeCommands[strings.ToLower(req.Command)]
	if !ok {
		http.Error(w, "unknown realtime command", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SendRT(r.Context(), c); err != nil {
		s.fail(w, "send realtime", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "sent"})
}

// ── WebSocket console ─────────────────────────────────────────────────────

// console streams controller output as JSON chunks. Text frames from the
// client are sent to the controller as lines.
func (s *Server) console(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.consoleInput(ctx, cancel, conn)

	ping := time.NewTicker(consolePingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(chunk); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) consoleInput(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if err := s.ctrl.SendLine(ctx, line); err != nil {
				s.log.Debug("api: console line", zap.Error(err))
				return
			}
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the console upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

// fail maps controller errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, netstore.ErrFieldTooLong),
		errors.Is(err, netstore.ErrInvalidPort),
		errors.Is(err, netstore.ErrInvalidTransport),
		errors.Is(err, netstore.ErrInvalidConnection),
		errors.Is(err, wifi.ErrEmptySSID):
		code = http.StatusBadRequest
	case errors.Is(err, wifi.ErrDisabled):
		code = http.StatusConflict
	case errors.Is(err, pendant.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("api: "+op, zap.Error(err))
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
