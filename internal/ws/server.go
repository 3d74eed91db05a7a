package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/torontomonica-create/Coffee-break/internal/session"
	"github.com/torontomonica-create/Coffee-break/internal/stats"
)

// ServerOptions configures the feed server. Controller and Broadcaster are
// required. An empty AuthToken leaves every endpoint open.
type ServerOptions struct {
	Controller     *session.Controller
	Broadcaster    *Broadcaster
	AllowedOrigins []string
	AuthToken      string
	Log            logrus.FieldLogger
}

type Server struct {
	controller     *session.Controller
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            logrus.FieldLogger
	started        time.Time
}

func NewServer(opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &Server{
		controller:     opts.Controller,
		broadcaster:    opts.Broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		log:            opts.Log.WithField("component", "feed"),
		started:        time.Now(),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/join.png", s.handleJoinQR)
	mux.HandleFunc("/debug/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}

	s.log.WithField("remote", r.RemoteAddr).Info("feed client connected")
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.WithField("remote", r.RemoteAddr).Info("feed client disconnected")
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleIntent(c, raw)
		}
	}()
}

// handleIntent applies one client message to the controller. Malformed
// messages and wrong-phase intents come back as error payloads on the same
// connection; they never disturb other clients.
func (s *Server) handleIntent(c *client, raw []byte) {
	var msg IntentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(c, "malformed message")
		return
	}

	var err error
	switch msg.Type {
	case MsgStart:
		var p StartPayload
		if len(msg.Payload) > 0 {
			if jerr := json.Unmarshal(msg.Payload, &p); jerr != nil {
				s.sendError(c, "malformed start payload")
				return
			}
		}
		err = s.controller.Start(stats.Category(p.Category), time.Duration(p.DurationSeconds)*time.Second)
	case MsgSip:
		err = s.controller.Sip()
	case MsgFinish:
		err = s.controller.Finish()
	case MsgRestart:
		err = s.controller.Restart()
	default:
		s.sendError(c, fmt.Sprintf("unknown intent %q", msg.Type))
		return
	}

	if err != nil {
		s.sendError(c, err.Error())
	}
}

func (s *Server) sendError(c *client, text string) {
	data, err := json.Marshal(WSMessage{
		Type:    MsgError,
		Payload: ErrorPayload{Error: text},
	})
	if err != nil {
		return
	}
	s.broadcaster.push(c, data)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.controller.View())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleJoinQR renders a QR code for the dashboard URL so a phone on the
// same network can join by pointing a camera at a laptop screen.
func (s *Server) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	u := url.URL{Scheme: "http", Host: r.Host, Path: "/"}
	if s.authToken != "" {
		q := u.Query()
		q.Set("token", s.authToken)
		u.RawQuery = q.Encode()
	}

	png, err := qrcode.Encode(u.String(), qrcode.Medium, 256)
	if err != nil {
		s.log.WithError(err).Error("encoding join QR")
		http.Error(w, "qr encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

type statusPayload struct {
	InstanceID     string   `json:"instanceId"`
	Uptime         string   `json:"uptime"`
	Goroutines     int      `json:"goroutines"`
	RSSBytes       uint64   `json:"rssBytes"`
	CPUPercent     float64  `json:"cpuPercent"`
	Peers          []string `json:"peers"`
	FeedClients    int      `json:"feedClients"`
	StoreFailures  int      `json:"storeFailures"`
	StoreDegraded  bool     `json:"storeDegraded"`
	StoreLastError string   `json:"storeLastError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	failures, degraded, lastErr := s.controller.WriteHealth()
	payload := statusPayload{
		InstanceID:     s.controller.ID(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		Goroutines:     runtime.NumGoroutine(),
		Peers:          s.controller.Peers(),
		FeedClients:    s.broadcaster.ClientCount(),
		StoreFailures:  failures,
		StoreDegraded:  degraded,
		StoreLastError: lastErr,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			payload.RSSBytes = mem.RSS
		}
		if pct, err := proc.CPUPercent(); err == nil {
			payload.CPUPercent = pct
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Coffee-Break-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// securityHeaders wraps a handler with the standard response headers for a
// LAN-facing dashboard.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux, log logrus.FieldLogger) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.WithField("addr", addr).Info("feed listening")
	return http.ListenAndServe(addr, securityHeaders(mux))
}
