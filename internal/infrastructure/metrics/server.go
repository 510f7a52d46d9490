// Package metrics serves the Prometheus endpoint, the JSON health snapshot,
// and the token-guarded kill-switch admin endpoints on one HTTP listener.
package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"option_trader/internal/core"
	"option_trader/pkg/telemetry"
)

// Server exposes /metrics, /healthz, and /admin/killswitch/*.
type Server struct {
	port       int
	adminToken string
	logger     core.ILogger
	hm         core.IHealthMonitor
	riskMgr    core.IRiskManager
	srv        *http.Server
}

// NewServer builds the server. riskMgr and adminToken may be empty; the
// admin routes are only mounted when both are present.
func NewServer(port int, adminToken string, hm core.IHealthMonitor, riskMgr core.IRiskManager, logger core.ILogger) *Server {
	return &Server{
		port:       port,
		adminToken: adminToken,
		logger:     logger.WithField("component", "metrics_server"),
		hm:         hm,
		riskMgr:    riskMgr,
	}
}

// Start serves in the background. Listen failures surface through the log,
// not the caller; the health snapshot covers liveness.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.handler(),
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port, "admin_enabled", s.adminEnabled())
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) adminEnabled() bool {
	return s.adminToken != "" && s.riskMgr != nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.adminEnabled() {
		mux.HandleFunc("/admin/killswitch/trigger", s.withAdminAuth(s.handleTrigger))
		mux.HandleFunc("/admin/killswitch/clear", s.withAdminAuth(s.handleClear))
		mux.HandleFunc("/admin/killswitch/state", s.withAdminAuth(s.handleState))
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m := telemetry.GetGlobalMetrics()

	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"open_contracts":     m.OpenContractsSnapshot(),
			"kill_switch_active": m.KillSwitchSnapshot(),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		body["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// withAdminAuth requires a bearer token matching the configured admin
// token. The compare is constant-time.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(raw), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type adminRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

func (s *Server) decodeAdmin(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return req, false
	}
	if req.AccountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual trigger via admin endpoint"
	}
	s.riskMgr.TriggerManual(req.AccountID, reason)
	s.logger.Warn("Kill switch triggered via admin endpoint", "account", req.AccountID, "reason", reason)
	s.writeState(w, req.AccountID)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := s.riskMgr.Clear(req.AccountID); err != nil {
		s.logger.Error("Kill switch clear failed", "account", req.AccountID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Info("Kill switch cleared via admin endpoint", "account", req.AccountID)
	s.writeState(w, req.AccountID)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}
	s.writeState(w, accountID)
}

func (s *Server) writeState(w http.ResponseWriter, accountID string) {
	state, _ := s.riskMgr.ActiveState(accountID)
	state.AccountID = accountID
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}
