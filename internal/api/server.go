// Package api exposes the HTTP surface: a converse endpoint for
// non-MQTT clients and a read-only status projection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/verlo/hearth/internal/agent"
	"github.com/verlo/hearth/internal/buildinfo"
	"github.com/verlo/hearth/internal/llm"
	"github.com/verlo/hearth/internal/prompt"
)

// Converser runs one conversation turn.
type Converser interface {
	Converse(ctx context.Context, in prompt.Input) agent.Out
}

// StatusSource provides the read-only projections for /api/status.
type StatusSource interface {
	LLMMetrics() llm.Snapshot
	AlarmCounts() (active, total int)
	MemoryCounts() map[string]int
}

// Server is the HTTP API server.
type Server struct {
	converser Converser
	status    StatusSource
	tokenHash string
	logger    *slog.Logger
	srv       *http.Server
}

// New creates the server. tokenHash is a bcrypt hash of the bearer
// token; empty disables authentication (bind to loopback if you do
// that).
func New(addr string, converser Converser, status StatusSource, tokenHash string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		converser: converser,
		status:    status,
		tokenHash: tokenHash,
		logger:    logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/converse", s.auth(s.handleConverse))
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// auth enforces the bearer token when one is configured. The hash
// comparison is bcrypt so the config file never holds the raw token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			next(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)) != nil {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			s.logger.Warn("unauthorized request", "path", r.URL.Path, "remote", host)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type converseRequest struct {
	Text           string `json:"text"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type converseResponse struct {
	Text                 string `json:"text"`
	ContinueConversation bool   `json:"continue_conversation"`
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = "api"
	}

	out := s.converser.Converse(r.Context(), prompt.Input{
		Utterance:      req.Text,
		UserID:         req.UserID,
		ConversationID: conversationID,
		Now:            time.Now(),
	})

	writeJSON(w, http.StatusOK, converseResponse{
		Text:                 out.Text,
		ContinueConversation: out.ContinueConversation,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, total := s.status.AlarmCounts()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"llm":     s.status.LLMMetrics(),
		"alarms": map[string]int{
			"active": active,
			"total":  total,
		},
		"memory": s.status.MemoryCounts(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
