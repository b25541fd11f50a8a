// Package gateway is the HTTP surface of the runtime: the SSE turn
// endpoint plus session and cost read APIs.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/cost"
	"github.com/nextlevelbuilder/agentcore/internal/prompt"
	"github.com/nextlevelbuilder/agentcore/internal/rag"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/events"
)

// sessionLister extends the storage backend with the user-scoped
// session listing both implementations provide.
type sessionLister interface {
	store.Backend
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
}

// Server wires the coordinator and read paths behind an http.Server.
type Server struct {
	coordinator *agent.Coordinator
	backend     sessionLister
	costs       *cost.Aggregator
	prompts     *prompt.Builder
	rag         *rag.Service // nil = assistant context off
	limiter     *userLimiter
	log         *slog.Logger

	httpServer *http.Server
	mux        *http.ServeMux
}

// Config wires a Server.
type Config struct {
	Coordinator *agent.Coordinator
	Backend     sessionLister
	Costs       *cost.Aggregator
	Prompts     *prompt.Builder
	RAG         *rag.Service
	RateRPS     int
	Log         *slog.Logger
}

// NewServer builds the gateway.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompt.NewBuilder(cfg.Log)
	}
	s := &Server{
		coordinator: cfg.Coordinator,
		backend:     cfg.Backend,
		costs:       cfg.Costs,
		prompts:     cfg.Prompts,
		rag:         cfg.RAG,
		limiter:     newUserLimiter(cfg.RateRPS),
		log:         cfg.Log,
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("GET /v1/costs/summary", s.handleCostSummary)
	s.mux.HandleFunc("GET /v1/costs/report", s.handleCostReport)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks until the context ends or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.ListenAndServe() }()
	s.log.Info("gateway listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}

// turnRequest is the POST body of the turn endpoint.
type turnRequest struct {
	Message     string           `json:"message"`
	ModelID     string           `json:"modelId,omitempty"`
	System      string           `json:"system,omitempty"`
	AssistantID string           `json:"assistantId,omitempty"`
	MaxTokens   int              `json:"maxTokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Attachments []turnAttachment `json:"attachments,omitempty"`
}

type turnAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"` // base64
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	if !s.limiter.allow(userID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" && len(req.Attachments) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	text := req.Message
	if req.AssistantID != "" && s.rag != nil {
		chunks := s.rag.SearchOrEmpty(r.Context(), req.AssistantID, text, 0)
		text = rag.Augment(text, chunks, 0)
	}

	attachments := make([]prompt.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			http.Error(w, fmt.Sprintf("attachment %s: invalid base64", a.Name), http.StatusBadRequest)
			return
		}
		attachments = append(attachments, prompt.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Bytes:       raw,
		})
	}
	blocks := s.prompts.Build(text, attachments)

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Client disconnect cancels r.Context(); the coordinator's
	// emergency path persists whatever is buffered.
	err := s.coordinator.StreamTurn(r.Context(), agent.TurnRequest{
		UserID:      userID,
		SessionID:   r.PathValue("id"),
		ModelID:     req.ModelID,
		System:      req.System,
		Prompt:      blocks,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, func(e events.Event) bool {
		return events.WriteSSE(w, flusher, e) == nil
	})
	if err != nil {
		// Nothing has been streamed yet; a plain error is still legal.
		s.log.Error("turn failed before streaming", "error", err)
		http.Error(w, "turn failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	sessions, err := s.backend.ListSessions(r.Context(), userID)
	if err != nil {
		s.log.Error("session list failed", "user_id", userID, "error", err)
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if callerID(r) == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	msgs, next, err := s.backend.ListMessages(r.Context(), r.PathValue("id"), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.log.Error("message list failed", "session_id", r.PathValue("id"), "error", err)
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"messages": msgs, "nextCursor": next})
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = store.PeriodMonth(time.Now().UTC())
	}
	summary, err := s.costs.UserSummary(r.Context(), userID, period)
	if err != nil {
		s.log.Error("cost summary failed", "user_id", userID, "error", err)
		http.Error(w, "summary failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleCostReport(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "bad from date", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "bad to date", http.StatusBadRequest)
			return
		}
		to = t.Add(24*time.Hour - time.Nanosecond)
	}
	records, err := s.costs.DetailedReport(r.Context(), userID, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"records": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// callerID identifies the requesting user. Header first, query param
// as a fallback for SSE clients that cannot set headers.
func callerID(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("user_id")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
