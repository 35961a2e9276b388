package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bookerly/recsync/internal/recsync"
)

type ServerConfig struct {
	AuthToken    string
	MaxBodyBytes int64
}

// Server is the local JSON surface the application shell reads views and
// badges from and dispatches actions through. It is a thin projection over
// the engine; every consistency rule lives below it.
type Server struct {
	engine *recsync.Engine
	cfg    ServerConfig
}

func NewServer(engine *recsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *recsync.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "views" && r.Method == http.MethodGet:
		s.handleView(w, r, parts[2])
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "badges" && r.Method == http.MethodGet:
		s.handleBadges(w, r)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Status())
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "actions" && r.Method == http.MethodPost:
		s.handleAction(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "scopes" && parts[2] == "enter" && r.Method == http.MethodPost:
		s.handleScopeChange(w, r, true)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "scopes" && parts[2] == "leave" && r.Method == http.MethodPost:
		s.handleScopeChange(w, r, false)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "push" && r.Method == http.MethodPost:
		s.handlePush(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return header == "Bearer "+s.cfg.AuthToken
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, rawCategory string) {
	category, ok := recsync.ParseCategory(rawCategory)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown category")
		return
	}
	filter, ok := recsync.ParseFilter(r.URL.Query().Get("filter"))
	if !ok {
		filter = recsync.FilterCurrent
	}
	writeJSON(w, http.StatusOK, s.engine.GetView(category, filter))
}

type badgeEntry struct {
	Category recsync.Category `json:"category"`
	Filter   recsync.Filter   `json:"filter"`
	Unseen   int              `json:"unseen"`
}

func (s *Server) handleBadges(w http.ResponseWriter, _ *http.Request) {
	badges := []badgeEntry{}
	for _, category := range recsync.Categories() {
		for _, filter := range recsync.Filters() {
			scope := recsync.Scope{Category: category, Filter: filter}
			badges = append(badges, badgeEntry{
				Category: category,
				Filter:   filter,
				Unseen:   s.engine.GetUnseenCount(scope),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": badges})
}

type actionRequest struct {
	Category string `json:"category"`
	ID       string `json:"id"`
	Action   string `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	category, okCategory := recsync.ParseCategory(req.Category)
	action, okAction := recsync.ParseAction(req.Action)
	if !okCategory || !okAction || strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "category, id, and action are required")
		return
	}

	record, err := s.engine.DispatchAction(r.Context(), category, strings.TrimSpace(req.ID), action)
	if err != nil {
		var rejection *recsync.RejectionError
		switch {
		case errors.As(err, &rejection):
			writeError(w, http.StatusConflict, "rejected", rejection.Message)
		case errors.Is(err, recsync.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "record not found")
		case errors.Is(err, recsync.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "action not allowed for record state")
		case errors.Is(err, recsync.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", "unknown action")
		default:
			writeError(w, http.StatusBadGateway, "upstream_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type scopeRequest struct {
	Category string `json:"category"`
	Filter   string `json:"filter"`
}

func (s *Server) handleScopeChange(w http.ResponseWriter, r *http.Request, enter bool) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req scopeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	category, okCategory := recsync.ParseCategory(req.Category)
	filter, okFilter := recsync.ParseFilter(req.Filter)
	if !okCategory || !okFilter {
		writeError(w, http.StatusBadRequest, "bad_request", "category and filter are required")
		return
	}
	scope := recsync.Scope{Category: category, Filter: filter}
	if enter {
		s.engine.EnterScope(scope)
	} else {
		s.engine.LeaveScope(scope)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.engine.OnPush(body); err != nil {
		if errors.Is(err, recsync.ErrMalformedDelta) {
			writeError(w, http.StatusBadRequest, "malformed_delta", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
