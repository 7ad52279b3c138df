package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	errs "igsession/pkg/errors"
	"igsession/pkg/media"
	"igsession/pkg/orchestrator"
	"igsession/pkg/session"
)

const maxBodyBytes = 1 << 16

type errorBody struct {
	Detail string `json:"detail"`
}

type loginBody struct {
	Password string `json:"password"`
}

type messageBody struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	State    string `json:"state,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var body loginBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, errs.Wrap(errs.ErrorTypeInvalidInput, "request body must be JSON with a password", err))
		return
	}

	lease, err := s.orch.Login(r.Context(), username, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer lease.Close()

	writeJSON(w, http.StatusOK, messageBody{
		Message:  "Login successful",
		Username: username,
		State:    lease.State.String(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if err := s.orch.Logout(r.Context(), username); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Logout successful", Username: username})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	target := r.URL.Query().Get("target")
	if target == "" {
		target = username
	}
	if err := session.ValidateUsername(target); err != nil {
		s.writeError(w, r, err)
		return
	}

	lease, err := s.orch.Acquire(r.Context(), orchestrator.Request{Username: username})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer lease.Close()

	profile, err := lease.Client.GetProfile(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

const (
	defaultHighlightLimit = 5
	maxHighlightLimit     = 20
)

type highlightMedia struct {
	HighlightID string   `json:"highlight_id"`
	MediaURLs   []string `json:"media_urls"`
}

type highlightsBody struct {
	Highlights []highlightMedia `json:"highlights"`
	NextCursor *string          `json:"next_cursor"`
}

// handleHighlightMedia returns up to limit highlights of target that were
// not handed out before and records them.
func (s *Server) handleHighlightMedia(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	target := r.URL.Query().Get("target")
	if target == "" {
		target = username
	}
	if err := session.ValidateUsername(target); err != nil {
		s.writeError(w, r, err)
		return
	}
	target = session.NormalizeUsername(target)

	limit := defaultHighlightLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHighlightLimit {
			s.writeError(w, r, errs.New(errs.ErrorTypeInvalidInput,
				"limit must be between 1 and "+strconv.Itoa(maxHighlightLimit)))
			return
		}
		limit = n
	}

	lease, err := s.orch.Acquire(r.Context(), orchestrator.Request{Username: username})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer lease.Close()

	highlights, err := lease.Client.GetHighlights(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seen, err := s.ledger.SeenIDs(r.Context(), target)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.ErrorTypeStorage, "failed to read media ledger", err))
		return
	}

	page, more := media.Select(highlights, seen, limit)
	rows := media.Describe(page, target, session.NormalizeUsername(username), s.now())
	if err := s.ledger.Record(r.Context(), rows); err != nil {
		s.writeError(w, r, errs.Wrap(errs.ErrorTypeStorage, "failed to record media", err))
		return
	}

	body := highlightsBody{Highlights: make([]highlightMedia, 0, len(page))}
	for _, h := range page {
		urls := make([]string, 0, len(h.Items))
		for _, item := range h.Items {
			if u := item.URL(); u != "" {
				urls = append(urls, u)
			}
		}
		body.Highlights = append(body.Highlights, highlightMedia{HighlightID: h.ID, MediaURLs: urls})
	}
	if more {
		cursor := strconv.Itoa(len(page))
		body.NextCursor = &cursor
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			s.log.WithContext(r.Context()).WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps err to its outward status and a safe message
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}

	log := s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"status":     status,
		"error_type": string(errs.TypeOf(err)),
	}).WithError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	msg := errs.SafeMessage(err)
	if status == http.StatusServiceUnavailable && errs.TypeOf(err) == errs.ErrorTypeUnknown {
		msg = "Request cancelled"
	}
	writeJSON(w, status, errorBody{Detail: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
