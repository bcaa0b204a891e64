// Package api exposes the read side of the store over HTTP: snapshot
// endpoints for the UI plus a live event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fwhy/mailhits/internal/pagination"
	"github.com/fwhy/mailhits/internal/store"
)

type Server struct {
	store  *store.Store
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(st *store.Store, logger *slog.Logger) *Server {
	server := &Server{
		store:  st,
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/emails", server.handleEmails)
	mux.HandleFunc("/api/emails/", server.handleEmail)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.NotFound(w, r)
}

// handleEmails serves the snapshot listing and the clear-all operation.
func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodDelete:
		if err := s.store.Clear(r.Context()); err != nil {
			s.logger.Error("clear emails", "error", err)
			http.Error(w, "unable to clear emails", http.StatusInternalServerError)
			return
		}
		s.logger.Info("emails cleared")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	emails, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list emails", "error", err)
		http.Error(w, "unable to list emails", http.StatusInternalServerError)
		return
	}

	params := pagination.GetPaginationParams(r.URL.Query(), pagination.WithDefaultLimit(50))
	if params.Sort == "newest" || params.Sort == "desc" {
		for i, j := 0, len(emails)-1; i < j; i, j = i+1, j-1 {
			emails[i], emails[j] = emails[j], emails[i]
		}
	}

	total := int32(len(emails))
	start := int(params.Offset)
	if start < 0 {
		start = 0
	}
	if start > len(emails) {
		start = len(emails)
	}
	end := start + int(params.Limit)
	if end > len(emails) {
		end = len(emails)
	}

	response := struct {
		Emails  []emailSummary `json:"emails"`
		Total   int32          `json:"total"`
		HasMore bool           `json:"hasMore"`
	}{
		Emails:  make([]emailSummary, 0, end-start),
		Total:   total,
		HasMore: pagination.GetHasNext(params.Offset, params.Limit, total),
	}
	for _, email := range emails[start:end] {
		response.Emails = append(response.Emails, toSummary(email))
	}
	s.respondJSON(w, http.StatusOK, response)
}

// handleEmail dispatches /api/emails/{id}, /api/emails/{id}/raw, and
// /api/emails/{id}/attachments/{attachmentID}.
func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/emails/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleEmailDetail(w, r, id)
		case http.MethodDelete:
			s.handleEmailDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 2 && parts[1] == "raw" {
		s.handleEmailRaw(w, r, id)
		return
	}

	if len(parts) == 3 && parts[1] == "attachments" {
		attachmentID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid attachment id", http.StatusBadRequest)
			return
		}
		s.handleAttachment(w, r, id, attachmentID)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) handleEmailDetail(w http.ResponseWriter, r *http.Request, id string) {
	email, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load email", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, email)
}

func (s *Server) handleEmailRaw(w http.ResponseWriter, r *http.Request, id string) {
	email, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load email", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=email-%s.eml", email.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(email.Raw)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, emailID string, attachmentID int64) {
	attachment, err := s.store.GetAttachment(r.Context(), emailID, attachmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "unable to load attachment", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", attachment.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(attachment.Content)
}

func (s *Server) handleEmailDelete(w http.ResponseWriter, r *http.Request, id string) {
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.logger.Error("delete email", "id", id, "error", err)
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream pushes one SSE frame per inserted email, in insertion
// order, for the lifetime of the subscription. Viewers fetch the snapshot
// first, then subscribe.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: email\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type emailSummary struct {
	ID             string   `json:"id"`
	From           string   `json:"from"`
	To             []string `json:"to"`
	Subject        string   `json:"subject"`
	ReceivedAt     string   `json:"receivedAt"`
	RawSize        int64    `json:"rawSize"`
	HasAttachments bool     `json:"hasAttachments"`
}

func toSummary(email *store.Email) emailSummary {
	return emailSummary{
		ID:             email.ID,
		From:           email.From,
		To:             email.To,
		Subject:        email.Subject,
		ReceivedAt:     email.ReceivedAt.UTC().Format(time.RFC3339Nano),
		RawSize:        email.RawSize,
		HasAttachments: email.HasAttachments(),
	}
}
