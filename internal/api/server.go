package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dom-kom12/backende/internal/auth"
	"github.com/dom-kom12/backende/internal/config"
	"github.com/dom-kom12/backende/internal/mailbox"
	"github.com/dom-kom12/backende/internal/pagination"
	"github.com/dom-kom12/backende/internal/sse"
	"github.com/dom-kom12/backende/internal/store"
)

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    config.Config
	engine *mailbox.Engine
	pinger Pinger
	auth   *auth.Manager
	hub    *sse.Hub
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(cfg config.Config, engine *mailbox.Engine, pinger Pinger, authManager *auth.Manager, hub *sse.Hub, logger *slog.Logger) *Server {
	server := &Server{
		cfg:    cfg,
		engine: engine,
		pinger: pinger,
		auth:   authManager,
		hub:    hub,
		logger: logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", server.handleRegister)
	mux.HandleFunc("POST /api/login", server.handleLogin)
	mux.HandleFunc("POST /api/logout", server.handleLogout)
	mux.HandleFunc("POST /api/send", server.handleSend)
	mux.HandleFunc("GET /api/messages/{email}", server.handleMessages)
	mux.HandleFunc("POST /api/move", server.handleMove)
	mux.HandleFunc("DELETE /api/delete/{id}", server.handleDelete)
	mux.HandleFunc("GET /api/message/{id}/raw", server.handleMessageRaw)
	mux.HandleFunc("GET /api/stream", server.handleStream)
	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Body != nil && s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	r = r.WithContext(mailbox.WithSource(r.Context(), clientAddr(r)))
	s.mux.ServeHTTP(w, r)
}

// cors allows the configured origin only. Other origins get no
// Access-Control-Allow-Origin header and are blocked by the browser.
func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if origin := r.Header.Get("Origin"); origin != "" && origin == s.cfg.AllowedOrigin {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
}

// clientAddr is the first X-Forwarded-For entry, else the peer host.
func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type credentialsRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if !s.decode(w, r, &payload) {
		return
	}
	user, err := s.engine.Register(r.Context(), payload.Username, payload.Domain, payload.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "registered as " + user.Email,
		"email":   user.Email,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if !s.decode(w, r, &payload) {
		return
	}
	user, err := s.engine.Login(r.Context(), payload.Username, payload.Domain, payload.Password)
	if err != nil {
		s.respondError(w, err)
		return
	}
	token, err := s.auth.Issue(user.Email, user.LastLogin)
	if err != nil {
		s.logger.Error("issue session", "email", user.Email, "error", err)
		s.respondMessage(w, http.StatusInternalServerError, "unable to create session")
		return
	}
	s.setSessionCookie(w, token, user.LastLogin)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message":   "logged in as " + user.Email,
		"email":     user.Email,
		"lastLogin": user.LastLogin.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if !s.decode(w, r, &payload) {
		return
	}
	message, err := s.engine.Send(r.Context(), payload.From, payload.To, payload.Subject, payload.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "message sent", "id": message.ID})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.engine.ListMessages(r.Context(), r.PathValue("email"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	q := r.URL.Query()
	if folder := strings.ToLower(strings.TrimSpace(q.Get("folder"))); folder != "" {
		if !mailbox.ValidFolder(folder) {
			s.respondMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown folder %q", folder))
			return
		}
		filtered := messages[:0:0]
		for _, m := range messages {
			if m.Folder == folder {
				filtered = append(filtered, m)
			}
		}
		messages = filtered
	}
	params := pagination.GetPaginationParams(q)
	messages = pagination.Apply(messages, params, func(m store.Message) time.Time { return m.Date })

	response := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		response = append(response, toJSON(m))
	}
	s.respondJSON(w, http.StatusOK, response)
}

type moveRequest struct {
	ID     string `json:"id"`
	Folder string `json:"folder"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var payload moveRequest
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.engine.MoveMessage(r.Context(), payload.ID, payload.Folder); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondMessage(w, http.StatusOK, "message moved to "+strings.ToLower(strings.TrimSpace(payload.Folder)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteMessage(r.Context(), r.PathValue("id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondMessage(w, http.StatusOK, "message deleted")
}

func (s *Server) handleMessageRaw(w http.ResponseWriter, r *http.Request) {
	message, err := s.engine.Message(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=message-%s.eml", message.ID))
	w.WriteHeader(http.StatusOK)
	if err := mailbox.WriteRFC822(w, message); err != nil {
		s.logger.Error("write raw message", "id", message.ID, "error", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	email, err := s.sessionEmail(r)
	if err != nil {
		s.respondMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(email)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		s.logger.Warn("store not ready", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) sessionEmail(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return "", auth.ErrNoSession
	}
	return s.auth.Parse(cookie.Value, time.Now())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// decode reads a JSON body into v, answering the request itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.respondMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	s.respondMessage(w, http.StatusBadRequest, "invalid JSON")
	return false
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, mailbox.ErrValidation), errors.Is(err, mailbox.ErrDuplicateUser):
		return http.StatusBadRequest
	case errors.Is(err, mailbox.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, mailbox.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, mailbox.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		message = "storage unavailable, try again later"
	case http.StatusInternalServerError:
		message = "internal error"
	}
	s.respondMessage(w, status, message)
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"message": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type messageJSON struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Date    string `json:"date"`
	Folder  string `json:"folder"`
}

func toJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:      m.ID,
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Body:    m.Body,
		Date:    m.Date.UTC().Format(time.RFC3339Nano),
		Folder:  m.Folder,
	}
}
