package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/apperr"
	"chatrelay/logger"
	"chatrelay/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler returns the HTTP routes, the event channel included.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	for _, prefix := range []string{"", "/api/users"} {
		r.HandleFunc(prefix+"/register", s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc(prefix+"/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	}
	r.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/users", s.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{username}/profile-pic", s.handleProfilePic).Methods(http.MethodPut, http.MethodOptions)

	for _, prefix := range []string{"", "/api"} {
		r.HandleFunc(prefix+"/messages", s.handleGetMessages).Methods(http.MethodGet)
		r.HandleFunc(prefix+"/messages", s.handlePostMessage).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc(prefix+"/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete, http.MethodOptions)
	}

	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/uploads/{id}", s.handleGetUpload).Methods(http.MethodGet)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.LogRequest(s.log, r)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.metrics.StoreFailed()
		s.log.Error("request_failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": apperr.Public(err)})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("user_registered", zap.String("user", req.Username))
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.query.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleProfilePic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.db.SetProfilePic(r.Context(), mux.Vars(r)["username"], req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messages, err := s.query.GetConversation(r.Context(), q.Get("sender"), q.Get("receiver"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// postMessage is the HTTP form of send_message, with an optional client timestamp.
type postMessage struct {
	models.SendRequest
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessage
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	nm, err := req.NewMessage()
	if err != nil {
		s.writeError(w, r, apperr.Validation(err.Error()))
		return
	}
	if req.Timestamp != nil {
		nm.Timestamp = *req.Timestamp
	}
	m, err := s.db.CreateMessage(r.Context(), nm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.router.MessageSent(m)
	writeJSON(w, http.StatusOK, m)
}

// handleDeleteMessage is idempotent. The optional user query parameter names the
// caller; when given and ownership is enforced, only a party may delete.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" && s.config.Gateway.EnforceOwnership {
		m, err := s.db.GetMessage(r.Context(), id)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			s.writeError(w, r, err)
			return
		}
		if m != nil && !m.Involves(user) {
			s.writeError(w, r, apperr.Forbidden("not a party to this conversation"))
			return
		}
	}

	removed, err := s.db.DeleteMessage(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if removed != nil {
		s.router.MessageDeleted(removed)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted"})
}

type uploadResponse struct {
	URL      string             `json:"url"`
	Kind     models.ContentKind `json:"kind"`
	FileType string             `json:"fileType"`
	Name     string             `json:"name"`
	Size     int64              `json:"size"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(s.config.MaxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, apperr.Validation("file too large"))
			return
		}
		s.writeError(w, r, apperr.Validation("invalid upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.Validation("no file uploaded"))
		return
	}
	defer file.Close()
	if header.Size > s.config.MaxUpload {
		s.writeError(w, r, apperr.Validation("file too large"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.config.MaxUpload+1))
	if err != nil {
		s.writeError(w, r, apperr.Validation("invalid upload"))
		return
	}
	if int64(len(data)) > s.config.MaxUpload {
		s.writeError(w, r, apperr.Validation("file too large"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	meta, err := s.blobs.Put(header.Filename, mimeType, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		URL:      meta.URL(),
		Kind:     meta.Kind,
		FileType: meta.MimeType,
		Name:     meta.Name,
		Size:     meta.Size,
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	meta, data, err := s.blobs.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, r, apperr.Store("ping", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
