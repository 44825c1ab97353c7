package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"mensageria/internal/attachments"
	"mensageria/internal/auth"
	"mensageria/internal/errs"
	"mensageria/internal/hub"
	"mensageria/internal/keys"
	"mensageria/internal/profile"
	"mensageria/internal/store"
)

type userIDKey struct{}

// Controller serves the HTTP API next to the WebSocket endpoint.
type Controller struct {
	auth        *auth.Manager
	keys        *keys.Directory
	profiles    *profile.Directory
	messages    *store.Messages
	attachments *attachments.Storage
	hub         *hub.Hub
	logger      *slog.Logger
}

// NewController wires the HTTP handlers. storage may be nil when no bucket is
// configured; the attachment routes then answer 503.
func NewController(
	authManager *auth.Manager,
	keyDir *keys.Directory,
	profiles *profile.Directory,
	messages *store.Messages,
	storage *attachments.Storage,
	h *hub.Hub,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		auth:        authManager,
		keys:        keyDir,
		profiles:    profiles,
		messages:    messages,
		attachments: storage,
		hub:         h,
		logger:      logger.With("component", "http"),
	}
}

// Routes returns the full handler, CORS included.
func (c *Controller) Routes(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", c.HandleHealth)
	mux.HandleFunc("GET /ws", c.HandleWS)

	mux.HandleFunc("POST /api/auth/register", c.HandleRegister)
	mux.HandleFunc("POST /api/auth/login", c.HandleLogin)
	mux.HandleFunc("POST /api/auth/logout", c.HandleLogout)

	mux.HandleFunc("GET /api/users/me", c.requireSession(c.HandleMe))
	mux.HandleFunc("GET /api/users/search", c.requireSession(c.HandleUserSearch))
	mux.HandleFunc("GET /api/users/{id}", c.requireSession(c.HandleProfile))

	mux.HandleFunc("PUT /api/keys", c.requireSession(c.HandleKeyUpload))
	mux.HandleFunc("GET /api/keys/{userId}", c.requireSession(c.HandleKeyLookup))

	mux.HandleFunc("GET /api/messages/{peerId}", c.requireSession(c.HandleConversation))

	mux.HandleFunc("POST /api/attachments", c.requireSession(c.HandleAttachmentUpload))
	mux.HandleFunc("GET /api/attachments/{name...}", c.requireSession(c.HandleAttachmentDownload))

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}

func (c *Controller) HandleWS(w http.ResponseWriter, r *http.Request) {
	c.hub.ServeWS(w, r)
}

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			c.writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		userID, err := c.auth.Validate(r.Context(), token)
		if err != nil {
			c.writeFailure(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func currentUser(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

func (c *Controller) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer func() {
		if err := r.Body.Close(); err != nil {
			c.logger.Error("failed to close request body", "error", err)
		}
	}()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid JSON", nil)
		return false
	}
	return true
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to write json response", "error", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		c.logger.Error(message, "error", err)
	}
	c.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps a domain error to its status code.
func (c *Controller) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidCredentials):
		c.writeError(w, http.StatusUnauthorized, "invalid credentials", nil)
	case errors.Is(err, errs.ErrExpiredSession):
		c.writeError(w, http.StatusUnauthorized, "session expired", nil)
	case errors.Is(err, errs.ErrInvalidToken):
		c.writeError(w, http.StatusUnauthorized, "invalid token", nil)
	case errors.Is(err, errs.ErrNotFound):
		c.writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, errs.ErrAlreadyExists):
		c.writeError(w, http.StatusConflict, "already exists", nil)
	case errors.Is(err, errs.ErrMalformedUpload):
		c.writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, errs.ErrStore):
		c.writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
	default:
		c.writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
