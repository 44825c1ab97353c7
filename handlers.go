package main

import (
	"net/http"
	"strconv"
	"strings"

	"mensageria/internal/auth"
	"mensageria/internal/database"
)

func (c *Controller) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !c.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		c.writeError(w, http.StatusBadRequest, "username and password are required", nil)
		return
	}

	u, err := c.auth.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusCreated, UserResponse{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
}

func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !c.decode(w, r, &req) {
		return
	}
	session, err := c.auth.Authenticate(r.Context(), auth.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, session)
}

// HandleLogout revokes the presented token. Revoking twice is not an error.
func (c *Controller) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		c.writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	if err := c.auth.Invalidate(r.Context(), token); err != nil {
		c.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, err := c.profiles.Get(r.Context(), currentUser(r.Context()))
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, p)
}

func (c *Controller) HandleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := c.profiles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, p)
}

// HandleUserSearch lists users whose username starts with the username
// query parameter.
func (c *Controller) HandleUserSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := strings.TrimSpace(q.Get("username"))
	if prefix == "" {
		c.writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			c.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
	}

	profiles, err := c.profiles.Search(r.Context(), prefix, limit)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, profiles)
}

func (c *Controller) HandleKeyUpload(w http.ResponseWriter, r *http.Request) {
	var req KeyUploadRequest
	if !c.decode(w, r, &req) {
		return
	}
	rec, err := c.keys.Upload(r.Context(), currentUser(r.Context()), req.PublicKey)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, newKeyResponse(rec))
}

func (c *Controller) HandleKeyLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := c.keys.Lookup(r.Context(), r.PathValue("userId"))
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, newKeyResponse(rec))
}

// HandleConversation lists messages exchanged with peerId, oldest first.
// since (RFC 3339) and limit page through older history.
func (c *Controller) HandleConversation(w http.ResponseWriter, r *http.Request) {
	peerID := r.PathValue("peerId")
	q := r.URL.Query()

	since, err := parseSince(q.Get("since"))
	if err != nil {
		c.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp", nil)
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			c.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
	}

	msgs, err := c.messages.Conversation(r.Context(), currentUser(r.Context()), peerID, since, limit)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	if msgs == nil {
		msgs = []database.Message{}
	}
	c.writeJSON(w, http.StatusOK, ConversationResponse{PeerID: peerID, Messages: msgs})
}

func (c *Controller) HandleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if c.attachments == nil {
		c.writeError(w, http.StatusServiceUnavailable, "attachments are not configured", nil)
		return
	}
	name, url, err := c.attachments.UploadURL(r.Context(), currentUser(r.Context()))
	if err != nil {
		c.writeError(w, http.StatusBadGateway, "failed to presign upload", err)
		return
	}
	c.writeJSON(w, http.StatusCreated, AttachmentResponse{Name: name, URL: url})
}

func (c *Controller) HandleAttachmentDownload(w http.ResponseWriter, r *http.Request) {
	if c.attachments == nil {
		c.writeError(w, http.StatusServiceUnavailable, "attachments are not configured", nil)
		return
	}
	name := r.PathValue("name")
	url, err := c.attachments.DownloadURL(r.Context(), name)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, AttachmentResponse{Name: name, URL: url})
}
