package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/jordanhubbard/lore/internal/auth"
	"github.com/jordanhubbard/lore/internal/database"
	"github.com/jordanhubbard/lore/internal/ids"
	"github.com/jordanhubbard/lore/pkg/models"
)

// keyPrefixLen is the displayable prefix stored alongside the hash.
const keyPrefixLen = 12

type orgInitRequest struct {
	Name string `json:"name"`
}

type orgInitResponse struct {
	OrgID     string `json:"org_id"`
	APIKey    string `json:"api_key"`
	KeyPrefix string `json:"key_prefix"`
}

type keyCreateRequest struct {
	Name    string `json:"name"`
	Project string `json:"project,omitempty"`
	IsRoot  bool   `json:"is_root"`
}

type keyCreateResponse struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Project string `json:"project,omitempty"`
}

type keyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Project    string     `json:"project,omitempty"`
	IsRoot     bool       `json:"is_root"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	Revoked    bool       `json:"revoked"`
}

// newRawKey mints a secret: the lore_sk_ prefix plus 32 random hex chars.
func newRawKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return auth.KeyPrefix + hex.EncodeToString(buf), nil
}

// handleOrgInit bootstraps the single org and returns its root key once.
func (s *Server) handleOrgInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var req orgInitRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name must not be empty")
		return
	}

	rawKey, err := newRawKey()
	if err != nil {
		s.internalError(w, err)
		return
	}

	now := time.Now().UTC()
	org := &models.Org{ID: ids.New(), Name: req.Name, CreatedAt: now}
	key := &models.APIKey{
		ID:        ids.New(),
		OrgID:     org.ID,
		Name:      "root",
		KeyHash:   auth.HashKey(rawKey),
		KeyPrefix: rawKey[:keyPrefixLen],
		IsRoot:    true,
		CreatedAt: now,
	}

	if err := s.db.CreateOrgWithRootKey(r.Context(), org, key); err != nil {
		if errors.Is(err, database.ErrOrgExists) {
			writeError(w, http.StatusConflict, "conflict", "Org already exists")
			return
		}
		s.internalError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, orgInitResponse{
		OrgID:     org.ID,
		APIKey:    rawKey,
		KeyPrefix: key.KeyPrefix,
	})
}

// handleKeys handles POST (create) and GET (list) on /v1/keys. Both
// require a root key.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateKey(w, r)
	case http.MethodGet:
		s.handleListKeys(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	}
}

func (s *Server) requireRoot(w http.ResponseWriter, r *http.Request) *auth.Context {
	authCtx := s.authenticate(w, r)
	if authCtx == nil {
		return nil
	}
	if !authCtx.IsRoot {
		writeError(w, http.StatusForbidden, "forbidden", "Root key required")
		return nil
	}
	return authCtx
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	authCtx := s.requireRoot(w, r)
	if authCtx == nil {
		return
	}

	var req keyCreateRequest
	if !s.parseJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name must not be empty")
		return
	}

	rawKey, err := newRawKey()
	if err != nil {
		s.internalError(w, err)
		return
	}

	key := &models.APIKey{
		ID:        ids.New(),
		OrgID:     authCtx.OrgID,
		Name:      req.Name,
		KeyHash:   auth.HashKey(rawKey),
		KeyPrefix: rawKey[:keyPrefixLen],
		Project:   req.Project,
		IsRoot:    req.IsRoot,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.InsertAPIKey(r.Context(), key); err != nil {
		s.internalError(w, err)
		return
	}

	// The secret leaves the server exactly once.
	s.respondJSON(w, http.StatusCreated, keyCreateResponse{
		ID:      key.ID,
		Key:     rawKey,
		Name:    key.Name,
		Project: key.Project,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	authCtx := s.requireRoot(w, r)
	if authCtx == nil {
		return
	}

	keys, err := s.db.ListAPIKeys(r.Context(), authCtx.OrgID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := make([]keyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyInfo{
			ID:         k.ID,
			Name:       k.Name,
			KeyPrefix:  k.KeyPrefix,
			Project:    k.Project,
			IsRoot:     k.IsRoot,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			Revoked:    k.Revoked(),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// handleKey handles DELETE /v1/keys/{id} (revocation).
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	authCtx := s.requireRoot(w, r)
	if authCtx == nil {
		return
	}

	keyID := extractID(r.URL.Path, "/v1/keys")
	if keyID == "" {
		writeError(w, http.StatusNotFound, "not_found", "Key not found")
		return
	}

	keyHash, err := s.db.RevokeAPIKey(r.Context(), authCtx.OrgID, keyID)
	switch {
	case errors.Is(err, database.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Key not found")
		return
	case errors.Is(err, database.ErrKeyRevoked):
		writeError(w, http.StatusBadRequest, "bad_request", "Key already revoked")
		return
	case errors.Is(err, database.ErrLastRootKey):
		writeError(w, http.StatusBadRequest, "bad_request", "Cannot revoke the last root key")
		return
	case err != nil:
		s.internalError(w, err)
		return
	}

	// Evict eagerly so the revoked key stops working before the TTL.
	s.auth.Invalidate(keyHash)
	w.WriteHeader(http.StatusNoContent)
}
