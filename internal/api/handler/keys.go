package handler

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/candypixel/internal/api/middleware"
	"github.com/kiranshivaraju/candypixel/internal/api/response"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "cpk_"

// Scopes an API key may carry.
const (
	ScopeJobs  = "jobs"
	ScopeAdmin = "admin"
)

var knownScopes = []string{ScopeJobs, ScopeAdmin}

// KeyStore is the subset of the store used by the admin key handlers.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error
}

// NewAPIKey builds a key for owner and returns it with the raw secret, which is
// never stored and must be shown to the caller once.
func NewAPIKey(ownerID, name string, scopes []string, cost int) (*models.APIKey, string, error) {
	raw := rawKeyPrefix + rand.Text()
	key, err := APIKeyFromRaw(raw, ownerID, name, scopes, cost)
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// APIKeyFromRaw builds the stored form of a caller-chosen raw key.
func APIKeyFromRaw(raw, ownerID, name string, scopes []string, cost int) (*models.APIKey, error) {
	if len(raw) < mw.KeyPrefixLen {
		return nil, fmt.Errorf("api key shorter than %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type keyView struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newKeyView(k *models.APIKey) keyView {
	return keyView{
		ID:         k.ID,
		OwnerID:    k.OwnerID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The key belongs to owner_id from the body, or to the caller when omitted.
func NewCreateKeyHandler(ks KeyStore, bcryptCost int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Name    string   `json:"name"`
			OwnerID string   `json:"owner_id"`
			Scopes  []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		owner := strings.TrimSpace(req.OwnerID)
		if owner == "" {
			owner = callerID
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = []string{ScopeJobs}
		}
		for _, s := range scopes {
			if !slices.Contains(knownScopes, s) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown scope", map[string]string{"scope": s})
				return
			}
		}

		key, raw, err := NewAPIKey(owner, req.Name, scopes, bcryptCost)
		if err != nil {
			slog.Error("creating api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			slog.Error("storing api key", "owner_id", owner, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		slog.Info("api key created", "key_id", key.ID, "owner_id", owner, "created_by", callerID)
		response.Created(w, struct {
			keyView
			Key string `json:"key"`
		}{keyView: newKeyView(key), Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys?owner_id=.
func NewListKeysHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := targetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		keys, err := ks.ListAPIKeys(r.Context(), owner)
		if err != nil {
			slog.Error("listing api keys", "owner_id", owner, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}

		views := make([]keyView, len(keys))
		for i, k := range keys {
			views[i] = newKeyView(k)
		}
		response.JSON(w, views)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}?owner_id=.
func NewRevokeKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := targetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		if err := ks.RevokeAPIKey(r.Context(), keyID, owner); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			slog.Error("revoking api key", "key_id", keyID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}

		response.NoContent(w)
	}
}

func targetOwner(r *http.Request) (string, bool) {
	if o := strings.TrimSpace(r.URL.Query().Get("owner_id")); o != "" {
		return o, true
	}
	return mw.GetOwnerID(r)
}
