// Package auth resolves bearer credentials for the lore server: lore_sk_
// API keys stored as SHA-256 hashes, plus optional HS256 JWTs in dual
// mode. Hot-path lookups go through a short-TTL in-memory cache that is
// invalidated eagerly on revocation.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jordanhubbard/lore/pkg/models"
)

// Store is the slice of the database the manager needs. Implemented by
// *database.Database; tests substitute an in-memory twin.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID string) error
}

// KeyPrefix identifies lore API keys on the wire.
const KeyPrefix = "lore_sk_"

// Cache tuning.
const (
	cacheTTL         = 60 * time.Second
	cacheMaxSize     = 10000
	lastUsedDebounce = 60 * time.Second
)

// Typed authentication failures.
var (
	ErrMissingKey       = errors.New("missing_api_key")
	ErrInvalidKey       = errors.New("invalid_api_key")
	ErrRevokedKey       = errors.New("key_revoked")
	ErrInvalidToken     = errors.New("invalid_token")
	ErrMissingOrgClaim  = errors.New("missing_org_claim")
	ErrInsufficientRole = errors.New("insufficient_role")
)

// Roles, weakest first. An unset key role defaults to admin for root keys
// and writer otherwise.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{RoleReader: 0, RoleWriter: 1, RoleAdmin: 2}

// Context is the resolved identity attached to a request.
type Context struct {
	OrgID   string
	Project string
	IsRoot  bool
	KeyID   string
	Role    string
}

// AtLeast reports whether the caller's role meets the required one.
func (c *Context) AtLeast(role string) bool {
	return roleRank[c.Role] >= roleRank[role]
}

type cacheEntry struct {
	key      *models.APIKey
	cachedAt time.Time
}

// Manager validates credentials against the database.
type Manager struct {
	db        Store
	jwtSecret []byte

	mu       sync.Mutex
	cache    map[string]cacheEntry
	lastUsed map[string]time.Time
	now      func() time.Time
}

// NewManager builds a manager. A non-empty jwtSecret enables the JWT path
// (dual auth mode).
func NewManager(db Store, jwtSecret string) *Manager {
	m := &Manager{
		db:       db,
		cache:    make(map[string]cacheEntry),
		lastUsed: make(map[string]time.Time),
		now:      time.Now,
	}
	if jwtSecret != "" {
		m.jwtSecret = []byte(jwtSecret)
	}
	return m
}

// Resolve validates the Authorization header value and returns the caller
// context. Auth errors carry the machine code in their message.
func (m *Manager) Resolve(ctx context.Context, authHeader string) (*Context, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, ErrMissingKey
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	if strings.HasPrefix(token, KeyPrefix) {
		return m.resolveAPIKey(ctx, token)
	}
	if m.jwtSecret != nil {
		return m.resolveJWT(token)
	}
	return nil, ErrInvalidKey
}

// HashKey returns the hex SHA-256 of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) resolveAPIKey(ctx context.Context, raw string) (*Context, error) {
	keyHash := HashKey(raw)

	if key, ok := m.cached(keyHash); ok {
		return m.contextFromKey(key)
	}

	key, err := m.db.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, fmt.Errorf("auth lookup failed: %w", err)
	}
	if key == nil {
		return nil, ErrInvalidKey
	}

	m.store(keyHash, key)
	authCtx, err := m.contextFromKey(key)
	if err != nil {
		return nil, err
	}
	m.maybeTouchLastUsed(key.ID)
	return authCtx, nil
}

// contextFromKey checks revocation on every hit, cached or not.
func (m *Manager) contextFromKey(key *models.APIKey) (*Context, error) {
	if key.Revoked() {
		return nil, ErrRevokedKey
	}
	role := key.Role
	if role == "" {
		if key.IsRoot {
			role = RoleAdmin
		} else {
			role = RoleWriter
		}
	}
	return &Context{
		OrgID:   key.OrgID,
		Project: key.Project,
		IsRoot:  key.IsRoot,
		KeyID:   key.ID,
		Role:    role,
	}, nil
}

func (m *Manager) resolveJWT(token string) (*Context, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	orgID, _ := claims["org"].(string)
	if orgID == "" {
		return nil, ErrMissingOrgClaim
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if _, known := roleRank[role]; !known {
		role = RoleReader
	}

	return &Context{
		OrgID:  orgID,
		IsRoot: role == RoleAdmin,
		KeyID:  "oidc:" + sub,
		Role:   role,
	}, nil
}

func (m *Manager) cached(keyHash string) (*models.APIKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[keyHash]
	if !ok || m.now().Sub(entry.cachedAt) >= cacheTTL {
		return nil, false
	}
	return entry.key, true
}

func (m *Manager) store(keyHash string, key *models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cache) >= cacheMaxSize {
		// Drop the oldest half rather than tracking precise LRU order.
		cutoff := m.now().Add(-cacheTTL / 2)
		for h, e := range m.cache {
			if e.cachedAt.Before(cutoff) {
				delete(m.cache, h)
			}
		}
		if len(m.cache) >= cacheMaxSize {
			m.cache = make(map[string]cacheEntry)
		}
	}
	m.cache[keyHash] = cacheEntry{key: key, cachedAt: m.now()}
}

// Invalidate drops a key from the cache. Called on revocation so a revoked
// key stops working immediately, not after the TTL.
func (m *Manager) Invalidate(keyHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, keyHash)
}

// maybeTouchLastUsed updates last_used_at at most once per debounce window
// per key, off the request path.
func (m *Manager) maybeTouchLastUsed(keyID string) {
	m.mu.Lock()
	last, ok := m.lastUsed[keyID]
	now := m.now()
	if ok && now.Sub(last) < lastUsedDebounce {
		m.mu.Unlock()
		return
	}
	m.lastUsed[keyID] = now
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.db.TouchAPIKeyLastUsed(ctx, keyID); err != nil {
			log.Printf("failed to update last_used_at for key %s: %v", keyID, err)
		}
	}()
}
