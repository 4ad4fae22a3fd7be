package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("api key not found")

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"key_hash"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// StaticStore accepts a single fixed key. Used when no Postgres is
// configured (local development).
type StaticStore struct {
	key    APIKey
	secret string
}

func NewStaticStore(secret, userID string) *StaticStore {
	return &StaticStore{
		secret: secret,
		key: APIKey{
			ID:        "static",
			UserID:    userID,
			KeyHash:   HashKey(secret),
			RateLimit: 1000000,
			Active:    true,
			CreatedAt: time.Now(),
		},
	}
}

func (s *StaticStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	if key != s.secret {
		return nil, ErrKeyNotFound
	}
	k := s.key
	return &k, nil
}

func (s *StaticStore) Create(ctx context.Context, apiKey *APIKey) error {
	return fmt.Errorf("static key store is read-only")
}

func (s *StaticStore) Revoke(ctx context.Context, keyID string) error {
	return fmt.Errorf("static key store is read-only")
}

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware authenticates bearer API keys against the store, with an
// optional Redis lookaside cache (nil disables caching).
func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			if cache != nil {
				redisKey := fmt.Sprintf("auth:%s", HashKey(key))
				var apiKey APIKey
				err := cache.Get(ctx, redisKey).Scan(&apiKey)
				if err == nil {
					ctx = context.WithValue(ctx, userIDKey, apiKey.UserID)
					ctx = context.WithValue(ctx, apiKeyIDKey, apiKey.ID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				} else if err != redis.Nil {
					log.Printf("auth: redis error: %v", err)
				}
			}

			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if cache != nil {
				redisKey := fmt.Sprintf("auth:%s", HashKey(key))
				_ = cache.Set(ctx, redisKey, apiK, 5*time.Minute).Err()
			}

			ctx = context.WithValue(ctx, userIDKey, apiK.UserID)
			ctx = context.WithValue(ctx, apiKeyIDKey, apiK.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
