package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
)

const (
	defaultTokenCacheTTL   = 5 * time.Minute
	defaultAnonymousHeader = "X-Anonymous-User-ID"
	tokenCachePrefix       = "auth:token:"
	maxAnonymousIDLength   = 128
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims is the access token payload. Permissions is the Auth0 RBAC claim.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// cachedAgent is what the token cache stores for a validated token.
type cachedAgent struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

// Service validates bearer tokens and resolves anonymous callers.
type Service struct {
	log             *logger.Logger
	cache           *redis.Client
	cacheTTL        time.Duration
	secret          []byte
	jwks            *jwksCache
	issuer          string
	audience        string
	anonymousHeader string
	now             func() time.Time
}

// NewService builds the validator. With an HMAC secret tokens are HS256;
// otherwise they are RS256 and verified against the domain's JWKS. cache may
// be nil.
func NewService(log *logger.Logger, cfg config.AuthConfig, cache *redis.Client) *Service {
	ttl := cfg.TokenCacheTTL
	if ttl <= 0 {
		ttl = defaultTokenCacheTTL
	}
	header := cfg.AnonymousHeader
	if header == "" {
		header = defaultAnonymousHeader
	}
	s := &Service{
		log:             log.With("service", "auth.Service"),
		cache:           cache,
		cacheTTL:        ttl,
		audience:        cfg.Audience,
		anonymousHeader: header,
		now:             time.Now,
	}
	if cfg.Domain != "" {
		domain := strings.TrimSuffix(strings.TrimPrefix(cfg.Domain, "https://"), "/")
		s.issuer = "https://" + domain + "/"
		s.jwks = newJWKSCache(&http.Client{Timeout: 5 * time.Second}, s.issuer+".well-known/jwks.json")
	}
	if cfg.HMACSecret != "" {
		s.secret = []byte(cfg.HMACSecret)
	}
	return s
}

// ValidateToken verifies a bearer token and returns the caller it names.
func (s *Service) ValidateToken(ctx context.Context, token string) (models.Agent, error) {
	if token == "" {
		return models.Agent{}, ErrTokenRequired
	}
	key := tokenCachePrefix + tokenHash(token)
	if agent, ok := s.cached(ctx, key); ok {
		return agent, nil
	}

	claims, err := s.parse(ctx, token)
	if err != nil {
		return models.Agent{}, err
	}
	agent := models.Agent{ID: claims.Subject, Permissions: claims.Permissions}
	s.store(ctx, key, agent, claims)
	return agent, nil
}

func (s *Service) parse(ctx context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now)}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var keyFunc jwt.Keyfunc
	switch {
	case s.secret != nil:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		keyFunc = func(*jwt.Token) (any, error) { return s.secret, nil }
	case s.jwks != nil:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			return s.jwks.getKey(ctx, kid)
		}
	default:
		return nil, errors.New("auth is not configured")
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) cached(ctx context.Context, key string) (models.Agent, bool) {
	if s.cache == nil {
		return models.Agent{}, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.Warn("token cache read failed", "error", err)
		}
		return models.Agent{}, false
	}
	var c cachedAgent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return models.Agent{}, false
	}
	return models.Agent{ID: c.ID, Permissions: c.Permissions}, true
}

func (s *Service) store(ctx context.Context, key string, agent models.Agent, claims *Claims) {
	if s.cache == nil {
		return
	}
	ttl := s.cacheTTL
	if claims.ExpiresAt != nil {
		if left := claims.ExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(cachedAgent{ID: agent.ID, Permissions: agent.Permissions})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		s.log.Warn("token cache write failed", "error", err)
	}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AnonymousHeader names the header carrying an anonymous caller id.
func (s *Service) AnonymousHeader() string {
	return s.anonymousHeader
}
