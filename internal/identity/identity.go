// Package identity resolves a connecting client's claimed user ID into an authenticated
// principal with a subscription tier.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// TokenQueryParam carries a token for clients that cannot set headers on upgrade.
const TokenQueryParam = "token"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// Directory is the user store consulted for tiers.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Options configures a Resolver.
type Options struct {
	// Secret verifies HS256 tokens. Without it tokens are ignored.
	Secret         string
	AllowAnonymous bool
	DefaultTier    domain.Tier
	Directory      Directory
	Logger         *slog.Logger
}

// Resolver authenticates connection requests.
type Resolver struct {
	secret         []byte
	allowAnonymous bool
	defaultTier    domain.Tier
	dir            Directory
	logger         *slog.Logger
	now            func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tier := opts.DefaultTier
	if !tier.Valid() {
		tier = domain.TierFree
	}
	return &Resolver{
		secret:         []byte(opts.Secret),
		allowAnonymous: opts.AllowAnonymous,
		defaultTier:    tier,
		dir:            opts.Directory,
		logger:         logger.With("component", "identity"),
		now:            time.Now,
	}
}

// Resolve validates claimedUserID and returns the principal. Every failure wraps
// domain.ErrAuthenticationFailed.
func (r *Resolver) Resolve(ctx context.Context, claimedUserID, token string) (domain.Principal, error) {
	if !userIDPattern.MatchString(claimedUserID) {
		return domain.Principal{}, fmt.Errorf("%w: malformed user id", domain.ErrAuthenticationFailed)
	}

	if token != "" && len(r.secret) > 0 {
		sub, tier, err := r.verify(token)
		if err != nil {
			return domain.Principal{}, err
		}
		if sub != claimedUserID {
			return domain.Principal{}, fmt.Errorf("%w: token subject does not match user id", domain.ErrAuthenticationFailed)
		}
		if tier == "" {
			tier = r.directoryTier(ctx, claimedUserID)
		}
		r.ensureUser(ctx, claimedUserID, tier)
		return domain.Principal{UserID: claimedUserID, Tier: tier}, nil
	}

	if !r.allowAnonymous {
		return domain.Principal{}, fmt.Errorf("%w: token required", domain.ErrAuthenticationFailed)
	}
	tier := r.directoryTier(ctx, claimedUserID)
	r.ensureUser(ctx, claimedUserID, tier)
	return domain.Principal{UserID: claimedUserID, Tier: tier}, nil
}

// verify checks an HS256 token and returns its subject and optional tier claim.
func (r *Resolver) verify(tokenString string) (string, domain.Tier, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", fmt.Errorf("%w: token expired", domain.ErrAuthenticationFailed)
		}
		return "", "", fmt.Errorf("%w: invalid token: %v", domain.ErrAuthenticationFailed, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("%w: invalid token", domain.ErrAuthenticationFailed)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("%w: missing sub claim", domain.ErrAuthenticationFailed)
	}

	var tier domain.Tier
	if raw, ok := claims["tier"].(string); ok && raw != "" {
		tier, err = domain.ParseTier(raw)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
		}
	}
	return sub, tier, nil
}

// directoryTier looks the user up, falling back to the default tier. A directory outage
// degrades to the default tier rather than refusing connections.
func (r *Resolver) directoryTier(ctx context.Context, userID string) domain.Tier {
	if r.dir == nil {
		return r.defaultTier
	}
	user, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		r.logger.Warn("User directory lookup failed, using default tier", "user_id", userID, "error", err)
		return r.defaultTier
	}
	if user == nil || !user.Tier.Valid() {
		return r.defaultTier
	}
	return user.Tier
}

func (r *Resolver) ensureUser(ctx context.Context, userID string, tier domain.Tier) {
	if r.dir == nil {
		return
	}
	existing, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		r.logger.Warn("User directory lookup failed", "user_id", userID, "error", err)
		return
	}

	now := r.now()
	user := &domain.User{
		UserID:     userID,
		Username:   userID,
		Tier:       tier,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		user.Username = existing.Username
		user.CreatedAt = existing.CreatedAt
	}
	if err := r.dir.UpsertUser(ctx, user); err != nil {
		r.logger.Warn("Failed to record user", "user_id", userID, "error", err)
	}
}

// Generate issues a token for userID. It is used by tests and local tooling.
func (r *Resolver) Generate(userID string, tier domain.Tier, expiresIn time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := r.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if tier != "" {
		claims["tier"] = string(tier)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header or the token
// query parameter.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
