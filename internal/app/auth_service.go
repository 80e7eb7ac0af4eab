/**
 * @description
 * Account registration and login. Passwords are stored as bcrypt hashes and a
 * successful login returns an HS256 token whose sub claim is the user id the
 * credit routes authorize against.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: password hashing.
 * - github.com/golang-jwt/jwt/v5: token signing.
 * - internal/cache, internal/store: cache-aside account lookup.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
)

var (
	// ErrEmailTaken is returned when registering an email that already has an account.
	ErrEmailTaken = store.ErrEmailTaken
	// ErrInvalidCredentials is returned for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRegistration rejects a malformed email or an unusable password.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrAuthNotConfigured is returned by Login when no signing secret is set.
	ErrAuthNotConfigured = errors.New("token signing is not configured")
)

// Password bounds. bcrypt ignores bytes past 72.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// AuthConfig tunes account handling.
type AuthConfig struct {
	// Secret signs tokens. Login fails with ErrAuthNotConfigured when empty.
	Secret   string
	TokenTTL time.Duration
	CacheTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// AuthService implements Register and Login.
type AuthService struct {
	users store.UserStore
	cache cache.Cache
	cfg   AuthConfig
	now   func() time.Time
}

// NewAuthService wires the service. c may be a nil *cache.RedisCache.
func NewAuthService(users store.UserStore, c cache.Cache, cfg AuthConfig) *AuthService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * 24 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{users: users, cache: c, cfg: cfg, now: time.Now}
}

// cachedUser is the user_email entry. Unlike domain.User it keeps the hash so a
// login can be answered from the cache.
type cachedUser struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Register creates an account for email with a bcrypt hash of password.
func (s *AuthService) Register(ctx context.Context, email, password string) (*domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return nil, fmt.Errorf("%w: password must be %d to %d bytes", ErrInvalidRegistration, MinPasswordLength, MaxPasswordLength)
	}

	existing, err := s.lookupUser(ctx, email)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.storeUser(ctx, user)

	log.Printf("level=info component=auth_service msg=\"user registered\" user_id=%s", user.ID)
	return user, nil
}

// Login checks the password and issues a bearer token for the account.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.AccessToken, error) {
	if s.cfg.Secret == "" {
		return nil, ErrAuthNotConfigured
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.lookupUser(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Printf("level=info component=auth_service msg=\"login rejected\" user_id=%s", user.ID)
		return nil, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(s.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"iat":   s.now().Unix(),
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &domain.AccessToken{AccessToken: signed, TokenType: "bearer", ExpiresAt: expiresAt.Unix()}, nil
}

// lookupUser reads the account cache-aside. A cache error or an entry without a
// hash falls back to the store.
func (s *AuthService) lookupUser(ctx context.Context, email string) (*domain.User, error) {
	key := cache.UserEmailKey(email)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached cachedUser
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil && cached.PasswordHash != "" {
			return &domain.User{
				ID:           cached.ID,
				Email:        cached.Email,
				PasswordHash: cached.PasswordHash,
				CreatedAt:    cached.CreatedAt,
				UpdatedAt:    cached.UpdatedAt,
			}, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Printf("level=warn component=auth_service msg=\"user cache read failed; using store\" err=%v", err)
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	s.storeUser(ctx, user)
	return user, nil
}

func (s *AuthService) storeUser(ctx context.Context, user *domain.User) {
	raw, err := json.Marshal(cachedUser{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.UserEmailKey(user.Email), raw, s.cfg.CacheTTL); err != nil {
		log.Printf("level=warn component=auth_service msg=\"user cache write failed\" user_id=%s err=%v", user.ID, err)
	}
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidRegistration)
	}
	return email, nil
}
