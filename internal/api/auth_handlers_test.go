package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ecs/credit-pipeline/internal/app"
	"github.com/ecs/credit-pipeline/internal/cache"
	"github.com/ecs/credit-pipeline/internal/domain"
	"github.com/ecs/credit-pipeline/internal/store"
)

type authAPIStub struct {
	user  *domain.User
	token *domain.AccessToken
	err   error

	email    string
	password string
}

func (s *authAPIStub) Register(ctx context.Context, email, password string) (*domain.User, error) {
	s.email, s.password = email, password
	return s.user, s.err
}

func (s *authAPIStub) Login(ctx context.Context, email, password string) (*domain.AccessToken, error) {
	s.email, s.password = email, password
	return s.token, s.err
}

func TestRegister(t *testing.T) {
	user := &domain.User{ID: uuid.New(), Email: "ana@example.com", PasswordHash: "$2a$04$secret"}
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"created", `{"email":"ana@example.com","password":"correct horse"}`, nil, http.StatusCreated},
		{"taken", `{"email":"ana@example.com","password":"correct horse"}`, app.ErrEmailTaken, http.StatusConflict},
		{"invalid", `{"email":"ana","password":"correct horse"}`, app.ErrInvalidRegistration, http.StatusBadRequest},
		{"missing password", `{"email":"ana@example.com"}`, nil, http.StatusBadRequest},
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"store down", `{"email":"ana@example.com","password":"correct horse"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &authAPIStub{user: user, err: tc.err}
			router := NewCreditRouter(NewCreditHandler(&creditAPIStub{}), NewAuthHandler(stub), nil, "secret")
			rec := serve(router, http.MethodPost, "/v1/register", tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if tc.status == http.StatusCreated {
				body := decodeBody(t, rec)
				if body["id"] != user.ID.String() || body["email"] != user.Email {
					t.Fatalf("unexpected user body %v", body)
				}
				if _, leaked := body["passwordHash"]; leaked {
					t.Fatalf("expected password hash to stay out of the response")
				}
			}
		})
	}
}

func TestLogin(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"bad credentials", app.ErrInvalidCredentials, http.StatusUnauthorized},
		{"no secret", app.ErrAuthNotConfigured, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &authAPIStub{token: &domain.AccessToken{AccessToken: "tok", TokenType: "bearer"}, err: tc.err}
			router := NewCreditRouter(NewCreditHandler(&creditAPIStub{}), NewAuthHandler(stub), nil, "secret")
			rec := serve(router, http.MethodPost, "/v1/login", `{"email":"ana@example.com","password":"correct horse"}`, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if tc.status == http.StatusOK {
				body := decodeBody(t, rec)
				if body["access_token"] != "tok" || body["token_type"] != "bearer" {
					t.Fatalf("unexpected token body %v", body)
				}
			}
		})
	}
}

func TestAuthRoutesAbsentWithoutHandler(t *testing.T) {
	router := NewCreditRouter(NewCreditHandler(&creditAPIStub{}), nil, nil, "")
	if rec := serve(router, http.MethodPost, "/v1/login", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an auth handler, got %d", rec.Code)
	}
}

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (s *userStoreStub) CreateUser(ctx context.Context, email, passwordHash string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, store.ErrEmailTaken
	}
	user := &domain.User{ID: uuid.New(), Email: email, PasswordHash: passwordHash, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.users[email] = user
	return user, nil
}

func (s *userStoreStub) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[email]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return user, nil
}

func TestLoginTokenAuthorizesCreditRoutes(t *testing.T) {
	const secret = "test-secret"
	var noCache *cache.RedisCache
	auth := app.NewAuthService(&userStoreStub{users: map[string]*domain.User{}}, noCache, app.AuthConfig{
		Secret:     secret,
		BcryptCost: bcrypt.MinCost,
	})
	credit := &creditAPIStub{decision: &domain.Decision{Approved: true}}
	router := NewCreditRouter(NewCreditHandler(credit), NewAuthHandler(auth), nil, secret)
	creds := `{"email":"ana@example.com","password":"correct horse"}`

	// Registration and login need no token.
	rec := serve(router, http.MethodPost, "/v1/register", creds, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d (%s)", rec.Code, rec.Body.String())
	}
	userID, _ := decodeBody(t, rec)["id"].(string)

	if rec := serve(router, http.MethodPost, "/v1/register", creds, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second registration, got %d", rec.Code)
	}

	rec = serve(router, http.MethodPost, "/v1/login", creds, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d (%s)", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["access_token"].(string)

	bearer := map[string]string{"Authorization": "Bearer " + token}
	if rec := serve(router, http.MethodPost, "/v1/users/"+userID+"/credit-analysis", "", bearer); rec.Code != http.StatusOK {
		t.Fatalf("expected the login token to authorize its own user, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/v1/users/someone-else/credit-analysis", "", bearer); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}

	wrong := `{"email":"ana@example.com","password":"wrong horse"}`
	if rec := serve(router, http.MethodPost, "/v1/login", wrong, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong password, got %d", rec.Code)
	}
}
