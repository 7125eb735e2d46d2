// Package services contains the application services the CLI drives. They
// are thin: transport, retries and queueing live in the API client.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/apicore/internal/client/client"
	"github.com/dmitrijs2005/apicore/internal/client/credentials"
	"github.com/dmitrijs2005/apicore/internal/client/models"
)

// API is the subset of *client.Client the services need.
type API interface {
	Do(ctx context.Context, ep models.Endpoint, body any, out any) error
	Reach(ctx context.Context, ep models.Endpoint) error
}

// AuthEndpoints is the slice of the endpoint catalog used for sessions.
type AuthEndpoints struct {
	Login  models.Endpoint
	Logout models.Endpoint
	Health models.Endpoint
}

// DefaultAuthEndpoints returns the standard auth routes.
func DefaultAuthEndpoints() AuthEndpoints {
	return AuthEndpoints{
		Login:  models.Endpoint{Path: "/api/v1/auth/login", Method: models.MethodPost},
		Logout: models.Endpoint{Path: "/api/v1/auth/logout", Method: models.MethodPost, RequiresAuth: true},
		Health: models.Endpoint{Path: "/health", Method: models.MethodGet},
	}
}

// AuthService defines session operations for the CLI.
//
// Contract:
//   - Login: exchange credentials for tokens and store them.
//   - Logout: tell the server (best effort) and wipe the local session.
//   - Ping: check server liveness; used by the connectivity monitor.
//   - LoggedIn: report whether a session is stored.
type AuthService interface {
	Login(ctx context.Context, username string, password []byte) error
	Logout(ctx context.Context) error
	Ping(ctx context.Context) error
	LoggedIn(ctx context.Context) bool
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authService struct {
	api       API
	tokens    credentials.Store
	endpoints AuthEndpoints
}

func NewAuthService(api API, tokens credentials.Store, endpoints AuthEndpoints) AuthService {
	return &authService{api: api, tokens: tokens, endpoints: endpoints}
}

func (a *authService) Login(ctx context.Context, username string, password []byte) error {
	var t credentials.Tokens
	err := a.api.Do(ctx, a.endpoints.Login, loginRequest{Username: username, Password: string(password)}, &t)
	if err != nil {
		return fmt.Errorf("login error: %w", err)
	}
	if t.AccessToken == "" {
		return fmt.Errorf("login error: %w", &client.DecodingError{Err: errors.New("missing access_token")})
	}
	if err := a.tokens.Save(ctx, t); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Logout clears the local session even when the server call fails; a
// server-side failure is returned after the wipe.
func (a *authService) Logout(ctx context.Context) error {
	remoteErr := a.api.Do(ctx, a.endpoints.Logout, nil, nil)
	if errors.Is(remoteErr, client.ErrNotAuthenticated) {
		remoteErr = nil
	}

	if err := a.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if remoteErr != nil {
		return fmt.Errorf("logout: %w", remoteErr)
	}
	return nil
}

// Ping bypasses the offline gate; it is what takes the client back online.
func (a *authService) Ping(ctx context.Context) error {
	return a.api.Reach(ctx, a.endpoints.Health)
}

func (a *authService) LoggedIn(ctx context.Context) bool {
	_, err := a.tokens.AccessToken(ctx)
	return err == nil
}
