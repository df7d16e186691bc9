// Package session gates privileged views behind a stored bearer credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"harei/backend"
	"harei/config"
	"harei/models"
)

var (
	ErrNoCredential       = errors.New("session: no stored credential")
	ErrExpired            = errors.New("session: credential expired")
	ErrRejected           = errors.New("session: credential rejected")
	ErrMissingLogin       = errors.New("session: username and password required")
	ErrMissingStore       = errors.New("session: store required")
	ErrMissingAuthority   = errors.New("session: authority required")
	ErrInvalidGuardConfig = errors.New("session: validity must be positive")
)

// Store is the per-client key/value storage the credential lives in.
type Store interface {
	GetValue(ctx context.Context, client, key string) (string, bool, error)
	SetValue(ctx context.Context, client, key, value string) error
	DeleteValues(ctx context.Context, client string, keys ...string) error
}

// Authority issues and verifies bearer tokens. *backend.Client satisfies it.
type Authority interface {
	Login(ctx context.Context, username, password string) (backend.LoginResult, error)
	Authenticate(ctx context.Context, token string) error
}

// GuardConfig bundles the collaborators of a Guard.
type GuardConfig struct {
	Store     Store
	Authority Authority
	Validity  time.Duration
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Guard validates stored credentials before privileged data is fetched.
// It keeps no state of its own, so every page load re-runs the full check.
type Guard struct {
	store     Store
	authority Authority
	validity  time.Duration
	logger    *zap.Logger
	clock     func() time.Time
}

// NewGuard constructs a guard with validated configuration.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Authority == nil {
		return nil, ErrMissingAuthority
	}
	if cfg.Validity <= 0 {
		return nil, ErrInvalidGuardConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		store:     cfg.Store,
		authority: cfg.Authority,
		validity:  cfg.Validity,
		logger:    logger.With(zap.String("component", "session_guard")),
		clock:     clock,
	}, nil
}

// Check returns the client's token once the authority has confirmed it.
// Every failure clears the stored credential before returning.
func (g *Guard) Check(ctx context.Context, client string) (string, error) {
	cred, err := g.load(ctx, client)
	if err != nil {
		g.clear(ctx, client)
		return "", err
	}

	if err := g.authority.Authenticate(ctx, cred.Token); err != nil {
		// A client that went away did not get an answer; leave its credential alone.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		g.logger.Info("Credential rejected", zap.String("client", client), zap.Error(err))
		g.clear(ctx, client)
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return cred.Token, nil
}

// Resume reports whether the login page can skip straight to the console.
// A missing credential is left alone; an expired or rejected one is cleared.
func (g *Guard) Resume(ctx context.Context, client string) bool {
	_, err := g.load(ctx, client)
	switch {
	case errors.Is(err, ErrNoCredential):
		return false
	case err != nil:
		g.clear(ctx, client)
		return false
	}
	_, err = g.Check(ctx, client)
	return err == nil
}

// Login exchanges credentials for a token and persists it with its expiry.
func (g *Guard) Login(ctx context.Context, client, username, password string) (models.Credential, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return models.Credential{}, ErrMissingLogin
	}

	res, err := g.authority.Login(ctx, username, password)
	if err != nil {
		return models.Credential{}, err
	}

	expires := g.clock().Add(g.validity)
	if exp, ok := TokenExpiry(res.Token); ok && exp.Before(expires) {
		expires = exp
	}
	cred := models.Credential{Token: res.Token, ExpiresAt: expires.UnixMilli()}

	if err := g.store.SetValue(ctx, client, config.TokenKey, cred.Token); err != nil {
		return models.Credential{}, fmt.Errorf("session: persist token: %w", err)
	}
	if err := g.store.SetValue(ctx, client, config.TokenExpiresKey, strconv.FormatInt(cred.ExpiresAt, 10)); err != nil {
		return models.Credential{}, fmt.Errorf("session: persist expiry: %w", err)
	}
	g.logger.Info("Signed in", zap.String("client", client), zap.String("username", username))
	return cred, nil
}

// Logout forgets the client's credential.
func (g *Guard) Logout(ctx context.Context, client string) error {
	return g.store.DeleteValues(ctx, client, config.TokenKey, config.TokenExpiresKey)
}

// load reads and validates the stored credential without contacting the authority.
func (g *Guard) load(ctx context.Context, client string) (models.Credential, error) {
	token, ok, err := g.store.GetValue(ctx, client, config.TokenKey)
	if err != nil {
		return models.Credential{}, fmt.Errorf("session: read token: %w", err)
	}
	if !ok || token == "" {
		return models.Credential{}, ErrNoCredential
	}

	raw, ok, err := g.store.GetValue(ctx, client, config.TokenExpiresKey)
	if err != nil {
		return models.Credential{}, fmt.Errorf("session: read expiry: %w", err)
	}
	expiresAt, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if !ok || parseErr != nil || expiresAt <= 0 {
		return models.Credential{}, fmt.Errorf("%w: invalid expiry", ErrNoCredential)
	}

	if g.clock().UnixMilli() > expiresAt {
		return models.Credential{}, ErrExpired
	}
	return models.Credential{Token: token, ExpiresAt: expiresAt}, nil
}

func (g *Guard) clear(ctx context.Context, client string) {
	// Clearing must survive a cancelled request.
	if err := g.store.DeleteValues(context.WithoutCancel(ctx), client, config.TokenKey, config.TokenExpiresKey); err != nil {
		g.logger.Warn("Failed to clear credential", zap.String("client", client), zap.Error(err))
	}
}
