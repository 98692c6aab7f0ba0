// Package credential issues and renews the short-lived tokens used to open
// live connections without exposing the long-lived API key.
package credential

import (
	"context"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

const (
	DefaultUses                  = 1
	DefaultExpireAfter           = 30 * time.Minute
	DefaultNewSessionExpireAfter = time.Minute
	DefaultRefreshLead           = 30 * time.Second
)

// Credential is an ephemeral token. It may open new connections only until
// NewSessionExpireTime and while uses remain, but an already open connection
// stays authorized until ExpireTime.
type Credential struct {
	Name                 string    `json:"name"`
	Token                string    `json:"token"`
	ExpireTime           time.Time `json:"expire_time"`
	NewSessionExpireTime time.Time `json:"new_session_expire_time"`
	RemainingUses        int       `json:"remaining_uses"`
	IssuedAt             time.Time `json:"issued_at"`
}

// IsValid reports whether the token still authorizes an open connection.
func (c Credential) IsValid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpireTime)
}

// CanStartNewSession reports whether the token may open a new connection.
func (c Credential) CanStartNewSession(now time.Time) bool {
	return c.IsValid(now) && c.RemainingUses > 0 && now.Before(c.NewSessionExpireTime)
}

// TimeLeft returns the remaining total lifetime, never negative.
func (c Credential) TimeLeft(now time.Time) time.Duration {
	if d := c.ExpireTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NewSessionTimeLeft returns the remaining window for opening connections.
func (c Credential) NewSessionTimeLeft(now time.Time) time.Duration {
	if d := c.NewSessionExpireTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Constraints bind a token to one model and session configuration.
type Constraints struct {
	Model                 string
	Uses                  int
	ExpireAfter           time.Duration
	NewSessionExpireAfter time.Duration
	ResponseModalities    []string
	SessionResumption     bool
}

// WithDefaults fills zero fields.
func (c Constraints) WithDefaults() Constraints {
	if c.Uses <= 0 {
		c.Uses = DefaultUses
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = DefaultExpireAfter
	}
	if c.NewSessionExpireAfter <= 0 {
		c.NewSessionExpireAfter = DefaultNewSessionExpireAfter
	}
	return c
}

// Validate checks the constraint ordering.
func (c Constraints) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return core.NewInvalidRequestError("credential constraints require a model")
	}
	if c.NewSessionExpireAfter > c.ExpireAfter {
		return core.NewInvalidRequestError("new session expiry must not be after total expiry")
	}
	return nil
}

// Issuer mints a credential for the given constraints.
type Issuer interface {
	Issue(ctx context.Context, c Constraints) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, c Constraints) (Credential, error)

func (f IssuerFunc) Issue(ctx context.Context, c Constraints) (Credential, error) {
	return f(ctx, c)
}

// Static returns an Issuer that always hands out cred. Useful with a
// token minted elsewhere, such as by the token service.
func Static(cred Credential) Issuer {
	return IssuerFunc(func(context.Context, Constraints) (Credential, error) {
		return cred, nil
	})
}
