package auth

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Minter issues scoped service tokens for the federated store. It implements
// oauth2.TokenSource so oauth2.NewClient can install the Authorization
// transport; every Token call mints fresh, never reuses, because each job
// invocation must carry its own token.
type Minter struct {
	secret  string
	actorID string
	purpose string
	service string
	ttl     time.Duration
	now     func() time.Time
}

func NewMinter(secret, actorID, purpose, service string, ttl time.Duration) (*Minter, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, errors.New("actor id is required")
	}
	if strings.TrimSpace(purpose) == "" {
		return nil, errors.New("purpose is required")
	}
	if strings.TrimSpace(service) == "" {
		return nil, errors.New("service is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Minter{
		secret:  secret,
		actorID: strings.TrimSpace(actorID),
		purpose: strings.TrimSpace(purpose),
		service: strings.TrimSpace(service),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ oauth2.TokenSource = (*Minter)(nil)

func (m *Minter) Token() (*oauth2.Token, error) {
	if m == nil {
		return nil, errors.New("minter not initialized")
	}
	now := m.now()
	expiry := now.Add(m.ttl)
	raw, err := GenerateServiceToken(m.secret, ServiceTokenClaims{
		ActorID:       m.actorID,
		Purpose:       m.purpose,
		Service:       m.service,
		ExpiresAtUnix: expiry.Unix(),
	}, now)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: raw,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}, nil
}
