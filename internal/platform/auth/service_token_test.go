package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	token, err := GenerateServiceToken("secret", ServiceTokenClaims{
		ActorID:       "user-1",
		Purpose:       "deletion",
		Service:       "janitor",
		ExpiresAtUnix: now.Add(time.Hour).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(token, serviceTokenPrefix+".") {
		t.Fatalf("unexpected token prefix: %s", token)
	}

	claims, err := VerifyServiceToken("secret", token, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ActorID != "user-1" || claims.Purpose != "deletion" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestServiceTokenExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	token, err := GenerateServiceToken("secret", ServiceTokenClaims{
		ActorID:       "user-1",
		Purpose:       "deletion",
		Service:       "janitor",
		ExpiresAtUnix: now.Add(time.Minute).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := VerifyServiceToken("secret", token, now.Add(2*time.Minute)); !errors.Is(err, ErrServiceTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestServiceTokenWrongSecret(t *testing.T) {
	now := time.Now().UTC()
	token, err := GenerateServiceToken("secret", ServiceTokenClaims{
		ActorID:       "user-1",
		Purpose:       "deletion",
		Service:       "janitor",
		ExpiresAtUnix: now.Add(time.Hour).Unix(),
	}, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := VerifyServiceToken("other", token, now); !errors.Is(err, ErrServiceTokenInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestMinterMintsFreshTokens(t *testing.T) {
	minter, err := NewMinter("secret", "user-1", "deletion", "janitor", time.Hour)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	minter.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	tok1, err := minter.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tok2, err := minter.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok1.AccessToken == tok2.AccessToken {
		t.Fatalf("expected fresh token per mint")
	}
	if tok1.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", tok1.TokenType)
	}
}
