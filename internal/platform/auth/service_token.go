package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const serviceTokenPrefix = "arcadia_svc_v1"

var (
	ErrServiceTokenInvalid = errors.New("service token is invalid")
	ErrServiceTokenExpired = errors.New("service token is expired")
)

// ServiceTokenClaims is the payload of a short-lived token scoped to one
// purpose (e.g. "deletion") on behalf of one actor. Every federated mutation
// requires a freshly minted token; tokens are never cached across jobs.
type ServiceTokenClaims struct {
	ActorID       string `json:"actor_id"`
	Purpose       string `json:"purpose"`
	Service       string `json:"service"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func GenerateServiceToken(secret string, claims ServiceTokenClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.ActorID = strings.TrimSpace(claims.ActorID)
	claims.Purpose = strings.TrimSpace(claims.Purpose)
	claims.Service = strings.TrimSpace(claims.Service)
	if claims.ActorID == "" {
		return "", errors.New("actor_id is required")
	}
	if claims.Purpose == "" {
		return "", errors.New("purpose is required")
	}
	if claims.Service == "" {
		return "", errors.New("service is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64, err := computeServiceTokenSignature(secret, payloadB64)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{serviceTokenPrefix, payloadB64, sigB64}, "."), nil
}

func VerifyServiceToken(secret string, token string, now time.Time) (ServiceTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ServiceTokenClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	if parts[0] != serviceTokenPrefix {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	payloadB64 := strings.TrimSpace(parts[1])
	sigB64 := strings.TrimSpace(parts[2])
	if payloadB64 == "" || sigB64 == "" {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}

	expectedB64, err := computeServiceTokenSignature(secret, payloadB64)
	if err != nil {
		return ServiceTokenClaims{}, err
	}
	expectedSig, err := base64.RawURLEncoding.DecodeString(expectedB64)
	if err != nil {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	var claims ServiceTokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}
	claims.ActorID = strings.TrimSpace(claims.ActorID)
	claims.Purpose = strings.TrimSpace(claims.Purpose)
	if claims.ActorID == "" || claims.Purpose == "" || claims.ExpiresAtUnix == 0 {
		return ServiceTokenClaims{}, ErrServiceTokenInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return ServiceTokenClaims{}, ErrServiceTokenExpired
	}

	return claims, nil
}

func computeServiceTokenSignature(secret string, payloadB64 string) (string, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return "", errors.New("payload is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte("arcadia-service-token-v1\n")); err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(payloadB64)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
