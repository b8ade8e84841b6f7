package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("token issuer: signing secret required")
	errMissingIssuer        = errors.New("token issuer: issuer required")
	errMissingSubjectClaim  = errors.New("token issuer: user id required")
)

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Identity describes the person a session token is minted for.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Roles       []string
}

// TokenIssuer mints the tokens operators hand to terminal clients. Every token carries a
// fresh jti so issued tokens can be told apart in logs.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	issuerInstance := &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           defaultTokenTTL,
		clock:         time.Now,
	}
	if cfg.TokenTTL > 0 {
		issuerInstance.ttl = cfg.TokenTTL
	}
	if cfg.Clock != nil {
		issuerInstance.clock = cfg.Clock
	}
	return issuerInstance, nil
}

// IssueSessionToken produces a signed JWT and its expiry for the identity.
func (i *TokenIssuer) IssueSessionToken(identity Identity) (string, time.Time, error) {
	claims, err := i.claimsFor(identity)
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (i *TokenIssuer) claimsFor(identity Identity) (SessionClaims, error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return SessionClaims{}, errMissingSubjectClaim
	}
	issuedAt := i.clock().UTC().Truncate(time.Second)
	var roles []string
	for _, role := range identity.Roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return SessionClaims{
		UserID:          userID,
		UserEmail:       strings.TrimSpace(identity.Email),
		UserDisplayName: strings.TrimSpace(identity.DisplayName),
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
		},
	}, nil
}
