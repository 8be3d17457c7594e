package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// Token types carried in the "type" claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Blacklist is the revocation store. Lookups fail closed: when the store
// is unreachable a token is treated as revoked.
type Blacklist interface {
	BlacklistToken(ctx context.Context, jti string, ttl time.Duration) error
	IsTokenBlacklisted(ctx context.Context, jti string) bool
}

// Claims is the signed token payload
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Config holds token service settings
type Config struct {
	SecretKey         string
	AccessExpiry      time.Duration
	RefreshExpiry     time.Duration
	Issuer            string
	Audience          string
}

// TokenService issues and validates signed bearer tokens. Every token
// carries a jti so individual tokens can be revoked for their remaining
// lifetime.
type TokenService struct {
	secret    []byte
	cfg       Config
	blacklist Blacklist

	now func() time.Time
}

func NewTokenService(cfg Config, blacklist Blacklist) *TokenService {
	if cfg.AccessExpiry == 0 {
		cfg.AccessExpiry = 30 * time.Minute
	}
	if cfg.RefreshExpiry == 0 {
		cfg.RefreshExpiry = 7 * 24 * time.Hour
	}

	return &TokenService{
		secret:    []byte(cfg.SecretKey),
		cfg:       cfg,
		blacklist: blacklist,
		now:       time.Now,
	}
}

func (s *TokenService) sign(subject, tokenType string, expiry time.Duration) (string, error) {
	now := s.now()

	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	if s.cfg.Issuer != "" {
		claims.Issuer = s.cfg.Issuer
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal, "failed to sign token")
	}
	return signed, nil
}

// IssuePair creates an access + refresh token pair for a subject
func (s *TokenService) IssuePair(subject string) (*models.TokenPair, error) {
	access, err := s.sign(subject, TokenTypeAccess, s.cfg.AccessExpiry)
	if err != nil {
		return nil, err
	}

	refresh, err := s.sign(subject, TokenTypeRefresh, s.cfg.RefreshExpiry)
	if err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.cfg.AccessExpiry / time.Second),
	}, nil
}

func (s *TokenService) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	baseOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		baseOpts = append(baseOpts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		baseOpts = append(baseOpts, jwt.WithAudience(s.cfg.Audience))
	}
	baseOpts = append(baseOpts, opts...)

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, baseOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrAuthFailed, "invalid token")
	}

	return claims, nil
}

// Verify validates the signature, expiry, token type and revocation state,
// returning the subject. Revocation lookups fail closed.
func (s *TokenService) Verify(ctx context.Context, tokenString, tokenType string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}

	if claims.Subject == "" || claims.ID == "" {
		return "", errors.New(errors.ErrAuthFailed, "token missing subject or id")
	}
	if claims.Type != tokenType {
		return "", errors.New(errors.ErrAuthFailed, "wrong token type")
	}

	if s.blacklist.IsTokenBlacklisted(ctx, claims.ID) {
		logger.WithField("jti", claims.ID).Warn("Revoked token presented")
		return "", errors.New(errors.ErrTokenRevoked, "token revoked")
	}

	return claims.Subject, nil
}

// Revoke blacklists a token for its remaining lifetime. Expired tokens are
// accepted so logout after expiry is a no-op rather than an error.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}

	if claims.ID == "" || claims.ExpiresAt == nil {
		return errors.New(errors.ErrAuthFailed, "token missing id or expiry")
	}

	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if err := s.blacklist.BlacklistToken(ctx, claims.ID, ttl); err != nil {
		return err
	}

	logger.WithField("jti", claims.ID).WithField("subject", claims.Subject).Info("Token revoked")
	return nil
}

// Refresh rotates a refresh token: the old token's jti is blacklisted for
// its remaining lifetime and a fresh pair is issued, so a refresh token
// can be used exactly once.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	subject, err := s.Verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	pair, err := s.IssuePair(subject)
	if err != nil {
		return nil, err
	}

	if err := s.Revoke(ctx, refreshToken); err != nil {
		logger.WithError(err).Warn("Failed to blacklist rotated refresh token")
	}

	return pair, nil
}
