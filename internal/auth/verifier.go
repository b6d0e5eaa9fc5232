// Package auth はBearerトークン（JWT）の検証を提供する。
// トークンの発行は外部IdPが行い、このパッケージは検証とメールアドレスの取り出しのみを扱う。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// ErrNotConfigured はJWKS URLとHMACシークレットのどちらも設定されていない場合に返される。
var ErrNotConfigured = errors.New("auth verifier is not configured")

// VerifierConfig はトークン検証の設定を保持する。
// JWKSURLが設定されていればRS系の公開鍵検証、なければHMACSecretによるHS256検証を行う。
type VerifierConfig struct {
	JWKSURL    string
	HMACSecret string
	Issuer     string
	Audience   string
	// HTTPClient はJWKS取得に使うクライアント。nilの場合はkeyfuncの既定値。
	HTTPClient *http.Client
}

// Verifier はJWTを検証する。
type Verifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewVerifier は設定からVerifierを生成する。
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	var (
		kf      jwt.Keyfunc
		methods []string
	)

	switch {
	case cfg.JWKSURL != "":
		provider, err := keyfunc.NewDefaultOverrideCtx(context.Background(), []string{cfg.JWKSURL}, keyfunc.Override{
			Client: cfg.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
		}
		kf = provider.Keyfunc
		methods = []string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodRS384.Name,
			jwt.SigningMethodRS512.Name,
			jwt.SigningMethodES256.Name,
		}
	case cfg.HMACSecret != "":
		secret := []byte(cfg.HMACSecret)
		kf = func(*jwt.Token) (any, error) { return secret, nil }
		methods = []string{jwt.SigningMethodHS256.Name}
	default:
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Verifier{keyfunc: kf, parser: jwt.NewParser(opts...)}, nil
}

// VerifyEmail はトークンを検証し、emailクレームを返す。
// email_verifiedクレームがfalseの場合は拒否する。
func (v *Verifier) VerifyEmail(ctx context.Context, tokenString string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := v.parser.Parse(tokenString, v.keyfunc)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return "", errors.New("email is not verified")
	}

	email, _ := claims["email"].(string)
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("token missing email")
	}
	return email, nil
}
