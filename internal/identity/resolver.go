package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/swipeledger/internal/model"
)

// TokenVerifier はBearerトークンを検証し、クレームに含まれるメールアドレスを返す。
// auth.Verifierが実装する。
type TokenVerifier interface {
	VerifyEmail(ctx context.Context, token string) (string, error)
}

// Resolver はHTTPリクエストから呼び出し元のIdentityを決定する。
type Resolver struct {
	verifier     TokenVerifier
	trustProxies bool
}

// NewResolver はResolverを生成する。
// verifierがnilの場合はBearerトークンを無視し、常にIPアドレスで識別する。
// trustProxiesがtrueの場合、X-Forwarded-Forの先頭ホップを呼び出し元アドレスとして扱う。
func NewResolver(verifier TokenVerifier, trustProxies bool) *Resolver {
	return &Resolver{verifier: verifier, trustProxies: trustProxies}
}

// Resolve はリクエストの主体を返す。
// 検証済みトークンがあればEmail、なければ接続元アドレスのIPAddressとなる。
// トークンが提示されたが検証に失敗した場合はUnauthorizedエラーを返す。
func (r *Resolver) Resolve(req *http.Request) (model.Identity, error) {
	if token := bearerToken(req); token != "" && r.verifier != nil {
		email, err := r.verifier.VerifyEmail(req.Context(), token)
		if err != nil {
			slog.Warn("bearer token verification failed",
				slog.String("error", err.Error()),
			)
			return model.Identity{}, model.NewUnauthorizedError()
		}
		return NewEmail(email)
	}

	return NewIPAddress(r.clientAddress(req))
}

// Anonymous はトークンの有無にかかわらず接続元アドレスのIdentityを返す。
// サインイン時のマージで匿名利用量の移行元を特定するために使う。
func (r *Resolver) Anonymous(req *http.Request) (model.Identity, error) {
	return NewIPAddress(r.clientAddress(req))
}

// clientAddress は呼び出し元のネットワークアドレス（ポートなし）を返す。
func (r *Resolver) clientAddress(req *http.Request) string {
	if r.trustProxies {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
