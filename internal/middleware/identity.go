// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/swipeledger/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey はリクエストの主体を格納するためのキー。
	identityContextKey = contextKey("identity")
	// addressContextKey は接続元アドレスのIdentityを格納するためのキー。
	addressContextKey = contextKey("client_address")
)

// IdentityResolver はリクエストから主体を決定するインターフェース。
// identity.Resolverが実装する。
type IdentityResolver interface {
	Resolve(req *http.Request) (model.Identity, error)
	Anonymous(req *http.Request) (model.Identity, error)
}

// NewIdentityMiddleware はリクエストの主体を解決してコンテキストに注入するミドルウェアを返す。
// トークンの検証に失敗した場合は401、主体を決定できない場合は400を返す。
func NewIdentityMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				writeIdentityError(w, r, err)
				return
			}

			ctx := ContextWithIdentity(r.Context(), id)
			if addr, err := resolver.Anonymous(r); err == nil {
				ctx = context.WithValue(ctx, addressContextKey, addr)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireAccountMiddleware はアカウントで認証されていないリクエストに401を返すミドルウェアを返す。
// IdentityMiddlewareの後に配置する。
func NewRequireAccountMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFromContext(r.Context())
			if err != nil || !id.IsAuthenticated() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext はリクエストコンテキストから主体を取得する。
// IdentityMiddlewareを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (model.Identity, error) {
	id, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok || id.IsZero() {
		return model.Identity{}, errors.New("identity not found in context")
	}
	return id, nil
}

// ClientAddressFromContext は接続元アドレスのIdentityを取得する。
// 取得できなかった場合はゼロ値を返す。
func ClientAddressFromContext(ctx context.Context) model.Identity {
	addr, _ := ctx.Value(addressContextKey).(model.Identity)
	return addr
}

// ContextWithIdentity はコンテキストに主体を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// ContextWithClientAddress はコンテキストに接続元アドレスを注入する。
func ContextWithClientAddress(ctx context.Context, addr model.Identity) context.Context {
	return context.WithValue(ctx, addressContextKey, addr)
}

func writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Debug("failed to resolve identity", slog.String("error", err.Error()))
	WriteError(w, r, err)
}
