// Package identity は呼び出し元を利用量計上の主体（メールアドレスまたはIPアドレス）に分類する。
package identity

import (
	"net/mail"
	"net/netip"
	"strings"

	"github.com/hitoshi/swipeledger/internal/model"
)

// NewEmail はメールアドレスを正規化してIdentityを生成する。
// 前後の空白を除去し小文字化する。形式が不正な場合はValidationErrorを返す。
func NewEmail(raw string) (model.Identity, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return model.Identity{}, model.NewValidationError("メールアドレスが空です")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.Identity{}, model.NewValidationError("メールアドレスの形式が不正です")
	}

	return model.Identity{Kind: model.IdentityKindEmail, Value: email}, nil
}

// NewIPAddress はネットワークアドレスを正規化してIdentityを生成する。
// IPv4射影IPv6アドレス（::ffff:a.b.c.d）はIPv4表記に変換する。
// ゾーン付きアドレスはゾーンを除去する。
func NewIPAddress(raw string) (model.Identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.Identity{}, model.NewValidationError("IPアドレスが空です")
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return model.Identity{}, model.NewValidationError("IPアドレスの形式が不正です")
	}

	addr = addr.Unmap().WithZone("")
	return model.Identity{Kind: model.IdentityKindIPAddress, Value: addr.String()}, nil
}
