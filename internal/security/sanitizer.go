// Package security は外部入力と外部通信に対する防御を提供する。
//
// TextSanitizer は保存済みレスポンスに含まれるマークアップを除去してプレーンテキストにする。
// OutboundGuard は設定で与えられたURL（JWKSなど）への通信をプライベートネットワークから隔離する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はbluemondayのStrictPolicyで全てのタグを取り除く。
// script, styleは中身ごと除去される。並行利用に対して安全。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エスケープされた実体参照を元の文字に戻したテキストを返す。
// 前後の空白は取り除く。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
