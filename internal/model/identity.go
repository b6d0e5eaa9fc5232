package model

// IdentityKind は利用量計上の主体の種別を表す。
type IdentityKind string

const (
	// IdentityKindEmail は認証済みアカウント（正規化済みメールアドレス）を示す。
	IdentityKindEmail IdentityKind = "email"
	// IdentityKindIPAddress は匿名の呼び出し元（正規化済みネットワークアドレス）を示す。
	IdentityKindIPAddress IdentityKind = "ip"
)

// Identity は利用量計上の主体。
// 値は identity パッケージのコンストラクタで正規化済みであることを前提とする。
type Identity struct {
	Kind  IdentityKind
	Value string
}

// IsAuthenticated は認証済みアカウントかどうかを返す。
func (i Identity) IsAuthenticated() bool {
	return i.Kind == IdentityKindEmail
}

// IsZero は未設定のIdentityかどうかを返す。
func (i Identity) IsZero() bool {
	return i.Kind == "" && i.Value == ""
}

// String はログ出力用の文字列表現を返す。
func (i Identity) String() string {
	return string(i.Kind) + ":" + i.Value
}
