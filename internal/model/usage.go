package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DayLayout は利用履歴のキーに使う日付フォーマット。
const DayLayout = "2006-01-02"

// UsageRecord は主体ごとの利用カウンタを表す。
// 匿名（IP）の場合はUserID、LastUsed、Historyを持たない。
// 常に DailyUsage <= TotalUsage を満たす。
type UsageRecord struct {
	Identity   Identity
	UserID     string
	DailyUsage int
	TotalUsage int
	LastUsed   *time.Time
	LastReset  time.Time
	History    UsageHistory
}

// UsageHistory は日付文字列（YYYY-MM-DD）ごとの利用回数。
// PostgreSQLのjsonbカラムとして保存する。
type UsageHistory map[string]int

// Prune はcutoffより古い日付キーを除いた新しいマップを返す。
// キーはDayLayout形式のため文字列比較で日付順になる。
func (h UsageHistory) Prune(cutoff string) UsageHistory {
	out := make(UsageHistory, len(h))
	for day, count := range h {
		if day >= cutoff {
			out[day] = count
		}
	}
	return out
}

// Value はdriver.Valuerを実装する。
func (h UsageHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int(h))
}

// Scan はsql.Scannerを実装する。
func (h *UsageHistory) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = UsageHistory{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for usage history: %T", src)
	}

	m := map[string]int{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to unmarshal usage history: %w", err)
		}
	}
	*h = m
	return nil
}

// UsageCounts はマージ時に加算する匿名利用量。
type UsageCounts struct {
	DailyUsage int
	TotalUsage int
}
