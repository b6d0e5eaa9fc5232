package usage

import (
	"time"

	"github.com/hitoshi/swipeledger/internal/model"
)

// LocalMidnight はtをlocで見た当日0時の時刻を返す。
// 夏時間の切り替え日でも暦日の開始時刻を返す。
func LocalMidnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DayKey はtをlocで見た日付を履歴キー（YYYY-MM-DD）にして返す。
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(model.DayLayout)
}

// PreviousDayKey はtをlocで見た前日の履歴キーを返す。
func PreviousDayKey(t time.Time, loc *time.Location) string {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day()-1, 12, 0, 0, 0, loc).Format(model.DayLayout)
}
