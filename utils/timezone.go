package utils

import (
	"time"
)

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	// 默认使用美东时区（美股交易时段）
	SetLocation("America/New_York")
}

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 如果加载失败，尝试常见的固定偏移
		if name == "America/New_York" || name == "US/Eastern" {
			GlobalLocation = time.FixedZone("EST", -5*60*60)
			return nil
		}
		// 如果还是失败，保留原有时区或默认值
		if GlobalLocation == nil {
			GlobalLocation = time.Local
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}

// ToUTC 将时间转换为UTC时间
func ToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}
