package utils

import "time"

// AbsDuration 时间间隔绝对值
func AbsDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
