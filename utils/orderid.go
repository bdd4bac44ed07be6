package utils

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 客户端订单ID生成
// 一个仓位只生成一次 ClientOrderID，后续加仓/减仓/平仓全部复用它；
// 只有下一次开仓才会生成新的ID。
//
// 格式: p{unix_ms}{random6}
// 示例: p1702468800123a3f9c2 (约20字符)
//
// 注意: OKX clOrdId 限制为字母数字且不超过32字符

const (
	clOrdIDPrefix    = "p"
	clOrdIDMaxLength = 32
	randomSuffixLen  = 6
)

const randomAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateClientOrderID 生成仓位级别的客户端订单ID
func GenerateClientOrderID() string {
	now := time.Now().UnixMilli()

	suffix := make([]byte, randomSuffixLen)
	if _, err := rand.Read(suffix); err != nil {
		// 随机源不可用时退化为纳秒时钟
		nano := time.Now().UnixNano()
		for i := range suffix {
			suffix[i] = randomAlphabet[int(nano>>uint(i*4))%len(randomAlphabet)]
		}
	} else {
		for i := range suffix {
			suffix[i] = randomAlphabet[int(suffix[i])%len(randomAlphabet)]
		}
	}

	id := fmt.Sprintf("%s%d%s", clOrdIDPrefix, now, string(suffix))
	if len(id) > clOrdIDMaxLength {
		id = id[:clOrdIDMaxLength]
	}
	return id
}

// ParseClientOrderIDTime 解析客户端订单ID中的时间戳
// 返回: 生成时间, valid
func ParseClientOrderIDTime(clOrdID string) (time.Time, bool) {
	if !strings.HasPrefix(clOrdID, clOrdIDPrefix) {
		return time.Time{}, false
	}

	body := clOrdID[len(clOrdIDPrefix):]
	if len(body) <= randomSuffixLen {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(body[:len(body)-randomSuffixLen], 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}
