package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 关联标签（correlation tag）是券商侧订单记录与本地台账的唯一纽带。
// 批量订单标签格式: <namespace>:<run-id>:<index>:<symbol>
// 直接下单标签格式: <namespace>:direct:<nonce>:<symbol>
// 补单标签在原标签后追加 ~r<attempt>-<nonce>，保证不与任何历史标签冲突。

// RunTag 批量订单标签的结构化表示
type RunTag struct {
	Namespace string
	RunID     string
	Index     int
	Symbol    string
}

// GenerateRunTag 生成批量订单关联标签
func GenerateRunTag(namespace, runID string, index int, symbol string) string {
	return fmt.Sprintf("%s:%s:%d:%s", namespace, runID, index, symbol)
}

// GenerateDirectTag 生成直接下单关联标签（带随机 nonce 保证唯一）
func GenerateDirectTag(namespace, symbol string) string {
	return fmt.Sprintf("%s:direct:%s:%s", namespace, shortNonce(), symbol)
}

// ParseRunTag 解析批量订单标签
// 返回 valid=false 表示不是本系统生成的结构化标签
func ParseRunTag(tag string) (RunTag, bool) {
	// 补单后缀不影响归属解析
	base := tag
	if i := strings.Index(base, "~r"); i >= 0 {
		base = base[:i]
	}

	parts := strings.Split(base, ":")
	if len(parts) != 4 {
		return RunTag{}, false
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return RunTag{}, false
	}
	if parts[1] == "direct" {
		return RunTag{}, false
	}

	index, err := strconv.Atoi(parts[2])
	if err != nil || index < 0 {
		return RunTag{}, false
	}

	return RunTag{
		Namespace: parts[0],
		RunID:     parts[1],
		Index:     index,
		Symbol:    parts[3],
	}, true
}

// DeriveReplacementTag 为自动补单派生新标签
// 保留原始标签的归属信息，追加尝试次数和 nonce 防止撞号
func DeriveReplacementTag(tag string, attempt int) string {
	base := tag
	if i := strings.Index(base, "~r"); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s~r%d-%s", base, attempt, shortNonce())
}

// GenerateCommandID 生成取消命令的唯一标识
func GenerateCommandID(orderID int64) string {
	return fmt.Sprintf("cancel_order_%d_%d%s", orderID, time.Now().UnixMilli(), shortNonce())
}

// shortNonce 生成6字节随机十六进制串
func shortNonce() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}
