package order

import (
	"encoding/json"
)

// 元数据键约定
// 每次状态变更都把来源与原因并入订单元数据，历史键只增不删
const (
	MetaKeySource           = "source"
	MetaKeyReason           = "reason"
	MetaKeyCancelConfidence = "cancel_confidence" // high: 券商明确回报; low: 仅凭挂单快照缺席推断
	MetaKeyCancelCommandID  = "cancel_command_id"
	MetaKeyCancelCommandTag = "cancel_command_tag"
	MetaKeyCancelRequestAt  = "cancel_requested_at"
	MetaKeyRecovered        = "recovered"
	MetaKeyRecoveryReason   = "recovery_reason"
	MetaKeyRecoveredAt      = "recovered_at"
	MetaKeyReplacedBy       = "replaced_by"
	MetaKeyReplacementOf    = "replacement_of"
	MetaKeySynthesized      = "synthesized"
	MetaKeyLastTransitionAt = "last_transition_at"
)

// 取消判定置信度
const (
	ConfidenceHigh = "high"
	ConfidenceLow  = "low"
)

// MergeMetadata 把补丁并入已有元数据 JSON
// 只并入不覆盖整体：未出现在补丁里的键原样保留
func MergeMetadata(existing string, patch map[string]interface{}) string {
	merged := ParseMetadata(existing)
	for k, v := range patch {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return string(data)
}

// ParseMetadata 解析元数据 JSON，损坏或为空时返回空映射
func ParseMetadata(raw string) map[string]interface{} {
	result := make(map[string]interface{})
	if raw == "" {
		return result
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// MetadataString 读取元数据中的字符串键
func MetadataString(raw, key string) string {
	meta := ParseMetadata(raw)
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

// MetadataBool 读取元数据中的布尔键
func MetadataBool(raw, key string) bool {
	meta := ParseMetadata(raw)
	if val, ok := meta[key].(bool); ok {
		return val
	}
	return false
}
