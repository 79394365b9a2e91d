package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Query 表示一次编排运行的工作单元。
// 在编排边界创建，创建后不可变，生命周期与单次运行一致。
type Query struct {
	// 用户原始文本
	Text string `json:"text"`
	// 规范化指纹（SHA256），用作运行内缓存/幂等键
	Fingerprint string `json:"fingerprint"`
	// 会话标识（可选）
	SessionID string `json:"session_id,omitempty"`
	// 附件文档引用（可选），gap 分析时必需
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// NewQuery 创建查询并计算指纹。
// 指纹对规范化文本 + 排序后的附件 ID 取 SHA256，
// 相同逻辑查询在同一运行内必然得到相同指纹。
func NewQuery(text, sessionID string, attachmentIDs []string) Query {
	return Query{
		Text:          text,
		Fingerprint:   ComputeFingerprint(text, attachmentIDs),
		SessionID:     sessionID,
		AttachmentIDs: attachmentIDs,
	}
}

// ComputeFingerprint 计算确定性查询指纹。
// 规范化规则：小写、折叠空白；附件 ID 排序后参与哈希。
func ComputeFingerprint(text string, attachmentIDs []string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")

	ids := make([]string, len(attachmentIDs))
	copy(ids, attachmentIDs)
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(normalized))
	for _, id := range ids {
		h.Write([]byte{0}) // separator so ["ab","c"] != ["a","bc"]
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}
