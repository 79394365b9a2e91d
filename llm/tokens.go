package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter 基于 BPE 词表的精确 token 计数
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 加载指定编码（如 cl100k_base）。
// 词表不可用时返回错误，调用方应退回估算计数。
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count 返回文本的 token 数
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
