package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer 负责 Binance Futures 请求签名。
// 密钥以 []byte 保存，用完可以擦除，且绝不写入日志。
type Signer struct {
	apiKey    []byte
	secretKey []byte
}

// NewSigner 创建签名器。
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    []byte(apiKey),
		secretKey: []byte(secretKey),
	}
}

// APIKey 返回随请求头发送的 API Key。
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// Sign 对规范化查询串计算 HMAC-SHA256，输出十六进制小写。
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe 从内存中清除密钥。
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipeSlice(s.apiKey)
	wipeSlice(s.secretKey)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
