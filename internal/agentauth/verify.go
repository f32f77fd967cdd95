package agentauth

import (
	"crypto/ed25519"
	"encoding/json"
)

// canonicalPayload 的字段顺序即签名字节的键顺序，不可调整。
type canonicalPayload struct {
	AgentPublicKey string `json:"agentPublicKey"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
}

// CanonicalMessage 重建待签名的规范消息。服务端必须使用收到的公钥
// 原文（而非解码后的形态）重建，客户端提交的任何 message 字段都不可信。
func CanonicalMessage(agentPublicKey string, timestamp int64, nonce string) []byte {
	encoded, err := json.Marshal(canonicalPayload{
		AgentPublicKey: agentPublicKey,
		Timestamp:      timestamp,
		Nonce:          nonce,
	})
	if err != nil {
		// 三个标量字段不可能编码失败。
		return nil
	}
	return encoded
}

// VerifySignature 校验 Ed25519 签名。任何内部异常都视为校验失败，
// 绝不作为认证成功处理。
func VerifySignature(publicKey ed25519.PublicKey, signature, message []byte) (ok bool) {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return ed25519.Verify(publicKey, message, signature)
}
