package agentauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
)

// KeyFormat 枚举可接受的公钥线格式。每种格式独立解码与校验，
// 不允许按上下文猜测长度。
type KeyFormat string

const (
	// KeyFormatHex0x 是带 0x 前缀的 64 位十六进制。
	KeyFormatHex0x KeyFormat = "hex-0x"
	// KeyFormatHex 是不带前缀的 64 位十六进制。
	KeyFormatHex KeyFormat = "hex"
	// KeyFormatBase64Raw 是 base64 编码的 32 字节裸公钥。
	KeyFormatBase64Raw KeyFormat = "base64-raw"
	// KeyFormatBase64SPKI 是 base64 编码的 44 字节 SPKI-DER 结构，
	// 前 12 字节是固定的 Ed25519 OID 头。
	KeyFormatBase64SPKI KeyFormat = "base64-spki"
)

// SignatureFormat 枚举可接受的签名线格式。
type SignatureFormat string

const (
	SignatureFormatHex    SignatureFormat = "hex"
	SignatureFormatBase64 SignatureFormat = "base64"
)

const (
	spkiHeaderLen = 12
	spkiTotalLen  = 44
)

var bareHex64 = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// DecodePublicKey 将线格式公钥解码为 32 字节 Ed25519 公钥。
// 解码成功时返回命中的格式，任何形态不匹配都返回 ErrInvalidEncoding。
func DecodePublicKey(raw string) (ed25519.PublicKey, KeyFormat, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", ErrInvalidEncoding
	}

	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		body := raw[2:]
		if !bareHex64.MatchString(body) {
			return nil, "", ErrInvalidEncoding
		}
		key, err := hex.DecodeString(body)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, "", ErrInvalidEncoding
		}
		return ed25519.PublicKey(key), KeyFormatHex0x, nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		switch {
		case len(decoded) == ed25519.PublicKeySize:
			return ed25519.PublicKey(decoded), KeyFormatBase64Raw, nil
		case len(decoded) == spkiTotalLen && decoded[0] == 0x30 && decoded[1] == 0x2a:
			key := decoded[spkiHeaderLen:]
			if len(key) != ed25519.PublicKeySize {
				return nil, "", ErrInvalidEncoding
			}
			return ed25519.PublicKey(key), KeyFormatBase64SPKI, nil
		}
		// base64 能解开但长度不符，继续尝试十六进制形态。
	}

	if bareHex64.MatchString(raw) {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, "", ErrInvalidEncoding
		}
		return ed25519.PublicKey(key), KeyFormatHex, nil
	}

	return nil, "", ErrInvalidEncoding
}

// DecodeSignature 将线格式签名解码为 64 字节。十六进制优先，
// 奇数长度左补零；否则尝试 base64。长度不为 64 字节一律拒绝。
func DecodeSignature(raw string) ([]byte, SignatureFormat, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", ErrInvalidEncoding
	}

	body := raw
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		body = body[2:]
	}
	if isHexString(body) {
		if len(body)%2 == 1 {
			body = "0" + body
		}
		sig, err := hex.DecodeString(body)
		if err == nil && len(sig) == ed25519.SignatureSize {
			return sig, SignatureFormatHex, nil
		}
		if err == nil {
			// 合法十六进制但长度不对，不再回退 base64。
			return nil, "", ErrInvalidEncoding
		}
	}

	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, "", ErrInvalidEncoding
	}
	return sig, SignatureFormatBase64, nil
}

func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
