package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// Scheme 标识一种负载加密方案
// 两种方案互斥：解密时通过密文自身的结构探测来选择，绝不重复尝试
type Scheme int

const (
	// SchemeLegacy 旧式方案：ECDH + AES-256-CBC，密文以 "?iv=" 尾部标记收尾
	SchemeLegacy Scheme = iota
	// SchemeSealed 密封方案：HKDF 派生密钥 + XChaCha20-Poly1305，带版本字节
	SchemeSealed
)

// LegacyMarker 是旧式密文的结构标记：base64(密文) + "?iv=" + base64(IV)
const LegacyMarker = "?iv="

// sealedVersion 是密封方案的版本字节，位于 base64 解码后的首字节
const sealedVersion = byte(0x02)

// ErrUnknownScheme 表示密文的结构与任何已知方案都不匹配
var ErrUnknownScheme = errors.New("crypto: ciphertext matches no known scheme")

// IsLegacyCiphertext 通过尾部标记探测密文是否属于旧式方案
// 标记缺失即推定为密封方案——方案选择只看结构，不做多次尝试
func IsLegacyCiphertext(ct string) bool {
	return strings.Contains(ct, LegacyMarker)
}

// ProbeScheme 根据密文结构返回应使用的解密方案
func ProbeScheme(ct string) Scheme {
	if IsLegacyCiphertext(ct) {
		return SchemeLegacy
	}
	return SchemeSealed
}

// SharedSecret 计算本端私钥与对端公钥的 ECDH 共享密钥（曲线点 X 坐标，32 字节）
// 双方以对称的方式得到相同的密钥
func SharedSecret(priv *secp256k1.PrivateKey, peerPubHex string) ([]byte, error) {
	pub, err := nostr.ParsePubKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.GenerateSharedSecret(priv, pub), nil
}

// BuildTranscript 构建一个双方一致的会话摘要，用于密钥派生
// 两个身份按字典序排序后拼接，保证双方无需协商即可得到相同摘要
func BuildTranscript(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(strings.Join([]string{"gravduel-cipher-v1", a, b}, "|"))
}

// HkdfBytes 使用 HKDF-SHA256 从输入密钥材料派生指定长度的密钥
func HkdfBytes(ikm []byte, label string, transcript []byte, n int) []byte {
	info := append([]byte(label+"|"), transcript...)
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, n)
	_, _ = io.ReadFull(r, out)
	return out
}

// EncryptLegacy 按旧式方案加密：AES-256-CBC，随机 IV，尾部附加 "?iv=" 标记
func EncryptLegacy(secret []byte, plaintext string) (string, error) {
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(ct) + LegacyMarker + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptLegacy 按旧式方案解密
func DecryptLegacy(secret []byte, ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, LegacyMarker)
	if idx < 0 {
		return "", ErrUnknownScheme
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext[:idx])
	if err != nil {
		return "", fmt.Errorf("legacy: ct base64: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ciphertext[idx+len(LegacyMarker):])
	if err != nil {
		return "", fmt.Errorf("legacy: iv base64: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("legacy: bad ciphertext shape")
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	out, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncryptSealed 按密封方案加密：HKDF 派生密钥，XChaCha20-Poly1305 密封
// 输出 base64(版本字节 || nonce || 密文)，不含任何 "?iv=" 标记
func EncryptSealed(secret, transcript []byte, plaintext string) (string, error) {
	key := HkdfBytes(seclamp(secret), "seal", transcript, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	box := aead.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, 1+len(nonce)+len(box))
	out = append(out, sealedVersion)
	out = append(out, nonce...)
	out = append(out, box...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSealed 按密封方案解密
func DecryptSealed(secret, transcript []byte, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("sealed: base64: %w", err)
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("sealed: ciphertext too short")
	}
	if raw[0] != sealedVersion {
		return "", fmt.Errorf("sealed: unknown version 0x%02x", raw[0])
	}
	key := HkdfBytes(seclamp(secret), "seal", transcript, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	box := raw[1+chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", fmt.Errorf("sealed: open: %w", err)
	}
	return string(pt), nil
}

// seclamp 把共享密钥规整为固定长度的输入密钥材料
func seclamp(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("pkcs7: bad length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("pkcs7: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("pkcs7: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
