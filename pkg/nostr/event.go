package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// 事件种类
const (
	// KindEncryptedDM 加密私信，承载挑战/应战协商
	KindEncryptedDM = 4
	// KindGameEvent 短时游戏事件（回合动作、就绪信号）；位于短时区间，中继不落盘
	KindGameEvent = 20420
)

// 短时事件种类区间 [EphemeralKindMin, EphemeralKindMax)
const (
	EphemeralKindMin = 20000
	EphemeralKindMax = 30000
)

// Event 是中继网络上流转的已签名事件
// ID 是规范序列化的 SHA-256，Sig 是身份密钥对 ID 的 Schnorr 签名
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize 返回用于计算事件 ID 的规范序列化形式：
// [0, pubkey, created_at, kind, tags, content] 的 JSON 编码
func (e *Event) Serialize() []byte {
	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	b, _ := json.Marshal(arr)
	return b
}

// ComputeID 计算并返回事件 ID（不修改事件本身）
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// Sign 用给定私钥填充事件的 PubKey、ID 与 Sig
func (e *Event) Sign(priv *secp256k1.PrivateKey) error {
	e.PubKey = hex.EncodeToString(priv.PubKey().SerializeCompressed())
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	e.ID = e.ComputeID()
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("sign: bad id: %w", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify 校验事件 ID 与签名是否一致
func (e *Event) Verify() bool {
	if e.ComputeID() != e.ID {
		return false
	}
	pub, err := ParsePubKey(e.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pub)
}

// Tag 返回第一个名为 name 的标签的首个值，不存在则返回空串
func (e *Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// IsEphemeral 判断事件是否属于短时种类（中继只分发、不存储）
func (e *Event) IsEphemeral() bool {
	return e.Kind >= EphemeralKindMin && e.Kind < EphemeralKindMax
}

// ParsePubKey 解析 33 字节压缩公钥的十六进制形式
func ParsePubKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pubkey hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("pubkey parse: %w", err)
	}
	return pub, nil
}

// ValidIdentity 校验身份字符串是否是合法的压缩公钥十六进制
func ValidIdentity(s string) bool {
	if len(s) != 66 {
		return false
	}
	_, err := ParsePubKey(s)
	return err == nil
}
