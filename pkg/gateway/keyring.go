package gateway

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Metaphorme/gravduel/pkg/crypto"
	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// Keyring 持有本端身份私钥与启用的加密方案集合
// 它是签名与加解密能力的唯一入口，网关实现都委托给它
type Keyring struct {
	priv    *secp256k1.PrivateKey
	pub     string
	schemes map[crypto.Scheme]bool
	prefer  crypto.Scheme
}

// NewKeyring 创建一个密钥环；schemes 为空表示没有可用加密方案
// 第一个方案作为加密时的首选方案
func NewKeyring(priv *secp256k1.PrivateKey, schemes ...crypto.Scheme) *Keyring {
	k := &Keyring{
		priv:    priv,
		pub:     hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		schemes: make(map[crypto.Scheme]bool, len(schemes)),
	}
	for i, s := range schemes {
		if i == 0 {
			k.prefer = s
		}
		k.schemes[s] = true
	}
	return k
}

// PubKey 返回本端身份字符串
func (k *Keyring) PubKey() string { return k.pub }

// SignEvent 为事件签名（填充 PubKey/ID/Sig）
func (k *Keyring) SignEvent(ev *nostr.Event) error {
	return ev.Sign(k.priv)
}

// Encrypt 用首选方案为对端加密
func (k *Keyring) Encrypt(peerPub, plaintext string) (string, error) {
	if len(k.schemes) == 0 {
		return "", ErrNoCipher
	}
	secret, err := crypto.SharedSecret(k.priv, peerPub)
	if err != nil {
		return "", err
	}
	switch k.prefer {
	case crypto.SchemeLegacy:
		return crypto.EncryptLegacy(secret, plaintext)
	case crypto.SchemeSealed:
		return crypto.EncryptSealed(secret, crypto.BuildTranscript(k.pub, peerPub), plaintext)
	}
	return "", ErrNoCipher
}

// Decrypt 解密对端发来的密文；方案由密文结构探测决定，只尝试一种
func (k *Keyring) Decrypt(peerPub, ciphertext string) (string, error) {
	scheme := crypto.ProbeScheme(ciphertext)
	if !k.schemes[scheme] {
		return "", fmt.Errorf("%w: probed scheme not enabled", ErrNoCipher)
	}
	secret, err := crypto.SharedSecret(k.priv, peerPub)
	if err != nil {
		return "", err
	}
	if scheme == crypto.SchemeLegacy {
		return crypto.DecryptLegacy(secret, ciphertext)
	}
	return crypto.DecryptSealed(secret, crypto.BuildTranscript(k.pub, peerPub), ciphertext)
}
