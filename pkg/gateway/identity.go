package gateway

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// LoadOrCreateKey 从指定路径加载身份私钥
// 如果文件不存在，则生成一个新的私钥并保存，以确保重启后身份不变
func LoadOrCreateKey(path string) (*secp256k1.PrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("identity file %s: not a 32-byte hex key", path)
		}
		return secp256k1.PrivKeyFromBytes(raw), nil
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	// 确保目录存在
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	// 以安全的权限写入私钥文件
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Serialize())+"\n"), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
