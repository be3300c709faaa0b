package gateway

import (
	"context"
	"errors"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// ErrNoCipher 表示本地签名能力没有任何可用的加密方案
// 这是硬错误：没有加密能力就无法发送挑战/应战/回合消息
var ErrNoCipher = errors.New("gateway: no cipher scheme available")

// Subscription 是一个活跃订阅的句柄
// Stop 幂等；组件在退出某个阶段时必须先停掉旧订阅再建新的
type Subscription interface {
	Stop()
}

// Gateway 是身份与消息网关能力
// 核心协议只依赖这个接口，不关心消息是经由真实中继还是测试总线
type Gateway interface {
	// PubKey 返回本端身份（压缩公钥的十六进制）
	PubKey() string

	// Publish 构造、签名并发布一个事件，返回事件 ID
	// 成功只代表中继受理，不代表对端已收到
	Publish(ctx context.Context, kind int, content string, tags [][]string) (string, error)

	// Subscribe 创建一个按条件过滤的事件流订阅
	// onEvent 会在网关的派发 goroutine 中被调用
	Subscribe(f nostr.Filter, onEvent func(nostr.Event)) (Subscription, error)

	// Encrypt 为指定对端加密负载（使用本地配置的首选方案）
	Encrypt(peerPub, plaintext string) (string, error)

	// Decrypt 解密来自指定对端的负载（方案由密文结构探测决定）
	Decrypt(peerPub, ciphertext string) (string, error)
}
