package models

// 消息类型标识，出现在加密负载的 JSON "type" 字段中
const (
	TypeChallenge   = "challenge"
	TypeAccept      = "accept"
	TypeGameAction  = "game_action"
	TypePlayerReady = "player_ready"
)

// 明文关键字回退：极简客户端可以直接发送裸关键字而不是 JSON
const (
	KeywordChallenge = "challenge"
	KeywordAccept    = "accept"
)

// Envelope 是所有负载共有的最小结构，用于分类
type Envelope struct {
	Type string `json:"type"`
}

// Challenge 是挑战负载（内容只有类型本身，其余信息都在事件标签里）
type Challenge struct {
	Type string `json:"type"` // "challenge"
}

// Accept 是应战负载，通过事件的 "e" 标签与原始挑战事件关联
type Accept struct {
	Type string `json:"type"` // "accept"
}

// Aim 描述一次射击的瞄准参数
type Aim struct {
	AngleDegrees float64 `json:"angleDegrees"` // 0 = 正右方，逆时针为正
	Power        float64 `json:"power"`        // 发射力度，约定范围 [0,100]
}

// FireAction 是回合动作的具体内容：瞄准 + 可选的特殊能力
// Ability 为 nil 表示标准射击
type FireAction struct {
	Type    string  `json:"type"` // "fire"
	Aim     Aim     `json:"aim"`
	Ability *string `json:"ability"`
}

// TurnAction 是每回合在双方之间交换的最小决策负载
// 绝不携带任何派生状态（HP、弹道、比分），双方只交换决定本身
type TurnAction struct {
	Type           string     `json:"type"` // "game_action"
	MatchID        string     `json:"matchId"`
	SenderIdentity string     `json:"senderIdentity"`
	TurnIndex      int        `json:"turnIndex"` // 必须等于发送方的玩家序号 (0|1)
	Action         FireAction `json:"action"`
}

// AbilityName 返回动作中的能力名，标准射击返回空串
func (t *TurnAction) AbilityName() string {
	if t.Action.Ability == nil {
		return ""
	}
	return *t.Action.Ability
}

// ReadySignal 是开局前的就绪信号，表示本端已完成初始化（地图、物理世界）
type ReadySignal struct {
	Type    string `json:"type"` // "player_ready"
	MatchID string `json:"matchId"`
}
