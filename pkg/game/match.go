package game

import (
	"errors"
	"fmt"
	"sync"
)

// ResolutionPolicy 决定能力弹命中时的回合判定规则
type ResolutionPolicy int

const (
	// PolicyAbilityWins 任何能力弹命中都直接判发射方赢得本回合
	PolicyAbilityWins ResolutionPolicy = iota
	// PolicyVulnerability 能力弹命中只有在目标已使用 >=2 次能力（处于"脆弱"状态）时
	// 才直接获胜；否则只造成该能力的伤害，打空 HP 同样获胜
	PolicyVulnerability
)

// VulnerabilityThreshold 触发脆弱状态所需的能力使用次数
const VulnerabilityThreshold = 2

// Phase 是一场比赛的阶段
type Phase int

const (
	Playing Phase = iota
	RoundOver
	LoadingNextRound
	MatchOver
)

// Config 是比赛规则参数
type Config struct {
	MaxHP            int
	StandardDamage   int // 标准弹伤害（默认一击必杀）
	MaxRounds        int
	MaxAbilities     int // 每场比赛的能力总使用次数上限
	MaxPerType       int // 每种能力在整场比赛中的使用上限
	MaxShotsPerRound int // 单回合双方合计射击数预算，耗尽则回合无胜者结束；0 = 不限
	OneUsePerRound   bool
	Policy           ResolutionPolicy
}

// DefaultConfig 返回默认规则
func DefaultConfig() Config {
	return Config{
		MaxHP:            100,
		StandardDamage:   100,
		MaxRounds:        5,
		MaxAbilities:     3,
		MaxPerType:       2,
		MaxShotsPerRound: 20,
		OneUsePerRound:   false,
		Policy:           PolicyAbilityWins,
	}
}

// WinThreshold 返回赢得比赛所需的回合胜场数 ceil(MaxRounds/2)
func (c Config) WinThreshold() int { return (c.MaxRounds + 1) / 2 }

// Hit 是一次模拟碰撞的结果摘要，由双方本地各自得出
type Hit struct {
	HitPlayer int         // 被命中的玩家序号
	Firer     int         // 发射方序号
	Ability   AbilityType // 空串 = 标准弹
}

var (
	// ErrAbilityCap 超出能力使用上限
	ErrAbilityCap = errors.New("game: ability usage cap exceeded")
	// ErrAbilityUnknown 目录中不存在的能力
	ErrAbilityUnknown = errors.New("game: unknown ability")
	// ErrInsufficientHP 剩余 HP 不足以支付能力代价
	ErrInsufficientHP = errors.New("game: insufficient hp for ability cost")
	// ErrNotPlaying 当前阶段不允许该操作
	ErrNotPlaying = errors.New("game: match is not in playing phase")
)

// PlayerIndices 对两个身份做对称的确定性排序，零消息地分配玩家序号：
// 双方各自对同一对身份计算，总能得到一致的 0/1 分配（字典序小者为 0）
func PlayerIndices(a, b string) ([2]string, int) {
	if a < b {
		return [2]string{a, b}, 0
	}
	return [2]string{b, a}, 1
}

// Match 维护一场比赛的全部本地状态：HP、比分、回合号、能力使用计数
// 状态只由已应用的回合动作推进，绝不通过消息直接交换——双方应用了相同的
// 决策序列，就必然推导出相同的比分与回合结果
type Match struct {
	mu  sync.Mutex
	cfg Config

	id      string
	players [2]string
	local   int

	phase Phase
	round int // 1 起
	score [2]int
	hp    [2]int
	turn  int // 当前应当出手的玩家序号
	shots int // 本回合双方已完成的射击数

	usedRound [2]map[AbilityType]int // 本回合内使用计数（每回合清零）
	usedMatch [2]map[AbilityType]int // 整场使用计数（跨回合保留）

	winner int // MatchOver 后有效；-1 = 平局
}

// NewMatch 创建比赛；玩家序号由身份的字典序决定，双方计算结果一致
func NewMatch(cfg Config, matchID, localID, remoteID string) *Match {
	players, localIdx := PlayerIndices(localID, remoteID)
	m := &Match{
		cfg:     cfg,
		id:      matchID,
		players: players,
		local:   localIdx,
		phase:   Playing,
		round:   1,
		winner:  -1,
	}
	m.resetRoundLocked()
	return m
}

// resetRoundLocked 重置单回合状态；先手按回合奇偶轮换，与胜负无关
func (m *Match) resetRoundLocked() {
	m.hp[0], m.hp[1] = m.cfg.MaxHP, m.cfg.MaxHP
	m.usedRound[0] = make(map[AbilityType]int)
	m.usedRound[1] = make(map[AbilityType]int)
	if m.usedMatch[0] == nil {
		m.usedMatch[0] = make(map[AbilityType]int)
		m.usedMatch[1] = make(map[AbilityType]int)
	}
	m.turn = (m.round - 1) % 2
	m.shots = 0
}

// ID 返回比赛标识
func (m *Match) ID() string { return m.id }

// LocalIndex 返回本端玩家序号
func (m *Match) LocalIndex() int { return m.local }

// RemoteIndex 返回对端玩家序号
func (m *Match) RemoteIndex() int { return 1 - m.local }

// Player 返回指定序号的身份
func (m *Match) Player(i int) string { return m.players[i] }

// Opponent 返回对端身份
func (m *Match) Opponent() string { return m.players[1-m.local] }

// Phase 返回当前阶段
func (m *Match) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Round 返回当前回合号（1 起）
func (m *Match) Round() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Turn 返回当前应当出手的玩家序号
func (m *Match) Turn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// HP 返回指定玩家的剩余 HP
func (m *Match) HP(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hp[i]
}

// Shots 返回本回合双方已完成的射击数
func (m *Match) Shots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shots
}

// Score 返回指定玩家的回合胜场数
func (m *Match) Score(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score[i]
}

// AbilitiesUsed 返回指定玩家整场比赛已使用的能力总次数
func (m *Match) AbilitiesUsed(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalUsedLocked(i)
}

func (m *Match) totalUsedLocked(i int) int {
	n := 0
	for _, c := range m.usedMatch[i] {
		n += c
	}
	return n
}

// Result 返回比赛结果；仅在 MatchOver 后有意义
// winner == -1 表示平局
func (m *Match) Result() (winner int, draw bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.winner, m.winner == -1
}

// CanUseAbility 校验玩家此刻是否可以选用指定能力（上限与 HP 代价）
// 选择阶段的校验；HP 是否仍然足够在开火时最终裁决
func (m *Match) CanUseAbility(i int, t AbilityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canUseLocked(i, t)
}

func (m *Match) canUseLocked(i int, t AbilityType) error {
	ab, ok := Catalog[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAbilityUnknown, t)
	}
	if m.totalUsedLocked(i) >= m.cfg.MaxAbilities {
		return fmt.Errorf("%w: match total %d", ErrAbilityCap, m.cfg.MaxAbilities)
	}
	if m.usedMatch[i][t] >= m.cfg.MaxPerType {
		return fmt.Errorf("%w: per-type %d for %q", ErrAbilityCap, m.cfg.MaxPerType, t)
	}
	if m.cfg.OneUsePerRound && m.usedRound[i][t] > 0 {
		return fmt.Errorf("%w: %q already used this round", ErrAbilityCap, t)
	}
	if m.hp[i] < ab.Cost {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientHP, ab.Cost, m.hp[i])
	}
	return nil
}

// SpendAbility 在开火时立即扣除能力代价并计入使用次数
// HP 不足时返回 ErrInsufficientHP，调用方据此走自我淘汰路径
func (m *Match) SpendAbility(i int, t AbilityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Playing {
		return ErrNotPlaying
	}
	if err := m.canUseLocked(i, t); err != nil {
		return err
	}
	m.hp[i] -= Catalog[t].Cost
	m.usedRound[i][t]++
	m.usedMatch[i][t]++
	return nil
}

// SelfEliminate 把回合直接判给 firer 的对手（自我淘汰）
// 用于"选择了能力但 HP 已不足以支付代价"的开火边界情形：
// 这是协议约定的显式结局，绝不静默降级为标准射击。
// firer 的 HP 归零：自我淘汰者不得在末回合的 HP 决胜中占便宜
func (m *Match) SelfEliminate(firer int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Playing {
		return
	}
	m.hp[firer] = 0
	m.endRoundLocked(1 - firer)
}

// ResolveHit 根据一次模拟命中推进回合/比赛状态
// 双方收到的决策序列一致，模拟一致，因此这里的推进在双方完全相同
func (m *Match) ResolveHit(h Hit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Playing {
		return
	}
	switch {
	case h.HitPlayer == h.Firer:
		// 误伤自己：发射方直接输掉本回合，无论对局形势如何
		m.endRoundLocked(1 - h.Firer)
	case h.Ability == "":
		// 标准弹一击必杀
		m.endRoundLocked(h.Firer)
	default:
		m.resolveAbilityHitLocked(h)
	}
}

func (m *Match) resolveAbilityHitLocked(h Hit) {
	if m.cfg.Policy == PolicyAbilityWins {
		m.endRoundLocked(h.Firer)
		return
	}
	// 脆弱判定：目标已使用 >=2 次能力时直接获胜，否则只造成伤害
	if m.totalUsedLocked(h.HitPlayer) >= VulnerabilityThreshold {
		m.endRoundLocked(h.Firer)
		return
	}
	dmg := Catalog[h.Ability].Damage
	m.hp[h.HitPlayer] -= dmg
	if m.hp[h.HitPlayer] <= 0 {
		m.hp[h.HitPlayer] = 0
		m.endRoundLocked(h.Firer)
		return
	}
	m.shotFiredLocked()
}

// ResolveMiss 处理一次未命中任何目标的射击：只交换出手权
func (m *Match) ResolveMiss(firer int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Playing {
		return
	}
	m.shotFiredLocked()
}

// shotFiredLocked 记一次未分胜负的射击并交换出手权；
// 射击预算耗尽时本回合无胜者结束，比分不变
func (m *Match) shotFiredLocked() {
	m.shots++
	if m.cfg.MaxShotsPerRound > 0 && m.shots >= m.cfg.MaxShotsPerRound {
		m.phase = RoundOver
		if m.round >= m.cfg.MaxRounds {
			m.finishAtRoundCapLocked()
		}
		return
	}
	m.turn = 1 - m.turn
}

// endRoundLocked 结束本回合并检查比赛终止条件
func (m *Match) endRoundLocked(roundWinner int) {
	m.score[roundWinner]++
	m.phase = RoundOver

	if m.score[roundWinner] >= m.cfg.WinThreshold() {
		m.phase = MatchOver
		m.winner = roundWinner
		return
	}
	if m.round >= m.cfg.MaxRounds {
		m.finishAtRoundCapLocked()
	}
}

// finishAtRoundCapLocked 回合数打满仍无人到达胜场阈值：
// 用剩余 HP 决胜，完全相等判平局
func (m *Match) finishAtRoundCapLocked() {
	m.phase = MatchOver
	switch {
	case m.hp[0] > m.hp[1]:
		m.winner = 0
	case m.hp[1] > m.hp[0]:
		m.winner = 1
	default:
		m.winner = -1
	}
}

// BeginLoading 把 RoundOver 推进到 LoadingNextRound（本地生成下一张地图期间）
func (m *Match) BeginLoading() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != RoundOver {
		return fmt.Errorf("game: begin loading in phase %d", m.phase)
	}
	m.phase = LoadingNextRound
	return nil
}

// NextRound 开始下一回合：HP 回满、回合内能力集合清零（整场上限计数保留）、
// 先手按回合奇偶轮换。返回新回合号
func (m *Match) NextRound() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != RoundOver && m.phase != LoadingNextRound {
		return 0, fmt.Errorf("game: next round in phase %d", m.phase)
	}
	m.round++
	m.phase = Playing
	m.resetRoundLocked()
	return m.round, nil
}
