package game

// AbilityType 是特殊能力的线格式名称
type AbilityType string

const (
	// AbilityGravity 重力弹：弹体受重力井的牵引显著增强，适合绕射
	AbilityGravity AbilityType = "gravity"
	// AbilityCluster 集束弹：弹体命中判定半径加倍
	AbilityCluster AbilityType = "cluster"
	// AbilityBoost 推进弹：初速提升，弹道更平直
	AbilityBoost AbilityType = "boost"
)

// Ability 描述一种能力的代价与效果强度
// 代价在开火时立即从发射方 HP 中扣除（选择只是意向，不扣费）
type Ability struct {
	Cost   int // 开火时扣除的 HP
	Damage int // 脆弱判定模式下命中造成的伤害
}

// Catalog 是全部能力的目录，双方必须使用同一份目录才能保持一致
var Catalog = map[AbilityType]Ability{
	AbilityGravity: {Cost: 25, Damage: 40},
	AbilityCluster: {Cost: 30, Damage: 40},
	AbilityBoost:   {Cost: 20, Damage: 40},
}

// ValidAbility 判断能力名是否在目录中
func ValidAbility(t AbilityType) bool {
	_, ok := Catalog[t]
	return ok
}
