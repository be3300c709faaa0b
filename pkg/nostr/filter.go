package nostr

import "encoding/json"

// Filter 描述一个订阅的匹配条件
// 空切片/零值字段表示该维度不限制；Since 为 Unix 秒，0 表示不限
type Filter struct {
	Kinds   []int
	Authors []string
	TagE    []string // "e" 标签（事件关联，比如比赛 ID）
	TagP    []string // "p" 标签（收件人）
	Since   int64
	Limit   int
}

// Matches 判断事件是否满足过滤条件
func (f *Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.TagE) > 0 && !tagMatch(ev, "e", f.TagE) {
		return false
	}
	if len(f.TagP) > 0 && !tagMatch(ev, "p", f.TagP) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

// filterJSON 是过滤器的线格式（标签条件带 "#" 前缀键）
type filterJSON struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	TagE    []string `json:"#e,omitempty"`
	TagP    []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// MarshalJSON 按线格式编码过滤器
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(filterJSON{
		Kinds: f.Kinds, Authors: f.Authors,
		TagE: f.TagE, TagP: f.TagP,
		Since: f.Since, Limit: f.Limit,
	})
}

// UnmarshalJSON 按线格式解码过滤器
func (f *Filter) UnmarshalJSON(b []byte) error {
	var fj filterJSON
	if err := json.Unmarshal(b, &fj); err != nil {
		return err
	}
	*f = Filter{
		Kinds: fj.Kinds, Authors: fj.Authors,
		TagE: fj.TagE, TagP: fj.TagP,
		Since: fj.Since, Limit: fj.Limit,
	}
	return nil
}

func containsInt(arr []int, v int) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}

func containsStr(arr []string, v string) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}

func tagMatch(ev *Event, name string, wanted []string) bool {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == name && containsStr(wanted, t[1]) {
			return true
		}
	}
	return false
}
