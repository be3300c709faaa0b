package utils

import "strings"

// SplitCSV 将逗号分隔的字符串切分为一个字符串数组，并去除空白
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Fields 按空白切分一行控制台输入，返回命令与参数
func Fields(line string) (cmd string, args []string) {
	fs := strings.Fields(line)
	if len(fs) == 0 {
		return "", nil
	}
	return fs[0], fs[1:]
}
