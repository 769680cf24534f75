package render

import (
	"regexp"
)

// 模板语法中的保留字与内建名，不参与未定义变量判定
var reservedWords = map[string]bool{
	"if": true, "elif": true, "else": true, "endif": true,
	"for": true, "endfor": true, "in": true, "not": true,
	"and": true, "or": true, "is": true, "with": true, "endwith": true,
	"set": true, "block": true, "endblock": true, "empty": true,
	"true": true, "false": true, "True": true, "False": true,
	"none": true, "None": true, "null": true,
	"forloop": true, "loop": true,
}

var (
	tagRe    = regexp.MustCompile(`(?s)\{\{-?(.*?)-?\}\}|\{%-?(.*?)-?%\}`)
	stringRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	identRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	forRe    = regexp.MustCompile(`^\s*for\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?:,\s*([A-Za-z_][A-Za-z0-9_]*))?\s+in\b`)
)

// firstUndefined 返回模板中第一个不在上下文里的根变量名；全部已定义返回空串。
// 只看路径首段（a.b.c 只检查 a），过滤器名、字符串字面量、for 局部变量除外。
func firstUndefined(tpl string, ctx map[string]any) string {
	tags := tagRe.FindAllStringSubmatch(tpl, -1)
	if len(tags) == 0 {
		return ""
	}
	contents := make([]string, 0, len(tags))
	locals := map[string]bool{}
	for _, m := range tags {
		content := m[1]
		if content == "" {
			content = m[2]
		}
		content = stringRe.ReplaceAllString(content, `""`)
		if fm := forRe.FindStringSubmatch(content); fm != nil {
			locals[fm[1]] = true
			if fm[2] != "" {
				locals[fm[2]] = true
			}
		}
		contents = append(contents, content)
	}
	for _, content := range contents {
		for _, loc := range identRe.FindAllStringIndex(content, -1) {
			name := content[loc[0]:loc[1]]
			if reservedWords[name] || locals[name] {
				continue
			}
			if prev := lastSignificant(content[:loc[0]]); prev == '.' || prev == '|' || prev == ':' {
				continue // 属性访问、过滤器名、过滤器参数
			}
			if _, ok := ctx[name]; !ok {
				return name
			}
		}
	}
	return ""
}

func lastSignificant(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\n' {
			return s[i]
		}
	}
	return 0
}
