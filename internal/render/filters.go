package render

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

var filtersOnce sync.Once

// registerFilters 注册全局过滤器；pongo2 的过滤器表是进程级的
func registerFilters() {
	filtersOnce.Do(func() {
		_ = pongo2.RegisterFilter("tojson", filterToJSON)
		_ = pongo2.RegisterFilter("to_json", filterToJSON)
		// pongo2 自带 integer；剧本里惯用 Jinja 的 int
		_ = pongo2.RegisterFilter("int", filterToInt)
	})
}

func filterToJSON(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	raw, err := json.Marshal(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:tojson", OrigError: err}
	}
	return pongo2.AsSafeValue(string(raw)), nil
}

func filterToInt(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(in.Integer()), nil
}

// Truthy 渲染后条件表达式的真值判定。字符串按常见假值字面量判断，
// 集合看非空，数字看非零。
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.TrimSpace(strings.ToLower(val)) {
		case "", "false", "0", "none", "null":
			return false
		}
		return true
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
