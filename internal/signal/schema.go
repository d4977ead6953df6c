package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 每种指标类型的参数约束，加载期逐条校验。
var indicatorSchemas = map[string]*jsonschema.Schema{
	"rsi": mustSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"period":     map[string]any{"type": "number", "minimum": 2, "maximum": 200},
			"overbought": map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 100},
			"oversold":   map[string]any{"type": "number", "minimum": 0, "exclusiveMaximum": 100},
		},
	}),
	"macd": mustSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"fast_period":   map[string]any{"type": "number", "minimum": 2, "maximum": 100},
			"slow_period":   map[string]any{"type": "number", "minimum": 3, "maximum": 200},
			"signal_period": map[string]any{"type": "number", "minimum": 1, "maximum": 100},
		},
	}),
	"ema_cross": mustSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"fast_period": map[string]any{"type": "number", "minimum": 2, "maximum": 200},
			"slow_period": map[string]any{"type": "number", "minimum": 3, "maximum": 400},
		},
	}),
	"bollinger": mustSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"period":  map[string]any{"type": "number", "minimum": 2, "maximum": 200},
			"std_dev": map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 5},
		},
	}),
	"volume": mustSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"period":      map[string]any{"type": "number", "minimum": 2, "maximum": 200},
			"surge_ratio": map[string]any{"type": "number", "minimum": 1, "maximum": 10},
		},
	}),
}

// SupportedTypes 返回全部已注册的指标类型名。
func SupportedTypes() []string {
	out := make([]string, 0, len(indicatorSchemas))
	for typ := range indicatorSchemas {
		out = append(out, typ)
	}
	return out
}

func mustSchema(def map[string]any) *jsonschema.Schema {
	s, err := compileSchema(def)
	if err != nil {
		panic(fmt.Sprintf("indicator schema compile failed: %v", err))
	}
	return s
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// sanitizeParams 递归把数值统一成 float64（YAML 整数、字符串数字都在内），
// 让 schema 校验拿到的始终是标准 JSON 值。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case nil:
		return map[string]any{}
	default:
		return val
	}
}
