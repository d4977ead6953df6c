package signal

import (
	"fmt"
	"strings"

	"marlin/internal/decision"

	"github.com/mitchellh/mapstructure"
)

// 中文说明：
// 指标配置是带类型标签的联合体：type 决定参数结构，params 先过 JSON Schema
// 校验、再解码进对应的类型化参数。全部校验发生在加载期，评估期不再容错。

// IndicatorConfig 配置文件中的单个指标条目。
type IndicatorConfig struct {
	Type    string         `mapstructure:"type" yaml:"type" json:"type"`
	Name    string         `mapstructure:"name" yaml:"name,omitempty" json:"name,omitempty"`
	Weight  float64        `mapstructure:"weight" yaml:"weight" json:"weight"`
	Enabled *bool          `mapstructure:"enabled" yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Params  map[string]any `mapstructure:"params" yaml:"params,omitempty" json:"params,omitempty"`
}

// IsEnabled 缺省视为启用。
func (c IndicatorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Build 校验并构造计算器。未知类型、权重非法或参数不过校验均返回
// validation_error，调用方在加载期失败即停。
func (c IndicatorConfig) Build() (Calculator, error) {
	typ := strings.ToLower(strings.TrimSpace(c.Type))
	schema, ok := indicatorSchemas[typ]
	if !ok {
		return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("未知指标类型: %q", c.Type))
	}
	if c.Weight <= 0 {
		return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("指标 %s 权重必须为正，当前 %v", typ, c.Weight))
	}
	sanitized := sanitizeParams(c.Params)
	if err := schema.Validate(sanitized); err != nil {
		return nil, decision.WrapReject(decision.KindValidation, decision.ReasonConfigInvalid, err)
	}

	switch typ {
	case "rsi":
		var p RSIParams
		if err := decodeParams(sanitized, &p); err != nil {
			return nil, err
		}
		calc := NewRSICalculator(p)
		if calc.oversold >= calc.overbought {
			return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
				fmt.Sprintf("rsi oversold(%v) 必须小于 overbought(%v)", calc.oversold, calc.overbought))
		}
		return calc, nil
	case "macd":
		var p MACDParams
		if err := decodeParams(sanitized, &p); err != nil {
			return nil, err
		}
		calc := NewMACDCalculator(p)
		if calc.fast >= calc.slow {
			return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
				fmt.Sprintf("macd fast_period(%d) 必须小于 slow_period(%d)", calc.fast, calc.slow))
		}
		return calc, nil
	case "ema_cross":
		var p EMACrossParams
		if err := decodeParams(sanitized, &p); err != nil {
			return nil, err
		}
		calc := NewEMACrossCalculator(p)
		if calc.fast >= calc.slow {
			return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
				fmt.Sprintf("ema_cross fast_period(%d) 必须小于 slow_period(%d)", calc.fast, calc.slow))
		}
		return calc, nil
	case "bollinger":
		var p BollingerParams
		if err := decodeParams(sanitized, &p); err != nil {
			return nil, err
		}
		return NewBollingerCalculator(p), nil
	case "volume":
		var p VolumeParams
		if err := decodeParams(sanitized, &p); err != nil {
			return nil, err
		}
		return NewVolumeCalculator(p), nil
	default:
		return nil, decision.NewReject(decision.KindValidation, decision.ReasonConfigInvalid,
			fmt.Sprintf("未知指标类型: %q", c.Type))
	}
}

func decodeParams(src any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return decision.WrapReject(decision.KindValidation, decision.ReasonConfigInvalid, err)
	}
	if err := dec.Decode(src); err != nil {
		return decision.WrapReject(decision.KindValidation, decision.ReasonConfigInvalid, err)
	}
	return nil
}
