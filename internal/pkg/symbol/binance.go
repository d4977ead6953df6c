package symbol

import "strings"

// BinanceConverter 渲染 Binance 现货接口要求的无分隔符格式。
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(internal string) string {
	if sym := Parse(internal); sym.Base != "" {
		return sym.Binance()
	}
	// 解析不出的输入去掉分隔符后原样上送，让交易所自己拒绝。
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(internal), "/", ""))
}

func (BinanceConverter) FromExchange(raw string) string {
	return Parse(raw).Internal()
}

func (BinanceConverter) Format() Format {
	return FormatBinance
}

var Binance = BinanceConverter{}
