// Package symbol 统一交易对的两种写法：内部用 "BASE/QUOTE"（ETH/USDT），
// 交易所侧用无分隔符的 "BASEQUOTE"（ETHUSDT）。配置、存储、HTTP 查询一律
// 先归一到内部格式再往下传。
package symbol

import (
	"strings"
)

type Format string

const (
	FormatInternal Format = "internal"
	FormatBinance  Format = "binance"
)

// Converter 在内部格式与某个交易所的格式之间转换交易对。
type Converter interface {
	ToExchange(internal string) string

	FromExchange(raw string) string

	Format() Format
}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// quoteAssets 现货常见计价币，按匹配优先级排列。无分隔符写法只能靠
// 后缀猜计价币，这张表定义了猜的范围。
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "TUSD", "BTC", "ETH", "BNB"}

// Parse 宽松解析交易对：接受 "eth/usdt"、"ETHUSDT"、带结算后缀的
// "BTC/USDT:USDT"。识别不出来时返回零值 Symbol。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	// 合约风格的 ":SETTLE" 结算后缀直接丢弃。
	if head, _, found := strings.Cut(s, ":"); found {
		s = head
	}

	if base, quote, found := strings.Cut(s, "/"); found {
		return Symbol{
			Base:  strings.TrimSpace(base),
			Quote: strings.TrimSpace(quote),
		}
	}

	for _, quote := range quoteAssets {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return Symbol{Base: strings.TrimSuffix(s, quote), Quote: quote}
		}
	}
	return Symbol{}
}

// Normalize 把任意写法的交易对转成内部格式，如 "ethusdt" -> "ETH/USDT"。
// 无法识别时返回空串。
func Normalize(s string) string {
	return Parse(s).Internal()
}

// IsValid 报告该字符串能否解析出完整的 base/quote。
func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}
