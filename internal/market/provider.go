package market

import "context"

// Provider 是行情数据的窄接口。History 返回按时间升序排列的已收盘 K 线；
// 返回空切片表示历史不足，调用方应按 insufficient data 处理而非报错。
type Provider interface {
	History(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
	Price(ctx context.Context, pair string) (float64, error)
}
