package scheduler

import (
	"time"

	"marlin/internal/market"
)

// DefaultKlineGrace 收盘后这段时间以内仍视为未收盘。
const DefaultKlineGrace = 10 * time.Second

// DropUnclosedKline 去掉末尾还在进行中的那根 K 线。
// Binance 风格的接口会把当前未收盘的 candle 一起返回,而指标只能吃已收盘数据。
// 时间戳按自 epoch 起的毫秒数处理。
func DropUnclosedKline(klines []market.Candle, interval time.Duration) []market.Candle {
	return dropUnclosedKlineAt(klines, interval, time.Now().UTC(), DefaultKlineGrace)
}

func dropUnclosedKlineAt(klines []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	n := len(klines)
	if n == 0 || interval <= 0 {
		return klines
	}
	last := klines[n-1]
	if last.OpenTime <= 0 {
		return klines
	}
	if grace < 0 {
		grace = 0
	}
	// 收盘时间按 open_time+interval 推算,不信任交易所返回的 close_time
	// (Binance 的 close_time 是 open_time+interval-1ms)。
	closedAt := time.UnixMilli(last.OpenTime).Add(interval).Add(grace)
	if now.Before(closedAt) {
		return klines[:n-1]
	}
	return klines
}
