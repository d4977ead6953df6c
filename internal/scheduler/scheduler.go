package scheduler

import (
	"context"
	"time"

	"marlin/internal/logger"
)

// AlignedScheduler 在每根 K 线收盘后 Offset 时间执行一次任务。
// 对齐以 UTC 整点截断计算,例如 interval=1h offset=5s 时在每个整点后 5 秒触发。
// Start 一直阻塞到 ctx 取消，调用方自己决定放哪个 goroutine。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) logPrefix() string {
	if s.Name == "" {
		return "AlignedScheduler"
	}
	return "AlignedScheduler[" + s.Name + "]"
}

func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := s.logPrefix()
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s: negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: start at=%s interval=%s offset=%s run_immediately=%v",
		prefix, startAt.Format(time.RFC3339), s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		logger.Infof("%s: run_immediately=true, 对齐前先跑一次", prefix)
		task()
	}

	for {
		now := s.nowFn().UTC()
		nextClose := now.Truncate(s.Interval).Add(s.Interval)
		fireAt := nextClose.Add(s.Offset)

		logger.Infof("%s: 距离K线收盘=%s (收盘=%s) 将在=%s 执行下一轮 (in %s) | uptime=%s",
			prefix,
			nextClose.Sub(now).Truncate(time.Second),
			nextClose.Format(time.RFC3339),
			fireAt.Format(time.RFC3339),
			fireAt.Sub(now).Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)

		if !sleepUntil(s.ctx, s.nowFn, fireAt) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		task()
	}
}

// sleepUntil 睡到目标时刻,ctx 先取消时返回 false。
// 目标已过时不睡,但已取消的 ctx 仍然优先。
func sleepUntil(ctx context.Context, nowFn func() time.Time, at time.Time) bool {
	wait := at.Sub(nowFn().UTC())
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
