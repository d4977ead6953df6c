package scheduler

import (
	"context"
	"time"

	"marlin/internal/logger"
)

// AlignedOnceScheduler 先对齐一次 K 线收盘,之后按固定周期执行。
// 适合日报这类"对齐后每 24h 跑一次"的任务:后续触发点以第一次执行为锚,
// 不再随 K 线漂移。
type AlignedOnceScheduler struct {
	Name           string
	AlignInterval  time.Duration
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedOnceScheduler(ctx context.Context, alignInterval, interval, offset time.Duration) *AlignedOnceScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedOnceScheduler{
		AlignInterval: alignInterval,
		Interval:      interval,
		Offset:        offset,
		ctx:           ctx,
		nowFn:         time.Now,
	}
}

func (s *AlignedOnceScheduler) logPrefix() string {
	if s.Name == "" {
		return "AlignedOnceScheduler"
	}
	return "AlignedOnceScheduler[" + s.Name + "]"
}

func (s *AlignedOnceScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := s.logPrefix()
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.AlignInterval <= 0 || s.Interval <= 0 {
		logger.Warnf("%s: invalid align_interval=%s interval=%s, exit", prefix, s.AlignInterval, s.Interval)
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
	logger.Infof("%s: start at=%s align_interval=%s interval=%s offset=%s run_immediately=%v",
		prefix, startAt.Format(time.RFC3339), s.AlignInterval, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		logger.Infof("%s: run_immediately=true, 对齐前先跑一次", prefix)
		task()
	}

	// 第一次执行对齐到下一根 AlignInterval K 线收盘,之后这次执行点就是锚。
	now := s.nowFn().UTC()
	alignClose := now.Truncate(s.AlignInterval).Add(s.AlignInterval)
	anchor := alignClose.Add(s.Offset)
	logger.Infof("%s: init 距离K线收盘=%s (收盘=%s) 第一次执行=%s (in %s)",
		prefix,
		alignClose.Sub(now).Truncate(time.Second),
		alignClose.Format(time.RFC3339),
		anchor.Format(time.RFC3339),
		anchor.Sub(now).Truncate(time.Second),
	)
	if !sleepUntil(s.ctx, s.nowFn, anchor) {
		logger.Infof("%s: ctx done, exit", prefix)
		return
	}
	task()

	// 任务耗时超过 Interval 时直接跳过错过的周期,不补跑。
	for {
		nextAt := nextFixedTimeAfter(anchor, s.Interval, s.nowFn().UTC())
		now := s.nowFn().UTC()
		logger.Infof("%s: 下次执行=%s (in %s) | uptime=%s",
			prefix,
			nextAt.Format(time.RFC3339),
			nextAt.Sub(now).Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second),
		)
		if !sleepUntil(s.ctx, s.nowFn, nextAt) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		task()
	}
}

// nextFixedTimeAfter 返回以 anchor 为锚、步长 interval 的序列里严格晚于 now 的最近时刻。
// now 在锚之前时返回锚本身。
func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now.UTC()
	}
	anchor = anchor.UTC()
	elapsed := now.UTC().Sub(anchor)
	if elapsed < 0 {
		return anchor
	}
	steps := elapsed/interval + 1
	return anchor.Add(steps * interval)
}
