package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"marlin/internal/decision"
	"marlin/internal/pkg/circuit"
	"marlin/internal/scheduler"
)

// 中文说明：
// 运行循环：启用的 bot 按评估周期分组，每组一个对齐调度器 + 一个熔断器，
// K 线收盘后 Offset 秒触发整组评估。订单收尾循环与评估循环同组运行，
// 任何一个退出都会带停整个引擎。

// Bootstrap 启动前置：从成交日志重建内存账本，恢复 pending 订单的超时追踪。
func (e *Engine) Bootstrap(ctx context.Context) error {
	fills, err := e.Store.ListFills(ctx)
	if err != nil {
		return fmt.Errorf("加载成交日志失败: %w", err)
	}
	if err := e.Ledger.Rehydrate(fills); err != nil {
		return err
	}
	if e.Tracker != nil {
		if err := e.Tracker.Recover(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run 启动评估与收尾循环，阻塞到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Bootstrap(ctx); err != nil {
		return err
	}

	intervals := e.resolveIntervals()
	if len(intervals) == 0 && e.Tracker == nil {
		log.Warnf("没有可调度的 bot,引擎空转等待退出")
		<-ctx.Done()
		return ctx.Err()
	}
	log.Infof("引擎启动 调度组=%v offset=%s run_immediately=%v exec_enabled=%v",
		intervals, e.Offset, e.RunImmediately, e.ExecEnabled)

	group, gctx := errgroup.WithContext(ctx)
	if e.Tracker != nil {
		group.Go(func() error {
			defer e.Tracker.Stop()
			return e.Tracker.Run(gctx)
		})
	}
	for _, iv := range intervals {
		iv := iv
		group.Go(func() error {
			dur, _ := scheduler.ParseIntervalDuration(iv)
			cb := circuit.NewCircuitBreaker("Engine."+iv, 5, 2*time.Minute)
			sched := scheduler.NewAlignedScheduler(gctx, dur, e.Offset)
			sched.Name = iv
			sched.RunImmediately = e.RunImmediately
			sched.Start(func() {
				if !cb.Allow() {
					log.Warnf("熔断器打开,跳过本轮评估 interval=%s", iv)
					return
				}
				if e.tickInterval(gctx, iv) {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			})
			return nil
		})
	}
	return group.Wait()
}

// tickInterval 评估当前落在该周期上的全部启用 bot。
// 返回值供熔断器使用：只有外部接口类错误才算一次失败。
func (e *Engine) tickInterval(ctx context.Context, interval string) bool {
	start := time.Now()
	var ids []int64
	for _, bot := range e.Registry.Snapshot().Ordered() {
		if !bot.Enabled() || bot.Config.Interval != interval {
			continue
		}
		ids = append(ids, bot.Config.ID)
	}
	if len(ids) == 0 {
		log.Infof("本轮无待评估 bot interval=%s", interval)
		return true
	}

	log.Infof("评估轮开始 interval=%s bots=%d", interval, len(ids))
	results := e.evaluateBatch(ctx, ids)

	healthy := true
	executed := 0
	for _, rec := range results {
		if rec.Error != nil && rec.Error.Kind == decision.KindExternalAPI {
			healthy = false
		}
		if rec.Execution != nil && rec.Execution.Success {
			executed++
		}
	}
	log.Infof("评估轮结束 interval=%s bots=%d executed=%d healthy=%v duration=%s",
		interval, len(ids), executed, healthy, time.Since(start).Truncate(time.Millisecond))
	return healthy
}

// EvaluateAll 对全部启用的 bot 跑一轮评估，按 id 升序返回结果。
func (e *Engine) EvaluateAll(ctx context.Context) []decision.EvaluationResult {
	var ids []int64
	for _, bot := range e.Registry.Snapshot().Ordered() {
		if !bot.Enabled() {
			continue
		}
		ids = append(ids, bot.Config.ID)
	}
	return e.evaluateBatch(ctx, ids)
}

// evaluateBatch 有界并发地评估一批 bot，结果顺序与入参一致。
func (e *Engine) evaluateBatch(ctx context.Context, ids []int64) []decision.EvaluationResult {
	results := make([]decision.EvaluationResult, len(ids))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.evalParallel)
	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			results[i] = e.Evaluate(gctx, id)
			return nil
		})
	}
	// Evaluate 把一切失败折叠进结果,这里的错误恒为 nil。
	_ = group.Wait()
	return results
}

// resolveIntervals 汇总启用 bot 的评估周期。调度组在启动时固定，
// 热更新只影响 bot 参数；新增周期需要重启进程才会生效。
func (e *Engine) resolveIntervals() []string {
	set := make(map[string]struct{})
	for _, bot := range e.Registry.Snapshot().Ordered() {
		if !bot.Enabled() || bot.ConfigErr != nil {
			continue
		}
		if _, ok := scheduler.ParseIntervalDuration(bot.Config.Interval); !ok {
			log.Warnf("无法解析评估周期,不参与调度 bot=%d interval=%q", bot.Config.ID, bot.Config.Interval)
			continue
		}
		set[bot.Config.Interval] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for iv := range set {
		out = append(out, iv)
	}
	sort.Strings(out)
	return out
}
