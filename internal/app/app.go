package app

import (
	"context"
	"fmt"
	"time"

	mcfg "marlin/internal/config"
	"marlin/internal/engine"
	"marlin/internal/logger"
	"marlin/internal/report"
	"marlin/internal/scheduler"
	httpapi "marlin/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// evalPruneOffset 评估历史裁剪在 UTC 零点后的触发偏移。
// 错开日报时间，避免与图表渲染挤在同一分钟。
const evalPruneOffset = 30 * time.Minute

// App 负责应用级编排：加载配置→初始化依赖→启动评估与对外服务。
type App struct {
	cfg      *mcfg.Config
	engine   *engine.Engine
	httpSrv  *httpapi.Server
	reporter *report.Reporter
	trades   TradeStorage
	evals    EvalStorage
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *mcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动评估引擎、HTTP 接口、日报与评估历史裁剪循环。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	if a.engine == nil {
		return fmt.Errorf("engine not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if a.httpSrv != nil {
		group.Go(func() error {
			if err := a.httpSrv.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	if a.reporter != nil {
		group.Go(func() error {
			return a.reporter.Run(ctx)
		})
	}

	if a.evals != nil && a.cfg.Store.EvalRetention() > 0 {
		group.Go(func() error {
			a.pruneEvalHistory(ctx)
			return nil
		})
	}

	group.Go(func() error {
		defer a.closeStores()
		return a.engine.Run(ctx)
	})

	return group.Wait()
}

// pruneEvalHistory 每天裁剪一次过期评估，与日报同节奏对齐到 UTC 零点。
func (a *App) pruneEvalHistory(ctx context.Context) {
	retention := a.cfg.Store.EvalRetention()
	sched := scheduler.NewAlignedOnceScheduler(ctx, 24*time.Hour, 24*time.Hour, evalPruneOffset)
	sched.Name = "EvalPrune"
	sched.Start(func() {
		cutoff := time.Now().UTC().Add(-retention)
		n, err := a.evals.Prune(ctx, cutoff)
		if err != nil {
			logger.Errorf("评估历史裁剪失败: %v", err)
			return
		}
		if n > 0 {
			logger.Infof("评估历史已裁剪 删除=%d 截止=%s", n, cutoff.Format(time.RFC3339))
		}
	})
}

func (a *App) closeStores() {
	if a.trades != nil {
		_ = a.trades.Close()
	}
	if a.evals != nil {
		_ = a.evals.Close()
	}
}

// Engine exposes the underlying engine instance (for testing/replay harnesses).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
