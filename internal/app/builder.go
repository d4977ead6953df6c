package app

import (
	"context"
	"fmt"
	"time"

	"marlin/internal/botcfg"
	mcfg "marlin/internal/config"
	"marlin/internal/engine"
	"marlin/internal/executor"
	"marlin/internal/gateway/notifier"
	"marlin/internal/ledger"
	"marlin/internal/logger"
	"marlin/internal/report"
	"marlin/internal/store/evalhistory"
	"marlin/internal/store/gormstore"
	httpapi "marlin/internal/transport/http"
)

// TradeStorage 聚合引擎、执行器、收尾器与查询接口对交易库的全部需求。
// *gormstore.GormStore 是默认实现，测试可整体替换。
type TradeStorage interface {
	engine.Store
	executor.Store
	executor.TrackerStore
	httpapi.TradeStore
	FillsSince(ctx context.Context, since time.Time) ([]ledger.JournaledFill, error)
	Close() error
}

// EvalStorage 评估历史的写入、查询与裁剪。
type EvalStorage interface {
	engine.History
	httpapi.EvalStore
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

type AppBuilder struct {
	cfg *mcfg.Config

	registryFn    func(string) (*botcfg.Registry, error)
	marketStackFn func(*mcfg.Config) (*MarketStack, error)
	httpServerFn  func(httpapi.ServerConfig) (*httpapi.Server, error)

	tradeStoreOverride TradeStorage
	evalStoreOverride  EvalStorage
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *mcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		registryFn:    loadBotRegistry,
		marketStackFn: buildMarketStack,
		httpServerFn:  buildHTTPServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func loadBotRegistry(path string) (*botcfg.Registry, error) {
	return botcfg.NewRegistry(path)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	registry, err := b.registryFn(cfg.Bots.Path)
	if err != nil {
		return nil, fmt.Errorf("加载 bot 配置失败: %w", err)
	}
	snapshot := registry.Snapshot()
	logger.Infof("✓ 已加载 %d 个 bot 配置 path=%s", len(snapshot.Bots), cfg.Bots.Path)

	marketStack, err := b.marketStackFn(cfg)
	if err != nil {
		return nil, err
	}

	stores, err := b.resolveStores(cfg)
	if err != nil {
		return nil, err
	}

	tgClient := newTelegram(cfg.Notify)
	var events *notifier.TradeEvents
	if tgClient != nil {
		events = notifier.NewTradeEvents(tgClient)
		logger.Infof("✓ Telegram 通知已启用")
	}

	locks := executor.NewLockSet()
	tracker := executor.NewTracker(stores.trades, marketStack.Broker, nil, executor.TrackerConfig{
		FillTimeout:  cfg.Trading.FillTimeout(),
		PollInterval: cfg.Trading.PollInterval(),
	})
	if events != nil {
		tracker.SetAlerter(events)
	}
	exec := executor.NewExecutor(stores.trades, marketStack.Broker, cfg.Safety, locks, tracker)

	var engineNotifier engine.Notifier
	if events != nil {
		engineNotifier = events
	}
	eng := engine.New(engine.Params{
		Registry:       registry,
		Market:         marketStack.Provider,
		Store:          stores.trades,
		Executor:       exec,
		Tracker:        tracker,
		Ledger:         ledger.NewLedger(),
		Limits:         cfg.Safety,
		History:        stores.evals,
		Notifier:       engineNotifier,
		Offset:         cfg.Bots.EvalOffset(),
		RunImmediately: cfg.Bots.RunImmediately,
		ExecEnabled:    cfg.Trading.ExecEnabled,
		EvalParallel:   cfg.Bots.EvalParallel,
		HistoryPad:     cfg.Bots.HistoryPad,
	})
	// 构造环：收尾器先以空 sink 建出，引擎就绪后回填。
	tracker.SetSink(eng)

	httpSrv, err := b.httpServerFn(httpapi.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Engine:   eng,
		Registry: registry,
		Trades:   stores.trades,
		Evals:    stores.evals,
	})
	if err != nil {
		return nil, err
	}

	reporter := buildReporter(cfg.Report, stores.trades, eng, tgClient)

	return &App{
		cfg:      cfg,
		engine:   eng,
		httpSrv:  httpSrv,
		reporter: reporter,
		trades:   stores.trades,
		evals:    stores.evals,
		Summary:  collectStartupSummary(cfg, snapshot, marketStack),
	}, nil
}

type storeSetup struct {
	trades TradeStorage
	evals  EvalStorage
}

func (b *AppBuilder) resolveStores(cfg *mcfg.Config) (storeSetup, error) {
	var out storeSetup
	if b.tradeStoreOverride != nil {
		out.trades = b.tradeStoreOverride
	}
	if b.evalStoreOverride != nil {
		out.evals = b.evalStoreOverride
	}
	if out.trades != nil && out.evals != nil {
		return out, nil
	}

	if out.trades == nil {
		gs, err := gormstore.NewGormStore(cfg.Store.TradesPath)
		if err != nil {
			return storeSetup{}, fmt.Errorf("初始化 gorm 存储失败: %w", err)
		}
		out.trades = gs
		logger.Infof("✓ 交易存储已就绪 path=%s", cfg.Store.TradesPath)
	}
	if out.evals == nil {
		es, err := evalhistory.NewEvalHistoryStore(cfg.Store.EvalHistoryPath)
		if err != nil {
			return storeSetup{}, fmt.Errorf("初始化评估历史存储失败: %w", err)
		}
		out.evals = es
		logger.Infof("✓ 评估历史已就绪 path=%s retention=%s", cfg.Store.EvalHistoryPath, formatRetention(cfg.Store.EvalRetention()))
	}
	return out, nil
}

func buildReporter(cfg mcfg.ReportConfig, fills report.FillSource, positions report.PositionSource, tg *notifier.Telegram) *report.Reporter {
	if !cfg.Enabled {
		return nil
	}
	var sender report.Sender
	if tg != nil {
		sender = tg
	}
	r := report.NewReporter(report.Params{
		Fills:     fills,
		Positions: positions,
		Sender:    sender,
		Offset:    cfg.Offset(),
	})
	logger.Infof("✓ 日报已启用 offset=%s", cfg.Offset())
	return r
}

func formatRetention(d time.Duration) string {
	if d <= 0 {
		return "forever"
	}
	return d.String()
}

func WithBotRegistry(fn func(string) (*botcfg.Registry, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.registryFn = fn
		}
	}
}

func WithMarketStack(fn func(*mcfg.Config) (*MarketStack, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketStackFn = fn
		}
	}
}

func WithHTTPServer(fn func(httpapi.ServerConfig) (*httpapi.Server, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.httpServerFn = fn
		}
	}
}

func WithStorageOverrides(trades TradeStorage, evals EvalStorage) AppBuilderOption {
	return func(b *AppBuilder) {
		if trades != nil {
			b.tradeStoreOverride = trades
		}
		if evals != nil {
			b.evalStoreOverride = evals
		}
	}
}
