package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "app:\n  env: prod\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":8780", cfg.App.HTTPAddr)

	assert.Equal(t, "configs/bots.yaml", cfg.Bots.Path)
	assert.Equal(t, 10, cfg.Bots.EvalOffsetSeconds)
	assert.Equal(t, 4, cfg.Bots.EvalParallel)
	assert.Equal(t, 50, cfg.Bots.HistoryPad)
	assert.False(t, cfg.Bots.RunImmediately)

	assert.Equal(t, "/data/marlin/trades.db", cfg.Store.TradesPath)
	assert.Equal(t, "/data/marlin/evals.db", cfg.Store.EvalHistoryPath)
	assert.Equal(t, 90, cfg.Store.EvalRetentionDays)

	assert.True(t, cfg.Trading.DryRun, "未配置时默认走模拟撮合")
	assert.True(t, cfg.Trading.ExecEnabled)
	assert.InDelta(t, 0.001, cfg.Trading.FeeRate, 1e-9)
	assert.Equal(t, 600, cfg.Trading.FillTimeoutSeconds)
	assert.Equal(t, 15, cfg.Trading.PollIntervalSeconds)

	assert.InDelta(t, 1000, cfg.Safety.MaxPositionUSD, 1e-9)
	assert.Equal(t, 10, cfg.Safety.MaxDailyTrades)

	assert.Equal(t, 5, cfg.Report.OffsetMinutes)
	assert.False(t, cfg.Report.Enabled)

	require.Len(t, cfg.Market.Sources, 1)
	assert.Equal(t, "binance", cfg.Market.Sources[0].Name)
	assert.Equal(t, "https://api.binance.com", cfg.Market.Sources[0].RESTBaseURL)
	assert.Equal(t, 15, cfg.Market.Sources[0].TimeoutSeconds)
	assert.Equal(t, "binance", cfg.Market.ActiveSource)
}

func TestDurationHelpers(t *testing.T) {
	b := BotsConfig{EvalOffsetSeconds: 10}
	assert.Equal(t, 10*time.Second, b.EvalOffset())

	tr := TradingConfig{FillTimeoutSeconds: 600, PollIntervalSeconds: 15}
	assert.Equal(t, 10*time.Minute, tr.FillTimeout())
	assert.Equal(t, 15*time.Second, tr.PollInterval())

	r := ReportConfig{OffsetMinutes: 5}
	assert.Equal(t, 5*time.Minute, r.Offset())

	s := StoreConfig{EvalRetentionDays: 90}
	assert.Equal(t, 90*24*time.Hour, s.EvalRetention())
}

func TestExplicitValuesSurviveDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
bots:
  eval_offset_seconds: 0
store:
  eval_retention_days: 0
trading:
  dry_run: false
  fee_rate: 0
market:
  sources:
    - name: binance
      enabled: true
      api_key: k
      api_secret: s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Bots.EvalOffsetSeconds, "显式 0 不应被默认值覆盖")
	assert.Equal(t, 0, cfg.Store.EvalRetentionDays, "显式 0 表示不裁剪")
	assert.False(t, cfg.Trading.DryRun)
	assert.Zero(t, cfg.Trading.FeeRate, "显式 0 费率用于零费模拟")
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
app:
  http_addr: ":8000"
  log_level: debug
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
app:
  http_addr: ":9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.App.HTTPAddr, "入口文件覆盖被包含文件")
	assert.Equal(t, "debug", cfg.App.LogLevel, "未覆盖的键沿用被包含文件")
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "include:\n  - b.yaml\n")
	writeConfig(t, dir, "b.yaml", "include:\n  - a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "telegram 开启但缺 token",
			yaml: "notify:\n  telegram:\n    enabled: true\n    chat_id: \"42\"\n",
			want: "bot_token",
		},
		{
			name: "active_source 不在列表里",
			yaml: "market:\n  active_source: gate\n  sources:\n    - name: binance\n      enabled: true\n",
			want: "active_source",
		},
		{
			name: "eval_parallel 显式为 0",
			yaml: "bots:\n  eval_parallel: 0\n",
			want: "eval_parallel",
		},
		{
			name: "fee_rate 超出范围",
			yaml: "trading:\n  fee_rate: 0.5\n",
			want: "fee_rate",
		},
		{
			name: "fill_timeout 显式为 0",
			yaml: "trading:\n  fill_timeout_seconds: 0\n",
			want: "fill_timeout",
		},
		{
			name: "retention 为负",
			yaml: "store:\n  eval_retention_days: -1\n",
			want: "eval_retention_days",
		},
		{
			name: "实盘缺交易密钥",
			yaml: "trading:\n  dry_run: false\n",
			want: "api_key",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, "config.yaml", tc.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolveActiveSource(t *testing.T) {
	m := MarketConfig{
		ActiveSource: "Backup",
		Sources: []MarketSource{
			{Name: "binance", Enabled: true, RESTBaseURL: "https://api.binance.com"},
			{Name: "backup", Enabled: true, RESTBaseURL: "https://backup.example"},
		},
	}
	assert.Equal(t, "backup", m.ResolveActiveSource().Name, "名称匹配大小写不敏感")

	m.ActiveSource = ""
	assert.Equal(t, "binance", m.ResolveActiveSource().Name, "未指定时取第一个启用源")

	m.Sources[0].Enabled = false
	assert.Equal(t, "backup", m.ResolveActiveSource().Name)

	empty := MarketConfig{}
	assert.Equal(t, "binance", empty.ResolveActiveSource().Name)
}
