package botcfg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"marlin/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig 是 bots.yaml 的顶层结构。
type FileConfig struct {
	Bots []BotConfig `yaml:"bots"`
}

// Snapshot 对外暴露的只读配置快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Bots     map[int64]Bot
}

// Bot 按 id 取单个条目。
func (s Snapshot) Bot(id int64) (Bot, bool) {
	bot, ok := s.Bots[id]
	return bot, ok
}

// Ordered 按 id 升序返回全部条目，保证调度顺序稳定。
func (s Snapshot) Ordered() []Bot {
	out := make([]Bot, 0, len(s.Bots))
	for _, bot := range s.Bots {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// ChangeListener 在配置热更新后被调用。
type ChangeListener func(Snapshot)

// Registry 负责从 YAML 加载 bot 配置并监听热更新。
// 严格解码：未知字段直接拒绝整个文件，防止键名拼错悄悄生效。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取配置文件并开始监听 FS 事件。
// 热更新解析失败时保留旧快照，只记录错误。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bot registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read bot config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("bot config reload failed (%s): %v", evt.Name, err)
			return
		}
		r.notify()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前配置快照（浅拷贝 map，Bot 本身不可变）。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Bot 按 id 取当前快照中的条目。
func (r *Registry) Bot(id int64) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bot, ok := r.snapshot.Bots[id]
	return bot, ok
}

// Subscribe 注册监听器，注册后立即异步收到一次完整快照。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	snap := cloneSnapshot(r.snapshot)
	r.mu.Unlock()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("bot config listener panic: %v", rec)
			}
		}()
		fn(snap)
	}()
}

func (r *Registry) notify() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("bot config listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func (r *Registry) reload() error {
	cfg, err := readBotsFile(r.path)
	if err != nil {
		return err
	}
	bots := make(map[int64]Bot, len(cfg.Bots))
	invalid := 0
	for _, raw := range cfg.Bots {
		bot := normalizeBot(raw)
		if _, dup := bots[bot.Config.ID]; dup {
			return fmt.Errorf("bot id 重复: %d", bot.Config.ID)
		}
		if bot.ConfigErr != nil {
			invalid++
			logger.Errorf("bot %d (%s) 配置无效，评估时将输出错误标记: %v",
				bot.Config.ID, bot.Config.Pair, bot.ConfigErr)
		}
		bots[bot.Config.ID] = bot
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Bots:     bots,
	}
	r.mu.Unlock()
	logger.Infof("Bot registry loaded %d bots (%d invalid) from %s",
		len(bots), invalid, filepath.Base(r.path))
	return nil
}

func readBotsFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read bot config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse bot config failed: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Bots:     make(map[int64]Bot, len(src.Bots)),
	}
	for id, bot := range src.Bots {
		dst.Bots[id] = bot
	}
	return dst
}
