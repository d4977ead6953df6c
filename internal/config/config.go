package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取主配置（YAML）。支持 include 链：被包含文件先合并，入口文件
// 最后合并，同名键以入口文件为准。文件里显式写出的键会被记录下来，
// applyDefaults 据此跳过，显式写的零值不会被默认值顶掉。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	files, err := expandIncludes(path)
	if err != nil {
		return nil, err
	}

	merged := viper.New()
	merged.SetConfigType("yaml")
	for _, file := range files {
		layer := viper.New()
		layer.SetConfigFile(file)
		if err := layer.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
		if err := merged.MergeConfigMap(layer.AllSettings()); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}

	var cfg Config
	if err := merged.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	explicit := make(keySet)
	markExplicitKeys("", merged.AllSettings(), explicit)
	cfg.applyDefaults(explicit)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// includeChain 深度优先展开 include 引用，产出合并顺序（被包含者在前）。
type includeChain struct {
	merged   map[string]bool
	visiting map[string]bool
	files    []string
}

func expandIncludes(entry string) ([]string, error) {
	abs, err := filepath.Abs(entry)
	if err != nil {
		return nil, err
	}
	chain := &includeChain{
		merged:   make(map[string]bool),
		visiting: make(map[string]bool),
	}
	if err := chain.walk(abs); err != nil {
		return nil, err
	}
	return chain.files, nil
}

func (c *includeChain) walk(path string) error {
	path = filepath.Clean(path)
	if c.visiting[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if c.merged[path] {
		return nil
	}
	c.visiting[path] = true

	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	base := filepath.Dir(path)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		if err := c.walk(inc); err != nil {
			return err
		}
	}

	delete(c.visiting, path)
	c.merged[path] = true
	c.files = append(c.files, path)
	return nil
}

// readIncludes 只取文件顶层的 include 键，返回去掉空白项的列表。
func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	switch val := raw.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("include only supports strings")
			}
			if str = strings.TrimSpace(str); str != "" {
				out = append(out, str)
			}
		}
		return out, nil
	case []string:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("include must be a string array")
	}
}

// markExplicitKeys 把配置树里实际出现的键按小写点路径记进 set；
// 数组整体按所在路径记一条，数组元素里的键沿用同一前缀。
func markExplicitKeys(prefix string, node any, set keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			next := childKeyPath(prefix, k)
			if next == "" {
				continue
			}
			markExplicitKeys(next, child, set)
		}
	case map[any]any:
		for k, child := range val {
			name, ok := k.(string)
			if !ok {
				continue
			}
			next := childKeyPath(prefix, name)
			if next == "" {
				continue
			}
			markExplicitKeys(next, child, set)
		}
	case []any:
		set.mark(prefix)
		for _, item := range val {
			markExplicitKeys(prefix, item, set)
		}
	default:
		set.mark(prefix)
	}
}

func childKeyPath(prefix, key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ""
	}
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
