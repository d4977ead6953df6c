// Package logger 是全局日志出口：slog 文本格式，级别与输出目标可在
// 运行期切换（主程序把日志同时写到 stdout 和文件时用 SetOutput 换底）。
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var level slog.LevelVar

var (
	mu   sync.RWMutex
	base *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	base = build(os.Stdout)
}

func build(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetOutput 替换日志输出目标，nil 回落到 stdout。
func SetOutput(w io.Writer) {
	mu.Lock()
	base = build(w)
	mu.Unlock()
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// SetLevel 按名称调整日志级别，未识别的名称回落到 info。
func SetLevel(name string) {
	if lv, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		level.Set(lv)
		return
	}
	level.Set(slog.LevelInfo)
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Debugf(format string, v ...any) { current().Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { current().Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { current().Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { current().Error(fmt.Sprintf(format, v...)) }

// InfoBlock 将多行文本逐行输出，banner/摘要类内容保持原有排版。
func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}

// Scope 为某个子系统提供带前缀的日志句柄，例如 "executor" / "engine"。
type Scope struct {
	prefix string
}

func WithScope(name string) Scope {
	name = strings.TrimSpace(name)
	return Scope{prefix: name}
}

func (s Scope) format(format string) string {
	if s.prefix == "" {
		return format
	}
	return s.prefix + ": " + format
}

func (s Scope) Debugf(format string, v ...any) { Debugf(s.format(format), v...) }
func (s Scope) Infof(format string, v ...any)  { Infof(s.format(format), v...) }
func (s Scope) Warnf(format string, v ...any)  { Warnf(s.format(format), v...) }
func (s Scope) Errorf(format string, v ...any) { Errorf(s.format(format), v...) }
