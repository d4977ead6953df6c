package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Telegram 消息上限 4096 字符，留出余量给裁剪标记。
const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// cleanLines 去掉空白行,顺带 trim。
func (s MessageSection) cleanLines() []string {
	out := make([]string, 0, len(s.Lines))
	for _, line := range s.Lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// StructuredMessage 描述统一格式的推送：图标 + 标题 + 若干段落 + 时间戳。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，超长时在 rune 边界裁剪，
// 避免把多字节字符切成半个。
func (m StructuredMessage) RenderMarkdown() string {
	parts := make([]string, 0, 4)
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		parts = append(parts, header)
	}
	if block := m.sectionBlock(); block != "" {
		parts = append(parts, block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		parts = append(parts, sanitize(footer))
	}
	if !m.Timestamp.IsZero() {
		parts = append(parts, "时间："+m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return truncateRunes(strings.Join(parts, "\n\n"), maxStructuredMessageLen)
}

// sectionBlock 把非空段落渲染进同一个代码块围栏,全空时返回空串。
func (m StructuredMessage) sectionBlock() string {
	blocks := make([]string, 0, len(m.Sections))
	for _, sec := range m.Sections {
		lines := sec.cleanLines()
		if len(lines) == 0 {
			continue
		}
		var sb strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			sb.WriteString(sanitize(title))
			sb.WriteString("\n")
		}
		for _, line := range lines {
			sb.WriteString("- ")
			sb.WriteString(sanitize(line))
			sb.WriteString("\n")
		}
		blocks = append(blocks, strings.TrimRight(sb.String(), "\n"))
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n\n") + "\n```"
}

// truncateRunes 把 s 裁到不超过 max 字节,截断点退到 rune 起始处再补省略号。
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// sanitize 防止用户内容里的反引号破坏代码块围栏。
func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
