package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// 中文说明：
// Telegram 通知器：交易触发、成交回执与运维告警实时推送到指定群/频道，
// 日报以图片形式发送。所有发送带最多 3 次重试，失败由调用方决定是否忽略。

const defaultAPIBase = "https://api.telegram.org"

type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	// BaseURL 覆盖 API 地址，测试用。空值走官方地址。
	BaseURL string

	sleepFn func(time.Duration)
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: 15 * time.Second},
		sleepFn:  time.Sleep,
	}
}

func (t *Telegram) apiURL(method string) string {
	base := t.BaseURL
	if base == "" {
		base = defaultAPIBase
	}
	return fmt.Sprintf("%s/bot%s/%s", base, t.BotToken, method)
}

// SendText 发送 Markdown 文本消息（带最多 3 次重试）。
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)
	return t.post(t.apiURL("sendMessage"), "application/json", func() io.Reader {
		return bytes.NewReader(body)
	})
}

// SendStructured 渲染统一格式消息后发送。
func (t *Telegram) SendStructured(msg StructuredMessage) error {
	return t.SendText(msg.RenderMarkdown())
}

// SendPhoto 发送图片（PNG 字节）附说明文字，日报走这里。
func (t *Telegram) SendPhoto(caption string, photo []byte) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	if len(photo) == 0 {
		return fmt.Errorf("图片内容为空")
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", t.ChatID)
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile("photo", "report.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(photo); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	body := buf.Bytes()
	return t.post(t.apiURL("sendPhoto"), w.FormDataContentType(), func() io.Reader {
		return bytes.NewReader(body)
	})
}

// post 带重试的请求发送。bodyFn 每次重试重建 reader。
func (t *Telegram) post(url, contentType string, bodyFn func() io.Reader) error {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	sleep := t.sleepFn
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, url, bodyFn())
		req.Header.Set("Content-Type", contentType)
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}
