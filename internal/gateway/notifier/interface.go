package notifier

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// PhotoNotifier 图片推送端，日报渲染成功时优先走这里。
type PhotoNotifier interface {
	SendPhoto(caption string, photo []byte) error
}
