package decision

import "time"

// 中文说明：
// 确认状态机：信号必须在确认窗口内保持同向，才允许进入执行阶段。
// 状态迁移是纯函数，由引擎在持有机器人锁时提交结果。

// ConfirmationPhase 状态机的三个阶段。
type ConfirmationPhase int

const (
	PhaseNoSignal ConfirmationPhase = iota
	PhaseConfirming
	PhaseConfirmed
)

func (p ConfirmationPhase) String() string {
	switch p {
	case PhaseConfirming:
		return "confirming"
	case PhaseConfirmed:
		return "confirmed"
	default:
		return "no_signal"
	}
}

// ConfirmationState 是持久化的状态机内核。
type ConfirmationState struct {
	Phase     ConfirmationPhase `json:"phase"`
	Action    Action            `json:"action,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

// AdvanceConfirmation 根据本轮动作推进状态机：
//   - hold 一律回到 NoSignal；
//   - 动作方向变化时重置计时、从头确认；
//   - 同向持续且自起点已满窗口时进入 Confirmed；
//   - 窗口为零视作立即确认。
func AdvanceConfirmation(prev ConfirmationState, action Action, now time.Time, window time.Duration) ConfirmationState {
	if action.IsHold() {
		return ConfirmationState{Phase: PhaseNoSignal}
	}

	next := prev
	if prev.Phase == PhaseNoSignal || prev.Action != action {
		next = ConfirmationState{Phase: PhaseConfirming, Action: action, StartedAt: now}
	}
	if next.Phase == PhaseConfirming && now.Sub(next.StartedAt) >= window {
		next.Phase = PhaseConfirmed
	}
	return next
}

// Snapshot 生成对外视图。progress 按 elapsed/window 计算并截断到 [0,1]；
// 已确认时恒为 1，无信号时恒为 0。
func (s ConfirmationState) Snapshot(now time.Time, window time.Duration) ConfirmationSnapshot {
	snap := ConfirmationSnapshot{Action: s.Action}
	switch s.Phase {
	case PhaseConfirmed:
		snap.IsConfirmed = true
		snap.Progress = 1
	case PhaseConfirming:
		snap.NeedsConfirmation = true
		snap.Progress = confirmationProgress(now.Sub(s.StartedAt), window)
	default:
		snap.Action = ""
		return snap
	}
	started := s.StartedAt
	snap.StartedAt = &started
	return snap
}

func confirmationProgress(elapsed, window time.Duration) float64 {
	if window <= 0 {
		return 1
	}
	p := float64(elapsed) / float64(window)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
