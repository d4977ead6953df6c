// 中文说明：
// 三态熔断器（CLOSED/OPEN/HALF-OPEN），保护对外部接口的调用。
// 连续失败到阈值后打开，冷却期过后放一个探测请求，成功则恢复。
package circuit

import (
	"sync"
	"time"

	"marlin/internal/logger"
)

var log = logger.WithScope("circuit")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "CLOSED",
	StateOpen:     "OPEN",
	StateHalfOpen: "HALF-OPEN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// Allow 报告当前是否放行调用。OPEN 状态超过冷却期会转入 HALF-OPEN
// 并放行一个探测请求。
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.nowFn().Sub(cb.lastFailure) <= cb.timeout {
		return false
	}
	cb.transition(StateHalfOpen)
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.nowFn()

	switch {
	case cb.state == StateHalfOpen:
		// 探测失败,立刻重新打开
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		cb.transition(StateOpen)
	}
	// 已经 OPEN 时只刷新 lastFailure,冷却窗口重新计时
}

// State 返回当前状态，只用于日志与状态接口。
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if handler := cb.onStateChange; handler != nil {
		go handler(cb.name, from, to)
		return
	}
	log.Warnf("熔断器 %s 状态切换 %s -> %s（失败 %d/%d，冷却 %s）",
		cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
}
