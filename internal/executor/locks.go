package executor

import (
	"context"
	"sync"
	"time"
)

// 中文说明：
// LockSet 提供按 bot 粒度的互斥。容量为 1 的 channel 作为信号量，
// 支持带超时的抢占；拿不到锁立即失败，绝不排队等待。

// LockSet 按 bot id 管理互斥槽。
type LockSet struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{slots: make(map[int64]chan struct{})}
}

func (s *LockSet) slot(botID int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[botID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[botID] = ch
	}
	return ch
}

// TryAcquire 立即尝试拿锁，成功返回释放函数。
func (s *LockSet) TryAcquire(botID int64) (func(), bool) {
	ch := s.slot(botID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

// Acquire 在 timeout 内尝试拿锁。timeout<=0 时退化为 TryAcquire。
// 返回的释放函数必须且只能调用一次，调用方用 defer 保证 panic 路径也会释放。
func (s *LockSet) Acquire(ctx context.Context, botID int64, timeout time.Duration) (func(), bool) {
	if timeout <= 0 {
		return s.TryAcquire(botID)
	}
	ch := s.slot(botID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}
