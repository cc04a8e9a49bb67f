package application

import "sync"

// SequenceObservation 描述一个事件序号相对于同券上一个事件的位置
type SequenceObservation int

const (
	SequenceInOrder    SequenceObservation = iota + 1
	SequenceRedelivery                     // 序号不大于已见过的最大值，通常是重复投递
	SequenceGap                            // 跳号，中间的预留可能超时或已被补偿
)

// SequenceTracker 记录本进程内每张券见过的最大序号。
// 同一张券的事件在同一个分区内，所以同一进程内看到的序号应当递增。
type SequenceTracker struct {
	mu   sync.Mutex
	last map[int64]int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[int64]int64)}
}

// Observe 返回观察结果以及此前见过的最大序号
func (t *SequenceTracker) Observe(couponID, seq int64) (SequenceObservation, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[couponID]
	switch {
	case seen && seq <= prev:
		return SequenceRedelivery, prev
	case seen && seq > prev+1:
		t.last[couponID] = seq
		return SequenceGap, prev
	default:
		t.last[couponID] = seq
		return SequenceInOrder, prev
	}
}
