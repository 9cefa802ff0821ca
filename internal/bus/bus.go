// Package bus 有界事件缓冲。生产者永不阻塞，溢出时按丢弃策略处理；
// 所有操作经单一互斥锁串行化，订阅者通知在锁外进行。
package bus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
)

// DropKind 溢出丢弃策略类型
type DropKind string

const (
	DropOldest DropKind = "dropOldest"
	DropNewest DropKind = "dropNewest"
	DropSample DropKind = "sample"
)

// DropPolicy 溢出丢弃策略。Sample 策略对每次入队做均匀抽样，
// 超过 Rate 的直接丢弃，否则追加（缓冲已满时先驱逐队首）。
type DropPolicy struct {
	Kind DropKind
	Rate float64
}

// Handler 本地订阅者回调
type Handler func(event.DebugEvent)

// Bus 有界事件缓冲
type Bus struct {
	mu     sync.Mutex
	items  []event.DebugEvent
	max    int
	policy DropPolicy
	rand   *rand.Rand
	subs   map[string]Handler
	log    logger.Logger
}

// New 创建事件缓冲
func New(maxSize int, policy DropPolicy, l logger.Logger) *Bus {
	return NewWithSource(maxSize, policy, l, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource 以指定随机源创建，测试抽样策略用
func NewWithSource(maxSize int, policy DropPolicy, l logger.Logger, src rand.Source) *Bus {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if policy.Kind == "" {
		policy.Kind = DropOldest
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Bus{
		max:    maxSize,
		policy: policy,
		rand:   rand.New(src),
		subs:   make(map[string]Handler),
		log:    l,
	}
}

// Enqueue 入队单个事件，永不阻塞
func (b *Bus) Enqueue(ev event.DebugEvent) {
	b.EnqueueBatch([]event.DebugEvent{ev})
}

// EnqueueBatch 批量入队
func (b *Bus) EnqueueBatch(evs []event.DebugEvent) {
	if len(evs) == 0 {
		return
	}
	var accepted []event.DebugEvent

	b.mu.Lock()
	for _, ev := range evs {
		if b.admit(ev) {
			accepted = append(accepted, ev)
		}
	}
	subs := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		subs = append(subs, h)
	}
	b.mu.Unlock()

	// 订阅者通知在锁外执行，避免重入死锁
	for _, h := range subs {
		for _, ev := range accepted {
			h(ev)
		}
	}
}

// admit 持锁执行溢出检查与追加
func (b *Bus) admit(ev event.DebugEvent) bool {
	if b.policy.Kind == DropSample && b.rand.Float64() > b.policy.Rate {
		return false
	}
	if len(b.items) >= b.max {
		switch b.policy.Kind {
		case DropNewest:
			return false
		default:
			b.evictHead()
		}
	}
	b.items = append(b.items, ev)
	return true
}

func (b *Bus) evictHead() {
	over := len(b.items) - b.max + 1
	if over <= 0 {
		return
	}
	b.items = append(b.items[:0], b.items[over:]...)
}

// Peek 返回前 n 个事件的快照，不移除
func (b *Bus) Peek(n int) []event.DebugEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	if n <= 0 {
		return nil
	}
	return append([]event.DebugEvent(nil), b.items[:n]...)
}

// RemoveFirst 移除至多 n 个队首事件
func (b *Bus) RemoveFirst(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	if n <= 0 {
		return
	}
	b.items = append(b.items[:0], b.items[n:]...)
}

// DequeueAll 原子地取走全部事件并清空
func (b *Bus) DequeueAll() []event.DebugEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Len 当前长度
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// SetMaxSize 调整容量上限，收缩在下一次溢出检查时生效
func (b *Bus) SetMaxSize(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.max = n
	b.mu.Unlock()
}

// Subscribe 注册本地订阅者，返回用于注销的标识
func (b *Bus) Subscribe(h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()
	return id
}

// Unsubscribe 注销订阅者
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
