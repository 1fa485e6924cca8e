package events

import (
	"context"
	"errors"
	"sync"
)

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryBus 是进程内的事件总线，每个订阅者拥有独立的缓冲通道，
// 单个订阅者收到的事件顺序与发布顺序一致。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool
}

// NewMemoryBus 创建内存总线。
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{subs: make(map[int]*subscriber), buffer: buffer}
}

// Publish 将事件投递给所有订阅者，订阅者缓冲已满时阻塞直到 ctx 结束。
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("事件总线已关闭")
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe 注册订阅者并持续分发事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("事件总线已关闭")
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.buffer), done: make(chan struct{})}
	b.subs[id] = sub
	b.mu.Unlock()

	defer func() {
		sub.stop()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return nil
		case ev := <-sub.ch:
			handler(ctx, ev)
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 停止所有订阅者。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
