package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"IRIS-Chain/internal/events"
	"IRIS-Chain/pkg/logger"
)

// Outcome 是会话的最终结果，Err 非空表示失败。
type Outcome struct {
	Result string
	Err    string
}

// Failed 判断结果是否为失败。
func (o Outcome) Failed() bool {
	return o.Err != ""
}

// Tracker 记录正在等待结果的请求者，并为每个会话维护独立的进度通道。
// 所有状态由同一把锁保护。
type Tracker struct {
	mu       sync.Mutex
	active   map[string]time.Time
	outcomes map[string]Outcome
	streams  map[string]chan events.Event
	buffer   int
	backoff  time.Duration
	maxWait  time.Duration
	log      *slog.Logger
}

// Option 定义 Tracker 的可选配置。
type Option func(*Tracker)

// WithProgressBuffer 设置每个会话进度通道的缓冲大小。
func WithProgressBuffer(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithResubscribeBackoff 设置订阅断开后重新订阅的初始与最大等待时间。
func WithResubscribeBackoff(initial, limit time.Duration) Option {
	return func(t *Tracker) {
		if initial > 0 {
			t.backoff = initial
		}
		if limit >= t.backoff {
			t.maxWait = limit
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTracker 创建会话跟踪器。
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		active:   make(map[string]time.Time),
		outcomes: make(map[string]Outcome),
		streams:  make(map[string]chan events.Event),
		buffer:   32,
		backoff:  500 * time.Millisecond,
		maxWait:  30 * time.Second,
		log:      logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// NormalizeKey 把请求者地址转换为会话键。
func NormalizeKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// Register 将会话加入活跃集合，重复注册是幂等的。会清除上一次遗留的结果。
func (t *Tracker) Register(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return
	}
	t.active[key] = time.Now()
	delete(t.outcomes, key)
}

// TryRegister 仅在会话不活跃时注册，返回是否注册成功。
// 网关用它保证同一钱包同时只有一个会话。
func (t *Tracker) TryRegister(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return false
	}
	t.active[key] = time.Now()
	delete(t.outcomes, key)
	return true
}

// IsActive 判断会话是否仍在等待结果。
func (t *Tracker) IsActive(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// Complete 结束会话并保存结果。会话不活跃时返回 false 且不保存结果，
// 因此一个会话最多产生一次结果。
func (t *Tracker) Complete(key string, outcome Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.active[key]
	if !ok {
		return false
	}
	delete(t.active, key)
	t.outcomes[key] = outcome
	logger.Audit().Info("会话结束",
		"session", key,
		"failed", outcome.Failed(),
		"duration", time.Since(started).String(),
	)
	return true
}

// Take 取出并删除会话结果。
func (t *Tracker) Take(key string) (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcome, ok := t.outcomes[key]
	if ok {
		delete(t.outcomes, key)
	}
	return outcome, ok
}

// Active 返回当前活跃会话的键，按字典序排列。
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.active))
	for key := range t.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Attach 为会话创建进度通道。已有通道会被关闭并替换。
// 返回的 detach 只会移除自己创建的通道。
func (t *Tracker) Attach(key string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, t.buffer)
	t.mu.Lock()
	if old, ok := t.streams[key]; ok {
		close(old)
	}
	t.streams[key] = ch
	t.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if current, ok := t.streams[key]; ok && current == ch {
				delete(t.streams, key)
				close(ch)
			}
		})
	}
	return ch, detach
}

// Push 把进度事件投递到会话的通道，通道不存在或已满时返回 false。
func (t *Tracker) Push(key string, ev events.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.streams[key]
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		t.log.Warn("进度通道已满，丢弃事件", "session", key, "type", ev.Type)
		return false
	}
}

// Wait 以固定间隔轮询会话状态，会话结束后取出结果。
func (t *Tracker) Wait(ctx context.Context, key string, interval time.Duration) (Outcome, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for t.IsActive(key) {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
	outcome, ok := t.Take(key)
	if !ok {
		return Outcome{Err: "session ended without a result"}, nil
	}
	return outcome, nil
}

// Publish 把总线事件应用到跟踪器：进度事件推送给会话，
// response 与 error 事件结束会话。
func (t *Tracker) Publish(_ context.Context, ev events.Event) error {
	key := NormalizeKey(ev.Session)
	switch ev.Type {
	case events.TypeResponse:
		if !t.Complete(key, Outcome{Result: ev.Text}) {
			t.log.Debug("结果没有对应的活跃会话", "session", key)
		}
	case events.TypeError:
		if !t.Complete(key, Outcome{Err: ev.Text}) {
			t.log.Debug("失败事件没有对应的活跃会话", "session", key)
		}
	default:
		t.Push(key, ev)
	}
	return nil
}

// Follow 订阅事件总线并把事件应用到跟踪器，阻塞直到 ctx 结束。
// 订阅断开后按指数退避重新订阅；订阅成功收到事件后退避时间复位。
func (t *Tracker) Follow(ctx context.Context, bus events.Bus) error {
	wait := t.backoff
	for {
		received := false
		err := bus.Subscribe(ctx, func(ctx context.Context, ev events.Event) {
			received = true
			_ = t.Publish(ctx, ev)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			wait = t.backoff
		}
		t.log.Warn("事件订阅中断，稍后重新订阅", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > t.maxWait {
			wait = t.maxWait
		}
	}
}

var _ events.Publisher = (*Tracker)(nil)
