package cursor

import (
	"context"
	"sync"

	xerrors "IRIS-Chain/internal/errors"
)

// Store 持久化游标值。Load 在没有记录时返回 ok=false。
type Store interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

// Cursor 记录最后一个已完整处理的区块高度，只会单调递增。
type Cursor struct {
	mu    sync.RWMutex
	value uint64
	store Store
}

// New 创建游标，store 为空时使用内存存储。
func New(store Store) *Cursor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Cursor{store: store}
}

// Init 在启动时设置游标。默认从当前链头开始，不回放历史事件；
// resume 为 true 且存储中有不超过链头的记录时，从该记录继续。
func (c *Cursor) Init(ctx context.Context, head uint64, resume bool) (uint64, error) {
	start := head
	if resume {
		stored, ok, err := c.store.Load(ctx)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取区块游标失败")
		}
		if ok && stored <= head {
			start = stored
		}
	}

	c.mu.Lock()
	c.value = start
	c.mu.Unlock()

	if err := c.store.Save(ctx, start); err != nil {
		return start, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存区块游标失败")
	}
	return start, nil
}

// Value 返回当前游标。
func (c *Cursor) Value() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Advance 把游标推进到 to。to 不大于当前值时不做任何事并返回 false。
// 持久化失败不会回退内存中的值，错误会返回给调用方记录。
func (c *Cursor) Advance(ctx context.Context, to uint64) (bool, error) {
	c.mu.Lock()
	if to <= c.value {
		c.mu.Unlock()
		return false, nil
	}
	c.value = to
	c.mu.Unlock()

	if err := c.store.Save(ctx, to); err != nil {
		return true, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存区块游标失败")
	}
	return true, nil
}

// MemoryStore 是进程内的游标存储。
type MemoryStore struct {
	mu    sync.Mutex
	value uint64
	ok    bool
}

// NewMemoryStore 创建内存游标存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 实现 Store。
func (m *MemoryStore) Load(context.Context) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.ok, nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = block
	m.ok = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
