// ABOUTME: Per-conversation try-locks that serialize ownership transitions
// ABOUTME: A held key fails fast with ErrLocked; there is no global lock and no waiting

package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another transition holds the key.
var ErrLocked = errors.New("key is locked")

// Unlock releases a lock obtained from TryLock. It is safe to call once.
type Unlock func()

// Locker grants exclusive, non-blocking locks keyed by conversation ID.
type Locker interface {
	TryLock(ctx context.Context, key string) (Unlock, error)
}

// Memory is an in-process Locker. Keys are removed on unlock so the map
// only holds conversations with a transition in flight.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock acquires key or returns ErrLocked immediately.
func (m *Memory) TryLock(ctx context.Context, key string) (Unlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrLocked
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

// Held reports how many keys are currently locked.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
