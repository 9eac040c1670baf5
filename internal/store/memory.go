package store

import (
	"context"
	"sync"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// Memory is a pure in-memory Route Store: an atomically-swapped snapshot
// plus a set of coalescing watch channels. It needs no teacher analogue of
// its own (the teacher gateway took its route table from static config at
// boot); the swap-and-fan-out shape follows the standard Go idiom for a
// single-writer, many-reader published value, and is the core every other
// driver in this package wraps for persistence.
type Memory struct {
	mu       sync.RWMutex
	snapshot model.Snapshot
	watchers map[chan model.Snapshot]struct{}
	closed   bool

	validate Validator
}

// NewMemory builds an empty Memory store. validate is applied to every
// Apply call; pass nil to skip validation. File and SQLite hand their own
// validator to the embedded Memory, which applies it for them.
func NewMemory(validate Validator) *Memory {
	return &Memory{
		watchers: make(map[chan model.Snapshot]struct{}),
		validate: validate,
	}
}

func (m *Memory) List(ctx context.Context) (model.Snapshot, error) {
	if ctx.Err() != nil {
		return model.Snapshot{}, ctx.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.Snapshot{}, ErrClosed
	}
	return m.snapshot, nil
}

// Watch returns a channel seeded with the current snapshot. Sends are
// non-blocking and coalescing: the channel has capacity 1, and a writer
// that finds it full drains the stale value before sending the latest one,
// so a slow reader never blocks Apply and never sees more than the most
// recent snapshot.
func (m *Memory) Watch(ctx context.Context) (<-chan model.Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan model.Snapshot, 1)
	ch <- m.snapshot
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()

	return ch, nil
}

func (m *Memory) Apply(ctx context.Context, routes []model.Route) (model.Snapshot, error) {
	if ctx.Err() != nil {
		return model.Snapshot{}, ctx.Err()
	}
	sorted := sortedCopy(routes)
	if m.validate != nil {
		validated, err := m.validate(sorted)
		if err != nil {
			return model.Snapshot{}, err
		}
		sorted = validated
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Snapshot{}, ErrClosed
	}

	if sameRouteSet(m.snapshot.Routes, sorted) {
		return m.snapshot, nil
	}

	next := model.Snapshot{
		Version: model.NewVersion(m.snapshot.Version),
		Routes:  sorted,
	}
	m.snapshot = next

	for ch := range m.watchers {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}

	return next, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	return nil
}
