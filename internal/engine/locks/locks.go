package locks

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/apierr"
)

// Manager serializes per-profile mutation. Every write path holds exactly
// one profile lock; merge is the only caller allowed two, and AcquireTwo
// always locks in ascending id order. That ordering is the engine's sole
// deadlock-avoidance invariant.
type Manager struct {
	mu      chan struct{}
	entries map[uuid.UUID]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewManager() *Manager {
	m := &Manager{
		mu:      make(chan struct{}, 1),
		entries: make(map[uuid.UUID]*entry),
	}
	return m
}

func (m *Manager) lockTable() { m.mu <- struct{}{} }

func (m *Manager) unlockTable() { <-m.mu }

func (m *Manager) retain(id uuid.UUID) *entry {
	m.lockTable()
	defer m.unlockTable()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[id] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(id uuid.UUID) {
	m.lockTable()
	defer m.unlockTable()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, id)
	}
}

func (m *Manager) acquireEntry(ctx context.Context, e *entry, deadline <-chan time.Time) error {
	select {
	case e.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return apierr.New(apierr.KindBusy, "profile lock contended")
	}
}

// Acquire takes the single-profile lock. The returned release function must
// be called exactly once.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID, wait time.Duration) (func(), error) {
	e := m.retain(id)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	if err := m.acquireEntry(ctx, e, timer.C); err != nil {
		m.release(id)
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-e.ch
		m.release(id)
	}, nil
}

// AcquireTwo takes both profile locks in ascending id order. Equal ids
// collapse to a single lock.
func (m *Manager) AcquireTwo(ctx context.Context, a, b uuid.UUID, wait time.Duration) (func(), error) {
	if a == b {
		return m.Acquire(ctx, a, wait)
	}
	first, second := OrderIDs(a, b)

	releaseFirst, err := m.Acquire(ctx, first, wait)
	if err != nil {
		return nil, err
	}
	releaseSecond, err := m.Acquire(ctx, second, wait)
	if err != nil {
		releaseFirst()
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseSecond()
		releaseFirst()
	}, nil
}

// OrderIDs returns the pair in ascending byte order.
func OrderIDs(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
