package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/capsulevault/pkg/models"
)

// MemoryBackend is an in-process Backend used for dev mode and tests.
// It holds copies of capsules, so callers never share row memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	capsules map[string]*models.Capsule
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{capsules: make(map[string]*models.Capsule)}
}

func (m *MemoryBackend) Close()                         {}
func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) CreateCapsule(ctx context.Context, c *models.Capsule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.capsules[c.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.capsules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryBackend) ListUnlocked(ctx context.Context, ownerID string, now time.Time) ([]*models.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.Capsule
	for _, c := range m.capsules {
		if c.OwnerID == ownerID && !now.Before(c.UnlockAt) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryBackend) NextUpcoming(ctx context.Context, ownerID string, now time.Time) (*models.Capsule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var next *models.Capsule
	for _, c := range m.capsules {
		if c.OwnerID != ownerID || !c.UnlockAt.After(now) {
			continue
		}
		if next == nil || c.UnlockAt.Before(next.UnlockAt) {
			next = c
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	cp := *next
	return &cp, nil
}

func (m *MemoryBackend) UpdateCapsule(ctx context.Context, id, ownerID string, patch CapsulePatch) (*models.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capsules[id]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if patch.Ciphertext != nil {
		c.Ciphertext = *patch.Ciphertext
	}
	if patch.UnlockAt != nil {
		c.UnlockAt = *patch.UnlockAt
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryBackend) DeleteCapsule(ctx context.Context, id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capsules[id]
	if !ok || c.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.capsules, id)
	return nil
}

func (m *MemoryBackend) CountCapsules(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.capsules)), nil
}

func (m *MemoryBackend) CountLocked(ctx context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, c := range m.capsules {
		if c.UnlockAt.After(now) {
			count++
		}
	}
	return count, nil
}
