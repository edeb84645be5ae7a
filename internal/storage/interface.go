package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/capsulevault/pkg/models"
)

// ErrNotFound is returned when a requested capsule does not exist. Mutations
// by a non-owner return it too, so callers cannot distinguish "not yours"
// from "not there".
var ErrNotFound = errors.New("not found")

// CapsulePatch carries the fields an owner may change. Nil fields are left
// untouched.
type CapsulePatch struct {
	Ciphertext *string
	UnlockAt   *time.Time
}

// Backend defines the persistence interface for capsules.
type Backend interface {
	// CreateCapsule persists a new capsule. The capsule must be fully
	// populated (id, owner, ciphertext, unlock time, creation time).
	CreateCapsule(ctx context.Context, c *models.Capsule) error

	// GetCapsule fetches a capsule by id with no owner scoping. Share-link
	// access is a supported use case; ownership is enforced by the gate.
	GetCapsule(ctx context.Context, id string) (*models.Capsule, error)

	// ListUnlocked returns the owner's capsules with unlockAt <= now,
	// ordered by creation time ascending.
	ListUnlocked(ctx context.Context, ownerID string, now time.Time) ([]*models.Capsule, error)

	// NextUpcoming returns the owner's capsule with the smallest unlockAt
	// strictly greater than now, or ErrNotFound if none is pending.
	NextUpcoming(ctx context.Context, ownerID string, now time.Time) (*models.Capsule, error)

	// UpdateCapsule applies the patch to a capsule owned by ownerID and
	// returns the updated row. ErrNotFound on unknown id or owner mismatch.
	UpdateCapsule(ctx context.Context, id, ownerID string, patch CapsulePatch) (*models.Capsule, error)

	// DeleteCapsule removes a capsule owned by ownerID. ErrNotFound on
	// unknown id or owner mismatch.
	DeleteCapsule(ctx context.Context, id, ownerID string) error

	// Metrics helpers
	CountCapsules(ctx context.Context) (int64, error)
	CountLocked(ctx context.Context, now time.Time) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Lifecycle
	Close()
}
