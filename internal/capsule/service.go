package capsule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/capsulevault/internal/crypto"
	"github.com/org/capsulevault/internal/storage"
	"github.com/org/capsulevault/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrValidation marks out-of-policy input. Detected before any store or
// cipher call; never retried automatically.
var ErrValidation = errors.New("validation error")

// UnlockGracePeriod is the mandatory minimum lead between write time and a
// capsule's unlock time.
const UnlockGracePeriod = time.Minute

// CreateInput carries the atomically supplied fields of a new capsule.
type CreateInput struct {
	Payload  models.Payload
	UnlockAt time.Time
	Question string
	Answer   string
}

// UpdateInput carries an owner's partial update. Nil fields are no-ops.
type UpdateInput struct {
	Payload  *models.Payload
	UnlockAt *time.Time
}

// Unlocked pairs a capsule with its decrypted payload for listing responses.
// Payload is nil when the stored ciphertext failed authentication; a single
// corrupt record must not fail the whole listing.
type Unlocked struct {
	Capsule *models.Capsule
	Payload *models.Payload
}

// Service implements capsule lifecycle operations over the store and cipher.
type Service struct {
	store  storage.Backend
	cipher *crypto.Cipher
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store storage.Backend, cipher *crypto.Cipher) *Service {
	return &Service{store: store, cipher: cipher, now: time.Now}
}

// Create validates and persists a new capsule, returning the stored record.
// The caller already holds the plaintext payload for its one-time creation
// confirmation.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*models.Capsule, error) {
	now := s.now().UTC()

	if in.Payload.Text == "" && len(in.Payload.Media) == 0 {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	if in.UnlockAt.IsZero() {
		return nil, fmt.Errorf("%w: unlock time is required", ErrValidation)
	}
	if err := checkUnlockLead(in.UnlockAt, now); err != nil {
		return nil, err
	}
	if (in.Question == "") != (in.Answer == "") {
		return nil, fmt.Errorf("%w: question and answer must be provided together", ErrValidation)
	}

	plaintext, err := EncodePayload(&in.Payload)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}

	c := &models.Capsule{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Ciphertext: ciphertext,
		UnlockAt:   in.UnlockAt.UTC(),
		CreatedAt:  now,
	}

	if in.Question != "" {
		sealedAnswer, err := s.cipher.Encrypt(NormalizeAnswer(in.Answer))
		if err != nil {
			return nil, fmt.Errorf("encrypting answer: %w", err)
		}
		c.Question = &in.Question
		c.AnswerCiphertext = &sealedAnswer
	}

	if err := s.store.CreateCapsule(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListUnlocked returns the owner's unlocked capsules with decrypted content,
// created-ascending.
func (s *Service) ListUnlocked(ctx context.Context, ownerID string) ([]Unlocked, error) {
	capsules, err := s.store.ListUnlocked(ctx, ownerID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	result := make([]Unlocked, 0, len(capsules))
	for _, c := range capsules {
		plaintext, err := s.cipher.Decrypt(c.Ciphertext)
		if err != nil {
			log.Error().Err(err).Str("capsule_id", c.ID).Msg("failed to decrypt capsule content")
			result = append(result, Unlocked{Capsule: c})
			continue
		}
		result = append(result, Unlocked{Capsule: c, Payload: DecodePayload(plaintext)})
	}
	return result, nil
}

// NextUpcoming returns the owner's nearest future capsule, or nil when no
// capsule is still locked.
func (s *Service) NextUpcoming(ctx context.Context, ownerID string) (*models.Capsule, error) {
	c, err := s.store.NextUpcoming(ctx, ownerID, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Update applies an owner's partial update and returns the updated capsule
// with its decrypted payload. A changed unlock time is re-validated against
// the grace-period floor; shortening or extending is otherwise free, even
// for a capsule about to unlock. There is no transition back from unlocked.
func (s *Service) Update(ctx context.Context, id, ownerID string, in UpdateInput) (*models.Capsule, *models.Payload, error) {
	patch := storage.CapsulePatch{}

	if in.UnlockAt != nil {
		if err := checkUnlockLead(*in.UnlockAt, s.now().UTC()); err != nil {
			return nil, nil, err
		}
		t := in.UnlockAt.UTC()
		patch.UnlockAt = &t
	}
	if in.Payload != nil {
		if in.Payload.Text == "" && len(in.Payload.Media) == 0 {
			return nil, nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
		}
		plaintext, err := EncodePayload(in.Payload)
		if err != nil {
			return nil, nil, err
		}
		ciphertext, err := s.cipher.Encrypt(plaintext)
		if err != nil {
			return nil, nil, fmt.Errorf("encrypting content: %w", err)
		}
		patch.Ciphertext = &ciphertext
	}

	c, err := s.store.UpdateCapsule(ctx, id, ownerID, patch)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := s.cipher.Decrypt(c.Ciphertext)
	if err != nil {
		log.Error().Err(err).Str("capsule_id", c.ID).Msg("failed to decrypt capsule content")
		return c, nil, nil
	}
	return c, DecodePayload(plaintext), nil
}

// Delete removes an owner's capsule.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	return s.store.DeleteCapsule(ctx, id, ownerID)
}

func checkUnlockLead(unlockAt, now time.Time) error {
	if !unlockAt.After(now.Add(UnlockGracePeriod)) {
		return fmt.Errorf("%w: unlock time must be at least 1 minute in the future", ErrValidation)
	}
	return nil
}

// NormalizeAnswer lowercases and trims a challenge answer. Applied at write
// time and again at compare time; stored casing is never assumed.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}
