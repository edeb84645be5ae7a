// Package gate decides whether decrypted capsule content may be released to
// a caller. State is derived fresh from the store and the clock on every
// evaluation; no locked/unlocked flag is ever persisted.
package gate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/org/capsulevault/internal/capsule"
	"github.com/org/capsulevault/internal/crypto"
	"github.com/org/capsulevault/internal/storage"
	"github.com/org/capsulevault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Status is the outcome of one gate evaluation.
type Status string

const (
	// StatusLocked: the unlock time has not passed. Terminal for this call;
	// nothing beyond timing metadata is revealed.
	StatusLocked Status = "locked"
	// StatusAwaitingChallenge: unlocked, but a non-owner must still answer
	// the challenge. Only the question text is revealed.
	StatusAwaitingChallenge Status = "awaiting_challenge"
	// StatusGranted: content may be decrypted and returned.
	StatusGranted Status = "granted"
)

// ErrNoChallenge is returned by VerifyAnswer when the capsule has no
// challenge configured.
var ErrNoChallenge = errors.New("capsule has no challenge configured")

// Decision is the result of evaluating one (capsule, requester) pair.
// Fields outside the common identity block are populated per status, so a
// locked decision never carries the question and an awaiting decision never
// carries content.
type Decision struct {
	Status    Status
	ID        string
	UnlockAt  time.Time
	CreatedAt time.Time
	Owner     bool

	// Locked only.
	UnlocksIn time.Duration

	// Awaiting only. AnswerRejected signals that an answer was supplied and
	// did not match; the expected answer is never revealed.
	Question       string
	AnswerRejected bool

	// Granted only.
	Payload *models.Payload
}

// Gate evaluates the access state machine.
type Gate struct {
	store  storage.Backend
	cipher *crypto.Cipher
	now    func() time.Time
}

// New creates a Gate.
func New(store storage.Backend, cipher *crypto.Cipher) *Gate {
	return &Gate{store: store, cipher: cipher, now: time.Now}
}

// Evaluate runs one pass of the state machine for the capsule and requester.
// principal is the authenticated caller id, empty for anonymous callers.
// answer is the challenge answer supplied on this call, nil when absent.
// Locked and awaiting outcomes are valid responses, not errors; the error
// return covers unknown ids (storage.ErrNotFound) and retrieval failures.
func (g *Gate) Evaluate(ctx context.Context, id, principal string, answer *string) (*Decision, error) {
	c, err := g.store.GetCapsule(ctx, id)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	d := &Decision{
		ID:        c.ID,
		UnlockAt:  c.UnlockAt,
		CreatedAt: c.CreatedAt,
		Owner:     c.IsOwner(principal),
	}

	if !c.Unlocked(now) {
		d.Status = StatusLocked
		d.UnlocksIn = c.UnlockAt.Sub(now)
		return d, nil
	}

	// Ownership bypasses the challenge, never the time gate.
	if c.HasChallenge() && !d.Owner {
		if answer == nil {
			d.Status = StatusAwaitingChallenge
			d.Question = *c.Question
			return d, nil
		}
		ok, err := g.answerMatches(c, *answer)
		if err != nil {
			return nil, err
		}
		if !ok {
			d.Status = StatusAwaitingChallenge
			d.Question = *c.Question
			d.AnswerRejected = true
			return d, nil
		}
	}

	plaintext, err := g.cipher.Decrypt(c.Ciphertext)
	if err != nil {
		// Detail stays internal; the handler surfaces a generic failure.
		log.Error().Err(err).Str("capsule_id", c.ID).Msg("failed to decrypt capsule content")
		return nil, err
	}
	d.Status = StatusGranted
	d.Payload = capsule.DecodePayload(plaintext)
	return d, nil
}

// VerifyAnswer checks a submitted answer against the capsule's challenge and
// returns the boolean flag only. storage.ErrNotFound for unknown ids,
// ErrNoChallenge when no challenge is configured.
func (g *Gate) VerifyAnswer(ctx context.Context, id, answer string) (bool, error) {
	c, err := g.store.GetCapsule(ctx, id)
	if err != nil {
		return false, err
	}
	if !c.HasChallenge() {
		return false, ErrNoChallenge
	}
	return g.answerMatches(c, answer)
}

// answerMatches decrypts the stored answer and compares both sides after
// case folding and trimming. Both digests are hashed so the comparison is
// constant time regardless of length.
func (g *Gate) answerMatches(c *models.Capsule, answer string) (bool, error) {
	stored, err := g.cipher.Decrypt(*c.AnswerCiphertext)
	if err != nil {
		log.Error().Err(err).Str("capsule_id", c.ID).Msg("failed to decrypt challenge answer")
		return false, err
	}
	want := sha256.Sum256([]byte(capsule.NormalizeAnswer(stored)))
	got := sha256.Sum256([]byte(capsule.NormalizeAnswer(answer)))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1, nil
}
