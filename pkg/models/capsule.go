package models

import "time"

// Capsule is the persisted unit of encrypted content plus its unlock policy.
// Ciphertext and AnswerCiphertext are sealed values opaque to the store.
type Capsule struct {
	ID               string
	OwnerID          string
	Ciphertext       string
	UnlockAt         time.Time
	Question         *string
	AnswerCiphertext *string
	CreatedAt        time.Time
}

// Unlocked reports whether the capsule's unlock time has passed.
func (c *Capsule) Unlocked(now time.Time) bool {
	return !now.Before(c.UnlockAt)
}

// HasChallenge reports whether a knowledge-factor challenge is configured.
// Question and AnswerCiphertext are written together or not at all.
func (c *Capsule) HasChallenge() bool {
	return c.Question != nil && c.AnswerCiphertext != nil
}

// IsOwner reports whether the given principal owns the capsule.
// An empty principal (anonymous caller) never owns anything.
func (c *Capsule) IsOwner(principal string) bool {
	return principal != "" && principal == c.OwnerID
}
