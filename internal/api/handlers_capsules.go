package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/capsulevault/internal/capsule"
	"github.com/org/capsulevault/internal/crypto"
	"github.com/org/capsulevault/internal/gate"
	"github.com/org/capsulevault/internal/storage"
	"github.com/org/capsulevault/pkg/models"
	"github.com/rs/zerolog/log"
)

type mediaPayload struct {
	Kind string `json:"type" validate:"required,oneof=image video"`
	Data string `json:"data" validate:"required"`
}

func toMediaItems(in []mediaPayload) []models.MediaItem {
	if len(in) == 0 {
		return nil
	}
	items := make([]models.MediaItem, len(in))
	for i, m := range in {
		items[i] = models.MediaItem{Kind: m.Kind, Data: m.Data}
	}
	return items
}

// capsuleView is the owner-facing JSON shape of a capsule record. The
// question is included (the owner wrote it); the answer never is.
type capsuleView struct {
	ID        string    `json:"id"`
	UnlockAt  time.Time `json:"unlock_at"`
	CreatedAt time.Time `json:"created_at"`
	Question  *string   `json:"question,omitempty"`
}

func viewOf(c *models.Capsule) capsuleView {
	return capsuleView{
		ID:        c.ID,
		UnlockAt:  c.UnlockAt,
		CreatedAt: c.CreatedAt,
		Question:  c.Question,
	}
}

// mapError translates component errors to the HTTP contract. Ownership
// mismatches already arrive as storage.ErrNotFound. Cipher failures stay
// generic; the detail was logged where it happened.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capsule.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "capsule not found")
	case errors.Is(err, crypto.ErrDecryptionFailed), errors.Is(err, crypto.ErrMalformedCiphertext):
		writeError(w, http.StatusInternalServerError, "failed to retrieve capsule content")
	default:
		// Backend detail (driver errors and the like) stays in the log.
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// CapsuleCreateHandler handles POST /v1/capsules
func (s *Server) CapsuleCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string         `json:"text"`
		Media    []mediaPayload `json:"media" validate:"omitempty,dive"`
		UnlockAt time.Time      `json:"unlock_at" validate:"required"`
		Question string         `json:"question"`
		Answer   string         `json:"answer"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := models.Payload{Text: req.Text, Media: toMediaItems(req.Media)}
	c, err := s.capsules.Create(r.Context(), principalFromCtx(r.Context()), capsule.CreateInput{
		Payload:  payload,
		UnlockAt: req.UnlockAt,
		Question: req.Question,
		Answer:   req.Answer,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	s.refreshCapsuleGauges(r.Context())

	// Content is echoed back exactly once as creation confirmation.
	writeJSON(w, http.StatusCreated, map[string]any{
		"capsule": viewOf(c),
		"content": payload,
	})
}

// CapsuleListHandler handles GET /v1/capsules
func (s *Server) CapsuleListHandler(w http.ResponseWriter, r *http.Request) {
	unlocked, err := s.capsules.ListUnlocked(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(unlocked))
	for _, u := range unlocked {
		items = append(items, map[string]any{
			"capsule": viewOf(u.Capsule),
			"content": u.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capsules": items,
		"count":    len(items),
	})
}

// CapsuleUpcomingHandler handles GET /v1/capsules/upcoming
func (s *Server) CapsuleUpcomingHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.capsules.NextUpcoming(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"next_unlock_at": nil,
			"next_capsule":   nil,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"next_unlock_at": c.UnlockAt,
		"next_capsule": map[string]any{
			"id":         c.ID,
			"unlock_at":  c.UnlockAt,
			"created_at": c.CreatedAt,
		},
	})
}

// CapsuleGetHandler handles GET /v1/capsules/{id} — a gate evaluation with
// no answer supplied.
func (s *Server) CapsuleGetHandler(w http.ResponseWriter, r *http.Request) {
	s.evaluateGate(w, r, chi.URLParam(r, "id"), nil)
}

// CapsuleUnlockHandler handles POST /v1/capsules/{id}/unlock — a gate
// evaluation with an optional answer in the body, kept out of URLs and
// access logs.
func (s *Server) CapsuleUnlockHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var answer *string
	if req.Answer != "" {
		answer = &req.Answer
	}
	s.evaluateGate(w, r, chi.URLParam(r, "id"), answer)
}

func (s *Server) evaluateGate(w http.ResponseWriter, r *http.Request, id string, answer *string) {
	d, err := s.gate.Evaluate(r.Context(), id, principalFromCtx(r.Context()), answer)
	if err != nil {
		mapError(w, err)
		return
	}
	recordGateOutcome(string(d.Status))

	switch d.Status {
	case gate.StatusLocked:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             d.Status,
			"id":                 d.ID,
			"unlock_at":          d.UnlockAt,
			"created_at":         d.CreatedAt,
			"unlocks_in_seconds": int64(d.UnlocksIn.Seconds()),
		})
	case gate.StatusAwaitingChallenge:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          d.Status,
			"id":              d.ID,
			"question":        d.Question,
			"answer_rejected": d.AnswerRejected,
		})
	case gate.StatusGranted:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     d.Status,
			"id":         d.ID,
			"unlock_at":  d.UnlockAt,
			"created_at": d.CreatedAt,
			"owner":      d.Owner,
			"content":    d.Payload,
		})
	}
}

// CapsuleVerifyHandler handles POST /v1/capsules/verify
func (s *Server) CapsuleVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CapsuleID string `json:"capsule_id" validate:"required"`
		Answer    string `json:"answer" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	verified, err := s.gate.VerifyAnswer(r.Context(), req.CapsuleID, req.Answer)
	if err != nil {
		if errors.Is(err, gate.ErrNoChallenge) {
			writeError(w, http.StatusBadRequest, "capsule has no security question")
			return
		}
		mapError(w, err)
		return
	}
	recordVerification(verified)

	writeJSON(w, http.StatusOK, map[string]any{"verified": verified})
}

// CapsuleUpdateHandler handles PUT /v1/capsules/{id}. Content is a single
// sealed blob: supplying text or media replaces the whole payload with
// exactly what was sent, so a media-only update yields empty text. Omitting
// both leaves the content untouched.
func (s *Server) CapsuleUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     *string        `json:"text"`
		Media    []mediaPayload `json:"media" validate:"omitempty,dive"`
		UnlockAt *time.Time     `json:"unlock_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := capsule.UpdateInput{UnlockAt: req.UnlockAt}
	if req.Text != nil || len(req.Media) > 0 {
		p := models.Payload{Media: toMediaItems(req.Media)}
		if req.Text != nil {
			p.Text = *req.Text
		}
		in.Payload = &p
	}

	c, payload, err := s.capsules.Update(r.Context(), chi.URLParam(r, "id"), principalFromCtx(r.Context()), in)
	if err != nil {
		mapError(w, err)
		return
	}

	s.refreshCapsuleGauges(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"capsule": viewOf(c),
		"content": payload,
	})
}

// CapsuleDeleteHandler handles DELETE /v1/capsules/{id}
func (s *Server) CapsuleDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.capsules.Delete(r.Context(), id, principalFromCtx(r.Context())); err != nil {
		mapError(w, err)
		return
	}

	s.refreshCapsuleGauges(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}
