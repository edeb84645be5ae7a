package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/org/capsulevault/internal/crypto"
	"github.com/org/capsulevault/internal/storage"
)

const testJWTSecret = "test-jwt-secret"

// --- test helpers ---

func newTestServer(t *testing.T) (*Server, *storage.MemoryBackend) {
	t.Helper()
	cipher, err := crypto.NewCipher("api-test-key")
	if err != nil {
		t.Fatalf("creating cipher: %v", err)
	}
	store := storage.NewMemoryBackend()
	srv := NewServer(store, cipher, Config{JWTSecret: testJWTSecret})
	return srv, store
}

// signToken mints a bearer token the way the external identity provider
// would: HS256 over the shared secret with the principal in the subject.
func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	return doJSON(t, handler, "POST", path, body, token)
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	return doJSON(t, handler, "GET", path, nil, token)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

// createCapsule posts a capsule and returns its id.
func createCapsule(t *testing.T, handler http.Handler, token string, body map[string]any) string {
	t.Helper()
	w := postJSON(t, handler, "/v1/capsules", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	view, _ := resp["capsule"].(map[string]any)
	id, _ := view["id"].(string)
	if id == "" {
		t.Fatalf("create response has no capsule id: %v", resp)
	}
	return id
}

// backdate moves a capsule's unlock time into the past, directly in storage,
// so tests can cross the time gate without waiting.
func backdate(t *testing.T, store *storage.MemoryBackend, id, owner string) {
	t.Helper()
	past := time.Now().Add(-time.Minute).UTC()
	if _, err := store.UpdateCapsule(context.Background(), id, owner, storage.CapsulePatch{UnlockAt: &past}); err != nil {
		t.Fatalf("backdating capsule: %v", err)
	}
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/sys/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestCreateRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	body := map[string]any{"text": "hi", "unlock_at": time.Now().Add(2 * time.Minute)}

	w := postJSON(t, handler, "/v1/capsules", body, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = postJSON(t, handler, "/v1/capsules", body, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with garbage token, got %d", w.Code)
	}

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	signed, _ := wrongKey.SignedString([]byte("some-other-secret"))
	w = postJSON(t, handler, "/v1/capsules", body, signed)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong-key token, got %d", w.Code)
	}
}

func TestCreateAndLockedGet(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	w := postJSON(t, handler, "/v1/capsules", map[string]any{
		"text":      "see you in 2027",
		"media":     []map[string]any{{"type": "image", "data": "aGVsbG8="}},
		"unlock_at": time.Now().Add(2 * time.Minute),
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)

	// Content is echoed exactly once, at creation.
	content, _ := body["content"].(map[string]any)
	if content["text"] != "see you in 2027" {
		t.Errorf("expected content echo, got %v", body["content"])
	}

	view, _ := body["capsule"].(map[string]any)
	id, _ := view["id"].(string)
	if id == "" {
		t.Fatal("expected capsule id in response")
	}

	// Anyone fetching before the unlock time sees the time gate and nothing
	// else, the owner included.
	for _, tok := range []string{"", token} {
		w = getJSON(t, handler, "/v1/capsules/"+id, tok)
		if w.Code != http.StatusOK {
			t.Fatalf("get failed: %d %s", w.Code, w.Body.String())
		}
		body = decodeBody(t, w)
		if body["status"] != "locked" {
			t.Errorf("expected locked, got %v", body["status"])
		}
		if _, ok := body["content"]; ok {
			t.Error("locked response must not carry content")
		}
		if _, ok := body["question"]; ok {
			t.Error("locked response must not carry the question")
		}
		if secs, _ := body["unlocks_in_seconds"].(float64); secs <= 0 {
			t.Errorf("expected positive unlocks_in_seconds, got %v", body["unlocks_in_seconds"])
		}
	}
}

func TestCreateValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing unlock_at", map[string]any{"text": "hi"}},
		{"no content", map[string]any{"unlock_at": time.Now().Add(2 * time.Minute)}},
		{"unlock too soon", map[string]any{"text": "hi", "unlock_at": time.Now().Add(10 * time.Second)}},
		{"question without answer", map[string]any{"text": "hi", "unlock_at": time.Now().Add(2 * time.Minute), "question": "pet?"}},
		{"answer without question", map[string]any{"text": "hi", "unlock_at": time.Now().Add(2 * time.Minute), "answer": "rex"}},
		{"bad media kind", map[string]any{"unlock_at": time.Now().Add(2 * time.Minute), "media": []map[string]any{{"type": "audio", "data": "eA=="}}}},
	}
	for _, tc := range cases {
		w := postJSON(t, handler, "/v1/capsules", tc.body, token)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestOwnerReadsAfterUnlock(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text":      "happy new year",
		"unlock_at": time.Now().Add(2 * time.Minute),
		"question":  "pet name?",
		"answer":    "Rex",
	})
	backdate(t, store, id, "alice")

	// The owner skips the challenge entirely.
	w := getJSON(t, handler, "/v1/capsules/"+id, token)
	body := decodeBody(t, w)
	if body["status"] != "granted" {
		t.Fatalf("expected granted for owner, got %v (%s)", body["status"], w.Body.String())
	}
	if owner, _ := body["owner"].(bool); !owner {
		t.Error("expected owner=true")
	}
	content, _ := body["content"].(map[string]any)
	if content["text"] != "happy new year" {
		t.Errorf("expected decrypted content, got %v", body["content"])
	}
}

func TestAnonymousChallengeFlow(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text":      "guarded message",
		"unlock_at": time.Now().Add(2 * time.Minute),
		"question":  "first pet's name?",
		"answer":    "Rex",
	})
	backdate(t, store, id, "alice")

	// Anonymous fetch: question only.
	w := getJSON(t, handler, "/v1/capsules/"+id, "")
	body := decodeBody(t, w)
	if body["status"] != "awaiting_challenge" {
		t.Fatalf("expected awaiting_challenge, got %v", body["status"])
	}
	if body["question"] != "first pet's name?" {
		t.Errorf("expected question, got %v", body["question"])
	}
	if _, ok := body["content"]; ok {
		t.Error("challenge response must not carry content")
	}

	// Wrong answer: rejected, still no content.
	w = postJSON(t, handler, "/v1/capsules/"+id+"/unlock", map[string]any{"answer": "Fido"}, "")
	body = decodeBody(t, w)
	if body["status"] != "awaiting_challenge" {
		t.Fatalf("expected awaiting_challenge, got %v", body["status"])
	}
	if rejected, _ := body["answer_rejected"].(bool); !rejected {
		t.Error("expected answer_rejected=true")
	}

	// Correct answer with different casing.
	w = postJSON(t, handler, "/v1/capsules/"+id+"/unlock", map[string]any{"answer": "rex"}, "")
	body = decodeBody(t, w)
	if body["status"] != "granted" {
		t.Fatalf("expected granted, got %v (%s)", body["status"], w.Body.String())
	}
	content, _ := body["content"].(map[string]any)
	if content["text"] != "guarded message" {
		t.Errorf("expected decrypted content, got %v", body["content"])
	}
}

func TestVerifyAnswer(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text":      "guarded",
		"unlock_at": time.Now().Add(2 * time.Minute),
		"question":  "pet name?",
		"answer":    "Rex",
	})

	// Verification works while the capsule is still locked.
	w := postJSON(t, handler, "/v1/capsules/verify", map[string]any{"capsule_id": id, "answer": "REX"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if verified, _ := body["verified"].(bool); !verified {
		t.Error("expected verified=true")
	}

	w = postJSON(t, handler, "/v1/capsules/verify", map[string]any{"capsule_id": id, "answer": "Fido"}, "")
	body = decodeBody(t, w)
	if verified, _ := body["verified"].(bool); verified {
		t.Error("expected verified=false")
	}

	// Missing fields.
	w = postJSON(t, handler, "/v1/capsules/verify", map[string]any{"capsule_id": id}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing answer, got %d", w.Code)
	}

	// No challenge configured.
	plain := createCapsule(t, handler, token, map[string]any{
		"text":      "open",
		"unlock_at": time.Now().Add(2 * time.Minute),
	})
	w = postJSON(t, handler, "/v1/capsules/verify", map[string]any{"capsule_id": plain, "answer": "rex"}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for no challenge, got %d %s", w.Code, w.Body.String())
	}

	// Unknown capsule.
	w = postJSON(t, handler, "/v1/capsules/verify", map[string]any{"capsule_id": "no-such-id", "answer": "rex"}, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown capsule, got %d", w.Code)
	}
}

func TestListUnlockedAndUpcoming(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	opened := createCapsule(t, handler, token, map[string]any{
		"text": "already open", "unlock_at": time.Now().Add(2 * time.Minute),
	})
	backdate(t, store, opened, "alice")
	pending := createCapsule(t, handler, token, map[string]any{
		"text": "still waiting", "unlock_at": time.Now().Add(24 * time.Hour),
	})

	w := getJSON(t, handler, "/v1/capsules", token)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if count, _ := body["count"].(float64); count != 1 {
		t.Fatalf("expected 1 unlocked capsule, got %v (%s)", body["count"], w.Body.String())
	}
	items, _ := body["capsules"].([]any)
	item, _ := items[0].(map[string]any)
	content, _ := item["content"].(map[string]any)
	if content["text"] != "already open" {
		t.Errorf("expected decrypted content in listing, got %v", item["content"])
	}

	w = getJSON(t, handler, "/v1/capsules/upcoming", token)
	body = decodeBody(t, w)
	next, _ := body["next_capsule"].(map[string]any)
	if next["id"] != pending {
		t.Errorf("expected next capsule %s, got %v", pending, body["next_capsule"])
	}

	// Another user sees neither.
	other := signToken(t, "bob")
	w = getJSON(t, handler, "/v1/capsules", other)
	body = decodeBody(t, w)
	if count, _ := body["count"].(float64); count != 0 {
		t.Errorf("expected empty listing for other user, got %v", body["count"])
	}
	w = getJSON(t, handler, "/v1/capsules/upcoming", other)
	body = decodeBody(t, w)
	if body["next_unlock_at"] != nil {
		t.Errorf("expected null next_unlock_at for other user, got %v", body["next_unlock_at"])
	}
}

func TestUpdateCapsule(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text": "draft", "unlock_at": time.Now().Add(2 * time.Minute),
	})

	w := doJSON(t, handler, "PUT", "/v1/capsules/"+id, map[string]any{"text": "final"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	content, _ := body["content"].(map[string]any)
	if content["text"] != "final" {
		t.Errorf("expected updated content, got %v", body["content"])
	}

	// Rescheduling is validated like creation.
	w = doJSON(t, handler, "PUT", "/v1/capsules/"+id, map[string]any{
		"unlock_at": time.Now().Add(-time.Hour),
	}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for past unlock time, got %d", w.Code)
	}

	// A non-owner cannot tell the capsule exists.
	other := signToken(t, "mallory")
	w = doJSON(t, handler, "PUT", "/v1/capsules/"+id, map[string]any{"text": "stolen"}, other)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-owner update, got %d", w.Code)
	}
	w = doJSON(t, handler, "PUT", "/v1/capsules/no-such-id", map[string]any{"text": "x"}, token)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown capsule, got %d", w.Code)
	}
}

func TestUpdateReplacesContentWholesale(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text": "original words", "unlock_at": time.Now().Add(2 * time.Minute),
	})

	// Content is one blob: a media-only update replaces the whole payload,
	// empty text included.
	w := doJSON(t, handler, "PUT", "/v1/capsules/"+id, map[string]any{
		"media": []map[string]any{{"type": "image", "data": "aGVsbG8="}},
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	content, _ := body["content"].(map[string]any)
	if content["text"] != "" {
		t.Errorf("expected empty text after media-only update, got %v", content["text"])
	}
	media, _ := content["media"].([]any)
	if len(media) != 1 {
		t.Errorf("expected 1 media item, got %v", content["media"])
	}
}

func TestInternalErrorsStayGeneric(t *testing.T) {
	// Errors outside the taxonomy must not echo backend detail to clients.
	w := httptest.NewRecorder()
	mapError(w, errors.New(`ERROR: invalid input syntax for type uuid (SQLSTATE 22P02)`))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "SQLSTATE") {
		t.Errorf("response leaks backend detail: %s", w.Body.String())
	}
	body := decodeBody(t, w)
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 || errs[0] != "internal error" {
		t.Errorf("expected generic internal error, got %v", body["errors"])
	}
}

func TestDeleteCapsule(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text": "ephemeral", "unlock_at": time.Now().Add(2 * time.Minute),
	})

	other := signToken(t, "mallory")
	w := doJSON(t, handler, "DELETE", "/v1/capsules/"+id, nil, other)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-owner delete, got %d", w.Code)
	}

	w = doJSON(t, handler, "DELETE", "/v1/capsules/"+id, nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("delete failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["id"] != id {
		t.Errorf("expected deleted id echoed, got %v", body["id"])
	}

	w = getJSON(t, handler, "/v1/capsules/"+id, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestGetUnknownCapsule(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/capsules/no-such-id", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInvalidTokenOnShareLink(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	token := signToken(t, "alice")

	id := createCapsule(t, handler, token, map[string]any{
		"text": "open", "unlock_at": time.Now().Add(2 * time.Minute),
	})
	backdate(t, store, id, "alice")

	// A present-but-invalid token is rejected, not demoted to anonymous.
	w := getJSON(t, handler, "/v1/capsules/"+id, "garbage")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid token on share link, got %d", w.Code)
	}
}
