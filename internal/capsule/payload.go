package capsule

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/org/capsulevault/pkg/models"
)

// EncodePayload serializes a payload for encryption.
func EncodePayload(p *models.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(data), nil
}

// legacyPayload is the historical single-media wire shape.
type legacyPayload struct {
	Text      string  `json:"text"`
	Media     *string `json:"media"`
	MediaType *string `json:"mediaType"`
}

// DecodePayload turns decrypted bytes back into a payload. The decision is
// parse-success driven: a JSON object decodes as a structured payload
// (current or legacy single-media shape); anything else is returned verbatim
// as raw text. Content is best-effort, never validated against a schema.
func DecodePayload(raw string) *models.Payload {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return &models.Payload{Text: raw, Raw: true}
	}

	var p models.Payload
	if err := json.Unmarshal([]byte(trimmed), &p); err == nil {
		return &p
	}

	var legacy legacyPayload
	if err := json.Unmarshal([]byte(trimmed), &legacy); err == nil {
		p := &models.Payload{Text: legacy.Text}
		if legacy.Media != nil && *legacy.Media != "" {
			kind := models.MediaImage
			if legacy.MediaType != nil && *legacy.MediaType != "" {
				kind = *legacy.MediaType
			}
			p.Media = []models.MediaItem{{Kind: kind, Data: *legacy.Media}}
		}
		return p
	}

	return &models.Payload{Text: raw, Raw: true}
}
