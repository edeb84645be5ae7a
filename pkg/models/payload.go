package models

// Media kinds accepted in a capsule payload.
const (
	MediaImage = "image"
	MediaVideo = "video"
)

// MediaItem is one piece of media inside a payload. Data is an opaque
// (typically base64) string; the vault never interprets it.
type MediaItem struct {
	Kind string `json:"type"`
	Data string `json:"data"`
}

// Payload is the decoded capsule content. Raw is set when the decrypted
// bytes were not a structured payload and Text carries them verbatim.
type Payload struct {
	Text  string      `json:"text"`
	Media []MediaItem `json:"media,omitempty"`
	Raw   bool        `json:"-"`
}
