// Package backend is the signed HTTP client for the service that owns user
// records and message templates. The delivery core treats request signing and
// envelope normalization as transport concerns handled here.
package backend

import "encoding/json"

// MessageTemplate is a deliverable unit as served by the backend. Within the
// onboarding set a template is either scheduled (DelayMinutes set) or
// on-demand (Command set), never both.
type MessageTemplate struct {
	ID      string           `json:"_id"`
	Type    string           `json:"type"` // text|image|video|audio
	Caption string           `json:"caption"`
	FileID  string           `json:"fileId"`
	Buttons []TemplateButton `json:"buttons"`
	Order   int              `json:"order"`

	// DelayMinutes is nil when the template is not part of the delayed
	// onboarding sequence. The distinction between "absent" and zero matters:
	// zero means send immediately.
	DelayMinutes *int `json:"delayMinutes"`

	Command string `json:"command"`
	Pin     bool   `json:"pin"`
	Inline  bool   `json:"inline"`
}

// Delayed reports whether the template belongs to the delay-ordered
// onboarding view: a numeric delay and no command.
func (t MessageTemplate) Delayed() bool {
	return t.DelayMinutes != nil && t.Command == ""
}

type TemplateButton struct {
	Type    string `json:"type"` // webapp|callback|"" (plain link)
	Text    string `json:"text"`
	URL     string `json:"url"`
	Command string `json:"command"`
	Data    string `json:"data"`
}

// BroadcastMessage is one pending broadcast template.
type BroadcastMessage struct {
	ID     string `json:"_id"`
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// BroadcastRecipient is one page row from /broadcast/users. The backend
// returns the personalized payload alongside the chat id.
type BroadcastRecipient struct {
	ChatID  int64            `json:"chat_id"`
	Type    string           `json:"type"`
	FileID  string           `json:"fileId"`
	Payload BroadcastPayload `json:"payload"`
}

type BroadcastPayload struct {
	Text      string           `json:"text"`
	ParseMode string           `json:"parse_mode"`
	Buttons   []TemplateButton `json:"buttons"`

	// ReplyMarkup is preserved for forward compatibility with backends that
	// ship a raw keyboard instead of typed buttons; the engine ignores it.
	ReplyMarkup json.RawMessage `json:"reply_markup,omitempty"`
}

// UserProfile is the /save-user payload.
type UserProfile struct {
	TelegramID   int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	IsPremium    bool
	ReferredBy   string
}
