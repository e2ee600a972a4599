// Package transport defines the gateway-neutral types exchanged between the
// delivery core and the messaging-gateway adapter.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	IsPremium    bool
	Text         string
	// StartPayload carries the deep-link argument of a /start command, if any.
	StartPayload string
}

type Callback struct {
	ID        string
	FromID    int64
	FirstName string
	ChatID    int64
	MessageID int
	Data      string
}

type JoinRequest struct {
	ChatID    int64 // channel/group the request targets
	FromID    int64
	FirstName string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline-keyboard entry. Exactly one of URL, Data, or WebAppURL
// is expected to be set.
type Button struct {
	Text      string
	URL       string
	Data      string // opaque callback token
	WebAppURL string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       [][]Button
}

const (
	ParseModeHTML     = "HTML"
	ParseModeMarkdown = "Markdown"
)

// MediaKind mirrors the template "type" field for non-text payloads.
type MediaKind string

const (
	MediaPhoto MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Gateway is the messaging-gateway surface the delivery core depends on.
// Failures surface as structured errors consumed by the failure classifier.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, kind MediaKind, fileID, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditMedia(ctx context.Context, ref MessageRef, kind MediaKind, fileID, caption string, opt *SendOptions) error

	Pin(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
}
