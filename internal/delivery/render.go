package delivery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"onboardbot/internal/backend"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

// Target is the immutable delivery identity a job captures at schedule time.
// It must not depend on mutable state that could change before firing.
type Target struct {
	ChatID      int64
	DisplayName string
}

func (t Target) chat() transport.ChatTarget { return transport.ChatTarget{ChatID: t.ChatID} }

var namePlaceholder = regexp.MustCompile(`(?i)\{name\}`)

// RenderCaption substitutes the {name} placeholder. An unknown display name
// renders as a single space, matching the backend's template expectations.
func RenderCaption(caption, displayName string) string {
	if caption == "" {
		return ""
	}
	name := displayName
	if name == "" {
		name = " "
	}
	return namePlaceholder.ReplaceAllString(caption, name)
}

// Keyboard maps template buttons onto the gateway-neutral layout, one button
// per row. Webapp buttons get the dedicated capability, callback buttons carry
// an opaque token, anything without a parseable URL degrades to a callback.
func Keyboard(buttons []backend.TemplateButton) [][]transport.Button {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]transport.Button, 0, len(buttons))
	for _, b := range buttons {
		switch {
		case b.Type == "webapp":
			rows = append(rows, []transport.Button{{Text: b.Text, WebAppURL: b.URL}})
		case b.Type == "callback":
			rows = append(rows, []transport.Button{{Text: b.Text, Data: firstNonEmpty(b.Command, b.Data, b.URL, b.Text)}})
		case !isValidURL(b.URL):
			rows = append(rows, []transport.Button{{Text: b.Text, Data: firstNonEmpty(b.Data, b.URL, b.Text)}})
		default:
			rows = append(rows, []transport.Button{{Text: b.Text, URL: b.URL}})
		}
	}
	return rows
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Sender renders and dispatches templates through a gateway.
type Sender struct {
	Gateway transport.Gateway
	Log     logx.Logger
}

// Send delivers one template as a new message. Pin failures are tolerated and
// logged, never surfaced.
func (s Sender) Send(ctx context.Context, to Target, tmpl backend.MessageTemplate) (transport.MessageRef, error) {
	caption := RenderCaption(tmpl.Caption, to.DisplayName)
	opt := &transport.SendOptions{
		ParseMode: transport.ParseModeHTML,
		Keyboard:  Keyboard(tmpl.Buttons),
	}

	var (
		ref transport.MessageRef
		err error
	)
	switch tmpl.Type {
	case "text":
		text := caption
		if text == "" {
			text = "-"
		}
		ref, err = s.Gateway.SendText(ctx, to.chat(), text, opt)
	case "image", "video", "audio":
		ref, err = s.Gateway.SendMedia(ctx, to.chat(), transport.MediaKind(tmpl.Type), tmpl.FileID, caption, opt)
	default:
		return transport.MessageRef{}, fmt.Errorf("unknown template type %q", tmpl.Type)
	}
	if err != nil {
		return transport.MessageRef{}, err
	}

	if tmpl.Pin {
		if pinErr := s.Gateway.Pin(ctx, ref); pinErr != nil {
			s.Log.Warn("pin failed",
				logx.Int64("chat_id", to.ChatID), logx.String("template", tmpl.ID), logx.Err(pinErr))
		}
	}
	return ref, nil
}

// SendOrEdit prefers editing ref in place when the template asks for inline
// delivery; a failed edit falls back to a fresh send. Only meaningful while
// responding to a recipient-initiated interaction.
func (s Sender) SendOrEdit(ctx context.Context, to Target, ref transport.MessageRef, tmpl backend.MessageTemplate) error {
	if tmpl.Inline && ref.MessageID != 0 {
		err := s.edit(ctx, to, ref, tmpl)
		if err == nil {
			return nil
		}
		s.Log.Debug("inline edit failed, sending new message",
			logx.Int64("chat_id", to.ChatID), logx.String("template", tmpl.ID), logx.Err(err))
	}
	_, err := s.Send(ctx, to, tmpl)
	return err
}

func (s Sender) edit(ctx context.Context, to Target, ref transport.MessageRef, tmpl backend.MessageTemplate) error {
	caption := RenderCaption(tmpl.Caption, to.DisplayName)
	opt := &transport.SendOptions{
		ParseMode: transport.ParseModeHTML,
		Keyboard:  Keyboard(tmpl.Buttons),
	}
	switch tmpl.Type {
	case "text":
		text := caption
		if text == "" {
			text = "-"
		}
		return s.Gateway.EditText(ctx, ref, text, opt)
	case "image", "video", "audio":
		return s.Gateway.EditMedia(ctx, ref, transport.MediaKind(tmpl.Type), tmpl.FileID, caption, opt)
	default:
		return fmt.Errorf("unknown template type %q", tmpl.Type)
	}
}
