// Package telegram adapts the gateway-neutral transport surface onto
// telebot. All Telegram-specific shapes (markup, media, raw endpoints) stay
// inside this package.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
				}
			}
		}
	}()

	deliver := func(up transport.Update) {
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
	}

	a.bot.Handle("/start", func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		up := transport.Update{Kind: transport.UpdateMessage, Message: fromMessage(m)}
		up.Message.StartPayload = m.Payload
		deliver(up)
		return nil
	})

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		deliver(transport.Update{Kind: transport.UpdateMessage, Message: fromMessage(m)})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || cb.Sender == nil || m == nil {
			return nil
		}
		deliver(transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				FirstName: cb.Sender.FirstName,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				// Telegram callbacks may carry telebot's unique-prefix framing;
				// backend command tokens are raw strings.
				Data: strings.TrimPrefix(cb.Data, "\f"),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnChatJoinRequest, func(c tele.Context) error {
		req := c.Update().ChatJoinRequest
		if req == nil || req.Sender == nil || req.Chat == nil {
			return nil
		}
		deliver(transport.Update{
			Kind: transport.UpdateJoinRequest,
			JoinRequest: &transport.JoinRequest{
				ChatID:    req.Chat.ID,
				FromID:    req.Sender.ID,
				FirstName: req.Sender.FirstName,
			},
		})
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() is called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel() // the poll goroutine's watcher calls bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window keeps shutdown snappy even while a long-poll is pending.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func fromMessage(m *tele.Message) *transport.Message {
	return &transport.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FirstName:    m.Sender.FirstName,
		LastName:     m.Sender.LastName,
		Username:     m.Sender.Username,
		LanguageCode: m.Sender.LanguageCode,
		IsPremium:    m.Sender.IsPremium,
		Text:         m.Text,
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.ChatTarget, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	media, err := mediaFor(kind, fileID, caption)
	if err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, media, sendOptions(opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	_, err := a.bot.Edit(stored(ref), text, sendOptions(opt))
	return err
}

func (a *Adapter) EditMedia(ctx context.Context, ref transport.MessageRef, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) error {
	media, err := mediaFor(kind, fileID, caption)
	if err != nil {
		return err
	}
	_, err = a.bot.EditMedia(stored(ref), media, sendOptions(opt))
	return err
}

// Pin goes through the raw endpoint so we can pass disable_notification
// uniformly.
func (a *Adapter) Pin(ctx context.Context, ref transport.MessageRef) error {
	_, err := a.bot.Raw("pinChatMessage", map[string]string{
		"chat_id":              strconv.FormatInt(ref.ChatID, 10),
		"message_id":           strconv.Itoa(ref.MessageID),
		"disable_notification": "true",
	})
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// ApproveJoinRequest uses the raw endpoint; the wrapper does not cover join
// request administration uniformly across versions.
func (a *Adapter) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	_, err := a.bot.Raw("approveChatJoinRequest", map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"user_id": strconv.FormatInt(userID, 10),
	})
	return err
}

func stored(ref transport.MessageRef) tele.Editable {
	return &tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
}

func mediaFor(kind transport.MediaKind, fileID, caption string) (tele.Inputtable, error) {
	file := tele.File{FileID: fileID}
	switch kind {
	case transport.MediaPhoto:
		return &tele.Photo{File: file, Caption: caption}, nil
	case transport.MediaVideo:
		return &tele.Video{File: file, Caption: caption}, nil
	case transport.MediaAudio:
		return &tele.Audio{File: file, Caption: caption}, nil
	default:
		return nil, errors.New("unsupported media kind: " + string(kind))
	}
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if rm := markup(opt.Keyboard); rm != nil {
		so.ReplyMarkup = rm
	}
	return so
}

func markup(rows [][]transport.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		line := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btn := tele.InlineButton{Text: b.Text}
			switch {
			case b.WebAppURL != "":
				btn.WebApp = &tele.WebApp{URL: b.WebAppURL}
			case b.Data != "":
				btn.Data = b.Data
			default:
				btn.URL = b.URL
			}
			line = append(line, btn)
		}
		kb = append(kb, line)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}
