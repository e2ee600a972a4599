package broadcast

import (
	"context"
	"time"

	"onboardbot/internal/backend"
	"onboardbot/internal/delivery"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

// Run executes one broadcast pass: fetch pending templates once, drain each
// in list order. Overlapping calls are a no-op. A single template's failure
// leaves it pending for the next pass and never aborts the others.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("broadcast pass already running, skipping trigger")
		return nil
	}
	defer s.running.Store(false)

	start := time.Now()
	msgs, err := s.backend.BroadcastMessages(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		s.log.Debug("no pending broadcasts")
		return nil
	}

	s.log.Info("broadcast pass started", logx.Int("templates", len(msgs)))
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.drain(ctx, msg); err != nil {
			s.log.Warn("template drain aborted, left pending",
				logx.String("template", msg.ID), logx.Err(err))
		}
	}
	s.log.Info("broadcast pass completed",
		logx.Int("templates", len(msgs)), logx.Duration("dur", time.Since(start)))
	return nil
}

// drain pages through one template's recipients until an empty page. The
// cursor advances by the number of recipients actually returned, so a short
// final page stays correct. Only a clean exit reaches mark-done.
func (s *Service) drain(ctx context.Context, msg backend.BroadcastMessage) error {
	s.mu.Lock()
	pageSize := s.cfg.PageSize
	limiter := s.limiter
	s.mu.Unlock()

	skip := 0
	sent, failed := 0, 0
	for {
		users, err := s.backend.BroadcastUsers(ctx, msg.ID, skip, pageSize)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			break
		}

		for _, u := range users {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Pacing applies regardless of the previous send's outcome.
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := s.sendOne(ctx, msg, u); err != nil {
				failed++
				s.dispose(ctx, u.ChatID, err)
			} else {
				sent++
			}
		}
		skip += len(users)
	}

	ok, err := s.backend.MarkDone(ctx, msg.ID)
	switch {
	case err != nil:
		s.log.Warn("mark-done failed, template stays pending",
			logx.String("template", msg.ID), logx.Err(err))
	case !ok:
		s.log.Warn("mark-done declined, template stays pending", logx.String("template", msg.ID))
	default:
		s.log.Info("template drained",
			logx.String("template", msg.ID), logx.Int("sent", sent), logx.Int("failed", failed))
	}
	return nil
}

// dispose classifies one failed send and reacts: permanent failures are
// reported asynchronously, rate limits honor the gateway's retry hint,
// everything else is logged and skipped.
func (s *Service) dispose(ctx context.Context, chatID int64, err error) {
	res := delivery.Classify(err)
	switch res.Class {
	case delivery.Permanent:
		s.log.Info("recipient unreachable, reporting inactive",
			logx.Int64("chat_id", chatID), logx.Err(err))
		s.reportInactive(chatID, err)
	case delivery.RateLimited:
		s.log.Warn("gateway rate limit hit",
			logx.Int64("chat_id", chatID), logx.Duration("retry_after", res.RetryAfter))
		s.waitRetry(ctx, res.RetryAfter)
	default:
		s.log.Warn("send failed, skipping recipient",
			logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (s *Service) sendOne(ctx context.Context, msg backend.BroadcastMessage, u backend.BroadcastRecipient) error {
	kind := u.Type
	if kind == "" {
		kind = msg.Type
	}
	fileID := u.FileID
	if fileID == "" {
		fileID = msg.FileID
	}

	opt := &transport.SendOptions{
		ParseMode: u.Payload.ParseMode,
		Keyboard:  delivery.Keyboard(u.Payload.Buttons),
	}
	to := transport.ChatTarget{ChatID: u.ChatID}

	switch kind {
	case "text", "":
		_, err := s.gateway.SendText(ctx, to, u.Payload.Text, opt)
		return err
	case "image", "video", "audio":
		_, err := s.gateway.SendMedia(ctx, to, transport.MediaKind(kind), fileID, u.Payload.Text, opt)
		return err
	default:
		s.log.Warn("unknown broadcast payload type, skipping",
			logx.String("template", msg.ID), logx.String("type", kind))
		return nil
	}
}

// reportInactive fires the deactivation report without blocking the drain
// loop. A failed report is logged, not retried.
func (s *Service) reportInactive(chatID int64, cause error) {
	s.reportWG.Add(1)
	go func() {
		defer s.reportWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.backend.MarkInactive(ctx, chatID, cause.Error()); err != nil {
			s.log.Warn("mark-inactive report failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}()
}

// waitRetry honors a gateway retry-after hint, capped so a single flooded
// chat cannot stall the pass. Without a hint the standard pacing applies.
func (s *Service) waitRetry(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	maxWait := s.cfg.MaxRetryAfter
	s.mu.Unlock()
	if d > maxWait {
		d = maxWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
