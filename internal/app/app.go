// Package app wires the services together: config manager, telegram adapter,
// backend client, template cache, rate limiter, onboarding scheduler and
// broadcast engine, plus the update dispatch loop.
package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"onboardbot/internal/adapters/telegram"
	"onboardbot/internal/backend"
	"onboardbot/internal/broadcast"
	"onboardbot/internal/config"
	"onboardbot/internal/delivery"
	"onboardbot/internal/onboarding"
	"onboardbot/internal/ratelimit"
	"onboardbot/internal/runtime/supervisor"
	"onboardbot/internal/template"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

const defaultWelcome = "Hello, {name}! Tap the button below to get started."

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log      logx.Logger
	logClose func() error

	adapter transport.Gateway
	backend *backend.Client
	cache   *template.Cache
	sched   *onboarding.Scheduler
	bcast   *broadcast.Service

	updates chan transport.Update

	mu        sync.RWMutex
	limiter   *ratelimit.Limiter
	welcome   string
	webAppURL string

	// saved tracks recipients registered with the backend this process, so a
	// /start retrigger does not repeat the save call.
	savedMu sync.Mutex
	saved   map[int64]struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	cfg.ApplySecrets(secrets)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = logClose()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	bcfg, err := mapBackendConfig(cfg)
	if err != nil {
		_ = logClose()
		return nil, err
	}
	client := backend.New(bcfg, log.With(logx.String("comp", "backend")))

	cacheTTL, err := config.ParseDurationOrDefault("onboarding.cache_ttl", cfg.Onboarding.CacheTTL, template.DefaultTTL)
	if err != nil {
		_ = logClose()
		return nil, err
	}
	cache := template.New(client, cacheTTL, log.With(logx.String("comp", "templates")))

	limiter, err := mapLimiter(cfg, log.With(logx.String("comp", "ratelimit")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	sender := delivery.Sender{
		Gateway: ad,
		Log:     log.With(logx.String("comp", "delivery")),
	}
	sched := onboarding.New(onboarding.Config{Dedup: cfg.Onboarding.DedupScheduling},
		cache, client, sender, log.With(logx.String("comp", "onboarding")))

	bccfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = logClose()
		return nil, err
	}
	bcast := broadcast.New(bccfg, client, ad, log.With(logx.String("comp", "broadcast")))

	welcome := strings.TrimSpace(cfg.Telegram.WelcomeMessage)
	if welcome == "" {
		welcome = defaultWelcome
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logClose:  logClose,
		adapter:   ad,
		backend:   client,
		cache:     cache,
		sched:     sched,
		bcast:     bcast,
		updates:   make(chan transport.Update, 256),
		limiter:   limiter,
		welcome:   welcome,
		webAppURL: cfg.Telegram.WebAppURL,
		saved:     map[int64]struct{}{},
	}, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(cfg *config.Config) error {
		if secrets, err := config.LoadSecrets(); err == nil {
			cfg.ApplySecrets(secrets)
		}
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	if a.bcast.Enabled() {
		if err := a.bcast.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("updates.dispatch", a.dispatchLoop)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}

	// Intake first so no new work arrives while services drain.
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	a.sup.Cancel()

	a.bcast.Stop(ctx)
	a.sched.Stop(ctx)

	err := a.sup.Wait(ctx)
	a.log.Info("app stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return err
}

// applyConfig carries validated hot-reload changes into running services.
// The manager's validator has already overlaid environment secrets.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	limiter, err := mapLimiter(cfg, a.log.With(logx.String("comp", "ratelimit")))
	if err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.mu.Lock()
		a.limiter = limiter
		a.mu.Unlock()
	}

	a.mu.Lock()
	if w := strings.TrimSpace(cfg.Telegram.WelcomeMessage); w != "" {
		a.welcome = w
	} else {
		a.welcome = defaultWelcome
	}
	a.webAppURL = cfg.Telegram.WebAppURL
	a.mu.Unlock()

	a.sched.Apply(onboarding.Config{Dedup: cfg.Onboarding.DedupScheduling})

	prevBcast := a.bcast.Enabled()
	bccfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.Apply(bccfg)
		switch {
		case prevBcast && !bccfg.Enabled:
			a.log.Info("broadcast disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.bcast.Stop(stopCtx)
			cancel()
		case !prevBcast && bccfg.Enabled:
			a.log.Info("broadcast enabled via config")
			if err := a.bcast.Start(ctx); err != nil {
				a.log.Warn("broadcast start failed", logx.Err(err))
			}
		}
	}

	// The template cache TTL and backend/telegram endpoints are fixed at
	// construction; changing them needs a restart.
	a.log.Info("config reloaded")
}

func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-a.updates:
			if !ok {
				return nil
			}
			a.handle(ctx, up)
		}
	}
}

// handle processes one update; a panic in a handler is contained to that
// update so the dispatch loop survives.
func (a *App) handle(ctx context.Context, up transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("update handler panicked",
				logx.Any("panic", r),
				logx.String("kind", string(up.Kind)),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			a.handleCallback(ctx, up.Callback)
		}
	case transport.UpdateJoinRequest:
		if up.JoinRequest != nil {
			a.sched.HandleJoinRequest(ctx, *up.JoinRequest)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, m *transport.Message) {
	if strings.HasPrefix(m.Text, "/start") || m.StartPayload != "" {
		a.handleStart(ctx, m)
		return
	}

	d := a.check(m.FromID, ratelimit.ActionMessage)
	if !d.Allowed {
		a.log.Debug("message rate limited",
			logx.Int64("chat_id", m.ChatID), logx.Int("wait_s", d.WaitSeconds()))
		return
	}
	// Plain text carries no commands; nothing to do beyond admission.
	a.log.Debug("message ignored", logx.Int64("chat_id", m.ChatID))
}

func (a *App) handleStart(ctx context.Context, m *transport.Message) {
	d := a.check(m.FromID, ratelimit.ActionStart)
	if !d.Allowed {
		a.log.Debug("start rate limited",
			logx.Int64("chat_id", m.ChatID), logx.Int("wait_s", d.WaitSeconds()))
		return
	}

	a.saveOnce(ctx, m)

	a.mu.RLock()
	welcome := a.welcome
	webAppURL := a.webAppURL
	a.mu.RUnlock()

	opt := &transport.SendOptions{ParseMode: transport.ParseModeMarkdown}
	if webAppURL != "" {
		opt.Keyboard = [][]transport.Button{{{Text: "Open App", WebAppURL: webAppURL}}}
	}
	text := delivery.RenderCaption(welcome, m.FirstName)
	if _, err := a.adapter.SendText(ctx, transport.ChatTarget{ChatID: m.ChatID}, text, opt); err != nil {
		a.log.Warn("welcome message failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}

	a.sched.Schedule(ctx, delivery.Target{ChatID: m.ChatID, DisplayName: m.FirstName})
}

func (a *App) handleCallback(ctx context.Context, cb *transport.Callback) {
	d := a.check(cb.FromID, ratelimit.ActionCallback)
	if !d.Allowed {
		text := fmt.Sprintf("Too fast. Try again in %ds.", d.WaitSeconds())
		if err := a.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
			a.log.Debug("callback answer failed", logx.Err(err))
		}
		return
	}

	target := delivery.Target{ChatID: cb.ChatID, DisplayName: cb.FirstName}
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	handled := a.sched.DeliverCommand(ctx, target, ref, cb.Data)

	answer := ""
	if !handled && !onboarding.IsPassthrough(cb.Data) {
		answer = "No action found."
	}
	if err := a.adapter.AnswerCallback(ctx, cb.ID, answer); err != nil {
		a.log.Debug("callback answer failed", logx.Err(err))
	}
}

func (a *App) check(recipientID int64, action string) ratelimit.Decision {
	a.mu.RLock()
	l := a.limiter
	a.mu.RUnlock()
	return l.Check(recipientID, action)
}

// saveOnce registers the recipient with the backend at most once per process.
func (a *App) saveOnce(ctx context.Context, m *transport.Message) {
	a.savedMu.Lock()
	_, seen := a.saved[m.FromID]
	if !seen {
		a.saved[m.FromID] = struct{}{}
	}
	a.savedMu.Unlock()
	if seen {
		return
	}

	err := a.backend.SaveUser(ctx, backend.UserProfile{
		TelegramID:   m.FromID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		Username:     m.Username,
		LanguageCode: m.LanguageCode,
		IsPremium:    m.IsPremium,
		ReferredBy:   m.StartPayload,
	})
	if err != nil {
		a.log.Warn("user save failed", logx.Int64("user_id", m.FromID), logx.Err(err))
	}
}
