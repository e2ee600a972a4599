package app

import (
	"context"
	"testing"

	"onboardbot/internal/backend"
	"onboardbot/internal/delivery"
	"onboardbot/internal/onboarding"
	"onboardbot/internal/ratelimit"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

// routerGateway records callback answers, everything else is a no-op.
type routerGateway struct {
	answers []string
}

func (g *routerGateway) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (g *routerGateway) Stop(ctx context.Context) error                               { return nil }

func (g *routerGateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (g *routerGateway) SendMedia(ctx context.Context, to transport.ChatTarget, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (g *routerGateway) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	return nil
}

func (g *routerGateway) EditMedia(ctx context.Context, ref transport.MessageRef, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) error {
	return nil
}

func (g *routerGateway) Pin(ctx context.Context, ref transport.MessageRef) error { return nil }

func (g *routerGateway) AnswerCallback(ctx context.Context, callbackID, text string) error {
	g.answers = append(g.answers, text)
	return nil
}

func (g *routerGateway) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	return nil
}

type emptyTemplates struct{}

func (emptyTemplates) DelayTemplates(ctx context.Context) []backend.MessageTemplate { return nil }
func (emptyTemplates) ByCommand(ctx context.Context, command string) []backend.MessageTemplate {
	return nil
}

type emptyUsers struct{}

func (emptyUsers) UserExists(ctx context.Context, userID int64) (bool, error) { return false, nil }
func (emptyUsers) JoinedChannel(ctx context.Context, userID int64) error      { return nil }

func newRouterApp(gw *routerGateway) *App {
	return &App{
		log:     logx.Nop(),
		adapter: gw,
		sched: onboarding.New(onboarding.Config{}, emptyTemplates{}, emptyUsers{},
			delivery.Sender{Gateway: gw, Log: logx.Nop()}, logx.Nop()),
		limiter: ratelimit.New(nil, 0, logx.Nop()),
	}
}

func TestCallbackAnswerDistinguishesPassthrough(t *testing.T) {
	gw := &routerGateway{}
	a := newRouterApp(gw)

	a.handleCallback(context.Background(), &transport.Callback{ID: "cb1", FromID: 7, ChatID: 7, Data: "COPY_REQUEST"})
	a.handleCallback(context.Background(), &transport.Callback{ID: "cb2", FromID: 8, ChatID: 8, Data: "NOPE"})

	if len(gw.answers) != 2 {
		t.Fatalf("answers = %v, want 2 acks", gw.answers)
	}
	if gw.answers[0] != "" {
		t.Fatalf("passthrough token answered %q, want a silent ack", gw.answers[0])
	}
	if gw.answers[1] != "No action found." {
		t.Fatalf("unknown command answered %q", gw.answers[1])
	}
}
