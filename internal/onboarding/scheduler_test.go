package onboarding

import (
	"context"
	"testing"
	"time"

	"onboardbot/internal/backend"
	"onboardbot/internal/delivery"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

type fakeTemplates struct {
	delayed      []backend.MessageTemplate
	delayCalls   int
	byCommand    map[string][]backend.MessageTemplate
	commandCalls []string
}

func (f *fakeTemplates) DelayTemplates(ctx context.Context) []backend.MessageTemplate {
	f.delayCalls++
	return f.delayed
}

func (f *fakeTemplates) ByCommand(ctx context.Context, command string) []backend.MessageTemplate {
	f.commandCalls = append(f.commandCalls, command)
	return f.byCommand[command]
}

type fakeUsers struct {
	exists    bool
	existsErr error
	joined    []int64
}

func (f *fakeUsers) UserExists(ctx context.Context, userID int64) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeUsers) JoinedChannel(ctx context.Context, userID int64) error {
	f.joined = append(f.joined, userID)
	return nil
}

type stubGateway struct {
	texts    []string
	edits    int
	approved [][2]int64
}

func (g *stubGateway) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (g *stubGateway) Stop(ctx context.Context) error                               { return nil }

func (g *stubGateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	g.texts = append(g.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(g.texts)}, nil
}

func (g *stubGateway) SendMedia(ctx context.Context, to transport.ChatTarget, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return g.SendText(ctx, to, caption, opt)
}

func (g *stubGateway) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	g.edits++
	return nil
}

func (g *stubGateway) EditMedia(ctx context.Context, ref transport.MessageRef, kind transport.MediaKind, fileID, caption string, opt *transport.SendOptions) error {
	g.edits++
	return nil
}

func (g *stubGateway) Pin(ctx context.Context, ref transport.MessageRef) error { return nil }
func (g *stubGateway) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (g *stubGateway) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	g.approved = append(g.approved, [2]int64{chatID, userID})
	return nil
}

// armed records timer requests without arming real timers. Jobs are run by
// the test after Schedule returns, never inside the afterFunc call.
type armed struct {
	delays []time.Duration
	jobs   []func()
}

func (a *armed) afterFunc(d time.Duration, f func()) *time.Timer {
	a.delays = append(a.delays, d)
	a.jobs = append(a.jobs, f)
	return time.NewTimer(time.Hour)
}

func minutes(n int) *int { return &n }

func newTestScheduler(cfg Config, ft *fakeTemplates, fu *fakeUsers, gw *stubGateway) (*Scheduler, *armed) {
	s := New(cfg, ft, fu, delivery.Sender{Gateway: gw, Log: logx.Nop()}, logx.Nop())
	a := &armed{}
	s.SetAfterFunc(a.afterFunc)
	s.Start(context.Background())
	return s, a
}

func TestScheduleArmsOneJobPerTemplate(t *testing.T) {
	ft := &fakeTemplates{delayed: []backend.MessageTemplate{
		{ID: "t0", Type: "text", Caption: "now", Order: 1, DelayMinutes: minutes(0)},
		{ID: "t1", Type: "text", Caption: "later {name}", Order: 2, DelayMinutes: minutes(5)},
		{ID: "t2", Type: "text", Caption: "much later", Order: 3, DelayMinutes: minutes(10)},
	}}
	gw := &stubGateway{}
	s, a := newTestScheduler(Config{}, ft, &fakeUsers{}, gw)

	s.Schedule(context.Background(), delivery.Target{ChatID: 7, DisplayName: "Ada"})

	want := []time.Duration{0, 5 * time.Minute, 10 * time.Minute}
	if len(a.delays) != len(want) {
		t.Fatalf("armed %d jobs, want %d", len(a.delays), len(want))
	}
	for i, d := range want {
		if a.delays[i] != d {
			t.Fatalf("job %d delay = %v, want %v", i, a.delays[i], d)
		}
	}

	for _, job := range a.jobs {
		job()
	}
	if len(gw.texts) != 3 {
		t.Fatalf("sent %d messages, want 3: %v", len(gw.texts), gw.texts)
	}
	if gw.texts[1] != "later Ada" {
		t.Fatalf("display name captured at schedule time, got %q", gw.texts[1])
	}
}

func TestScheduleDedup(t *testing.T) {
	ft := &fakeTemplates{delayed: []backend.MessageTemplate{
		{ID: "t0", Type: "text", Caption: "x", DelayMinutes: minutes(1)},
	}}
	s, a := newTestScheduler(Config{Dedup: true}, ft, &fakeUsers{}, &stubGateway{})

	target := delivery.Target{ChatID: 7}
	s.Schedule(context.Background(), target)
	s.Schedule(context.Background(), target)

	if len(a.jobs) != 1 {
		t.Fatalf("dedup on: armed %d jobs, want 1", len(a.jobs))
	}

	// Off, retriggering arms the full set again.
	s2, a2 := newTestScheduler(Config{}, ft, &fakeUsers{}, &stubGateway{})
	s2.Schedule(context.Background(), target)
	s2.Schedule(context.Background(), target)
	if len(a2.jobs) != 2 {
		t.Fatalf("dedup off: armed %d jobs, want 2", len(a2.jobs))
	}
}

func TestDeliverCommandInline(t *testing.T) {
	ft := &fakeTemplates{byCommand: map[string][]backend.MessageTemplate{
		"PROMO": {{ID: "p", Type: "text", Caption: "deal"}},
	}}
	gw := &stubGateway{}
	s, a := newTestScheduler(Config{}, ft, &fakeUsers{}, gw)

	ok := s.DeliverCommand(context.Background(), delivery.Target{ChatID: 7},
		transport.MessageRef{ChatID: 7, MessageID: 3}, "PROMO")
	if !ok {
		t.Fatal("expected the command to be handled")
	}
	if len(a.jobs) != 0 {
		t.Fatalf("delay-free command should deliver inline, armed %d jobs", len(a.jobs))
	}
	if len(gw.texts) != 1 || gw.texts[0] != "deal" {
		t.Fatalf("sent = %v", gw.texts)
	}
}

func TestDeliverCommandSchedulesDelayedSet(t *testing.T) {
	ft := &fakeTemplates{byCommand: map[string][]backend.MessageTemplate{
		"SEQ": {
			{ID: "s0", Type: "text", Caption: "a", DelayMinutes: minutes(0)},
			{ID: "s1", Type: "text", Caption: "b", DelayMinutes: minutes(2)},
		},
	}}
	gw := &stubGateway{}
	s, a := newTestScheduler(Config{}, ft, &fakeUsers{}, gw)

	ok := s.DeliverCommand(context.Background(), delivery.Target{ChatID: 7}, transport.MessageRef{}, "SEQ")
	if !ok {
		t.Fatal("expected the command to be handled")
	}
	if len(a.jobs) != 2 {
		t.Fatalf("armed %d jobs, want 2", len(a.jobs))
	}
	if len(gw.texts) != 0 {
		t.Fatalf("nothing should be sent inline, got %v", gw.texts)
	}
}

func TestDeliverCommandPassthroughAndUnknown(t *testing.T) {
	ft := &fakeTemplates{byCommand: map[string][]backend.MessageTemplate{}}
	s, _ := newTestScheduler(Config{}, ft, &fakeUsers{}, &stubGateway{})

	if s.DeliverCommand(context.Background(), delivery.Target{ChatID: 7}, transport.MessageRef{}, "COPY_REQUEST") {
		t.Fatal("passthrough token must not be handled here")
	}
	if len(ft.commandCalls) != 0 {
		t.Fatalf("passthrough should skip the lookup, calls = %v", ft.commandCalls)
	}

	if s.DeliverCommand(context.Background(), delivery.Target{ChatID: 7}, transport.MessageRef{}, "NOPE") {
		t.Fatal("unknown command must report unhandled")
	}

	// Routers tell the two apart: passthrough gets a silent ack, unknown an
	// error answer.
	if !IsPassthrough("COPY_REQUEST") {
		t.Fatal("COPY_REQUEST must be recognized as passthrough")
	}
	if IsPassthrough("NOPE") {
		t.Fatal("NOPE is not a passthrough token")
	}
}

func TestHandleJoinRequestNewUser(t *testing.T) {
	ft := &fakeTemplates{byCommand: map[string][]backend.MessageTemplate{
		"REQUEST_APPROVED_NEW": {{ID: "n", Type: "text", Caption: "welcome", DelayMinutes: minutes(0)}},
	}}
	fu := &fakeUsers{exists: false}
	gw := &stubGateway{}
	s, a := newTestScheduler(Config{}, ft, fu, gw)

	s.HandleJoinRequest(context.Background(), transport.JoinRequest{ChatID: -100, FromID: 7, FirstName: "Ada"})

	if len(ft.commandCalls) != 1 || ft.commandCalls[0] != "REQUEST_APPROVED_NEW" {
		t.Fatalf("command lookups = %v", ft.commandCalls)
	}
	if len(a.jobs) != 1 {
		t.Fatalf("armed %d jobs, want 1", len(a.jobs))
	}
	if len(gw.approved) != 1 || gw.approved[0] != [2]int64{-100, 7} {
		t.Fatalf("approvals = %v", gw.approved)
	}
	if len(fu.joined) != 1 || fu.joined[0] != 7 {
		t.Fatalf("joined reports = %v", fu.joined)
	}
}

func TestHandleJoinRequestKnownUserWithoutTemplates(t *testing.T) {
	ft := &fakeTemplates{byCommand: map[string][]backend.MessageTemplate{}}
	fu := &fakeUsers{exists: true}
	gw := &stubGateway{}
	s, a := newTestScheduler(Config{}, ft, fu, gw)

	s.HandleJoinRequest(context.Background(), transport.JoinRequest{ChatID: -100, FromID: 7})

	if len(ft.commandCalls) != 1 || ft.commandCalls[0] != "REQUEST_APPROVED_CURR" {
		t.Fatalf("command lookups = %v", ft.commandCalls)
	}
	if len(a.jobs) != 0 {
		t.Fatalf("no templates, no jobs; armed %d", len(a.jobs))
	}
	if len(gw.texts) != 1 || gw.texts[0] != "Approved ✅" {
		t.Fatalf("fallback notice = %v", gw.texts)
	}
	if len(gw.approved) != 1 {
		t.Fatalf("approval must still happen, got %v", gw.approved)
	}
}

func TestStopDropsArmedJobs(t *testing.T) {
	ft := &fakeTemplates{delayed: []backend.MessageTemplate{
		{ID: "t", Type: "text", Caption: "x", DelayMinutes: minutes(60)},
	}}
	gw := &stubGateway{}
	s := New(Config{}, ft, &fakeUsers{}, delivery.Sender{Gateway: gw, Log: logx.Nop()}, logx.Nop())
	s.Start(context.Background())

	s.Schedule(context.Background(), delivery.Target{ChatID: 7})

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with an armed job pending")
	}
	if len(gw.texts) != 0 {
		t.Fatalf("dropped job must not deliver, sent %v", gw.texts)
	}
}
