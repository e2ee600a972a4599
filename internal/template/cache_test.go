package template

import (
	"context"
	"errors"
	"testing"
	"time"

	"onboardbot/internal/backend"
	"onboardbot/pkg/logx"
)

type fakeBackend struct {
	listCalls    int
	list         []backend.MessageTemplate
	listErr      error
	commandCalls int
	command      []backend.MessageTemplate
	commandErr   error
}

func (f *fakeBackend) OnboardList(ctx context.Context) ([]backend.MessageTemplate, error) {
	f.listCalls++
	return f.list, f.listErr
}

func (f *fakeBackend) OnboardByCommand(ctx context.Context, command string) ([]backend.MessageTemplate, error) {
	f.commandCalls++
	return f.command, f.commandErr
}

func minutes(n int) *int { return &n }

func TestDelayTemplatesRefetchOnlyAfterTTL(t *testing.T) {
	fb := &fakeBackend{list: []backend.MessageTemplate{
		{ID: "a", Type: "text", Caption: "hi", DelayMinutes: minutes(0)},
	}}
	c := New(fb, time.Minute, logx.Nop())

	t0 := time.Unix(1700000000, 0)
	now := t0
	c.SetNow(func() time.Time { return now })

	if got := c.DelayTemplates(context.Background()); len(got) != 1 {
		t.Fatalf("expected 1 template, got %d", len(got))
	}
	if fb.listCalls != 1 {
		t.Fatalf("expected 1 backend call, got %d", fb.listCalls)
	}

	now = t0.Add(30 * time.Second)
	c.DelayTemplates(context.Background())
	if fb.listCalls != 1 {
		t.Fatalf("expected cached serve within ttl, got %d calls", fb.listCalls)
	}

	now = t0.Add(61 * time.Second)
	c.DelayTemplates(context.Background())
	if fb.listCalls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", fb.listCalls)
	}
}

func TestDelayTemplatesPartitionAndOrder(t *testing.T) {
	fb := &fakeBackend{list: []backend.MessageTemplate{
		{ID: "cmd", Type: "text", Command: "PROMO", DelayMinutes: minutes(5)},
		{ID: "late", Type: "text", Order: 3, DelayMinutes: minutes(10)},
		{ID: "early", Type: "text", Order: 1, DelayMinutes: minutes(0)},
		{ID: "nodelays", Type: "text", Order: 2},
	}}
	c := New(fb, time.Minute, logx.Nop())

	got := c.DelayTemplates(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected 2 delayed templates, got %d", len(got))
	}
	if got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestDelayTemplatesServesStaleOnRefreshFailure(t *testing.T) {
	fb := &fakeBackend{list: []backend.MessageTemplate{
		{ID: "a", Type: "text", DelayMinutes: minutes(0)},
	}}
	c := New(fb, time.Minute, logx.Nop())

	t0 := time.Unix(1700000000, 0)
	now := t0
	c.SetNow(func() time.Time { return now })

	c.DelayTemplates(context.Background())

	fb.listErr = errors.New("backend down")
	now = t0.Add(2 * time.Minute)
	got := c.DelayTemplates(context.Background())
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected stale snapshot, got %v", got)
	}

	// No snapshot at all: failure yields an empty list, not a panic.
	c2 := New(&fakeBackend{listErr: errors.New("down")}, time.Minute, logx.Nop())
	if got := c2.DelayTemplates(context.Background()); got != nil {
		t.Fatalf("expected nil without snapshot, got %v", got)
	}
}

func TestByCommandFallsBackToSnapshotIndex(t *testing.T) {
	fb := &fakeBackend{
		list: []backend.MessageTemplate{
			{ID: "p1", Type: "text", Command: "PROMO"},
		},
		command: []backend.MessageTemplate{{ID: "fresh", Type: "text", Command: "PROMO"}},
	}
	c := New(fb, time.Minute, logx.Nop())
	c.DelayTemplates(context.Background()) // build the snapshot index

	got := c.ByCommand(context.Background(), "PROMO")
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expected fresh backend result, got %v", got)
	}

	fb.commandErr = errors.New("backend down")
	got = c.ByCommand(context.Background(), "PROMO")
	if len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("expected snapshot fallback, got %v", got)
	}

	if got := c.ByCommand(context.Background(), "  "); got != nil {
		t.Fatalf("expected nil for blank command, got %v", got)
	}
}
