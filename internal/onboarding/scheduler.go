// Package onboarding arranges delayed onboarding deliveries and the on-demand
// template flows (callback commands, channel join requests).
package onboarding

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"onboardbot/internal/backend"
	"onboardbot/internal/delivery"
	"onboardbot/internal/transport"
	"onboardbot/pkg/logx"
)

// Templates is the slice of the template cache the scheduler depends on.
type Templates interface {
	DelayTemplates(ctx context.Context) []backend.MessageTemplate
	ByCommand(ctx context.Context, command string) []backend.MessageTemplate
}

// Users is the slice of the backend client the join-request flow depends on.
type Users interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	JoinedChannel(ctx context.Context, userID int64) error
}

// Commands chosen for newly approved join requests, depending on whether the
// backend already knows the recipient.
const (
	commandApprovedCurrent = "REQUEST_APPROVED_CURR"
	commandApprovedNew     = "REQUEST_APPROVED_NEW"
)

// callbackPassthrough tokens are handled elsewhere and ignored here.
const callbackPassthrough = "COPY_REQUEST"

// IsPassthrough reports whether a callback token belongs to another handler.
// Routers use it to acknowledge such callbacks silently instead of answering
// with an unknown-command toast.
func IsPassthrough(command string) bool { return command == callbackPassthrough }

type Config struct {
	// Dedup suppresses re-scheduling for a recipient that already has an
	// onboarding sequence in flight this process. Off by default: the
	// intended behavior is unresolved upstream, so re-invocation re-schedules
	// the full set.
	Dedup bool
}

// Scheduler owns each delivery job from the moment it is armed until it fires
// or the process ends. Jobs are not persisted; a restart drops pending jobs.
type Scheduler struct {
	mu sync.Mutex

	cfg       Config
	templates Templates
	users     Users
	sender    delivery.Sender
	log       logx.Logger

	// afterFunc is swappable so tests can fire jobs synchronously.
	afterFunc func(d time.Duration, f func()) *time.Timer
	now       func() time.Time

	runCtx context.Context
	timers map[uint64]*time.Timer
	nextID uint64

	scheduled map[int64]struct{} // recipients with a sequence in flight (dedup only)

	jobWG sync.WaitGroup
}

func New(cfg Config, templates Templates, users Users, sender delivery.Sender, log logx.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		templates: templates,
		users:     users,
		sender:    sender,
		log:       log,
		afterFunc: time.AfterFunc,
		now:       time.Now,
		timers:    map[uint64]*time.Timer{},
		scheduled: map[int64]struct{}{},
	}
}

// SetAfterFunc overrides timer creation. Test hook.
func (s *Scheduler) SetAfterFunc(fn func(d time.Duration, f func()) *time.Timer) {
	s.afterFunc = fn
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start records the context delayed jobs run under.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

// Stop releases armed timers. Jobs already firing run to completion; armed
// jobs are dropped, consistent with the in-memory-only contract.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	for id, t := range s.timers {
		if t.Stop() {
			// Timer disarmed before firing; its job will never run.
			s.jobWG.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Schedule arms one independent delayed delivery per onboarding template for
// the recipient. The fire time is fixed now; it is not re-evaluated later.
func (s *Scheduler) Schedule(ctx context.Context, target delivery.Target) {
	s.mu.Lock()
	if s.cfg.Dedup {
		if _, seen := s.scheduled[target.ChatID]; seen {
			s.mu.Unlock()
			s.log.Debug("onboarding already scheduled", logx.Int64("chat_id", target.ChatID))
			return
		}
	}
	s.scheduled[target.ChatID] = struct{}{}
	s.mu.Unlock()

	tmpls := s.templates.DelayTemplates(ctx)
	if len(tmpls) == 0 {
		return
	}
	s.scheduleSet(target, tmpls)
	s.log.Info("onboarding scheduled",
		logx.Int64("chat_id", target.ChatID), logx.Int("jobs", len(tmpls)))
}

// DeliverCommand resolves on-demand templates for a callback token and
// delivers them: sequences carrying delays are scheduled like onboarding,
// otherwise the first template is delivered inline (edit preferred).
// Reports whether anything was found.
func (s *Scheduler) DeliverCommand(ctx context.Context, target delivery.Target, ref transport.MessageRef, command string) bool {
	if command == "" || command == callbackPassthrough {
		return false
	}
	tmpls := s.templates.ByCommand(ctx, command)
	if len(tmpls) == 0 {
		return false
	}

	hasDelays := false
	for _, t := range tmpls {
		if t.DelayMinutes != nil {
			hasDelays = true
			break
		}
	}
	if hasDelays {
		s.scheduleSet(target, tmpls)
		return true
	}
	if err := s.sender.SendOrEdit(ctx, target, ref, tmpls[0]); err != nil {
		s.log.Warn("command delivery failed",
			logx.Int64("chat_id", target.ChatID), logx.String("command", command), logx.Err(err))
	}
	return true
}

// HandleJoinRequest runs the channel join flow: pick the command by backend
// user existence, DM the matching templates, approve the request, and report
// the join. Approval is attempted even when earlier steps fail.
func (s *Scheduler) HandleJoinRequest(ctx context.Context, req transport.JoinRequest) {
	target := delivery.Target{ChatID: req.FromID, DisplayName: req.FirstName}

	exists, err := s.users.UserExists(ctx, req.FromID)
	if err != nil {
		s.log.Warn("user existence check failed", logx.Int64("user_id", req.FromID), logx.Err(err))
	}
	command := commandApprovedNew
	if exists {
		command = commandApprovedCurrent
	}

	tmpls := s.templates.ByCommand(ctx, command)
	if len(tmpls) > 0 {
		s.scheduleSet(target, tmpls)
	} else {
		if _, err := s.sender.Gateway.SendText(ctx, transport.ChatTarget{ChatID: req.FromID}, "Approved ✅", nil); err != nil {
			s.log.Warn("approval notice failed", logx.Int64("user_id", req.FromID), logx.Err(err))
		}
	}

	if err := s.sender.Gateway.ApproveJoinRequest(ctx, req.ChatID, req.FromID); err != nil {
		s.log.Warn("join request approval failed",
			logx.Int64("chat_id", req.ChatID), logx.Int64("user_id", req.FromID), logx.Err(err))
	}

	if err := s.users.JoinedChannel(ctx, req.FromID); err != nil {
		s.log.Debug("joined-channel report failed", logx.Int64("user_id", req.FromID), logx.Err(err))
	}
}

// scheduleSet arms one timer per template. Each job captures the target and
// template by value; nothing read at fire time can be mutated in between.
func (s *Scheduler) scheduleSet(target delivery.Target, tmpls []backend.MessageTemplate) {
	for _, tmpl := range tmpls {
		delayMin := 0
		if tmpl.DelayMinutes != nil && *tmpl.DelayMinutes > 0 {
			delayMin = *tmpl.DelayMinutes
		}
		s.arm(time.Duration(delayMin)*time.Minute, target, tmpl)
	}
}

func (s *Scheduler) arm(delay time.Duration, target delivery.Target, tmpl backend.MessageTemplate) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.jobWG.Add(1)
	t := s.afterFunc(delay, func() {
		defer s.jobWG.Done()
		s.fire(id, target, tmpl)
	})
	s.timers[id] = t
	s.mu.Unlock()
}

// fire runs one delivery job. Failures stay inside the job: logged, never
// rethrown, never affecting sibling jobs.
func (s *Scheduler) fire(id uint64, target delivery.Target, tmpl backend.MessageTemplate) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in delivery job",
				logx.Int64("chat_id", target.ChatID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	delete(s.timers, id)
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	// Delayed jobs always produce a new message, never an edit.
	if _, err := s.sender.Send(ctx, target, tmpl); err != nil {
		s.log.Warn("onboarding send failed",
			logx.Int64("chat_id", target.ChatID), logx.String("template", tmpl.ID),
			logx.Int("order", tmpl.Order), logx.Err(err))
		return
	}
	s.log.Debug("onboarding message sent",
		logx.Int64("chat_id", target.ChatID), logx.Int("order", tmpl.Order))
}
