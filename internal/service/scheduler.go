package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"spa_engine/internal/logger"
	"spa_engine/internal/metrics"
	"spa_engine/internal/models"
	"spa_engine/internal/repository"

	"github.com/google/uuid"
)

// commandQueue is the part of Dispatcher the scheduler submits to.
type commandQueue interface {
	Enqueue(ctx context.Context, cmd models.Command) (<-chan models.CommandResult, error)
}

type interestSink interface {
	EnsureConnected()
}

// SchedulerConfig tunes rule evaluation.
type SchedulerConfig struct {
	Tick     time.Duration
	Warmup   time.Duration // connect this long before a rule's next occurrence
	Grace    time.Duration // how late an occurrence may still fire
	Location *time.Location
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
	if c.Grace < c.Tick {
		c.Grace = c.Tick
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Scheduler owns the ordered automation rule collection and fires due rules into the
// dispatcher. The repository is written through on every change.
type Scheduler struct {
	cfg     SchedulerConfig
	repo    repository.RuleRepo
	queue   commandQueue
	conn    interestSink
	history Recorder
	log     *logger.Logger

	mu        sync.Mutex
	rules     []models.AutomationRule
	startedAt time.Time

	wg      sync.WaitGroup
	nowFunc func() time.Time
}

func NewScheduler(cfg SchedulerConfig, repo repository.RuleRepo, queue commandQueue, conn interestSink, history Recorder, log *logger.Logger) *Scheduler {
	if history == nil {
		history = nopRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		repo:    repo,
		queue:   queue,
		conn:    conn,
		history: history,
		log:     log,
		nowFunc: time.Now,
	}
	s.startedAt = s.nowFunc()
	return s
}

// Load replaces the in-memory rules with the persisted collection. A store that cannot be
// read leaves the scheduler running with no rules.
func (s *Scheduler) Load(ctx context.Context) error {
	rules, err := s.repo.List(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = s.nowFunc()
	if err != nil {
		s.rules = nil
		s.log.Errorw("automation_rules_load_failed", "err", err)
		return err
	}
	s.rules = rules
	s.log.Infow("automation_rules_loaded", "count", len(rules))
	return nil
}

// List returns a copy of all rules in order.
func (s *Scheduler) List(ctx context.Context) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationRule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.AutomationRule{}, ErrRuleNotFound
	}
	return s.rules[i], nil
}

func (s *Scheduler) Create(ctx context.Context, in RuleInput) (models.AutomationRule, error) {
	now := s.nowFunc()
	enabled := in.Enabled == nil || *in.Enabled
	rule, err := buildRule(in, enabled, now)
	if err != nil {
		return models.AutomationRule{}, err
	}
	rule.ID = uuid.NewString()
	rule.CreatedAt = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Create(ctx, rule); err != nil {
		return models.AutomationRule{}, err
	}
	s.rules = append(s.rules, rule)
	s.history.Record(models.CategoryAutomation, "rule created", ruleFields(rule, nil))
	return rule, nil
}

// Update replaces the editable fields. Position, creation time and last-fired are kept.
func (s *Scheduler) Update(ctx context.Context, id string, in RuleInput) (models.AutomationRule, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.AutomationRule{}, ErrRuleNotFound
	}
	cur := s.rules[i]
	enabled := cur.Enabled
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	next, err := buildRule(in, enabled, now)
	if err != nil {
		return models.AutomationRule{}, err
	}
	next.ID, next.CreatedAt, next.LastFired = cur.ID, cur.CreatedAt, cur.LastFired

	if err := s.repo.Update(ctx, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.AutomationRule{}, ErrRuleNotFound
		}
		return models.AutomationRule{}, err
	}
	s.rules[i] = next
	s.history.Record(models.CategoryAutomation, "rule updated", ruleFields(next, nil))
	return next, nil
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return ErrRuleNotFound
	}
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	rule := s.rules[i]
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	s.history.Record(models.CategoryAutomation, "rule deleted", ruleFields(rule, nil))
	return nil
}

// RunNow fires the rule immediately, exactly as a scheduled fire would, and waits for the
// command's result.
func (s *Scheduler) RunNow(ctx context.Context, id string) (models.CommandResult, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return models.CommandResult{}, ErrRuleNotFound
	}
	rule := s.rules[i]
	ch, err := s.fireLocked(context.WithoutCancel(ctx), i, s.nowFunc(), "manual")
	s.mu.Unlock()
	if err != nil {
		return models.CommandResult{}, err
	}

	select {
	case res := <-ch:
		s.recordOutcome(rule, res)
		return res, nil
	case <-ctx.Done():
		// the result is still recorded once the dispatcher finishes
		s.awaitOutcome(rule, ch)
		return models.CommandResult{}, ctx.Err()
	}
}

// Run evaluates rules on every tick until ctx is canceled, then waits for outstanding
// results to be recorded.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.evaluate(ctx, s.nowFunc())
		}
	}
}

// evaluate fires every due rule and signals interest ahead of upcoming ones.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	warm := false
	for i := range s.rules {
		r := s.rules[i]
		if !r.Enabled {
			continue
		}
		if next, ok := nextOccurrence(r.Trigger, now, s.cfg.Location); ok && next.Sub(now) <= s.cfg.Warmup {
			warm = true
		}
		occ, ok := s.dueLocked(r, now)
		if !ok {
			continue
		}
		ch, err := s.fireLocked(ctx, i, now, "scheduled")
		if err != nil {
			s.log.Warnw("automation_fire_failed", "rule_id", r.ID, "occurrence", occ, "err", err)
			continue
		}
		s.awaitOutcome(r, ch)
	}
	if warm && s.conn != nil {
		s.conn.EnsureConnected()
	}
}

// dueLocked reports whether r has an occurrence inside the grace window that has not fired.
// Occurrences before the scheduler started or before the rule was last edited are skipped.
func (s *Scheduler) dueLocked(r models.AutomationRule, now time.Time) (time.Time, bool) {
	occ, ok := prevOccurrence(r.Trigger, now, s.cfg.Location)
	if !ok {
		return time.Time{}, false
	}
	if now.Sub(occ) > s.cfg.Grace {
		return time.Time{}, false
	}
	if occ.Before(s.startedAt) || !occ.After(r.UpdatedAt) {
		return time.Time{}, false
	}
	if r.LastFired != nil && !r.LastFired.Before(occ) {
		return time.Time{}, false
	}
	return occ, true
}

// fireLocked submits the rule's action and stamps last-fired. A one-shot rule is disabled
// once its command is accepted, whatever the command's outcome.
func (s *Scheduler) fireLocked(ctx context.Context, i int, now time.Time, reason string) (<-chan models.CommandResult, error) {
	r := s.rules[i]
	cmd := models.Command{
		ID:      uuid.NewString(),
		Kind:    r.Action.Kind,
		Payload: r.Action.Payload,
		Origin:  models.OriginScheduler,
		RuleID:  r.ID,
	}
	ch, err := s.queue.Enqueue(ctx, cmd)
	if err != nil {
		return nil, err
	}

	fired := now.UTC()
	r.LastFired = &fired
	if r.Trigger.Type == models.TriggerOneShot {
		r.Enabled = false
	}
	s.rules[i] = r

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.repo.MarkFired(pctx, r.ID, fired, r.Enabled); err != nil {
		s.log.Errorw("automation_mark_fired_failed", "rule_id", r.ID, "err", err)
	}

	s.log.Infow("automation_fired", "rule_id", r.ID, "name", r.Name, "reason", reason, "command_id", cmd.ID)
	s.history.Record(models.CategoryAutomation, "rule fired", ruleFields(r, map[string]any{
		"reason":     reason,
		"command_id": cmd.ID,
	}))
	return ch, nil
}

func (s *Scheduler) awaitOutcome(r models.AutomationRule, ch <-chan models.CommandResult) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recordOutcome(r, <-ch)
	}()
}

func (s *Scheduler) recordOutcome(r models.AutomationRule, res models.CommandResult) {
	metrics.IncAutomationFired(res.OK)
	extra := map[string]any{"command_id": res.CommandID, "ok": res.OK}
	if !res.OK {
		extra["error"] = res.Error
		s.log.Warnw("automation_command_failed", "rule_id", r.ID, "err", res.Error)
	}
	s.history.Record(models.CategoryAutomation, "rule result", ruleFields(r, extra))
}

func (s *Scheduler) indexLocked(id string) int {
	for i := range s.rules {
		if s.rules[i].ID == id {
			return i
		}
	}
	return -1
}

func buildRule(in RuleInput, enabled bool, now time.Time) (models.AutomationRule, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.AutomationRule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	trig, err := normalizeTrigger(in.Trigger)
	if err != nil {
		return models.AutomationRule{}, err
	}
	if err := validateTemplate(in.Action); err != nil {
		return models.AutomationRule{}, err
	}
	if enabled && trig.Type == models.TriggerOneShot && !trig.When.After(now) {
		return models.AutomationRule{}, fmt.Errorf("%w: one-shot time is in the past", ErrInvalidRule)
	}
	return models.AutomationRule{
		Name:      name,
		Enabled:   enabled,
		Trigger:   trig,
		Action:    in.Action,
		UpdatedAt: now.UTC(),
	}, nil
}

func ruleFields(r models.AutomationRule, extra map[string]any) map[string]any {
	f := map[string]any{
		"rule_id": r.ID,
		"name":    r.Name,
		"trigger": r.Trigger.Type,
		"kind":    string(r.Action.Kind),
		"enabled": r.Enabled,
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}
