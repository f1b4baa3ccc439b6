// Package trigger fires milestone broadcasts when the wall clock enters
// their window. A milestone fires at most once; a window missed while the
// process was down is not caught up.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"

	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

const DefaultPollInterval = time.Minute

// Dispatcher runs a campaign; *dispatch.Engine satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Report, error)
}

// Audience resolves the candidates for a firing milestone.
type Audience interface {
	ResolveDirectory(ctx context.Context, dir recipient.Directory) (recipient.Resolution, error)
}

type State string

const (
	StatePending State = "pending"
	StateFired   State = "fired"
	StateMissed  State = "missed"
)

// MilestoneStatus is the externally visible state of one milestone.
type MilestoneStatus struct {
	Milestone   Milestone  `json:"milestone"`
	CampaignKey string     `json:"campaign_key"`
	State       State      `json:"state"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
}

type Scheduler struct {
	Milestones   []Milestone
	Dispatcher   Dispatcher
	Directory    recipient.Directory
	Audience     Audience
	States       StateStore
	PollInterval time.Duration
	Logger       glog.Logger
	Now          func() time.Time

	mu     sync.Mutex
	fired  map[string]FiredState
	firing map[string]bool
	loaded bool
	cron   *cron.Cron
}

func NewScheduler(milestones []Milestone, dispatcher Dispatcher, dir recipient.Directory, audience Audience, states StateStore, logger glog.Logger) *Scheduler {
	if states == nil {
		states = NewMemoryStateStore()
	}
	return &Scheduler{
		Milestones:   milestones,
		Dispatcher:   dispatcher,
		Directory:    dir,
		Audience:     audience,
		States:       states,
		PollInterval: DefaultPollInterval,
		Logger:       glog.Ensure(logger),
		Now:          time.Now,
		fired:        make(map[string]FiredState),
		firing:       make(map[string]bool),
	}
}

// Load reads fired state from the store. Start calls it; tests driving Tick
// directly may call it themselves.
func (s *Scheduler) Load(ctx context.Context) error {
	fired, err := s.States.LoadFired(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load fired milestones: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range fired {
		s.fired[name] = st
	}
	s.loaded = true
	return nil
}

// Start loads fired state and polls every PollInterval until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	cl := cronLogger{s.logger()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	schedule := "@every " + s.poll().String()
	if _, err := s.cron.AddFunc(schedule, func() { s.Tick(ctx, s.now()) }); err != nil {
		return fmt.Errorf("trigger: schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger().Info("milestone scheduler started", "milestones", len(s.Milestones), "poll", s.poll())
	return nil
}

// Stop halts polling and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Tick evaluates every milestone against now and fires those that are
// pending and in window. It returns the reports of the runs it started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []dispatch.Report {
	if !s.isLoaded() {
		if err := s.Load(ctx); err != nil {
			s.logger().Error("tick skipped", "error", err)
			return nil
		}
	}

	var reports []dispatch.Report
	for _, m := range s.Milestones {
		if !m.InWindow(now, s.poll()) || !s.begin(m.Name) {
			continue
		}
		report, err := s.fire(ctx, m, now)
		if err != nil {
			s.abort(m.Name)
			s.logger().Error("milestone dispatch failed, will retry while in window", "milestone", m.Name, "error", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports
}

func (s *Scheduler) fire(ctx context.Context, m Milestone, now time.Time) (dispatch.Report, error) {
	res, err := s.Audience.ResolveDirectory(ctx, s.Directory)
	if err != nil {
		return dispatch.Report{}, err
	}
	candidates := m.Target.Filter(res.Candidates)
	s.logger().Info("milestone firing",
		"milestone", m.Name,
		"trigger_time", m.TriggerTime.Format(time.RFC3339),
		"targeted", len(m.Target),
		"candidates", len(candidates),
	)

	report, err := s.Dispatcher.Dispatch(ctx, dispatch.Request{
		CampaignKey: m.CampaignKey(),
		Message:     m.Message(),
		Candidates:  candidates,
		Limit:       m.Limit,
	})
	if err != nil {
		return report, err
	}

	state := FiredState{
		Name:        m.Name,
		CampaignKey: m.CampaignKey(),
		TriggerTime: m.TriggerTime,
		FiredAt:     now,
		RunID:       report.RunID.String(),
	}
	if err := s.States.MarkFired(ctx, state); err != nil {
		// Still latched in memory; the ledger keeps a refire after restart
		// from reaching anyone twice.
		s.logger().Error("milestone fired but state not persisted", "milestone", m.Name, "error", err)
	}
	s.commit(state)
	return report, nil
}

// begin latches the milestone as firing, returning false if it already
// fired or is firing.
func (s *Scheduler) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.fired[name]; done || s.firing[name] {
		return false
	}
	s.firing[name] = true
	return true
}

func (s *Scheduler) abort(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firing, name)
}

func (s *Scheduler) commit(state FiredState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firing, state.Name)
	s.fired[state.Name] = state
}

// Status reports every milestone as pending, fired or missed at now.
func (s *Scheduler) Status(now time.Time) []MilestoneStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MilestoneStatus, 0, len(s.Milestones))
	for _, m := range s.Milestones {
		st := MilestoneStatus{Milestone: m, CampaignKey: m.CampaignKey(), State: StatePending}
		if f, ok := s.fired[m.Name]; ok {
			firedAt := f.FiredAt
			st.State = StateFired
			st.FiredAt = &firedAt
		} else if m.WindowClosed(now, s.poll()) {
			st.State = StateMissed
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Scheduler) poll() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Scheduler) logger() glog.Logger {
	return glog.Ensure(s.Logger)
}

// cronLogger adapts glog to cron.Logger.
type cronLogger struct {
	log glog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
