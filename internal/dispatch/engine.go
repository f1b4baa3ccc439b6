// Package dispatch delivers a campaign to a candidate set at most once per
// recipient, committing every successful send to the ledger as it happens.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/ledger"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

// Transport delivers one envelope. Errors are per recipient; a throttled
// delivery should return an apperr Transport error carrying the provider's
// retry-after hint.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) error

func (f TransportFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }

// TemplateGate reports whether a provider template may be used.
type TemplateGate interface {
	Approved(name, language string) bool
}

// ErrTemplateNotApproved refuses a run whose provider template is not in
// the approved catalog.
var ErrTemplateNotApproved = errors.New("dispatch: template is not approved")

// Request describes one run. Candidates are processed in order; Limit caps
// the number of attempted sends, zero meaning no cap.
type Request struct {
	CampaignKey string
	Message     Message
	Candidates  []recipient.Record
	Limit       int
	DryRun      bool
}

// Report is the count summary every run ends with.
type Report struct {
	RunID         uuid.UUID `json:"run_id"`
	CampaignKey   string    `json:"campaign_key"`
	Approved      int       `json:"approved"`
	AlreadySent   int       `json:"already_sent"`
	Attempted     int       `json:"attempted"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	PersistFailed int       `json:"persist_failed"`
	Invalid       int       `json:"invalid"`
	DryRun        bool      `json:"dry_run"`
	NothingToSend bool      `json:"nothing_to_send"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

func (r Report) String() string {
	return fmt.Sprintf("campaign=%s approved=%d already_sent=%d attempted=%d succeeded=%d failed=%d persist_failed=%d invalid=%d dry_run=%t",
		r.CampaignKey, r.Approved, r.AlreadySent, r.Attempted, r.Succeeded, r.Failed, r.PersistFailed, r.Invalid, r.DryRun)
}

// Event is a progress notification emitted while a run executes.
type Event struct {
	Type        string  `json:"type"`
	RunID       string  `json:"run_id"`
	CampaignKey string  `json:"campaign_key"`
	RecipientID string  `json:"recipient_id,omitempty"`
	Address     string  `json:"address,omitempty"`
	Error       string  `json:"error,omitempty"`
	Report      *Report `json:"report,omitempty"`
}

const (
	EventStarted  = "dispatch.started"
	EventSent     = "dispatch.sent"
	EventSkipped  = "dispatch.skipped"
	EventFailed   = "dispatch.failed"
	EventFinished = "dispatch.finished"
)

// Observer receives progress events. Implementations must not block.
type Observer interface {
	Publish(Event)
}

const defaultMaxRetryAfter = 30 * time.Second

type Engine struct {
	Ledger    *ledger.Ledger
	Transport Transport
	Limiter   *rate.Limiter
	Templates TemplateGate
	Observer  Observer
	Logger    glog.Logger
	Now       func() time.Time
	// MaxRetryAfter caps how long a throttled send waits before its single
	// retry. Longer hints fail the recipient instead.
	MaxRetryAfter time.Duration

	sleep func(context.Context, time.Duration) error
}

func NewEngine(l *ledger.Ledger, transport Transport, logger glog.Logger) *Engine {
	return &Engine{
		Ledger:        l,
		Transport:     transport,
		Logger:        glog.Ensure(logger),
		Now:           time.Now,
		MaxRetryAfter: defaultMaxRetryAfter,
	}
}

// Dispatch runs req to completion. It returns an error only when the run
// cannot start: an unreadable ledger, an unapproved template or a message
// that does not parse. Per-recipient failures are counted in the report.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Report, error) {
	// A started run always completes its candidate list.
	ctx = context.WithoutCancel(ctx)

	report := Report{
		RunID:       uuid.New(),
		CampaignKey: req.CampaignKey,
		DryRun:      req.DryRun,
		StartedAt:   e.now(),
	}
	log := e.logger()

	if req.CampaignKey == "" {
		return report, apperr.Config("dispatch: campaign key is required")
	}
	if tpl := req.Message.Template; tpl != nil && e.Templates != nil && !e.Templates.Approved(tpl.Name, tpl.Language) {
		return report, fmt.Errorf("%w: %s (%s)", ErrTemplateNotApproved, tpl.Name, tpl.Language)
	}
	renderer, err := NewRenderer(req.CampaignKey, req.Message)
	if err != nil {
		return report, err
	}
	if err := e.Ledger.Load(ctx, req.CampaignKey); err != nil {
		log.Error("ledger load failed, run halted", "campaign", req.CampaignKey, "error", err)
		return report, err
	}

	pending := make([]recipient.Record, 0, len(req.Candidates))
	for _, rec := range req.Candidates {
		if rec.ApprovalState != recipient.StateApproved {
			continue
		}
		report.Approved++
		// Nothing is sent that the ledger could not record.
		if err := e.entry(req.CampaignKey, rec).Validate(); err != nil {
			report.Invalid++
			log.Warn("recipient skipped, cannot be recorded", "campaign", req.CampaignKey, "recipient", rec.ID, "address", rec.ContactAddress, "error", err)
			continue
		}
		if e.Ledger.HasSent(rec.ID, req.CampaignKey) || e.Ledger.HasSentToAddress(rec.ContactAddress, req.CampaignKey) {
			report.AlreadySent++
			continue
		}
		pending = append(pending, rec)
	}

	if len(pending) == 0 {
		report.NothingToSend = true
		report.FinishedAt = e.now()
		log.Info("nothing to send", "campaign", req.CampaignKey, "approved", report.Approved, "already_sent", report.AlreadySent)
		e.publish(Event{Type: EventFinished, RunID: report.RunID.String(), CampaignKey: req.CampaignKey, Report: &report})
		return report, nil
	}

	log.Info("dispatch started",
		"run", report.RunID,
		"campaign", req.CampaignKey,
		"pending", len(pending),
		"limit", req.Limit,
		"dry_run", req.DryRun,
	)
	e.publish(Event{Type: EventStarted, RunID: report.RunID.String(), CampaignKey: req.CampaignKey})

	var (
		previewIDs       map[string]struct{}
		previewAddresses map[string]struct{}
	)
	if req.DryRun {
		previewIDs = make(map[string]struct{}, len(pending))
		previewAddresses = make(map[string]struct{}, len(pending))
	}

	for _, rec := range pending {
		if req.Limit > 0 && report.Attempted >= req.Limit {
			break
		}

		if req.DryRun {
			_, seenID := previewIDs[rec.ID]
			_, seenAddress := previewAddresses[rec.ContactAddress]
			if seenID || seenAddress {
				report.AlreadySent++
				continue
			}
			previewIDs[rec.ID] = struct{}{}
			previewAddresses[rec.ContactAddress] = struct{}{}
			report.Attempted++
			log.Info("dry run: would send", "campaign", req.CampaignKey, "recipient", rec.ID, "name", rec.DisplayName, "address", rec.ContactAddress)
			continue
		}

		switch e.Ledger.Reserve(rec.ID, rec.ContactAddress, req.CampaignKey) {
		case ledger.AlreadySent:
			// A duplicate address earlier in this run, or a concurrent run.
			report.AlreadySent++
			e.publish(Event{Type: EventSkipped, RunID: report.RunID.String(), CampaignKey: req.CampaignKey, RecipientID: rec.ID, Address: rec.ContactAddress})
			continue
		case ledger.InFlight:
			report.AlreadySent++
			log.Debug("recipient in flight elsewhere", "campaign", req.CampaignKey, "recipient", rec.ID)
			continue
		}

		report.Attempted++
		if err := e.deliver(ctx, renderer, rec); err != nil {
			e.Ledger.Release(rec.ID, rec.ContactAddress, req.CampaignKey)
			report.Failed++
			log.Error("send failed", "campaign", req.CampaignKey, "recipient", rec.ID, "address", rec.ContactAddress, "error", err)
			e.publish(Event{Type: EventFailed, RunID: report.RunID.String(), CampaignKey: req.CampaignKey, RecipientID: rec.ID, Address: rec.ContactAddress, Error: err.Error()})
			continue
		}

		report.Succeeded++
		if err := e.Ledger.Record(ctx, e.entry(req.CampaignKey, rec)); err != nil {
			report.PersistFailed++
			log.Error("sent but not recorded", "campaign", req.CampaignKey, "recipient", rec.ID, "error", err)
		}
		e.publish(Event{Type: EventSent, RunID: report.RunID.String(), CampaignKey: req.CampaignKey, RecipientID: rec.ID, Address: rec.ContactAddress})
	}

	report.FinishedAt = e.now()
	log.Info("dispatch finished",
		"run", report.RunID,
		"campaign", req.CampaignKey,
		"approved", report.Approved,
		"already_sent", report.AlreadySent,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"persist_failed", report.PersistFailed,
		"invalid", report.Invalid,
	)
	e.publish(Event{Type: EventFinished, RunID: report.RunID.String(), CampaignKey: req.CampaignKey, Report: &report})
	return report, nil
}

func (e *Engine) entry(campaignKey string, rec recipient.Record) ledger.Entry {
	return ledger.Entry{
		RecipientID:    rec.ID,
		ContactAddress: rec.ContactAddress,
		CampaignKey:    campaignKey,
		SentAt:         e.now().UTC(),
	}
}

func (e *Engine) deliver(ctx context.Context, renderer *Renderer, rec recipient.Record) error {
	env, err := renderer.Render(rec)
	if err != nil {
		return err
	}
	err = e.send(ctx, env)
	if err == nil {
		return nil
	}
	wait := apperr.RetryAfter(err)
	if wait <= 0 || wait > e.maxRetryAfter() {
		return err
	}
	e.logger().Warn("throttled, retrying once", "recipient", rec.ID, "retry_after", wait)
	if err := e.pause(ctx, wait); err != nil {
		return err
	}
	return e.send(ctx, env)
}

func (e *Engine) send(ctx context.Context, env Envelope) error {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return e.Transport.Send(ctx, env)
}

func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) maxRetryAfter() time.Duration {
	if e.MaxRetryAfter <= 0 {
		return defaultMaxRetryAfter
	}
	return e.MaxRetryAfter
}

func (e *Engine) publish(ev Event) {
	if e.Observer != nil {
		e.Observer.Publish(ev)
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) logger() glog.Logger {
	return glog.Ensure(e.Logger)
}
