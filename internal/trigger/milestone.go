package trigger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

type Kind string

const (
	// KindStart fires in the poll interval starting at the trigger time.
	KindStart Kind = "start"
	// KindReminder fires within the lead window ending at the trigger time.
	KindReminder Kind = "reminder"
)

// Milestone is a named broadcast tied to a wall-clock time. Definitions are
// configuration; whether a milestone fired is owned by the Scheduler.
type Milestone struct {
	Name        string                `yaml:"name" json:"name"`
	Kind        Kind                  `yaml:"kind" json:"kind"`
	TriggerTime time.Time             `yaml:"trigger_time" json:"trigger_time"`
	LeadWindow  time.Duration         `yaml:"lead_window,omitempty" json:"lead_window,omitempty"`
	Subject     string                `yaml:"subject" json:"subject"`
	Text        string                `yaml:"text" json:"text"`
	HTML        string                `yaml:"html,omitempty" json:"html,omitempty"`
	Template    *dispatch.TemplateRef `yaml:"template,omitempty" json:"template,omitempty"`
	Limit       int                   `yaml:"limit,omitempty" json:"limit,omitempty"`
	Target      Target                `yaml:"audience,omitempty" json:"audience,omitempty"`
}

// Target narrows a milestone to specific participant ids. Empty means every
// approved participant. In YAML it is either "all" or a list of ids.
type Target []string

func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if v := strings.TrimSpace(value.Value); v == "" || strings.EqualFold(v, "all") {
			*t = nil
			return nil
		}
		return fmt.Errorf("audience must be \"all\" or a list of ids, got %q", value.Value)
	case yaml.SequenceNode:
		var ids []string
		if err := value.Decode(&ids); err != nil {
			return err
		}
		out := make(Target, 0, len(ids))
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				return errors.New("audience ids must not be blank")
			}
			out = append(out, id)
		}
		*t = out
		return nil
	}
	return fmt.Errorf("audience must be \"all\" or a list of ids")
}

func (t Target) All() bool { return len(t) == 0 }

// Filter keeps the records whose id is targeted, in input order.
func (t Target) Filter(records []recipient.Record) []recipient.Record {
	if t.All() {
		return records
	}
	ids := make(map[string]struct{}, len(t))
	for _, id := range t {
		ids[id] = struct{}{}
	}
	out := make([]recipient.Record, 0, len(t))
	for _, rec := range records {
		if _, ok := ids[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// CampaignKey partitions the ledger for this milestone.
func (m Milestone) CampaignKey() string {
	return "milestone:" + m.Name
}

func (m Milestone) Message() dispatch.Message {
	return dispatch.Message{Subject: m.Subject, Text: m.Text, HTML: m.HTML, Template: m.Template}
}

// InWindow reports whether now falls in the firing window: [T, T+poll) for
// start milestones and (T-lead, T] for reminders.
func (m Milestone) InWindow(now time.Time, poll time.Duration) bool {
	switch m.Kind {
	case KindReminder:
		return now.After(m.TriggerTime.Add(-m.LeadWindow)) && !now.After(m.TriggerTime)
	default:
		return !now.Before(m.TriggerTime) && now.Before(m.TriggerTime.Add(poll))
	}
}

// WindowClosed reports whether the firing window lies entirely before now.
func (m Milestone) WindowClosed(now time.Time, poll time.Duration) bool {
	switch m.Kind {
	case KindReminder:
		return now.After(m.TriggerTime)
	default:
		return !now.Before(m.TriggerTime.Add(poll))
	}
}

func (m Milestone) validate() error {
	switch {
	case strings.TrimSpace(m.Name) == "":
		return errors.New("name is required")
	case m.TriggerTime.IsZero():
		return errors.New("trigger_time is required")
	case m.Kind != KindStart && m.Kind != KindReminder:
		return fmt.Errorf("unknown kind %q", m.Kind)
	case m.Kind == KindReminder && m.LeadWindow <= 0:
		return errors.New("reminder needs a positive lead_window")
	case m.Subject == "" && m.Text == "" && m.Template == nil:
		return errors.New("message content is required")
	}
	return nil
}

type milestoneFile struct {
	Milestones []Milestone `yaml:"milestones"`
}

// ParseMilestones decodes a YAML document with a top-level milestones list.
// A missing kind means start.
func ParseMilestones(data []byte) ([]Milestone, error) {
	var f milestoneFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("trigger: parse milestones: %w", err)
	}
	names := make(map[string]struct{}, len(f.Milestones))
	for i := range f.Milestones {
		m := &f.Milestones[i]
		if m.Kind == "" {
			m.Kind = KindStart
		}
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("trigger: milestone %d (%s): %w", i, m.Name, err)
		}
		if _, dup := names[m.Name]; dup {
			return nil, fmt.Errorf("trigger: duplicate milestone name %q", m.Name)
		}
		names[m.Name] = struct{}{}
	}
	return f.Milestones, nil
}

func LoadMilestones(path string) ([]Milestone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trigger: read milestones: %w", err)
	}
	return ParseMilestones(data)
}

// DefaultMilestones announces the event start and reminds participants one
// hour before it ends.
func DefaultMilestones(start, end time.Time) []Milestone {
	return []Milestone{
		{
			Name:        "event-start",
			Kind:        KindStart,
			TriggerTime: start,
			Subject:     "ArtIcon has started",
			Text:        "ArtIcon is live. Head to your station and have fun, {{.FirstName}}!",
		},
		{
			Name:        "one-hour-left",
			Kind:        KindReminder,
			TriggerTime: end,
			LeadWindow:  time.Hour,
			Subject:     "One hour left at ArtIcon",
			Text:        "One hour to go. Make sure your work is submitted before time runs out.",
		},
	}
}
