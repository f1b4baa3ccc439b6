package webhook

import (
	"context"
	"strconv"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"gorm.io/gorm"

	dbmodels "github.com/making-something/articon-dispatch/internal/models"
	"github.com/making-something/articon-dispatch/internal/templates"
	"github.com/making-something/articon-dispatch/pkg/models"
)

// StatusRecorder stores delivery status callbacks.
type StatusRecorder struct {
	DB *gorm.DB
}

func NewStatusRecorder(db *gorm.DB) *StatusRecorder {
	return &StatusRecorder{DB: db}
}

func (s *StatusRecorder) HandleChange(ctx context.Context, change models.Change) error {
	if change.Field != models.FieldMessages || len(change.Value.Statuses) == 0 {
		return nil
	}
	rows := make([]dbmodels.DeliveryStatus, 0, len(change.Value.Statuses))
	for _, st := range change.Value.Statuses {
		row := dbmodels.DeliveryStatus{
			MessageID:   st.ID,
			RecipientID: st.RecipientId,
			Status:      st.Status,
			OccurredAt:  unixTimestamp(st.Timestamp),
		}
		if len(st.Errors) > 0 {
			row.ErrorCode = st.Errors[0].Code
			row.ErrorTitle = st.Errors[0].Title
		}
		rows = append(rows, row)
	}
	return s.DB.WithContext(ctx).Create(&rows).Error
}

// Statuses returns the recorded callbacks for a provider message id.
func (s *StatusRecorder) Statuses(ctx context.Context, messageID string) ([]dbmodels.DeliveryStatus, error) {
	var rows []dbmodels.DeliveryStatus
	err := s.DB.WithContext(ctx).Where("message_id = ?", messageID).Order("occurred_at, id").Find(&rows).Error
	return rows, err
}

func unixTimestamp(v string) time.Time {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// TemplateResync refreshes the template catalog whenever the provider
// reports a template status change. The sync runs in the background so the
// webhook answers immediately.
type TemplateResync struct {
	Syncer interface {
		Sync(ctx context.Context) (templates.Result, error)
	}
	Logger glog.Logger

	// done is signalled after each background sync; tests only.
	done chan struct{}
}

func (t *TemplateResync) HandleChange(ctx context.Context, change models.Change) error {
	if change.Field != models.FieldMessageTemplateStatusUpdate {
		return nil
	}
	log := glog.Ensure(t.Logger)
	log.Info("template status changed",
		"template", change.Value.MessageTemplateName,
		"language", change.Value.MessageTemplateLanguage,
		"event", change.Value.Event,
		"reason", change.Value.Reason,
	)
	go func() {
		defer t.signal()
		res, err := t.Syncer.Sync(context.WithoutCancel(ctx))
		if err != nil {
			log.Error("template resync failed", "error", err)
			return
		}
		log.Info("template resync complete", "templates", res.Templates, "approved", res.Approved, "pages", res.Pages)
	}()
	return nil
}

func (t *TemplateResync) signal() {
	if t.done != nil {
		t.done <- struct{}{}
	}
}

// MessageLogger logs inbound user messages. They are not otherwise handled.
func MessageLogger(logger glog.Logger) Subscriber {
	log := glog.Ensure(logger)
	return SubscriberFunc(func(_ context.Context, change models.Change) error {
		for _, m := range change.Value.Messages {
			switch m.Type {
			case "text":
				log.Info("Received text message", "from", m.From, "id", m.ID, "body", m.Text.Body)
			default:
				log.Info("Received message", "type", m.Type, "from", m.From, "id", m.ID)
			}
		}
		return nil
	})
}
