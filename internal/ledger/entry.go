// Package ledger records which recipients already received a campaign so a
// broadcast is delivered at most once per recipient and per address.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one successful delivery. Entries are never updated or removed.
type Entry struct {
	ID             uuid.UUID `json:"id" gorm:"type:varchar(36);primaryKey"`
	RecipientID    string    `json:"recipient_id" gorm:"size:191;not null;uniqueIndex:idx_ledger_recipient_campaign"`
	ContactAddress string    `json:"contact_address" gorm:"size:191;not null;uniqueIndex:idx_ledger_address_campaign"`
	CampaignKey    string    `json:"campaign_key" gorm:"size:191;not null;uniqueIndex:idx_ledger_recipient_campaign;uniqueIndex:idx_ledger_address_campaign"`
	SentAt         time.Time `json:"sent_at" gorm:"not null"`
}

func (Entry) TableName() string {
	return "send_ledger_entries"
}

// Validate reports the first missing field of an entry.
func (e Entry) Validate() error {
	switch {
	case strings.TrimSpace(e.RecipientID) == "":
		return errors.New("recipient id is required")
	case strings.TrimSpace(e.ContactAddress) == "":
		return errors.New("contact address is required")
	case strings.TrimSpace(e.CampaignKey) == "":
		return errors.New("campaign key is required")
	case e.SentAt.IsZero():
		return errors.New("sent at is required")
	}
	return nil
}

// Store is the durable side of the ledger. Load must return every entry of
// the campaign or an error; a partial read is never acceptable.
type Store interface {
	Load(ctx context.Context, campaignKey string) ([]Entry, error)
	Append(ctx context.Context, entry Entry) error
}

// Status summarizes a campaign for the command surface.
type Status struct {
	CampaignKey string     `json:"campaign_key"`
	Sent        int        `json:"sent"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`
}
