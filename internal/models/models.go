package models

import (
	"time"
)

// Template is the persisted copy of one provider template from the last
// successful catalog sync.
type Template struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_template_name_language" json:"name"`
	Language  string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_template_name_language" json:"language"`
	Category  string    `gorm:"type:varchar(100)" json:"category"`
	Status    string    `gorm:"type:varchar(50)" json:"status"`
	SyncedAt  time.Time `gorm:"not null" json:"synced_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Template) TableName() string {
	return "templates"
}

// DeliveryStatus is a provider status callback for an outbound message,
// kept for reconciliation against the send ledger.
type DeliveryStatus struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	MessageID   string    `gorm:"type:varchar(255);not null;index" json:"message_id"`
	RecipientID string    `gorm:"type:varchar(50);index" json:"recipient_id"`
	Status      string    `gorm:"type:varchar(20);not null" json:"status"`
	ErrorCode   int       `json:"error_code,omitempty"`
	ErrorTitle  string    `gorm:"type:text" json:"error_title,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (DeliveryStatus) TableName() string {
	return "delivery_statuses"
}

// MilestoneState records that a milestone fired. A row exists only for
// fired milestones; absence means pending.
type MilestoneState struct {
	Name        string    `gorm:"primaryKey;type:varchar(255)" json:"name"`
	CampaignKey string    `gorm:"type:varchar(255);not null" json:"campaign_key"`
	TriggerTime time.Time `gorm:"not null" json:"trigger_time"`
	FiredAt     time.Time `gorm:"not null" json:"fired_at"`
	RunID       string    `gorm:"type:varchar(36)" json:"run_id"`
}

func (MilestoneState) TableName() string {
	return "milestone_states"
}

// All lists every model owned by this module, for auto-migration.
func All() []any {
	return []any{
		&Template{},
		&DeliveryStatus{},
		&MilestoneState{},
	}
}
