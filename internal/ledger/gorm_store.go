package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

// GormStore keeps the ledger in the send_ledger_entries table. The two
// unique indexes back the in-memory ones across processes.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(&Entry{})
}

func (s *GormStore) Load(ctx context.Context, campaignKey string) ([]Entry, error) {
	var entries []Entry
	err := s.DB.WithContext(ctx).
		Where("campaign_key = ?", campaignKey).
		Order("sent_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, apperr.CorruptLedger(err, Entry{}.TableName())
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, apperr.CorruptLedger(err, fmt.Sprintf("%s:%s", Entry{}.TableName(), e.ID))
		}
	}
	return entries, nil
}

func (s *GormStore) Append(ctx context.Context, entry Entry) error {
	return s.DB.WithContext(ctx).Create(&entry).Error
}

// Import inserts entries that are not already present and returns how many
// rows were written. Conflicts on either unique index are skipped.
func (s *GormStore) Import(ctx context.Context, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	var written int64
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return written, apperr.CorruptLedger(err, e.ID.String())
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if res.Error != nil {
			return written, res.Error
		}
		written += res.RowsAffected
	}
	return written, nil
}
