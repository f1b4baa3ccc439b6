package trigger

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/making-something/articon-dispatch/internal/models"
)

// FiredState records a milestone that fired.
type FiredState struct {
	Name        string
	CampaignKey string
	TriggerTime time.Time
	FiredAt     time.Time
	RunID       string
}

// StateStore persists fired milestones so a restart does not fire them
// again.
type StateStore interface {
	LoadFired(ctx context.Context) (map[string]FiredState, error)
	MarkFired(ctx context.Context, state FiredState) error
}

type MemoryStateStore struct {
	mu    sync.Mutex
	fired map[string]FiredState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{fired: make(map[string]FiredState)}
}

func (s *MemoryStateStore) LoadFired(context.Context) (map[string]FiredState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]FiredState, len(s.fired))
	for k, v := range s.fired {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStateStore) MarkFired(_ context.Context, state FiredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired == nil {
		s.fired = make(map[string]FiredState)
	}
	s.fired[state.Name] = state
	return nil
}

// GormStateStore keeps fired milestones in the milestone_states table.
type GormStateStore struct {
	DB *gorm.DB
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{DB: db}
}

func (s *GormStateStore) LoadFired(ctx context.Context) (map[string]FiredState, error) {
	var rows []models.MilestoneState
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]FiredState, len(rows))
	for _, r := range rows {
		out[r.Name] = FiredState{
			Name:        r.Name,
			CampaignKey: r.CampaignKey,
			TriggerTime: r.TriggerTime,
			FiredAt:     r.FiredAt,
			RunID:       r.RunID,
		}
	}
	return out, nil
}

// MarkFired keeps the first firing if the row already exists.
func (s *GormStateStore) MarkFired(ctx context.Context, state FiredState) error {
	row := models.MilestoneState{
		Name:        state.Name,
		CampaignKey: state.CampaignKey,
		TriggerTime: state.TriggerTime,
		FiredAt:     state.FiredAt,
		RunID:       state.RunID,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}
