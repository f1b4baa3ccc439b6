package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"gorm.io/gorm"

	"github.com/making-something/articon-dispatch/internal/models"
)

const DefaultMaxPages = 50

var (
	ErrPageLimit  = errors.New("templates: page limit reached before the listing ended")
	ErrCursorLoop = errors.New("templates: provider repeated a cursor")
)

// SnapshotStore persists a catalog after a successful sync.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, records []Record, syncedAt time.Time) error
	LoadSnapshot(ctx context.Context) ([]Record, time.Time, error)
}

// Result describes a finished sync.
type Result struct {
	Pages     int       `json:"pages"`
	Templates int       `json:"templates"`
	Approved  int       `json:"approved"`
	SyncedAt  time.Time `json:"synced_at"`
}

type Syncer struct {
	Fetcher  Fetcher
	Catalog  *Catalog
	Store    SnapshotStore
	MaxPages int
	Logger   glog.Logger
	Now      func() time.Time

	mu sync.Mutex
}

func NewSyncer(fetcher Fetcher, catalog *Catalog, logger glog.Logger) *Syncer {
	return &Syncer{
		Fetcher:  fetcher,
		Catalog:  catalog,
		MaxPages: DefaultMaxPages,
		Logger:   glog.Ensure(logger),
		Now:      time.Now,
	}
}

// Sync follows cursors until none is returned and then replaces the catalog
// in one step. Any failure leaves the catalog as it was.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var (
		records []Record
		cursor  string
		seen    = map[string]struct{}{}
		res     Result
	)
	for {
		if res.Pages >= maxPages {
			return Result{}, fmt.Errorf("%w (%d pages)", ErrPageLimit, maxPages)
		}
		page, err := s.Fetcher.FetchTemplatePage(ctx, cursor)
		if err != nil {
			return Result{}, fmt.Errorf("templates: fetch page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		if page.Data == nil {
			break
		}
		records = append(records, page.Data...)
		if page.NextCursor == "" {
			break
		}
		if _, dup := seen[page.NextCursor]; dup {
			return Result{}, fmt.Errorf("%w: %q", ErrCursorLoop, page.NextCursor)
		}
		seen[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}

	res.SyncedAt = s.now()
	res.Templates = len(records)
	for _, r := range records {
		if r.Status == StatusApproved {
			res.Approved++
		}
	}

	if s.Store != nil {
		if err := s.Store.SaveSnapshot(ctx, records, res.SyncedAt); err != nil {
			return Result{}, fmt.Errorf("templates: save snapshot: %w", err)
		}
	}
	s.Catalog.Replace(records, res.SyncedAt)
	s.logger().Info("template catalog synced", "pages", res.Pages, "templates", res.Templates, "approved", res.Approved)
	return res, nil
}

// Restore loads the last persisted snapshot into the catalog.
func (s *Syncer) Restore(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	records, syncedAt, err := s.Store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	s.Catalog.Replace(records, syncedAt)
	return nil
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Syncer) logger() glog.Logger {
	return glog.Ensure(s.Logger)
}

// GormStore keeps the snapshot in the templates table.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (g *GormStore) SaveSnapshot(ctx context.Context, records []Record, syncedAt time.Time) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Template{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]models.Template, 0, len(records))
		seen := make(map[string]struct{}, len(records))
		for _, r := range records {
			k := key(r.Name, r.Language)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			rows = append(rows, models.Template{
				Name:     r.Name,
				Language: r.Language,
				Category: r.Category,
				Status:   r.Status,
				SyncedAt: syncedAt,
			})
		}
		return tx.CreateInBatches(rows, 100).Error
	})
}

func (g *GormStore) LoadSnapshot(ctx context.Context) ([]Record, time.Time, error) {
	var rows []models.Template
	if err := g.DB.WithContext(ctx).Order("name asc, language asc").Find(&rows).Error; err != nil {
		return nil, time.Time{}, err
	}
	var syncedAt time.Time
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{Name: row.Name, Status: row.Status, Language: row.Language, Category: row.Category})
		if row.SyncedAt.After(syncedAt) {
			syncedAt = row.SyncedAt
		}
	}
	return records, syncedAt, nil
}
