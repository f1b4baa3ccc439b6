// Package templates keeps the catalog of provider message templates and
// refreshes it by following the provider's paginated listing.
package templates

import (
	"strings"
	"sync/atomic"
	"time"
)

const StatusApproved = "APPROVED"

// Record is one provider template.
type Record struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Language string `json:"language"`
	Category string `json:"category"`
}

// Snapshot is an immutable catalog state.
type Snapshot struct {
	Records  []Record  `json:"data"`
	SyncedAt time.Time `json:"synced_at"`
	byKey    map[string]Record
}

func newSnapshot(records []Record, syncedAt time.Time) *Snapshot {
	s := &Snapshot{
		Records:  append([]Record(nil), records...),
		SyncedAt: syncedAt,
		byKey:    make(map[string]Record, len(records)),
	}
	for _, r := range s.Records {
		s.byKey[key(r.Name, r.Language)] = r
	}
	return s
}

func key(name, language string) string {
	return strings.ToLower(name) + "\x00" + strings.ToLower(language)
}

// Catalog is safe for concurrent use. Replace swaps the whole snapshot, so a
// reader sees either the old or the new catalog, never a mix.
type Catalog struct {
	current atomic.Pointer[Snapshot]
}

func NewCatalog() *Catalog {
	c := &Catalog{}
	c.current.Store(newSnapshot(nil, time.Time{}))
	return c
}

func (c *Catalog) Replace(records []Record, syncedAt time.Time) {
	c.current.Store(newSnapshot(records, syncedAt))
}

func (c *Catalog) Snapshot() *Snapshot {
	if s := c.current.Load(); s != nil {
		return s
	}
	return newSnapshot(nil, time.Time{})
}

// Approved reports whether the template is approved. An empty language
// matches any language.
func (c *Catalog) Approved(name, language string) bool {
	snap := c.Snapshot()
	if language != "" {
		r, ok := snap.byKey[key(name, language)]
		return ok && strings.EqualFold(r.Status, StatusApproved)
	}
	for _, r := range snap.Records {
		if strings.EqualFold(r.Name, name) && strings.EqualFold(r.Status, StatusApproved) {
			return true
		}
	}
	return false
}

// Missing returns the names, in order, that have no approved template.
func (c *Catalog) Missing(names []string) []string {
	var missing []string
	for _, n := range names {
		if !c.Approved(n, "") {
			missing = append(missing, n)
		}
	}
	return missing
}
