package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

// ErrAlreadyRecorded is returned by Record when the recipient or the address
// already has an entry for the campaign.
var ErrAlreadyRecorded = errors.New("ledger: entry already recorded for campaign")

// Claim is the outcome of Reserve.
type Claim int

const (
	Claimed Claim = iota
	AlreadySent
	InFlight
)

func (c Claim) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadySent:
		return "already_sent"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Ledger is the in-memory view of a Store, indexed by recipient id and by
// contact address per campaign. All reads and writes of one campaign are
// serialized; different campaigns never contend.
type Ledger struct {
	Store  Store
	Logger glog.Logger
	Now    func() time.Time

	mu        sync.Mutex
	campaigns map[string]*campaign
}

type campaign struct {
	mu         sync.Mutex
	byID       map[string]struct{}
	byAddress  map[string]struct{}
	idInFlight map[string]struct{}
	adInFlight map[string]struct{}
}

func newCampaign() *campaign {
	return &campaign{
		byID:       make(map[string]struct{}),
		byAddress:  make(map[string]struct{}),
		idInFlight: make(map[string]struct{}),
		adInFlight: make(map[string]struct{}),
	}
}

func (c *campaign) add(e Entry) {
	c.byID[e.RecipientID] = struct{}{}
	c.byAddress[e.ContactAddress] = struct{}{}
}

func (c *campaign) sent(recipientID, address string) bool {
	_, byID := c.byID[recipientID]
	_, byAddress := c.byAddress[address]
	return byID || byAddress
}

func (c *campaign) release(recipientID, address string) {
	delete(c.idInFlight, recipientID)
	delete(c.adInFlight, address)
}

func New(store Store, logger glog.Logger) *Ledger {
	return &Ledger{
		Store:     store,
		Logger:    glog.Ensure(logger),
		Now:       time.Now,
		campaigns: make(map[string]*campaign),
	}
}

func (l *Ledger) forCampaign(key string) *campaign {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.campaigns == nil {
		l.campaigns = make(map[string]*campaign)
	}
	c, ok := l.campaigns[key]
	if !ok {
		c = newCampaign()
		l.campaigns[key] = c
	}
	return c
}

// Load merges the stored entries of the campaign into both indices. The
// campaign stays locked for the whole read so a concurrent Record cannot
// slip between the read and the merge. Entries are never removed, so
// anything already indexed, including deliveries that failed to persist,
// survives a reload. On failure the indices are left as they were and the
// error, a CorruptLedger error for unreadable storage, must stop the run.
func (l *Ledger) Load(ctx context.Context, campaignKey string) error {
	c := l.forCampaign(campaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := l.Store.Load(ctx, campaignKey)
	if err != nil {
		if !apperr.IsCorruptLedger(err) {
			err = apperr.CorruptLedger(err, campaignKey)
		}
		return err
	}
	for _, e := range entries {
		c.add(e)
	}
	l.logger().Debug("ledger loaded", "campaign", campaignKey, "entries", len(entries), "indexed", len(c.byID))
	return nil
}

func (l *Ledger) HasSent(recipientID, campaignKey string) bool {
	c := l.forCampaign(campaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byID[recipientID]
	return ok
}

func (l *Ledger) HasSentToAddress(address, campaignKey string) bool {
	c := l.forCampaign(campaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byAddress[address]
	return ok
}

// Reserve claims the recipient and the address for an in-flight send. A
// Claimed result must be followed by Record or Release.
func (l *Ledger) Reserve(recipientID, address, campaignKey string) Claim {
	c := l.forCampaign(campaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent(recipientID, address) {
		return AlreadySent
	}
	_, idBusy := c.idInFlight[recipientID]
	_, addrBusy := c.adInFlight[address]
	if idBusy || addrBusy {
		return InFlight
	}
	c.idInFlight[recipientID] = struct{}{}
	c.adInFlight[address] = struct{}{}
	return Claimed
}

// Release drops a reservation after a failed send.
func (l *Ledger) Release(recipientID, address, campaignKey string) {
	c := l.forCampaign(campaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(recipientID, address)
}

// Record appends the entry and persists it before returning. The entry is
// indexed even when the store fails, since the message was already
// delivered; the returned Persistence error is for reconciliation.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = l.now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	c := l.forCampaign(entry.CampaignKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.release(entry.RecipientID, entry.ContactAddress)

	if c.sent(entry.RecipientID, entry.ContactAddress) {
		return ErrAlreadyRecorded
	}
	c.add(entry)

	if err := l.Store.Append(ctx, entry); err != nil {
		l.logger().Error("ledger append failed, reconcile manually",
			"campaign", entry.CampaignKey,
			"recipient", entry.RecipientID,
			"address", entry.ContactAddress,
			"sent_at", entry.SentAt.Format(time.RFC3339),
			"error", err,
		)
		return apperr.Persistence(err, entry.RecipientID, entry.CampaignKey)
	}
	return nil
}

// Status reads the campaign straight from the store so it reflects sends
// made by other processes.
func (l *Ledger) Status(ctx context.Context, campaignKey string) (Status, error) {
	entries, err := l.Store.Load(ctx, campaignKey)
	if err != nil {
		return Status{}, err
	}
	st := Status{CampaignKey: campaignKey, Sent: len(entries)}
	for _, e := range entries {
		if st.LastSentAt == nil || e.SentAt.After(*st.LastSentAt) {
			sentAt := e.SentAt
			st.LastSentAt = &sentAt
		}
	}
	return st, nil
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Ledger) logger() glog.Logger {
	return glog.Ensure(l.Logger)
}
