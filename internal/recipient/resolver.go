package recipient

import (
	"context"
	"strings"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/ingest"
)

// Resolution is the outcome of resolving a roster.
type Resolution struct {
	// Candidates are approved records with a valid address, in input order.
	Candidates []Record
	// Total counts every record considered.
	Total int
	// InvalidAddress counts records dropped for an implausible address.
	InvalidAddress int
	// NotApproved counts records dropped for their approval state.
	NotApproved int
	// MissingID counts records dropped because they have no id to record
	// a delivery against.
	MissingID int
}

type Resolver struct {
	Channel Channel
	Logger  glog.Logger
}

func NewResolver(channel Channel, logger glog.Logger) *Resolver {
	return &Resolver{Channel: channel, Logger: glog.Ensure(logger)}
}

// FromTable maps table rows to records without filtering. Addresses are
// only trimmed here; Resolve validates and normalizes them.
func (r *Resolver) FromTable(table *ingest.Table) []Record {
	records := make([]Record, 0, len(table.Rows))
	for _, row := range table.Rows {
		records = append(records, Record{
			ID:             table.Columns.Cell(row, ingest.FieldID),
			DisplayName:    table.Columns.Cell(row, ingest.FieldName),
			ContactAddress: table.Columns.Cell(row, ingest.FieldContact),
			ApprovalState:  ParseApprovalState(table.Columns.Cell(row, ingest.FieldApproval)),
		})
	}
	return records
}

// Resolve keeps approved records that carry an id and an address valid for
// the channel, and normalizes the address of each candidate. Records sharing an address are
// all kept; the send ledger decides which one is delivered.
func (r *Resolver) Resolve(records []Record) Resolution {
	res := Resolution{Total: len(records)}
	for _, rec := range records {
		if !r.Channel.ValidAddress(rec.ContactAddress) {
			res.InvalidAddress++
			continue
		}
		if rec.ApprovalState != StateApproved {
			res.NotApproved++
			continue
		}
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" {
			res.MissingID++
			r.logger().Warn("approved participant without id skipped", "address", rec.ContactAddress)
			continue
		}
		rec.ContactAddress = r.Channel.NormalizeAddress(rec.ContactAddress)
		res.Candidates = append(res.Candidates, rec)
	}
	r.logger().Debug("resolved recipients",
		"channel", r.Channel,
		"total", res.Total,
		"candidates", len(res.Candidates),
		"invalid_address", res.InvalidAddress,
		"not_approved", res.NotApproved,
		"missing_id", res.MissingID,
	)
	return res
}

// ResolveDirectory loads the full roster and resolves it.
func (r *Resolver) ResolveDirectory(ctx context.Context, dir Directory) (Resolution, error) {
	records, err := dir.Recipients(ctx)
	if err != nil {
		return Resolution{}, err
	}
	return r.Resolve(records), nil
}

func (r *Resolver) logger() glog.Logger {
	return glog.Ensure(r.Logger)
}
