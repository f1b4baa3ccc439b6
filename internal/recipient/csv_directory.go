package recipient

import (
	"context"

	"github.com/making-something/articon-dispatch/internal/ingest"
)

// CSVDirectory serves the roster from a delimited export on disk. The file is
// re-read on every call so a replaced export is picked up by the next run.
type CSVDirectory struct {
	Path    string
	Channel Channel
	Options ingest.Options
}

func NewCSVDirectory(path string, channel Channel) *CSVDirectory {
	return &CSVDirectory{Path: path, Channel: channel}
}

func (d *CSVDirectory) Recipients(_ context.Context) ([]Record, error) {
	table, err := ingest.LoadFile(d.Path, d.Options, d.Channel.Aliases())
	if err != nil {
		return nil, err
	}
	return NewResolver(d.Channel, nil).FromTable(table), nil
}

// StaticDirectory serves a fixed roster.
type StaticDirectory []Record

func (d StaticDirectory) Recipients(context.Context) ([]Record, error) {
	out := make([]Record, len(d))
	copy(out, d)
	return out, nil
}
