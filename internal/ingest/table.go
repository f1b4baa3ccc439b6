package ingest

import (
	"fmt"
	"io"
	"os"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

// Table is a parsed export whose header has been matched.
type Table struct {
	Header  Row
	Columns Columns
	Rows    []Row
}

// Load parses raw and matches its first row as the header. Ingestion fails
// before any row is returned when a required field has no column.
func Load(raw string, opts Options, aliases Aliases) (*Table, error) {
	rows := Parse(raw, opts)
	if len(rows) == 0 {
		// No header at all: report the first field as missing.
		return nil, apperr.Schema(string(RequiredFields[0]), nil)
	}
	cols, err := MatchHeader(rows[0], aliases)
	if err != nil {
		return nil, err
	}
	return &Table{
		Header:  rows[0],
		Columns: cols,
		Rows:    rows[1:],
	}, nil
}

// LoadReader reads everything from r and loads it.
func LoadReader(r io.Reader, opts Options, aliases Aliases) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: read input: %w", err)
	}
	return Load(string(raw), opts, aliases)
}

// LoadFile opens path and loads it.
func LoadFile(path string, opts Options, aliases Aliases) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadReader(f, opts, aliases)
}
