// Package ingest turns delimited participant exports into rows of cells and
// maps their header onto the logical fields a dispatch run needs.
package ingest

import "strings"

// Row is one parsed record. Cells keep their column order.
type Row []string

// Options controls the scanner. The zero value parses comma separated text.
type Options struct {
	Delimiter rune
}

func (o Options) delimiter() rune {
	if o.Delimiter == 0 || o.Delimiter == '"' || o.Delimiter == '\n' || o.Delimiter == '\r' {
		return ','
	}
	return o.Delimiter
}

// Parse splits raw into rows. Quoted cells may hold the delimiter and raw
// newlines, and a doubled quote inside quotes is a literal quote. Unquoted
// text is trimmed; quoted text is kept as written. Blank lines are dropped.
func Parse(raw string, opts Options) []Row {
	p := parser{delim: opts.delimiter()}
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if p.inQuotes {
			if ch == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					p.quoted.WriteRune('"')
					i++
					continue
				}
				p.inQuotes = false
				continue
			}
			p.quoted.WriteRune(ch)
			continue
		}

		switch {
		case ch == '"' && !p.wasQuoted && strings.TrimSpace(p.plain.String()) == "":
			// Whitespace before the opening quote is padding.
			p.inQuotes = true
			p.wasQuoted = true
			p.plain.Reset()
		case ch == p.delim:
			p.endCell()
		case ch == '\r':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				i++
			}
			p.endRow()
		case ch == '\n':
			p.endRow()
		default:
			if p.wasQuoted {
				// Only whitespace may follow a closing quote; anything else
				// is appended so no data is silently lost.
				if ch == ' ' || ch == '\t' {
					continue
				}
				p.quoted.WriteRune(ch)
				continue
			}
			p.plain.WriteRune(ch)
		}
	}
	if p.inQuotes || p.dirty() {
		p.endRow()
	}
	return p.rows
}

type parser struct {
	delim     rune
	rows      []Row
	row       Row
	plain     strings.Builder
	quoted    strings.Builder
	inQuotes  bool
	wasQuoted bool
}

func (p *parser) dirty() bool {
	return len(p.row) > 0 || p.plain.Len() > 0 || p.quoted.Len() > 0 || p.wasQuoted
}

func (p *parser) endCell() {
	var cell string
	if p.wasQuoted {
		cell = p.quoted.String()
	} else {
		cell = strings.TrimSpace(p.plain.String())
	}
	p.row = append(p.row, cell)
	p.plain.Reset()
	p.quoted.Reset()
	p.wasQuoted = false
	p.inQuotes = false
}

func (p *parser) endRow() {
	if !p.dirty() {
		p.reset()
		return
	}
	p.endCell()
	if !blank(p.row) {
		p.rows = append(p.rows, p.row)
	}
	p.reset()
}

func (p *parser) reset() {
	p.row = nil
	p.plain.Reset()
	p.quoted.Reset()
	p.wasQuoted = false
	p.inQuotes = false
}

// blank reports a line holding only whitespace, which counts as empty.
func blank(row Row) bool {
	return len(row) == 1 && row[0] == ""
}
