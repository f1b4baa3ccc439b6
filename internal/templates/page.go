package templates

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// Page is one page of the provider listing. A nil Data slice means the
// provider returned no data array.
type Page struct {
	Data       []Record
	NextCursor string
}

// Fetcher retrieves a page. An empty cursor requests the first page.
type Fetcher interface {
	FetchTemplatePage(ctx context.Context, cursor string) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cursor string) (Page, error)

func (f FetcherFunc) FetchTemplatePage(ctx context.Context, cursor string) (Page, error) {
	return f(ctx, cursor)
}

type wirePage struct {
	Data       []Record `json:"data"`
	NextCursor string   `json:"nextCursor"`
	Paging     *struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// DecodePage accepts both {data, nextCursor} and the Graph API shape where
// the cursor is paging.cursors.after and only valid while paging.next is
// present.
func DecodePage(body []byte) (Page, error) {
	var w wirePage
	if err := json.Unmarshal(body, &w); err != nil {
		return Page{}, fmt.Errorf("templates: decode page: %w", err)
	}
	p := Page{Data: w.Data, NextCursor: w.NextCursor}
	if p.NextCursor == "" && w.Paging != nil && w.Paging.Next != "" {
		p.NextCursor = w.Paging.Cursors.After
	}
	return p, nil
}
