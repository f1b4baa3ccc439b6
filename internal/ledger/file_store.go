package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

// FileStore keeps the ledger as one JSON object per line. Every append is
// synced to disk before it returns.
type FileStore struct {
	Path string

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(ctx context.Context, campaignKey string) ([]Entry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, e := range all {
		if e.CampaignKey == campaignKey {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// All reads every entry of every campaign. A missing file is an empty
// ledger; any line that does not decode to a complete entry fails the read.
func (s *FileStore) All(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.CorruptLedger(err, s.Path)
	}
	defer f.Close()

	var entries []Entry
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, apperr.CorruptLedger(readErr, s.location(lineNo))
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var e Entry
			if err := json.Unmarshal(trimmed, &e); err != nil {
				return nil, apperr.CorruptLedger(err, s.location(lineNo))
			}
			if err := e.Validate(); err != nil {
				return nil, apperr.CorruptLedger(err, s.location(lineNo))
			}
			entries = append(entries, e)
		}
		if readErr != nil {
			break
		}
	}
	return entries, nil
}

func (s *FileStore) Append(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) location(line int) string {
	return fmt.Sprintf("%s:%d", s.Path, line)
}
