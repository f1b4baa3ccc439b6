package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/ledger"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type memoryStore struct {
	mu        sync.Mutex
	entries   []ledger.Entry
	loadErr   error
	appendErr error
}

func (s *memoryStore) Load(_ context.Context, campaignKey string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.CampaignKey == campaignKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryStore) Append(_ context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

type recordingTransport struct {
	mu    sync.Mutex
	sent  []Envelope
	fail  map[string]error
	calls int
}

func (t *recordingTransport) Send(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if err, ok := t.fail[env.Recipient.ID]; ok {
		return err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *recordingTransport) sentIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sent))
	for _, env := range t.sent {
		ids = append(ids, env.Recipient.ID)
	}
	return ids
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Publish(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func newTestEngine(t *testing.T, store ledger.Store, transport Transport) *Engine {
	t.Helper()
	l := ledger.New(store, nil)
	l.Now = func() time.Time { return fixedNow }
	e := NewEngine(l, transport, nil)
	e.Now = func() time.Time { return fixedNow }
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func approved(id, address string) recipient.Record {
	return recipient.Record{ID: id, DisplayName: "Person " + id, ContactAddress: address, ApprovalState: recipient.StateApproved}
}

var testMessage = Message{Subject: "ArtIcon starts soon", Text: "See you, {{.FirstName}}!"}

func TestDispatch_ScenarioSkipsLedgerAndPending(t *testing.T) {
	store := &memoryStore{entries: []ledger.Entry{
		{RecipientID: "A", ContactAddress: "a@example.com", CampaignKey: "X", SentAt: fixedNow},
	}}
	transport := &recordingTransport{}
	engine := newTestEngine(t, store, transport)

	pendingB := approved("B", "b@example.com")
	pendingB.ApprovalState = recipient.StatePending

	report, err := engine.Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com"), pendingB, approved("C", "c@example.com")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Approved != 2 || report.AlreadySent != 1 || report.Attempted != 1 || report.Succeeded != 1 {
		t.Fatalf("unexpected report %s", report)
	}
	if ids := transport.sentIDs(); len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("expected only C to be sent, got %v", ids)
	}
}

func TestDispatch_IdempotentAcrossRuns(t *testing.T) {
	store := &memoryStore{}
	transport := &recordingTransport{}
	candidates := []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com")}

	for run := 0; run < 2; run++ {
		// A fresh engine and ledger per run, sharing only durable storage.
		engine := newTestEngine(t, store, transport)
		if _, err := engine.Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: candidates}); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
	if transport.calls != 2 {
		t.Fatalf("expected each recipient sent once in total, got %d calls", transport.calls)
	}

	report, err := newTestEngine(t, store, transport).Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: candidates})
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if !report.NothingToSend || report.AlreadySent != 2 {
		t.Fatalf("expected nothing to send, got %s", report)
	}
}

func TestDispatch_DuplicateAddressDeliveredOnce(t *testing.T) {
	store := &memoryStore{}
	transport := &recordingTransport{}
	engine := newTestEngine(t, store, transport)

	report, err := engine.Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "same@example.com"), approved("A-dup", "same@example.com")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Succeeded != 1 || report.AlreadySent != 1 || len(store.entries) != 1 {
		t.Fatalf("expected first row delivered only, got %s", report)
	}
}

func TestDispatch_DryRunHasNoSideEffects(t *testing.T) {
	store := &memoryStore{}
	transport := &recordingTransport{}
	engine := newTestEngine(t, store, transport)

	report, err := engine.Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com")},
		DryRun:      true,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if transport.calls != 0 || len(store.entries) != 0 {
		t.Fatalf("expected no transport calls or entries, got %d calls %d entries", transport.calls, len(store.entries))
	}
	if report.Attempted != 2 || report.Succeeded != 0 || !report.DryRun {
		t.Fatalf("unexpected dry-run report %s", report)
	}
}

func TestDispatch_DryRunCountsSharedAddressOnce(t *testing.T) {
	transport := &recordingTransport{}
	report, err := newTestEngine(t, &memoryStore{}, transport).Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates: []recipient.Record{
			approved("A", "same@example.com"),
			approved("B", "same@example.com"),
			approved("C", "c@example.com"),
		},
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Attempted != 2 || report.AlreadySent != 1 || transport.calls != 0 {
		t.Fatalf("expected dry run to match a real run, got %s", report)
	}
}

func TestDispatch_RecipientWithoutIDIsNeverSent(t *testing.T) {
	store := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.jsonl"))
	transport := &recordingTransport{}
	candidates := []recipient.Record{approved("", "ana@example.com"), approved("B", "b@example.com")}

	for run := 0; run < 3; run++ {
		report, err := newTestEngine(t, store, transport).Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: candidates})
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if report.Invalid != 1 || report.PersistFailed != 0 {
			t.Fatalf("run %d: unexpected report %s", run, report)
		}
	}
	if ids := transport.sentIDs(); len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("expected only B sent once over three runs, got %v", ids)
	}
}

// heldTransport blocks its first send until release is closed.
type heldTransport struct {
	recordingTransport
	once    sync.Once
	held    chan struct{}
	release chan struct{}
}

func (t *heldTransport) Send(ctx context.Context, env Envelope) error {
	t.once.Do(func() {
		close(t.held)
		<-t.release
	})
	return t.recordingTransport.Send(ctx, env)
}

func TestDispatch_ConcurrentRunsSendOncePerRecipient(t *testing.T) {
	transport := &heldTransport{held: make(chan struct{}), release: make(chan struct{})}
	engine := newTestEngine(t, &memoryStore{}, transport)
	candidates := []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com"), approved("C", "c@example.com")}
	req := Request{CampaignKey: "X", Message: testMessage, Candidates: candidates}

	first := make(chan Report, 1)
	go func() {
		report, err := engine.Dispatch(context.Background(), req)
		if err != nil {
			t.Errorf("first run: %v", err)
		}
		first <- report
	}()
	<-transport.held

	// The first run is holding A; the second loads and sends around it.
	second, err := engine.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	close(transport.release)
	firstReport := <-first

	counts := map[string]int{}
	for _, id := range transport.sentIDs() {
		counts[id]++
	}
	if len(counts) != 3 || counts["A"] != 1 || counts["B"] != 1 || counts["C"] != 1 {
		t.Fatalf("expected each recipient sent exactly once, got %v", counts)
	}
	if firstReport.Succeeded+second.Succeeded != 3 {
		t.Fatalf("expected three successes across runs, got %s and %s", firstReport, second)
	}
	if second.AlreadySent == 0 {
		t.Fatalf("expected the second run to skip the in-flight recipient, got %s", second)
	}
}

func TestDispatch_LimitKeepsInputOrder(t *testing.T) {
	store := &memoryStore{}
	transport := &recordingTransport{}
	candidates := []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com"), approved("C", "c@example.com")}

	report, err := newTestEngine(t, store, transport).Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: candidates, Limit: 2})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Attempted != 2 {
		t.Fatalf("expected two attempts, got %s", report)
	}
	if ids := transport.sentIDs(); strings.Join(ids, ",") != "A,B" {
		t.Fatalf("expected A,B first, got %v", ids)
	}

	// Resuming picks up where the capped run stopped.
	if _, err := newTestEngine(t, store, transport).Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: candidates, Limit: 2}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ids := transport.sentIDs(); strings.Join(ids, ",") != "A,B,C" {
		t.Fatalf("expected C on resume, got %v", ids)
	}
}

func TestDispatch_TransportFailureContinues(t *testing.T) {
	store := &memoryStore{}
	transport := &recordingTransport{fail: map[string]error{
		"A": apperr.Transport(errors.New("mailbox unavailable"), "a@example.com", 0),
	}}
	observer := &recordingObserver{}
	engine := newTestEngine(t, store, transport)
	engine.Observer = observer

	report, err := engine.Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Attempted != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %s", report)
	}
	if engine.Ledger.HasSent("A", "X") {
		t.Fatalf("failed recipient must not be recorded")
	}

	var failed, finished bool
	for _, ev := range observer.events {
		failed = failed || (ev.Type == EventFailed && ev.RecipientID == "A")
		finished = finished || (ev.Type == EventFinished && ev.Report != nil)
	}
	if !failed || !finished {
		t.Fatalf("expected failed and finished events, got %+v", observer.events)
	}
}

func TestDispatch_RetriesOnceAfterThrottle(t *testing.T) {
	store := &memoryStore{}
	attempts := 0
	var waited time.Duration
	transport := TransportFunc(func(_ context.Context, env Envelope) error {
		attempts++
		if attempts == 1 {
			return apperr.Transport(errors.New("rate limited"), env.Recipient.ContactAddress, 2*time.Second)
		}
		return nil
	})
	engine := newTestEngine(t, store, transport)
	engine.sleep = func(_ context.Context, d time.Duration) error {
		waited = d
		return nil
	}

	report, err := engine.Dispatch(context.Background(), Request{CampaignKey: "X", Message: testMessage, Candidates: []recipient.Record{approved("A", "a@example.com")}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if attempts != 2 || waited != 2*time.Second || report.Succeeded != 1 {
		t.Fatalf("expected one retry after 2s, got attempts=%d waited=%s report=%s", attempts, waited, report)
	}
}

func TestDispatch_PersistenceFailureIsCounted(t *testing.T) {
	store := &memoryStore{appendErr: errors.New("disk full")}
	transport := &recordingTransport{}

	report, err := newTestEngine(t, store, transport).Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Succeeded != 2 || report.PersistFailed != 2 {
		t.Fatalf("expected sends to continue past persistence failures, got %s", report)
	}
}

func TestDispatch_CorruptLedgerHalts(t *testing.T) {
	transport := &recordingTransport{}
	_, err := newTestEngine(t, &memoryStore{loadErr: errors.New("bad line")}, transport).Dispatch(context.Background(), Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com")},
	})
	if !apperr.IsCorruptLedger(err) {
		t.Fatalf("expected corrupt ledger error, got %v", err)
	}
	if transport.calls != 0 {
		t.Fatalf("expected no sends after a corrupt ledger")
	}
}

type gate map[string]bool

func (g gate) Approved(name, language string) bool { return g[name+"/"+language] }

func TestDispatch_RefusesUnapprovedTemplate(t *testing.T) {
	engine := newTestEngine(t, &memoryStore{}, &recordingTransport{})
	engine.Templates = gate{"event_start/en": true}

	msg := Message{Subject: "s", Text: "t", Template: &TemplateRef{Name: "event_reminder", Language: "en"}}
	_, err := engine.Dispatch(context.Background(), Request{CampaignKey: "X", Message: msg, Candidates: []recipient.Record{approved("A", "919876543210")}})
	if !errors.Is(err, ErrTemplateNotApproved) {
		t.Fatalf("expected template refusal, got %v", err)
	}

	msg.Template.Name = "event_start"
	if _, err := engine.Dispatch(context.Background(), Request{CampaignKey: "X", Message: msg, Candidates: []recipient.Record{approved("A", "919876543210")}}); err != nil {
		t.Fatalf("expected approved template to run, got %v", err)
	}
}

func TestDispatch_CancelledContextStillCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transport := &recordingTransport{}

	report, err := newTestEngine(t, &memoryStore{}, transport).Dispatch(ctx, Request{
		CampaignKey: "X",
		Message:     testMessage,
		Candidates:  []recipient.Record{approved("A", "a@example.com"), approved("B", "b@example.com")},
	})
	if err != nil || report.Succeeded != 2 {
		t.Fatalf("expected run to complete despite cancellation, got %s %v", report, err)
	}
}
