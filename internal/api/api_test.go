package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/ledger"
	"github.com/making-something/articon-dispatch/internal/recipient"
	"github.com/making-something/articon-dispatch/internal/templates"
	"github.com/making-something/articon-dispatch/internal/trigger"
)

const participants = "ID,Full Name,Email,Approval Status\n" +
	"1,Ana Lima,ana@example.com,approved\n" +
	"2,Bo Chen,bo@example.com,pending\n" +
	"3,Cy Diaz,cy@example.com,accepted\n"

type fixture struct {
	router    *gin.Engine
	ledger    *ledger.Ledger
	catalog   *templates.Catalog
	mu        sync.Mutex
	delivered []string
}

func (f *fixture) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func newFixture(t *testing.T, csv string, syncer TemplateSyncer) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "participants.csv")
	if err := os.WriteFile(csvPath, []byte(csv), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	f := &fixture{catalog: templates.NewCatalog()}
	f.ledger = ledger.New(ledger.NewFileStore(filepath.Join(dir, "ledger.jsonl")), nil)
	engine := dispatch.NewEngine(f.ledger, dispatch.TransportFunc(func(_ context.Context, env dispatch.Envelope) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.delivered = append(f.delivered, env.Recipient.ContactAddress)
		return nil
	}), nil)
	engine.Templates = f.catalog

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	scheduler := trigger.NewScheduler(trigger.DefaultMilestones(start, start.Add(8*time.Hour)), engine, nil, nil, nil, nil)
	milestones := NewMilestonesHandler(scheduler)
	milestones.Now = func() time.Time { return start.Add(-time.Hour) }

	dispatchHandler := NewDispatchHandler(engine, f.ledger, recipient.NewCSVDirectory(csvPath, recipient.ChannelEmail), recipient.NewResolver(recipient.ChannelEmail, nil), nil)
	templatesHandler := NewTemplatesHandler(f.catalog, syncer, []string{"event_start"}, nil)

	r := gin.New()
	r.GET("/health", Health)
	g := r.Group("/api")
	g.POST("/dispatch/send", dispatchHandler.Send)
	g.GET("/dispatch/status/:campaign", dispatchHandler.Status)
	g.GET("/templates", templatesHandler.GetTemplates)
	g.POST("/templates/sync", templatesHandler.SyncTemplates)
	g.GET("/milestones", milestones.GetMilestones)
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type sendResponse struct {
	Report     dispatch.Report `json:"report"`
	Resolution struct {
		Total       int `json:"total"`
		Candidates  int `json:"candidates"`
		NotApproved int `json:"not_approved"`
	} `json:"resolution"`
}

func TestSend_DispatchesAndReportsStatus(t *testing.T) {
	f := newFixture(t, participants, nil)

	w := f.do(http.MethodPost, "/api/dispatch/send", gin.H{"campaign": "launch", "subject": "Hi", "body": "Welcome {{.FirstName}}"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp sendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Report.Approved != 2 || resp.Report.Succeeded != 2 || resp.Resolution.NotApproved != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	again := f.do(http.MethodPost, "/api/dispatch/send", gin.H{"campaign": "launch", "body": "Welcome"})
	var second sendResponse
	json.Unmarshal(again.Body.Bytes(), &second)
	if !second.Report.NothingToSend || second.Report.AlreadySent != 2 {
		t.Fatalf("expected second run to send nothing, got %+v", second.Report)
	}
	if got := f.sends(); len(got) != 2 {
		t.Fatalf("expected two deliveries overall, got %v", got)
	}

	st := f.do(http.MethodGet, "/api/dispatch/status/launch", nil)
	var status ledger.Status
	json.Unmarshal(st.Body.Bytes(), &status)
	if st.Code != http.StatusOK || status.Sent != 2 || status.LastSentAt == nil {
		t.Fatalf("unexpected status %d %+v", st.Code, status)
	}
}

func TestSend_DryRunAndInlineRecipients(t *testing.T) {
	f := newFixture(t, participants, nil)
	w := f.do(http.MethodPost, "/api/dispatch/send", gin.H{
		"campaign": "preview",
		"body":     "x",
		"dry_run":  true,
		"recipients": []recipient.Record{
			{ID: "9", DisplayName: "Zed", ContactAddress: "zed@example.com", ApprovalState: recipient.StateApproved},
		},
	})
	var resp sendResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || resp.Report.Attempted != 1 || !resp.Report.DryRun {
		t.Fatalf("unexpected dry run %d %+v", w.Code, resp.Report)
	}
	if len(f.sends()) != 0 {
		t.Fatalf("dry run must not deliver")
	}
}

func TestSend_BadRequests(t *testing.T) {
	f := newFixture(t, participants, nil)
	cases := map[string]gin.H{
		"missing campaign": {"body": "x"},
		"missing body":     {"campaign": "c"},
		"negative limit":   {"campaign": "c", "body": "x", "limit": -1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if w := f.do(http.MethodPost, "/api/dispatch/send", body); w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestSend_SchemaErrorIsUnprocessable(t *testing.T) {
	f := newFixture(t, "id,name,email\n1,Ana,ana@example.com\n", nil)
	w := f.do(http.MethodPost, "/api/dispatch/send", gin.H{"campaign": "c", "body": "x"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestSend_UnapprovedTemplateIsRefused(t *testing.T) {
	f := newFixture(t, participants, nil)
	w := f.do(http.MethodPost, "/api/dispatch/send", gin.H{
		"campaign": "c",
		"template": gin.H{"name": "event_start", "language": "en"},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

type stubSyncer struct {
	catalog *templates.Catalog
	err     error
}

func (s *stubSyncer) Sync(context.Context) (templates.Result, error) {
	if s.err != nil {
		return templates.Result{}, s.err
	}
	s.catalog.Replace([]templates.Record{{Name: "event_start", Language: "en", Status: "APPROVED"}}, time.Now())
	return templates.Result{Pages: 1, Templates: 1, Approved: 1}, nil
}

func TestTemplates_SyncClearsMissing(t *testing.T) {
	syncer := &stubSyncer{}
	f := newFixture(t, participants, syncer)
	syncer.catalog = f.catalog

	var before struct {
		Missing []string `json:"missing"`
	}
	json.Unmarshal(f.do(http.MethodGet, "/api/templates", nil).Body.Bytes(), &before)
	if len(before.Missing) != 1 || before.Missing[0] != "event_start" {
		t.Fatalf("expected event_start missing, got %v", before.Missing)
	}

	w := f.do(http.MethodPost, "/api/templates/sync", nil)
	var after struct {
		Result  templates.Result `json:"result"`
		Missing []string         `json:"missing"`
	}
	json.Unmarshal(w.Body.Bytes(), &after)
	if w.Code != http.StatusOK || after.Result.Approved != 1 || len(after.Missing) != 0 {
		t.Fatalf("unexpected sync response %d %s", w.Code, w.Body.String())
	}
}

func TestTemplates_SyncFailure(t *testing.T) {
	f := newFixture(t, participants, &stubSyncer{err: errors.New("cursor loop")})
	if w := f.do(http.MethodPost, "/api/templates/sync", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestMilestonesAndHealth(t *testing.T) {
	f := newFixture(t, participants, nil)

	var resp struct {
		Data []trigger.MilestoneStatus `json:"data"`
	}
	w := f.do(http.MethodGet, "/api/milestones", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || len(resp.Data) != 2 || resp.Data[0].State != trigger.StatePending {
		t.Fatalf("unexpected milestones %d %s", w.Code, w.Body.String())
	}

	if w := f.do(http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}
}
