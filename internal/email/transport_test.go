package email

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/wneessen/go-mail"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

type stubSender struct {
	sent []*mail.Msg
	err  error
}

func (s *stubSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, messages...)
	return nil
}

func envelope() dispatch.Envelope {
	return dispatch.Envelope{
		CampaignKey: "launch",
		Recipient:   recipient.Record{ID: "1", DisplayName: "Ana Lima", ContactAddress: "ana@example.com"},
		Subject:     "ArtIcon starts now",
		Text:        "Hi Ana",
		HTML:        "<p>Hi Ana</p>",
	}
}

func TestSMTPTransport_BuildsMultipartMessage(t *testing.T) {
	stub := &stubSender{}
	tr := &SMTPTransport{From: "ArtIcon <no-reply@articon.local>", client: stub, logger: glog.Ensure(nil)}

	if err := tr.Send(context.Background(), envelope()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(stub.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(stub.sent))
	}
	var buf bytes.Buffer
	if _, err := stub.sent[0].WriteTo(&buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	raw := buf.String()
	for _, want := range []string{"ana@example.com", "ArtIcon starts now", "text/plain", "text/html"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("expected %q in message:\n%s", want, raw)
		}
	}
}

func TestSMTPTransport_FailureIsTransportError(t *testing.T) {
	tr := &SMTPTransport{From: "no-reply@articon.local", client: &stubSender{err: errors.New("connection refused")}, logger: glog.Ensure(nil)}
	if err := tr.Send(context.Background(), envelope()); !apperr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSMTPTransport_InvalidRecipient(t *testing.T) {
	stub := &stubSender{}
	tr := &SMTPTransport{From: "no-reply@articon.local", client: stub, logger: glog.Ensure(nil)}
	env := envelope()
	env.Recipient.ContactAddress = "not an address"
	if err := tr.Send(context.Background(), env); !apperr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(stub.sent) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestNewTransport_FallsBackToLog(t *testing.T) {
	var out bytes.Buffer
	logger := glog.NewLogger(glog.WithName("test"), glog.WithLevel(glog.Info), glog.WithLoggerTypeConsole(), glog.WithWriter(&out))
	tr, err := NewTransport(&config.Config{}, logger)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if _, ok := tr.(LogTransport); !ok {
		t.Fatalf("expected log transport, got %T", tr)
	}
	if err := tr.Send(context.Background(), envelope()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), "ana@example.com") {
		t.Fatalf("expected recipient in log output, got %q", out.String())
	}
}

func TestNewTransport_SMTP(t *testing.T) {
	tr, err := NewTransport(&config.Config{SMTPHost: "smtp.example.com", SMTPPort: 587, MailFrom: "a@example.com"}, nil)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if _, ok := tr.(*SMTPTransport); !ok {
		t.Fatalf("expected smtp transport, got %T", tr)
	}
}
