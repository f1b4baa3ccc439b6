// Package email delivers dispatch envelopes over SMTP, or only logs them when
// no mail server is configured.
package email

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/wneessen/go-mail"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/dispatch"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPTransport sends one multipart message per envelope.
type SMTPTransport struct {
	From   string
	client sender
	logger glog.Logger
}

var _ dispatch.Transport = (*SMTPTransport)(nil)

func NewSMTPTransport(cfg *config.Config, logger glog.Logger) (*SMTPTransport, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUsername),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, apperr.Config(fmt.Sprintf("email: invalid SMTP settings: %v", err))
	}
	return &SMTPTransport{From: cfg.MailFrom, client: client, logger: glog.Ensure(logger)}, nil
}

func (t *SMTPTransport) Send(ctx context.Context, env dispatch.Envelope) error {
	to := env.Recipient.ContactAddress
	msg, err := buildMessage(t.From, env)
	if err != nil {
		return apperr.Transport(err, to, 0)
	}
	if err := t.client.DialAndSendWithContext(ctx, msg); err != nil {
		return apperr.Transport(err, to, 0)
	}
	t.logger.Debug("email sent", "to", to, "campaign", env.CampaignKey)
	return nil
}

func buildMessage(from string, env dispatch.Envelope) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("email: invalid sender %q: %w", from, err)
	}
	if err := msg.To(env.Recipient.ContactAddress); err != nil {
		return nil, fmt.Errorf("email: invalid recipient: %w", err)
	}
	msg.Subject(env.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, env.Text)
	if env.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, env.HTML)
	}
	return msg, nil
}

// LogTransport only logs what would have been sent.
type LogTransport struct {
	Logger glog.Logger
}

var _ dispatch.Transport = LogTransport{}

func (t LogTransport) Send(_ context.Context, env dispatch.Envelope) error {
	glog.Ensure(t.Logger).Info("email transport not configured, logging message",
		"to", env.Recipient.ContactAddress,
		"subject", env.Subject,
		"campaign", env.CampaignKey,
		"text_bytes", len(env.Text),
	)
	return nil
}

// NewTransport returns the SMTP transport when a host is configured and the
// log-only transport otherwise.
func NewTransport(cfg *config.Config, logger glog.Logger) (dispatch.Transport, error) {
	if !cfg.SMTPEnabled() {
		glog.Ensure(logger).Warn("SMTP_HOST not set, emails will only be logged")
		return LogTransport{Logger: logger}, nil
	}
	return NewSMTPTransport(cfg, logger)
}
