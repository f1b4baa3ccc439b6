// Command dispatch sends a campaign from the command line, reports ledger
// status and refreshes the template catalog.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/app"
	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

type cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`

	Send          SendCmd          `cmd:"" help:"Send a campaign to every approved participant not yet reached."`
	Status        StatusCmd        `cmd:"" help:"Show how many participants a campaign has reached."`
	SyncTemplates SyncTemplatesCmd `cmd:"" name:"sync-templates" help:"Refresh the WhatsApp template catalog."`
}

// runtime is what every command receives.
type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	logger glog.Logger
	stdout *os.File
}

type SendCmd struct {
	Campaign     string `required:"" help:"Campaign key used for deduplication."`
	Subject      string `help:"Email subject (Go template)."`
	Body         string `help:"Message body (Go template)." xor:"body"`
	BodyFile     string `help:"Read the message body from a file." type:"existingfile" xor:"body"`
	HTMLFile     string `name:"html-file" help:"Optional HTML body template." type:"existingfile"`
	Template     string `help:"WhatsApp template name; replaces the body on that channel."`
	TemplateLang string `help:"WhatsApp template language." default:"en"`
	CSV          string `name:"csv" help:"Participants export; defaults to PARTICIPANTS_CSV."`
	Channel      string `help:"Delivery channel (email or whatsapp); defaults to CHANNEL."`
	DryRun       bool   `help:"Report what would be sent without sending or recording."`
	Limit        int    `help:"Send to at most this many participants; 0 means all." default:"0"`
}

func (c *SendCmd) Run(rt *runtime) error {
	if c.Limit < 0 {
		return apperr.Config("dispatch: --limit must not be negative")
	}
	msg, err := c.message()
	if err != nil {
		return err
	}
	switch c.Channel {
	case "":
	case string(recipient.ChannelEmail), string(recipient.ChannelWhatsApp):
		rt.cfg.Channel = c.Channel
	default:
		return apperr.Config(fmt.Sprintf("dispatch: unknown --channel %q", c.Channel))
	}
	if c.CSV != "" {
		rt.cfg.ParticipantsCSV = c.CSV
	}

	a, err := app.New(rt.ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Resolver.ResolveDirectory(rt.ctx, a.Directory)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.stdout, "participants=%d candidates=%d invalid_address=%d not_approved=%d missing_id=%d\n",
		res.Total, len(res.Candidates), res.InvalidAddress, res.NotApproved, res.MissingID)

	report, err := a.Engine.Dispatch(rt.ctx, dispatch.Request{
		CampaignKey: c.Campaign,
		Message:     msg,
		Candidates:  res.Candidates,
		Limit:       c.Limit,
		DryRun:      c.DryRun,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(rt.stdout, report.String())
	if report.NothingToSend {
		fmt.Fprintln(rt.stdout, "nothing to send")
	}
	return nil
}

func (c *SendCmd) message() (dispatch.Message, error) {
	msg := dispatch.Message{Subject: c.Subject, Text: c.Body}
	if c.BodyFile != "" {
		raw, err := os.ReadFile(c.BodyFile)
		if err != nil {
			return msg, apperr.Config(fmt.Sprintf("dispatch: read --body-file: %v", err))
		}
		msg.Text = string(raw)
	}
	if c.HTMLFile != "" {
		raw, err := os.ReadFile(c.HTMLFile)
		if err != nil {
			return msg, apperr.Config(fmt.Sprintf("dispatch: read --html-file: %v", err))
		}
		msg.HTML = string(raw)
	}
	if c.Template != "" {
		msg.Template = &dispatch.TemplateRef{Name: c.Template, Language: c.TemplateLang, BodyParams: []string{"{{.FirstName}}"}}
	}
	if strings.TrimSpace(msg.Text) == "" && msg.Template == nil {
		return msg, apperr.Config("dispatch: one of --body, --body-file or --template is required")
	}
	return msg, nil
}

type StatusCmd struct {
	Campaign string `required:"" help:"Campaign key."`
}

func (c *StatusCmd) Run(rt *runtime) error {
	a, err := app.New(rt.ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Ledger.Status(rt.ctx, c.Campaign)
	if err != nil {
		return err
	}
	last := "never"
	if st.LastSentAt != nil {
		last = st.LastSentAt.Format(time.RFC3339)
	}
	fmt.Fprintf(rt.stdout, "campaign=%s sent=%d last_sent_at=%s\n", st.CampaignKey, st.Sent, last)
	return nil
}

type SyncTemplatesCmd struct{}

func (c *SyncTemplatesCmd) Run(rt *runtime) error {
	a, err := app.New(rt.ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Syncer.Sync(rt.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.stdout, "pages=%d templates=%d approved=%d\n", res.Pages, res.Templates, res.Approved)
	if missing := a.Catalog.Missing(rt.cfg.RequiredTemplates); len(missing) > 0 {
		return fmt.Errorf("dispatch: required templates not approved: %s", strings.Join(missing, ", "))
	}
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("dispatch"),
		kong.Description("ArtIcon participant notifications."),
		kong.UsageOnError(),
	)

	cfg := config.LoadConfig()
	rt := &runtime{
		ctx:    context.Background(),
		cfg:    cfg,
		logger: glog.NewLogger(
			glog.WithName("dispatch"),
			glog.WithLevel(c.LogLevel),
			glog.WithLoggerTypeConsole(),
			glog.WithWriter(os.Stderr),
		),
		stdout: os.Stdout,
	}
	kctx.FatalIfErrorf(kctx.Run(rt))
}
