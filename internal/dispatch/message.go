package dispatch

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/making-something/articon-dispatch/internal/recipient"
)

// TemplateRef selects a provider-approved template for channels that only
// accept pre-approved messages.
type TemplateRef struct {
	Name       string   `json:"name" yaml:"name"`
	Language   string   `json:"language" yaml:"language"`
	BodyParams []string `json:"body_params,omitempty" yaml:"body_params,omitempty"`
}

// Message is the campaign content before personalization. Subject, Text,
// HTML and template body params are Go templates evaluated against
// RenderData for each recipient.
type Message struct {
	Subject  string       `json:"subject"`
	Text     string       `json:"text"`
	HTML     string       `json:"html,omitempty"`
	Template *TemplateRef `json:"template,omitempty"`
}

// RenderData is what message templates can reference.
type RenderData struct {
	ID        string
	Name      string
	FirstName string
	Email     string
	Contact   string
	Campaign  string
}

func newRenderData(rec recipient.Record, campaignKey string) RenderData {
	return RenderData{
		ID:        rec.ID,
		Name:      rec.DisplayName,
		FirstName: rec.FirstName(),
		Email:     rec.ContactAddress,
		Contact:   rec.ContactAddress,
		Campaign:  campaignKey,
	}
}

// Envelope is one personalized message addressed to one recipient.
type Envelope struct {
	CampaignKey string
	Recipient   recipient.Record
	Subject     string
	Text        string
	HTML        string
	Template    *TemplateRef
}

const defaultLayout = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <meta name="color-scheme" content="light only">
</head>
<body style="margin:0;padding:24px;font-family:Arial,Helvetica,sans-serif;color:#111;">
  {{if .Data.FirstName}}<p>Hi {{.Data.FirstName}},</p>{{end}}
  {{range .Paragraphs}}<p>{{.}}</p>
  {{end}}
</body>
</html>`

// Renderer compiles a Message once and personalizes it per recipient.
type Renderer struct {
	campaign string
	subject  *texttemplate.Template
	text     *texttemplate.Template
	html     *htmltemplate.Template
	layout   bool
	template *TemplateRef
	params   []*texttemplate.Template
}

// NewRenderer parses every template in msg. When msg.HTML is empty the text
// body is wrapped in a minimal HTML layout with a greeting.
func NewRenderer(campaignKey string, msg Message) (*Renderer, error) {
	r := &Renderer{campaign: campaignKey, template: msg.Template}
	var err error
	if r.subject, err = texttemplate.New("subject").Option("missingkey=error").Parse(msg.Subject); err != nil {
		return nil, fmt.Errorf("dispatch: parse subject: %w", err)
	}
	if r.text, err = texttemplate.New("text").Option("missingkey=error").Parse(msg.Text); err != nil {
		return nil, fmt.Errorf("dispatch: parse text: %w", err)
	}
	source := msg.HTML
	if strings.TrimSpace(source) == "" {
		source = defaultLayout
		r.layout = true
	}
	if r.html, err = htmltemplate.New("html").Parse(source); err != nil {
		return nil, fmt.Errorf("dispatch: parse html: %w", err)
	}
	if msg.Template != nil {
		for i, p := range msg.Template.BodyParams {
			t, err := texttemplate.New(fmt.Sprintf("param%d", i)).Parse(p)
			if err != nil {
				return nil, fmt.Errorf("dispatch: parse template param %d: %w", i, err)
			}
			r.params = append(r.params, t)
		}
	}
	return r, nil
}

// Render personalizes the message for rec.
func (r *Renderer) Render(rec recipient.Record) (Envelope, error) {
	data := newRenderData(rec, r.campaign)
	env := Envelope{CampaignKey: r.campaign, Recipient: rec}

	var err error
	if env.Subject, err = execText(r.subject, data); err != nil {
		return Envelope{}, err
	}
	if env.Text, err = execText(r.text, data); err != nil {
		return Envelope{}, err
	}

	var html bytes.Buffer
	if r.layout {
		err = r.html.Execute(&html, struct {
			Data       RenderData
			Paragraphs []string
		}{data, paragraphs(env.Text)})
	} else {
		err = r.html.Execute(&html, data)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("dispatch: render html: %w", err)
	}
	env.HTML = html.String()

	if r.template != nil {
		ref := *r.template
		ref.BodyParams = make([]string, 0, len(r.params))
		for _, p := range r.params {
			value, err := execText(p, data)
			if err != nil {
				return Envelope{}, err
			}
			ref.BodyParams = append(ref.BodyParams, value)
		}
		env.Template = &ref
	}
	return env, nil
}

func execText(t *texttemplate.Template, data RenderData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("dispatch: render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func paragraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}
