package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/templates"
)

// defaultRetryAfter is used when the API throttles without a Retry-After
// header.
const defaultRetryAfter = time.Second

type Client struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
	WABAID        string
	HTTP          *http.Client
	Logger        glog.Logger
}

func NewClient(cfg *config.Config, logger glog.Logger) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(cfg.GraphAPIBase, "/"),
		Token:         cfg.WhatsAppToken,
		PhoneNumberID: cfg.PhoneNumberID,
		WABAID:        cfg.WhatsAppBusinessAccountID,
		HTTP:          &http.Client{Timeout: 30 * time.Second},
		Logger:        glog.Ensure(logger),
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	Text             *TextObj     `json:"text,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type TemplateObj struct {
	Name       string         `json:"name"`
	Language   LanguageObj    `json:"language"`
	Components []ComponentObj `json:"components,omitempty"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type ComponentObj struct {
	Type       string         `json:"type"`
	Parameters []ParameterObj `json:"parameters"`
}

type ParameterObj struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// --- Helper Functions ---

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, body any) ([]byte, *http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, err
	}
	if resp.StatusCode >= 400 {
		return respBody, resp, fmt.Errorf("API error: %s - %s", resp.Status, describeError(respBody))
	}
	return respBody, resp, nil
}

func describeError(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s (code %d)", e.Error.Message, e.Error.Code)
	}
	return string(body)
}

// retryAfter reads a throttling hint. Only 429 responses carry one.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	header := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// --- Messaging Methods ---

// SendRawMessage posts msg and returns the provider message id.
func (c *Client) SendRawMessage(ctx context.Context, msg GenericMessage) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/messages", c.BaseURL, c.PhoneNumberID)
	body, resp, err := c.sendRequest(ctx, http.MethodPost, endpoint, msg)
	if err != nil {
		return "", apperr.Transport(err, msg.To, retryAfter(resp))
	}
	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

func (c *Client) SendTemplateMessage(ctx context.Context, to, templateName, languageCode string, bodyParams []string) (string, error) {
	tpl := &TemplateObj{Name: templateName, Language: LanguageObj{Code: languageCode}}
	if len(bodyParams) > 0 {
		params := make([]ParameterObj, 0, len(bodyParams))
		for _, p := range bodyParams {
			params = append(params, ParameterObj{Type: "text", Text: p})
		}
		tpl.Components = []ComponentObj{{Type: "body", Parameters: params}}
	}
	return c.SendRawMessage(ctx, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template:         tpl,
	})
}

func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	return c.SendRawMessage(ctx, GenericMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &TextObj{Body: body},
	})
}

// Send delivers a dispatch envelope, as a template when one is set and as
// plain text otherwise.
func (c *Client) Send(ctx context.Context, env dispatch.Envelope) error {
	to := env.Recipient.ContactAddress
	var (
		id  string
		err error
	)
	if env.Template != nil {
		id, err = c.SendTemplateMessage(ctx, to, env.Template.Name, env.Template.Language, env.Template.BodyParams)
	} else {
		id, err = c.SendMessage(ctx, to, env.Text)
	}
	if err != nil {
		return err
	}
	c.logger().Debug("whatsapp message accepted", "to", to, "message_id", id, "campaign", env.CampaignKey)
	return nil
}

// --- Template Management Methods ---

// FetchTemplatePage lists one page of the business account's templates.
func (c *Client) FetchTemplatePage(ctx context.Context, cursor string) (templates.Page, error) {
	if c.WABAID == "" {
		return templates.Page{}, apperr.Config("whatsapp: WABA_ID not configured")
	}
	q := url.Values{}
	q.Set("fields", "name,status,language,category")
	q.Set("limit", "100")
	if cursor != "" {
		q.Set("after", cursor)
	}
	endpoint := fmt.Sprintf("%s/%s/message_templates?%s", c.BaseURL, c.WABAID, q.Encode())
	body, _, err := c.sendRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return templates.Page{}, err
	}
	return templates.DecodePage(body)
}

func (c *Client) logger() glog.Logger {
	return glog.Ensure(c.Logger)
}
