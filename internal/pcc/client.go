package pcc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	u "postcardcreator/internal/utils"
)

// DefaultAPIHost is the mobile API of the Postcard Creator service.
const DefaultAPIHost = "https://pccweb.api.post.ch/secure/api/mobile/v1"

// Client talks to the Postcard Creator API with a fetched access token.
type Client struct {
	Token      *Token
	Host       string
	HTTPClient *http.Client
}

// NewClient returns a Client against the production API host.
func NewClient(token *Token) *Client {
	return &Client{
		Token: token,
		Host:  DefaultAPIHost,
		HTTPClient: &http.Client{
			Transport: &retryTransport{},
			Timeout:   90 * time.Second,
		},
	}
}

type envelope struct {
	Model  json.RawMessage `json:"model"`
	Errors []interface{}   `json:"errors"`
}

// do performs an API request and unwraps the model envelope.
func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Host+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.Token.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	u.Debug("api request", "method", method, "endpoint", endpoint)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		return nil, &Error{
			Op:             fmt.Sprintf("%s %s", method, endpoint),
			Msg:            fmt.Sprintf("unexpected status %d", resp.StatusCode),
			ServerResponse: string(respBody),
		}
	}

	var env envelope
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &env); err != nil {
			return nil, &Error{Op: endpoint, Msg: "cannot decode response", ServerResponse: string(respBody), Err: err}
		}
	}
	if len(env.Errors) > 0 {
		return nil, &Error{
			Op:             endpoint,
			Msg:            fmt.Sprintf("cannot fetch %s: %v", endpoint, env.Errors),
			ServerResponse: string(respBody),
		}
	}
	return env.Model, nil
}

// Quota returns the free postcard quota of the account.
func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	u.Debug("fetching quota")
	model, err := c.do(ctx, http.MethodGet, "/user/quota", nil)
	if err != nil {
		return nil, err
	}
	var q Quota
	if err := json.Unmarshal(model, &q); err != nil {
		return nil, &Error{Op: "/user/quota", Msg: "cannot decode quota model", ServerResponse: string(model), Err: err}
	}
	return &q, nil
}

// HasFreeCard reports whether a free postcard can currently be sent.
func (c *Client) HasFreeCard(ctx context.Context) (bool, error) {
	q, err := c.Quota(ctx)
	if err != nil {
		return false, err
	}
	return q.Available, nil
}

// UserInfo returns the raw /user/current model.
func (c *Client) UserInfo(ctx context.Context) (json.RawMessage, error) {
	u.Debug("fetching user information")
	return c.do(ctx, http.MethodGet, "/user/current", nil)
}

// Saldo returns the raw online billing account balance model.
func (c *Client) Saldo(ctx context.Context) (json.RawMessage, error) {
	u.Debug("fetching billing saldo")
	return c.do(ctx, http.MethodGet, "/billingOnline/accountSaldo", nil)
}

// SendOptions tweaks SendCard.
type SendOptions struct {
	// MockSend logs the payload instead of uploading.
	MockSend bool
	// ImageExport writes the generated images to TraceDir.
	ImageExport bool
	// NoRotate keeps portrait covers upright.
	NoRotate bool
	TraceDir string
}

// SendResult is the outcome of a card submission.
type SendResult struct {
	OrderID string          `json:"order_id,omitempty"`
	Mock    bool            `json:"mock,omitempty"`
	Model   json.RawMessage `json:"model,omitempty"`
}

type cardAddress struct {
	City         string `json:"city"`
	Company      string `json:"company"`
	CompanyAddon string `json:"companyAddon,omitempty"`
	Country      string `json:"country,omitempty"`
	Firstname    string `json:"firstname"`
	Lastname     string `json:"lastname"`
	Street       string `json:"street"`
	Title        string `json:"title,omitempty"`
	Zip          int    `json:"zip"`
}

func formatSender(a Address) cardAddress {
	return cardAddress{
		City:      a.Place,
		Company:   a.Company,
		Firstname: a.FirstName,
		Lastname:  a.LastName,
		Street:    a.Street,
		Zip:       a.ZipCode,
	}
}

func formatRecipient(a Address) cardAddress {
	return cardAddress{
		City:         a.Place,
		Company:      a.Company,
		CompanyAddon: a.CompanyAddition,
		Country:      "SWITZERLAND",
		Firstname:    a.FirstName,
		Lastname:     a.LastName,
		Street:       a.Street,
		Title:        a.Salutation,
		Zip:          a.ZipCode,
	}
}

type cardPayload struct {
	Lang      string      `json:"lang"`
	Paid      bool        `json:"paid"`
	Recipient cardAddress `json:"recipient"`
	Sender    cardAddress `json:"sender"`
	Text      string      `json:"text"`
	// TextImage is a 720x744 JPEG, Image a 1819x1311 JPEG, both base64.
	TextImage string      `json:"textImage"`
	Image     string      `json:"image"`
	Stamp     interface{} `json:"stamp"`
}

// SendCard submits a free postcard. The cover is scaled to the exact upload
// size and the message rendered to an image; the free quota is checked
// before uploading.
func (c *Client) SendCard(ctx context.Context, p Postcard, opts SendOptions) (*SendResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cover, err := ScaleCover(p.Picture, CoverOptions{
		Width:        CoverWidth,
		Height:       CoverHeight,
		NoRotate:     opts.NoRotate,
		FallbackFill: true,
		Export:       opts.ImageExport,
		TraceDir:     opts.TraceDir,
	})
	if err != nil {
		return nil, err
	}
	textImage, err := RenderMessage(p.Message, opts.ImageExport, opts.TraceDir)
	if err != nil {
		return nil, err
	}

	payload := cardPayload{
		Lang:      "en",
		Paid:      false,
		Recipient: formatRecipient(p.Recipient),
		Sender:    formatSender(p.Sender),
		Text:      "",
		TextImage: base64.StdEncoding.EncodeToString(textImage),
		Image:     base64.StdEncoding.EncodeToString(cover),
		Stamp:     nil,
	}

	if opts.MockSend {
		u.Info("mock send, skipping upload",
			"recipient", fmt.Sprintf("%s %s, %d %s", p.Recipient.FirstName, p.Recipient.LastName, p.Recipient.ZipCode, p.Recipient.Place),
			"cover_bytes", len(cover), "text_bytes", len(textImage))
		return &SendResult{Mock: true}, nil
	}

	quota, err := c.Quota(ctx)
	if err != nil {
		return nil, err
	}
	if !quota.Available {
		return nil, fmt.Errorf("%w, try again at %s", ErrFreeQuotaExceeded, quota.Next)
	}

	model, err := c.do(ctx, http.MethodPost, "/card/upload", payload)
	if err != nil {
		return nil, err
	}

	var order struct {
		OrderID json.Number `json:"orderId"`
	}
	_ = json.Unmarshal(model, &order)
	u.Info("postcard submitted", "order_id", order.OrderID.String())

	return &SendResult{OrderID: order.OrderID.String(), Model: model}, nil
}
