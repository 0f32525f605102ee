package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"postcardcreator/internal/pcc"
	u "postcardcreator/internal/utils"
)

// PostcardService bundles configuration and dependencies for the postcard
// API endpoints. Upstream credentials arrive per request via HTTP Basic
// auth; fetched tokens are cached in the session manager.
type PostcardService struct {
	Config   *u.Config
	Sessions *SessionManager

	pictureClient *http.Client
}

// NewPostcardService creates a PostcardService with a real authenticator.
func NewPostcardService(cfg u.Config, rdb *redis.Client) *PostcardService {
	auth := pcc.NewAuthenticator()
	return &PostcardService{
		Config:   &cfg,
		Sessions: NewSessionManager(auth, cfg.Auth.Method, rdb, cfg.Cache.SessionCacheEnabled),
		pictureClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// basicAuth extracts the upstream credentials from the Authorization header.
func basicAuth(c *fiber.Ctx) (username, password string, ok bool) {
	header := c.Get(fiber.HeaderAuthorization)
	if !strings.HasPrefix(header, "Basic ") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	return username, password, ok
}

// token resolves the request credentials to an upstream access token.
func (s *PostcardService) token(c *fiber.Ctx) (*pcc.Token, error) {
	username, password, ok := basicAuth(c)
	if !ok {
		c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="postcard-creator"`)
		return nil, fiber.NewError(fiber.StatusUnauthorized, "Basic auth with Swiss Post credentials required")
	}

	tok, err := s.Sessions.Token(c.Context(), username, password)
	if err != nil {
		return nil, upstreamError(err)
	}
	return tok, nil
}

func (s *PostcardService) client(c *fiber.Ctx) (*pcc.Client, error) {
	tok, err := s.token(c)
	if err != nil {
		return nil, err
	}
	client := pcc.NewClient(tok)
	if s.Config.Upstream.APIHost != "" {
		client.Host = s.Config.Upstream.APIHost
	}
	return client, nil
}

// upstreamError maps wrapper errors onto HTTP statuses.
func upstreamError(err error) error {
	switch {
	case errors.Is(err, pcc.ErrAuthFailed):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, pcc.ErrFreeQuotaExceeded):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	default:
		var pccErr *pcc.Error
		if errors.As(err, &pccErr) {
			u.Error("upstream request failed", "op", pccErr.Op, "response", pccErr.ServerResponse)
		}
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
}

// HandleToken returns the cached or freshly fetched token metadata for the
// Basic auth credentials.
func (s *PostcardService) HandleToken(c *fiber.Ctx) error {
	tok, err := s.token(c)
	if err != nil {
		return err
	}
	return c.JSON(tok)
}

// HandleQuota returns the free postcard quota.
func (s *PostcardService) HandleQuota(c *fiber.Ctx) error {
	client, err := s.client(c)
	if err != nil {
		return err
	}
	quota, err := client.Quota(c.Context())
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(quota)
}

// HandleUser returns the upstream user model.
func (s *PostcardService) HandleUser(c *fiber.Ctx) error {
	client, err := s.client(c)
	if err != nil {
		return err
	}
	model, err := client.UserInfo(c.Context())
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(model)
}

// HandleBalance returns the online billing account balance.
func (s *PostcardService) HandleBalance(c *fiber.Ctx) error {
	client, err := s.client(c)
	if err != nil {
		return err
	}
	model, err := client.Saldo(c.Context())
	if err != nil {
		return upstreamError(err)
	}
	return c.JSON(model)
}

type picturePayload struct {
	URL    string `json:"url"`
	Base64 string `json:"base64"`
}

type contentPayload struct {
	Message string         `json:"message"`
	Picture picturePayload `json:"picture"`
}

type sendCardRequest struct {
	Sender    pcc.Address    `json:"sender"`
	Recipient pcc.Address    `json:"recipient"`
	Content   contentPayload `json:"content"`
	MockSend  bool           `json:"mock_send"`
}

// openPicture resolves the request picture to a byte stream, either by
// downloading the URL or decoding the inline base64 payload.
func (s *PostcardService) openPicture(p picturePayload) (io.Reader, error) {
	switch {
	case p.URL != "":
		u.Info("downloading picture", "url", p.URL)
		resp, err := s.pictureClient.Get(p.URL)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "cannot download picture: "+err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("picture download returned %d", resp.StatusCode))
		}
		limit := int64(s.Config.Upstream.MaxPictureBytes)
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "cannot read picture: "+err.Error())
		}
		if int64(len(data)) > limit {
			return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, "picture exceeds allowed size")
		}
		return bytes.NewReader(data), nil
	case p.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(p.Base64)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "picture base64 is invalid")
		}
		if len(data) > s.Config.Upstream.MaxPictureBytes {
			return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, "picture exceeds allowed size")
		}
		return bytes.NewReader(data), nil
	default:
		return nil, fiber.NewError(fiber.StatusBadRequest, "content.picture needs url or base64")
	}
}

// HandleSendCard validates the request and submits a postcard.
func (s *PostcardService) HandleSendCard(c *fiber.Ctx) error {
	var req sendCardRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}

	picture, err := s.openPicture(req.Content.Picture)
	if err != nil {
		return err
	}

	card := pcc.Postcard{
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Message:   req.Content.Message,
		Picture:   picture,
	}
	if err := card.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	client, err := s.client(c)
	if err != nil {
		return err
	}

	result, err := client.SendCard(c.Context(), card, pcc.SendOptions{
		MockSend:    req.MockSend,
		ImageExport: s.Config.Upstream.ImageExport,
		TraceDir:    s.Config.Upstream.TraceDir,
	})
	if err != nil {
		return upstreamError(err)
	}

	requestID := c.GetRespHeader(fiber.HeaderXRequestID)
	u.Info("postcard request handled", "order_id", result.OrderID, "mock", result.Mock, "request_id", requestID)
	return c.JSON(result)
}
