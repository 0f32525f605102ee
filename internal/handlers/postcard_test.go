package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postcardcreator/internal/pcc"
	u "postcardcreator/internal/utils"
)

func testService(fetcher TokenFetcher, apiHost string) *PostcardService {
	cfg := u.Config{}
	cfg.Auth.Method = "mixed"
	cfg.Upstream.APIHost = apiHost
	cfg.Upstream.MaxPictureBytes = 10 << 20
	return &PostcardService{
		Config:        &cfg,
		Sessions:      NewSessionManager(fetcher, cfg.Auth.Method, nil, false),
		pictureClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func testApp(svc *PostcardService) *fiber.App {
	app := fiber.New()
	v1 := app.Group("/v1")
	v1.Get("/token", svc.HandleToken)
	v1.Get("/quota", svc.HandleQuota)
	v1.Get("/user", svc.HandleUser)
	v1.Get("/balance", svc.HandleBalance)
	v1.Post("/send-card", svc.HandleSendCard)
	return app
}

func pictureBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 140, B: 60, A: 255})
		}
	}
	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHandleToken(t *testing.T) {
	app := testApp(testService(&fakeFetcher{}, ""))

	req := httptest.NewRequest("GET", "/v1/token", nil)
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var tok pcc.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, "mixed", tok.Method)
}

func TestHandleToken_NoCredentials(t *testing.T) {
	app := testApp(testService(&fakeFetcher{}, ""))

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/token", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderWWWAuthenticate), "Basic")
}

func TestHandleToken_BadCredentials(t *testing.T) {
	app := testApp(testService(&fakeFetcher{err: pcc.ErrAuthFailed}, ""))

	req := httptest.NewRequest("GET", "/v1/token", nil)
	req.SetBasicAuth("anna", "wrong")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestHandleQuota(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/quota", r.URL.Path)
		fmt.Fprint(w, `{"model":{"available":true,"next":"2026-08-25T00:00:00","quota":1}}`)
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	req := httptest.NewRequest("GET", "/v1/quota", nil)
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var quota pcc.Quota
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quota))
	assert.True(t, quota.Available)
}

func TestHandleUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/current", r.URL.Path)
		fmt.Fprint(w, `{"model":{"firstName":"Anna","name":"Muster"}}`)
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	req := httptest.NewRequest("GET", "/v1/user", nil)
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var user map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	assert.Equal(t, "Anna", user["firstName"])
}

func sendCardBody(t *testing.T, mock bool) *bytes.Buffer {
	t.Helper()
	body := map[string]interface{}{
		"sender": map[string]interface{}{
			"first_name": "Anna", "last_name": "Muster",
			"street": "Musterstrasse 1", "zip_code": 8000, "place": "Zürich",
		},
		"recipient": map[string]interface{}{
			"first_name": "Beat", "last_name": "Beispiel",
			"street": "Beispielweg 2", "zip_code": 3000, "place": "Bern",
		},
		"content": map[string]interface{}{
			"message": "Grüsse!",
			"picture": map[string]string{"base64": pictureBase64(t)},
		},
		"mock_send": mock,
	}
	buf := new(bytes.Buffer)
	require.NoError(t, json.NewEncoder(buf).Encode(body))
	return buf
}

func TestHandleSendCard(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/quota":
			fmt.Fprint(w, `{"model":{"available":true,"quota":1}}`)
		case "/card/upload":
			fmt.Fprint(w, `{"model":{"orderId":4711}}`)
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	req := httptest.NewRequest("POST", "/v1/send-card", sendCardBody(t, false))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result pcc.SendResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "4711", result.OrderID)
	assert.False(t, result.Mock)
}

func TestHandleSendCard_Mock(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("mock send must not call upstream, got %s", r.URL.Path)
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	req := httptest.NewRequest("POST", "/v1/send-card", sendCardBody(t, true))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result pcc.SendResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Mock)
}

func TestHandleSendCard_QuotaExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":{"available":false,"next":"2026-08-25T00:00:00"}}`)
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	req := httptest.NewRequest("POST", "/v1/send-card", sendCardBody(t, false))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleSendCard_MissingPicture(t *testing.T) {
	app := testApp(testService(&fakeFetcher{}, ""))

	body := bytes.NewBufferString(`{"sender":{},"recipient":{},"content":{"message":"hi","picture":{}}}`)
	req := httptest.NewRequest("POST", "/v1/send-card", body)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleSendCard_PictureFromURL(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(pictureBase64(t))
	require.NoError(t, err)

	pictureServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(raw)
	}))
	defer pictureServer.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/quota":
			fmt.Fprint(w, `{"model":{"available":true}}`)
		case "/card/upload":
			fmt.Fprint(w, `{"model":{"orderId":1}}`)
		}
	}))
	defer ts.Close()

	app := testApp(testService(&fakeFetcher{}, ts.URL))

	body := map[string]interface{}{
		"sender": map[string]interface{}{
			"first_name": "Anna", "last_name": "Muster",
			"street": "Musterstrasse 1", "zip_code": 8000, "place": "Zürich",
		},
		"recipient": map[string]interface{}{
			"first_name": "Beat", "last_name": "Beispiel",
			"street": "Beispielweg 2", "zip_code": 3000, "place": "Bern",
		},
		"content": map[string]interface{}{
			"picture": map[string]string{"url": pictureServer.URL + "/cover.png"},
		},
	}
	buf := new(bytes.Buffer)
	require.NoError(t, json.NewEncoder(buf).Encode(body))

	req := httptest.NewRequest("POST", "/v1/send-card", buf)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anna", "secret")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
