package pcc

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	u "postcardcreator/internal/utils"
)

const (
	defaultClientID     = "ae9b9894f8728ca78800942cda638155"
	defaultClientSecret = "89ff451ede545c3f408d792e8caaddf0"
	defaultRedirectURI  = "ch.post.pcc://auth/1016c75e-aa9c-493e-84b8-4eb3ba6177ef"

	defaultAuthorizationURL = "https://pccweb.api.post.ch/OAuth/authorization"
	// Trailing slash matters: the upstream 404s without it.
	defaultOAuthURL       = "https://pccweb.api.post.ch/OAuth/"
	defaultTokenURL       = "https://pccweb.api.post.ch/OAuth/token"
	defaultIDPURL         = "https://account.post.ch/idp/"
	defaultSAMLServiceURL = "https://pccweb.api.post.ch/SAML/ServiceProvider/"
	defaultSwissIDBase    = "https://login.swissid.ch"
)

// Authenticator fetches Postcard Creator access tokens by driving the
// browser login flows of the Swiss Post account (legacy) and SwissID
// identity providers. All endpoints are fields so tests can point them at a
// local server.
type Authenticator struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	AuthorizationURL string
	OAuthURL         string
	TokenURL         string
	IDPURL           string
	SAMLServiceURL   string
	SwissIDBase      string

	// NewSession builds the per-attempt HTTP client. Overridable in tests.
	NewSession func() *http.Client
}

// NewAuthenticator returns an Authenticator against the production
// endpoints.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		ClientID:         defaultClientID,
		ClientSecret:     defaultClientSecret,
		RedirectURI:      defaultRedirectURI,
		AuthorizationURL: defaultAuthorizationURL,
		OAuthURL:         defaultOAuthURL,
		TokenURL:         defaultTokenURL,
		IDPURL:           defaultIDPURL,
		SAMLServiceURL:   defaultSAMLServiceURL,
		SwissIDBase:      defaultSwissIDBase,
		NewSession:       newSession,
	}
}

// HasValidCredentials reports whether a token can be fetched with the given
// credentials.
func (a *Authenticator) HasValidCredentials(ctx context.Context, username, password string) bool {
	_, err := a.FetchToken(ctx, username, password, "mixed")
	return err == nil
}

// FetchToken logs in and returns an access token. Method is one of "mixed",
// "legacy" or "swissid"; mixed tries legacy first and falls back to SwissID.
func (a *Authenticator) FetchToken(ctx context.Context, username, password, method string) (*Token, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: empty username or password", ErrAuthFailed)
	}

	switch method {
	case "mixed", "legacy", "swissid":
	default:
		return nil, fmt.Errorf("%w (got %q)", ErrUnknownAuthMethod, method)
	}

	u.Debug("fetching postcard account token", "method", method)

	if method != "swissid" {
		u.Info("using legacy username/password authentication")
		tr, err := a.fetchLegacy(ctx, username, password)
		if err == nil {
			return tr.token("legacy"), nil
		}
		u.Info("legacy username/password authentication failed", "error", err)
		if method == "legacy" {
			return nil, err
		}
		u.Info("trying swissid because method=mixed")
	}

	u.Info("using swissid username/password authentication")
	tr, err := a.fetchSwissID(ctx, username, password)
	if err != nil {
		u.Info("swissid username/password authentication failed", "error", err)
		return nil, err
	}
	return tr.token("swissid"), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (tr *tokenResponse) token(method string) *Token {
	u.Info("access token successfully fetched", "method", method, "expires_in", tr.ExpiresIn)
	return &Token{
		AccessToken: tr.AccessToken,
		Type:        tr.TokenType,
		ExpiresIn:   tr.ExpiresIn,
		FetchedAt:   time.Now(),
		Method:      method,
	}
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func codeVerifier() string {
	b := make([]byte, 64)
	rand.Read(b)
	return base64URL(b)
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64URL(sum[:])
}

func (a *Authenticator) authorizationParams(challenge string) url.Values {
	return url.Values{
		"client_id":             {a.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {a.RedirectURI},
		"scope":                 {"PCCWEB offline_access"},
		"response_mode":         {"query"},
		"state":                 {"abcd"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"lang":                  {"en"},
	}
}

func (a *Authenticator) idpLoginURL() string {
	q := url.Values{
		"targetURL":   {a.SAMLServiceURL + "?redirect_uri=" + a.RedirectURI},
		"profile":     {"default"},
		"app":         {"pccwebapi"},
		"inMobileApp": {"true"},
		"layoutType":  {"standard"},
	}
	return a.IDPURL + "?login&" + q.Encode()
}

func (a *Authenticator) request(ctx context.Context, client *http.Client, method, rawurl string, body io.Reader, contentType string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	u.Debug("auth request", "method", method, "url", rawurl)
	return client.Do(req)
}

func (a *Authenticator) postForm(ctx context.Context, client *http.Client, rawurl string, form url.Values, headers map[string]string) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	return a.request(ctx, client, http.MethodPost, rawurl, body, "application/x-www-form-urlencoded", headers)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// scrapeSAMLForm extracts the SAMLResponse and RelayState hidden inputs from
// an IDP response page.
func scrapeSAMLForm(html []byte) (saml, relayState string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", "", err
	}
	saml, ok := doc.Find(`input[name="SAMLResponse"]`).Attr("value")
	if !ok || saml == "" {
		return "", "", fmt.Errorf("%w: no SAMLResponse in IDP reply", ErrAuthFailed)
	}
	relayState, _ = doc.Find(`input[name="RelayState"]`).Attr("value")
	return saml, relayState, nil
}

// submitSAML posts the SAML assertion to the OAuth endpoint and pulls the
// authorization code out of the redirect Location. The redirect targets an
// app-scheme URI and must not be followed.
func (a *Authenticator) submitSAML(ctx context.Context, session *http.Client, saml, relayState string) (string, error) {
	headers := map[string]string{
		"Origin":                    "https://account.post.ch",
		"X-Requested-With":          "ch.post.it.pcc",
		"Upgrade-Insecure-Requests": "1",
	}
	form := url.Values{
		"RelayState":   {relayState},
		"SAMLResponse": {saml},
	}
	resp, err := a.postForm(ctx, noRedirect(session), a.OAuthURL, form, headers)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	loc := resp.Header.Get("Location")
	parsed, err := url.Parse(loc)
	if err != nil || parsed.Query().Get("code") == "" {
		return "", apiErr(a.OAuthURL, "response does not have a code attribute, did the endpoint break?", nil)
	}
	return parsed.Query().Get("code"), nil
}

// exchangeCode trades the authorization code for an access token. This call
// deliberately bypasses the session cookie jar.
func (a *Authenticator) exchangeCode(ctx context.Context, code, verifier string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {a.RedirectURI},
	}
	client := noRedirect(&http.Client{Transport: &retryTransport{}, Timeout: 30 * time.Second})
	resp, err := a.postForm(ctx, client, a.TokenURL, form, nil)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &tr) != nil || tr.AccessToken == "" {
		return nil, &Error{Op: a.TokenURL, Msg: "not able to fetch access token", ServerResponse: string(body)}
	}
	return &tr, nil
}

// fetchLegacy drives the post.ch account IDP form login.
func (a *Authenticator) fetchLegacy(ctx context.Context, username, password string) (*tokenResponse, error) {
	session := a.NewSession()
	verifier := codeVerifier()

	resp, err := a.request(ctx, session, http.MethodGet,
		a.AuthorizationURL+"?"+a.authorizationParams(codeChallenge(verifier)).Encode(), nil, "", nil)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	loginURL := a.idpLoginURL()
	form := url.Values{
		"isiwebuserid": {username},
		"isiwebpasswd": {password},
		"confirmLogin": {""},
	}
	resp, err = a.postForm(ctx, session, loginURL, form, nil)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The IDP answers the second, bare POST with the SAML assertion page.
	resp, err = a.postForm(ctx, session, loginURL, nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	saml, relayState, err := scrapeSAMLForm(page)
	if err != nil {
		return nil, err
	}
	code, err := a.submitSAML(ctx, session, saml, relayState)
	if err != nil {
		return nil, err
	}
	return a.exchangeCode(ctx, code, verifier)
}

type swissIDReply struct {
	Tokens struct {
		AuthID string `json:"authId"`
	} `json:"tokens"`
	NextAction struct {
		Type       string `json:"type"`
		SuccessURL string `json:"successUrl"`
	} `json:"nextAction"`
}

// anomalyDevicePrint is a fixed device fingerprint accepted by the SwissID
// anomaly detection introduced in 2022. Captured from an x86 Android 12
// emulator; any structurally valid payload currently passes.
var anomalyDevicePrint = map[string]interface{}{
	"appCodeName": "Mozilla",
	"appName":     "Netscape",
	"appVersion":  strings.TrimPrefix(userAgent, "Mozilla/"),
	"fonts": map[string]interface{}{
		"installedFonts": "cursive;monospace;serif;sans-serif;fantasy;default;Arial;Courier;" +
			"Courier New;Georgia;Tahoma;Times;Times New Roman;Verdana",
	},
	"language":   "de",
	"platform":   "Linux x86_64",
	"plugins":    map[string]interface{}{"installedPlugins": ""},
	"product":    "Gecko",
	"productSub": "20030107",
	"screen": map[string]interface{}{
		"screenColourDepth": 24,
		"screenHeight":      732,
		"screenWidth":       412,
	},
	"timezone":  map[string]interface{}{"timezone": -120},
	"userAgent": userAgent,
	"vendor":    "Google Inc.",
}

func (a *Authenticator) postJSON(ctx context.Context, client *http.Client, rawurl string, payload interface{}, headers map[string]string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	return a.request(ctx, client, http.MethodPost, rawurl, body, "application/json", headers)
}

func decodeSwissIDReply(resp *http.Response) (*swissIDReply, []byte, error) {
	body, err := readBody(resp)
	if err != nil {
		return nil, nil, err
	}
	var reply swissIDReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, body, err
	}
	return &reply, body, nil
}

// fetchSwissID drives the SwissID api-login flow: status, welcome-pack,
// init, basic credentials, anomaly detection, then back into the SAML/OAuth
// exchange.
func (a *Authenticator) fetchSwissID(ctx context.Context, username, password string) (*tokenResponse, error) {
	session := a.NewSession()
	verifier := codeVerifier()

	resp, err := a.request(ctx, session, http.MethodGet,
		a.AuthorizationURL+"?"+a.authorizationParams(codeChallenge(verifier)).Encode(), nil, "", nil)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	gotoParam, err := a.swissIDGoto(ctx, session)
	if err != nil {
		return nil, err
	}
	u.Debug("swissid goto param", "goto", gotoParam)

	qs := url.Values{
		"locale":     {"en"},
		"goto":       {gotoParam},
		"acr_values": {"loa-1"},
		"realm":      {"/sesam"},
		"service":    {"qoa1"},
	}.Encode()

	for _, endpoint := range []string{
		a.SwissIDBase + "/api-login/authenticate/token/status?" + qs,
		a.SwissIDBase + "/api-login/welcome-pack?" + qs,
	} {
		resp, err = a.request(ctx, session, http.MethodGet, endpoint, nil, "", nil)
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	resp, err = a.postJSON(ctx, session, a.SwissIDBase+"/api-login/authenticate/init?"+qs, nil, nil)
	if err != nil {
		return nil, err
	}
	initReply, body, err := decodeSwissIDReply(resp)
	if err != nil {
		return nil, &Error{Op: "swissid init", Msg: "unexpected reply", ServerResponse: string(body), Err: err}
	}

	resp, err = a.postJSON(ctx, session, a.SwissIDBase+"/api-login/authenticate/basic?"+qs,
		map[string]string{"username": username, "password": password},
		map[string]string{"authId": initReply.Tokens.AuthID})
	if err != nil {
		return nil, err
	}
	basicReply, body, err := decodeSwissIDReply(resp)
	if err != nil {
		return nil, &Error{Op: "swissid basic", Msg: "unexpected reply", ServerResponse: string(body), Err: err}
	}

	finalReply, err := a.swissIDAnomalyDetection(ctx, session, basicReply, qs)
	if err != nil {
		return nil, err
	}

	if finalReply.NextAction.SuccessURL == "" {
		return nil, fmt.Errorf("%w: no successUrl after login", ErrAuthFailed)
	}

	resp, err = a.request(ctx, session, http.MethodGet, finalReply.NextAction.SuccessURL, nil, "", nil)
	if err != nil {
		return nil, err
	}
	page, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	action, ok := doc.Find(`form[name="LoginForm"]`).Attr("action")
	if !ok {
		return nil, fmt.Errorf("%w: no LoginForm after swissid login", ErrAuthFailed)
	}

	resp, err = a.postForm(ctx, session, action, nil, nil)
	if err != nil {
		return nil, err
	}
	page, err = readBody(resp)
	if err != nil {
		return nil, err
	}

	saml, relayState, err := scrapeSAMLForm(page)
	if err != nil {
		return nil, err
	}
	code, err := a.submitSAML(ctx, session, saml, relayState)
	if err != nil {
		return nil, err
	}
	return a.exchangeCode(ctx, code, verifier)
}

// swissIDGoto posts the externalIDP hop and extracts the goto parameter from
// the redirect chain.
func (a *Authenticator) swissIDGoto(ctx context.Context, session *http.Client) (string, error) {
	var hops []string
	clone := *session
	clone.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		hops = append(hops, req.URL.String())
		return nil
	}

	resp, err := a.postForm(ctx, &clone, a.idpLoginURL(), url.Values{"externalIDP": {"externalIDP"}}, nil)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if len(hops) == 0 {
		return "", apiErr(a.IDPURL, "fail to fetch, no redirect to identity provider", nil)
	}

	for i := len(hops) - 1; i >= 0; i-- {
		parsed, err := url.Parse(hops[i])
		if err != nil {
			continue
		}
		if g := parsed.Query().Get("goto"); g != "" {
			return g, nil
		}
	}
	return "", apiErr(a.IDPURL, "cannot fetch goto param", nil)
}

// swissIDAnomalyDetection sends the device print. The login stalls without
// it since 2022-10.
func (a *Authenticator) swissIDAnomalyDetection(ctx context.Context, session *http.Client, prev *swissIDReply, qs string) (*swissIDReply, error) {
	if prev.NextAction.Type != "SEND_DEVICE_PRINT" {
		u.Warn("next action should be SEND_DEVICE_PRINT", "got", prev.NextAction.Type)
	}
	if prev.Tokens.AuthID == "" {
		return nil, fmt.Errorf("%w: no authId for device print", ErrAuthFailed)
	}

	resp, err := a.postJSON(ctx, session, a.SwissIDBase+"/api-login/anomaly-detection/device-print?"+qs,
		anomalyDevicePrint, map[string]string{"authId": prev.Tokens.AuthID})
	if err != nil {
		return nil, err
	}
	reply, body, err := decodeSwissIDReply(resp)
	if err != nil {
		return nil, &Error{Op: "swissid anomaly detection", Msg: "unexpected reply", ServerResponse: string(body), Err: err}
	}
	return reply, nil
}
