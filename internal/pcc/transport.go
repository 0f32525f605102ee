package pcc

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// userAgent mimics the Android app webview. The upstream rejects unknown
// clients on several login endpoints.
const userAgent = "Mozilla/5.0 (Linux; Android 6.0.1; wv) AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Version/4.0 Chrome/52.0.2743.98 Mobile Safari/537.36"

const maxRetries = 5

// retryTransport retries transient upstream failures (connection errors and
// 500/502/504) with exponential backoff. The backend terminates connections
// when we request too frequently, so the backoff also spaces requests out.
type retryTransport struct {
	base http.RoundTripper
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	// A consumed body cannot be replayed; send such requests once.
	if req.Body != nil && req.GetBody == nil {
		return base.RoundTrip(req)
	}

	var resp *http.Response
	operation := func() error {
		// RoundTrippers must not modify the caller's request.
		attempt := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			attempt.Body = body
		}
		var err error
		resp, err = base.RoundTrip(attempt)
		if err != nil {
			return err
		}
		if retryableStatus(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), req.Context())
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// newSession returns an http.Client with a fresh cookie jar and the retry
// transport. Each login attempt gets its own session.
func newSession() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar:       jar,
		Transport: &retryTransport{},
		Timeout:   90 * time.Second,
	}
}

// noRedirect returns a copy of the client that surfaces redirects instead of
// following them. The OAuth code arrives in a Location header pointing at an
// app-scheme URI that must not be fetched.
func noRedirect(c *http.Client) *http.Client {
	clone := *c
	clone.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &clone
}
