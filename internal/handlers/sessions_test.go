package handlers

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postcardcreator/internal/pcc"
)

// fakeFetcher counts login attempts and hands out configurable tokens.
type fakeFetcher struct {
	calls     atomic.Int32
	err       error
	expiresIn int
}

func (f *fakeFetcher) FetchToken(ctx context.Context, username, password, method string) (*pcc.Token, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	expires := f.expiresIn
	if expires == 0 {
		expires = 3600
	}
	return &pcc.Token{
		AccessToken: fmt.Sprintf("token-%d", n),
		Type:        "Bearer",
		ExpiresIn:   expires,
		FetchedAt:   time.Now(),
		Method:      method,
	}, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestSessionManager_CachesToken(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := NewSessionManager(fetcher, "mixed", nil, false)

	ctx := context.Background()
	tok1, err := m.Token(ctx, "anna", "secret")
	require.NoError(t, err)
	tok2, err := m.Token(ctx, "anna", "secret")
	require.NoError(t, err)

	assert.Equal(t, tok1.AccessToken, tok2.AccessToken)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSessionManager_DistinctCredentialsDistinctTokens(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := NewSessionManager(fetcher, "mixed", nil, false)

	ctx := context.Background()
	tok1, err := m.Token(ctx, "anna", "secret")
	require.NoError(t, err)
	tok2, err := m.Token(ctx, "anna", "other-password")
	require.NoError(t, err)

	// A wrong password must never ride on a cached token.
	assert.NotEqual(t, tok1.AccessToken, tok2.AccessToken)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestSessionManager_RefetchesExpired(t *testing.T) {
	fetcher := &fakeFetcher{expiresIn: 30} // already within the safety margin
	m := NewSessionManager(fetcher, "mixed", nil, false)

	ctx := context.Background()
	_, err := m.Token(ctx, "anna", "secret")
	require.NoError(t, err)
	_, err = m.Token(ctx, "anna", "secret")
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestSessionManager_SharesTokensViaRedis(t *testing.T) {
	rdb := testRedis(t)
	fetcher := &fakeFetcher{}

	first := NewSessionManager(fetcher, "mixed", rdb, true)
	second := NewSessionManager(fetcher, "mixed", rdb, true)

	ctx := context.Background()
	tok1, err := first.Token(ctx, "anna", "secret")
	require.NoError(t, err)

	// The second instance finds the token in Redis, no new login.
	tok2, err := second.Token(ctx, "anna", "secret")
	require.NoError(t, err)

	assert.Equal(t, tok1.AccessToken, tok2.AccessToken)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestSessionManager_PropagatesLoginError(t *testing.T) {
	fetcher := &fakeFetcher{err: pcc.ErrAuthFailed}
	m := NewSessionManager(fetcher, "mixed", nil, false)

	_, err := m.Token(context.Background(), "anna", "wrong")
	assert.ErrorIs(t, err, pcc.ErrAuthFailed)
}
