package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"postcardcreator/internal/pcc"
	u "postcardcreator/internal/utils"
)

// TokenFetcher abstracts the login flow so tests can stub it out.
type TokenFetcher interface {
	FetchToken(ctx context.Context, username, password, method string) (*pcc.Token, error)
}

// SessionManager caches upstream access tokens per credential pair so
// repeated requests skip the SAML login dance. Tokens live in memory and,
// when enabled, in Redis shared across instances.
type SessionManager struct {
	fetcher TokenFetcher
	method  string
	redis   *redis.Client
	cache   bool

	mu     sync.Mutex
	tokens map[string]*pcc.Token
}

// NewSessionManager creates a SessionManager. rdb may be nil.
func NewSessionManager(fetcher TokenFetcher, method string, rdb *redis.Client, cacheEnabled bool) *SessionManager {
	return &SessionManager{
		fetcher: fetcher,
		method:  method,
		redis:   rdb,
		cache:   cacheEnabled && rdb != nil,
		tokens:  make(map[string]*pcc.Token),
	}
}

// sessionKey hashes the credential pair. Keying by username alone would let
// a wrong password ride on someone else's cached token.
func sessionKey(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

func redisKey(key string) string {
	return "pcc:session:" + key
}

// Token returns a valid access token for the given credentials, fetching a
// new one when no cached token remains valid.
func (m *SessionManager) Token(ctx context.Context, username, password string) (*pcc.Token, error) {
	key := sessionKey(username, password)

	m.mu.Lock()
	if tok, ok := m.tokens[key]; ok && tok.Valid() {
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if m.cache {
		if tok := m.fromRedis(ctx, key); tok != nil {
			m.store(key, tok)
			return tok, nil
		}
	}

	u.Info("no valid cached token, logging in", "user", username)
	tok, err := m.fetcher.FetchToken(ctx, username, password, m.method)
	if err != nil {
		return nil, err
	}

	m.store(key, tok)
	if m.cache {
		m.toRedis(ctx, key, tok)
	}
	return tok, nil
}

func (m *SessionManager) store(key string, tok *pcc.Token) {
	m.mu.Lock()
	m.tokens[key] = tok
	m.mu.Unlock()
}

func (m *SessionManager) fromRedis(ctx context.Context, key string) *pcc.Token {
	data, err := m.redis.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			u.Warn("session cache read failed", "error", err)
		}
		return nil
	}
	var tok pcc.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		u.Warn("dropping undecodable cached session", "error", err)
		return nil
	}
	if !tok.Valid() {
		return nil
	}
	return &tok
}

func (m *SessionManager) toRedis(ctx context.Context, key string, tok *pcc.Token) {
	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := m.redis.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		u.Warn("session cache write failed", "error", err)
	}
}
