package grill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xeudoxus/pitboss-grill-driver/internal/codec"
	"github.com/xeudoxus/pitboss-grill-driver/internal/metrics"
)

// AuthCacheTimeout is how long cached auth tokens stay usable without a
// full password re-fetch. The grill's auth window is a 10-second bucket,
// so the cache only has to bridge bursts of consecutive RPCs.
const AuthCacheTimeout = 4 * time.Second

// authTokens is the derived credential set for one RPC call: the time
// bucket plus the password encrypted under that bucket's key and the
// next one's.
type authTokens struct {
	timeInt  int64
	psw      string
	pswPlus1 string
}

type authEntry struct {
	password   []byte
	lastUptime int64 // last observed time bucket
	tokens     authTokens
	cachedAt   time.Time
}

// AuthCache produces per-IP auth tokens, re-deriving them only when the
// grill's clock has drifted two or more buckets or the cache has expired.
// Entries may be shared by every caller targeting the same IP.
type AuthCache struct {
	mu      sync.Mutex
	entries map[string]*authEntry
	client  *Client
	now     func() time.Time
}

// NewAuthCache returns an AuthCache using client for the token fetches.
// now is injectable for tests; pass nil for the wall clock.
func NewAuthCache(client *Client, now func() time.Time) *AuthCache {
	if now == nil {
		now = time.Now
	}
	return &AuthCache{
		entries: make(map[string]*authEntry),
		client:  client,
		now:     now,
	}
}

// Invalidate drops the cached credentials for ip. Called when the device
// moves to a new address or authentication is rejected.
func (a *AuthCache) Invalidate(ip string) {
	a.mu.Lock()
	delete(a.entries, ip)
	a.mu.Unlock()
}

// Tokens returns the time bucket and the dual password tokens for ip.
//
// A fresh cache entry is revalidated with a single PB.GetTime round trip:
// if the grill's bucket drifted less than two steps the cached tokens are
// reused, otherwise they are re-derived from the cached password. An
// expired entry (or a clock that went backward) triggers a full refresh
// including the /extconfig.json password fetch.
func (a *AuthCache) Tokens(ctx context.Context, ip string) (int64, string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.entries[ip]
	if entry != nil {
		age := a.now().Sub(entry.cachedAt)
		if age < 0 {
			// Host clock went backward; the entry's freshness can no
			// longer be judged.
			log.Warnf("[%s] clock moved backward, invalidating auth cache", ip)
			entry = nil
			delete(a.entries, ip)
		} else if age < AuthCacheTimeout {
			uptime, err := a.fetchUptime(ctx, ip)
			if err != nil {
				return 0, "", "", err
			}
			timeInt := codec.TimeBucket(uptime)
			drift := timeInt - entry.lastUptime
			if drift > -2 && drift < 2 {
				return entry.tokens.timeInt, entry.tokens.psw, entry.tokens.pswPlus1, nil
			}
			entry.tokens = deriveTokens(entry.password, timeInt)
			entry.lastUptime = timeInt
			return entry.tokens.timeInt, entry.tokens.psw, entry.tokens.pswPlus1, nil
		}
	}

	password, err := a.fetchPassword(ctx, ip)
	if err != nil {
		return 0, "", "", err
	}
	uptime, err := a.fetchUptime(ctx, ip)
	if err != nil {
		return 0, "", "", err
	}
	timeInt := codec.TimeBucket(uptime)
	entry = &authEntry{
		password:   password,
		lastUptime: timeInt,
		tokens:     deriveTokens(password, timeInt),
		cachedAt:   a.now(),
	}
	a.entries[ip] = entry
	metrics.AuthRefreshes.Inc()
	return entry.tokens.timeInt, entry.tokens.psw, entry.tokens.pswPlus1, nil
}

// deriveTokens encrypts password under the auth keys for t and t+1.
func deriveTokens(password []byte, t int64) authTokens {
	enc := func(bucket int64) string {
		key := codec.DeriveKey(codec.RPCAuthKeyBase, bucket)
		return codec.EncodeHex(codec.Apply(password, key, 0, true))
	}
	return authTokens{
		timeInt:  t,
		psw:      enc(t),
		pswPlus1: enc(t + 1),
	}
}

// fetchUptime POSTs PB.GetTime and returns the grill's uptime seconds.
func (a *AuthCache) fetchUptime(ctx context.Context, ip string) (int64, error) {
	resp, err := a.client.Post(ctx, ip, "/rpc/PB.GetTime", []byte("{}"))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &ProtocolError{Endpoint: "PB.GetTime", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Time *int64 `json:"time"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, &ProtocolError{Endpoint: "PB.GetTime", Err: err}
	}
	if body.Time == nil {
		return 0, &ProtocolError{Endpoint: "PB.GetTime", Err: fmt.Errorf("missing time field")}
	}
	return *body.Time, nil
}

// fetchPassword GETs /extconfig.json and decrypts the stored password.
func (a *AuthCache) fetchPassword(ctx context.Context, ip string) ([]byte, error) {
	resp, err := a.client.Get(ctx, ip, "/extconfig.json")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Endpoint: "extconfig", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Psw *string `json:"psw"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &ProtocolError{Endpoint: "extconfig", Err: err}
	}
	if body.Psw == nil {
		return nil, &ProtocolError{Endpoint: "extconfig", Err: fmt.Errorf("missing psw field")}
	}
	return codec.Apply(codec.DecodeHex(*body.Psw), codec.FileDecodeKey, 0, false), nil
}
