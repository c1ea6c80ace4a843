package jwtx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRemoteKeysTTL     = 15 * time.Minute
	DefaultRemoteKeysTimeout = 10 * time.Second

	maxJWKSBytes = 1 << 20
)

// RemoteKeySet is a cache of a remote JWKS document. Cached keys are reused
// until TTL elapses or Invalidate is called; a token signed with an unknown
// kid triggers one refresh. Concurrent refreshes share one HTTP request.
// It satisfies the go-oidc KeySet interface.
type RemoteKeySet struct {
	url     string
	client  *http.Client
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

type RemoteKeySetOptions struct {
	HTTPClient *http.Client
	TTL        time.Duration
	Timeout    time.Duration
	Now        func() time.Time
}

func NewRemoteKeySet(url string, opts RemoteKeySetOptions) *RemoteKeySet {
	r := &RemoteKeySet{
		url:     url,
		client:  opts.HTTPClient,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		now:     opts.Now,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.ttl <= 0 {
		r.ttl = DefaultRemoteKeysTTL
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRemoteKeysTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Invalidate drops the cached keys so the next lookup fetches.
func (r *RemoteKeySet) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.keys = jose.JSONWebKeySet{}
	r.mu.Unlock()
}

// VerifySignature verifies a compact JWS and returns its payload.
func (r *RemoteKeySet) VerifySignature(ctx context.Context, token string) ([]byte, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected one signature", ErrMalformed)
	}
	kid := jws.Signatures[0].Header.KeyID

	keys, fresh, err := r.cached(ctx, false)
	if err != nil {
		return nil, err
	}
	if payload, ok := verifyWith(jws, keys, kid); ok {
		return payload, nil
	}
	if fresh {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
	}

	// The provider may have rotated; refetch once.
	keys, _, err = r.cached(ctx, true)
	if err != nil {
		return nil, err
	}
	if payload, ok := verifyWith(jws, keys, kid); ok {
		return payload, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
}

func verifyWith(jws *jose.JSONWebSignature, set jose.JSONWebKeySet, kid string) ([]byte, bool) {
	candidates := set.Keys
	if kid != "" {
		candidates = set.Key(kid)
	}
	for _, k := range candidates {
		if payload, err := jws.Verify(k); err == nil {
			return payload, true
		}
	}
	return nil, false
}

// cached returns the key set and whether it was fetched by this call.
func (r *RemoteKeySet) cached(ctx context.Context, force bool) (jose.JSONWebKeySet, bool, error) {
	if !force {
		r.mu.RLock()
		keys, at := r.keys, r.fetchedAt
		r.mu.RUnlock()
		if !at.IsZero() && r.now().Sub(at) < r.ttl {
			return keys, false, nil
		}
	}

	v, err, _ := r.group.Do(r.url, func() (any, error) {
		keys, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.keys = keys
		r.fetchedAt = r.now()
		r.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return jose.JSONWebKeySet{}, false, err
	}
	return v.(jose.JSONWebKeySet), true, nil
}

func (r *RemoteKeySet) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var set jose.JSONWebKeySet
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return set, fmt.Errorf("jwtx: build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return set, fmt.Errorf("jwtx: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("jwtx: fetch jwks: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return set, fmt.Errorf("jwtx: decode jwks: %w", err)
	}
	if len(set.Keys) == 0 {
		return set, errors.New("jwtx: jwks has no keys")
	}
	return set, nil
}
