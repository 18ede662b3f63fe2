package grant

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// jwksAlgorithms are the JWS algorithms accepted on the JWKS path.
var jwksAlgorithms = map[string]jwa.SignatureAlgorithm{
	"RS256": jwa.RS256,
	"RS384": jwa.RS384,
	"RS512": jwa.RS512,
	"PS256": jwa.PS256,
	"PS384": jwa.PS384,
	"PS512": jwa.PS512,
}

// HTTPClient is the client used to fetch key sets. It matches
// [jwk.HTTPClient]; [*http.Client] satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	Get(url string) (*http.Response, error)
}

var (
	_ HTTPClient     = (*http.Client)(nil)
	_ jwk.HTTPClient = HTTPClient(nil)
)

type keySetEntry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// JWKSKeySet is the default [JWKSValidator]. It caches each key set for a
// TTL and refetches once when the token's kid is not in the cached set,
// which covers key rotation at the provider. It is safe for concurrent use.
type JWKSKeySet struct {
	mu      sync.RWMutex
	entries map[string]*keySetEntry
	ttl     time.Duration
	client  HTTPClient
}

var _ JWKSValidator = (*JWKSKeySet)(nil)

// NewJWKSKeySet returns a key-set cache. A nil client uses an
// [http.Client] with a 10 second timeout.
func NewJWKSKeySet(ttl time.Duration, client HTTPClient) *JWKSKeySet {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSKeySet{
		entries: make(map[string]*keySetEntry),
		ttl:     ttl,
		client:  client,
	}
}

// Validate verifies rawToken with the key selected by its kid, or the only
// key in the set when the token has no kid.
func (k *JWKSKeySet) Validate(ctx context.Context, rawToken, jwksURI, alg string) (bool, error) {
	sigAlg, ok := jwksAlgorithms[alg]
	if !ok {
		return false, fmt.Errorf("grant: algorithm %q is not accepted for JWKS verification", alg)
	}

	msg, err := jws.Parse([]byte(rawToken))
	if err != nil {
		return false, fmt.Errorf("grant: parse JWS: %w", err)
	}
	var kid string
	if sigs := msg.Signatures(); len(sigs) > 0 {
		kid = sigs[0].ProtectedHeaders().KeyID()
	}

	key, err := k.key(ctx, jwksURI, kid)
	if err != nil {
		return false, err
	}
	if _, err := jws.Verify([]byte(rawToken), jws.WithKey(sigAlg, key)); err != nil {
		return false, nil
	}
	return true, nil
}

// key returns the RSA public key for kid, refetching the set at most once.
func (k *JWKSKeySet) key(ctx context.Context, uri, kid string) (*rsa.PublicKey, error) {
	set, fresh, err := k.set(ctx, uri, false)
	if err != nil {
		return nil, err
	}
	key, found := selectKey(set, kid)
	if !found && !fresh {
		if set, _, err = k.set(ctx, uri, true); err != nil {
			return nil, err
		}
		key, found = selectKey(set, kid)
	}
	if !found {
		return nil, fmt.Errorf("grant: key %q not found in JWKS at %s", kid, uri)
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("grant: decode key %q: %w", kid, err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("grant: key %q is %s, not RSA", kid, key.KeyType())
	}
	return pub, nil
}

// set returns the cached key set for uri, fetching it when absent, stale,
// or when force is set. fresh reports whether this call fetched it.
func (k *JWKSKeySet) set(ctx context.Context, uri string, force bool) (jwk.Set, bool, error) {
	if !force {
		k.mu.RLock()
		e, ok := k.entries[uri]
		k.mu.RUnlock()
		if ok && time.Since(e.fetchedAt) < k.ttl {
			return e.set, false, nil
		}
	}

	set, err := jwk.Fetch(ctx, uri, jwk.WithHTTPClient(k.client))
	if err != nil {
		return nil, false, fmt.Errorf("grant: fetch JWKS from %s: %w", uri, err)
	}
	k.mu.Lock()
	k.entries[uri] = &keySetEntry{set: set, fetchedAt: time.Now()}
	k.mu.Unlock()
	return set, true, nil
}

func selectKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}
