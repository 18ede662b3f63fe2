package tokenendpoint

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// ClientAuthenticator checks OAuth2 client credentials.
type ClientAuthenticator interface {
	// Authenticate returns an [sserr.CodeAuthentication] error when the
	// credentials are wrong.
	Authenticate(ctx context.Context, clientID, secret string) error
}

// StaticClients authenticates against a fixed client_id to secret map.
type StaticClients map[string]string

var _ ClientAuthenticator = StaticClients(nil)

// Authenticate compares secrets in constant time. Unknown clients and
// wrong secrets fail the same way.
func (c StaticClients) Authenticate(_ context.Context, clientID, secret string) error {
	want, ok := c[clientID]
	got := sha256.Sum256([]byte(secret))
	exp := sha256.Sum256([]byte(want))
	if !ok || subtle.ConstantTimeCompare(got[:], exp[:]) != 1 {
		return sserr.New(sserr.CodeAuthentication, "tokenendpoint: client authentication failed")
	}
	return nil
}

// authenticate reads HTTP Basic credentials, falling back to the
// client_id and client_secret form parameters (RFC 6749 section 2.3.1).
func (h *Handler) authenticate(r *http.Request) error {
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get(paramClientID), r.PostForm.Get(paramClientSecret)
	}
	if clientID == "" {
		return sserr.New(sserr.CodeAuthentication, "tokenendpoint: client credentials are required")
	}
	if err := h.clients.Authenticate(r.Context(), clientID, secret); err != nil {
		if _, coded := sserr.AsError(err); !coded {
			return sserr.Wrap(err, sserr.CodeAuthentication, "tokenendpoint: client authentication failed")
		}
		return err
	}
	return nil
}
