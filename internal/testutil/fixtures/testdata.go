// Package fixtures provides shared test data for the grant packages: a
// signing identity provider with a self-signed certificate, and a builder
// for JWT bearer assertions signed by it.
//
// Using common constants for issuers, tenants, and audiences prevents
// magic strings in tests and keeps provider records consistent across
// packages.
package fixtures

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Standard identity provider values used across grant tests.
const (
	// Tenant is the tenant the federated provider is registered in.
	Tenant = "acme.com"

	// Issuer is the iss of the federated provider's assertions. Providers
	// are registered under their issuer, so it is also the provider name.
	Issuer = "https://idp.partner.test"

	// Audience is the federated provider's alias for this token endpoint.
	Audience = "https://as.acme.test/oauth2/token"

	// ResidentEntityID is the entity id of the resident provider.
	ResidentEntityID = "https://localhost:9443/oauth2/token"

	// TokenEndpoint is the resident provider's token endpoint; it is the
	// expected audience when the resident provider issues the assertion.
	TokenEndpoint = "https://localhost:9443/oauth2/token"

	// Subject is the default sub claim.
	Subject = "alice"

	// KeyID is the kid placed in assertion headers.
	KeyID = "partner-key-1"
)

// ---------------------------------------------------------------------------
// Signer
// ---------------------------------------------------------------------------

// Signer is an identity provider signing identity: an RSA key and a
// self-signed certificate for it.
type Signer struct {
	Key     *rsa.PrivateKey
	CertDER []byte
	KeyID   string
}

// NewSigner generates a 2048-bit RSA key and a self-signed certificate.
func NewSigner(t testing.TB, kid string) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generate RSA key")

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: kid},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err, "create certificate")
	return &Signer{Key: key, CertDER: der, KeyID: kid}
}

var (
	defaultSignerOnce sync.Once
	defaultSigner     *Signer
	altSignerOnce     sync.Once
	altSigner         *Signer
)

// DefaultSigner returns a process-wide signer for [KeyID]. Key generation
// is slow, so tests that do not need distinct keys share this one.
func DefaultSigner(t testing.TB) *Signer {
	t.Helper()
	defaultSignerOnce.Do(func() { defaultSigner = NewSigner(t, KeyID) })
	return defaultSigner
}

// AltSigner returns a second shared signer whose key differs from
// [DefaultSigner].
func AltSigner(t testing.TB) *Signer {
	t.Helper()
	altSignerOnce.Do(func() { altSigner = NewSigner(t, "partner-key-2") })
	return altSigner
}

// CertPEM returns the certificate PEM-encoded.
func (s *Signer) CertPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.CertDER}))
}

// CertBase64 returns the DER certificate as plain base64, the form
// providers often store without PEM armor.
func (s *Signer) CertBase64() string {
	return base64.StdEncoding.EncodeToString(s.CertDER)
}

// ---------------------------------------------------------------------------
// Assertion builder
// ---------------------------------------------------------------------------

// Assertion builds a JWT bearer assertion. The zero value is not usable;
// call [NewAssertion].
type Assertion struct {
	claims jwt.MapClaims
	header map[string]any
	method jwt.SigningMethod
}

// NewAssertion returns a valid assertion from [Issuer] to [Audience] for
// [Subject], issued at now and expiring ten minutes later, with a random
// jti.
func NewAssertion(now time.Time) *Assertion {
	return &Assertion{
		claims: jwt.MapClaims{
			"iss": Issuer,
			"sub": Subject,
			"aud": []string{Audience},
			"iat": now.Unix(),
			"nbf": now.Unix(),
			"exp": now.Add(10 * time.Minute).Unix(),
			"jti": uuid.NewString(),
		},
		header: map[string]any{},
		method: jwt.SigningMethodRS256,
	}
}

// Set sets claim name to v.
func (a *Assertion) Set(name string, v any) *Assertion {
	a.claims[name] = v
	return a
}

// Delete removes claim name.
func (a *Assertion) Delete(name string) *Assertion {
	delete(a.claims, name)
	return a
}

// At sets name to t as a NumericDate with millisecond precision.
func (a *Assertion) At(name string, t time.Time) *Assertion {
	a.claims[name] = float64(t.UnixMilli()) / 1000
	return a
}

// JTI returns the assertion's jti, or "" when it was removed.
func (a *Assertion) JTI() string {
	s, _ := a.claims["jti"].(string)
	return s
}

// Header sets a JOSE header field.
func (a *Assertion) Header(name string, v any) *Assertion {
	a.header[name] = v
	return a
}

// Method sets the signing method. The default is RS256.
func (a *Assertion) Method(m jwt.SigningMethod) *Assertion {
	a.method = m
	return a
}

// Sign signs the assertion with s and sets kid to s.KeyID unless a kid
// header was set explicitly.
func (a *Assertion) Sign(t testing.TB, s *Signer) string {
	t.Helper()
	if _, ok := a.header["kid"]; !ok && s.KeyID != "" {
		a.header["kid"] = s.KeyID
	}
	return a.SignWithKey(t, s.Key)
}

// SignWithKey signs with an arbitrary key matching the signing method.
func (a *Assertion) SignWithKey(t testing.TB, key any) string {
	t.Helper()
	tok := jwt.NewWithClaims(a.method, a.claims)
	for k, v := range a.header {
		tok.Header[k] = v
	}
	raw, err := tok.SignedString(key)
	require.NoError(t, err, "sign assertion")
	return raw
}
