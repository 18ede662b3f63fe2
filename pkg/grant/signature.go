package grant

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// Trust is the verification material chosen for one assertion: either
// [CertificateTrust] or [JWKSTrust].
type Trust interface {
	// Kind names the trust path for logs and spans.
	Kind() string
	isTrust()
}

// CertificateTrust verifies against the provider's static certificate.
type CertificateTrust struct {
	Certificate string
}

// JWKSTrust verifies against keys published at URI.
type JWKSTrust struct {
	URI string
}

func (CertificateTrust) Kind() string { return "certificate" }
func (JWKSTrust) Kind() string        { return "jwks" }
func (CertificateTrust) isTrust()     {}
func (JWKSTrust) isTrust()            {}

// SelectTrust picks JWKS only when it is enabled globally and the provider
// publishes a JWKS URI; otherwise the certificate.
func SelectTrust(p *ProviderRecord, jwksEnabled bool) Trust {
	if jwksEnabled && p.JWKSURI != "" {
		return JWKSTrust{URI: p.JWKSURI}
	}
	return CertificateTrust{Certificate: p.Certificate}
}

// JWKSValidator verifies a compact JWS against the key set at jwksURI.
// A false result with a nil error means the signature did not verify.
type JWKSValidator interface {
	Validate(ctx context.Context, rawToken, jwksURI, alg string) (bool, error)
}

// SignatureVerifier checks assertion signatures.
type SignatureVerifier struct {
	jwksEnabled bool
	jwks        JWKSValidator
}

// NewSignatureVerifier returns a verifier. jwks may be nil when
// jwksEnabled is false.
func NewSignatureVerifier(jwksEnabled bool, jwks JWKSValidator) *SignatureVerifier {
	return &SignatureVerifier{jwksEnabled: jwksEnabled, jwks: jwks}
}

// Verify checks t's signature against p. Every failure, including a
// transport error on the JWKS path, is [sserr.CodeGrantSignature].
func (v *SignatureVerifier) Verify(ctx context.Context, t *ParsedToken, p *ProviderRecord) error {
	trust := SelectTrust(p, v.jwksEnabled)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("grant.trust", trust.Kind()))

	switch tr := trust.(type) {
	case JWKSTrust:
		if v.jwks == nil {
			return sserr.New(sserr.CodeGrantSignature, "grant: JWKS validation enabled without a key set")
		}
		ok, err := v.jwks.Validate(ctx, t.Raw, tr.URI, t.Header.Algorithm)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeGrantSignature,
				"grant: JWKS verification against %s failed", tr.URI)
		}
		if !ok {
			return sserr.Newf(sserr.CodeGrantSignature,
				"grant: signature does not verify against %s", tr.URI)
		}
		return nil
	case CertificateTrust:
		return verifyWithCertificate(t, p.Name, tr.Certificate)
	default:
		return sserr.Newf(sserr.CodeGrantSignature, "grant: unsupported trust %T", trust)
	}
}

func verifyWithCertificate(t *ParsedToken, provider, certificate string) error {
	if certificate == "" {
		return sserr.Newf(sserr.CodeGrantSignature, "grant: provider %q has no certificate", provider)
	}
	alg := t.Header.Algorithm
	if !strings.HasPrefix(alg, "RS") {
		return sserr.Newf(sserr.CodeGrantSignature,
			"grant: algorithm %q is not supported, only RS family", alg).
			WithDetail("alg", alg)
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodRSA)
	if !ok {
		return sserr.Newf(sserr.CodeGrantSignature, "grant: algorithm %q is not supported", alg).
			WithDetail("alg", alg)
	}

	cert, err := ParseCertificate(certificate)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeGrantSignature,
			"grant: certificate of provider %q cannot be decoded", provider)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return sserr.Newf(sserr.CodeGrantSignature,
			"grant: certificate of provider %q does not hold an RSA key", provider)
	}

	if err := method.Verify(t.SigningInput, t.Signature, pub); err != nil {
		return sserr.Wrap(err, sserr.CodeGrantSignature, "grant: signature verification failed")
	}
	return nil
}

// ParseCertificate decodes a PEM certificate, or base64 DER with or
// without surrounding whitespace. Base64 that wraps a PEM document is
// also accepted, which is how some registries store certificates.
func ParseCertificate(s string) (*x509.Certificate, error) {
	data := []byte(strings.TrimSpace(s))
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(data)), ""))
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(der); block != nil {
		der = block.Bytes
	}
	return x509.ParseCertificate(der)
}
