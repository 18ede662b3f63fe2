package grant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

const (
	// GrantType is the OAuth2 grant_type value handled by this package.
	GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// AssertionParam is the request parameter carrying the JWT.
	AssertionParam = "assertion"

	// maxAssertionSize rejects oversized assertions before decoding.
	maxAssertionSize = 16 << 10
)

// registeredClaims are excluded from ParsedToken.CustomClaims.
var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
}

// Header is the decoded JOSE header of an assertion.
type Header struct {
	Algorithm string
	KeyID     string
	Fields    map[string]any
}

// ParsedToken is the decoded form of an assertion. It carries no trust:
// the signature has not been checked when Extract returns.
type ParsedToken struct {
	Raw    string
	Header Header

	Issuer   string
	Subject  string
	Audience []string

	// ExpiresAt is zero when the token has no exp claim.
	ExpiresAt time.Time
	NotBefore *time.Time
	IssuedAt  *time.Time
	JTI       string

	// CustomClaims holds every claim except iss, sub, aud, exp, nbf, iat
	// and jti. Claims holds all of them.
	CustomClaims map[string]any
	Claims       map[string]any

	// SigningInput is "header.payload" as it appeared on the wire.
	SigningInput string
	Signature    []byte
}

// Hash returns the hex SHA-256 of the raw assertion. It identifies the
// exact token in logs and replay entries without storing it.
func (t *ParsedToken) Hash() string {
	return tokenHash(t.Raw)
}

// Extract decodes assertion without verifying it. It fails with
// [sserr.CodeGrantMalformedToken] when the input is not a compact JWS or a
// registered claim has the wrong JSON type. An unknown alg is not an
// extraction error; signature verification rejects it later.
func Extract(assertion string) (*ParsedToken, error) {
	if assertion == "" {
		return nil, sserr.New(sserr.CodeGrantMalformedToken, "grant: assertion is empty")
	}
	if len(assertion) > maxAssertionSize {
		return nil, sserr.Newf(sserr.CodeGrantMalformedToken, "grant: assertion exceeds %d bytes", maxAssertionSize)
	}

	parser := jwt.NewParser()
	mc := jwt.MapClaims{}
	token, parts, err := parser.ParseUnverified(assertion, mc)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, sserr.Wrap(err, sserr.CodeGrantMalformedToken, "grant: assertion is not a valid JWT")
	}
	if token == nil || len(parts) != 3 {
		return nil, sserr.New(sserr.CodeGrantMalformedToken, "grant: assertion is not a valid JWT")
	}

	alg, _ := token.Header["alg"].(string)
	if alg == "" {
		return nil, sserr.New(sserr.CodeGrantMalformedToken, "grant: assertion header has no alg")
	}
	kid, _ := token.Header["kid"].(string)

	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeGrantMalformedToken, "grant: assertion signature is not base64url")
	}

	pt := &ParsedToken{
		Raw: assertion,
		Header: Header{
			Algorithm: alg,
			KeyID:     kid,
			Fields:    token.Header,
		},
		Claims:       maps.Clone(map[string]any(mc)),
		CustomClaims: make(map[string]any),
		SigningInput: parts[0] + "." + parts[1],
		Signature:    sig,
	}

	if pt.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, claimTypeError("iss", err)
	}
	if pt.Subject, err = mc.GetSubject(); err != nil {
		return nil, claimTypeError("sub", err)
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, claimTypeError("aud", err)
	}
	pt.Audience = []string(aud)

	exp, err := numericDate(mc, "exp")
	if err != nil {
		return nil, err
	}
	if exp != nil {
		pt.ExpiresAt = *exp
	}
	if pt.NotBefore, err = numericDate(mc, "nbf"); err != nil {
		return nil, err
	}
	if pt.IssuedAt, err = numericDate(mc, "iat"); err != nil {
		return nil, err
	}

	if v, ok := mc["jti"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, claimTypeError("jti", jwt.ErrInvalidType)
		}
		pt.JTI = s
	}

	for k, v := range mc {
		if _, ok := registeredClaims[k]; !ok {
			pt.CustomClaims[k] = v
		}
	}
	return pt, nil
}

// maxNumericDate bounds NumericDate claims to years 0001 through 9999 in
// magnitude (seconds). Millisecond arithmetic on such values, skew and
// the validity window included, cannot overflow int64.
const maxNumericDate = 253402300799

// numericDate reads a NumericDate claim with millisecond precision. The
// jwt package rounds to jwt.TimePrecision, which defaults to seconds.
func numericDate(mc jwt.MapClaims, name string) (*time.Time, error) {
	v, ok := mc[name]
	if !ok || v == nil {
		return nil, nil
	}
	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, claimTypeError(name, err)
		}
		secs = f
	default:
		return nil, claimTypeError(name, jwt.ErrInvalidType)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil, claimTypeError(name, jwt.ErrInvalidType)
	}
	if math.Abs(secs) > maxNumericDate {
		return nil, sserr.Newf(sserr.CodeGrantMalformedToken,
			"grant: claim %q is out of range", name).WithDetail("claim", name)
	}
	t := time.UnixMilli(int64(math.Round(secs * 1000)))
	return &t, nil
}

func claimTypeError(name string, err error) *sserr.Error {
	return sserr.Wrapf(err, sserr.CodeGrantMalformedToken, "grant: claim %q has an invalid type", name).
		WithDetail("claim", name)
}

func tokenHash(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// shortHash is the log-safe prefix of a token hash.
func shortHash(raw string) string {
	return tokenHash(raw)[:12]
}

// stringifyClaim renders a claim value the way projection stores it:
// strings verbatim, numbers without exponent, objects and arrays as JSON.
func stringifyClaim(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
