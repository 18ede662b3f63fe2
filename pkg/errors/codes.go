package errors

import "strings"

// Code is a stable, machine-readable error code of the form CATEGORY_NNN.
// Codes are never renumbered once published; new conditions get new
// numbers.
type Code string

const (
	categoryGrant          = "GRANT"
	categoryValidation     = "VAL"
	categoryAuthentication = "AUTH"
	categoryNotFound       = "NF"
	categoryConflict       = "CONF"
	categoryInternal       = "INT"
	categoryUnavailable    = "UNAVAIL"
	categoryTimeout        = "TIMEOUT"
)

// Grant rejection codes (GRANT_xxx). Each maps to one rejection kind of
// the JWT bearer grant pipeline and is reported to clients as
// "invalid_grant".
const (
	// CodeGrantMalformedToken: the assertion is missing or is not a
	// well-formed compact JWT.
	CodeGrantMalformedToken Code = "GRANT_001"

	// CodeGrantMissingClaim: iss, sub, exp or aud is absent or empty.
	CodeGrantMissingClaim Code = "GRANT_002"

	// CodeGrantUnknownIssuer: no trusted identity provider resolves for
	// the issuer within the tenant.
	CodeGrantUnknownIssuer Code = "GRANT_003"

	// CodeGrantMisconfiguredAudience: the resolved provider has no
	// token endpoint alias to match against aud.
	CodeGrantMisconfiguredAudience Code = "GRANT_004"

	// CodeGrantSignature: no usable key material, an unsupported
	// algorithm, or a signature mismatch.
	CodeGrantSignature Code = "GRANT_005"

	// CodeGrantAudienceMismatch: the expected audience is not in aud.
	CodeGrantAudienceMismatch Code = "GRANT_006"

	// CodeGrantExpired: now + skew is past exp.
	CodeGrantExpired Code = "GRANT_007"

	// CodeGrantNotYetValid: now + skew is before nbf.
	CodeGrantNotYetValid Code = "GRANT_008"

	// CodeGrantIssuedTooEarly: iat is older than the validity period.
	CodeGrantIssuedTooEarly Code = "GRANT_009"

	// CodeGrantReplayed: the jti was consumed by a token that is still
	// valid.
	CodeGrantReplayed Code = "GRANT_010"

	// CodeGrantCustomClaims: the deployment's custom-claims hook
	// rejected the assertion.
	CodeGrantCustomClaims Code = "GRANT_011"
)

// Request and configuration validation codes (VAL_xxx).
const (
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"
	CodeValidationRange    Code = "VAL_004"

	// CodeValidationGrantType: the request names a grant type this
	// endpoint does not serve.
	CodeValidationGrantType Code = "VAL_005"
)

// Client authentication codes (AUTH_xxx).
const (
	CodeAuthentication Code = "AUTH_001"
)

// Lookup codes (NF_xxx).
const (
	CodeNotFound         Code = "NF_001"
	CodeNotFoundUser     Code = "NF_002"
	CodeNotFoundProvider Code = "NF_003"
)

// Concurrency codes (CONF_xxx).
const (
	CodeConflict Code = "CONF_001"

	// CodeConflictVersionMismatch: an optimistic transaction kept losing
	// to concurrent writers.
	CodeConflictVersionMismatch Code = "CONF_003"
)

// Internal codes (INT_xxx).
const (
	CodeInternal              Code = "INT_001"
	CodeInternalDatabase      Code = "INT_002"
	CodeInternalConfiguration Code = "INT_003"

	// CodeInternalClaimMapping: claims of an accepted assertion could
	// not be projected into the OIDC dialect. Never revokes the issued
	// token.
	CodeInternalClaimMapping Code = "INT_004"
)

// Dependency availability codes (UNAVAIL_xxx, TIMEOUT_xxx).
const (
	CodeUnavailable           Code = "UNAVAIL_001"
	CodeUnavailableDependency Code = "UNAVAIL_002"

	CodeTimeout           Code = "TIMEOUT_001"
	CodeTimeoutDatabase   Code = "TIMEOUT_002"
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the code as a string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("GRANT",
// "VAL", ...), or the whole code if it has none.
func (c Code) Category() string {
	s := string(c)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}
