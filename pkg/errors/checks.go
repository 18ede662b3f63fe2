package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsGrant reports whether err is a grant rejection (GRANT_xxx).
func IsGrant(err error) bool { return hasCategory(err, categoryGrant) }

// IsValidation reports whether err is a validation error (VAL_xxx).
func IsValidation(err error) bool { return hasCategory(err, categoryValidation) }

// IsNotFound reports whether err is a lookup miss (NF_xxx).
func IsNotFound(err error) bool { return hasCategory(err, categoryNotFound) }

// IsConflict reports whether err is a concurrency conflict (CONF_xxx).
func IsConflict(err error) bool { return hasCategory(err, categoryConflict) }

// IsInternal reports whether err is an internal error (INT_xxx).
func IsInternal(err error) bool { return hasCategory(err, categoryInternal) }

// IsUnavailable reports whether err is a dependency outage (UNAVAIL_xxx).
func IsUnavailable(err error) bool { return hasCategory(err, categoryUnavailable) }

// IsTimeout reports whether err is a timeout (TIMEOUT_xxx).
func IsTimeout(err error) bool { return hasCategory(err, categoryTimeout) }

// IsRetryable reports whether retrying the same call may succeed.
// Grant rejections are final and never retryable.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case categoryTimeout, categoryUnavailable, categoryConflict:
		return true
	default:
		return false
	}
}

// IsMalformedToken reports whether err is GRANT_001.
func IsMalformedToken(err error) bool { return HasCode(err, CodeGrantMalformedToken) }

// IsMissingClaim reports whether err is GRANT_002.
func IsMissingClaim(err error) bool { return HasCode(err, CodeGrantMissingClaim) }

// IsUnknownIssuer reports whether err is GRANT_003.
func IsUnknownIssuer(err error) bool { return HasCode(err, CodeGrantUnknownIssuer) }

// IsMisconfiguredAudience reports whether err is GRANT_004.
func IsMisconfiguredAudience(err error) bool { return HasCode(err, CodeGrantMisconfiguredAudience) }

// IsSignatureInvalid reports whether err is GRANT_005.
func IsSignatureInvalid(err error) bool { return HasCode(err, CodeGrantSignature) }

// IsAudienceMismatch reports whether err is GRANT_006.
func IsAudienceMismatch(err error) bool { return HasCode(err, CodeGrantAudienceMismatch) }

// IsExpired reports whether err is GRANT_007.
func IsExpired(err error) bool { return HasCode(err, CodeGrantExpired) }

// IsNotYetValid reports whether err is GRANT_008.
func IsNotYetValid(err error) bool { return HasCode(err, CodeGrantNotYetValid) }

// IsIssuedTooEarly reports whether err is GRANT_009.
func IsIssuedTooEarly(err error) bool { return HasCode(err, CodeGrantIssuedTooEarly) }

// IsReplayedToken reports whether err is GRANT_010.
func IsReplayedToken(err error) bool { return HasCode(err, CodeGrantReplayed) }

// IsCustomClaimRejected reports whether err is GRANT_011.
func IsCustomClaimRejected(err error) bool { return HasCode(err, CodeGrantCustomClaims) }

// OAuthErrorCode returns the RFC 6749 error code for err. Errors that are
// not *Error map to "server_error".
func OAuthErrorCode(err error) string {
	if e, ok := AsError(err); ok {
		return e.OAuthErrorCode()
	}
	return "server_error"
}
