// Package errors defines the structured error type shared by every package
// in the JWT bearer grant module. A single [Error] type carries a stable,
// machine-readable [Code]; callers discriminate failures by code instead of
// by message text.
//
// # Categories
//
// Codes are grouped by the prefix before the underscore:
//
//   - GRANT: the assertion was rejected (OAuth2 "invalid_grant")
//   - VAL: the request or configuration is invalid
//   - AUTH: the client could not be authenticated
//   - NF: a looked-up record does not exist
//   - CONF: a concurrent writer won a race
//   - INT: an unexpected internal or storage failure
//   - UNAVAIL: a dependency (registry, cache, JWKS endpoint) is down
//   - TIMEOUT: a dependency did not answer in time
//
// # Usage
//
//	err := errors.New(errors.CodeGrantExpired, "grant: assertion has expired")
//
//	if errors.IsReplayedToken(err) {
//	    // the jti was already consumed
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("grant rejected", "code", e.Code, "reason", e.Message)
//	}
package errors
