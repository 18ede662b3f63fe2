package grant

import (
	"time"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// Temporal checks compare whole milliseconds. Each takes the current time
// and the configured skew; skew is added to now in every comparison.

// CheckExpiration rejects a token when now+skew is past exp.
func CheckExpiration(now time.Time, skew time.Duration, exp time.Time) error {
	nowMs, skewMs, expMs := now.UnixMilli(), skew.Milliseconds(), exp.UnixMilli()
	if nowMs+skewMs > expMs {
		return sserr.Newf(sserr.CodeGrantExpired,
			"grant: assertion expired at %d, now %d with skew %dms", expMs, nowMs, skewMs).
			WithDetail("exp", expMs)
	}
	return nil
}

// CheckNotBefore rejects a token when now+skew is before nbf. A nil nbf
// passes.
func CheckNotBefore(now time.Time, skew time.Duration, nbf *time.Time) error {
	if nbf == nil {
		return nil
	}
	nowMs, skewMs, nbfMs := now.UnixMilli(), skew.Milliseconds(), nbf.UnixMilli()
	if nowMs+skewMs < nbfMs {
		return sserr.Newf(sserr.CodeGrantNotYetValid,
			"grant: assertion not valid before %d, now %d with skew %dms", nbfMs, nowMs, skewMs).
			WithDetail("nbf", nbfMs)
	}
	return nil
}

// CheckIssuedAt rejects a token issued more than window before now+skew.
// A nil iat passes.
func CheckIssuedAt(now time.Time, skew time.Duration, iat *time.Time, window time.Duration) error {
	if iat == nil {
		return nil
	}
	nowMs, skewMs, iatMs := now.UnixMilli(), skew.Milliseconds(), iat.UnixMilli()
	if nowMs+skewMs-iatMs > window.Milliseconds() {
		return sserr.Newf(sserr.CodeGrantIssuedTooEarly,
			"grant: assertion issued at %d is older than %dms, now %d with skew %dms",
			iatMs, window.Milliseconds(), nowMs, skewMs).
			WithDetail("iat", iatMs)
	}
	return nil
}

// TemporalValidator runs the three checks in order: exp, nbf, iat.
type TemporalValidator struct {
	Skew           time.Duration
	ValidityWindow time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate returns the first failing check.
func (v TemporalValidator) Validate(t *ParsedToken) error {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if err := CheckExpiration(now, v.Skew, t.ExpiresAt); err != nil {
		return err
	}
	if err := CheckNotBefore(now, v.Skew, t.NotBefore); err != nil {
		return err
	}
	return CheckIssuedAt(now, v.Skew, t.IssuedAt, v.ValidityWindow)
}
