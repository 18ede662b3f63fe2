// Package grant validates OAuth2 JWT bearer grant assertions
// (urn:ietf:params:oauth:grant-type:jwt-bearer).
//
// [Handler.Validate] runs the pipeline: extract claims, resolve the
// issuer's provider, check the expected audience is configured, verify the
// signature, bind the subject, match the audience, run the temporal checks
// and finally admit the jti through the [ReplayCache]. The first failing
// step rejects the grant with a GRANT_* [sserr.Error].
//
//	h, err := grant.NewHandler(grant.HandlerOptions{
//	    Config:   cfg,
//	    Registry: registry,
//	})
//	outcome, err := h.Validate(ctx, grant.TokenRequest{
//	    TenantDomain:      "acme.com",
//	    RequestParameters: map[string][]string{grant.AssertionParam: {assertion}},
//	})
//	if sserr.IsReplayedToken(err) {
//	    // the jti was already consumed
//	}
//
// Accepted grants for the openid scope are then handed to a [Projector],
// which maps the assertion's claims into the attribute cache for ID token
// issuance.
//
// # Tracing
//
// Each call opens a "grant.Validate" span carrying the tenant, issuer,
// provider and outcome. The resolve, signature, claim and admission steps
// run in child spans (grant.Resolve, grant.VerifySignature,
// grant.CheckClaims, grant.Admit); a failing step records its error code
// on both its own span and the parent.
//
// # Logging
//
// Rejections are logged at WARN with the error code and a short hash of
// the assertion, never the assertion itself. Passed steps log at DEBUG.
package grant

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

const tracerName = "github.com/StricklySoft/jwt-bearer-grant/pkg/grant"

// TokenRequest is the part of an OAuth2 token request the grant reads.
type TokenRequest struct {
	// TenantDomain is the tenant the request was made to. Empty means
	// Config.DefaultTenant.
	TenantDomain string

	// Scope is echoed into the Outcome; "openid" enables projection.
	Scope []string

	// RequestParameters are the raw form parameters. The assertion is
	// read from AssertionParam.
	RequestParameters map[string][]string
}

// Assertion returns the first assertion parameter, or "".
func (r TokenRequest) Assertion() string {
	if v := r.RequestParameters[AssertionParam]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Outcome is the result of an accepted grant. Rejections are errors, so
// an Outcome returned by [Handler.Validate] is always Accepted.
type Outcome struct {
	Accepted bool

	// User is the subject the access token is issued for.
	User         *AuthenticatedUser
	TenantDomain string

	// Provider is the name of the provider that vouched for the assertion,
	// and Audience the value matched against its aud claim.
	Provider string
	Audience string

	JTI       string
	ExpiresAt time.Time
	Scope     []string

	// Token is the parsed assertion, kept for claim projection.
	Token *ParsedToken
}

// CustomClaimsValidator is an extension point for deployment-specific
// claim rules. It runs after the replay check and, when the replay cache
// is on, inside the same atomic section, so a rejected token never
// consumes its jti. Returning an error rejects the grant; errors outside
// the GRANT category are reported as [sserr.CodeGrantCustomClaims].
type CustomClaimsValidator func(ctx context.Context, t *ParsedToken, p *ProviderRecord) error

// HandlerOptions configures [NewHandler]. Only Registry is required.
type HandlerOptions struct {
	Config   Config
	Registry Registry

	// ReplayCache defaults to a [MemoryReplayCache] sized from Config.
	ReplayCache ReplayCache

	// JWKS defaults to a [JWKSKeySet] when Config.JWKSValidationEnabled.
	JWKS JWKSValidator

	// UserStore is required when Config.SplitAuthzUser3Way is set.
	UserStore UserStore

	// SubjectResolver picks the subject from the claims; defaults to
	// SubjectClaim (sub verbatim).
	SubjectResolver SubjectResolver

	// CustomClaims, when set, runs after the replay check and before the
	// jti is recorded.
	CustomClaims CustomClaimsValidator

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler validates JWT bearer grants. It is safe for concurrent use.
type Handler struct {
	cfg      Config
	resolver *Resolver
	verifier *SignatureVerifier
	temporal TemporalValidator
	policy   ReplayPolicy
	replay   ReplayCache
	users    UserStore
	subject  SubjectResolver
	custom   CustomClaimsValidator
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler validates opts and fills in defaults. Without a JWKS
// validator and with JWKS enabled, it fetches key sets over an
// otelhttp-instrumented client bounded by Config.JWKSFetchTimeout.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "grant: a provider registry is required")
	}
	if cfg.SplitAuthzUser3Way && opts.UserStore == nil {
		return nil, sserr.New(sserr.CodeValidationRequired,
			"grant: a user store is required when split_authz_user_3_way is enabled")
	}

	h := &Handler{
		cfg:     cfg,
		replay:  opts.ReplayCache,
		subject: opts.SubjectResolver,
		custom:  opts.CustomClaims,
		clock:   opts.Clock,
		logger:  opts.Logger,
		tracer:  otel.Tracer(tracerName),
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.subject == nil {
		h.subject = SubjectClaim
	}
	if cfg.CacheUsedJTI && h.replay == nil {
		h.replay = NewMemoryReplayCache(cfg.ReplayCacheMaxSize, cfg.Skew())
	}
	if cfg.SplitAuthzUser3Way {
		h.users = opts.UserStore
	}

	jwks := opts.JWKS
	if cfg.JWKSValidationEnabled && jwks == nil {
		jwks = NewJWKSKeySet(cfg.JWKSCacheTTL, &http.Client{
			Timeout:   cfg.JWKSFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}

	h.resolver = NewResolver(opts.Registry, h.logger)
	h.verifier = NewSignatureVerifier(cfg.JWKSValidationEnabled, jwks)
	h.temporal = TemporalValidator{Skew: cfg.Skew(), ValidityWindow: cfg.ValidityWindow(), Now: h.clock}
	h.policy = ReplayPolicy{Skew: cfg.Skew(), Now: h.clock}
	return h, nil
}

// Resolver returns the handler's provider resolver, for sharing with a
// [Projector].
func (h *Handler) Resolver() *Resolver {
	return h.resolver
}

// Validate decides whether req carries an acceptable assertion. It
// returns an accepted Outcome or a GRANT_* error; storage and registry
// outages surface as UNAVAIL_* or INT_* errors and also reject the grant.
func (h *Handler) Validate(ctx context.Context, req TokenRequest) (*Outcome, error) {
	tenant := h.cfg.tenantOr(req.TenantDomain)
	ctx, span := h.tracer.Start(ctx, "grant.Validate")
	defer span.End()
	span.SetAttributes(attribute.String("grant.tenant", tenant))

	out, tok, err := h.validate(ctx, req, tenant)
	if err != nil {
		h.reject(ctx, span, err, tenant, tok)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("grant.provider", out.Provider),
		attribute.String("grant.outcome", "accepted"),
	)
	span.SetStatus(codes.Ok, "")
	h.logger.InfoContext(ctx, "grant: assertion accepted",
		"tenant", tenant,
		"issuer", tok.Issuer,
		"provider", out.Provider,
		"jti", tok.JTI,
		"user", out.User.SubjectIdentifier,
	)
	return out, nil
}

// validate runs the steps in order. Once extracted, the token is returned
// even on failure so reject can log its issuer and jti.
func (h *Handler) validate(ctx context.Context, req TokenRequest, tenant string) (*Outcome, *ParsedToken, error) {
	tok, err := Extract(req.Assertion())
	if err != nil {
		return nil, nil, err
	}

	subject, err := h.subject(tok)
	if err != nil {
		if _, coded := sserr.AsError(err); !coded {
			err = sserr.Wrap(err, sserr.CodeGrantMissingClaim, "grant: subject could not be resolved")
		}
		return nil, tok, err
	}
	if err := checkMandatory(tok, subject); err != nil {
		return nil, tok, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("grant.issuer", tok.Issuer))

	var (
		provider *ProviderRecord
		audience string
	)
	err = h.stage(ctx, "grant.Resolve", func(ctx context.Context) error {
		var err error
		if provider, err = h.resolver.Resolve(ctx, tok.Issuer, tenant); err != nil {
			return err
		}
		audience, err = ExpectedAudience(provider)
		return err
	})
	if err != nil {
		return nil, tok, err
	}
	h.logger.DebugContext(ctx, "grant: provider resolved", "provider", provider.Name, "audience", audience)

	err = h.stage(ctx, "grant.VerifySignature", func(ctx context.Context) error {
		return h.verifier.Verify(ctx, tok, provider)
	})
	if err != nil {
		return nil, tok, err
	}
	h.logger.DebugContext(ctx, "grant: signature verified", "provider", provider.Name)

	user, err := bindSubject(ctx, h.users, subject, tenant)
	if err != nil {
		return nil, tok, err
	}
	if user.TenantDomain == "" {
		user.TenantDomain = tenant
	}

	err = h.stage(ctx, "grant.CheckClaims", func(context.Context) error {
		if !slices.Contains(tok.Audience, audience) {
			return sserr.Newf(sserr.CodeGrantAudienceMismatch,
				"grant: audience does not contain %q", audience).WithDetail("expected", audience)
		}
		return h.temporal.Validate(tok)
	})
	if err != nil {
		return nil, tok, err
	}
	h.logger.DebugContext(ctx, "grant: audience and validity window checked")

	err = h.stage(ctx, "grant.Admit", func(ctx context.Context) error {
		return h.admit(ctx, tok, provider)
	})
	if err != nil {
		return nil, tok, err
	}

	return &Outcome{
		Accepted:     true,
		User:         user,
		TenantDomain: tenant,
		Provider:     provider.Name,
		Audience:     audience,
		JTI:          tok.JTI,
		ExpiresAt:    tok.ExpiresAt,
		Scope:        slices.Clone(req.Scope),
		Token:        tok,
	}, tok, nil
}

// stage runs one validation step in a child span of grant.Validate. A
// failing step records its error code on the child span as well.
func (h *Handler) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := h.tracer.Start(ctx, name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("grant.error_code", string(sserr.GetCode(err))))
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// admit runs the replay policy and the custom-claims hook, then records
// the jti. Without a replay cache or a jti only the hook runs.
func (h *Handler) admit(ctx context.Context, tok *ParsedToken, provider *ProviderRecord) error {
	if !h.cfg.CacheUsedJTI || h.replay == nil || tok.JTI == "" {
		return h.checkCustomClaims(ctx, tok, provider)
	}

	entry := ReplayEntry{
		JTI:       tok.JTI,
		ExpiresAt: tok.ExpiresAt,
		TokenHash: tok.Hash(),
		StoredAt:  h.clock(),
	}
	err := h.replay.Admit(ctx, entry, func(cached *ReplayEntry) error {
		if err := h.policy.Check(cached); err != nil {
			return err
		}
		if cached != nil {
			h.logger.DebugContext(ctx, "grant: jti reused after its predecessor expired",
				"jti", tok.JTI,
				"cached_exp", cached.ExpiresAt,
			)
		}
		return h.checkCustomClaims(ctx, tok, provider)
	})
	if err != nil {
		if _, coded := sserr.AsError(err); !coded {
			err = sserr.Wrap(err, sserr.CodeInternalDatabase, "grant: replay cache failed")
		}
		return err
	}
	return nil
}

// checkCustomClaims runs the hook. Errors without a GRANT_* code become
// GRANT custom-claims errors.
func (h *Handler) checkCustomClaims(ctx context.Context, tok *ParsedToken, provider *ProviderRecord) error {
	if h.custom == nil {
		return nil
	}
	err := h.custom(ctx, tok, provider)
	if err == nil || sserr.IsGrant(err) {
		return err
	}
	return sserr.Wrap(err, sserr.CodeGrantCustomClaims, "grant: custom claims were rejected")
}

func checkMandatory(tok *ParsedToken, subject string) error {
	var missing string
	switch {
	case tok.Issuer == "":
		missing = "iss"
	case subject == "":
		missing = "sub"
	case tok.ExpiresAt.IsZero():
		missing = "exp"
	case len(tok.Audience) == 0 || !slices.ContainsFunc(tok.Audience, func(a string) bool { return a != "" }):
		missing = "aud"
	default:
		return nil
	}
	return sserr.Newf(sserr.CodeGrantMissingClaim, "grant: mandatory claim %q is missing", missing).
		WithDetail("claim", missing)
}

// reject logs a refused grant and marks the span failed.
func (h *Handler) reject(ctx context.Context, span trace.Span, err error, tenant string, tok *ParsedToken) {
	code := sserr.GetCode(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String("grant.outcome", "rejected"),
		attribute.String("grant.error_code", string(code)),
	)

	attrs := []any{"code", code, "tenant", tenant}
	if e, ok := sserr.AsError(err); ok {
		attrs = append(attrs, "reason", e.Message)
	}
	if tok != nil {
		attrs = append(attrs, "issuer", tok.Issuer, "jti", tok.JTI, "assertion_sha256", shortHash(tok.Raw))
	}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	h.logger.WarnContext(ctx, "grant: assertion rejected", attrs...)
}
