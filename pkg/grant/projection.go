package grant

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

const (
	// LocalClaimDialect is the URI prefix of local claims.
	LocalClaimDialect = "http://wso2.org/claims/"

	// OpenIDScope marks a request whose response carries an ID token.
	OpenIDScope = "openid"
)

// HasOpenIDScope reports whether scope requests an ID token.
func HasOpenIDScope(scope []string) bool {
	return slices.Contains(scope, OpenIDScope)
}

// IsLocalDialect reports whether claims are already local: at least one
// claim name is a local claim URI and every name that is not a registered
// JWT claim (iss, sub, aud, ...) is one.
func IsLocalDialect(claims map[string]string) bool {
	found := false
	for k := range claims {
		if _, registered := registeredClaims[k]; registered {
			continue
		}
		if !strings.HasPrefix(k, LocalClaimDialect) {
			return false
		}
		found = true
	}
	return found
}

// DialectConverter translates claim names between dialects.
type DialectConverter interface {
	// FederatedToLocal maps a federated provider's claims to local
	// claims using the provider's claim mappings.
	FederatedToLocal(ctx context.Context, p *ProviderRecord, claims map[string]string) (map[string]string, error)

	// LocalToOIDC maps local claims to OIDC claim names for tenant.
	LocalToOIDC(ctx context.Context, tenant string, claims map[string]string) (map[string]string, error)
}

// AttributeEntry is what ID token issuance reads for an access token.
type AttributeEntry struct {
	SubjectClaim string            `json:"sub"`
	TokenID      string            `json:"token_id,omitempty"`
	Attributes   map[string]string `json:"attributes"`
}

// AttributeCache holds projected attributes keyed by access token.
type AttributeCache interface {
	Put(ctx context.Context, accessToken string, entry AttributeEntry) error

	// Get returns nil, nil when nothing is cached for accessToken.
	Get(ctx context.Context, accessToken string) (*AttributeEntry, error)
}

// Issuance describes an access token issued for an accepted grant.
type Issuance struct {
	AccessToken string
	TokenID     string
	Request     TokenRequest
	Outcome     *Outcome
}

// ---------------------------------------------------------------------------
// Projector
// ---------------------------------------------------------------------------

// Projector maps an accepted assertion's claims to OIDC attributes and
// caches them against the issued access token.
type Projector struct {
	resolver  *Resolver
	converter DialectConverter
	cache     AttributeCache
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewProjector returns a projector. A nil logger uses slog.Default().
func NewProjector(resolver *Resolver, converter DialectConverter, cache AttributeCache, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		resolver:  resolver,
		converter: converter,
		cache:     cache,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Project caches the OIDC attributes of iss.Request's assertion under
// iss.AccessToken. It does nothing unless the scope contains openid.
// Failures are [sserr.CodeInternalClaimMapping]; they never invalidate
// the issued access token.
func (p *Projector) Project(ctx context.Context, iss Issuance) error {
	if !HasOpenIDScope(iss.Request.Scope) {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "grant.Project")
	defer span.End()

	err := p.project(ctx, iss)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.WarnContext(ctx, "grant: claim projection failed",
			"error", err,
			"token_id", iss.TokenID,
		)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *Projector) project(ctx context.Context, iss Issuance) error {
	tok, err := Extract(iss.Request.Assertion())
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalClaimMapping, "grant: assertion cannot be re-read for projection")
	}

	tenant := iss.Request.TenantDomain
	if iss.Outcome != nil && iss.Outcome.TenantDomain != "" {
		tenant = iss.Outcome.TenantDomain
	}
	if tenant == "" {
		tenant = DefaultTenant
	}

	provider, err := p.resolver.Resolve(ctx, tok.Issuer, tenant)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalClaimMapping, "grant: provider for %q unavailable for projection", tok.Issuer)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("grant.provider", provider.Name))

	claims := make(map[string]string, len(tok.Claims))
	for k, v := range tok.Claims {
		claims[k] = stringifyClaim(v)
	}

	var local map[string]string
	if provider.IsResident() {
		local = p.residentClaims(ctx, provider, claims)
	} else {
		local, err = p.federatedClaims(ctx, provider, claims)
		if err != nil {
			return err
		}
	}
	if len(local) == 0 {
		p.logger.DebugContext(ctx, "grant: no local claims to project", "provider", provider.Name)
		return nil
	}

	oidc, err := p.converter.LocalToOIDC(ctx, tenant, local)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalClaimMapping, "grant: converting claims to the OIDC dialect failed")
	}

	entry := AttributeEntry{TokenID: iss.TokenID, Attributes: oidc}
	if iss.Outcome != nil && iss.Outcome.User != nil {
		entry.SubjectClaim = iss.Outcome.User.SubjectIdentifier
	}
	if err := p.cache.Put(ctx, iss.AccessToken, entry); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalClaimMapping, "grant: caching projected attributes failed")
	}
	return nil
}

// residentClaims passes claims through only when they are already local.
func (p *Projector) residentClaims(ctx context.Context, provider *ProviderRecord, claims map[string]string) map[string]string {
	if IsLocalDialect(claims) {
		return claims
	}
	if !provider.LocalClaimDialect {
		p.logger.DebugContext(ctx, "grant: resident provider claims are not in the local dialect; skipping",
			"provider", provider.Name)
	}
	return nil
}

func (p *Projector) federatedClaims(ctx context.Context, provider *ProviderRecord, claims map[string]string) (map[string]string, error) {
	if provider.LocalClaimDialect || len(provider.ClaimMappings) == 0 {
		if IsLocalDialect(claims) {
			return claims, nil
		}
		return nil, nil
	}
	local, err := p.converter.FederatedToLocal(ctx, provider, claims)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalClaimMapping,
			"grant: converting claims of provider %q to the local dialect failed", provider.Name)
	}
	return local, nil
}

// ---------------------------------------------------------------------------
// StaticDialectConverter
// ---------------------------------------------------------------------------

// DefaultOIDCClaims maps common local claims to their OIDC names.
var DefaultOIDCClaims = map[string]string{
	LocalClaimDialect + "username":     "preferred_username",
	LocalClaimDialect + "emailaddress": "email",
	LocalClaimDialect + "givenname":    "given_name",
	LocalClaimDialect + "lastname":     "family_name",
	LocalClaimDialect + "fullname":     "name",
	LocalClaimDialect + "mobile":       "phone_number",
	LocalClaimDialect + "country":      "country",
	LocalClaimDialect + "role":         "groups",
}

// StaticDialectConverter converts with fixed tables. Federated claims are
// renamed through the provider's ClaimMappings; local claims through
// OIDC. Claims without a mapping are dropped.
type StaticDialectConverter struct {
	// OIDC maps local claim URIs to OIDC claim names. Nil uses
	// DefaultOIDCClaims.
	OIDC map[string]string
}

var _ DialectConverter = StaticDialectConverter{}

// FederatedToLocal renames claims through the provider's mappings.
// Claims without a mapping are dropped.
func (c StaticDialectConverter) FederatedToLocal(_ context.Context, p *ProviderRecord, claims map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(p.ClaimMappings))
	for _, m := range p.ClaimMappings {
		if v, ok := claims[m.Remote]; ok && m.Local != "" {
			out[m.Local] = v
		}
	}
	return out, nil
}

// LocalToOIDC renames local claims through the OIDC table and drops those
// with no OIDC name.
func (c StaticDialectConverter) LocalToOIDC(_ context.Context, _ string, claims map[string]string) (map[string]string, error) {
	table := c.OIDC
	if table == nil {
		table = DefaultOIDCClaims
	}
	out := make(map[string]string, len(claims))
	for k, v := range claims {
		if name, ok := table[k]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// MemoryAttributeCache
// ---------------------------------------------------------------------------

// MemoryAttributeCache is an AttributeCache held in memory with no
// eviction. It suits tests and single-process deployments with short
// token lifetimes.
type MemoryAttributeCache struct {
	mu      sync.RWMutex
	entries map[string]AttributeEntry
}

var _ AttributeCache = (*MemoryAttributeCache)(nil)

// NewMemoryAttributeCache returns an empty, unbounded cache.
func NewMemoryAttributeCache() *MemoryAttributeCache {
	return &MemoryAttributeCache{entries: make(map[string]AttributeEntry)}
}

// Put stores a copy of entry.
func (c *MemoryAttributeCache) Put(_ context.Context, accessToken string, entry AttributeEntry) error {
	entry.Attributes = maps.Clone(entry.Attributes)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accessToken] = entry
	return nil
}

// Get returns a copy of the cached entry, or nil, nil.
func (c *MemoryAttributeCache) Get(_ context.Context, accessToken string) (*AttributeEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[accessToken]
	if !ok {
		return nil, nil
	}
	e.Attributes = maps.Clone(e.Attributes)
	return &e, nil
}
