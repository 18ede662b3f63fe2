package grant

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

const (
	// ResidentProviderName is the reserved name of a tenant's own
	// identity provider.
	ResidentProviderName = "LOCAL"

	// DefaultProviderName is the placeholder a registry may return when it
	// has no provider registered under the requested name.
	DefaultProviderName = "default"
)

// ClaimMapping pairs a provider's claim URI with the local claim it maps to.
type ClaimMapping struct {
	Remote string `json:"remote" yaml:"remote"`
	Local  string `json:"local" yaml:"local"`
}

// ProviderRecord is the trust anchor for an issuer within a tenant.
type ProviderRecord struct {
	Name         string `json:"name" yaml:"name"`
	TenantDomain string `json:"tenant" yaml:"tenant"`

	// EntityID is the issuer value the provider asserts. For the resident
	// provider it is the OIDC IdP entity id.
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Resident bool   `json:"resident" yaml:"resident"`

	// Certificate is a PEM or base64 DER X.509 certificate.
	Certificate string `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	JWKSURI     string `json:"jwks_uri,omitempty" yaml:"jwks_uri,omitempty"`

	// Alias is the audience a federated provider's assertions must carry.
	Alias string `json:"alias,omitempty" yaml:"alias,omitempty"`

	// TokenEndpoint is the resident provider's OIDC token endpoint URL,
	// used as its expected audience.
	TokenEndpoint string `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`

	LocalClaimDialect bool           `json:"local_claim_dialect" yaml:"local_claim_dialect"`
	ClaimMappings     []ClaimMapping `json:"claim_mappings,omitempty" yaml:"claim_mappings,omitempty"`
}

// IsResident reports whether p is a tenant's own provider.
func (p *ProviderRecord) IsResident() bool {
	return p.Resident || p.Name == ResidentProviderName
}

// Clone returns a deep copy of p.
func (p *ProviderRecord) Clone() *ProviderRecord {
	c := *p
	c.ClaimMappings = slices.Clone(p.ClaimMappings)
	return &c
}

// Registry looks up identity providers. Implementations return an error
// for which [sserr.IsNotFound] is true when nothing matches.
type Registry interface {
	ProviderByName(ctx context.Context, name, tenant string) (*ProviderRecord, error)
	ResidentProvider(ctx context.Context, tenant string) (*ProviderRecord, error)
}

// ExpectedAudience returns the audience an assertion for p must carry:
// the token endpoint URL for a resident provider, the alias otherwise.
func ExpectedAudience(p *ProviderRecord) (string, error) {
	aud := p.Alias
	if p.IsResident() {
		aud = p.TokenEndpoint
	}
	if aud == "" {
		return "", sserr.Newf(sserr.CodeGrantMisconfiguredAudience,
			"grant: provider %q has no token endpoint alias", p.Name)
	}
	return aud, nil
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

// Resolver maps an issuer to its provider record.
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

// NewResolver returns a Resolver over registry. A nil logger uses
// slog.Default().
func NewResolver(registry Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{registry: registry, logger: logger}
}

// Resolve returns the provider trusted for issuer in tenant.
//
// A registry answer named "default" is a placeholder, not a match: it is
// replaced by the tenant's resident provider only when issuer equals the
// resident provider's entity id.
//
// Errors:
//   - [sserr.CodeGrantUnknownIssuer]: nothing trusted matches issuer
//   - [sserr.CodeUnavailableDependency]: the registry failed
func (r *Resolver) Resolve(ctx context.Context, issuer, tenant string) (*ProviderRecord, error) {
	p, err := r.registry.ProviderByName(ctx, issuer, tenant)
	if err != nil {
		return nil, r.registryError(err, issuer, tenant)
	}
	if p == nil {
		return nil, unknownIssuer(issuer, tenant)
	}
	if !strings.EqualFold(p.Name, DefaultProviderName) {
		return p, nil
	}

	resident, err := r.registry.ResidentProvider(ctx, tenant)
	if err != nil {
		return nil, r.registryError(err, issuer, tenant)
	}
	if resident == nil || resident.EntityID == "" || resident.EntityID != issuer {
		r.logger.DebugContext(ctx, "grant: issuer does not match resident provider",
			"issuer", issuer,
			"tenant", tenant,
		)
		return nil, unknownIssuer(issuer, tenant)
	}
	if resident.Name == "" {
		resident = resident.Clone()
		resident.Name = ResidentProviderName
	}
	return resident, nil
}

func (r *Resolver) registryError(err error, issuer, tenant string) error {
	if sserr.IsNotFound(err) {
		return unknownIssuer(issuer, tenant)
	}
	if sserr.IsGrant(err) {
		return err
	}
	return sserr.Wrapf(err, sserr.CodeUnavailableDependency,
		"grant: provider registry lookup for %q failed", issuer)
}

func unknownIssuer(issuer, tenant string) *sserr.Error {
	return sserr.Newf(sserr.CodeGrantUnknownIssuer,
		"grant: no registered provider for issuer %q in tenant %q", issuer, tenant)
}

// ---------------------------------------------------------------------------
// MemoryRegistry
// ---------------------------------------------------------------------------

type providerKey struct {
	tenant string
	name   string
}

// MemoryRegistry is a Registry held in memory. Like the registries it
// stands in for, it answers an unknown name with the tenant's provider
// named "default" when one is registered. It is safe for concurrent use.
type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[providerKey]*ProviderRecord
	residents map[string]*ProviderRecord
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		providers: make(map[providerKey]*ProviderRecord),
		residents: make(map[string]*ProviderRecord),
	}
}

// Add registers p under its name and tenant, replacing any previous record.
func (r *MemoryRegistry) Add(p ProviderRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerKey{p.TenantDomain, p.Name}] = p.Clone()
}

// SetResident registers p as the resident provider of its tenant.
func (r *MemoryRegistry) SetResident(p ProviderRecord) {
	p.Resident = true
	if p.Name == "" {
		p.Name = ResidentProviderName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.residents[p.TenantDomain] = p.Clone()
}

// Replace swaps in a copy of other's records in one step, so lookups see
// either the old set or the new one.
func (r *MemoryRegistry) Replace(other *MemoryRegistry) {
	other.mu.RLock()
	providers := maps.Clone(other.providers)
	residents := maps.Clone(other.residents)
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers, r.residents = providers, residents
}

// Len returns the number of registered providers, residents included.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers) + len(r.residents)
}

// ProviderByName returns a copy of the record, falling back to the
// tenant's "default" placeholder.
func (r *MemoryRegistry) ProviderByName(_ context.Context, name, tenant string) (*ProviderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[providerKey{tenant, name}]; ok {
		return p.Clone(), nil
	}
	if p, ok := r.providers[providerKey{tenant, DefaultProviderName}]; ok {
		return p.Clone(), nil
	}
	return nil, sserr.Newf(sserr.CodeNotFoundProvider, "grant: provider %q not registered in tenant %q", name, tenant)
}

// ResidentProvider returns a copy of the tenant's resident provider.
func (r *MemoryRegistry) ResidentProvider(_ context.Context, tenant string) (*ProviderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.residents[tenant]; ok {
		return p.Clone(), nil
	}
	return nil, sserr.Newf(sserr.CodeNotFoundProvider, "grant: tenant %q has no resident provider", tenant)
}
