// Package bundle loads identity-provider registrations from a YAML
// document into a [grant.MemoryRegistry]. Bundles are read from a local
// file or from an S3-compatible bucket:
//
//	providers:
//	  - name: https://idp.partner.test
//	    tenant: acme.com
//	    entity_id: https://idp.partner.test
//	    alias: https://as.acme.test/oauth2/token
//	    jwks_uri: https://idp.partner.test/.well-known/jwks.json
//	    claim_mappings:
//	      - remote: email
//	        local: http://wso2.org/claims/emailaddress
//	residents:
//	  - tenant: acme.com
//	    entity_id: https://localhost:9443/oauth2/token
//	    token_endpoint: https://localhost:9443/oauth2/token
package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/minio"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

// MaxSize is the largest bundle accepted from any source.
const MaxSize = 1 << 20

// Bundle is the decoded document.
type Bundle struct {
	Providers []grant.ProviderRecord `yaml:"providers"`
	Residents []grant.ProviderRecord `yaml:"residents"`
}

// Parse decodes and validates a bundle. Unknown fields are rejected so
// that a misspelt key does not silently drop trust configuration.
func Parse(data []byte) (*Bundle, error) {
	if len(data) > MaxSize {
		return nil, sserr.Newf(sserr.CodeValidationRange, "bundle: %d bytes exceeds limit %d", len(data), MaxSize)
	}
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, sserr.Wrap(err, sserr.CodeValidationFormat, "bundle: invalid YAML")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks that every record names its tenant, federated records
// have a name, and no tenant registers a name or a resident twice.
func (b *Bundle) Validate() error {
	seen := make(map[[2]string]bool, len(b.Providers))
	for i, p := range b.Providers {
		if p.Name == "" || p.TenantDomain == "" {
			return sserr.Newf(sserr.CodeValidationRequired, "bundle: providers[%d] needs name and tenant", i)
		}
		if p.Name == grant.ResidentProviderName || p.Resident {
			return sserr.Newf(sserr.CodeValidation,
				"bundle: providers[%d] is a resident provider; list it under residents", i)
		}
		k := [2]string{p.TenantDomain, p.Name}
		if seen[k] {
			return sserr.Newf(sserr.CodeValidation, "bundle: provider %q registered twice in tenant %q", p.Name, p.TenantDomain)
		}
		seen[k] = true
	}

	residents := make(map[string]bool, len(b.Residents))
	for i, p := range b.Residents {
		if p.TenantDomain == "" {
			return sserr.Newf(sserr.CodeValidationRequired, "bundle: residents[%d] needs tenant", i)
		}
		if residents[p.TenantDomain] {
			return sserr.Newf(sserr.CodeValidation, "bundle: tenant %q has more than one resident provider", p.TenantDomain)
		}
		residents[p.TenantDomain] = true
	}
	return nil
}

// Apply registers every record in reg, replacing same-named ones.
func (b *Bundle) Apply(reg *grant.MemoryRegistry) {
	for _, p := range b.Providers {
		reg.Add(p)
	}
	for _, p := range b.Residents {
		reg.SetResident(p)
	}
}

// Registry returns a new registry holding the bundle's records.
func (b *Bundle) Registry() *grant.MemoryRegistry {
	reg := grant.NewMemoryRegistry()
	b.Apply(reg)
	return reg
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// ReadFile reads and parses the bundle at path.
func ReadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, sserr.Wrapf(err, sserr.CodeNotFound, "bundle: %s does not exist", path)
	}
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "bundle: open %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "bundle: read %s", path)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// LoadFile reads the bundle at path into a new registry.
func LoadFile(path string) (*grant.MemoryRegistry, error) {
	b, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return b.Registry(), nil
}

// ObjectReader reads a size-limited object. [*minio.Client] satisfies it.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, key string, limit int64) ([]byte, string, error)
}

var _ ObjectReader = (*minio.Client)(nil)

// LoadObject reads and parses the bundle stored at bucket/key. The
// returned ETag lets a caller skip reloading an unchanged bundle.
func LoadObject(ctx context.Context, r ObjectReader, bucket, key string) (*grant.MemoryRegistry, string, error) {
	data, etag, err := r.ReadObject(ctx, bucket, key, MaxSize)
	if err != nil {
		return nil, "", err
	}
	b, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("%s/%s: %w", bucket, key, err)
	}
	return b.Registry(), etag, nil
}

// ObjectWriter stores an object and returns its ETag. [*minio.Client]
// satisfies it.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

var _ ObjectWriter = (*minio.Client)(nil)

// Publish validates b and stores it at bucket/key as YAML. It returns the
// ETag of the written object.
func Publish(ctx context.Context, w ObjectWriter, bucket, key string, b *Bundle) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "bundle: encode")
	}
	if len(data) > MaxSize {
		return "", sserr.Newf(sserr.CodeValidationRange, "bundle: %d bytes exceeds limit %d", len(data), MaxSize)
	}
	return w.WriteObject(ctx, bucket, key, data, "application/yaml")
}
