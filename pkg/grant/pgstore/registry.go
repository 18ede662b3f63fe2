// Package pgstore keeps identity providers and users in PostgreSQL and
// exposes them as a [grant.Registry] and a [grant.UserStore].
//
//	pg, err := postgres.NewClient(ctx, *cfg)
//	if err != nil { ... }
//	reg := pgstore.NewRegistry(pg)
//	if err := reg.EnsureSchema(ctx); err != nil { ... }
//	h, err := grant.NewHandler(grant.HandlerOptions{Config: gcfg, Registry: reg})
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/postgres"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

// Schema creates the tables both stores read. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS grant_identity_providers (
	tenant              TEXT    NOT NULL,
	name                TEXT    NOT NULL,
	entity_id           TEXT    NOT NULL DEFAULT '',
	resident            BOOLEAN NOT NULL DEFAULT FALSE,
	certificate         TEXT    NOT NULL DEFAULT '',
	jwks_uri            TEXT    NOT NULL DEFAULT '',
	alias               TEXT    NOT NULL DEFAULT '',
	token_endpoint      TEXT    NOT NULL DEFAULT '',
	local_claim_dialect BOOLEAN NOT NULL DEFAULT FALSE,
	claim_mappings      JSONB   NOT NULL DEFAULT '[]',
	PRIMARY KEY (tenant, name)
);
CREATE UNIQUE INDEX IF NOT EXISTS grant_identity_providers_resident
	ON grant_identity_providers (tenant) WHERE resident;
CREATE TABLE IF NOT EXISTS grant_users (
	tenant            TEXT NOT NULL,
	user_store_domain TEXT NOT NULL,
	username          TEXT NOT NULL,
	subject           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant, user_store_domain, username)
);`

const providerColumns = `name, tenant, entity_id, resident, certificate, jwks_uri, alias,
	token_endpoint, local_claim_dialect, claim_mappings`

const (
	// The exact name sorts ahead of the "default" placeholder.
	selectProviderByName = `SELECT ` + providerColumns + `
	FROM grant_identity_providers
	WHERE tenant = $1 AND (name = $2 OR name = $3) AND NOT resident
	ORDER BY name = $2 DESC
	LIMIT 1`

	selectResident = `SELECT ` + providerColumns + `
	FROM grant_identity_providers
	WHERE tenant = $1 AND resident
	LIMIT 1`

	selectTenantProviders = `SELECT ` + providerColumns + `
	FROM grant_identity_providers
	WHERE tenant = $1
	ORDER BY resident DESC, name`

	demoteResident = `UPDATE grant_identity_providers
	SET resident = FALSE
	WHERE tenant = $1 AND resident AND name <> $2`

	upsertProvider = `INSERT INTO grant_identity_providers (` + providerColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (tenant, name) DO UPDATE SET
		entity_id = EXCLUDED.entity_id,
		resident = EXCLUDED.resident,
		certificate = EXCLUDED.certificate,
		jwks_uri = EXCLUDED.jwks_uri,
		alias = EXCLUDED.alias,
		token_endpoint = EXCLUDED.token_endpoint,
		local_claim_dialect = EXCLUDED.local_claim_dialect,
		claim_mappings = EXCLUDED.claim_mappings`

	deleteProvider = `DELETE FROM grant_identity_providers WHERE tenant = $1 AND name = $2`
)

// Querier is the subset of [postgres.Client] the stores use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var _ Querier = (*postgres.Client)(nil)

// Registry is a [grant.Registry] over the grant_identity_providers table.
// Like [grant.MemoryRegistry], an unknown provider name falls back to the
// tenant's provider named "default" when one exists.
type Registry struct {
	db Querier
}

var _ grant.Registry = (*Registry)(nil)

// NewRegistry returns a registry over db.
func NewRegistry(db Querier) *Registry {
	return &Registry{db: db}
}

// EnsureSchema applies [Schema].
func (r *Registry) EnsureSchema(ctx context.Context) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, Schema); err != nil {
			return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgstore: create schema")
		}
		return nil
	})
}

// ProviderByName returns the tenant's provider called name, or its
// "default" placeholder when name is not registered. Residents are never
// returned here. A miss is an [sserr.CodeNotFoundProvider] error.
func (r *Registry) ProviderByName(ctx context.Context, name, tenant string) (*grant.ProviderRecord, error) {
	p, err := scanProvider(r.db.QueryRow(ctx, selectProviderByName, tenant, name, grant.DefaultProviderName))
	if postgres.IsNoRows(err) {
		return nil, sserr.Newf(sserr.CodeNotFoundProvider, "pgstore: provider %q not registered in tenant %q", name, tenant)
	}
	if err != nil {
		return nil, scanError(err, "pgstore: read provider")
	}
	return p, nil
}

// ResidentProvider returns the tenant's resident provider.
func (r *Registry) ResidentProvider(ctx context.Context, tenant string) (*grant.ProviderRecord, error) {
	p, err := scanProvider(r.db.QueryRow(ctx, selectResident, tenant))
	if postgres.IsNoRows(err) {
		return nil, sserr.Newf(sserr.CodeNotFoundProvider, "pgstore: tenant %q has no resident provider", tenant)
	}
	if err != nil {
		return nil, scanError(err, "pgstore: read resident provider")
	}
	return p, nil
}

// Providers lists a tenant's providers, resident first.
func (r *Registry) Providers(ctx context.Context, tenant string) ([]grant.ProviderRecord, error) {
	rows, err := r.db.Query(ctx, selectTenantProviders, tenant)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (grant.ProviderRecord, error) {
		p, err := scanProvider(row)
		if err != nil {
			return grant.ProviderRecord{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, scanError(err, "pgstore: list providers")
	}
	return out, nil
}

// Put inserts or replaces p. Registering a resident provider demotes the
// tenant's previous resident in the same transaction.
func (r *Registry) Put(ctx context.Context, p grant.ProviderRecord) error {
	if p.Name == "" || p.TenantDomain == "" {
		return sserr.New(sserr.CodeValidationRequired, "pgstore: provider needs a name and a tenant")
	}
	p.Resident = p.IsResident()
	mappings := p.ClaimMappings
	if mappings == nil {
		mappings = []grant.ClaimMapping{}
	}
	mappingsJSON, err := json.Marshal(mappings)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "pgstore: encode claim mappings")
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		if p.Resident {
			if _, err := tx.Exec(ctx, demoteResident, p.TenantDomain, p.Name); err != nil {
				return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgstore: demote resident provider")
			}
		}
		_, err := tx.Exec(ctx, upsertProvider,
			p.Name, p.TenantDomain, p.EntityID, p.Resident, p.Certificate, p.JWKSURI, p.Alias,
			p.TokenEndpoint, p.LocalClaimDialect, mappingsJSON)
		if err != nil {
			return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgstore: write provider")
		}
		return nil
	})
}

// Delete removes a provider. Deleting one that does not exist is an
// [sserr.CodeNotFoundProvider] error.
func (r *Registry) Delete(ctx context.Context, tenant, name string) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteProvider, tenant, name)
		if err != nil {
			return sserr.Wrap(err, sserr.CodeInternalDatabase, "pgstore: delete provider")
		}
		if tag.RowsAffected() == 0 {
			return sserr.Newf(sserr.CodeNotFoundProvider, "pgstore: provider %q not registered in tenant %q", name, tenant)
		}
		return nil
	})
}

func scanProvider(row pgx.Row) (*grant.ProviderRecord, error) {
	var (
		p        grant.ProviderRecord
		mappings []byte
	)
	err := row.Scan(&p.Name, &p.TenantDomain, &p.EntityID, &p.Resident, &p.Certificate,
		&p.JWKSURI, &p.Alias, &p.TokenEndpoint, &p.LocalClaimDialect, &mappings)
	if err != nil {
		return nil, err
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &p.ClaimMappings); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalDatabase, "pgstore: provider %q has corrupt claim mappings", p.Name)
		}
	}
	if len(p.ClaimMappings) == 0 {
		p.ClaimMappings = nil
	}
	return &p, nil
}

// scanError classifies errors surfaced by Scan, which the client does not
// wrap.
func scanError(err error, message string) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
